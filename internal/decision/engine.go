// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package decision 封装决策引擎：few-shot 提示、结果解析、有界重试与单调用者约束
package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"attested-worker/pkg/config"
	"attested-worker/pkg/log"
	"attested-worker/pkg/metrics"
)

// DefaultRetries 默认尝试次数
const DefaultRetries = 10

// Engine 独占的决策句柄；Decide 串行执行
type Engine struct {
	mu      sync.Mutex
	gen     Generator
	retries int
	limiter *rate.Limiter
	timeout time.Duration
	logger  *log.Logger
}

// Options 引擎参数
type Options struct {
	Retries int
	// RequestsPerMinute 调用模型的速率上限，<=0 不限速
	RequestsPerMinute float64
	// Timeout 单次模型调用超时，<=0 不设置
	Timeout time.Duration
}

// NewEngine 创建引擎
func NewEngine(gen Generator, opts Options, logger *log.Logger) *Engine {
	if opts.Retries <= 0 {
		opts.Retries = DefaultRetries
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerMinute/60), 1)
	}
	return &Engine{
		gen:     gen,
		retries: opts.Retries,
		limiter: limiter,
		timeout: opts.Timeout,
		logger:  logger,
	}
}

// NewFromConfig 按 provider 创建引擎
func NewFromConfig(ctx context.Context, cfg config.DecisionConfig, logger *log.Logger) (*Engine, error) {
	timeout := config.Duration(cfg.Timeout, 60*time.Second)
	var gen Generator
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		g, err := NewChatCompletionsGenerator(cfg.Model, cfg.APIKey, cfg.BaseURL, timeout)
		if err != nil {
			return nil, err
		}
		gen = g
	case "eino":
		g, err := NewEinoGenerator(ctx, cfg.Model, cfg.APIKey, cfg.BaseURL, timeout)
		if err != nil {
			return nil, err
		}
		gen = g
	case "static":
		label := Label(strings.ToLower(cfg.StaticLabel))
		if label == "" {
			label = Approve
		}
		if label != Approve && label != Deny {
			return nil, fmt.Errorf("static decision label must be approve or deny, got %q", cfg.StaticLabel)
		}
		gen = StaticGenerator{Label: label}
	default:
		return nil, fmt.Errorf("unsupported decision provider %q", cfg.Provider)
	}
	return NewEngine(gen, Options{
		Retries:           cfg.Retries,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Timeout:           timeout,
	}, logger), nil
}

// Decide 返回 Approve、Deny，或在尝试次数耗尽（含 ctx 结束）时返回 Error。不会返回空值，也不会 panic。
func (e *Engine) Decide(ctx context.Context, incident, policy string) Label {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	label := e.decide(ctx, incident, policy)
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	metrics.DecisionsTotal.WithLabelValues(label.String()).Inc()
	return label
}

func (e *Engine) decide(ctx context.Context, incident, policy string) Label {
	messages := BuildMessages(incident, policy)
	for attempt := 1; attempt <= e.retries; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			e.logger.Warn("decision aborted", "attempt", attempt, "error", err)
			return Error
		}
		text, err := e.generate(ctx, messages)
		if err != nil {
			e.logger.Warn("模型调用失败", "attempt", attempt, "error", err)
			continue
		}
		label, err := ParseResult(text)
		if err != nil {
			e.logger.Debug("模型输出无法解析", "attempt", attempt, "error", err, "output", text)
			continue
		}
		return label
	}
	e.logger.Warn("decision retries exhausted", "attempts", e.retries)
	return Error
}

// generate 单次调用；panic 视为失败的一次尝试
func (e *Engine) generate(ctx context.Context, messages []Message) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.gen.Generate(ctx, messages)
}

// Retries 每次判定的最大尝试次数
func (e *Engine) Retries() int {
	return e.retries
}
