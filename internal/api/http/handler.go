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

// Package http 提供 Worker 的本地状态服务：健康检查、运行状态与 Prometheus 指标
package http

import (
	"bytes"
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"attested-worker/internal/journal"
	"attested-worker/pkg/metrics"
)

// Status Worker 运行状态快照
type Status struct {
	WorkerID    string    `json:"worker_id"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	LedgerURL   string    `json:"ledger_url"`
	State       string    `json:"state"`
	Registered  bool      `json:"registered"`
	StartedAt   time.Time `json:"started_at"`
}

// StatusSource 提供状态快照
type StatusSource interface {
	Status() Status
}

// StatusFunc 函数适配
type StatusFunc func() Status

func (f StatusFunc) Status() Status { return f() }

// recentLimit /status 返回的最近记录条数
const recentLimit = 20

// Handler 状态服务处理器
type Handler struct {
	source         StatusSource
	journal        journal.Store
	metricsEnabled bool
}

// NewHandler journal 可为 nil
func NewHandler(source StatusSource, j journal.Store, metricsEnabled bool) *Handler {
	return &Handler{source: source, journal: j, metricsEnabled: metricsEnabled}
}

// Health 注册完成前返回 503
func (h *Handler) Health(ctx context.Context, c *app.RequestContext) {
	st := h.source.Status()
	code := consts.StatusOK
	status := "ok"
	if !st.Registered {
		code = consts.StatusServiceUnavailable
		status = "starting"
	}
	c.JSON(code, utils.H{
		"status":    status,
		"state":     st.State,
		"timestamp": time.Now().Unix(),
	})
}

// Status 运行状态与最近的处理记录
func (h *Handler) Status(ctx context.Context, c *app.RequestContext) {
	resp := utils.H{"worker": h.source.Status()}
	if h.journal != nil {
		recent, err := h.journal.Recent(ctx, recentLimit)
		if err != nil {
			resp["journal_error"] = err.Error()
		} else {
			if recent == nil {
				recent = []journal.Entry{}
			}
			resp["recent"] = recent
		}
	}
	c.JSON(consts.StatusOK, resp)
}

// Metrics Prometheus 文本格式
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	if !h.metricsEnabled {
		c.String(consts.StatusNotFound, "metrics disabled")
		return
	}
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
