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

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"attested-worker/internal/decision"
	"attested-worker/internal/journal"
	"attested-worker/internal/ledger"
	"attested-worker/internal/storage/cache"
	"attested-worker/pkg/log"
	"attested-worker/pkg/metrics"
	"attested-worker/pkg/tracing"
)

// State Worker 状态机
type State string

const (
	StateStarting     State = "starting"
	StateBootstrapped State = "bootstrapped"
	StateRegistered   State = "registered"
	StatePolling      State = "polling"
	StateDeciding     State = "deciding"
	StateCommitting   State = "committing"
	StateStopped      State = "stopped"
)

var allStates = []State{StateStarting, StateBootstrapped, StateRegistered, StatePolling, StateDeciding, StateCommitting, StateStopped}

// CaseLedger 循环所需的账本操作
type CaseLedger interface {
	NextCase(ctx context.Context) (*ledger.Case, error)
	CommitDecision(ctx context.Context, caseID int64, d ledger.Decision) error
}

// Decider 决策引擎
type Decider interface {
	Decide(ctx context.Context, incident, policy string) decision.Label
}

// Registerer 重新注册
type Registerer interface {
	Register(ctx context.Context, fingerprint string) error
}

// DriverConfig 循环参数
type DriverConfig struct {
	WorkerID    string
	Fingerprint string
	// PollInterval 处理完一个 case 后到下次领取的间隔
	PollInterval time.Duration
	// IdleInterval 无工作或出错后的等待
	IdleInterval time.Duration
	// CommitErrors 为 false 时 "error" 判定不提交，记为 skipped
	CommitErrors bool
	Retry        RetryPolicy
	// Reregister 领取或提交被拒（401/403）时重新注册，每个周期至多一次
	Reregister bool
}

// CycleResult 单个周期的结果；Outcome 为空表示无工作
type CycleResult struct {
	CycleID  string
	CaseID   int64
	Outcome  journal.Outcome
	Label    decision.Label
	Attempts int
	Cached   bool
	Err      error
}

// Idle 本周期后是否应等待 IdleInterval
func (r CycleResult) Idle() bool {
	switch r.Outcome {
	case journal.OutcomeCommitted, journal.OutcomeAlreadyDecided:
		return false
	}
	return true
}

// Driver 单个 Worker 的领取、决策、提交循环；周期严格串行
type Driver struct {
	cfg       DriverConfig
	ledger    CaseLedger
	decider   Decider
	registrar Registerer
	decisions *cache.Decisions
	journal   journal.Store
	logger    *log.Logger

	state   atomic.Value
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewDriver 创建循环；registrar、decisions、journal 可为 nil
func NewDriver(cfg DriverConfig, l CaseLedger, d Decider, r Registerer, decisions *cache.Decisions, j journal.Store, logger *log.Logger) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	drv := &Driver{
		cfg:       cfg,
		ledger:    l,
		decider:   d,
		registrar: r,
		decisions: decisions,
		journal:   j,
		logger:    logger.With("worker_id", cfg.WorkerID),
		stopCh:    make(chan struct{}),
	}
	drv.setState(StateRegistered)
	return drv
}

func (d *Driver) setState(s State) {
	d.state.Store(s)
	publishState(s)
}

// publishState 更新 worker_state 指标
func publishState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.WorkerState.WithLabelValues(string(st)).Set(v)
	}
}

// State 当前状态
func (d *Driver) State() State {
	return d.state.Load().(State)
}

// Start 在后台运行循环
func (d *Driver) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Run(ctx)
	}()
}

// Stop 请求停止并等待当前周期结束
func (d *Driver) Stop() {
	d.stopped.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

// Run 循环直到 ctx 结束或 Stop；停止请求只在进入 Polling 前检查，已领取的周期总会完成
func (d *Driver) Run(ctx context.Context) {
	defer d.setState(StateStopped)
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		res := d.RunOnce(context.WithoutCancel(ctx))
		wait := d.cfg.PollInterval
		if res.Idle() {
			wait = d.cfg.IdleInterval
		}
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// RunOnce 执行一个周期：领取、决策、提交。运营期错误只记录，不返回。
func (d *Driver) RunOnce(ctx context.Context) CycleResult {
	start := time.Now()
	res := CycleResult{CycleID: uuid.New().String()}
	ctx, span := tracing.StartCycleSpan(ctx, res.CycleID, d.cfg.WorkerID)
	defer span.End()
	defer func() {
		if res.Outcome != "" {
			metrics.CycleDuration.Observe(time.Since(start).Seconds())
			d.record(ctx, res)
		}
		if res.Err != nil {
			tracing.EndWithError(span, res.Err)
		}
		d.setState(StatePolling)
	}()

	d.setState(StatePolling)
	reregistered := false
	cs, err := d.ledger.NextCase(ctx)
	if errors.Is(err, ledger.ErrUnauthorized) && d.reregister(ctx, &reregistered) {
		cs, err = d.ledger.NextCase(ctx)
	}
	switch {
	case err == nil:
		metrics.PollsTotal.WithLabelValues("case").Inc()
	case errors.Is(err, ledger.ErrNoWork):
		metrics.PollsTotal.WithLabelValues("no_work").Inc()
		d.logger.Debug("no work", "reason", err.Error())
		return res
	case errors.Is(err, ledger.ErrMalformedCase):
		metrics.PollsTotal.WithLabelValues("malformed").Inc()
		d.logger.Warn("malformed case, treating as no work", "error", err)
		res.Outcome, res.Err = journal.OutcomeMalformed, err
		return res
	default:
		metrics.PollsTotal.WithLabelValues("error").Inc()
		d.logger.Warn("领取 case 失败", "error", err)
		res.Outcome, res.Err = journal.OutcomeClaimError, err
		return res
	}

	res.CaseID = cs.ID
	logger := d.logger.With("case_id", cs.ID, "cycle_id", res.CycleID)
	res.Label, res.Cached = d.decide(ctx, cs, logger)

	if res.Label == decision.Error && !d.cfg.CommitErrors {
		logger.Warn("decision engine produced no answer, case skipped")
		res.Outcome = journal.OutcomeSkipped
		return res
	}

	d.setState(StateCommitting)
	body := ledger.Decision{Incident: cs.Incident, Policy: cs.Policy, Decision: string(res.Label)}
	commit := func(ctx context.Context) error { return d.ledger.CommitDecision(ctx, cs.ID, body) }
	res.Attempts, err = d.cfg.Retry.retry(ctx, commit)
	if errors.Is(err, ledger.ErrUnauthorized) && d.reregister(ctx, &reregistered) {
		var more int
		more, err = d.cfg.Retry.retry(ctx, commit)
		res.Attempts += more
	}

	switch {
	case err == nil:
		metrics.CommitsTotal.WithLabelValues("ok").Inc()
		logger.Info("decision committed", "decision", res.Label, "attempt", res.Attempts, "cached", res.Cached)
		res.Outcome = journal.OutcomeCommitted
		d.forget(ctx, cs, logger)
	case errors.Is(err, ledger.ErrAlreadyDecided):
		metrics.CommitsTotal.WithLabelValues("already_decided").Inc()
		logger.Info("case already decided by another writer", "decision", res.Label)
		res.Outcome = journal.OutcomeAlreadyDecided
		d.forget(ctx, cs, logger)
	default:
		metrics.CommitsTotal.WithLabelValues("failed").Inc()
		logger.Error("提交决策失败", "decision", res.Label, "attempt", res.Attempts, "error", err)
		res.Outcome, res.Err = journal.OutcomeCommitFailed, err
		d.noteFailedCommit(ctx, cs, res, logger)
	}
	return res
}

// decide 优先使用缓存的决策；有效决策在提交成功前写入缓存
func (d *Driver) decide(ctx context.Context, cs *ledger.Case, logger *log.Logger) (decision.Label, bool) {
	if d.decisions != nil {
		cached, ok, err := d.decisions.Lookup(ctx, cs.ID, cs.Incident, cs.Policy)
		if err != nil {
			logger.Warn("决策缓存读取失败", "error", err)
		}
		if ok && decision.Label(cached.Label).Valid() {
			logger.Info("reusing cached decision", "decision", cached.Label, "prior_attempts", cached.Attempts)
			return decision.Label(cached.Label), true
		}
	}

	d.setState(StateDeciding)
	dctx, span := tracing.StartDecisionSpan(ctx, cs.ID)
	label := d.decider.Decide(dctx, cs.Incident, cs.Policy)
	span.End()
	logger.Info("decision computed", "decision", label)

	if d.decisions != nil && label != decision.Error {
		err := d.decisions.Remember(ctx, cs.Incident, cs.Policy, cache.Decision{
			CaseID: cs.ID, Label: string(label), DecidedAt: time.Now(),
		})
		if err != nil {
			logger.Warn("决策缓存写入失败", "error", err)
		}
	}
	return label, false
}

// noteFailedCommit 累加缓存决策上的提交尝试次数，下个周期复用同一决策
func (d *Driver) noteFailedCommit(ctx context.Context, cs *ledger.Case, res CycleResult, logger *log.Logger) {
	if d.decisions == nil || res.Label == decision.Error {
		return
	}
	cached, ok, err := d.decisions.Lookup(ctx, cs.ID, cs.Incident, cs.Policy)
	if err != nil || !ok {
		return
	}
	cached.Attempts += res.Attempts
	if err := d.decisions.Remember(ctx, cs.Incident, cs.Policy, cached); err != nil {
		logger.Warn("决策缓存写入失败", "error", err)
	}
}

func (d *Driver) forget(ctx context.Context, cs *ledger.Case, logger *log.Logger) {
	if d.decisions == nil {
		return
	}
	if err := d.decisions.Forget(ctx, cs.ID, cs.Incident, cs.Policy); err != nil {
		logger.Warn("决策缓存删除失败", "error", err)
	}
}

// reregister 每个周期至多一次；返回是否成功
func (d *Driver) reregister(ctx context.Context, done *bool) bool {
	if !d.cfg.Reregister || d.registrar == nil || *done {
		return false
	}
	*done = true
	d.logger.Warn("ledger rejected worker identity, re-registering")
	if err := d.registrar.Register(ctx, d.cfg.Fingerprint); err != nil {
		d.logger.Error("重新注册失败", "error", err)
		return false
	}
	return true
}

func (d *Driver) record(ctx context.Context, res CycleResult) {
	if d.journal == nil {
		return
	}
	e := journal.Entry{
		CycleID:  res.CycleID,
		WorkerID: d.cfg.WorkerID,
		CaseID:   res.CaseID,
		Outcome:  res.Outcome,
		Label:    string(res.Label),
		Attempts: res.Attempts,
		At:       time.Now(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	if err := d.journal.Record(ctx, e); err != nil {
		d.logger.Warn("写入处理日志失败", "error", err)
	}
}
