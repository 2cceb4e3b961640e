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

// Package worker 组装并运行 Worker：启动期身份、信任锚与注册，随后进入领取、决策、提交循环
package worker

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/google/uuid"
	hertzslog "github.com/hertz-contrib/logger/slog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	apihttp "attested-worker/internal/api/http"
	"attested-worker/internal/attestation"
	"attested-worker/internal/credentials"
	"attested-worker/internal/decision"
	"attested-worker/internal/journal"
	"attested-worker/internal/ledger"
	"attested-worker/internal/registration"
	"attested-worker/internal/storage/cache"
	"attested-worker/pkg/config"
	pkgerrors "attested-worker/pkg/errors"
	"attested-worker/pkg/log"
	"attested-worker/pkg/secrets"
	"attested-worker/pkg/tracing"
)

// App Worker 应用
type App struct {
	config    *config.Config
	logger    *log.Logger
	workerID  string
	startedAt time.Time

	engine  *decision.Engine
	cache   cache.Store
	journal journal.Store
	status  *apihttp.Server
	tracer  *sdktrace.TracerProvider

	identity    *credentials.Identity
	anchor      *x509.Certificate
	fingerprint string
	ledger      *ledger.Client
	attest      *attestation.Client
	driver      *Driver

	state      atomic.Value
	registered atomic.Bool
	mu         sync.Mutex
	cancel     context.CancelFunc
}

// NewApp 创建应用；不访问账本与预言机，这些在 Start 中完成
func NewApp(cfg *config.Config) (*App, error) {
	return NewAppWithLogger(cfg, nil)
}

// NewAppWithLogger logger 为 nil 时按配置创建
func NewAppWithLogger(cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		var err error
		logger, err = log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
	}
	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	a := &App{
		config:    cfg,
		logger:    logger.With("worker_id", workerID),
		workerID:  workerID,
		startedAt: time.Now(),
	}
	a.state.Store(StateStarting)

	ctx := context.Background()
	if cfg.Monitoring.Tracing.Enable && cfg.Monitoring.Tracing.ExportEndpoint != "" {
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.tracer = tp
		a.logger.Info("链路追踪已启用", "endpoint", cfg.Monitoring.Tracing.ExportEndpoint)
	}

	engine, err := decision.NewFromConfig(ctx, cfg.Decision, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化决策引擎失败: %w", err)
	}
	a.engine = engine

	a.cache, err = cache.NewCache(ctx, cfg.Cache)
	if err != nil {
		return nil, fmt.Errorf("初始化决策缓存失败: %w", err)
	}
	a.journal, err = journal.New(ctx, cfg.Journal)
	if err != nil {
		_ = a.cache.Close()
		return nil, fmt.Errorf("初始化处理日志失败: %w", err)
	}

	if cfg.Monitoring.Status.Enable {
		setHertzLogger(cfg.Log)
		handler := apihttp.NewHandler(a, a.journal, cfg.Monitoring.Prometheus.Enable)
		a.status = apihttp.NewServer(cfg.Monitoring.Status.Port, handler, a.tracer != nil)
	}
	return a, nil
}

func setHertzLogger(cfg config.LogConfig) {
	var output io.Writer = os.Stdout
	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			output = f
		}
	}
	levelVar := &slog.LevelVar{}
	levelVar.Set(log.ParseLevel(cfg.Level))
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))
}

// Start 执行启动序列并在后台运行循环。任一启动步骤失败都返回 pkg/errors.FatalError，调用方应退出进程。
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("启动 worker 应用", "ledger_url", a.config.Ledger.URL)
	if a.status != nil {
		errCh := a.status.Start()
		go func() {
			if err := <-errCh; err != nil {
				a.logger.Error("状态服务退出", "error", err)
			}
		}()
	}

	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	a.setState(StateBootstrapped)

	if err := a.register(ctx); err != nil {
		return err
	}
	a.registered.Store(true)
	a.setState(StateRegistered)

	retry := RetryPolicy{
		MaxRetries: a.config.Commit.RetryMax,
		Backoff:    config.Duration(a.config.Commit.Backoff, time.Second),
		MaxBackoff: config.Duration(a.config.Commit.MaxBackoff, 10*time.Second),
	}
	registrar := registration.NewRegistrar(a.attest, a.ledger, a.logger)
	ttl := config.Duration(a.config.Cache.TTL, 24*time.Hour)
	driver := NewDriver(DriverConfig{
		WorkerID:     a.workerID,
		Fingerprint:  a.fingerprint,
		PollInterval: config.Duration(a.config.Worker.PollInterval, 100*time.Millisecond),
		IdleInterval: config.Duration(a.config.Worker.IdleInterval, 5*time.Second),
		CommitErrors: a.config.Decision.CommitErrors,
		Retry:        retry,
		Reregister:   a.config.Worker.ReregisterOnForbidden,
	}, a.ledger, a.engine, registrar, cache.NewDecisions(a.cache, ttl), a.journal, a.logger)

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.driver = driver
	a.cancel = cancel
	a.mu.Unlock()
	driver.Start(runCtx)
	a.logger.Info("worker 应用启动成功", "fingerprint", a.fingerprint)
	return nil
}

// bootstrap 身份、信任锚与账本指纹
func (a *App) bootstrap(ctx context.Context) error {
	store, err := a.credentialStore()
	if err != nil {
		return pkgerrors.Fatal("credentials", err)
	}
	identity, err := credentials.Obtain(ctx, store, credentials.Options{
		CommonName: a.config.Credentials.CommonName,
		KeyBits:    a.config.Credentials.KeyBits,
		Validity:   time.Duration(a.config.Credentials.ValidityDays) * 24 * time.Hour,
	}, a.logger)
	if err != nil {
		return pkgerrors.Fatal("credentials", err)
	}
	a.identity = identity

	timeout := config.Duration(a.config.Ledger.Timeout, 30*time.Second)
	paths := a.config.Ledger.Paths
	anchor, err := ledger.FetchServiceCertificate(ctx, ledger.BootstrapOptions{
		BaseURL:             a.config.Ledger.URL,
		Path:                paths.ServiceCertificate,
		CAFile:              a.config.Ledger.BootstrapCAFile,
		ExpectedFingerprint: a.config.Ledger.ServiceCertFingerprint,
		Timeout:             timeout,
	})
	if err != nil {
		return pkgerrors.Fatal("bootstrap", err)
	}
	if a.config.Credentials.Backend == "file" && a.config.Credentials.Root != "" {
		if err := ledger.PinAnchor(a.config.Credentials.Root, anchor); err != nil {
			return pkgerrors.Fatal("bootstrap", err)
		}
	}
	a.anchor = anchor
	a.logger.Info("已固定账本服务证书", "anchor_fingerprint", credentials.Fingerprint(anchor))

	client, err := ledger.NewClient(ledger.Options{
		BaseURL:     a.config.Ledger.URL,
		Anchor:      anchor,
		Certificate: identity.TLSCertificate(),
		Timeout:     timeout,
		Paths: ledger.Paths{
			Identity:  paths.Identity,
			Processor: paths.Processor,
			NextCase:  paths.NextCase,
			Decision:  paths.Decision,
		},
		DecisionMethod: a.config.Ledger.DecisionMethod,
	})
	if err != nil {
		return pkgerrors.Fatal("bootstrap", err)
	}
	a.ledger = client

	fp, err := client.Identity(ctx)
	if err != nil {
		return pkgerrors.Fatal("identity", err)
	}
	if credentials.NormalizeFingerprint(fp) != credentials.NormalizeFingerprint(identity.Fingerprint) {
		a.logger.Warn("ledger fingerprint differs from local certificate fingerprint; using the ledger value",
			"fingerprint", fp, "local_fingerprint", identity.Fingerprint)
	}
	a.fingerprint = fp
	return nil
}

func (a *App) credentialStore() (credentials.Store, error) {
	c := a.config.Credentials
	switch c.Backend {
	case "file":
		if c.Root == "" {
			return nil, fmt.Errorf("credentials.root is required for the file backend")
		}
		return credentials.NewFileStore(c.Root), nil
	case "vault":
		s, err := secrets.NewStore(secrets.Config{
			Provider: "vault",
			Vault: secrets.VaultConfig{
				Address:    c.Vault.Address,
				Token:      c.Vault.Token,
				PathPrefix: c.Vault.PathPrefix,
			},
		})
		if err != nil {
			return nil, err
		}
		return credentials.NewSecretStore(s, a.workerID), nil
	case "", "ephemeral":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported credentials backend %q", c.Backend)
	}
}

// register 连接预言机并注册；失败不重试
func (a *App) register(ctx context.Context) error {
	client, err := attestation.Dial(a.config.Attestation.Socket, config.Duration(a.config.Attestation.Timeout, 30*time.Second))
	if err != nil {
		return pkgerrors.Fatal("attestation", err)
	}
	a.attest = client
	if err := registration.NewRegistrar(client, a.ledger, a.logger).Register(ctx, a.fingerprint); err != nil {
		return pkgerrors.Fatal("registration", err)
	}
	return nil
}

func (a *App) setState(s State) {
	a.state.Store(s)
	publishState(s)
}

// State 当前状态；循环启动后以 Driver 为准
func (a *App) State() State {
	a.mu.Lock()
	d := a.driver
	a.mu.Unlock()
	if d != nil {
		return d.State()
	}
	return a.state.Load().(State)
}

// Status 实现 apihttp.StatusSource
func (a *App) Status() apihttp.Status {
	return apihttp.Status{
		WorkerID:    a.workerID,
		Fingerprint: a.fingerprint,
		LedgerURL:   a.config.Ledger.URL,
		State:       string(a.State()),
		Registered:  a.registered.Load(),
		StartedAt:   a.startedAt,
	}
}

// Fingerprint 账本认可的 Worker 指纹
func (a *App) Fingerprint() string {
	return a.fingerprint
}

// Shutdown 停止循环（等待当前周期完成，受 ctx 限制），再关闭各组件
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	a.mu.Lock()
	driver, cancel := a.driver, a.cancel
	a.mu.Unlock()
	var pending chan struct{}
	if driver != nil {
		done := make(chan struct{})
		go func() {
			driver.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			a.logger.Warn("等待当前周期结束超时，周期结束后再关闭缓存与日志", "error", ctx.Err())
			pending = done
		}
	}
	if cancel != nil {
		cancel()
	}
	a.setState(StateStopped)

	if a.status != nil {
		if err := a.status.Shutdown(ctx); err != nil {
			a.logger.Error("关闭状态服务失败", "error", err)
		}
	}
	if a.attest != nil {
		if err := a.attest.Close(); err != nil {
			a.logger.Error("关闭证明客户端失败", "error", err)
		}
	}
	if pending != nil {
		// 周期仍在使用缓存与日志
		go func() {
			<-pending
			a.closeStores()
		}()
	} else {
		a.closeStores()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	a.logger.Info("worker 应用已关闭")
	return nil
}

func (a *App) closeStores() {
	if err := a.cache.Close(); err != nil {
		a.logger.Error("关闭决策缓存失败", "error", err)
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Error("关闭处理日志失败", "error", err)
	}
}

// DefaultWorkerID 优先 WORKER_ID，其次主机名
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return host
	}
	return "worker-" + uuid.New().String()[:8]
}
