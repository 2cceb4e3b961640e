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

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config Worker 配置结构体
type Config struct {
	Worker      WorkerConfig      `mapstructure:"worker"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Attestation AttestationConfig `mapstructure:"attestation"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Decision    DecisionConfig    `mapstructure:"decision"`
	Commit      CommitConfig      `mapstructure:"commit"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Journal     JournalConfig     `mapstructure:"journal"`
	Log         LogConfig         `mapstructure:"log"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
}

// WorkerConfig 轮询循环配置
type WorkerConfig struct {
	ID                    string `mapstructure:"id"`                      // 空则取 WORKER_ID / hostname
	PollInterval          string `mapstructure:"poll_interval"`           // 两次成功处理之间的间隔，如 "2s"
	IdleInterval          string `mapstructure:"idle_interval"`           // 无任务或出错后的等待，如 "5s"
	ShutdownTimeout       string `mapstructure:"shutdown_timeout"`        // 优雅关闭等待当前周期结束的上限
	ReregisterOnForbidden bool   `mapstructure:"reregister_on_forbidden"` // claim/commit 返回 401/403 时重新注册
}

// LedgerConfig 账本服务端点与信任配置
type LedgerConfig struct {
	URL                    string      `mapstructure:"url"`
	Timeout                string      `mapstructure:"timeout"`
	ServiceCertFingerprint string      `mapstructure:"service_cert_fingerprint"` // 可选，带外固定的服务证书 SHA-256
	BootstrapCAFile        string      `mapstructure:"bootstrap_ca_file"`        // 可选，首次获取服务证书时用于校验的 CA
	DecisionMethod         string      `mapstructure:"decision_method"`          // POST | PUT
	Paths                  LedgerPaths `mapstructure:"paths"`
}

// LedgerPaths 账本应用端点路径，默认与 CCF 应用约定一致
type LedgerPaths struct {
	ServiceCertificate string `mapstructure:"service_certificate"`
	Identity           string `mapstructure:"identity"`
	Processor          string `mapstructure:"processor"`
	NextCase           string `mapstructure:"next_case"`
	Decision           string `mapstructure:"decision"` // 含 {caseId} 占位符
}

// AttestationConfig 本地证明 sidecar 配置
type AttestationConfig struct {
	Socket  string `mapstructure:"socket"`
	Timeout string `mapstructure:"timeout"`
}

// CredentialsConfig Worker mTLS 身份配置
type CredentialsConfig struct {
	Backend      string      `mapstructure:"backend"` // file | vault | ephemeral
	Root         string      `mapstructure:"root"`    // backend=file 时的目录
	CommonName   string      `mapstructure:"common_name"`
	KeyBits      int         `mapstructure:"key_bits"`
	ValidityDays int         `mapstructure:"validity_days"`
	Vault        VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault KV 配置（backend=vault）
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// DecisionConfig 判定引擎配置
type DecisionConfig struct {
	Provider          string  `mapstructure:"provider"` // openai | eino | static
	Model             string  `mapstructure:"model"`
	BaseURL           string  `mapstructure:"base_url"`
	APIKey            string  `mapstructure:"api_key"`
	Retries           int     `mapstructure:"retries"` // 单次判定最多尝试次数
	RequestsPerMinute float64 `mapstructure:"requests_per_minute"`
	Timeout           string  `mapstructure:"timeout"`
	CommitErrors      bool    `mapstructure:"commit_errors"` // 为 true 时 "error" 判定同样提交
	StaticLabel       string  `mapstructure:"static_label"`  // provider=static 时返回的标签
}

// CommitConfig 判定提交重试策略；RetryMax=0 时失败即放弃
type CommitConfig struct {
	RetryMax   int    `mapstructure:"retry_max"`
	Backoff    string `mapstructure:"backoff"`
	MaxBackoff string `mapstructure:"max_backoff"`
}

// CacheConfig 判定缓存配置
type CacheConfig struct {
	Type     string `mapstructure:"type"` // memory | redis
	Addr     string `mapstructure:"addr"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
	TTL      string `mapstructure:"ttl"`
}

// JournalConfig 处理结果日志配置
type JournalConfig struct {
	Type     string `mapstructure:"type"` // memory | postgres
	DSN      string `mapstructure:"dsn"`
	Capacity int    `mapstructure:"capacity"` // memory 模式保留条数
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Status     StatusConfig     `mapstructure:"status"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// StatusConfig 状态/健康检查 HTTP 服务
type StatusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

// PrometheusConfig Prometheus 配置；启用时由状态服务暴露 /metrics
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// envPrefix 环境变量前缀，如 WORKER_LEDGER_URL
const envPrefix = "WORKER"

func setDefaults(v *viper.Viper) {
	// 无默认值的键同样登记为空串，AutomaticEnv 才能在 Unmarshal 时生效
	for _, key := range []string{
		"worker.id", "ledger.url", "ledger.service_cert_fingerprint", "ledger.bootstrap_ca_file",
		"attestation.socket", "credentials.root", "credentials.vault.address", "credentials.vault.token",
		"decision.base_url", "decision.api_key", "decision.static_label",
		"cache.addr", "cache.password", "journal.dsn", "log.file",
		"monitoring.tracing.export_endpoint",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("cache.db", 0)
	v.SetDefault("monitoring.tracing.enable", false)
	v.SetDefault("monitoring.tracing.insecure", false)

	v.SetDefault("worker.poll_interval", "100ms")
	v.SetDefault("worker.idle_interval", "5s")
	v.SetDefault("worker.shutdown_timeout", "30s")
	v.SetDefault("worker.reregister_on_forbidden", true)

	v.SetDefault("ledger.timeout", "30s")
	v.SetDefault("ledger.decision_method", "POST")
	v.SetDefault("ledger.paths.service_certificate", "/service-certificate")
	v.SetDefault("ledger.paths.identity", "/identity")
	v.SetDefault("ledger.paths.processor", "/processor")
	v.SetDefault("ledger.paths.next_case", "/cases/next")
	v.SetDefault("ledger.paths.decision", "/cases/{caseId}/decision")

	v.SetDefault("attestation.timeout", "30s")

	v.SetDefault("credentials.backend", "")
	v.SetDefault("credentials.common_name", "attested-worker")
	v.SetDefault("credentials.key_bits", 2048)
	v.SetDefault("credentials.validity_days", 10)
	v.SetDefault("credentials.vault.path_prefix", "secret/data/attested-worker")

	v.SetDefault("decision.provider", "openai")
	v.SetDefault("decision.model", "phi-3-mini-4k-instruct")
	v.SetDefault("decision.retries", 10)
	v.SetDefault("decision.requests_per_minute", 60)
	v.SetDefault("decision.timeout", "60s")
	v.SetDefault("decision.commit_errors", true)

	v.SetDefault("commit.retry_max", 3)
	v.SetDefault("commit.backoff", "1s")
	v.SetDefault("commit.max_backoff", "10s")

	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.ttl", "24h")

	v.SetDefault("journal.type", "memory")
	v.SetDefault("journal.capacity", 256)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("monitoring.status.enable", true)
	v.SetDefault("monitoring.status.port", 9090)
	v.SetDefault("monitoring.prometheus.enable", true)
	v.SetDefault("monitoring.tracing.service_name", "attested-worker")
}

// RegisterFlags 注册与原处理器一致的命令行参数；Load 时绑定到对应配置键
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to YAML config file")
	fs.String("ledger-url", "", "Base URL of the ledger application")
	fs.String("uds-sock", "", "Path to unix domain socket for attestation side-car")
	fs.String("credentials-root", "", "Directory holding the worker key and certificate; empty means ephemeral")
	fs.Int("repeats", 0, "How many times the decision engine should try to process a case")
}

var flagKeys = map[string]string{
	"ledger-url":       "ledger.url",
	"uds-sock":         "attestation.socket",
	"credentials-root": "credentials.root",
	"repeats":          "decision.retries",
}

// Load 加载配置：默认值 < 配置文件 < 环境变量 < 命令行参数；fs 可为 nil
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			path = f.Value.String()
		}
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("绑定参数 %s 失败: %w", name, err)
			}
		}
	}
	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	replaceEnvVars(&cfg)
	if cfg.Credentials.Backend == "" {
		cfg.Credentials.Backend = "ephemeral"
		if cfg.Credentials.Root != "" {
			cfg.Credentials.Backend = "file"
		}
	}
	return &cfg, nil
}

// LoadConfig 仅从文件加载（叠加默认值与环境变量）
func LoadConfig(configPath string) (*Config, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Set("config", configPath); err != nil {
		return nil, err
	}
	return Load(fs)
}

// replaceEnvVars 展开 ${VAR} 形式的密钥引用
func replaceEnvVars(cfg *Config) {
	cfg.Decision.APIKey = expandRef(cfg.Decision.APIKey)
	cfg.Credentials.Vault.Token = expandRef(cfg.Credentials.Vault.Token)
	cfg.Cache.Password = expandRef(cfg.Cache.Password)
	cfg.Journal.DSN = expandRef(cfg.Journal.DSN)
}

func expandRef(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}

// Validate 校验必填项与枚举值；失败属于启动期致命错误
func (c *Config) Validate() error {
	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if !strings.HasPrefix(c.Ledger.URL, "https://") {
		return fmt.Errorf("ledger.url must use https: %s", c.Ledger.URL)
	}
	if c.Attestation.Socket == "" {
		return fmt.Errorf("attestation.socket is required")
	}
	switch c.Credentials.Backend {
	case "ephemeral":
	case "file":
		if c.Credentials.Root == "" {
			return fmt.Errorf("credentials.root is required for file backend")
		}
	case "vault":
		if c.Credentials.Vault.Address == "" {
			return fmt.Errorf("credentials.vault.address is required for vault backend")
		}
	default:
		return fmt.Errorf("unsupported credentials backend: %s", c.Credentials.Backend)
	}
	switch strings.ToUpper(c.Ledger.DecisionMethod) {
	case "POST", "PUT":
	default:
		return fmt.Errorf("unsupported ledger.decision_method: %s", c.Ledger.DecisionMethod)
	}
	switch c.Decision.Provider {
	case "openai", "eino":
	case "static":
		if c.Decision.StaticLabel == "" {
			return fmt.Errorf("decision.static_label is required for static provider")
		}
	default:
		return fmt.Errorf("unsupported decision provider: %s", c.Decision.Provider)
	}
	if c.Decision.Retries <= 0 {
		return fmt.Errorf("decision.retries must be positive")
	}
	if c.Commit.RetryMax < 0 {
		return fmt.Errorf("commit.retry_max must not be negative")
	}
	switch c.Cache.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %s", c.Cache.Type)
	}
	switch c.Journal.Type {
	case "", "memory":
	case "postgres":
		if c.Journal.DSN == "" {
			return fmt.Errorf("journal.dsn is required for postgres journal")
		}
	default:
		return fmt.Errorf("unsupported journal type: %s", c.Journal.Type)
	}
	for key, val := range map[string]string{
		"worker.poll_interval":    c.Worker.PollInterval,
		"worker.idle_interval":    c.Worker.IdleInterval,
		"worker.shutdown_timeout": c.Worker.ShutdownTimeout,
		"ledger.timeout":          c.Ledger.Timeout,
		"attestation.timeout":     c.Attestation.Timeout,
		"decision.timeout":        c.Decision.Timeout,
		"commit.backoff":          c.Commit.Backoff,
		"commit.max_backoff":      c.Commit.MaxBackoff,
		"cache.ttl":               c.Cache.TTL,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	return nil
}

// Duration 解析时长配置，空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
