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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadConfig_FromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
ledger:
  url: "https://ledger.example:8000/app"
attestation:
  socket: "/tmp/attestation.sock"
decision:
  retries: 4
log:
  level: "debug"
`
	path := filepath.Join(dir, "worker.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Ledger.URL != "https://ledger.example:8000/app" {
		t.Errorf("Ledger.URL: got %q", cfg.Ledger.URL)
	}
	if cfg.Decision.Retries != 4 {
		t.Errorf("Decision.Retries: got %d", cfg.Decision.Retries)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level: got %q", cfg.Log.Level)
	}
	// 未配置项取默认值
	if cfg.Ledger.Paths.NextCase != "/cases/next" {
		t.Errorf("Ledger.Paths.NextCase: got %q", cfg.Ledger.Paths.NextCase)
	}
	if cfg.Credentials.Backend != "ephemeral" {
		t.Errorf("Credentials.Backend: got %q", cfg.Credentials.Backend)
	}
	if cfg.Credentials.KeyBits != 2048 || cfg.Credentials.ValidityDays != 10 {
		t.Errorf("Credentials defaults: got %d bits, %d days", cfg.Credentials.KeyBits, cfg.Credentials.ValidityDays)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("WORKER_LEDGER_URL", "https://from-env")
	t.Setenv("WORKER_ATTESTATION_SOCKET", "/run/env.sock")

	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse([]string{"--ledger-url", "https://from-flag", "--credentials-root", "/var/lib/worker", "--repeats", "3"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ledger.URL != "https://from-flag" {
		t.Errorf("Ledger.URL: got %q, want flag value", cfg.Ledger.URL)
	}
	if cfg.Attestation.Socket != "/run/env.sock" {
		t.Errorf("Attestation.Socket: got %q, want env value", cfg.Attestation.Socket)
	}
	if cfg.Credentials.Backend != "file" || cfg.Credentials.Root != "/var/lib/worker" {
		t.Errorf("Credentials: got backend=%q root=%q", cfg.Credentials.Backend, cfg.Credentials.Root)
	}
	if cfg.Decision.Retries != 3 {
		t.Errorf("Decision.Retries: got %d", cfg.Decision.Retries)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		cfg.Ledger.URL = "https://ledger"
		cfg.Attestation.Socket = "/tmp/a.sock"
		return cfg
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	cases := map[string]func(c *Config){
		"missing ledger url":   func(c *Config) { c.Ledger.URL = "" },
		"plain http ledger":    func(c *Config) { c.Ledger.URL = "http://ledger" },
		"missing socket":       func(c *Config) { c.Attestation.Socket = "" },
		"file without root":    func(c *Config) { c.Credentials.Backend = "file" },
		"unknown backend":      func(c *Config) { c.Credentials.Backend = "hsm" },
		"bad method":           func(c *Config) { c.Ledger.DecisionMethod = "PATCH" },
		"static without label": func(c *Config) { c.Decision.Provider = "static" },
		"zero retries":         func(c *Config) { c.Decision.Retries = 0 },
		"postgres without dsn": func(c *Config) { c.Journal.Type = "postgres" },
		"bad duration":         func(c *Config) { c.Worker.IdleInterval = "soon" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate should fail for %s", name)
			}
		})
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("", time.Second); got != time.Second {
		t.Errorf("empty: got %v", got)
	}
	if got := Duration("250ms", time.Second); got != 250*time.Millisecond {
		t.Errorf("250ms: got %v", got)
	}
	if got := Duration("nope", time.Second); got != time.Second {
		t.Errorf("invalid: got %v", got)
	}
}
