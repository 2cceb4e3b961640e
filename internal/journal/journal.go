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

// Package journal 记录每个循环周期的处理结果
package journal

import (
	"context"
	"fmt"
	"time"

	"attested-worker/pkg/config"
)

// Outcome 周期结果
type Outcome string

const (
	OutcomeCommitted      Outcome = "committed"
	OutcomeAlreadyDecided Outcome = "already_decided"
	OutcomeCommitFailed   Outcome = "commit_failed"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeClaimError     Outcome = "claim_error"
	OutcomeMalformed      Outcome = "malformed"
)

// Entry 一条记录；CaseID 为 0 表示未领取到 case
type Entry struct {
	CycleID  string    `json:"cycle_id"`
	WorkerID string    `json:"worker_id"`
	CaseID   int64     `json:"case_id,omitempty"`
	Outcome  Outcome   `json:"outcome"`
	Label    string    `json:"label,omitempty"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	At       time.Time `json:"at"`
}

// Store 结果日志存储
type Store interface {
	Record(ctx context.Context, e Entry) error
	// Recent 最近 limit 条，新的在前
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// New 根据配置创建
func New(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(cfg.Capacity), nil
	case "postgres":
		return NewPgStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal type: %s", cfg.Type)
	}
}
