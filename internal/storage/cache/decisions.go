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

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// Decision 缓存的决策，在成功提交（或账本已有决策）前保留
type Decision struct {
	CaseID    int64     `json:"case_id"`
	Label     string    `json:"label"`
	DecidedAt time.Time `json:"decided_at"`
	Attempts  int       `json:"attempts"` // 已失败的提交尝试次数
}

// Decisions 以 caseId 与 case 内容摘要为键的决策缓存；case 内容变化则视为新 case
type Decisions struct {
	store Store
	ttl   time.Duration
}

// NewDecisions 创建决策缓存
func NewDecisions(store Store, ttl time.Duration) *Decisions {
	return &Decisions{store: store, ttl: ttl}
}

// DecisionKey 决策缓存键
func DecisionKey(caseID int64, incident, policy string) string {
	h := sha256.New()
	h.Write([]byte(incident))
	h.Write([]byte{0})
	h.Write([]byte(policy))
	return "decision:" + strconv.FormatInt(caseID, 10) + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Lookup 查询缓存的决策；未命中返回 ok=false
func (d *Decisions) Lookup(ctx context.Context, caseID int64, incident, policy string) (Decision, bool, error) {
	var out Decision
	err := d.store.Get(ctx, DecisionKey(caseID, incident, policy), &out)
	if errors.Is(err, ErrMiss) {
		return Decision{}, false, nil
	}
	if err != nil {
		return Decision{}, false, err
	}
	return out, true, nil
}

// Remember 记录决策
func (d *Decisions) Remember(ctx context.Context, incident, policy string, dec Decision) error {
	return d.store.Set(ctx, DecisionKey(dec.CaseID, incident, policy), dec, d.ttl)
}

// Forget 删除决策
func (d *Decisions) Forget(ctx context.Context, caseID int64, incident, policy string) error {
	return d.store.Delete(ctx, DecisionKey(caseID, incident, policy))
}
