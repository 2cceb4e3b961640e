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

package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Case 一个待决策的案件
type Case struct {
	ID                   int64
	Incident             string
	Policy               string
	Decision             string
	ProcessorFingerprint string
}

// Decided 是否已有决策
func (c *Case) Decided() bool {
	return c.Decision != ""
}

type caseEnvelope struct {
	CaseID   json.RawMessage `json:"caseId"`
	Metadata json.RawMessage `json:"metadata"`
}

type caseMetadata struct {
	Incident *string `json:"incident"`
	Policy   *string `json:"policy"`
	Decision *struct {
		Decision             string `json:"decision"`
		ProcessorFingerprint string `json:"processor_fingerprint"`
	} `json:"decision"`
}

// ParseCase 解析 next-case 响应体；所有校验失败都包装 ErrMalformedCase
func ParseCase(body []byte) (*Case, error) {
	var env caseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCase, err)
	}
	id, err := parseCaseID(env.CaseID)
	if err != nil {
		return nil, err
	}
	if len(env.Metadata) == 0 || bytes.Equal(env.Metadata, []byte("null")) {
		return nil, fmt.Errorf("%w: case %d: missing metadata", ErrMalformedCase, id)
	}
	var md caseMetadata
	if err := json.Unmarshal(env.Metadata, &md); err != nil {
		return nil, fmt.Errorf("%w: case %d: metadata: %v", ErrMalformedCase, id, err)
	}
	if md.Incident == nil {
		return nil, fmt.Errorf("%w: case %d: missing incident", ErrMalformedCase, id)
	}
	if md.Policy == nil {
		return nil, fmt.Errorf("%w: case %d: missing policy", ErrMalformedCase, id)
	}
	c := &Case{ID: id, Incident: *md.Incident, Policy: *md.Policy}
	if md.Decision != nil {
		c.Decision = md.Decision.Decision
		c.ProcessorFingerprint = md.Decision.ProcessorFingerprint
	}
	return c, nil
}

// caseId 接受整数 JSON 数字或数字字符串
func parseCaseID(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing caseId", ErrMalformedCase)
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: caseId: %v", ErrMalformedCase, err)
		}
		s = strings.TrimSpace(s)
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		if id < 0 {
			return 0, fmt.Errorf("%w: negative caseId %d", ErrMalformedCase, id)
		}
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || f < 0 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: caseId %s is not an integer", ErrMalformedCase, s)
	}
	return int64(f), nil
}
