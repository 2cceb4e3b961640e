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
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoWork 当前没有待处理的 case
	ErrNoWork = errors.New("no work")
	// ErrMalformedCase next-case 响应缺字段或类型不符
	ErrMalformedCase = errors.New("malformed case")
	// ErrUnexpectedStatus 非预期的 HTTP 状态码，具体见 *StatusError
	ErrUnexpectedStatus = errors.New("unexpected ledger status")
	// ErrAlreadyDecided case 已被其他写入者决定；提交方视为 no-op
	ErrAlreadyDecided = errors.New("case already decided")
	// ErrUnauthorized 账本拒绝调用者身份（401/403）
	ErrUnauthorized = errors.New("ledger rejected caller identity")
	// ErrAnchorChanged 已持久化的信任锚与本次获取的不一致
	ErrAnchorChanged = errors.New("ledger service certificate changed")
	// ErrAnchorMismatch 信任锚与带外配置的指纹不一致，或与提供它的 TLS 连接不自洽
	ErrAnchorMismatch = errors.New("ledger service certificate mismatch")
)

// StatusError 账本返回的非预期状态
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("ledger %s: status %d: %s", e.Op, e.StatusCode, body)
}

// Unwrap 401/403 同时匹配 ErrUnauthorized
func (e *StatusError) Unwrap() []error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return []error{ErrUnexpectedStatus, ErrUnauthorized}
	}
	return []error{ErrUnexpectedStatus}
}

// Retryable 判断提交失败是否值得重试：传输错误与 5xx 可重试，4xx 与已决定不重试
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrAlreadyDecided) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return true
}
