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
	"time"

	"attested-worker/internal/ledger"
)

// RetryPolicy 决策提交的重试策略；MaxRetries 不含首次，0 即不重试
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// delay 第 n 次重试前的等待（n 从 1 开始），指数增长并封顶
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		d = time.Second
	}
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// retry 执行 fn，直到成功、遇到不可重试错误或用尽次数；返回实际尝试次数
func (p RetryPolicy) retry(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var err error
	attempts := 0
	for {
		attempts++
		err = fn(ctx)
		if err == nil || !ledger.Retryable(err) || attempts > p.MaxRetries {
			return attempts, err
		}
		select {
		case <-ctx.Done():
			return attempts, errors.Join(err, ctx.Err())
		case <-time.After(p.delay(attempts)):
		}
	}
}
