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

package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"attested-worker/pkg/log"
)

// Obtain 获取 Worker 身份：
//   - store 为 nil：生成仅存在于进程内存的临时身份
//   - store 中已有完整凭据：原样加载，绝不静默重新生成
//   - store 为空：生成新身份并持久化
//   - 只有一半凭据：返回 ErrPartialCredentials
func Obtain(ctx context.Context, store Store, opts Options, logger *log.Logger) (*Identity, error) {
	if store == nil {
		id, err := Generate(opts)
		if err != nil {
			return nil, err
		}
		logger.Info("生成临时 Worker 身份", "fingerprint", id.Fingerprint, "not_after", id.Certificate.NotAfter)
		return id, nil
	}

	certPEM, keyPEM, err := store.Load(ctx)
	switch {
	case err == nil:
		id, err := Parse(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load persisted credentials: %w", err)
		}
		if id.Expired(time.Now()) {
			logger.Warn("persisted worker certificate has expired; the ledger may reject it",
				"fingerprint", id.Fingerprint, "not_after", id.Certificate.NotAfter)
		}
		logger.Info("加载已持久化的 Worker 身份", "fingerprint", id.Fingerprint)
		return id, nil
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	id, err := Generate(opts)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, id.CertPEM, id.KeyPEM); err != nil {
		return nil, fmt.Errorf("persist credentials: %w", err)
	}
	logger.Info("生成并持久化 Worker 身份", "fingerprint", id.Fingerprint, "not_after", id.Certificate.NotAfter)
	return id, nil
}
