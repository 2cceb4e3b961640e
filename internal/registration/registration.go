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

// Package registration 将 Worker 指纹绑定进硬件证明并向账本注册处理器
package registration

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"attested-worker/internal/attestation"
	"attested-worker/internal/ledger"
	"attested-worker/pkg/log"
	"attested-worker/pkg/metrics"
)

// ErrRejected 账本拒绝注册（非 200）；通常是度量或背书与策略不符，重试无益
var ErrRejected = errors.New("processor registration rejected")

// Ledger 注册所需的账本操作
type Ledger interface {
	RegisterProcessor(ctx context.Context, ev ledger.Evidence) error
}

// Registrar 执行注册；证据每次现取，不缓存
type Registrar struct {
	fetcher attestation.Fetcher
	ledger  Ledger
	logger  *log.Logger
}

// NewRegistrar 创建 Registrar
func NewRegistrar(fetcher attestation.Fetcher, l Ledger, logger *log.Logger) *Registrar {
	return &Registrar{fetcher: fetcher, ledger: l, logger: logger}
}

// EncodeEvidence 三个证据字段分别 base64 编码
func EncodeEvidence(ev attestation.Evidence) ledger.Evidence {
	return ledger.Evidence{
		Attestation:          base64.StdEncoding.EncodeToString(ev.Attestation),
		PlatformCertificates: base64.StdEncoding.EncodeToString(ev.PlatformCertificates),
		UVMEndorsements:      base64.StdEncoding.EncodeToString(ev.UVMEndorsements),
	}
}

// Register 以账本认可的 fingerprint 计算 report data、获取证明并 PUT 到注册端点。
// 不做自动重试；任何失败都由调用方决定是否终止。
func (r *Registrar) Register(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return errors.New("registration requires the ledger fingerprint")
	}
	reportData := attestation.ReportData(fingerprint)
	ev, err := r.fetcher.FetchAttestation(ctx, reportData)
	if err != nil {
		metrics.RegistrationsTotal.WithLabelValues("attestation_error").Inc()
		return fmt.Errorf("fetch attestation: %w", err)
	}
	r.logger.Info("已获取证明证据",
		"fingerprint", fingerprint,
		"attestation_bytes", len(ev.Attestation),
		"platform_certificates_bytes", len(ev.PlatformCertificates),
		"uvm_endorsements_bytes", len(ev.UVMEndorsements))

	if err := r.ledger.RegisterProcessor(ctx, EncodeEvidence(ev)); err != nil {
		var se *ledger.StatusError
		if errors.As(err, &se) {
			metrics.RegistrationsTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("%w: %v", ErrRejected, err)
		}
		metrics.RegistrationsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("register processor: %w", err)
	}
	metrics.RegistrationsTotal.WithLabelValues("ok").Inc()
	r.logger.Info("processor registered", "fingerprint", fingerprint)
	return nil
}
