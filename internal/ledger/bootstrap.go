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
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"

	"attested-worker/internal/credentials"
	"attested-worker/pkg/tracing"
)

// AnchorFile 信任锚在凭据目录下的文件名
const AnchorFile = "service_cert.pem"

// BootstrapOptions 获取信任锚的参数
type BootstrapOptions struct {
	BaseURL string
	Path    string
	// CAFile 可选：用该 CA 校验本次连接
	CAFile string
	// ExpectedFingerprint 可选：带外下发的服务证书指纹
	ExpectedFingerprint string
	Timeout             time.Duration
}

// FetchServiceCertificate 获取账本服务证书，是协议中唯一不使用固定信任锚的调用。
// 未配置 CAFile 时握手阶段不校验服务端证书，取而代之的是：提供本次响应的 TLS 连接的
// 对端证书链必须能被返回的证书验证；若配置了 ExpectedFingerprint 还需指纹一致。
func FetchServiceCertificate(ctx context.Context, opts BootstrapOptions) (*x509.Certificate, error) {
	ctx, span := tracing.StartLedgerSpan(ctx, "service_certificate")
	defer span.End()

	cert, err := fetchServiceCertificate(ctx, opts)
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}
	return cert, nil
}

func fetchServiceCertificate(ctx context.Context, opts BootstrapOptions) (*x509.Certificate, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if opts.CAFile != "" {
		pool, err := loadCertPool(opts.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	} else {
		tlsConfig.InsecureSkipVerify = true // 由下方的自洽校验与可选指纹替代
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetTLSClientConfig(tlsConfig)
	resp, err := client.R().SetContext(ctx).Get(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("ledger service_certificate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{Op: "service_certificate", StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	anchor, err := parseServiceCertificate(resp.Body())
	if err != nil {
		return nil, err
	}
	if resp.RawResponse == nil || resp.RawResponse.TLS == nil || len(resp.RawResponse.TLS.PeerCertificates) == 0 {
		return nil, fmt.Errorf("%w: service certificate was not served over TLS", ErrAnchorMismatch)
	}
	if err := verifyPeerChain(anchor, resp.RawResponse.TLS.PeerCertificates); err != nil {
		return nil, err
	}
	if opts.ExpectedFingerprint != "" {
		got := credentials.Fingerprint(anchor)
		if credentials.NormalizeFingerprint(got) != credentials.NormalizeFingerprint(opts.ExpectedFingerprint) {
			return nil, fmt.Errorf("%w: fingerprint %s, expected %s", ErrAnchorMismatch, got, opts.ExpectedFingerprint)
		}
	}
	return anchor, nil
}

// 响应体为 PEM，或 {"service_certificate": PEM}
func parseServiceCertificate(body []byte) (*x509.Certificate, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var wrapped struct {
			ServiceCertificate string `json:"service_certificate"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("decode service certificate: %w", err)
		}
		body = []byte(wrapped.ServiceCertificate)
	}
	block, _ := pem.Decode(body)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("service certificate response is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse service certificate: %w", err)
	}
	return cert, nil
}

func verifyPeerChain(anchor *x509.Certificate, peers []*x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(anchor)
	intermediates := x509.NewCertPool()
	for _, c := range peers[1:] {
		intermediates.AddCert(c)
	}
	_, err := peers[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("%w: serving connection does not chain to returned certificate: %v", ErrAnchorMismatch, err)
	}
	return nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("bootstrap CA %s contains no certificates", path)
	}
	return pool, nil
}

// PinAnchor 将信任锚持久化到 root/service_cert.pem；已存在且不同则失败，不自动重新固定
func PinAnchor(root string, anchor *x509.Certificate) error {
	path := filepath.Join(root, AnchorFile)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		block, _ := pem.Decode(existing)
		if block == nil || !bytes.Equal(block.Bytes, anchor.Raw) {
			return fmt.Errorf("%w: %s no longer matches the ledger (now %s)",
				ErrAnchorChanged, path, credentials.Fingerprint(anchor))
		}
		return nil
	case errors.Is(err, fs.ErrNotExist):
	default:
		return fmt.Errorf("read pinned anchor: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("create credentials root: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: anchor.Raw})
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist anchor: %w", err)
	}
	return nil
}

