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

// Package ledger 实现 Worker 与账本之间的客户端协议：信任锚、身份、注册、领取与提交
package ledger

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"attested-worker/pkg/tracing"
)

// Paths 账本端点路径；Decision 中的 {caseId} 会被替换
type Paths struct {
	Identity  string
	Processor string
	NextCase  string
	Decision  string
}

// DefaultPaths 账本应用的默认路由
func DefaultPaths() Paths {
	return Paths{
		Identity:  "/identity",
		Processor: "/processor",
		NextCase:  "/cases/next",
		Decision:  "/cases/{caseId}/decision",
	}
}

// Options 客户端参数
type Options struct {
	BaseURL string
	// Anchor 固定的账本服务证书；所有连接只信任它
	Anchor *x509.Certificate
	// Certificate Worker 的 mTLS 客户端证书
	Certificate tls.Certificate
	Timeout     time.Duration
	Paths       Paths
	// DecisionMethod POST（默认）或 PUT
	DecisionMethod string
}

// Evidence 注册请求体，字段均为 base64
type Evidence struct {
	Attestation          string `json:"attestation"`
	PlatformCertificates string `json:"platform_certificates"`
	UVMEndorsements      string `json:"uvm_endorsements"`
}

// Decision 提交请求体
type Decision struct {
	Incident string `json:"incident"`
	Policy   string `json:"policy"`
	Decision string `json:"decision"`
}

// Client 固定信任锚的 mTLS 账本客户端
type Client struct {
	http   *resty.Client
	paths  Paths
	method string
}

// NewClient 创建客户端；TLS 仅信任 Anchor，最低 TLS 1.3
func NewClient(opts Options) (*Client, error) {
	if opts.Anchor == nil {
		return nil, fmt.Errorf("ledger client requires a pinned service certificate")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ledger client requires a base url")
	}
	roots := x509.NewCertPool()
	roots.AddCert(opts.Anchor)
	clientCert := opts.Certificate
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		RootCAs:    roots,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &clientCert, nil
		},
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	paths := opts.Paths
	def := DefaultPaths()
	if paths.Identity == "" {
		paths.Identity = def.Identity
	}
	if paths.Processor == "" {
		paths.Processor = def.Processor
	}
	if paths.NextCase == "" {
		paths.NextCase = def.NextCase
	}
	if paths.Decision == "" {
		paths.Decision = def.Decision
	}
	method := strings.ToUpper(opts.DecisionMethod)
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut:
	default:
		return nil, fmt.Errorf("unsupported decision method %q", opts.DecisionMethod)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetTimeout(opts.Timeout).
		SetTLSClientConfig(tlsConfig).
		SetHeader("Accept", "application/json")
	return &Client{http: client, paths: paths, method: method}, nil
}

// Identity 返回账本识别本调用者所用的指纹
func (c *Client) Identity(ctx context.Context) (string, error) {
	ctx, span := tracing.StartLedgerSpan(ctx, "identity")
	defer span.End()

	resp, err := c.http.R().SetContext(ctx).Get(c.paths.Identity)
	if err != nil {
		err = fmt.Errorf("ledger identity: %w", err)
		tracing.EndWithError(span, err)
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		err := &StatusError{Op: "identity", StatusCode: resp.StatusCode(), Body: resp.String()}
		tracing.EndWithError(span, err)
		return "", err
	}
	return strings.Trim(strings.TrimSpace(resp.String()), `"`), nil
}

// RegisterProcessor 提交证明证据；仅 200 视为成功
func (c *Client) RegisterProcessor(ctx context.Context, ev Evidence) error {
	ctx, span := tracing.StartLedgerSpan(ctx, "register_processor")
	defer span.End()

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(ev).
		Put(c.paths.Processor)
	if err != nil {
		err = fmt.Errorf("ledger register_processor: %w", err)
		tracing.EndWithError(span, err)
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		err := &StatusError{Op: "register_processor", StatusCode: resp.StatusCode(), Body: resp.String()}
		tracing.EndWithError(span, err)
		return err
	}
	return nil
}

// NextCase 领取下一个未决 case。404 返回 ErrNoWork；已带决策的 case 同样视为 ErrNoWork。
// 领取是非独占的，同一 case 可能被重复返回。
func (c *Client) NextCase(ctx context.Context) (*Case, error) {
	ctx, span := tracing.StartLedgerSpan(ctx, "next_case")
	defer span.End()

	resp, err := c.http.R().SetContext(ctx).Get(c.paths.NextCase)
	if err != nil {
		err = fmt.Errorf("ledger next_case: %w", err)
		tracing.EndWithError(span, err)
		return nil, err
	}
	switch resp.StatusCode() {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoWork
	default:
		err := &StatusError{Op: "next_case", StatusCode: resp.StatusCode(), Body: resp.String()}
		tracing.EndWithError(span, err)
		return nil, err
	}
	cs, err := ParseCase(resp.Body())
	if err != nil {
		tracing.EndWithError(span, err)
		return nil, err
	}
	if cs.Decided() {
		return nil, fmt.Errorf("%w: case %d already decided (%s)", ErrNoWork, cs.ID, cs.Decision)
	}
	return cs, nil
}

// CommitDecision 提交决策。409 或含 "already" 的 400 返回 ErrAlreadyDecided。
func (c *Client) CommitDecision(ctx context.Context, caseID int64, d Decision) error {
	ctx, span := tracing.StartLedgerSpan(ctx, "commit_decision")
	defer span.End()

	path := strings.ReplaceAll(c.paths.Decision, "{caseId}", strconv.FormatInt(caseID, 10))
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(d).
		Execute(c.method, path)
	if err != nil {
		err = fmt.Errorf("ledger commit_decision case %d: %w", caseID, err)
		tracing.EndWithError(span, err)
		return err
	}
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusConflict,
		code == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.String()), "already"):
		return fmt.Errorf("%w: case %d: %s", ErrAlreadyDecided, caseID, strings.TrimSpace(resp.String()))
	default:
		err := &StatusError{Op: "commit_decision", StatusCode: code, Body: resp.String()}
		tracing.EndWithError(span, err)
		return err
	}
}

// Method 提交决策使用的 HTTP 方法
func (c *Client) Method() string {
	return c.method
}
