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

// Package attestation 通过本地 Unix socket 上的 gRPC 预言机获取硬件证明
package attestation

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"attested-worker/pkg/tracing"
)

// MaxReportDataSize 证明报告可绑定的最大字节数
const MaxReportDataSize = 64

var (
	// ErrReportDataTooLarge report data 超过 64 字节，请求不会发出
	ErrReportDataTooLarge = errors.New("report data exceeds 64 bytes")
	// ErrOracleUnavailable 预言机不可达、超时或返回错误
	ErrOracleUnavailable = errors.New("attestation oracle unavailable")
)

// Evidence 预言机返回的证据；字节原样传递，不做本地校验
type Evidence struct {
	Attestation          []byte
	PlatformCertificates []byte
	UVMEndorsements      []byte
}

// ReportData 将证书指纹绑定到证明：sha256(UTF-8 指纹)，恰好 32 字节
func ReportData(fingerprint string) []byte {
	sum := sha256.Sum256([]byte(fingerprint))
	return sum[:]
}

// Fetcher 获取证明的抽象，注册流程依赖此接口
type Fetcher interface {
	FetchAttestation(ctx context.Context, reportData []byte) (Evidence, error)
}

// Client 预言机 gRPC 客户端
type Client struct {
	conn    *grpc.ClientConn
	socket  string
	timeout time.Duration
}

// Dial 创建到 Unix socket 的连接；连接惰性建立，不可达在首次调用时暴露
func Dial(socket string, timeout time.Duration) (*Client, error) {
	if socket == "" {
		return nil, fmt.Errorf("%w: socket path is empty", ErrOracleUnavailable)
	}
	conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{conn: conn, socket: socket, timeout: timeout}, nil
}

// FetchAttestation 请求绑定 reportData 的证明
func (c *Client) FetchAttestation(ctx context.Context, reportData []byte) (Evidence, error) {
	if len(reportData) > MaxReportDataSize {
		return Evidence{}, fmt.Errorf("%w: got %d", ErrReportDataTooLarge, len(reportData))
	}
	ctx, span := tracing.StartAttestationSpan(ctx)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply := newEmptyReply()
	if err := c.conn.Invoke(ctx, FetchAttestationMethod, NewRequest(reportData), reply, grpc.WaitForReady(false)); err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, c.socket, err)
		tracing.EndWithError(span, err)
		return Evidence{}, err
	}
	return replyEvidence(reply), nil
}

// Close 关闭连接
func (c *Client) Close() error {
	return c.conn.Close()
}
