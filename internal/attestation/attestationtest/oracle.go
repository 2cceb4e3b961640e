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

// Package attestationtest 提供测试用的本地证明预言机
package attestationtest

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"attested-worker/internal/attestation"
)

// Handler 服务端接口
type Handler interface {
	FetchAttestation(ctx context.Context, reportData []byte) (attestation.Evidence, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: attestation.ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "FetchAttestation",
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			req := attestation.NewEmptyRequest()
			if err := dec(req); err != nil {
				return nil, err
			}
			ev, err := srv.(Handler).FetchAttestation(ctx, attestation.RequestReportData(req))
			if err != nil {
				return nil, err
			}
			return attestation.NewReply(ev), nil
		},
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attestation_container.proto",
}

// Oracle 伪造的预言机：证据直接回显 report data，便于账本侧校验绑定关系
type Oracle struct {
	Socket string

	mu       sync.Mutex
	calls    int
	failWith error
	server   *grpc.Server
}

// Start 在临时目录的 Unix socket 上启动预言机，测试结束自动关闭
func Start(t testing.TB) *Oracle {
	t.Helper()
	// Unix socket 路径长度受限，使用短目录
	dir, err := os.MkdirTemp("", "att")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	o := &Oracle{Socket: filepath.Join(dir, "oracle.sock")}
	lis, err := net.Listen("unix", o.Socket)
	if err != nil {
		t.Fatalf("listen %s: %v", o.Socket, err)
	}
	o.server = grpc.NewServer()
	o.server.RegisterService(&serviceDesc, o)
	go func() { _ = o.server.Serve(lis) }()
	t.Cleanup(func() {
		o.server.Stop()
		_ = os.RemoveAll(dir)
	})
	return o
}

// FetchAttestation 实现 Handler
func (o *Oracle) FetchAttestation(ctx context.Context, reportData []byte) (attestation.Evidence, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.failWith != nil {
		return attestation.Evidence{}, o.failWith
	}
	return Evidence(reportData), nil
}

// Fail 之后的请求返回 Unavailable；传 false 恢复
func (o *Oracle) Fail(fail bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fail {
		o.failWith = status.Error(codes.Unavailable, "oracle offline")
	} else {
		o.failWith = nil
	}
}

// Calls 已处理的请求数
func (o *Oracle) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Evidence 伪造证据：attestation 字段为 "ATTEST:" 前缀加 report data
func Evidence(reportData []byte) attestation.Evidence {
	return attestation.Evidence{
		Attestation:          append([]byte("ATTEST:"), reportData...),
		PlatformCertificates: []byte("-----BEGIN CERTIFICATE-----\nfake-platform\n-----END CERTIFICATE-----\n"),
		UVMEndorsements:      []byte("fake-uvm-endorsements"),
	}
}

// VerifyEvidence 校验伪造证据是否绑定了 reportData
func VerifyEvidence(attest, reportData []byte) bool {
	want := append([]byte("ATTEST:"), reportData...)
	return string(attest) == string(want)
}

// Static 固定返回结果的 Fetcher，不经过 gRPC
type Static struct {
	Err error
}

func (s Static) FetchAttestation(_ context.Context, reportData []byte) (attestation.Evidence, error) {
	if s.Err != nil {
		return attestation.Evidence{}, s.Err
	}
	return Evidence(reportData), nil
}
