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

package http

import (
	"context"
	"fmt"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
)

// Router 状态服务路由
type Router struct {
	handler *Handler
}

// NewRouter 创建路由
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Build 创建 hertz 实例并注册路由
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	h.GET("/health", r.handler.Health)
	h.GET("/status", r.handler.Status)
	h.GET("/metrics", r.handler.Metrics)
	return h
}

// Server 后台运行的状态服务
type Server struct {
	hertz *server.Hertz
}

// NewServer 在 port 上创建状态服务；traced 为 true 时为每个请求创建 span（依赖全局 TracerProvider）
func NewServer(port int, handler *Handler, traced bool) *Server {
	addr := fmt.Sprintf(":%d", port)
	if !traced {
		return &Server{hertz: NewRouter(handler).Build(addr)}
	}
	tracerOpt, cfg := hertztracing.NewServerTracer()
	h := NewRouter(handler).Build(addr, tracerOpt)
	h.Use(hertztracing.ServerMiddleware(cfg))
	return &Server{hertz: h}
}

// Start 后台运行；监听失败通过 errCh 返回
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.hertz.Run()
	}()
	return errCh
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	return s.hertz.Shutdown(ctx)
}
