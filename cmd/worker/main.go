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

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"attested-worker/internal/app/worker"
	"attested-worker/pkg/config"
	pkgerrors "attested-worker/pkg/errors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	// 默认值 < 配置文件 < WORKER_* 环境变量 < 命令行参数
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
		return 1
	}

	app, err := worker.NewApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化应用失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		var fe *pkgerrors.FatalError
		if errors.As(err, &fe) {
			fmt.Fprintf(os.Stderr, "启动失败 (%s): %v\n", fe.Stage, fe.Err)
		} else {
			fmt.Fprintf(os.Stderr, "启动失败: %v\n", err)
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(shutdownCtx)
		return 1
	}

	<-ctx.Done()
	stop()

	// 等待当前周期结束
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Duration(cfg.Worker.ShutdownTimeout, 30*time.Second))
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "关闭应用失败: %v\n", err)
		return 1
	}
	return 0
}
