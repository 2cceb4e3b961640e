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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Worker 注册与状态服务暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		PollsTotal, DecisionsTotal, CommitsTotal,
		CycleDuration, DecisionDuration,
		WorkerState, RegistrationsTotal,
	)
}

// PollsTotal 拉取下一个 case 的次数（按结果）
var PollsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_polls_total",
		Help: "拉取 next case 次数（按结果）",
	},
	[]string{"result"}, // case | no_work | malformed | error
)

// DecisionsTotal 判定结果数（按标签）
var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_decisions_total",
		Help: "判定结果数（按标签）",
	},
	[]string{"label"}, // approve | deny | error
)

// CommitsTotal 判定提交次数（按结果）
var CommitsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_commits_total",
		Help: "判定提交次数（按结果）",
	},
	[]string{"result"}, // ok | already_decided | failed
)

// CycleDuration 单个 claim→decide→commit 周期耗时（秒）
var CycleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "worker_cycle_duration_seconds",
		Help:    "处理一个 case 的总耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// DecisionDuration 判定引擎调用耗时（秒）
var DecisionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "worker_decision_duration_seconds",
		Help:    "判定引擎调用耗时（秒）",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	},
)

// WorkerState 当前状态机状态；当前状态为 1，其余为 0
var WorkerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "worker_state",
		Help: "Worker 状态机当前状态",
	},
	[]string{"state"},
)

// RegistrationsTotal 处理器注册次数（按结果）
var RegistrationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "worker_registrations_total",
		Help: "处理器注册次数（按结果）",
	},
	[]string{"result"}, // ok | rejected | attestation_error | error
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 状态服务复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
