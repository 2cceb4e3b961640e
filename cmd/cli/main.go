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

// workerctl：查询 Worker 状态服务，或在本地计算证书指纹
package main

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"attested-worker/internal/attestation"
	"attested-worker/internal/credentials"
	"attested-worker/pkg/config"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stdout)
		return 0
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "workerctl %s\n", version)
	case "health":
		return runHealth(stdout, stderr)
	case "status":
		return runStatus(stdout, stderr)
	case "metrics":
		out, err := getMetrics(newClient(statusBaseURL()))
		if err != nil {
			fmt.Fprintf(stderr, "metrics: %v\n", err)
			return 1
		}
		fmt.Fprint(stdout, out)
	case "fingerprint":
		if len(args) < 1 {
			fmt.Fprintf(stderr, "Usage: workerctl fingerprint <cert.pem>\n")
			return 1
		}
		return runFingerprint(args[0], stdout, stderr)
	case "config":
		return runConfig(stdout, stderr)
	default:
		printUsage(stderr)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: workerctl <command> [args]")
	fmt.Fprintln(w, "  version               - 显示版本")
	fmt.Fprintln(w, "  health                - 健康检查（WORKER_STATUS_URL，默认 http://localhost:9090）")
	fmt.Fprintln(w, "  status                - Worker 状态与最近处理记录")
	fmt.Fprintln(w, "  metrics               - 输出 Prometheus 指标")
	fmt.Fprintln(w, "  fingerprint <cert.pem> - 证书 SHA-256 指纹与对应的 report data")
	fmt.Fprintln(w, "  config                - 显示生效配置概要")
}

func runHealth(stdout, stderr io.Writer) int {
	h, ok, err := getHealth(newClient(statusBaseURL()))
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%s (state=%s)\n", h.Status, h.State)
	if !ok {
		return 1
	}
	return 0
}

func runStatus(stdout, stderr io.Writer) int {
	st, err := getStatus(newClient(statusBaseURL()))
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	w := st.Worker
	fmt.Fprintf(stdout, "worker:      %s\n", w.WorkerID)
	fmt.Fprintf(stdout, "state:       %s\n", w.State)
	fmt.Fprintf(stdout, "registered:  %t\n", w.Registered)
	fmt.Fprintf(stdout, "fingerprint: %s\n", w.Fingerprint)
	fmt.Fprintf(stdout, "ledger:      %s\n", w.LedgerURL)
	fmt.Fprintf(stdout, "started:     %s\n", w.StartedAt.Format("2006-01-02 15:04:05"))
	if st.JournalError != "" {
		fmt.Fprintf(stdout, "journal:     %s\n", st.JournalError)
	}
	if len(st.Recent) == 0 {
		return 0
	}
	fmt.Fprintln(stdout)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tCASE\tOUTCOME\tDECISION\tATTEMPTS\tERROR")
	for _, e := range st.Recent {
		caseID := "-"
		if e.CaseID != 0 {
			caseID = fmt.Sprint(e.CaseID)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.At.Format("15:04:05"), caseID, e.Outcome, e.Label, e.Attempts, e.Error)
	}
	_ = tw.Flush()
	return 0
}

func runFingerprint(path string, stdout, stderr io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stderr, "读取证书失败: %v\n", err)
		return 1
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		fmt.Fprintf(stderr, "%s 不是 PEM 证书\n", path)
		return 1
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		fmt.Fprintf(stderr, "解析证书失败: %v\n", err)
		return 1
	}
	fp := credentials.Fingerprint(cert)
	fmt.Fprintf(stdout, "fingerprint: %s\n", fp)
	fmt.Fprintf(stdout, "report_data: %s\n", hex.EncodeToString(attestation.ReportData(fp)))
	fmt.Fprintf(stdout, "expires:     %s\n", cert.NotAfter.Format("2006-01-02 15:04:05"))
	return 0
}

func runConfig(stdout, stderr io.Writer) int {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(stderr, "加载配置失败: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "ledger.url=%s\n", cfg.Ledger.URL)
	fmt.Fprintf(stdout, "ledger.decision_method=%s\n", cfg.Ledger.DecisionMethod)
	fmt.Fprintf(stdout, "attestation.socket=%s\n", cfg.Attestation.Socket)
	fmt.Fprintf(stdout, "credentials.backend=%s\n", cfg.Credentials.Backend)
	fmt.Fprintf(stdout, "decision.provider=%s\n", cfg.Decision.Provider)
	fmt.Fprintf(stdout, "decision.retries=%d\n", cfg.Decision.Retries)
	fmt.Fprintf(stdout, "monitoring.status.port=%d\n", cfg.Monitoring.Status.Port)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdout, "invalid: %v\n", err)
		return 1
	}
	return 0
}
