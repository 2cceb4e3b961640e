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

// Package ledgertest 提供测试用的伪造账本。调用者按 TLS 客户端证书识别，
// 决策遵循先写者胜，并支持故障注入。
package ledgertest

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"attested-worker/internal/attestation/attestationtest"
	"attested-worker/internal/credentials"
)

// CommitRecord 一次决策提交请求
type CommitRecord struct {
	CaseID      int64
	Method      string
	Body        map[string]any
	RawBody     string
	Fingerprint string
	Status      int
}

type caseEntry struct {
	id                   int64
	incident             string
	policy               string
	decision             string
	processorFingerprint string
}

// Ledger 伪造账本
type Ledger struct {
	Server *httptest.Server

	mu          sync.Mutex
	cases       map[int64]*caseEntry
	queue       []int64
	processors  map[string]bool
	commits     []CommitRecord
	nextCalls   int
	registers   int
	failCommits []int
	failNext    []int
	nextBody    []string

	rotate       bool
	wrapCert     bool
	requireProcs bool
}

// Start 启动伪造账本，测试结束自动关闭
func Start(t testing.TB) *Ledger {
	t.Helper()
	l := &Ledger{
		cases:        make(map[int64]*caseEntry),
		processors:   make(map[string]bool),
		requireProcs: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/service-certificate", l.handleServiceCertificate)
	mux.HandleFunc("/identity", l.handleIdentity)
	mux.HandleFunc("/processor", l.handleProcessor)
	mux.HandleFunc("/cases/next", l.handleNext)
	mux.HandleFunc("/cases/", l.handleDecision)

	l.Server = httptest.NewUnstartedServer(mux)
	l.Server.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	l.Server.StartTLS()
	t.Cleanup(l.Server.Close)
	return l
}

// URL 账本基础地址
func (l *Ledger) URL() string { return l.Server.URL }

// ServiceCertificate 账本的服务证书
func (l *Ledger) ServiceCertificate() *x509.Certificate { return l.Server.Certificate() }

// SetRotate 为 true 时每次 next 把队首移到队尾（账本应用的原行为）；默认始终返回队首
func (l *Ledger) SetRotate(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotate = v
}

// SetWrapCertificate 为 true 时 /service-certificate 返回 {"service_certificate": PEM}
func (l *Ledger) SetWrapCertificate(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wrapCert = v
}

// SetRequireRegistration 为 false 时未注册的处理器也可领取与提交
func (l *Ledger) SetRequireRegistration(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requireProcs = v
}

// AddCase 追加一个未决 case
func (l *Ledger) AddCase(id int64, incident, policy string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cases[id] = &caseEntry{id: id, incident: incident, policy: policy}
	l.queue = append(l.queue, id)
}

// AddDecidedCase 追加一个已决但仍在队列中的 case
func (l *Ledger) AddDecidedCase(id int64, incident, policy, decision string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cases[id] = &caseEntry{id: id, incident: incident, policy: policy, decision: decision, processorFingerprint: "OTHER"}
	l.queue = append(l.queue, id)
}

// Decision 返回 case 当前决策
func (l *Ledger) Decision(id int64) (decision, fingerprint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cases[id]; ok {
		return c.decision, c.processorFingerprint
	}
	return "", ""
}

// FailCommits 之后的提交依次返回给定状态码
func (l *Ledger) FailCommits(statuses ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failCommits = append(l.failCommits, statuses...)
}

// FailNext 之后的领取依次返回给定状态码
func (l *Ledger) FailNext(statuses ...int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, statuses...)
}

// ServeNextBody 之后的领取依次原样返回给定响应体（200）
func (l *Ledger) ServeNextBody(bodies ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextBody = append(l.nextBody, bodies...)
}

// Revoke 撤销处理器注册
func (l *Ledger) Revoke(fingerprint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.processors, fingerprint)
}

// Registered 指纹是否已注册
func (l *Ledger) Registered(fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.processors[fingerprint]
}

// Commits 已收到的提交请求
func (l *Ledger) Commits() []CommitRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]CommitRecord(nil), l.commits...)
}

// NextCalls next-case 调用次数
func (l *Ledger) NextCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextCalls
}

// Registrations 注册请求次数
func (l *Ledger) Registrations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registers
}

func callerFingerprint(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return credentials.Fingerprint(r.TLS.PeerCertificates[0])
}

func (l *Ledger) handleServiceCertificate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: l.Server.Certificate().Raw}))
	l.mu.Lock()
	wrap := l.wrapCert
	l.mu.Unlock()
	if wrap {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"service_certificate": certPEM})
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = io.WriteString(w, certPEM)
}

func (l *Ledger) handleIdentity(w http.ResponseWriter, r *http.Request) {
	fp := callerFingerprint(r)
	if fp == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	_, _ = io.WriteString(w, fp)
}

func (l *Ledger) handleProcessor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	fp := callerFingerprint(r)
	if fp == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	l.mu.Lock()
	l.registers++
	l.mu.Unlock()

	var body struct {
		Attestation          string `json:"attestation"`
		PlatformCertificates string `json:"platform_certificates"`
		UVMEndorsements      string `json:"uvm_endorsements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	attest, err := base64.StdEncoding.DecodeString(body.Attestation)
	if err != nil {
		http.Error(w, "attestation is not base64", http.StatusBadRequest)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(body.PlatformCertificates); err != nil || body.PlatformCertificates == "" {
		http.Error(w, "invalid platform certificates", http.StatusBadRequest)
		return
	}
	if _, err := base64.StdEncoding.DecodeString(body.UVMEndorsements); err != nil || body.UVMEndorsements == "" {
		http.Error(w, "invalid uvm endorsements", http.StatusBadRequest)
		return
	}
	reportData := sha256.Sum256([]byte(fp))
	if !attestationtest.VerifyEvidence(attest, reportData[:]) {
		http.Error(w, "attestation report data does not match caller", http.StatusForbidden)
		return
	}
	l.mu.Lock()
	l.processors[fp] = true
	l.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (l *Ledger) authorized(w http.ResponseWriter, r *http.Request) (string, bool) {
	fp := callerFingerprint(r)
	if fp == "" {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return "", false
	}
	l.mu.Lock()
	ok := !l.requireProcs || l.processors[fp]
	l.mu.Unlock()
	if !ok {
		http.Error(w, "Invalid processor", http.StatusForbidden)
		return "", false
	}
	return fp, true
}

func (l *Ledger) handleNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := l.authorized(w, r); !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextCalls++
	if len(l.failNext) > 0 {
		status := l.failNext[0]
		l.failNext = l.failNext[1:]
		http.Error(w, "injected failure", status)
		return
	}
	if len(l.nextBody) > 0 {
		body := l.nextBody[0]
		l.nextBody = l.nextBody[1:]
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
		return
	}
	if len(l.queue) == 0 {
		http.Error(w, "No cases found", http.StatusNotFound)
		return
	}
	id := l.queue[0]
	if l.rotate {
		l.queue = append(l.queue[1:], id)
	}
	c := l.cases[id]
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"caseId": c.id,
		"metadata": map[string]any{
			"incident": c.incident,
			"policy":   c.policy,
			"decision": map[string]string{
				"decision":              c.decision,
				"processor_fingerprint": c.processorFingerprint,
			},
		},
	})
}

func (l *Ledger) handleDecision(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/cases/")
	idStr, suffix, found := strings.Cut(rest, "/")
	if !found || suffix != "decision" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost && r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	fp := callerFingerprint(r)
	record := CommitRecord{Method: r.Method, RawBody: string(raw), Fingerprint: fp}
	_ = json.Unmarshal(raw, &record.Body)

	respond := func(status int, msg string) {
		record.Status = status
		l.mu.Lock()
		l.commits = append(l.commits, record)
		l.mu.Unlock()
		if status == http.StatusOK {
			w.WriteHeader(status)
			return
		}
		http.Error(w, msg, status)
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		respond(http.StatusBadRequest, "Missing or invalid caseId in parameters.")
		return
	}
	record.CaseID = id
	if _, ok := l.authorized(w, r); !ok {
		return
	}

	l.mu.Lock()
	if len(l.failCommits) > 0 {
		status := l.failCommits[0]
		l.failCommits = l.failCommits[1:]
		l.mu.Unlock()
		respond(status, "injected failure")
		return
	}
	l.mu.Unlock()

	var body struct {
		Incident string `json:"incident"`
		Policy   string `json:"policy"`
		Decision string `json:"decision"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		respond(http.StatusBadRequest, "Exception while parsing request")
		return
	}
	switch body.Decision {
	case "approve", "deny", "error":
	default:
		respond(http.StatusBadRequest, "Missing or invalid decision")
		return
	}

	l.mu.Lock()
	c, ok := l.cases[id]
	if !ok {
		l.mu.Unlock()
		respond(http.StatusNotFound, "Case not found")
		return
	}
	if c.decision != "" {
		l.mu.Unlock()
		respond(http.StatusBadRequest, "Already stored decision for case.")
		return
	}
	if c.incident != body.Incident || c.policy != body.Policy {
		l.mu.Unlock()
		respond(http.StatusBadRequest, "Expected case metadata does not match processed metadata")
		return
	}
	c.decision = body.Decision
	c.processorFingerprint = fp
	filtered := l.queue[:0]
	for _, q := range l.queue {
		if q != id {
			filtered = append(filtered, q)
		}
	}
	l.queue = filtered
	l.mu.Unlock()
	respond(http.StatusOK, "")
}

