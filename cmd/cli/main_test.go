package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "attested-worker/internal/api/http"
	"attested-worker/internal/attestation"
	"attested-worker/internal/credentials"
	"attested-worker/internal/journal"
)

func statusServer(t *testing.T, registered bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		code, status := http.StatusOK, "ok"
		if !registered {
			code, status = http.StatusServiceUnavailable, "starting"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "state": "polling", "timestamp": 1})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"worker": apihttp.Status{WorkerID: "w-1", State: "polling", Registered: registered, Fingerprint: "AA:BB"},
			"recent": []journal.Entry{
				{CaseID: 7, Outcome: journal.OutcomeCommitted, Label: "approve", Attempts: 1, At: time.Now()},
				{Outcome: journal.OutcomeClaimError, Error: "ledger next case: status 502", At: time.Now()},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGetStatus(t *testing.T) {
	srv := statusServer(t, true)
	st, err := getStatus(newClient(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, "w-1", st.Worker.WorkerID)
	require.Len(t, st.Recent, 2)
	assert.Equal(t, journal.OutcomeCommitted, st.Recent[0].Outcome)
	assert.Equal(t, int64(7), st.Recent[0].CaseID)
}

func TestGetHealth(t *testing.T) {
	h, ok, err := getHealth(newClient(statusServer(t, true).URL))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ok", h.Status)

	h, ok, err = getHealth(newClient(statusServer(t, false).URL))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "starting", h.Status)
}

func TestRunStatus(t *testing.T) {
	t.Setenv("WORKER_STATUS_URL", statusServer(t, true).URL)
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"status"}, &stdout, &stderr), stderr.String())
	out := stdout.String()
	assert.Contains(t, out, "w-1")
	assert.Contains(t, out, "committed")
	assert.Contains(t, out, "status 502")
}

func TestRunHealth_NotRegistered(t *testing.T) {
	t.Setenv("WORKER_STATUS_URL", statusServer(t, false).URL)
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"health"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "starting")
}

func TestRunFingerprint(t *testing.T) {
	id, err := credentials.Generate(credentials.Options{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, id.CertPEM, 0o644))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"fingerprint", path}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), id.Fingerprint)
	assert.Contains(t, stdout.String(), hex.EncodeToString(attestation.ReportData(id.Fingerprint)))
}

func TestRunFingerprint_NotPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cert.pem")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"fingerprint", path}, &stdout, &stderr))
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"bogus"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Usage")
}
