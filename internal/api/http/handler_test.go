package http

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attested-worker/internal/journal"
	"attested-worker/pkg/metrics"
)

func perform(t *testing.T, h *Handler, path string) *ut.ResponseRecorder {
	t.Helper()
	s := NewRouter(h).Build(":0")
	return ut.PerformRequest(s.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
}

func TestHealth(t *testing.T) {
	st := Status{WorkerID: "w1", State: "starting"}
	h := NewHandler(StatusFunc(func() Status { return st }), nil, true)

	w := perform(t, h, "/health")
	assert.Equal(t, 503, w.Result().StatusCode())

	st = Status{WorkerID: "w1", State: "polling", Registered: true}
	w = perform(t, h, "/health")
	resp := w.Result()
	assert.Equal(t, 200, resp.StatusCode())
	assert.Contains(t, string(resp.Body()), `"state":"polling"`)
}

func TestStatus(t *testing.T) {
	j := journal.NewMemoryStore(8)
	require.NoError(t, j.Record(context.Background(), journal.Entry{CaseID: 7, Outcome: journal.OutcomeCommitted, Label: "approve", At: time.Now()}))
	h := NewHandler(StatusFunc(func() Status {
		return Status{WorkerID: "w1", Fingerprint: "AA:BB", State: "polling", Registered: true}
	}), j, true)

	w := perform(t, h, "/status")
	require.Equal(t, 200, w.Result().StatusCode())

	var body struct {
		Worker Status          `json:"worker"`
		Recent []journal.Entry `json:"recent"`
	}
	require.NoError(t, json.Unmarshal(w.Result().Body(), &body))
	assert.Equal(t, "AA:BB", body.Worker.Fingerprint)
	require.Len(t, body.Recent, 1)
	assert.Equal(t, int64(7), body.Recent[0].CaseID)
	assert.Equal(t, journal.OutcomeCommitted, body.Recent[0].Outcome)
}

func TestMetrics(t *testing.T) {
	metrics.PollsTotal.WithLabelValues("no_work").Inc()
	src := StatusFunc(func() Status { return Status{} })

	w := perform(t, NewHandler(src, nil, true), "/metrics")
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "worker_polls_total")

	w = perform(t, NewHandler(src, nil, false), "/metrics")
	assert.Equal(t, 404, w.Result().StatusCode())
}
