package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attested-worker/internal/attestation/attestationtest"
	"attested-worker/internal/credentials"
	"attested-worker/internal/decision"
	"attested-worker/internal/journal"
	"attested-worker/internal/ledger"
	"attested-worker/internal/ledger/ledgertest"
	"attested-worker/internal/storage/cache"
	"attested-worker/pkg/config"
	pkgerrors "attested-worker/pkg/errors"
	"attested-worker/pkg/log"
)

const (
	incident = "The policyholder hit another car."
	policy   = "This policy covers all claims."
)

func testConfig(ledgerURL, socket string) *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{
			ID:                    "worker-test",
			PollInterval:          "5ms",
			IdleInterval:          "10ms",
			ReregisterOnForbidden: true,
		},
		Ledger: config.LedgerConfig{
			URL:            ledgerURL,
			Timeout:        "5s",
			DecisionMethod: "PUT",
			Paths: config.LedgerPaths{
				ServiceCertificate: "/service-certificate",
				Identity:           "/identity",
				Processor:          "/processor",
				NextCase:           "/cases/next",
				Decision:           "/cases/{caseId}/decision",
			},
		},
		Attestation: config.AttestationConfig{Socket: socket, Timeout: "5s"},
		Credentials: config.CredentialsConfig{Backend: "ephemeral"},
		Decision: config.DecisionConfig{
			Provider:     "static",
			StaticLabel:  "approve",
			Retries:      3,
			CommitErrors: true,
		},
		Commit:  config.CommitConfig{RetryMax: 2, Backoff: "1ms", MaxBackoff: "5ms"},
		Cache:   config.CacheConfig{Type: "memory", TTL: "1h"},
		Journal: config.JournalConfig{Type: "memory", Capacity: 32},
	}
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := NewAppWithLogger(cfg, log.Nop())
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Shutdown(ctx)
	})
	return app
}

func fatalStage(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	require.True(t, pkgerrors.IsFatal(err), "startup errors are fatal: %v", err)
	var fe *pkgerrors.FatalError
	require.True(t, errors.As(err, &fe))
	return fe.Stage
}

func TestApp_StartRegistersAndCommits(t *testing.T) {
	l := ledgertest.Start(t)
	oracle := attestationtest.Start(t)
	l.AddCase(7, incident, policy)

	app := startApp(t, testConfig(l.URL(), oracle.Socket))
	assert.True(t, l.Registered(app.Fingerprint()))
	assert.True(t, app.Status().Registered)
	assert.Equal(t, 1, oracle.Calls())

	require.Eventually(t, func() bool {
		d, _ := l.Decision(7)
		return d == "approve"
	}, 5*time.Second, 10*time.Millisecond)

	_, fp := l.Decision(7)
	assert.Equal(t, app.Fingerprint(), fp)

	commits := l.Commits()
	require.NotEmpty(t, commits)
	assert.Equal(t, http.MethodPut, commits[0].Method)
	assert.JSONEq(t, fmt.Sprintf(`{"incident": %q, "policy": %q, "decision": "approve"}`, incident, policy), commits[0].RawBody)
	assert.Equal(t, http.StatusOK, commits[0].Status)

	status := app.Status()
	assert.Equal(t, "worker-test", status.WorkerID)
	assert.Equal(t, l.URL(), status.LedgerURL)
	assert.Contains(t, []string{string(StatePolling), string(StateDeciding), string(StateCommitting)}, status.State)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	assert.Equal(t, StateStopped, app.State())
}

func TestApp_StatusBeforeStart(t *testing.T) {
	app, err := NewAppWithLogger(testConfig("https://127.0.0.1:1", "/nonexistent.sock"), log.Nop())
	require.NoError(t, err)
	status := app.Status()
	assert.Equal(t, string(StateStarting), status.State)
	assert.False(t, status.Registered)
	assert.Empty(t, status.Fingerprint)
}

func TestApp_NoWorkDoesNotBusyLoop(t *testing.T) {
	l := ledgertest.Start(t)
	oracle := attestationtest.Start(t)
	cfg := testConfig(l.URL(), oracle.Socket)
	cfg.Worker.IdleInterval = "200ms"

	startApp(t, cfg)
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, l.NextCalls(), 3)
	assert.Empty(t, l.Commits())
}

func TestApp_RecoversFromCommitFailure(t *testing.T) {
	l := ledgertest.Start(t)
	oracle := attestationtest.Start(t)
	l.SetRotate(true)
	l.AddCase(1, incident, policy)
	l.FailCommits(http.StatusBadRequest)

	startApp(t, testConfig(l.URL(), oracle.Socket))
	require.Eventually(t, func() bool {
		d, _ := l.Decision(1)
		return d == "approve"
	}, 5*time.Second, 10*time.Millisecond)

	commits := l.Commits()
	require.GreaterOrEqual(t, len(commits), 2)
	assert.Equal(t, http.StatusBadRequest, commits[0].Status)
}

func TestApp_TwoWorkersFirstWriterWins(t *testing.T) {
	l := ledgertest.Start(t)
	oracle := attestationtest.Start(t)
	l.SetRotate(true)
	const cases = 6
	for i := int64(1); i <= cases; i++ {
		l.AddCase(i, fmt.Sprintf("incident %d", i), policy)
	}

	cfgA := testConfig(l.URL(), oracle.Socket)
	cfgA.Worker.ID = "worker-a"
	cfgB := testConfig(l.URL(), oracle.Socket)
	cfgB.Worker.ID = "worker-b"
	cfgB.Decision.StaticLabel = "deny"
	a := startApp(t, cfgA)
	b := startApp(t, cfgB)
	require.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	require.Eventually(t, func() bool {
		for i := int64(1); i <= cases; i++ {
			if d, _ := l.Decision(i); d == "" {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	accepted := map[int64]int{}
	for _, c := range l.Commits() {
		switch c.Status {
		case http.StatusOK:
			accepted[c.CaseID]++
		case http.StatusBadRequest:
			// 另一个 worker 已写入
		default:
			t.Errorf("unexpected commit status %d for case %d", c.Status, c.CaseID)
		}
	}
	for i := int64(1); i <= cases; i++ {
		assert.Equal(t, 1, accepted[i], "case %d decided exactly once", i)
		d, fp := l.Decision(i)
		if d == "approve" {
			assert.Equal(t, a.Fingerprint(), fp)
		} else {
			assert.Equal(t, b.Fingerprint(), fp)
		}
	}
}

func TestApp_FileCredentialsPersist(t *testing.T) {
	l := ledgertest.Start(t)
	oracle := attestationtest.Start(t)
	root := t.TempDir()
	cfg := testConfig(l.URL(), oracle.Socket)
	cfg.Credentials = config.CredentialsConfig{Backend: "file", Root: root}

	first, err := NewAppWithLogger(cfg, log.Nop())
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))
	fp := first.Fingerprint()
	require.NoError(t, first.Shutdown(context.Background()))

	for _, name := range []string{credentials.CertFile, credentials.KeyFile, ledger.AnchorFile} {
		_, err := os.Stat(filepath.Join(root, name))
		assert.NoError(t, err, name)
	}

	second := startApp(t, cfg)
	assert.Equal(t, fp, second.Fingerprint())
	assert.Equal(t, 2, l.Registrations())
}

func TestApp_StartupFailuresAreFatal(t *testing.T) {
	t.Run("unreachable ledger", func(t *testing.T) {
		oracle := attestationtest.Start(t)
		app, err := NewAppWithLogger(testConfig("https://127.0.0.1:1", oracle.Socket), log.Nop())
		require.NoError(t, err)
		assert.Equal(t, "bootstrap", fatalStage(t, app.Start(context.Background())))
		assert.Equal(t, 0, oracle.Calls())
	})

	t.Run("anchor changed", func(t *testing.T) {
		l := ledgertest.Start(t)
		oracle := attestationtest.Start(t)
		root := t.TempDir()
		other, err := credentials.Generate(credentials.Options{CommonName: "other-ledger"})
		require.NoError(t, err)
		require.NoError(t, ledger.PinAnchor(root, other.Certificate))

		cfg := testConfig(l.URL(), oracle.Socket)
		cfg.Credentials = config.CredentialsConfig{Backend: "file", Root: root}
		app, err := NewAppWithLogger(cfg, log.Nop())
		require.NoError(t, err)
		err = app.Start(context.Background())
		assert.Equal(t, "bootstrap", fatalStage(t, err))
		assert.ErrorIs(t, err, ledger.ErrAnchorChanged)
		assert.Equal(t, 0, l.Registrations())
	})

	t.Run("out-of-band fingerprint mismatch", func(t *testing.T) {
		l := ledgertest.Start(t)
		oracle := attestationtest.Start(t)
		cfg := testConfig(l.URL(), oracle.Socket)
		cfg.Ledger.ServiceCertFingerprint = "00:11:22:33"
		app, err := NewAppWithLogger(cfg, log.Nop())
		require.NoError(t, err)
		err = app.Start(context.Background())
		assert.Equal(t, "bootstrap", fatalStage(t, err))
		assert.ErrorIs(t, err, ledger.ErrAnchorMismatch)
	})

	t.Run("oracle unavailable", func(t *testing.T) {
		l := ledgertest.Start(t)
		oracle := attestationtest.Start(t)
		oracle.Fail(true)
		app, err := NewAppWithLogger(testConfig(l.URL(), oracle.Socket), log.Nop())
		require.NoError(t, err)
		assert.Equal(t, "registration", fatalStage(t, app.Start(context.Background())))
		assert.False(t, app.Status().Registered)
		assert.Equal(t, 0, l.Registrations())
	})

	t.Run("unsupported credentials backend", func(t *testing.T) {
		cfg := testConfig("https://127.0.0.1:1", "/nonexistent.sock")
		cfg.Credentials.Backend = "tpm"
		app, err := NewAppWithLogger(cfg, log.Nop())
		require.NoError(t, err)
		assert.Equal(t, "credentials", fatalStage(t, app.Start(context.Background())))
	})
}

func TestDefaultWorkerID(t *testing.T) {
	t.Setenv("WORKER_ID", "from-env")
	assert.Equal(t, "from-env", DefaultWorkerID())

	t.Setenv("WORKER_ID", "")
	assert.NotEmpty(t, DefaultWorkerID())
}

// closeTrackingJournal 记录关闭之后的写入
type closeTrackingJournal struct {
	journal.Store
	closed     atomic.Bool
	lateWrites atomic.Int32
}

func (j *closeTrackingJournal) Record(ctx context.Context, e journal.Entry) error {
	if j.closed.Load() {
		j.lateWrites.Add(1)
	}
	return j.Store.Record(ctx, e)
}

func (j *closeTrackingJournal) Close() error {
	j.closed.Store(true)
	return j.Store.Close()
}

func TestApp_ShutdownTimeoutKeepsStoresUntilCycleEnds(t *testing.T) {
	app, err := NewAppWithLogger(testConfig("https://ledger.invalid", ""), log.Nop())
	require.NoError(t, err)
	j := &closeTrackingJournal{Store: journal.NewMemoryStore(8)}
	app.journal = j

	fl := &fakeLedger{next: []nextResult{{cs: sampleCase(5)}}}
	dec := &fakeDecider{label: decision.Approve, block: make(chan struct{})}
	drv := NewDriver(DriverConfig{WorkerID: "worker-test"}, fl, dec, nil, cache.NewDecisions(app.cache, time.Hour), j, log.Nop())
	app.driver = drv
	drv.Start(context.Background())
	require.Eventually(t, func() bool { return dec.calls.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, app.Shutdown(ctx))
	assert.False(t, j.closed.Load(), "journal stays open while the claimed cycle runs")

	close(dec.block)
	require.Eventually(t, j.closed.Load, time.Second, time.Millisecond)
	assert.Zero(t, j.lateWrites.Load())
	assert.Len(t, fl.Commits(), 1)

	entries, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.OutcomeCommitted, entries[0].Outcome)
}
