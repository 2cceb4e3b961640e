package registration_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attested-worker/internal/attestation"
	"attested-worker/internal/attestation/attestationtest"
	"attested-worker/internal/credentials"
	"attested-worker/internal/ledger"
	"attested-worker/internal/ledger/ledgertest"
	"attested-worker/internal/registration"
	"attested-worker/pkg/log"
)

// tampered 破坏证明中的一个字节
type tampered struct{ inner attestation.Fetcher }

func (t tampered) FetchAttestation(ctx context.Context, rd []byte) (attestation.Evidence, error) {
	ev, err := t.inner.FetchAttestation(ctx, rd)
	if err != nil {
		return ev, err
	}
	ev.Attestation[len(ev.Attestation)-1] ^= 0xff
	return ev, nil
}

func setup(t *testing.T) (*ledgertest.Ledger, *ledger.Client, string) {
	t.Helper()
	l := ledgertest.Start(t)
	id, err := credentials.Generate(credentials.Options{})
	require.NoError(t, err)
	c, err := ledger.NewClient(ledger.Options{
		BaseURL:     l.URL(),
		Anchor:      l.ServiceCertificate(),
		Certificate: id.TLSCertificate(),
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	fp, err := c.Identity(context.Background())
	require.NoError(t, err)
	return l, c, fp
}

func TestRegister_Idempotent(t *testing.T) {
	l, c, fp := setup(t)
	oracle := attestationtest.Start(t)
	client, err := attestation.Dial(oracle.Socket, 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	r := registration.NewRegistrar(client, c, log.Nop())
	require.NoError(t, r.Register(context.Background(), fp))
	require.NoError(t, r.Register(context.Background(), fp))

	assert.True(t, l.Registered(fp))
	assert.Equal(t, 2, l.Registrations())
	// 证据每次现取
	assert.Equal(t, 2, oracle.Calls())
}

func TestRegister_TamperedEvidenceRejected(t *testing.T) {
	l, c, fp := setup(t)
	r := registration.NewRegistrar(tampered{attestationtest.Static{}}, c, log.Nop())

	err := r.Register(context.Background(), fp)
	assert.ErrorIs(t, err, registration.ErrRejected)
	assert.False(t, l.Registered(fp))
}

func TestRegister_WrongFingerprintRejected(t *testing.T) {
	l, c, fp := setup(t)
	r := registration.NewRegistrar(attestationtest.Static{}, c, log.Nop())

	err := r.Register(context.Background(), "00:11:22")
	assert.ErrorIs(t, err, registration.ErrRejected)
	assert.False(t, l.Registered(fp))
}

func TestRegister_OracleFailure(t *testing.T) {
	l, c, fp := setup(t)
	r := registration.NewRegistrar(attestationtest.Static{Err: attestation.ErrOracleUnavailable}, c, log.Nop())

	err := r.Register(context.Background(), fp)
	assert.ErrorIs(t, err, attestation.ErrOracleUnavailable)
	assert.Equal(t, 0, l.Registrations())
}

func TestRegister_EmptyFingerprint(t *testing.T) {
	r := registration.NewRegistrar(attestationtest.Static{}, nil, log.Nop())
	assert.Error(t, r.Register(context.Background(), ""))
}

func TestEncodeEvidence(t *testing.T) {
	enc := registration.EncodeEvidence(attestation.Evidence{
		Attestation:          []byte{0x01, 0x02},
		PlatformCertificates: []byte("pem"),
		UVMEndorsements:      []byte{},
	})
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}), enc.Attestation)
	assert.Equal(t, "cGVt", enc.PlatformCertificates)
	assert.Equal(t, "", enc.UVMEndorsements)
}

