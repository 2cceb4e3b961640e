package credentials

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attested-worker/pkg/log"
	"attested-worker/pkg/secrets"
)

var fingerprintRE = regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`)

func TestGenerate(t *testing.T) {
	id, err := Generate(Options{})
	require.NoError(t, err)

	key, ok := id.PrivateKey.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.GreaterOrEqual(t, key.N.BitLen(), MinKeyBits)
	assert.Equal(t, 65537, key.E)
	assert.Equal(t, DefaultCommonName, id.Certificate.Subject.CommonName)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, id.Certificate.ExtKeyUsage)
	assert.WithinDuration(t, time.Now().Add(DefaultValidity), id.Certificate.NotAfter, time.Minute)
	assert.Regexp(t, fingerprintRE, id.Fingerprint)
	assert.Equal(t, Fingerprint(id.Certificate), id.Fingerprint)

	tlsCert := id.TLSCertificate()
	assert.Equal(t, id.Certificate.Raw, tlsCert.Certificate[0])
}

func TestGenerate_RejectsSmallKey(t *testing.T) {
	_, err := Generate(Options{KeyBits: 1024})
	assert.Error(t, err)
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t, "ABCD01", NormalizeFingerprint("ab:cd:01"))
	assert.Equal(t, "ABCD01", NormalizeFingerprint(" AB CD-01 "))
	assert.Equal(t, "0A:FF", FormatFingerprint([]byte{0x0a, 0xff}))
}

func TestObtain_FileStoreReusesIdentity(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFileStore(root)

	first, err := Obtain(ctx, store, Options{}, log.Nop())
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(root, KeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := Obtain(ctx, store, Options{}, log.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}

func TestObtain_PartialCredentials(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	id, err := Generate(Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, CertFile), id.CertPEM, 0o644))

	_, err = Obtain(ctx, NewFileStore(root), Options{}, log.Nop())
	assert.ErrorIs(t, err, ErrPartialCredentials)

	// 不得覆盖已有文件
	data, err := os.ReadFile(filepath.Join(root, CertFile))
	require.NoError(t, err)
	assert.Equal(t, id.CertPEM, data)
	_, err = os.Stat(filepath.Join(root, KeyFile))
	assert.True(t, os.IsNotExist(err))
}

func TestObtain_EphemeralIsFreshEachTime(t *testing.T) {
	ctx := context.Background()
	a, err := Obtain(ctx, nil, Options{}, log.Nop())
	require.NoError(t, err)
	b, err := Obtain(ctx, nil, Options{}, log.Nop())
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
}

func TestObtain_SecretStore(t *testing.T) {
	ctx := context.Background()
	sec := secrets.NewMemoryStore()
	store := NewSecretStore(sec, "worker-1")

	first, err := Obtain(ctx, store, Options{}, log.Nop())
	require.NoError(t, err)
	assert.Equal(t, []string{"worker-1/certificate", "worker-1/private_key"}, sec.Keys("worker-1/"))
	second, err := Obtain(ctx, store, Options{}, log.Nop())
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	require.NoError(t, sec.Delete(ctx, "worker-1/private_key"))
	_, err = Obtain(ctx, store, Options{}, log.Nop())
	assert.ErrorIs(t, err, ErrPartialCredentials)
}

func TestObtain_ExpiredCertificateStillLoads(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	id, err := Generate(Options{Validity: time.Nanosecond})
	require.NoError(t, err)
	store := NewFileStore(root)
	require.NoError(t, store.Save(ctx, id.CertPEM, id.KeyPEM))
	time.Sleep(5 * time.Millisecond)

	loaded, err := Obtain(ctx, store, Options{}, log.Nop())
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint, loaded.Fingerprint)
	assert.True(t, loaded.Expired(time.Now()))
}

func TestFileStore_SaveRemovesKeyWhenCertificateFails(t *testing.T) {
	root := t.TempDir()
	// 同名目录让证书写入失败
	require.NoError(t, os.Mkdir(filepath.Join(root, CertFile), 0o700))

	err := NewFileStore(root).Save(context.Background(), []byte("cert"), []byte("key"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, KeyFile))
	assert.True(t, errors.Is(statErr, fs.ErrNotExist), "private key must not be left behind")
}

// failingCertSecrets 拒绝写入证书
type failingCertSecrets struct {
	*secrets.MemoryStore
}

func (f failingCertSecrets) Set(ctx context.Context, key, value string) error {
	if strings.HasSuffix(key, "/certificate") {
		return errors.New("vault unavailable")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestSecretStore_SaveRemovesKeyWhenCertificateFails(t *testing.T) {
	mem := secrets.NewMemoryStore()
	store := NewSecretStore(failingCertSecrets{mem}, "worker-1")

	err := store.Save(context.Background(), []byte("cert"), []byte("key"))
	require.Error(t, err)
	assert.Empty(t, mem.Keys("worker-1/"))

	_, _, err = store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}
