package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// testCA is a throwaway certificate authority for validator tests.
type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{cert: cert, key: key, pool: pool}
}

// issueClient issues a client-auth leaf with the given CN.
func (ca *testCA) issueClient(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestCertificateValidate_Success(t *testing.T) {
	ca := newTestCA(t)
	leaf := ca.issueClient(t, "backup-service")

	v := NewCertificateValidator(ca.pool, []string{"backup-*"}, nil, "", false, testLogger())

	got, err := v.Validate([]*x509.Certificate{leaf})
	require.NoError(t, err)
	assert.Equal(t, "backup-service", got.ClientID)
	assert.Equal(t, MethodCertificate, got.Method)
	assert.Equal(t, Fingerprint(leaf), got.Metadata["fingerprint"])
}

func TestCertificateValidate_EmptyChain(t *testing.T) {
	ca := newTestCA(t)
	v := NewCertificateValidator(ca.pool, []string{"*"}, nil, "", false, testLogger())

	_, err := v.Validate(nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))
}

func TestCertificateValidate_UntrustedIssuer(t *testing.T) {
	trusted := newTestCA(t)
	rogue := newTestCA(t)
	leaf := rogue.issueClient(t, "backup-service")

	v := NewCertificateValidator(trusted.pool, []string{"*"}, nil, "", false, testLogger())

	_, err := v.Validate([]*x509.Certificate{leaf})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))
}

func TestCertificateValidate_CNNotAllowed(t *testing.T) {
	ca := newTestCA(t)
	leaf := ca.issueClient(t, "intruder")

	v := NewCertificateValidator(ca.pool, []string{"backup-*"}, nil, "", false, testLogger())

	_, err := v.Validate([]*x509.Certificate{leaf})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))
}

func TestCertificateValidate_Pinning(t *testing.T) {
	ca := newTestCA(t)
	pinned := ca.issueClient(t, "backup-service")
	other := ca.issueClient(t, "backup-service")

	v := NewCertificateValidator(ca.pool, []string{"backup-*"}, []string{Fingerprint(pinned)}, "", false, testLogger())

	_, err := v.Validate([]*x509.Certificate{pinned})
	assert.NoError(t, err)

	// Same CN, same CA, but not the pinned certificate.
	_, err = v.Validate([]*x509.Certificate{other})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))
}

func TestCertificateValidate_Revocation(t *testing.T) {
	ca := newTestCA(t)
	leaf := ca.issueClient(t, "backup-service")

	dir := t.TempDir()
	revokedPath := filepath.Join(dir, "revoked.txt")
	require.NoError(t, os.WriteFile(revokedPath, []byte(Fingerprint(leaf)+"\n"), 0o600))

	v := NewCertificateValidator(ca.pool, []string{"backup-*"}, nil, revokedPath, false, testLogger())

	_, err := v.Validate([]*x509.Certificate{leaf})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))
}

func TestCertificateValidate_RevocationSourceUnreadable(t *testing.T) {
	ca := newTestCA(t)
	leaf := ca.issueClient(t, "backup-service")
	missing := filepath.Join(t.TempDir(), "absent.txt")

	// Fail-closed by default.
	v := NewCertificateValidator(ca.pool, []string{"backup-*"}, nil, missing, false, testLogger())
	_, err := v.Validate([]*x509.Certificate{leaf})
	assert.True(t, apperrors.Is(err, apperrors.ErrAuthDenied))

	// Fail-open lets the request through with a warning.
	v = NewCertificateValidator(ca.pool, []string{"backup-*"}, nil, missing, true, testLogger())
	_, err = v.Validate([]*x509.Certificate{leaf})
	assert.NoError(t, err)
}
