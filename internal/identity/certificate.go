package identity

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/allisson/secretsd/internal/authz"
	apperrors "github.com/allisson/secretsd/internal/errors"
)

// CertificateValidator validates remote certificate identity.
//
// The TLS layer performs path validation against the trust root during the
// handshake; this validator re-verifies the chain and applies the
// application-level checks: CN patterns, optional fingerprint pinning, and the
// optional revocation list.
type CertificateValidator struct {
	roots      *x509.CertPool
	allowedCNs []string
	// pinned holds lowercase hex SHA-256 fingerprints. Empty disables pinning.
	pinned map[string]struct{}
	// revokedPath points at a file with one revoked fingerprint per line.
	// Empty disables the revocation check.
	revokedPath string
	// failOpen allows requests through when the revocation source is
	// unreadable. Default configuration keeps this false (fail-closed).
	failOpen bool
	logger   *slog.Logger
}

// NewCertificateValidator creates a validator over the given trust root.
func NewCertificateValidator(
	roots *x509.CertPool,
	allowedCNs []string,
	pinnedFingerprints []string,
	revokedPath string,
	failOpen bool,
	logger *slog.Logger,
) *CertificateValidator {
	pinned := make(map[string]struct{}, len(pinnedFingerprints))
	for _, fp := range pinnedFingerprints {
		pinned[strings.ToLower(fp)] = struct{}{}
	}

	return &CertificateValidator{
		roots:       roots,
		allowedCNs:  allowedCNs,
		pinned:      pinned,
		revokedPath: revokedPath,
		failOpen:    failOpen,
		logger:      logger,
	}
}

// Validate checks the presented chain and returns the certificate identity.
// chain[0] must be the leaf. Every failure returns ErrAuthDenied (wrapped)
// with the reason preserved for the audit trail.
func (v *CertificateValidator) Validate(chain []*x509.Certificate) (*VerifiedIdentity, error) {
	if len(chain) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied, "no client certificate presented")
	}
	leaf := chain[0]

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied, "certificate chain validation failed")
	}

	cn := leaf.Subject.CommonName
	if !v.cnAllowed(cn) {
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
			fmt.Sprintf("common name %q does not match any allowed pattern", cn))
	}

	fingerprint := Fingerprint(leaf)
	if len(v.pinned) > 0 {
		if _, ok := v.pinned[fingerprint]; !ok {
			return nil, apperrors.Wrap(apperrors.ErrAuthDenied,
				fmt.Sprintf("certificate fingerprint for %q is not pinned", cn))
		}
	}

	if err := v.checkRevocation(cn, fingerprint); err != nil {
		return nil, err
	}

	v.logger.Debug("certificate identity verified",
		slog.String("common_name", cn),
		slog.String("fingerprint", fingerprint))

	return &VerifiedIdentity{
		ClientID: cn,
		Method:   MethodCertificate,
		Metadata: map[string]any{
			"fingerprint": fingerprint,
		},
	}, nil
}

// cnAllowed checks the CN against the allowed glob patterns.
func (v *CertificateValidator) cnAllowed(cn string) bool {
	if cn == "" {
		return false
	}
	for _, pattern := range v.allowedCNs {
		if authz.MatchPattern(pattern, cn) {
			return true
		}
	}
	return false
}

// checkRevocation rejects revoked fingerprints. An unreadable revocation
// source is a deny unless fail-open is configured.
func (v *CertificateValidator) checkRevocation(cn, fingerprint string) error {
	if v.revokedPath == "" {
		return nil
	}

	raw, err := os.ReadFile(v.revokedPath)
	if err != nil {
		if v.failOpen {
			v.logger.Warn("revocation source unreadable, continuing per fail-open policy",
				slog.String("path", v.revokedPath),
				slog.Any("error", err))
			return nil
		}
		return apperrors.Wrap(apperrors.ErrAuthDenied, "revocation source unreachable")
	}

	for _, line := range strings.Split(string(raw), "\n") {
		if strings.EqualFold(strings.TrimSpace(line), fingerprint) {
			return apperrors.Wrap(apperrors.ErrAuthDenied,
				fmt.Sprintf("certificate for %q is revoked", cn))
		}
	}
	return nil
}

// Fingerprint returns the lowercase hex SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
