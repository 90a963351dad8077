package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/allisson/secretsd/internal/secure"
)

// Signer produces HMAC-SHA256 signatures over audit entries so the trail is
// tamper-evident. The signing key is derived from the provided key material
// with HKDF-SHA256, separating signing use from any encryption use of the
// same material.
type Signer struct {
	signingKey []byte
}

// NewSigner derives a 32-byte signing key from keyMaterial.
// Info parameter: "audit-entry-signing-v1" (versioned for future algorithm changes).
func NewSigner(keyMaterial []byte) (*Signer, error) {
	info := []byte("audit-entry-signing-v1")
	kdf := hkdf.New(sha256.New, keyMaterial, nil, info)

	signingKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, signingKey); err != nil {
		return nil, fmt.Errorf("failed to derive audit signing key: %w", err)
	}

	return &Signer{signingKey: signingKey}, nil
}

// Sign generates the HMAC-SHA256 signature for an entry.
// The Signature field itself is excluded from the signed content.
func (s *Signer) Sign(entry *Entry) ([]byte, error) {
	canonical, err := canonicalizeEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize audit entry: %w", err)
	}

	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(canonical)
	return mac.Sum(nil), nil
}

// Verify checks the entry signature. Returns false if tampered or unsigned.
func (s *Signer) Verify(entry *Entry) bool {
	expected, err := s.Sign(entry)
	if err != nil {
		return false
	}
	return hmac.Equal(entry.Signature, expected)
}

// Destroy wipes the signing key.
func (s *Signer) Destroy() {
	secure.Zero(s.signingKey)
}

// canonicalizeEntry converts an entry to a canonical byte representation.
// Format: id || timestamp || event_type || client_id || action || resource || result || metadata
// Variable-length fields are length-prefixed to prevent ambiguity.
func canonicalizeEntry(entry *Entry) ([]byte, error) {
	buf := make([]byte, 0, 512)

	buf = append(buf, entry.ID[:]...)

	timeBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(timeBytes, uint64(entry.Timestamp.UnixNano()))
	buf = append(buf, timeBytes...)

	buf = appendLengthPrefixed(buf, []byte(entry.EventType))
	buf = appendLengthPrefixed(buf, []byte(entry.ClientID))
	buf = appendLengthPrefixed(buf, []byte(entry.Action))
	buf = appendLengthPrefixed(buf, []byte(entry.Resource))
	buf = appendLengthPrefixed(buf, []byte(entry.Result))

	if entry.Metadata != nil {
		metadataBytes, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		buf = appendLengthPrefixed(buf, metadataBytes)
	} else {
		buf = appendLengthPrefixed(buf, nil)
	}

	return buf, nil
}

// appendLengthPrefixed adds a 4-byte big-endian length prefix followed by data.
func appendLengthPrefixed(buf []byte, data []byte) []byte {
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(data)))
	buf = append(buf, length...)
	buf = append(buf, data...)
	return buf
}
