// Package session implements the token state machine.
//
// Tokens move through ISSUED → ACTIVE → (REFRESHED → ACTIVE)* → EXPIRED or
// REVOKED. Token values are cryptographically random and only their SHA-256
// hashes are kept, so the table never holds usable credentials. A token past
// its expiry is indistinguishable from one that never existed (fail-closed).
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// Class is the token class, which determines TTL and privilege scope.
type Class string

const (
	// ClassBootstrap tokens are single-use and exist only to be exchanged for
	// a session token (ephemeral-workload flow).
	ClassBootstrap Class = "bootstrap"

	// ClassSession tokens authorize repeated secret reads.
	ClassSession Class = "session"

	// ClassAdmin tokens are short-lived and required for reload/rotate.
	ClassAdmin Class = "admin"
)

// Session is the server-side state for one issued token.
type Session struct {
	ID        uuid.UUID
	TokenHash string
	ClientID  string
	Class     Class
	CreatedAt time.Time
	ExpiresAt time.Time
	// AllowedSecrets is the secret-key pattern scope resolved from the
	// authorization rules at issue time. Informational for clients; the
	// authorization engine remains the source of truth per request.
	AllowedSecrets []string
}

// TTLs holds the configured lifetime per token class.
type TTLs struct {
	Bootstrap time.Duration
	Session   time.Duration
	Admin     time.Duration
}

// Manager owns the session table. All access is synchronized; refresh and
// bootstrap exchange are atomic with respect to concurrent validation, so no
// request can succeed against a token after its replacement has committed.
type Manager struct {
	ttls         TTLs
	maxPerClient int
	logger       *slog.Logger

	mu     sync.Mutex
	byHash map[string]*Session

	// now is replaceable by tests.
	now func() time.Time
}

// NewManager creates a session manager. maxPerClient caps live sessions per
// client; issuing beyond the cap evicts that client's oldest session.
func NewManager(ttls TTLs, maxPerClient int, logger *slog.Logger) *Manager {
	return &Manager{
		ttls:         ttls,
		maxPerClient: maxPerClient,
		logger:       logger,
		byHash:       make(map[string]*Session),
		now:          time.Now,
	}
}

// Issue creates a new session for clientID and returns the plain token.
// The plain token is only returned once; the table keeps the hash.
func (m *Manager) Issue(clientID string, class Class, allowedSecrets []string) (string, *Session, error) {
	plainToken, tokenHash, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now().UTC()
	sess := &Session{
		ID:             uuid.Must(uuid.NewV7()),
		TokenHash:      tokenHash,
		ClientID:       clientID,
		Class:          class,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl(class)),
		AllowedSecrets: allowedSecrets,
	}

	m.mu.Lock()
	m.evictForClientLocked(clientID)
	m.byHash[tokenHash] = sess
	m.mu.Unlock()

	m.logger.Debug("session issued",
		slog.String("client_id", clientID),
		slog.String("class", string(class)),
		slog.Time("expires_at", sess.ExpiresAt))

	return plainToken, sess, nil
}

// Validate resolves a plain token to its session.
//
// Unknown tokens return ErrUnauthorized; expired sessions are lazily evicted
// and return ErrExpired, never a valid session. The returned copy is a
// consistent snapshot.
func (m *Manager) Validate(plainToken string) (*Session, error) {
	tokenHash := HashToken(plainToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byHash[tokenHash]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "token not recognized")
	}

	if !sess.ExpiresAt.After(m.now().UTC()) {
		delete(m.byHash, tokenHash)
		return nil, apperrors.Wrap(apperrors.ErrExpired, "token expired")
	}

	snapshot := *sess
	return &snapshot, nil
}

// Refresh replaces an active session's token with a new one carrying a fresh
// expiry. The old token is invalidated in the same critical section the new
// one activates in: there is no window where both are valid, and no window
// where neither is.
//
// Bootstrap tokens cannot be refreshed, only exchanged.
func (m *Manager) Refresh(plainToken string) (string, *Session, error) {
	newToken, newHash, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	tokenHash := HashToken(plainToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byHash[tokenHash]
	if !ok {
		return "", nil, apperrors.Wrap(apperrors.ErrUnauthorized, "token not recognized")
	}

	now := m.now().UTC()
	if !sess.ExpiresAt.After(now) {
		delete(m.byHash, tokenHash)
		return "", nil, apperrors.Wrap(apperrors.ErrExpired, "token expired")
	}

	if sess.Class == ClassBootstrap {
		return "", nil, apperrors.Wrap(apperrors.ErrForbidden, "bootstrap tokens cannot be refreshed")
	}

	delete(m.byHash, tokenHash)
	next := &Session{
		ID:             uuid.Must(uuid.NewV7()),
		TokenHash:      newHash,
		ClientID:       sess.ClientID,
		Class:          sess.Class,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl(sess.Class)),
		AllowedSecrets: sess.AllowedSecrets,
	}
	m.byHash[newHash] = next

	snapshot := *next
	return newToken, &snapshot, nil
}

// Exchange consumes a bootstrap token and issues a session token for the same
// client. The bootstrap token is removed in the same critical section, so a
// second presentation fails no matter how the two calls interleave.
func (m *Manager) Exchange(plainToken string) (string, *Session, error) {
	newToken, newHash, err := generateToken()
	if err != nil {
		return "", nil, err
	}

	tokenHash := HashToken(plainToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.byHash[tokenHash]
	if !ok {
		return "", nil, apperrors.Wrap(apperrors.ErrUnauthorized, "token not recognized")
	}

	now := m.now().UTC()
	if !sess.ExpiresAt.After(now) {
		delete(m.byHash, tokenHash)
		return "", nil, apperrors.Wrap(apperrors.ErrExpired, "token expired")
	}

	if sess.Class != ClassBootstrap {
		return "", nil, apperrors.Wrap(apperrors.ErrForbidden, "only bootstrap tokens can be exchanged")
	}

	// Single-use: the bootstrap token dies here regardless of what follows.
	delete(m.byHash, tokenHash)

	next := &Session{
		ID:             uuid.Must(uuid.NewV7()),
		TokenHash:      newHash,
		ClientID:       sess.ClientID,
		Class:          ClassSession,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttls.Session),
		AllowedSecrets: sess.AllowedSecrets,
	}
	m.byHash[newHash] = next

	snapshot := *next
	return newToken, &snapshot, nil
}

// Revoke removes a session immediately. Returns false for unknown tokens.
// Used by logout and by admin-forced invalidation.
func (m *Manager) Revoke(plainToken string) bool {
	tokenHash := HashToken(plainToken)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byHash[tokenHash]; !ok {
		return false
	}
	delete(m.byHash, tokenHash)
	return true
}

// Count returns the number of live (non-expired) sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	count := 0
	for hash, sess := range m.byHash {
		if sess.ExpiresAt.After(now) {
			count++
		} else {
			delete(m.byHash, hash)
		}
	}
	return count
}

// Clear drops every session. Invoked on shutdown.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byHash = make(map[string]*Session)
}

// evictForClientLocked enforces the per-client cap by removing the oldest
// active sessions until one slot is free. Expired sessions are swept first.
func (m *Manager) evictForClientLocked(clientID string) {
	if m.maxPerClient <= 0 {
		return
	}

	now := m.now().UTC()
	var owned []*Session
	for hash, sess := range m.byHash {
		if !sess.ExpiresAt.After(now) {
			delete(m.byHash, hash)
			continue
		}
		if sess.ClientID == clientID {
			owned = append(owned, sess)
		}
	}

	for len(owned) >= m.maxPerClient {
		oldest := owned[0]
		for _, sess := range owned[1:] {
			if sess.CreatedAt.Before(oldest.CreatedAt) {
				oldest = sess
			}
		}
		delete(m.byHash, oldest.TokenHash)

		next := owned[:0]
		for _, sess := range owned {
			if sess != oldest {
				next = append(next, sess)
			}
		}
		owned = next

		m.logger.Debug("session evicted by per-client cap",
			slog.String("client_id", clientID))
	}
}

// ttl returns the configured lifetime for a class.
func (m *Manager) ttl(class Class) time.Duration {
	switch class {
	case ClassBootstrap:
		return m.ttls.Bootstrap
	case ClassAdmin:
		return m.ttls.Admin
	default:
		return m.ttls.Session
	}
}

// generateToken creates a new cryptographically secure 32-byte random token.
// Returns the base64 URL-encoded plain token and its SHA-256 hash.
func generateToken() (plainToken string, tokenHash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", apperrors.Wrap(err, "failed to generate random token")
	}

	plainToken = base64.URLEncoding.EncodeToString(randomBytes)
	return plainToken, HashToken(plainToken), nil
}

// HashToken hashes a plain token with SHA-256 and returns the hex digest.
// Lookup by hash keeps raw token values out of the session table.
func HashToken(plainToken string) string {
	sum := sha256.Sum256([]byte(plainToken))
	return hex.EncodeToString(sum[:])
}
