// Package audit provides the append-only structured event sink for
// security-relevant daemon events.
//
// Every authentication attempt, secret access attempt, and administrative
// operation produces exactly one entry, recorded after the decision is final.
// Entries carry secret keys, never secret values, and are HMAC-signed so
// tampering is detectable after the fact.
package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// EventType classifies audit entries.
type EventType string

const (
	// EventAuth records an authentication attempt on either transport.
	EventAuth EventType = "auth"

	// EventSecretAccess records a secret read attempt, allowed or denied.
	EventSecretAccess EventType = "secret_access"

	// EventSession records session lifecycle operations (refresh, logout).
	EventSession EventType = "session"

	// EventAdmin records administrative operations (reload, rotate_master).
	EventAdmin EventType = "admin"

	// EventRateLimited records a request rejected by the rate limiter.
	EventRateLimited EventType = "rate_limited"
)

// Result is the final outcome recorded for an entry.
type Result string

const (
	// ResultSuccess indicates the operation completed.
	ResultSuccess Result = "success"

	// ResultDenied indicates the operation was rejected by a security check.
	ResultDenied Result = "denied"

	// ResultError indicates the operation failed for a non-security reason.
	ResultError Result = "error"
)

// Entry is an immutable audit record. Resource holds a secret key or rule
// name when the event concerns one; it never holds a secret value.
type Entry struct {
	ID        uuid.UUID      `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType EventType      `json:"event_type"`
	ClientID  string         `json:"client_id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    Result         `json:"result"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Signature []byte         `json:"signature,omitempty"`
}

// Logger is the audit sink. Implementations must be safe for concurrent
// writers; ordering between entries is not guaranteed, but each entry is
// written atomically.
type Logger interface {
	// Record assigns the entry an ID and timestamp, signs it, and appends it
	// to the sink.
	Record(entry Entry) error
	// Close flushes and releases the sink.
	Close() error
}

// jsonLogger appends one JSON object per line to an io.Writer.
type jsonLogger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	signer *Signer
	logger *slog.Logger
}

// NewLogger creates an audit logger writing to destination: a file path
// (opened append-only, created 0600) or "stdout". The signer may be nil to
// disable entry signatures.
func NewLogger(destination string, signer *Signer, logger *slog.Logger) (Logger, error) {
	if destination == "stdout" {
		return &jsonLogger{w: os.Stdout, signer: signer, logger: logger}, nil
	}

	f, err := os.OpenFile(destination, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open audit log")
	}
	return &jsonLogger{w: f, closer: f, signer: signer, logger: logger}, nil
}

// NewWriterLogger creates an audit logger over an arbitrary writer. Used by tests.
func NewWriterLogger(w io.Writer, signer *Signer, logger *slog.Logger) Logger {
	return &jsonLogger{w: w, signer: signer, logger: logger}
}

// Record assigns identity fields, signs, and appends the entry.
func (j *jsonLogger) Record(entry Entry) error {
	entry.ID = uuid.Must(uuid.NewV7())
	entry.Timestamp = time.Now().UTC()

	if j.signer != nil {
		signature, err := j.signer.Sign(&entry)
		if err != nil {
			return apperrors.Wrap(err, "failed to sign audit entry")
		}
		entry.Signature = signature
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Wrap(err, "failed to marshal audit entry")
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.w.Write(line); err != nil {
		// The sink failing must not take request handling down with it.
		j.logger.Error("audit write failed", slog.Any("error", err))
		return apperrors.Wrap(err, "failed to write audit entry")
	}
	return nil
}

// Close releases the underlying file, if any.
func (j *jsonLogger) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
