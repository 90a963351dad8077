// Package secure provides memory-safe storage for sensitive byte values.
//
// It wraps the memguard library so that secret material is encrypted at rest
// in memory, protected from swapping via mlock where the platform supports it,
// and unconditionally zeroed when destroyed.
package secure

import (
	"sync"

	"github.com/awnumar/memguard"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// Buffer holds one sensitive value inside a memguard enclave.
//
// The plaintext only exists while Reveal runs; outside of that window the
// value is encrypted in memory. Destroy is idempotent and a destroyed buffer
// reveals nothing.
type Buffer struct {
	enclave   *memguard.Enclave
	mu        sync.RWMutex
	destroyed bool
}

// NewBuffer creates a protected buffer from secret bytes.
// The input slice is consumed: memguard wipes it as part of sealing, so the
// caller must not use data afterwards.
func NewBuffer(data []byte) *Buffer {
	return &Buffer{enclave: memguard.NewEnclave(data)}
}

// NewBufferFromString creates a protected buffer from a secret string.
// The transient byte copy of the string is wiped by memguard during sealing;
// the string itself stays reachable until the Go runtime collects it, which is
// the best a string input allows.
func NewBufferFromString(value string) *Buffer {
	return NewBuffer([]byte(value))
}

// Reveal decrypts the value, invokes fn with the plaintext, and wipes the
// plaintext before returning. The slice passed to fn must not be retained or
// referenced after fn returns.
func (b *Buffer) Reveal(fn func(plaintext []byte) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.destroyed {
		return apperrors.New("secure buffer already destroyed")
	}

	locked, err := b.enclave.Open()
	if err != nil {
		return apperrors.Wrap(err, "failed to open secure buffer")
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// String decrypts the value and returns it as a string.
//
// The returned string is an unavoidable heap copy outside memguard's control;
// callers must scope it to a single request and never log it. Paths that can
// work on bytes should prefer Reveal.
func (b *Buffer) String() (string, error) {
	var out string
	err := b.Reveal(func(plaintext []byte) error {
		out = string(plaintext)
		return nil
	})
	return out, err
}

// Destroy wipes the buffer and prevents further use. Idempotent.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyed {
		return
	}

	b.enclave = nil
	b.destroyed = true
}

// Zero overwrites a byte slice with zeros to clear sensitive data from memory.
// Used for transient plaintext copies that never enter an enclave.
func Zero(b []byte) {
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
}
