// Package store owns the decrypted credential mapping served by the daemon.
//
// The mapping is populated in bulk at startup from the encrypted store file,
// replaced atomically on reload or master rotation, and securely cleared on
// shutdown. Secret values live in memguard-backed secure buffers and are never
// logged by value, only by key.
package store

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	apperrors "github.com/allisson/secretsd/internal/errors"
	"github.com/allisson/secretsd/internal/secure"
)

// ErrDecryptFailed indicates the store blob could not be decrypted: wrong
// master key or corrupt file. Fatal at startup, reported on reload.
var ErrDecryptFailed = apperrors.New("store decrypt failed")

// Decryptor turns the on-disk encrypted blob into the plaintext credential
// mapping. The default implementation lives in blobcrypt.go; the interface
// keeps the file format swappable.
type Decryptor interface {
	// Decrypt decrypts blob with the passphrase and returns the credential mapping.
	Decrypt(passphrase, blob []byte) (map[string]string, error)
	// Encrypt encrypts the credential mapping with the passphrase.
	Encrypt(passphrase []byte, entries map[string]string) ([]byte, error)
}

// BlobSource reads and replaces the encrypted store file.
type BlobSource interface {
	// Read returns the current encrypted blob.
	Read() ([]byte, error)
	// Write atomically replaces the encrypted blob.
	Write(blob []byte) error
}

// KeySource provides the master passphrase and accepts a replacement on rotation.
type KeySource interface {
	// Passphrase invokes fn with the current master passphrase. The slice must
	// not be retained after fn returns.
	Passphrase(ctx context.Context, fn func(passphrase []byte) error) error
	// Replace persists a new master passphrase.
	Replace(ctx context.Context, passphrase []byte) error
}

// Store holds the decrypted credential mapping.
//
// All access goes through synchronized accessors; reload and rotation swap the
// whole mapping atomically so concurrent Get calls never observe a mix of old
// and new values.
type Store struct {
	decryptor Decryptor
	blobs     BlobSource
	keys      KeySource
	logger    *slog.Logger

	mu      sync.RWMutex
	entries map[string]*secure.Buffer
	loaded  bool

	// opMu serializes Load, Reload, and RotateMaster against each other so the
	// on-disk blob, the key file, and the in-memory mapping always advance
	// together. Reads are unaffected; they take mu only.
	opMu sync.Mutex
}

// New creates a Store. The mapping is empty until Load is called.
func New(decryptor Decryptor, blobs BlobSource, keys KeySource, logger *slog.Logger) *Store {
	return &Store{
		decryptor: decryptor,
		blobs:     blobs,
		keys:      keys,
		logger:    logger,
		entries:   make(map[string]*secure.Buffer),
	}
}

// Load populates the credential mapping from the encrypted store file.
// Returns ErrDecryptFailed (wrapped) if the master key is wrong or the blob is
// corrupt. Safe to call again: a successful Load replaces the mapping the same
// way Reload does, and a failed Load leaves the current mapping untouched.
func (s *Store) Load(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	next, err := s.decryptEntries(ctx)
	if err != nil {
		return err
	}
	s.swap(next)

	s.logger.Info("secrets store loaded", slog.Int("secret_count", len(next)))
	return nil
}

// Reload re-runs Load against the current on-disk blob and master key.
// The old mapping is securely cleared only after the swap completes.
func (s *Store) Reload(ctx context.Context) error {
	return s.Load(ctx)
}

// Get returns the plaintext value for key. Absence is a normal outcome,
// reported through the boolean, not an error.
//
// The returned string must be scoped to a single request; callers must not
// retain it beyond building their response.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	buf, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", false
	}

	value, err := buf.String()
	if err != nil {
		// Buffer destroyed by a concurrent clear; treat as absent.
		return "", false
	}
	return value, true
}

// Keys returns all credential keys in alphabetical order. Never values.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the number of loaded credentials.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Loaded reports whether Load has succeeded at least once.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// RotateMaster re-encrypts the on-disk blob with a new master passphrase and
// swaps the in-memory mapping from the re-decrypted result.
//
// Order of operations: decrypt with the current key, encrypt with the new key,
// persist blob, persist new key, swap mapping. A failure before the blob write
// leaves disk and memory untouched.
func (s *Store) RotateMaster(ctx context.Context, newPassphrase []byte) error {
	defer secure.Zero(newPassphrase)

	s.opMu.Lock()
	defer s.opMu.Unlock()

	plain, err := s.decryptPlain(ctx)
	if err != nil {
		return err
	}
	defer zeroEntries(plain)

	blob, err := s.decryptor.Encrypt(newPassphrase, plain)
	if err != nil {
		return apperrors.Wrap(err, "failed to encrypt store with new master key")
	}

	if err := s.blobs.Write(blob); err != nil {
		return apperrors.Wrap(err, "failed to write re-encrypted store")
	}

	if err := s.keys.Replace(ctx, newPassphrase); err != nil {
		return apperrors.Wrap(err, "failed to persist new master key")
	}

	next := sealEntries(plain)
	s.swap(next)

	s.logger.Info("master key rotated", slog.Int("secret_count", len(next)))
	return nil
}

// SecureClear overwrites every value's backing memory before releasing it.
// Invoked on shutdown and internally before a swap discards the old mapping.
func (s *Store) SecureClear() {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*secure.Buffer)
	s.loaded = false
	s.mu.Unlock()

	for _, buf := range old {
		buf.Destroy()
	}
}

// decryptEntries reads, decrypts, and seals the blob into secure buffers.
func (s *Store) decryptEntries(ctx context.Context) (map[string]*secure.Buffer, error) {
	plain, err := s.decryptPlain(ctx)
	if err != nil {
		return nil, err
	}
	defer zeroEntries(plain)

	return sealEntries(plain), nil
}

// decryptPlain reads and decrypts the blob into a transient plaintext mapping.
// Callers must zero the result with zeroEntries.
func (s *Store) decryptPlain(ctx context.Context) (map[string]string, error) {
	blob, err := s.blobs.Read()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read store file")
	}

	var plain map[string]string
	err = s.keys.Passphrase(ctx, func(passphrase []byte) error {
		var derr error
		plain, derr = s.decryptor.Decrypt(passphrase, blob)
		return derr
	})
	if err != nil {
		return nil, apperrors.Wrap(ErrDecryptFailed, err.Error())
	}

	return plain, nil
}

// swap atomically replaces the mapping and clears the old one afterwards, so
// in-flight reads against the old mapping complete against intact buffers or
// observe the new mapping, never a half-cleared state.
func (s *Store) swap(next map[string]*secure.Buffer) {
	s.mu.Lock()
	old := s.entries
	s.entries = next
	s.loaded = true
	s.mu.Unlock()

	for _, buf := range old {
		buf.Destroy()
	}
}

// sealEntries moves plaintext values into secure buffers.
func sealEntries(plain map[string]string) map[string]*secure.Buffer {
	sealed := make(map[string]*secure.Buffer, len(plain))
	for key, value := range plain {
		sealed[key] = secure.NewBufferFromString(value)
	}
	return sealed
}

// zeroEntries clears a transient plaintext mapping. String values cannot be
// overwritten in place, so this drops references; byte-level plaintext is
// handled inside the decryptor and the secure buffers.
func zeroEntries(plain map[string]string) {
	for key := range plain {
		delete(plain, key)
	}
}
