package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/secrets"

	apperrors "github.com/allisson/secretsd/internal/errors"
	"github.com/allisson/secretsd/internal/secure"

	// Register KMS keeper drivers for master key unwrapping.
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

// FileBlobSource reads and atomically replaces the encrypted store file.
type FileBlobSource struct {
	path string
}

// NewFileBlobSource creates a BlobSource backed by the file at path.
func NewFileBlobSource(path string) *FileBlobSource {
	return &FileBlobSource{path: path}
}

// Read returns the current encrypted blob.
func (f *FileBlobSource) Read() ([]byte, error) {
	blob, err := os.ReadFile(f.path)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read store blob")
	}
	return blob, nil
}

// Write replaces the encrypted blob via write-to-temp plus rename, so a crash
// mid-write never leaves a truncated store file.
func (f *FileBlobSource) Write(blob []byte) error {
	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return apperrors.Wrap(err, "failed to create temp store file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, "failed to write temp store file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, "failed to close temp store file")
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, "failed to set store file permissions")
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.Wrap(err, "failed to replace store file")
	}
	return nil
}

// FileKeySource provides the master passphrase from a file.
//
// When kmsKeyURI is set the file holds a KMS-wrapped ciphertext that is
// unwrapped through a gocloud.dev secrets keeper; otherwise the file holds the
// passphrase itself. The passphrase is cached in a secure buffer after the
// first read so rotation and reload do not hit the KMS on every call.
type FileKeySource struct {
	path      string
	kmsKeyURI string

	mu     sync.Mutex
	cached *secure.Buffer
}

// NewFileKeySource creates a KeySource backed by the passphrase file at path.
// kmsKeyURI may be empty for a plaintext passphrase file.
func NewFileKeySource(path, kmsKeyURI string) *FileKeySource {
	return &FileKeySource{path: path, kmsKeyURI: kmsKeyURI}
}

// Passphrase invokes fn with the current master passphrase. The cache lock is
// held for the duration of fn so a concurrent Replace or Destroy cannot wipe
// the buffer mid-read.
func (f *FileKeySource) Passphrase(ctx context.Context, fn func(passphrase []byte) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached == nil {
		passphrase, err := f.read(ctx)
		if err != nil {
			return err
		}
		// NewBuffer wipes passphrase as part of sealing.
		f.cached = secure.NewBuffer(passphrase)
	}
	return f.cached.Reveal(fn)
}

// Replace persists a new master passphrase and updates the cache.
// A KMS-wrapped source wraps the new passphrase before writing it out.
func (f *FileKeySource) Replace(ctx context.Context, passphrase []byte) error {
	out := make([]byte, len(passphrase))
	copy(out, passphrase)

	if f.kmsKeyURI != "" {
		keeper, err := secrets.OpenKeeper(ctx, f.kmsKeyURI)
		if err != nil {
			return apperrors.Wrap(err, "failed to open KMS keeper")
		}
		defer keeper.Close()

		wrapped, err := keeper.Encrypt(ctx, out)
		if err != nil {
			secure.Zero(out)
			return apperrors.Wrap(err, "failed to wrap master passphrase")
		}
		secure.Zero(out)
		out = wrapped
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeFileAtomic(f.path, out, 0o600); err != nil {
		secure.Zero(out)
		return apperrors.Wrap(err, "failed to write master key file")
	}
	if f.kmsKeyURI != "" {
		secure.Zero(out)
	}

	if f.cached != nil {
		f.cached.Destroy()
	}
	cached := make([]byte, len(passphrase))
	copy(cached, passphrase)
	f.cached = secure.NewBuffer(cached)
	return nil
}

// Destroy wipes the cached passphrase.
func (f *FileKeySource) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != nil {
		f.cached.Destroy()
		f.cached = nil
	}
}

// read loads the passphrase from disk, unwrapping through the KMS keeper when
// configured. Trailing newlines from hand-edited key files are tolerated.
func (f *FileKeySource) read(ctx context.Context) ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read master key file")
	}

	if f.kmsKeyURI == "" {
		return bytes.TrimRight(raw, "\n"), nil
	}

	keeper, err := secrets.OpenKeeper(ctx, f.kmsKeyURI)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open KMS keeper")
	}
	defer keeper.Close()

	passphrase, err := keeper.Decrypt(ctx, raw)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to unwrap master passphrase")
	}
	return passphrase, nil
}

// writeFileAtomic writes data via temp file plus rename.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
