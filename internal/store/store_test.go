package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memBlobSource keeps the encrypted blob in memory.
type memBlobSource struct {
	mu   sync.Mutex
	blob []byte
}

func (m *memBlobSource) Read() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blob == nil {
		return nil, apperrors.New("no blob")
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *memBlobSource) Write(blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}

// memKeySource keeps the passphrase in memory.
type memKeySource struct {
	mu         sync.Mutex
	passphrase []byte
}

func (m *memKeySource) Passphrase(_ context.Context, fn func(passphrase []byte) error) error {
	m.mu.Lock()
	passphrase := append([]byte(nil), m.passphrase...)
	m.mu.Unlock()
	return fn(passphrase)
}

func (m *memKeySource) Replace(_ context.Context, passphrase []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passphrase = append([]byte(nil), passphrase...)
	return nil
}

func newTestStore(t *testing.T, entries map[string]string) (*Store, *memBlobSource, *memKeySource) {
	t.Helper()

	crypt := NewBlobCrypt()
	passphrase := []byte("correct horse battery staple")
	blob, err := crypt.Encrypt(passphrase, entries)
	require.NoError(t, err)

	blobs := &memBlobSource{blob: blob}
	keys := &memKeySource{passphrase: passphrase}
	return New(crypt, blobs, keys, testLogger()), blobs, keys
}

func TestBlobCrypt_RoundTrip(t *testing.T) {
	crypt := NewBlobCrypt()
	entries := map[string]string{"db_password": "hunter2", "api_key": "xyzzy"}

	blob, err := crypt.Encrypt([]byte("passphrase"), entries)
	require.NoError(t, err)

	got, err := crypt.Decrypt([]byte("passphrase"), blob)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestBlobCrypt_WrongPassphrase(t *testing.T) {
	crypt := NewBlobCrypt()
	blob, err := crypt.Encrypt([]byte("passphrase"), map[string]string{"k": "v"})
	require.NoError(t, err)

	_, err = crypt.Decrypt([]byte("wrong"), blob)
	assert.Error(t, err)
}

func TestBlobCrypt_Tampered(t *testing.T) {
	crypt := NewBlobCrypt()
	blob, err := crypt.Encrypt([]byte("passphrase"), map[string]string{"k": "v"})
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xff
	_, err = crypt.Decrypt([]byte("passphrase"), blob)
	assert.Error(t, err)
}

func TestBlobCrypt_TruncatedAndUnknownFormat(t *testing.T) {
	crypt := NewBlobCrypt()

	_, err := crypt.Decrypt([]byte("p"), []byte("short"))
	assert.Error(t, err)

	junk := make([]byte, 64)
	_, err = crypt.Decrypt([]byte("p"), junk)
	assert.Error(t, err)
}

func TestLoadAndGet(t *testing.T) {
	s, _, _ := newTestStore(t, map[string]string{"db_password": "hunter2"})
	ctx := context.Background()

	assert.False(t, s.Loaded())
	require.NoError(t, s.Load(ctx))
	assert.True(t, s.Loaded())
	assert.Equal(t, 1, s.Count())

	value, ok := s.Get("db_password")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", value)

	_, ok = s.Get("absent")
	assert.False(t, ok)
}

func TestLoad_WrongKey(t *testing.T) {
	s, _, keys := newTestStore(t, map[string]string{"k": "v"})
	keys.passphrase = []byte("wrong")

	err := s.Load(context.Background())
	assert.True(t, apperrors.Is(err, ErrDecryptFailed))
	assert.False(t, s.Loaded())
}

func TestReload_SwapsMapping(t *testing.T) {
	s, blobs, keys := newTestStore(t, map[string]string{"old_key": "old"})
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	// Replace the on-disk blob with a new mapping.
	newBlob, err := NewBlobCrypt().Encrypt(keys.passphrase, map[string]string{"new_key": "new"})
	require.NoError(t, err)
	require.NoError(t, blobs.Write(newBlob))

	require.NoError(t, s.Reload(ctx))
	_, ok := s.Get("old_key")
	assert.False(t, ok)
	value, ok := s.Get("new_key")
	assert.True(t, ok)
	assert.Equal(t, "new", value)
}

func TestReload_FailureKeepsCurrentMapping(t *testing.T) {
	s, blobs, _ := newTestStore(t, map[string]string{"k": "v"})
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, blobs.Write([]byte("garbage garbage garbage garbage garbage")))
	assert.Error(t, s.Reload(ctx))

	// The previous mapping still serves.
	value, ok := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestKeys_Sorted(t *testing.T) {
	s, _, _ := newTestStore(t, map[string]string{"zeta": "1", "alpha": "2", "mid": "3"})
	require.NoError(t, s.Load(context.Background()))

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, s.Keys())
}

func TestRotateMaster(t *testing.T) {
	s, blobs, keys := newTestStore(t, map[string]string{"db_password": "hunter2"})
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.RotateMaster(ctx, []byte("a brand new master passphrase")))

	// The key source was updated and the blob re-encrypted under it.
	assert.Equal(t, []byte("a brand new master passphrase"), keys.passphrase)
	got, err := NewBlobCrypt().Decrypt(keys.passphrase, blobs.blob)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db_password": "hunter2"}, got)

	// Values still served after the swap.
	value, ok := s.Get("db_password")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", value)

	// A reload against the rotated material works.
	require.NoError(t, s.Reload(ctx))
	_, ok = s.Get("db_password")
	assert.True(t, ok)
}

func TestRotateMaster_ConcurrentWithReload(t *testing.T) {
	s, blobs, keys := newTestStore(t, map[string]string{"db_password": "hunter2"})
	ctx := context.Background()
	require.NoError(t, s.Load(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		next := []byte(fmt.Sprintf("rotated master passphrase %02d", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.RotateMaster(ctx, next))
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Reload(ctx))
		}()
	}
	wg.Wait()

	// Blob and key file advanced together: the final blob decrypts under the
	// final passphrase and the mapping still serves.
	got, err := NewBlobCrypt().Decrypt(keys.passphrase, blobs.blob)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"db_password": "hunter2"}, got)

	value, ok := s.Get("db_password")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", value)

	require.NoError(t, s.Reload(ctx))
}

func TestSecureClear(t *testing.T) {
	s, _, _ := newTestStore(t, map[string]string{"k": "v"})
	require.NoError(t, s.Load(context.Background()))

	s.SecureClear()
	assert.False(t, s.Loaded())
	assert.Equal(t, 0, s.Count())
	_, ok := s.Get("k")
	assert.False(t, ok)
}
