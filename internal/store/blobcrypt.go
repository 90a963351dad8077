package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"

	"golang.org/x/crypto/scrypt"

	apperrors "github.com/allisson/secretsd/internal/errors"
	"github.com/allisson/secretsd/internal/secure"
)

// Store file layout: magic || salt (16) || nonce (12) || AES-256-GCM ciphertext.
// The key is derived from the master passphrase with scrypt. The plaintext is a
// JSON object mapping credential keys to values.
var blobMagic = []byte("SDSTORE1")

const (
	blobSaltSize  = 16
	blobNonceSize = 12

	// scrypt parameters per the current OWASP recommendation for interactive use.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
	keySize = 32
)

// BlobCrypt is the default Decryptor: scrypt key derivation plus AES-256-GCM
// authenticated encryption.
type BlobCrypt struct{}

// NewBlobCrypt creates the default store file codec.
func NewBlobCrypt() *BlobCrypt {
	return &BlobCrypt{}
}

// Decrypt decrypts blob with the passphrase and returns the credential mapping.
// Any authentication failure (wrong key, truncated or tampered file) is
// reported as a single generic error so callers cannot distinguish the causes.
func (b *BlobCrypt) Decrypt(passphrase, blob []byte) (map[string]string, error) {
	if len(blob) < len(blobMagic)+blobSaltSize+blobNonceSize {
		return nil, apperrors.New("store blob truncated")
	}
	if !bytes.Equal(blob[:len(blobMagic)], blobMagic) {
		return nil, apperrors.New("store blob has unknown format")
	}

	rest := blob[len(blobMagic):]
	salt := rest[:blobSaltSize]
	nonce := rest[blobSaltSize : blobSaltSize+blobNonceSize]
	ciphertext := rest[blobSaltSize+blobNonceSize:]

	aead, key, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer secure.Zero(key)

	plaintext, err := aead.Open(nil, nonce, ciphertext, blobMagic)
	if err != nil {
		return nil, apperrors.New("store blob authentication failed")
	}
	defer secure.Zero(plaintext)

	var entries map[string]string
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, apperrors.Wrap(err, "store blob has malformed payload")
	}

	return entries, nil
}

// Encrypt encrypts the credential mapping with the passphrase using a fresh
// salt and nonce.
func (b *BlobCrypt) Encrypt(passphrase []byte, entries map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal store payload")
	}
	defer secure.Zero(plaintext)

	salt := make([]byte, blobSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, apperrors.Wrap(err, "failed to generate salt")
	}

	aead, key, err := deriveAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer secure.Zero(key)

	nonce := make([]byte, blobNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(err, "failed to generate nonce")
	}

	blob := make([]byte, 0, len(blobMagic)+blobSaltSize+blobNonceSize+len(plaintext)+aead.Overhead())
	blob = append(blob, blobMagic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, plaintext, blobMagic)

	return blob, nil
}

// deriveAEAD derives the AES-256 key from the passphrase and wraps it in GCM.
// The returned key must be zeroed by the caller.
func deriveAEAD(passphrase, salt []byte) (cipher.AEAD, []byte, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, "failed to derive store key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		secure.Zero(key)
		return nil, nil, apperrors.Wrap(err, "failed to initialize cipher")
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		secure.Zero(key)
		return nil, nil, apperrors.Wrap(err, "failed to initialize aead")
	}

	return aead, key, nil
}
