package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/allisson/secretsd/internal/config"
	"github.com/allisson/secretsd/internal/secure"
	"github.com/allisson/secretsd/internal/store"
)

// RunGenerateStore encrypts a plaintext JSON credential mapping into the
// configured store file. When the master key file does not exist yet, a new
// random passphrase is generated and persisted first (KMS-wrapped when a
// keeper URI is configured).
//
// inputPath is a JSON object of key/value strings, or "-" for stdin. The
// plaintext input file should be deleted by the operator afterwards.
func RunGenerateStore(ctx context.Context, stdio IOTuple, inputPath string) error {
	cfg := config.Load()

	plain, err := readPlainMapping(stdio, inputPath)
	if err != nil {
		return err
	}

	keys := store.NewFileKeySource(cfg.MasterKeyFile, cfg.KMSKeyURI)
	defer keys.Destroy()

	if _, err := os.Stat(cfg.MasterKeyFile); errors.Is(err, fs.ErrNotExist) {
		passphrase, err := generatePassphrase()
		if err != nil {
			return err
		}
		if err := keys.Replace(ctx, passphrase); err != nil {
			return fmt.Errorf("failed to write master key file: %w", err)
		}
		fmt.Fprintf(stdio.Writer, "Master key written to %s\n", cfg.MasterKeyFile)
	} else if err != nil {
		return fmt.Errorf("failed to stat master key file: %w", err)
	}

	crypt := store.NewBlobCrypt()
	var blob []byte
	err = keys.Passphrase(ctx, func(passphrase []byte) error {
		var eerr error
		blob, eerr = crypt.Encrypt(passphrase, plain)
		return eerr
	})
	if err != nil {
		return fmt.Errorf("failed to encrypt store: %w", err)
	}

	if err := store.NewFileBlobSource(cfg.StorePath).Write(blob); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}

	fmt.Fprintf(stdio.Writer, "Encrypted %d secret(s) into %s\n", len(plain), cfg.StorePath)
	fmt.Fprintf(stdio.Writer, "Delete the plaintext input now.\n")
	return nil
}

// readPlainMapping reads the JSON credential mapping from a file or stdin.
func readPlainMapping(stdio IOTuple, inputPath string) (map[string]string, error) {
	var raw []byte
	var err error
	if inputPath == "-" {
		raw, err = io.ReadAll(stdio.Reader)
	} else {
		raw, err = os.ReadFile(inputPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	defer secure.Zero(raw)

	var plain map[string]string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("input is not a JSON object of string values: %w", err)
	}
	return plain, nil
}

// generatePassphrase creates a 48-byte random passphrase, base64-encoded so it
// survives being stored in a text file.
func generatePassphrase() ([]byte, error) {
	random := make([]byte, 48)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("failed to generate passphrase: %w", err)
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(random)))
	base64.StdEncoding.Encode(encoded, random)
	secure.Zero(random)
	return encoded, nil
}
