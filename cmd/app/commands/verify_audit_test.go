package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/allisson/secretsd/internal/audit"
)

// writeAuditLog records entries into a signed (or unsigned) audit file.
func writeAuditLog(t *testing.T, auditPath string, signer *audit.Signer, entries []audit.Entry) {
	t.Helper()

	logger, err := audit.NewLogger(auditPath, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	for _, entry := range entries {
		require.NoError(t, logger.Record(entry))
	}
	require.NoError(t, logger.Close())
}

func TestRunVerifyAudit(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	keyPath := filepath.Join(dir, "master.key")
	passphrase := []byte("verify audit test passphrase")
	require.NoError(t, os.WriteFile(keyPath, passphrase, 0o600))
	t.Setenv("MASTER_KEY_FILE", keyPath)
	t.Setenv("KMS_KEY_URI", "")

	signer, err := audit.NewSigner(passphrase)
	require.NoError(t, err)
	defer signer.Destroy()

	entries := []audit.Entry{
		{EventType: audit.EventAuth, ClientID: "pid:42", Action: "auth", Result: audit.ResultSuccess},
		{EventType: audit.EventSecretAccess, ClientID: "backup-service", Action: "get_secret", Resource: "db_password", Result: audit.ResultDenied},
	}

	t.Run("success", func(t *testing.T) {
		auditPath := filepath.Join(t.TempDir(), "audit.log")
		writeAuditLog(t, auditPath, signer, entries)

		var out bytes.Buffer
		require.NoError(t, RunVerifyAudit(ctx, IOTuple{Writer: &out}, auditPath))
		require.Contains(t, out.String(), "checked:  2")
		require.Contains(t, out.String(), "valid:    2")
		require.Contains(t, out.String(), "invalid:  0")
	})

	t.Run("detects-tampering", func(t *testing.T) {
		auditPath := filepath.Join(t.TempDir(), "audit.log")
		writeAuditLog(t, auditPath, signer, entries)

		// Rewrite a signed field after the fact.
		raw, err := os.ReadFile(auditPath)
		require.NoError(t, err)
		tampered := bytes.Replace(raw, []byte(`"pid:42"`), []byte(`"pid:99"`), 1)
		require.NotEqual(t, raw, tampered)
		require.NoError(t, os.WriteFile(auditPath, tampered, 0o600))

		var out bytes.Buffer
		err = RunVerifyAudit(ctx, IOTuple{Writer: &out}, auditPath)
		require.Error(t, err)
		require.Contains(t, err.Error(), "integrity check failed")
		require.Contains(t, out.String(), "invalid:  1")
		require.Contains(t, out.String(), "valid:    1")
	})

	t.Run("counts-unsigned-entries", func(t *testing.T) {
		auditPath := filepath.Join(t.TempDir(), "audit.log")
		writeAuditLog(t, auditPath, nil, entries)

		var out bytes.Buffer
		require.NoError(t, RunVerifyAudit(ctx, IOTuple{Writer: &out}, auditPath))
		require.Contains(t, out.String(), "unsigned: 2")
		require.Contains(t, out.String(), "valid:    0")
	})

	t.Run("refuses-stdout-sink", func(t *testing.T) {
		err := RunVerifyAudit(ctx, IOTuple{Writer: &bytes.Buffer{}}, "stdout")
		require.Error(t, err)
		require.Contains(t, err.Error(), "audit sink is stdout")
	})

	t.Run("missing-file", func(t *testing.T) {
		err := RunVerifyAudit(ctx, IOTuple{Writer: &bytes.Buffer{}}, filepath.Join(t.TempDir(), "absent.log"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to open audit log")
	})
}
