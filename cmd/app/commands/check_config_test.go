package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// setCheckEnv lays out a valid local-only configuration in a temp directory.
func setCheckEnv(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.json")
	storePath := filepath.Join(dir, "store.enc")
	keyPath := filepath.Join(dir, "master.key")

	rules := `[{"name": "reader", "clients": "pid:*", "secrets": ["db_*"], "actions": ["read", "list"]}]`
	require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o600))
	require.NoError(t, os.WriteFile(storePath, []byte("blob"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("passphrase"), 0o600))

	t.Setenv("RULES_PATH", rulesPath)
	t.Setenv("STORE_PATH", storePath)
	t.Setenv("MASTER_KEY_FILE", keyPath)
	t.Setenv("PROCESS_ALLOWED_EXECUTABLES", "/usr/bin/app")
	t.Setenv("REMOTE_ENABLED", "false")
	return dir
}

func TestRunCheckConfig(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		setCheckEnv(t)

		var out bytes.Buffer
		require.NoError(t, RunCheckConfig(IOTuple{Writer: &out}))
		require.Contains(t, out.String(), "rules: 1 rule(s) loaded")
		require.Contains(t, out.String(), "configuration ok")
		require.NotContains(t, out.String(), "warning:")
	})

	t.Run("warns-on-empty-executable-list", func(t *testing.T) {
		setCheckEnv(t)
		t.Setenv("PROCESS_ALLOWED_EXECUTABLES", "")

		var out bytes.Buffer
		require.NoError(t, RunCheckConfig(IOTuple{Writer: &out}))
		require.Contains(t, out.String(), "warning: PROCESS_ALLOWED_EXECUTABLES is empty")
	})

	t.Run("invalid-rules", func(t *testing.T) {
		dir := setCheckEnv(t)
		badRules := filepath.Join(dir, "bad-rules.json")
		require.NoError(t, os.WriteFile(badRules, []byte(`[{"clients": "pid:*"}]`), 0o600))
		t.Setenv("RULES_PATH", badRules)

		err := RunCheckConfig(IOTuple{Writer: &bytes.Buffer{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "rules check failed")
	})

	t.Run("missing-store-file", func(t *testing.T) {
		dir := setCheckEnv(t)
		t.Setenv("STORE_PATH", filepath.Join(dir, "absent.enc"))

		err := RunCheckConfig(IOTuple{Writer: &bytes.Buffer{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "store file check failed")
	})

	t.Run("remote-enabled-without-tls-material", func(t *testing.T) {
		setCheckEnv(t)
		t.Setenv("REMOTE_ENABLED", "true")

		err := RunCheckConfig(IOTuple{Writer: &bytes.Buffer{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "TLS certificate is required")
	})

	t.Run("remote-enabled-success", func(t *testing.T) {
		dir := setCheckEnv(t)
		certPath := filepath.Join(dir, "server.pem")
		keyPath := filepath.Join(dir, "server.key")
		caPath := filepath.Join(dir, "clients-ca.pem")
		for _, path := range []string{certPath, keyPath, caPath} {
			require.NoError(t, os.WriteFile(path, []byte("pem"), 0o600))
		}
		t.Setenv("REMOTE_ENABLED", "true")
		t.Setenv("TLS_CERT_FILE", certPath)
		t.Setenv("TLS_KEY_FILE", keyPath)
		t.Setenv("TLS_CLIENT_CA_FILE", caPath)
		t.Setenv("CERT_ALLOWED_CNS", "backup-*")

		var out bytes.Buffer
		require.NoError(t, RunCheckConfig(IOTuple{Writer: &out}))
		require.Contains(t, out.String(), "configuration ok")
	})

	t.Run("remote-enabled-without-allowed-cns", func(t *testing.T) {
		dir := setCheckEnv(t)
		certPath := filepath.Join(dir, "server.pem")
		keyPath := filepath.Join(dir, "server.key")
		caPath := filepath.Join(dir, "clients-ca.pem")
		for _, path := range []string{certPath, keyPath, caPath} {
			require.NoError(t, os.WriteFile(path, []byte("pem"), 0o600))
		}
		t.Setenv("REMOTE_ENABLED", "true")
		t.Setenv("TLS_CERT_FILE", certPath)
		t.Setenv("TLS_KEY_FILE", keyPath)
		t.Setenv("TLS_CLIENT_CA_FILE", caPath)
		t.Setenv("CERT_ALLOWED_CNS", "")

		err := RunCheckConfig(IOTuple{Writer: &bytes.Buffer{}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "CERT_ALLOWED_CNS is required")
	})
}
