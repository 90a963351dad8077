// Package integration exercises the daemon end to end: an encrypted store
// generated by the CLI, the dependency container, the local socket transport,
// and signed audit verification.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/secretsd/cmd/app/commands"
	"github.com/allisson/secretsd/internal/app"
	"github.com/allisson/secretsd/internal/config"
	"github.com/allisson/secretsd/internal/dispatch"
)

// daemonContext is one booted daemon: container, serving local socket, and the
// paths needed for post-hoc verification.
type daemonContext struct {
	container  *app.Container
	socketPath string
	auditPath  string
}

// setupDaemon generates a store with the CLI, configures the environment, and
// boots the container with a serving local listener.
func setupDaemon(t *testing.T) *daemonContext {
	t.Helper()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "secretsd.sock")
	auditPath := filepath.Join(dir, "audit.log")
	rulesPath := filepath.Join(dir, "rules.json")

	exe, err := os.Readlink("/proc/self/exe")
	require.NoError(t, err)
	me, err := user.Current()
	require.NoError(t, err)

	rules := `[
		{"name": "reader", "clients": "pid:*", "secrets": ["db_*"], "actions": ["read", "list"]},
		{"name": "ops", "clients": "pid:*", "secrets": ["*"], "actions": ["reload"]}
	]`
	require.NoError(t, os.WriteFile(rulesPath, []byte(rules), 0o600))

	t.Setenv("SOCKET_PATH", socketPath)
	t.Setenv("STORE_PATH", filepath.Join(dir, "store.enc"))
	t.Setenv("MASTER_KEY_FILE", filepath.Join(dir, "master.key"))
	t.Setenv("KMS_KEY_URI", "")
	t.Setenv("RULES_PATH", rulesPath)
	t.Setenv("AUDIT_PATH", auditPath)
	t.Setenv("PROCESS_ALLOWED_EXECUTABLES", exe)
	t.Setenv("PROCESS_ALLOWED_USERS", me.Username)
	t.Setenv("REMOTE_ENABLED", "false")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("LOG_LEVEL", "error")

	ctx := context.Background()
	stdio := commands.IOTuple{
		Reader: strings.NewReader(`{"db_password": "hunter2", "db_host": "localhost", "api_key": "secret123"}`),
		Writer: &bytes.Buffer{},
	}
	require.NoError(t, commands.RunGenerateStore(ctx, stdio, "-"))

	container := app.NewContainer(config.Load())

	dispatcher, err := container.Dispatcher()
	require.NoError(t, err)
	dispatcher.SetState(dispatch.StateInit)

	secretStore, err := container.Store()
	require.NoError(t, err)
	require.NoError(t, secretStore.Load(ctx))

	localServer, err := container.LocalServer()
	require.NoError(t, err)
	require.NoError(t, localServer.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = localServer.Serve(context.Background())
	}()
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, localServer.Shutdown(shutdownCtx))
		<-done
		require.NoError(t, container.Shutdown(context.Background()))
	})

	dispatcher.SetState(dispatch.StateReady)
	return &daemonContext{container: container, socketPath: socketPath, auditPath: auditPath}
}

// request sends one envelope over a fresh socket connection.
func (d *daemonContext) request(t *testing.T, req dispatch.Request) dispatch.Response {
	t.Helper()

	conn, err := net.Dial("unix", d.socketPath)
	require.NoError(t, err)
	defer conn.Close()

	line, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan(), "no response: %v", scanner.Err())

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestDaemon_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	daemon := setupDaemon(t)

	var token string
	t.Run("Authenticate", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{Action: "auth"})
		require.Equal(t, "ok", resp.Status, "auth failed: %+v", resp.Error)
		token = resp.Data["token"].(string)
		require.NotEmpty(t, token)
		assert.Equal(t, "session", resp.Data["class"])
	})

	t.Run("ReadAuthorizedSecret", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{
			Action: "get_secret",
			Token:  token,
			Params: map[string]any{"key": "db_password"},
		})
		require.Equal(t, "ok", resp.Status)
		assert.Equal(t, "hunter2", resp.Data["value"])
	})

	t.Run("DeniedSecretOutsideRules", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{
			Action: "get_secret",
			Token:  token,
			Params: map[string]any{"key": "api_key"},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, dispatch.CodeAccessDenied, resp.Error.Code)
		assert.NotContains(t, resp.Error.Message, "secret123")
	})

	t.Run("ListFiltersToAuthorizedKeys", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{Action: "list_secrets", Token: token})
		require.Equal(t, "ok", resp.Status)

		keys := resp.Data["keys"].([]any)
		var names []string
		for _, key := range keys {
			names = append(names, key.(string))
		}
		assert.ElementsMatch(t, []string{"db_host", "db_password"}, names)
	})

	t.Run("AdminRequiresAdminClass", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{Action: "reload", Token: token})
		require.NotNil(t, resp.Error)
		assert.Equal(t, dispatch.CodeAccessDenied, resp.Error.Code)
	})

	t.Run("AdminReload", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{
			Action: "auth",
			Params: map[string]any{"class": "admin"},
		})
		require.Equal(t, "ok", resp.Status, "admin auth failed: %+v", resp.Error)
		adminToken := resp.Data["token"].(string)

		resp = daemon.request(t, dispatch.Request{Action: "reload", Token: adminToken})
		require.Equal(t, "ok", resp.Status)
	})

	t.Run("Logout", func(t *testing.T) {
		resp := daemon.request(t, dispatch.Request{Action: "logout", Token: token})
		require.Equal(t, "ok", resp.Status)

		resp = daemon.request(t, dispatch.Request{
			Action: "get_secret",
			Token:  token,
			Params: map[string]any{"key": "db_password"},
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, dispatch.CodeAuthInvalid, resp.Error.Code)
	})
}

func TestDaemon_AuditTrailVerifies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	daemon := setupDaemon(t)

	resp := daemon.request(t, dispatch.Request{Action: "auth"})
	require.Equal(t, "ok", resp.Status, "auth failed: %+v", resp.Error)
	token := resp.Data["token"].(string)

	resp = daemon.request(t, dispatch.Request{
		Action: "get_secret",
		Token:  token,
		Params: map[string]any{"key": "db_password"},
	})
	require.Equal(t, "ok", resp.Status)

	// The trail must verify with only the master key file, the way an
	// operator would check it offline.
	var out bytes.Buffer
	err := commands.RunVerifyAudit(context.Background(), commands.IOTuple{Writer: &out}, daemon.auditPath)
	require.NoError(t, err, out.String())
	assert.Contains(t, out.String(), "invalid:  0")
	assert.NotContains(t, out.String(), "checked:  0")

	// No secret value may ever reach the audit trail.
	raw, err := os.ReadFile(daemon.auditPath)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.Contains(t, string(raw), "db_password")
}
