package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allisson/secretsd/internal/dispatch"
)

// startLocalServer binds a server on a temp socket and tears it down with the test.
func startLocalServer(t *testing.T) (*LocalServer, string) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewLocalServer(socketPath, 0o600, 5*time.Second, newTestDispatcher(t), testLogger())
	require.NoError(t, server.Start())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(context.Background())
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, server.Shutdown(ctx))
		<-done
	})

	return server, socketPath
}

// roundTrip sends one request over a fresh connection and decodes the response.
func roundTrip(t *testing.T, socketPath string, req dispatch.Request) dispatch.Response {
	t.Helper()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	line, err := json.Marshal(req)
	require.NoError(t, err)
	line = append(line, '\n')
	_, err = conn.Write(line)
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan(), "no response line: %v", scanner.Err())

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func TestLocalServer_Health(t *testing.T) {
	_, socketPath := startLocalServer(t)

	resp := roundTrip(t, socketPath, dispatch.Request{Action: "health"})
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ready", resp.Data["status"])
}

func TestLocalServer_AuthAndGetSecret(t *testing.T) {
	_, socketPath := startLocalServer(t)

	// The dialing process is this test binary; SO_PEERCRED reports our pid
	// and the validator trusts our executable and user.
	resp := roundTrip(t, socketPath, dispatch.Request{Action: "auth"})
	require.Equal(t, "ok", resp.Status, "auth failed: %+v", resp.Error)
	token := resp.Data["token"].(string)
	require.NotEmpty(t, token)

	resp = roundTrip(t, socketPath, dispatch.Request{
		Action: "get_secret",
		Token:  token,
		Params: map[string]any{"key": "db_password"},
	})
	require.Equal(t, "ok", resp.Status)
	assert.Equal(t, "hunter2", resp.Data["value"])
}

func TestLocalServer_MalformedRequest(t *testing.T) {
	_, socketPath := startLocalServer(t)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("{not json\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var resp dispatch.Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, dispatch.CodeInternalError, resp.Error.Code)
}

func TestLocalServer_SocketMode(t *testing.T) {
	_, socketPath := startLocalServer(t)

	info, err := os.Stat(socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLocalServer_RemovesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	server := NewLocalServer(socketPath, 0o600, time.Second, newTestDispatcher(t), testLogger())
	require.NoError(t, server.Start())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	_, err := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}
