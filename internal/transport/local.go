// Package transport hosts the two listeners: the local unix-socket server and
// the remote mTLS HTTP server. Both decode into the dispatch envelope and
// delegate every decision to the dispatcher; no security logic lives here.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/allisson/secretsd/internal/dispatch"
	apperrors "github.com/allisson/secretsd/internal/errors"
)

// maxRequestLine caps one newline-delimited request. Requests are small
// (action, token, a handful of keys); anything larger is abuse.
const maxRequestLine = 1 << 20

// LocalServer serves the newline-delimited JSON protocol on a unix socket.
// One request per connection; the peer pid is read from SO_PEERCRED, never
// from the request body.
type LocalServer struct {
	socketPath  string
	socketMode  fs.FileMode
	readTimeout time.Duration
	dispatcher  *dispatch.Dispatcher
	logger      *slog.Logger

	mu       sync.Mutex
	listener *net.UnixListener
	conns    sync.WaitGroup
}

// NewLocalServer creates a local server. Start binds the socket.
func NewLocalServer(
	socketPath string,
	socketMode fs.FileMode,
	readTimeout time.Duration,
	dispatcher *dispatch.Dispatcher,
	logger *slog.Logger,
) *LocalServer {
	return &LocalServer{
		socketPath:  socketPath,
		socketMode:  socketMode,
		readTimeout: readTimeout,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// Start binds the unix socket and applies the configured file mode. A stale
// socket file from an unclean previous shutdown is removed first.
func (s *LocalServer) Start() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, "failed to remove stale socket")
	}

	addr, err := net.ResolveUnixAddr("unix", s.socketPath)
	if err != nil {
		return apperrors.Wrap(err, "failed to resolve socket address")
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return apperrors.Wrap(err, "failed to bind unix socket")
	}

	if err := os.Chmod(s.socketPath, s.socketMode); err != nil {
		listener.Close()
		return apperrors.Wrap(err, "failed to set socket mode")
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("local listener started",
		slog.String("socket_path", s.socketPath),
		slog.String("socket_mode", s.socketMode.String()))
	return nil
}

// Serve accepts connections until Shutdown closes the listener. Blocks; run it
// on its own goroutine.
func (s *LocalServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return apperrors.New("local server not started")
	}

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return apperrors.Wrap(err, "accept failed")
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting, waits for in-flight connections up to the context
// deadline, and removes the socket file.
func (s *LocalServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperrors.Wrap(err, "failed to remove socket")
	}
	return nil
}

// handleConn reads exactly one request, dispatches it, writes the response,
// and closes the connection.
func (s *LocalServer) handleConn(ctx context.Context, conn *net.UnixConn) {
	defer conn.Close()

	if s.readTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.readTimeout))
	}

	pid, err := peerPID(conn)
	if err != nil {
		// Without peer credentials there is no identity to rate limit or
		// authenticate against; drop the connection.
		s.logger.Warn("failed to read peer credentials", slog.Any("error", err))
		return
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxRequestLine)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			s.logger.Debug("local request read failed", slog.Any("error", err))
		}
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		s.logger.Warn("malformed local request", slog.Int("pid", pid))
		s.writeResponse(conn, dispatch.Fail(dispatch.CodeInternalError, "malformed request"))
		return
	}

	peer := dispatch.Peer{Transport: dispatch.TransportLocal, PID: pid}
	s.writeResponse(conn, s.dispatcher.Handle(ctx, req, peer))
}

func (s *LocalServer) writeResponse(conn *net.UnixConn, resp dispatch.Response) {
	line, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.Any("error", err))
		return
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		s.logger.Debug("failed to write local response", slog.Any("error", err))
	}
}

// peerPID reads the peer process id via SO_PEERCRED. The kernel fills this for
// connected unix sockets; it cannot be forged by the client.
func peerPID(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, apperrors.Wrap(err, "failed to access socket fd")
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, apperrors.Wrap(err, "socket control failed")
	}
	if credErr != nil {
		return 0, apperrors.Wrap(credErr, "SO_PEERCRED failed")
	}
	return int(cred.Pid), nil
}
