package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"

	"github.com/allisson/secretsd/internal/dispatch"
	apperrors "github.com/allisson/secretsd/internal/errors"
)

// RemoteConfig carries the remote listener settings.
type RemoteConfig struct {
	Host         string
	Port         int
	CertFile     string
	KeyFile      string
	ClientCAFile string
	// MinVersion is "1.2" or "1.3".
	MinVersion  string
	ReadTimeout time.Duration
}

// RemoteServer serves the HTTP mapping of the protocol over mutual TLS.
// Client certificates are required at the TLS layer; the dispatcher's
// certificate validator then applies CN allow-lists, pinning, and revocation.
type RemoteServer struct {
	cfg        RemoteConfig
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	server     *http.Server
}

// NewRemoteServer creates the remote server and its route table.
func NewRemoteServer(cfg RemoteConfig, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *RemoteServer {
	s := &RemoteServer{cfg: cfg, dispatcher: dispatcher, logger: logger}

	router := gin.New()
	router.Use(requestid.New())
	router.Use(gin.Recovery())

	router.GET("/healthz", s.action("health"))
	v1 := router.Group("/v1")
	{
		v1.POST("/auth", s.action("auth"))
		v1.POST("/token/refresh", s.action("refresh"))
		v1.POST("/token/logout", s.action("logout"))
		v1.GET("/secrets", s.action("list_secrets"))
		v1.GET("/secrets/:key", s.action("get_secret"))
		v1.POST("/secrets/batch", s.action("get_secrets"))
		v1.POST("/admin/reload", s.action("reload"))
		v1.POST("/admin/rotate-master", s.action("rotate_master"))
	}

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     router,
		ReadTimeout: cfg.ReadTimeout,
	}
	return s
}

// Start configures TLS and begins serving. Blocks until Shutdown or a listen
// error; returns nil on graceful shutdown.
func (s *RemoteServer) Start() error {
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}
	s.server.TLSConfig = tlsConfig

	s.logger.Info("remote listener started",
		slog.String("addr", s.server.Addr),
		slog.String("tls_min_version", s.cfg.MinVersion))

	err = s.server.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		return apperrors.Wrap(err, "remote listener failed")
	}
	return nil
}

// Shutdown drains in-flight requests up to the context deadline.
func (s *RemoteServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// action adapts one route to the dispatch envelope. The peer certificate chain
// comes from the TLS connection state, the token from the Authorization
// header, and params from the URL and body.
func (s *RemoteServer) action(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := dispatch.Request{
			Action: name,
			Token:  bearerToken(c),
			Params: map[string]any{},
		}

		if c.Request.Method == http.MethodPost && c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req.Params); err != nil {
				c.JSON(http.StatusBadRequest,
					dispatch.Fail(dispatch.CodeInternalError, "malformed request body"))
				return
			}
		}
		if key := c.Param("key"); key != "" {
			req.Params["key"] = key
		}

		peer := dispatch.Peer{Transport: dispatch.TransportRemote}
		if c.Request.TLS != nil {
			peer.Certificates = c.Request.TLS.PeerCertificates
		}

		resp := s.dispatcher.Handle(c.Request.Context(), req, peer)
		c.JSON(httpStatus(resp), resp)
	}
}

// bearerToken extracts the token from the Authorization header.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// httpStatus maps protocol error codes to HTTP statuses. The envelope stays
// the canonical contract; the status is a convenience for HTTP tooling.
func httpStatus(resp dispatch.Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case dispatch.CodeAuthRequired, dispatch.CodeAuthExpired, dispatch.CodeAuthInvalid:
		return http.StatusUnauthorized
	case dispatch.CodeAuthDenied, dispatch.CodeAccessDenied:
		return http.StatusForbidden
	case dispatch.CodeSecretNotFound:
		return http.StatusNotFound
	case dispatch.CodeRateLimited:
		return http.StatusTooManyRequests
	case dispatch.CodeDaemonLocked:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// tlsConfig builds the mutual-TLS listener configuration. Client certificates
// are mandatory and verified against the configured CA pool.
func (s *RemoteServer) tlsConfig() (*tls.Config, error) {
	caPEM, err := os.ReadFile(s.cfg.ClientCAFile)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read client CA file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, apperrors.New("no certificates parsed from client CA file")
	}

	minVersion := uint16(tls.VersionTLS12)
	switch s.cfg.MinVersion {
	case "", "1.2":
	case "1.3":
		minVersion = tls.VersionTLS13
	default:
		return nil, apperrors.New("unsupported TLS min version " + s.cfg.MinVersion)
	}

	return &tls.Config{
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pool,
		MinVersion: minVersion,
	}, nil
}
