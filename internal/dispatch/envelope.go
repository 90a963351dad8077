package dispatch

import (
	"crypto/x509"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// Transport names the listener a request arrived on.
type Transport string

const (
	// TransportLocal is the unix-socket listener.
	TransportLocal Transport = "local"

	// TransportRemote is the mTLS HTTP listener.
	TransportRemote Transport = "remote"
)

// Request is the transport-agnostic request envelope. Both listeners decode
// their wire format into this shape before handing it to the dispatcher.
type Request struct {
	Action string         `json:"action"`
	Token  string         `json:"token,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// Peer carries transport-established facts about the connection. It is filled
// by the listener, never from client-supplied data: PID comes from socket
// peer credentials, Certificates from the TLS handshake.
type Peer struct {
	Transport Transport
	// PID is the peer process id on the local transport, 0 otherwise.
	PID int
	// Certificates is the verified peer chain on the remote transport, leaf first.
	Certificates []*x509.Certificate
}

// ErrorBody is the stable error shape clients branch on.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is the transport-agnostic response envelope.
type Response struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *ErrorBody     `json:"error,omitempty"`
}

// Public error codes. Clients can branch on the code alone; messages are
// stable, generic phrasings that never carry internal detail.
const (
	// CodeAuthRequired: no token on an action that needs one.
	CodeAuthRequired = "AUTH_REQUIRED"
	// CodeAuthExpired: token past expiry.
	CodeAuthExpired = "AUTH_EXPIRED"
	// CodeAuthInvalid: token not recognized or malformed.
	CodeAuthInvalid = "AUTH_INVALID"
	// CodeAuthDenied: identity validation itself failed.
	CodeAuthDenied = "AUTH_DENIED"
	// CodeAccessDenied: valid identity, authorization denies the resource/action.
	CodeAccessDenied = "ACCESS_DENIED"
	// CodeSecretNotFound: key absent from the store.
	CodeSecretNotFound = "SECRET_NOT_FOUND"
	// CodeRateLimited: quota exceeded.
	CodeRateLimited = "RATE_LIMITED"
	// CodeDaemonLocked: request arrived before initialization completed.
	CodeDaemonLocked = "DAEMON_LOCKED"
	// CodeInternalError: unexpected failure; detail goes to the log sink only.
	CodeInternalError = "INTERNAL_ERROR"
)

// OK builds a success response.
func OK(data map[string]any) Response {
	return Response{Status: "ok", Data: data}
}

// Fail builds an error response.
func Fail(code, message string) Response {
	return Response{Status: "error", Error: &ErrorBody{Code: code, Message: message}}
}

// failFromError translates a domain error into the nearest public error code.
// Messages are fixed per code so no internal detail can leak through them.
func failFromError(err error) Response {
	switch {
	case apperrors.Is(err, apperrors.ErrExpired):
		return Fail(CodeAuthExpired, "token expired")
	case apperrors.Is(err, apperrors.ErrUnauthorized):
		return Fail(CodeAuthInvalid, "token not recognized")
	case apperrors.Is(err, apperrors.ErrAuthDenied):
		return Fail(CodeAuthDenied, "identity validation failed")
	case apperrors.Is(err, apperrors.ErrForbidden):
		return Fail(CodeAccessDenied, "access denied")
	case apperrors.Is(err, apperrors.ErrNotFound):
		return Fail(CodeSecretNotFound, "secret not found")
	case apperrors.Is(err, apperrors.ErrRateLimited):
		return Fail(CodeRateLimited, "rate limit exceeded")
	case apperrors.Is(err, apperrors.ErrLocked):
		return Fail(CodeDaemonLocked, "daemon is not ready")
	default:
		return Fail(CodeInternalError, "internal error")
	}
}
