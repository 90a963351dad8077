// Package dispatch implements the transport-agnostic request pipeline.
//
// Both listeners decode their wire format into the same Request envelope and
// hand it to the Dispatcher, which runs the fixed sequence: lifecycle gate,
// rate limit, authentication, authorization, execution, audit. Exactly one
// audit entry is recorded per security-relevant request, after the decision is
// final.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/allisson/secretsd/internal/audit"
	"github.com/allisson/secretsd/internal/authz"
	apperrors "github.com/allisson/secretsd/internal/errors"
	"github.com/allisson/secretsd/internal/identity"
	"github.com/allisson/secretsd/internal/metrics"
	"github.com/allisson/secretsd/internal/ratelimit"
	"github.com/allisson/secretsd/internal/session"
	"github.com/allisson/secretsd/internal/store"
)

// State is the daemon lifecycle phase. Requests are refused with DAEMON_LOCKED
// until the dispatcher reaches StateReady.
type State int32

const (
	// StateStart is the initial phase before configuration is loaded.
	StateStart State = iota

	// StateInit covers store decryption and listener setup.
	StateInit

	// StateReady accepts requests.
	StateReady

	// StateShutdown refuses new requests while in-flight ones drain.
	StateShutdown
)

// String returns the lifecycle phase name.
func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateInit:
		return "init"
	case StateReady:
		return "ready"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Dispatcher executes the per-request pipeline shared by both transports.
type Dispatcher struct {
	secrets      *store.Store
	sessions     *session.Manager
	rules        *authz.Engine
	processes    *identity.ProcessValidator
	certificates *identity.CertificateValidator
	limiter      *ratelimit.Limiter
	auditor      audit.Logger
	metrics      metrics.RequestMetrics
	logger       *slog.Logger

	state     atomic.Int32
	startedAt time.Time
}

// New creates a Dispatcher in StateStart.
func New(
	secrets *store.Store,
	sessions *session.Manager,
	rules *authz.Engine,
	processes *identity.ProcessValidator,
	certificates *identity.CertificateValidator,
	limiter *ratelimit.Limiter,
	auditor audit.Logger,
	requestMetrics metrics.RequestMetrics,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		secrets:      secrets,
		sessions:     sessions,
		rules:        rules,
		processes:    processes,
		certificates: certificates,
		limiter:      limiter,
		auditor:      auditor,
		metrics:      requestMetrics,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// SetState advances the lifecycle phase.
func (d *Dispatcher) SetState(s State) {
	d.state.Store(int32(s))
	d.logger.Info("lifecycle state changed", slog.String("state", s.String()))
}

// State returns the current lifecycle phase.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

// Handle runs one request through the pipeline and records request metrics.
func (d *Dispatcher) Handle(ctx context.Context, req Request, peer Peer) Response {
	started := time.Now()
	action, known := ParseAction(req.Action)
	resp := d.handle(ctx, action, known, req, peer)

	// Unknown actions are recorded under a fixed label so client typos cannot
	// grow metric cardinality.
	name := "unknown"
	if known {
		name = action.String()
	}
	status := resp.Status
	if resp.Error != nil {
		status = resp.Error.Code
	}
	d.metrics.RecordRequest(ctx, string(peer.Transport), name, status)
	d.metrics.RecordDuration(ctx, string(peer.Transport), name, time.Since(started), status)
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, action Action, known bool, req Request, peer Peer) Response {
	if !known {
		// Malformed requests are logged but not audited: no security decision
		// was made on them.
		d.logger.Warn("request with unknown action",
			slog.String("action", req.Action),
			slog.String("transport", string(peer.Transport)))
		return Fail(CodeInternalError, "unknown action")
	}

	if d.State() != StateReady {
		return Fail(CodeDaemonLocked, "daemon is not ready")
	}

	clientID := peerClientID(peer)

	if !d.limiter.Allow(clientID, action.RateClass()) {
		if action != ActionHealth {
			d.audit(audit.Entry{
				EventType: audit.EventRateLimited,
				ClientID:  clientID,
				Action:    action.String(),
				Result:    audit.ResultDenied,
			})
		}
		return Fail(CodeRateLimited, "rate limit exceeded")
	}

	switch action {
	case ActionHealth:
		return d.handleHealth()
	case ActionAuth:
		return d.handleAuth(req, peer, clientID)
	}

	if req.Token == "" {
		return Fail(CodeAuthRequired, "token required")
	}

	sess, err := d.sessions.Validate(req.Token)
	if err != nil {
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  clientID,
			Action:    action.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"reason": err.Error()},
		})
		return failFromError(err)
	}

	// Bootstrap tokens authenticate nothing by themselves; they exist only to
	// be exchanged through the auth action.
	if sess.Class == session.ClassBootstrap {
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  sess.ClientID,
			Action:    action.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"reason": "bootstrap token presented outside exchange"},
		})
		return Fail(CodeAccessDenied, "access denied")
	}

	switch action {
	case ActionGetSecret:
		return d.handleGetSecret(req, sess)
	case ActionGetSecrets:
		return d.handleGetSecrets(req, sess)
	case ActionListSecrets:
		return d.handleListSecrets(sess)
	case ActionRefresh:
		return d.handleRefresh(req, sess)
	case ActionLogout:
		return d.handleLogout(req, sess)
	case ActionReload:
		return d.handleReload(ctx, sess)
	case ActionRotateMaster:
		return d.handleRotateMaster(ctx, req, sess)
	default:
		return Fail(CodeInternalError, "internal error")
	}
}

// handleHealth reports liveness and coarse counters. Unauthenticated and
// unaudited; values never include secret material.
func (d *Dispatcher) handleHealth() Response {
	return OK(map[string]any{
		"status":         "ready",
		"uptime_seconds": int64(time.Since(d.startedAt).Seconds()),
		"secret_count":   d.secrets.Count(),
		"session_count":  d.sessions.Count(),
	})
}

// handleAuth establishes identity via the transport-appropriate validator, or
// exchanges a bootstrap token, and mints a token of the requested class.
func (d *Dispatcher) handleAuth(req Request, peer Peer, clientID string) Response {
	params := authParamsFrom(req, peer)
	if err := params.Validate(); err != nil {
		return Fail(CodeInternalError, "invalid params: "+err.Error())
	}

	if params.Method == "bootstrap" {
		return d.exchangeBootstrap(params, clientID)
	}

	verified, err := d.verifyPeer(params, peer)
	if err != nil {
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  clientID,
			Action:    ActionAuth.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"method": params.Method, "reason": err.Error()},
		})
		return failFromError(err)
	}

	class := session.Class(params.Class)
	if class == session.ClassAdmin && !d.adminEligible(verified.ClientID) {
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  verified.ClientID,
			Action:    ActionAuth.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"method": params.Method, "reason": "no rule grants administrative actions"},
		})
		return Fail(CodeAccessDenied, "access denied")
	}

	scope := d.rules.ReadScope(verified.ClientID)
	plainToken, sess, err := d.sessions.Issue(verified.ClientID, class, scope)
	if err != nil {
		d.logger.Error("failed to issue session", slog.Any("error", err))
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  verified.ClientID,
			Action:    ActionAuth.String(),
			Result:    audit.ResultError,
			Metadata:  map[string]any{"method": params.Method, "reason": "session issue failed"},
		})
		return Fail(CodeInternalError, "internal error")
	}

	metadata := map[string]any{"method": string(verified.Method), "class": string(class)}
	for key, value := range verified.Metadata {
		metadata[key] = value
	}
	d.audit(audit.Entry{
		EventType: audit.EventAuth,
		ClientID:  verified.ClientID,
		Action:    ActionAuth.String(),
		Result:    audit.ResultSuccess,
		Metadata:  metadata,
	})

	return OK(sessionData(plainToken, sess))
}

// exchangeBootstrap consumes a single-use bootstrap token for a session token.
func (d *Dispatcher) exchangeBootstrap(params authParams, clientID string) Response {
	plainToken, sess, err := d.sessions.Exchange(params.BootstrapToken)
	if err != nil {
		d.audit(audit.Entry{
			EventType: audit.EventAuth,
			ClientID:  clientID,
			Action:    ActionAuth.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"method": "bootstrap", "reason": err.Error()},
		})
		return failFromError(err)
	}

	d.audit(audit.Entry{
		EventType: audit.EventAuth,
		ClientID:  sess.ClientID,
		Action:    ActionAuth.String(),
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"method": "bootstrap", "class": string(sess.Class)},
	})
	return OK(sessionData(plainToken, sess))
}

// verifyPeer runs the validator matching the requested method against
// transport-established peer facts. Clients cannot pick a validator their
// transport does not back.
func (d *Dispatcher) verifyPeer(params authParams, peer Peer) (*identity.VerifiedIdentity, error) {
	switch params.Method {
	case string(identity.MethodProcess):
		if peer.Transport != TransportLocal || peer.PID <= 0 {
			return nil, apperrors.Wrap(apperrors.ErrAuthDenied, "process authentication requires the local transport")
		}
		return d.processes.Validate(peer.PID, params.Executable)
	case string(identity.MethodCertificate):
		if peer.Transport != TransportRemote || len(peer.Certificates) == 0 {
			return nil, apperrors.Wrap(apperrors.ErrAuthDenied, "certificate authentication requires the remote transport")
		}
		return d.certificates.Validate(peer.Certificates)
	default:
		return nil, apperrors.Wrap(apperrors.ErrAuthDenied, "unsupported authentication method")
	}
}

// adminEligible reports whether any rule grants clientID an administrative
// action. Gates admin token issuance so the class cannot be requested by
// clients no rule would ever allow to use it.
func (d *Dispatcher) adminEligible(clientID string) bool {
	return d.rules.Authorize(clientID, authz.ActionReload, "").Allowed ||
		d.rules.Authorize(clientID, authz.ActionRotate, "").Allowed
}

func (d *Dispatcher) handleGetSecret(req Request, sess *session.Session) Response {
	params := getSecretParams{Key: stringParam(req.Params, "key")}
	if err := params.Validate(); err != nil {
		return Fail(CodeInternalError, "invalid params: "+err.Error())
	}

	decision := d.rules.Authorize(sess.ClientID, authz.ActionRead, params.Key)
	if !decision.Allowed {
		d.audit(audit.Entry{
			EventType: audit.EventSecretAccess,
			ClientID:  sess.ClientID,
			Action:    ActionGetSecret.String(),
			Resource:  params.Key,
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"rule": decision.RuleName},
		})
		return Fail(CodeAccessDenied, "access denied")
	}

	value, ok := d.secrets.Get(params.Key)
	if !ok {
		d.audit(audit.Entry{
			EventType: audit.EventSecretAccess,
			ClientID:  sess.ClientID,
			Action:    ActionGetSecret.String(),
			Resource:  params.Key,
			Result:    audit.ResultError,
			Metadata:  map[string]any{"rule": decision.RuleName, "reason": "not_found"},
		})
		return Fail(CodeSecretNotFound, "secret not found")
	}

	d.audit(audit.Entry{
		EventType: audit.EventSecretAccess,
		ClientID:  sess.ClientID,
		Action:    ActionGetSecret.String(),
		Resource:  params.Key,
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"rule": decision.RuleName},
	})
	return OK(map[string]any{"key": params.Key, "value": value})
}

// handleGetSecrets reads a batch with partial success. Keys outside the
// caller's authorization are reported as missing, indistinguishable from keys
// that do not exist, so the response never reveals out-of-scope key presence.
func (d *Dispatcher) handleGetSecrets(req Request, sess *session.Session) Response {
	params := getSecretsParams{Keys: stringSliceParam(req.Params, "keys")}
	if err := params.Validate(); err != nil {
		return Fail(CodeInternalError, "invalid params: "+err.Error())
	}

	values := make(map[string]any)
	missing := make([]string, 0)
	authorized := 0
	for _, key := range params.Keys {
		if !d.rules.Authorize(sess.ClientID, authz.ActionRead, key).Allowed {
			missing = append(missing, key)
			continue
		}
		authorized++
		if value, ok := d.secrets.Get(key); ok {
			values[key] = value
		} else {
			missing = append(missing, key)
		}
	}

	if authorized == 0 {
		d.audit(audit.Entry{
			EventType: audit.EventSecretAccess,
			ClientID:  sess.ClientID,
			Action:    ActionGetSecrets.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"keys_requested": len(params.Keys)},
		})
		return Fail(CodeAccessDenied, "access denied")
	}

	d.audit(audit.Entry{
		EventType: audit.EventSecretAccess,
		ClientID:  sess.ClientID,
		Action:    ActionGetSecrets.String(),
		Result:    audit.ResultSuccess,
		Metadata: map[string]any{
			"keys_requested": len(params.Keys),
			"keys_returned":  len(values),
			"keys_missing":   len(missing),
		},
	})
	return OK(map[string]any{"secrets": values, "missing": missing})
}

func (d *Dispatcher) handleListSecrets(sess *session.Session) Response {
	decision := d.rules.Authorize(sess.ClientID, authz.ActionList, "")
	if !decision.Allowed {
		d.audit(audit.Entry{
			EventType: audit.EventSecretAccess,
			ClientID:  sess.ClientID,
			Action:    ActionListSecrets.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"rule": decision.RuleName},
		})
		return Fail(CodeAccessDenied, "access denied")
	}

	keys := d.rules.AllowedKeys(sess.ClientID, d.secrets.Keys())
	d.audit(audit.Entry{
		EventType: audit.EventSecretAccess,
		ClientID:  sess.ClientID,
		Action:    ActionListSecrets.String(),
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"key_count": len(keys)},
	})
	return OK(map[string]any{"keys": keys})
}

func (d *Dispatcher) handleRefresh(req Request, sess *session.Session) Response {
	newToken, next, err := d.sessions.Refresh(req.Token)
	if err != nil {
		d.audit(audit.Entry{
			EventType: audit.EventSession,
			ClientID:  sess.ClientID,
			Action:    ActionRefresh.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"reason": err.Error()},
		})
		return failFromError(err)
	}

	d.audit(audit.Entry{
		EventType: audit.EventSession,
		ClientID:  next.ClientID,
		Action:    ActionRefresh.String(),
		Result:    audit.ResultSuccess,
	})
	return OK(sessionData(newToken, next))
}

func (d *Dispatcher) handleLogout(req Request, sess *session.Session) Response {
	d.sessions.Revoke(req.Token)
	d.audit(audit.Entry{
		EventType: audit.EventSession,
		ClientID:  sess.ClientID,
		Action:    ActionLogout.String(),
		Result:    audit.ResultSuccess,
	})
	return OK(map[string]any{"revoked": true})
}

func (d *Dispatcher) handleReload(ctx context.Context, sess *session.Session) Response {
	if resp, ok := d.requireAdmin(sess, ActionReload, authz.ActionReload); !ok {
		return resp
	}

	if err := d.secrets.Reload(ctx); err != nil {
		d.logger.Error("store reload failed", slog.Any("error", err))
		d.audit(audit.Entry{
			EventType: audit.EventAdmin,
			ClientID:  sess.ClientID,
			Action:    ActionReload.String(),
			Result:    audit.ResultError,
			Metadata:  map[string]any{"reason": "reload failed"},
		})
		return Fail(CodeInternalError, "internal error")
	}

	count := d.secrets.Count()
	d.audit(audit.Entry{
		EventType: audit.EventAdmin,
		ClientID:  sess.ClientID,
		Action:    ActionReload.String(),
		Result:    audit.ResultSuccess,
		Metadata:  map[string]any{"secret_count": count},
	})
	return OK(map[string]any{"secret_count": count})
}

func (d *Dispatcher) handleRotateMaster(ctx context.Context, req Request, sess *session.Session) Response {
	params := rotateMasterParams{NewPassword: stringParam(req.Params, "new_password")}
	if err := params.Validate(); err != nil {
		return Fail(CodeInternalError, "invalid params: "+err.Error())
	}

	if resp, ok := d.requireAdmin(sess, ActionRotateMaster, authz.ActionRotate); !ok {
		return resp
	}

	if err := d.secrets.RotateMaster(ctx, []byte(params.NewPassword)); err != nil {
		d.logger.Error("master key rotation failed", slog.Any("error", err))
		d.audit(audit.Entry{
			EventType: audit.EventAdmin,
			ClientID:  sess.ClientID,
			Action:    ActionRotateMaster.String(),
			Result:    audit.ResultError,
			Metadata:  map[string]any{"reason": "rotation failed"},
		})
		return Fail(CodeInternalError, "internal error")
	}

	d.audit(audit.Entry{
		EventType: audit.EventAdmin,
		ClientID:  sess.ClientID,
		Action:    ActionRotateMaster.String(),
		Result:    audit.ResultSuccess,
	})
	return OK(map[string]any{"rotated": true})
}

// requireAdmin enforces the two-layer administrative gate: the token class
// must be admin, and the rules must grant the operation. The false return
// carries the response to send.
func (d *Dispatcher) requireAdmin(sess *session.Session, action Action, ruleAction authz.Action) (Response, bool) {
	if sess.Class != session.ClassAdmin {
		d.audit(audit.Entry{
			EventType: audit.EventAdmin,
			ClientID:  sess.ClientID,
			Action:    action.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"reason": "token class is not admin"},
		})
		return Fail(CodeAccessDenied, "access denied"), false
	}

	decision := d.rules.Authorize(sess.ClientID, ruleAction, "")
	if !decision.Allowed {
		d.audit(audit.Entry{
			EventType: audit.EventAdmin,
			ClientID:  sess.ClientID,
			Action:    action.String(),
			Result:    audit.ResultDenied,
			Metadata:  map[string]any{"rule": decision.RuleName},
		})
		return Fail(CodeAccessDenied, "access denied"), false
	}

	return Response{}, true
}

// audit records an entry, logging sink failures without failing the request.
func (d *Dispatcher) audit(entry audit.Entry) {
	if err := d.auditor.Record(entry); err != nil {
		d.logger.Error("failed to record audit entry",
			slog.Any("error", err),
			slog.String("event_type", string(entry.EventType)))
	}
}

// sessionData builds the response payload for a freshly minted token.
func sessionData(plainToken string, sess *session.Session) map[string]any {
	return map[string]any{
		"token":           plainToken,
		"class":           string(sess.Class),
		"expires_at":      sess.ExpiresAt.Format(time.RFC3339),
		"allowed_secrets": sess.AllowedSecrets,
	}
}

// peerClientID derives the rate-limit identity from transport-established
// facts, before any authentication has run.
func peerClientID(peer Peer) string {
	switch peer.Transport {
	case TransportLocal:
		return fmt.Sprintf("pid:%d", peer.PID)
	case TransportRemote:
		if len(peer.Certificates) > 0 {
			return peer.Certificates[0].Subject.CommonName
		}
	}
	return "unknown"
}
