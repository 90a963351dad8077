package dispatch

import (
	"github.com/allisson/secretsd/internal/ratelimit"
)

// Action is the closed set of protocol operations. Dispatch is an exhaustive
// switch over this type, so adding an action is a compile-time-checked change
// rather than a string-keyed lookup.
type Action int

const (
	// ActionHealth returns liveness and coarse counters without authentication.
	ActionHealth Action = iota

	// ActionAuth establishes identity and mints a token.
	ActionAuth

	// ActionRefresh rotates an active token.
	ActionRefresh

	// ActionLogout revokes the presented token.
	ActionLogout

	// ActionGetSecret reads one secret value.
	ActionGetSecret

	// ActionGetSecrets reads a batch of secret values with partial success.
	ActionGetSecrets

	// ActionListSecrets lists the secret keys the caller may read.
	ActionListSecrets

	// ActionReload reloads the secrets store from disk (admin).
	ActionReload

	// ActionRotateMaster re-encrypts the store under a new master key (admin).
	ActionRotateMaster
)

// actionNames maps wire names to actions. The reverse direction goes through
// Action.String for logging and metrics.
var actionNames = map[string]Action{
	"health":        ActionHealth,
	"auth":          ActionAuth,
	"refresh":       ActionRefresh,
	"logout":        ActionLogout,
	"get_secret":    ActionGetSecret,
	"get_secrets":   ActionGetSecrets,
	"list_secrets":  ActionListSecrets,
	"reload":        ActionReload,
	"rotate_master": ActionRotateMaster,
}

// ParseAction resolves a wire action name. ok is false for unknown names.
func ParseAction(name string) (Action, bool) {
	action, ok := actionNames[name]
	return action, ok
}

// String returns the wire name of the action.
func (a Action) String() string {
	switch a {
	case ActionHealth:
		return "health"
	case ActionAuth:
		return "auth"
	case ActionRefresh:
		return "refresh"
	case ActionLogout:
		return "logout"
	case ActionGetSecret:
		return "get_secret"
	case ActionGetSecrets:
		return "get_secrets"
	case ActionListSecrets:
		return "list_secrets"
	case ActionReload:
		return "reload"
	case ActionRotateMaster:
		return "rotate_master"
	default:
		return "unknown"
	}
}

// RequiresToken reports whether the action needs a validated session token.
// health needs nothing; auth performs first-contact identity validation.
func (a Action) RequiresToken() bool {
	switch a {
	case ActionHealth, ActionAuth:
		return false
	default:
		return true
	}
}

// RateClass returns the rate limiter class the action is accounted under.
func (a Action) RateClass() ratelimit.Class {
	switch a {
	case ActionHealth:
		return ratelimit.ClassHealth
	case ActionAuth, ActionRefresh, ActionLogout:
		return ratelimit.ClassAuth
	case ActionReload, ActionRotateMaster:
		return ratelimit.ClassAdmin
	default:
		return ratelimit.ClassRead
	}
}

// Admin reports whether the action is gated on the admin token class.
func (a Action) Admin() bool {
	return a == ActionReload || a == ActionRotateMaster
}
