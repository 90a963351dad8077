// Package authz implements the rule-based authorization engine.
//
// Rules are loaded once at startup and are read-only at request time. They are
// evaluated top to bottom; the first rule whose client pattern, secret
// patterns, and action set all match decides the outcome. Exhausting the list
// is a deny unless the default policy is explicitly configured otherwise.
package authz

import (
	"encoding/json"
	"log/slog"
	"os"
	"slices"
	"strings"

	apperrors "github.com/allisson/secretsd/internal/errors"
)

// Action is an operation class referenced by authorization rules.
type Action string

const (
	// ActionRead allows reading individual secret values.
	ActionRead Action = "read"

	// ActionList allows listing secret keys.
	ActionList Action = "list"

	// ActionReload allows reloading the secrets store from disk.
	ActionReload Action = "reload"

	// ActionRotate allows rotating the master key.
	ActionRotate Action = "rotate"
)

// Rule is one ordered authorization tuple. ClientPattern and SecretPatterns
// are glob-style ("*" matches any run of characters).
type Rule struct {
	Name           string   `json:"name"`
	ClientPattern  string   `json:"clients"`
	SecretPatterns []string `json:"secrets"`
	Actions        []Action `json:"actions"`
}

// Decision is the outcome of an authorization check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// RuleName names the rule that decided the outcome, or "no-match" when the
	// list was exhausted and the default policy applied.
	RuleName string
}

// NoMatchRule is the rule name recorded when no rule matched.
const NoMatchRule = "no-match"

// Engine evaluates requests against the ordered rule list.
type Engine struct {
	rules        []Rule
	defaultAllow bool
	logger       *slog.Logger
}

// NewEngine creates an authorization engine over the given ordered rules.
// defaultAllow should stay false (default-deny) outside of test setups.
func NewEngine(rules []Rule, defaultAllow bool, logger *slog.Logger) *Engine {
	return &Engine{rules: rules, defaultAllow: defaultAllow, logger: logger}
}

// Authorize evaluates clientID performing action on resource against the rule
// list. resource may be empty for actions that do not target a single secret
// (list, reload, rotate); an empty resource matches any rule whose other
// conditions hold.
func (e *Engine) Authorize(clientID string, action Action, resource string) Decision {
	for _, rule := range e.rules {
		if !MatchPattern(rule.ClientPattern, clientID) {
			continue
		}
		if resource != "" && !matchAnyPattern(rule.SecretPatterns, resource) {
			continue
		}
		if !slices.Contains(rule.Actions, action) {
			continue
		}

		// First match wins, allow or deny by action membership: a matching
		// rule with the action present is an allow. A rule that matches
		// client and resource but not the action falls through, which is the
		// ordered-list semantics callers rely on.
		e.logger.Debug("authorization decision",
			slog.String("client_id", clientID),
			slog.String("action", string(action)),
			slog.String("resource", resource),
			slog.String("rule", rule.Name),
			slog.Bool("allowed", true))
		return Decision{Allowed: true, RuleName: rule.Name}
	}

	e.logger.Debug("authorization decision",
		slog.String("client_id", clientID),
		slog.String("action", string(action)),
		slog.String("resource", resource),
		slog.String("rule", NoMatchRule),
		slog.Bool("allowed", e.defaultAllow))
	return Decision{Allowed: e.defaultAllow, RuleName: NoMatchRule}
}

// AllowedKeys filters keys down to those clientID may read. Used by
// list_secrets so keys outside the client's authorization are never revealed.
func (e *Engine) AllowedKeys(clientID string, keys []string) []string {
	allowed := make([]string, 0, len(keys))
	for _, key := range keys {
		if e.Authorize(clientID, ActionRead, key).Allowed {
			allowed = append(allowed, key)
		}
	}
	return allowed
}

// ReadScope returns the secret-key patterns of rules that grant clientID the
// read action. Informational scope attached to sessions at issue time; the
// engine itself remains the per-request source of truth.
func (e *Engine) ReadScope(clientID string) []string {
	var scope []string
	for _, rule := range e.rules {
		if !MatchPattern(rule.ClientPattern, clientID) {
			continue
		}
		if !slices.Contains(rule.Actions, ActionRead) {
			continue
		}
		scope = append(scope, rule.SecretPatterns...)
	}
	return scope
}

// LoadRules reads the ordered rule list from a JSON file.
func LoadRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to read rules file")
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, apperrors.Wrap(err, "failed to parse rules file")
	}

	for i := range rules {
		if rules[i].Name == "" {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "rule without a name")
		}
		if rules[i].ClientPattern == "" {
			return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "rule "+rules[i].Name+" without a client pattern")
		}
	}

	return rules, nil
}

// matchAnyPattern reports whether value matches at least one pattern.
func matchAnyPattern(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if MatchPattern(pattern, value) {
			return true
		}
	}
	return false
}

// MatchPattern checks value against a glob-style pattern where "*" matches any
// run of characters (including none). Matching is case-sensitive.
//
// Examples:
//   - "*" matches anything
//   - "agent-*" matches "agent-01" but not "admin-agent"
//   - "db_*_prod" matches "db_password_prod"
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	// The leading literal must anchor at the start.
	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	// Middle literals match greedily left to right.
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, part)
		if idx < 0 {
			return false
		}
		value = value[idx+len(part):]
	}

	// The trailing literal must anchor at the end.
	return strings.HasSuffix(value, parts[len(parts)-1])
}
