// Package errors provides standardized domain errors that express business intent
// rather than infrastructure details. These errors should be used by components
// and mapped to protocol error codes by the dispatcher.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors that can be used across all daemon components.
var (
	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates the request lacks valid authentication credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpired indicates a credential was valid once but is past its expiry.
	ErrExpired = errors.New("expired")

	// ErrAuthDenied indicates identity validation itself failed (process or
	// certificate checks), as opposed to a missing or unknown token.
	ErrAuthDenied = errors.New("authentication denied")

	// ErrForbidden indicates the authenticated client doesn't have permission.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited indicates the client exceeded its request quota.
	ErrRateLimited = errors.New("rate limited")

	// ErrLocked indicates the daemon is not yet serving requests.
	ErrLocked = errors.New("daemon locked")
)

// New creates a new error with the given message.
// This is a convenience wrapper around errors.New for consistency.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
// Use this to add context at each layer without losing the original error type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}
