// Package apperr defines the error taxonomy shared by every wirebot component.
// Callers match with errors.Is; typed errors carry diagnostics.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Input shape problems. Never mutate state.
	ErrValidation    = errors.New("validation failed")
	ErrNameCollision = errors.New("client name already exists")
	ErrNotFound      = errors.New("not found")

	// Authorization.
	ErrNotOwner     = errors.New("operation requires the bot owner")
	ErrUnauthorized = errors.New("operator is not authorized")
	ErrRevoked      = errors.New("operator access has been revoked")

	// Policy rejections.
	ErrQuotaExceeded = errors.New("client quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")

	// External tool problems.
	ErrGatewayFailure = errors.New("lifecycle script failed")
	ErrTimedOut       = errors.New("lifecycle script timed out")
	ErrExecEnv        = errors.New("lifecycle executable unavailable")

	// Config file integrity.
	ErrParse        = errors.New("config parse error")
	ErrIO           = errors.New("config i/o error")
	ErrNotInstalled = errors.New("wireguard is not installed")

	// Backup path.
	ErrBackup         = errors.New("backup failed")
	ErrArchiveCorrupt = errors.New("backup archive corrupt")
)

// GatewayError describes a script invocation that did not produce the expected state.
type GatewayError struct {
	Kind     error // ErrGatewayFailure or ErrTimedOut
	Op       string
	ExitCode int
	Stderr   string
	Stdout   string
}

func (e *GatewayError) Error() string {
	msg := e.Stderr
	if msg == "" {
		msg = e.Stdout
	}
	if msg == "" {
		return fmt.Sprintf("%s: %v (exit %d)", e.Op, e.Kind, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v (exit %d): %s", e.Op, e.Kind, e.ExitCode, msg)
}

func (e *GatewayError) Unwrap() error { return e.Kind }

// Diagnostic returns the captured tool output, stderr first.
func (e *GatewayError) Diagnostic() string {
	if e.Stderr != "" {
		return e.Stderr
	}
	return e.Stdout
}

// RateLimitError is returned when an operator exceeded its request window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Validation wraps ErrValidation with a message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
