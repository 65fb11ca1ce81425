// Package driver implements the Driver Gateway (spec.md §4.5/§6.4): it
// delegates execution start to a RunnerDriver adapter chosen by the
// runner's type, wrapping every call in a per-type circuit breaker and a
// bounded retry budget.
package driver

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/teo/pkg/models"
)

// ErrorKind classifies a driver failure per spec.md §6.4/§7.
type ErrorKind string

// Driver error kinds.
const (
	ErrBadRequest   ErrorKind = "bad_request"
	ErrUnauthorized ErrorKind = "unauthorized"
	ErrUnavailable  ErrorKind = "unavailable"
	ErrTransient    ErrorKind = "transient"
)

// Error is the classified failure a RunnerDriver returns. The Gateway
// retries Unavailable/Transient and finalizes the execution as an
// External-Permanent failure on BadRequest/Unauthorized.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("driver: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("driver: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Gateway should retry this failure.
func (e *Error) Retryable() bool {
	return e.Kind == ErrUnavailable || e.Kind == ErrTransient
}

// Reason returns the terminal-finalize reason string for this error kind.
func (e *Error) Reason() string {
	return "driver_" + string(e.Kind)
}

// StartRequest is everything a RunnerDriver needs to dispatch one
// execution to one runner, per the §6.4 contract.
type StartRequest struct {
	ExecutionID string
	Runner      models.Runner
	ShardCount  int
	WebhookURL  string
	Secret      string
	Suite       string
	Environment string
	Metadata    map[string]any
}

// RunnerDriver is the adapter extension point. Implementations exist for
// docker, github-actions, queue (AMQP), and a generic http fallback.
type RunnerDriver interface {
	// Type is the runner.Type this adapter serves (e.g. "docker").
	Type() string

	// Start dispatches req to the runner. Returns nil on acceptance, or a
	// *Error classifying the failure.
	Start(ctx context.Context, req StartRequest) error

	// Cancel is best-effort: the runner may have already finished or may
	// not support cancellation at all.
	Cancel(ctx context.Context, executionID string, runner models.Runner)
}
