package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")

	// Vault backend sentinels. All three are non-fatal for credential
	// resolution; the resolver falls through to the next tier.
	ErrVaultConnection    = errors.New("vault connection")
	ErrSecretNotFound     = errors.New("secret not found")
	ErrSecretAccessDenied = errors.New("secret access denied")
)

// ErrorKind classifies execution failures across the engine, queue and API.
// The set is closed; new kinds require a schema note in deploy/migrations.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION"
	KindTimeout             ErrorKind = "TIMEOUT"
	KindCancelled           ErrorKind = "CANCELLED"
	KindNodeExecution       ErrorKind = "NODE_EXECUTION"
	KindResourceUnavailable ErrorKind = "RESOURCE_UNAVAILABLE"
	KindCredentialNotFound  ErrorKind = "CREDENTIAL_NOT_FOUND"
	KindPermissionDenied    ErrorKind = "PERMISSION_DENIED"
	KindLeaseExpired        ErrorKind = "LEASE_EXPIRED"
	KindInternal            ErrorKind = "INTERNAL"
)

// ExecError carries a classified execution failure through the engine and
// onto the job row. NodeID is empty for workflow-level failures.
type ExecError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Cause   error
}

func (e *ExecError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node=%s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error { return e.Cause }

// NewExecError builds an ExecError without a cause.
func NewExecError(kind ErrorKind, nodeID, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// WrapExecError classifies an underlying error. Existing ExecErrors pass
// through unchanged so the innermost classification wins.
func WrapExecError(kind ErrorKind, nodeID string, err error) *ExecError {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExecError{Kind: kind, NodeID: nodeID, Message: err.Error(), Cause: err}
}

// KindOf extracts the ErrorKind from err, defaulting to INTERNAL.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	switch {
	case errors.Is(err, ErrSecretNotFound):
		return KindCredentialNotFound
	case errors.Is(err, ErrSecretAccessDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return KindValidation
	}
	return KindInternal
}
