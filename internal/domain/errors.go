package domain

import (
	"errors"
	"fmt"
)

// Common errors used throughout the application.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrAuth          = errors.New("credentials rejected")
	ErrTransport     = errors.New("transport failure")
	ErrDecode        = errors.New("malformed response")
	ErrRemote        = errors.New("remote request failed")
	ErrResolution    = errors.New("ip resolution failed")
)

// APIError describes a failed call to the firewall API.
// Kind is one of the sentinel errors above and is what errors.Is matches.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	Kind       error
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// ResolutionError is returned when the current public IP cannot be determined.
type ResolutionError struct {
	Source string
	Err    error
}

// Error implements the error interface.
func (e *ResolutionError) Error() string {
	return fmt.Sprintf("%v via %s: %v", ErrResolution, e.Source, e.Err)
}

// Unwrap exposes both ErrResolution and the underlying cause.
func (e *ResolutionError) Unwrap() []error {
	return []error{ErrResolution, e.Err}
}

// Phase names a step of a reconciliation run.
type Phase string

const (
	PhaseResolveGroup Phase = "resolve_group"
	PhaseResolveIP    Phase = "resolve_ip"
	PhaseFetchRules   Phase = "fetch_rules"
	PhasePurge        Phase = "purge"
	PhaseRecreate     Phase = "recreate"
)

// ReconcileError wraps the failure that aborted a run with the phase it happened in.
type ReconcileError struct {
	Phase Phase
	Err   error
}

// Error implements the error interface.
func (e *ReconcileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReconcileError) Unwrap() error {
	return e.Err
}

// PhaseOf returns the phase a run failed in, or "" if err is not a ReconcileError.
func PhaseOf(err error) Phase {
	var rerr *ReconcileError
	if errors.As(err, &rerr) {
		return rerr.Phase
	}
	return ""
}
