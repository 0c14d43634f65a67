// Package svcerr provides the registry service's unified error kinds (§7).
package svcerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from spec §7.
type Kind string

const (
	AllocationExhausted Kind = "ALLOCATION_EXHAUSTED"
	DuplicateRegistration Kind = "DUPLICATE_REGISTRATION"
	Timeout               Kind = "TIMEOUT"
	PayloadDecodeError    Kind = "PAYLOAD_DECODE_ERROR"
	TransportUnavailable  Kind = "TRANSPORT_UNAVAILABLE"
	InvariantViolation    Kind = "INVARIANT_VIOLATION"
	OperatorError         Kind = "OPERATOR_ERROR"
)

// RegistryError is a structured, classified error.
type RegistryError struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.As/errors.Is.
func (e *RegistryError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a diagnostic key/value and returns the same error.
func (e *RegistryError) WithDetail(key string, value any) *RegistryError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an unwrapped RegistryError.
func New(kind Kind, message string) *RegistryError {
	return &RegistryError{Kind: kind, Message: message}
}

// Wrap builds a RegistryError around an underlying cause.
func Wrap(kind Kind, message string, err error) *RegistryError {
	return &RegistryError{Kind: kind, Message: message, Err: err}
}

// Constructors matching each of spec §7's error kinds.

func NewAllocationExhausted(kind string) *RegistryError {
	return New(AllocationExhausted, "no free identifier slots").WithDetail("kind", kind)
}

func NewDuplicateRegistration(tempID, reusedID string) *RegistryError {
	return New(DuplicateRegistration, "registration reused an existing identifier").
		WithDetail("tempId", tempID).WithDetail("reusedId", reusedID)
}

func NewTimeout(operation string) *RegistryError {
	return New(Timeout, "operation timed out").WithDetail("operation", operation)
}

func NewPayloadDecodeError(envelopeType string, err error) *RegistryError {
	return Wrap(PayloadDecodeError, "payload decode failed", err).WithDetail("type", envelopeType)
}

func NewTransportUnavailable(transport string, err error) *RegistryError {
	return Wrap(TransportUnavailable, "transport unavailable", err).WithDetail("transport", transport)
}

func NewInvariantViolation(invariant, detail string) *RegistryError {
	return New(InvariantViolation, detail).WithDetail("invariant", invariant)
}

func NewOperatorError(command string, err error) *RegistryError {
	return Wrap(OperatorError, "command failed", err).WithDetail("command", command)
}

// IsKind reports whether err (or a cause in its chain) is a RegistryError
// of the given kind.
func IsKind(err error, kind Kind) bool {
	var re *RegistryError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}

// As extracts a *RegistryError from an error chain, if present.
func As(err error) (*RegistryError, bool) {
	var re *RegistryError
	ok := errors.As(err, &re)
	return re, ok
}

// RemediationHint returns an operator-facing suggestion for a given kind,
// used by the console to print actionable guidance (§7 "user-visible behavior").
func RemediationHint(kind Kind) string {
	switch kind {
	case AllocationExhausted:
		return "free an identifier slot (evict a dead node) or raise the instance range"
	case DuplicateRegistration:
		return "no action needed; the existing identifier was reused"
	case Timeout:
		return "retry the request; check transport connectivity"
	case PayloadDecodeError:
		return "check sender's envelope schema; message was dropped or handled as a tolerant tree"
	case TransportUnavailable:
		return "transport is reconnecting with backoff; state is retained in memory"
	case InvariantViolation:
		return "operation rejected to protect registry state; inspect the referenced invariant"
	case OperatorError:
		return "check command syntax with `help`"
	default:
		return ""
	}
}
