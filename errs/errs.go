// Package errs provides structured error types and helpers for Strata components.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category raised by the coordination core.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict (version mismatch).
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates a dependency is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeBackend indicates an order-backend-side failure.
	CodeBackend Code = "backend_error"
	// CodeTimeout indicates a bounded wait elapsed without resolution.
	CodeTimeout Code = "timeout"
)

// CanonicalCode captures backend-agnostic failure categories.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalOrderNotFound indicates the referenced order does not exist at the backend.
	CanonicalOrderNotFound CanonicalCode = "order_not_found"
	// CanonicalGroupNonTerminal indicates an order group was left in a non-terminal status.
	CanonicalGroupNonTerminal CanonicalCode = "group_non_terminal"
	// CanonicalPositionMismatch indicates reconciliation found a divergent live position.
	CanonicalPositionMismatch CanonicalCode = "position_mismatch"
	// CanonicalInstanceParked indicates an instance exceeded its error ceiling.
	CanonicalInstanceParked CanonicalCode = "instance_parked"
	// CanonicalRiskRejected indicates entry admission was refused by the risk gate.
	CanonicalRiskRejected CanonicalCode = "risk_rejected"
)

// E captures structured error information produced across the Strata stack.
type E struct {
	Scope     string
	Code      Code
	Message   string
	Canonical CanonicalCode
	Metadata  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:     strings.TrimSpace(scope),
		Code:      code,
		Message:   "",
		Canonical: CanonicalUnknown,
		Metadata:  nil,
		cause:     nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsCode reports whether err or any error in its chain carries the given code.
func IsCode(err error, code Code) bool {
	for err != nil {
		if structured, ok := err.(*E); ok && structured.Code == code {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
