// Package coreerr defines the typed error taxonomy shared by every component
// of the detection and response pipeline. Each error carries a Kind that
// determines how callers must react: some kinds are always fatal to the
// component that raised them, some are retryable, some only invalidate a
// single unit of work (one event, one policy, one directive).
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies a CoreError by the failure category it represents.
type Kind string

const (
	// KindIntegrity covers signature, hash, or chain-of-trust verification
	// failures. Always fail-closed; never retried with the same input.
	KindIntegrity Kind = "Integrity"

	// KindReplay covers nonce reuse or sequence-number regression.
	KindReplay Kind = "Replay"

	// KindContract covers malformed envelopes, schema-version mismatches,
	// and violations of the external wire-format contract.
	KindContract Kind = "Contract"

	// KindPolicy covers policy-load and policy-evaluation failures, including
	// version rollback and signature verification of policy documents.
	KindPolicy Kind = "Policy"

	// KindCapacity covers bounded-resource exhaustion: queue full, ring
	// buffer full, rate limit exceeded, blast-radius cap exceeded.
	KindCapacity Kind = "Capacity"

	// KindInvariant covers violations of the correlator's kill-chain
	// invariants: stage skip without evidence, confidence increase without
	// a new signal, detection without the minimum signal set.
	KindInvariant Kind = "Invariant"

	// KindRollback covers failures during reverse-order undo of a directive's
	// enforcement actions.
	KindRollback Kind = "Rollback"

	// KindExternal covers failures of collaborating systems: agent
	// unreachable, ack timeout, external resource governor unavailable.
	KindExternal Kind = "External"
)

// Retryable reports whether a failure of this kind may be retried with
// backoff without violating fail-closed semantics.
func (k Kind) Retryable() bool {
	switch k {
	case KindExternal, KindCapacity:
		return true
	default:
		return false
	}
}

// Fatal reports whether a failure of this kind should halt the owning
// component rather than merely failing the unit of work in progress.
func (k Kind) Fatal() bool {
	switch k {
	case KindIntegrity, KindInvariant:
		return true
	default:
		return false
	}
}

// CoreError is the structured error type returned across all internal
// component boundaries.
type CoreError struct {
	Kind    Kind
	Op      string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value detail and returns the same error for chaining.
func (e *CoreError) WithDetail(key string, value any) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a CoreError with no wrapped cause.
func New(kind Kind, op, message string) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: message}
}

// Wrap creates a CoreError that wraps an existing error.
func Wrap(kind Kind, op, message string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Message: message, Err: err}
}

// Is lets errors.Is match on Kind when comparing against a sentinel CoreError.
func (e *CoreError) Is(target error) bool {
	var other *CoreError
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// Of reports whether the first CoreError found in err's chain (the outermost
// one) has the given kind. CoreErrors wrapped deeper in the chain are not
// examined.
func Of(err error, kind Kind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Get extracts the CoreError from an error chain, if present.
func Get(err error) *CoreError {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// Constructors for each kind, mirroring the shape of the narrower
// operational error helpers used elsewhere in this module.

func Integrity(op string, err error) *CoreError {
	return Wrap(KindIntegrity, op, "integrity verification failed", err)
}

func IntegrityMsg(op, message string) *CoreError {
	return New(KindIntegrity, op, message)
}

func Replay(op string, nonce string) *CoreError {
	return New(KindReplay, op, "nonce or sequence number already observed").WithDetail("nonce", nonce)
}

func Contract(op, reason string) *CoreError {
	return New(KindContract, op, reason)
}

func Policy(op string, err error) *CoreError {
	return Wrap(KindPolicy, op, "policy operation failed", err)
}

func PolicyMsg(op, message string) *CoreError {
	return New(KindPolicy, op, message)
}

func Capacity(op, resource string) *CoreError {
	return New(KindCapacity, op, "capacity exhausted").WithDetail("resource", resource)
}

func Invariant(op, reason string) *CoreError {
	return New(KindInvariant, op, reason)
}

func Rollback(op string, err error) *CoreError {
	return Wrap(KindRollback, op, "rollback failed", err)
}

func External(op string, err error) *CoreError {
	return Wrap(KindExternal, op, "external dependency failed", err)
}
