// Package errors defines the error taxonomy of the indexing pipeline.
// Every failure is classified by Kind, which decides whether the caller may
// retry: structural errors never retry, conflicts retry locally up to a
// limit, transient store errors defer to outer redelivery, and consistency
// violations always retry at the outer queue boundary.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an indexing failure.
type Kind int

const (
	// Structural marks malformed input: a bad bundle, a missing required
	// linked entity, an ambiguous reconciliation. Retrying without a change
	// in the input cannot succeed.
	Structural Kind = iota
	// Conflict marks an optimistic-concurrency failure. Expected and
	// routine; retried locally up to a limit.
	Conflict
	// Transient marks a store or transport failure (timeout, 5xx).
	Transient
	// Consistency marks a read of contributions that lags the write which
	// produced the triggering tally. Always retried at the outer level,
	// never tightly in-process.
	Consistency
)

func (k Kind) String() string {
	switch k {
	case Structural:
		return "structural"
	case Conflict:
		return "conflict"
	case Transient:
		return "transient"
	case Consistency:
		return "consistency"
	default:
		return "unknown"
	}
}

var (
	ErrMalformedBundle  = errors.New("malformed bundle")
	ErrMissingLink      = errors.New("missing required linked entity")
	ErrAmbiguousMerge   = errors.New("ambiguous metadata reconciliation")
	ErrVersionConflict  = errors.New("document version conflict")
	ErrStoreUnavailable = errors.New("document store unavailable")
	ErrStaleRead        = errors.New("contribution read lags tally")
	ErrWritesFailed     = errors.New("unresolved write failures")
)

// IndexError wraps a sentinel with a Kind and a contextual message.
type IndexError struct {
	Err     error
	Kind    Kind
	Message string
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel error with a kind and message.
func New(sentinel error, kind Kind, message string) *IndexError {
	return &IndexError{
		Err:     sentinel,
		Kind:    kind,
		Message: message,
	}
}

// Newf is New with a formatted message.
func Newf(sentinel error, kind Kind, format string, args ...any) *IndexError {
	return &IndexError{
		Err:     sentinel,
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// KindOf returns the Kind of err. Unclassified errors are treated as
// Transient so that redelivery, the safe default, applies.
func KindOf(err error) Kind {
	var ie *IndexError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	switch {
	case errors.Is(err, ErrMalformedBundle),
		errors.Is(err, ErrMissingLink),
		errors.Is(err, ErrAmbiguousMerge):
		return Structural
	case errors.Is(err, ErrVersionConflict):
		return Conflict
	case errors.Is(err, ErrStaleRead):
		return Consistency
	default:
		return Transient
	}
}

// Retryable reports whether a redelivery of the same operation can succeed.
// Structural failures are the only permanently fatal kind: every other step
// of the pipeline is idempotent, so redelivering after a conflict, transient
// fault, or consistency violation converges to the correct result.
func Retryable(err error) bool {
	return err != nil && KindOf(err) != Structural
}
