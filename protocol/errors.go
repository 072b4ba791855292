package protocol

import (
	"errors"
	"fmt"
)

// FailureKind classifies why a session ended in Failed.
type FailureKind string

const (
	KindInvalidInput       FailureKind = "invalid_input"
	KindEntropyUnavailable FailureKind = "entropy_unavailable"
	KindCommitFailed       FailureKind = "commit_failed"
	KindRevealFailed       FailureKind = "reveal_failed"
	KindConsistencyFault   FailureKind = "consistency_fault"
)

// RetryAdvice tells the caller what a safe retry looks like.
type RetryAdvice string

const (
	// RetryFromScratch: nothing is on the ledger, start a new session.
	RetryFromScratch RetryAdvice = "retry_from_scratch"
	// RetryRevealOnly: the commitment is on the ledger; retry the reveal with
	// the same salt and never recommit.
	RetryRevealOnly RetryAdvice = "retry_reveal_only"
	DoNotRetry      RetryAdvice = "do_not_retry"
)

// Advice maps a failure kind onto its retry advice.
func (k FailureKind) Advice() RetryAdvice {
	switch k {
	case KindEntropyUnavailable, KindCommitFailed:
		return RetryFromScratch
	case KindRevealFailed:
		return RetryRevealOnly
	default:
		return DoNotRetry
	}
}

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEntropyUnavailable = errors.New("entropy unavailable")
	ErrCommitFailed       = errors.New("commit failed")
	ErrRevealFailed       = errors.New("reveal failed")
	ErrConsistencyFault   = errors.New("consistency fault")
)

var kindSentinels = map[FailureKind]error{
	KindInvalidInput:       ErrInvalidInput,
	KindEntropyUnavailable: ErrEntropyUnavailable,
	KindCommitFailed:       ErrCommitFailed,
	KindRevealFailed:       ErrRevealFailed,
	KindConsistencyFault:   ErrConsistencyFault,
}

// Error is the terminal failure of a session.
type Error struct {
	Kind    FailureKind `json:"kind"`
	Phase   Phase       `json:"phase"`
	Message string      `json:"message"`
	Cause   error       `json:"-"`
}

func newError(kind FailureKind, phase Phase, message string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Message: message, Cause: cause}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel for e.Kind, so errors.Is(err, ErrRevealFailed)
// works on any session failure.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// Advice is shorthand for e.Kind.Advice().
func (e *Error) Advice() RetryAdvice {
	return e.Kind.Advice()
}

// AsError extracts a session failure from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
