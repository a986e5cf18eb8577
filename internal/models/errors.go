package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies simulation failures. Transient kinds cause retries;
// every other kind is terminal for the job that raised it.
type ErrorKind string

const (
	ErrorKindValidation         ErrorKind = "validation"
	ErrorKindInvariant          ErrorKind = "invariant"
	ErrorKindOracleTransient    ErrorKind = "oracle_transient"
	ErrorKindOraclePermanent    ErrorKind = "oracle_permanent"
	ErrorKindOracleContent      ErrorKind = "oracle_content"
	ErrorKindCashAnchorMismatch ErrorKind = "cash_anchor_mismatch"
	ErrorKindCancelled          ErrorKind = "cancelled"
	ErrorKindInternal           ErrorKind = "internal"
)

// Transient reports whether a failure of this kind should be retried.
func (k ErrorKind) Transient() bool {
	return k == ErrorKindOracleTransient
}

// SimulationError carries an ErrorKind alongside a message and optional cause.
type SimulationError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SimulationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SimulationError) Unwrap() error {
	return e.Err
}

// Errf builds a SimulationError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *SimulationError {
	return &SimulationError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds a SimulationError around a cause.
func WrapErr(kind ErrorKind, err error, message string) *SimulationError {
	return &SimulationError{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the ErrorKind from an error chain, defaulting to internal.
func KindOf(err error) ErrorKind {
	var se *SimulationError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrorKindInternal
}

// JobError is the failure record persisted on a job.
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempt    int       `json:"attempt"`
}

// NewJobError captures an error as a JobError at the given attempt.
func NewJobError(err error, attempt int) *JobError {
	return &JobError{
		Kind:       KindOf(err),
		Message:    err.Error(),
		OccurredAt: time.Now(),
		Attempt:    attempt,
	}
}
