package triplestore

import (
	"context"
	"errors"
	"fmt"
)

// Code classifies a StoreError for callers that need to branch on failure
// kind rather than match a specific sentinel (spec.md §6's error
// taxonomy).
type Code string

const (
	CodeNotFound         Code = "NotFound"
	CodeAlreadyExists    Code = "AlreadyExists"
	CodeInvalidArgument  Code = "InvalidArgument"
	CodeThrottled        Code = "Throttled"
	CodeTransient        Code = "Transient"
	CodeConflict         Code = "Conflict"
	CodeResourceExhausted Code = "ResourceExhausted"
	CodeCancelled        Code = "Cancelled"
	CodeTimeout          Code = "Timeout"
	CodeInternal         Code = "Internal"
)

// Sentinel errors callers can match with errors.Is, each paired with the
// Code a StoreError carrying it reports.
var (
	ErrNotFound         = errors.New("triplestore: not found")
	ErrAlreadyExists    = errors.New("triplestore: already exists")
	ErrInvalidArgument  = errors.New("triplestore: invalid argument")
	ErrStoreClosed      = errors.New("triplestore: store is closed")
	ErrResourceExhausted = errors.New("triplestore: resource exhausted")
	ErrConflict         = errors.New("triplestore: lock contention")
)

// StoreError wraps a failure with the operation that produced it and the
// taxonomy code callers switch on, per spec.md §6/§7.
type StoreError struct {
	Op   string
	Code Code
	Err  error
}

func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("triplestore: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("triplestore: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return errors.Is(e.Err, target) }

// wrapError classifies err's Code from what it wraps and attaches op. A
// nil err passes through unchanged.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return &StoreError{Op: op, Code: existing.Code, Err: err}
	}
	return &StoreError{Op: op, Code: classify(err), Err: err}
}

// newError constructs a StoreError directly from a code, for call sites
// that detect the failure kind themselves rather than reclassifying a
// wrapped error (invalid argument checks, not-found lookups).
func newError(op string, code Code, err error) error {
	return &StoreError{Op: op, Code: code, Err: err}
}

func classify(err error) Code {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}
