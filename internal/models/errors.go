package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for store-level facts. Repositories return these
// (optionally wrapped) and services translate them for callers.
var (
	// ErrNotFound signals that a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateShareNumber signals that an acquisition targets a share
	// number that is already active within the structure.
	ErrDuplicateShareNumber = errors.New("share number already active in structure")
)

// ValidationError reports malformed caller-supplied data. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// InvalidTransferRequest reports a failed ownership precondition on a
// cession: a share is terminated, missing, or not owned by the cedant, or
// the cedant and cessionnaire are the same person. Never retried.
type InvalidTransferRequest struct {
	Reason string
}

func (e *InvalidTransferRequest) Error() string {
	return fmt.Sprintf("invalid transfer request: %s", e.Reason)
}

// StructureResolutionConflict reports that a record does not resolve to
// exactly one structure: either the legacy dual fields are ambiguous, or
// the shares of one transfer disagree on their structure. Such records are
// surfaced for manual review, not dropped.
type StructureResolutionConflict struct {
	LegacyGfa   int64
	LegacyAutre int64
	Detail      string
}

func (e *StructureResolutionConflict) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("structure resolution conflict: %s", e.Detail)
	}
	return fmt.Sprintf("structure resolution conflict: gfa=%d autre=%d", e.LegacyGfa, e.LegacyAutre)
}

// ConcurrencyConflict reports a transaction serialization failure. It is
// retryable: the service retries a bounded number of times before
// surfacing it as a transient failure.
type ConcurrencyConflict struct {
	Attempts int
	Err      error
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConcurrencyConflict) Unwrap() error { return e.Err }

// IntegrityViolation reports that committing would break a ledger
// invariant. It always indicates a defect or inconsistent legacy data; it
// aborts the transaction and is never swallowed.
type IntegrityViolation struct {
	Invariant string
	Detail    string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation (%s): %s", e.Invariant, e.Detail)
}
