package store

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by Session methods after Commit or Rollback.
var ErrSessionClosed = errors.New("store: session already closed")

// ErrReadOnly is returned by Begin on a store opened with OpenReadOnly.
var ErrReadOnly = errors.New("store: database opened read-only")

// InvariantError reports a write that would break the trace's structural
// invariants. The enclosing session must be rolled back.
type InvariantError struct {
	// Code identifies the violated invariant.
	Code InvariantCode

	// Message is a human-readable description.
	Message string

	// UID is the instruction uid involved.
	UID uint64
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// ErrCodeUIDOrder indicates an instruction uid not greater than its
	// predecessor.
	ErrCodeUIDOrder InvariantCode = "UID_ORDER"

	// ErrCodeOrphanRow indicates a change or access for an instruction that
	// was not appended in this session.
	ErrCodeOrphanRow InvariantCode = "ORPHAN_ROW"

	// ErrCodeUIDRange indicates a uid that SQLite cannot store.
	ErrCodeUIDRange InvariantCode = "UID_RANGE"
)

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (uid=%d)", e.Code, e.Message, e.UID)
}

// IsInvariantError returns true if the error is an InvariantError.
// Uses errors.As to handle wrapped errors.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
