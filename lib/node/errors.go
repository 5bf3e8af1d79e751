package node

import (
	"fmt"

	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the failed outcome of a client operation. It wraps the error kind
// reported by the protocol (or detected by the client itself) together with
// the operation it belongs to.
type Error struct {
	Kind common.ErrorKind // Why the operation failed
	Op   OpKind           // The failed operation
	Key  int              // Key of the operation
	ID   uuid.UUID        // Request id of the operation
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s on key %d failed (id %s): %s", e.Op, e.Key, common.ShortID(e.ID), e.Kind)
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, node.ErrStaleBlocked) works for every operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError creates a new Error for the operation op.
func NewError(kind common.ErrorKind, op OpKind, key int, id uuid.UUID) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Key:  key,
		ID:   id,
	}
}

// Sentinel errors for errors.Is
var (
	ErrStaleBlocked          = &Error{Kind: common.ErrKStaleBlocked}
	ErrCriticalWriteConflict = &Error{Kind: common.ErrKCriticalWriteConflict}
	ErrParentUnresponsive    = &Error{Kind: common.ErrKParentUnresponsive}
	ErrCriticalWriteAborted  = &Error{Kind: common.ErrKCriticalWriteAborted}
	ErrCancelled             = &Error{Kind: common.ErrKCancelled}
)
