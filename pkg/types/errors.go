package types

import (
	"errors"
	"fmt"
)

// Session error kinds. Each typed error below matches one of these with
// errors.Is.
var (
	ErrNotFound     = errors.New("entity not found")
	ErrIllegalState = errors.New("illegal entity state")
	ErrStaleSession = errors.New("session is closed")
	ErrCascadeCycle = errors.New("unsatisfiable insert ordering")
	ErrBackingStore = errors.New("backing store failure")
)

// Session and schema usage errors.
var (
	ErrSessionClosed     = errors.New("session is closed")
	ErrUnknownKind       = errors.New("unknown entity kind")
	ErrUnknownField      = errors.New("unknown field")
	ErrUnknownAssoc      = errors.New("unknown association")
	ErrTypeMismatch      = errors.New("type mismatch")
	ErrInvalidValue      = errors.New("invalid field value")
	ErrInvalidID         = errors.New("invalid entity ID")
	ErrInvalidDescriptor = errors.New("invalid entity descriptor")
	ErrInvalidPredicate  = errors.New("invalid predicate")
)

// NotFoundError reports that no row exists for an identity.
type NotFoundError struct {
	Key Key
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Key)
}

// Is makes errors.Is(err, ErrNotFound) hold.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFoundError returns a NotFoundError for key.
func NewNotFoundError(key Key) *NotFoundError {
	return &NotFoundError{Key: key}
}

// IllegalStateError reports an operation invoked on an entity whose
// lifecycle state forbids it.
type IllegalStateError struct {
	Op     string
	Entity string
	State  State
	Reason string
}

func (e *IllegalStateError) Error() string {
	msg := fmt.Sprintf("%s: %s is %s", e.Op, e.Entity, e.State)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is makes errors.Is(err, ErrIllegalState) hold.
func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// StaleSessionError reports lazy resolution attempted after the owning
// session closed.
type StaleSessionError struct {
	Association string
	Owner       string
}

func (e *StaleSessionError) Error() string {
	return fmt.Sprintf("resolve %s of %s: owning session is closed", e.Association, e.Owner)
}

// Is makes errors.Is(err, ErrStaleSession) hold.
func (e *StaleSessionError) Is(target error) bool { return target == ErrStaleSession }

// CascadeCycleError reports a cycle of required owning references among
// pending inserts, which no insert order can satisfy.
type CascadeCycleError struct {
	Cycle []string
}

func (e *CascadeCycleError) Error() string {
	return fmt.Sprintf("insert ordering cycle through required references: %v", e.Cycle)
}

// Is makes errors.Is(err, ErrCascadeCycle) hold.
func (e *CascadeCycleError) Is(target error) bool { return target == ErrCascadeCycle }

// BackingStoreError wraps a failure reported by the backing-store adapter.
type BackingStoreError struct {
	Op  string
	Err error
}

func (e *BackingStoreError) Error() string {
	return fmt.Sprintf("backing store %s: %v", e.Op, e.Err)
}

// Is makes errors.Is(err, ErrBackingStore) hold.
func (e *BackingStoreError) Is(target error) bool { return target == ErrBackingStore }

// Unwrap returns the adapter error.
func (e *BackingStoreError) Unwrap() error { return e.Err }

// NewBackingStoreError wraps err unless it already is a BackingStoreError.
func NewBackingStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	var bse *BackingStoreError
	if errors.As(err, &bse) {
		return err
	}
	return &BackingStoreError{Op: op, Err: err}
}

// IsNotFound reports whether err is or wraps a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsIllegalState reports whether err is or wraps an IllegalStateError.
func IsIllegalState(err error) bool { return errors.Is(err, ErrIllegalState) }

// IsStaleSession reports whether err is or wraps a StaleSessionError.
func IsStaleSession(err error) bool { return errors.Is(err, ErrStaleSession) }

// IsCascadeCycle reports whether err is or wraps a CascadeCycleError.
func IsCascadeCycle(err error) bool { return errors.Is(err, ErrCascadeCycle) }

// IsBackingStore reports whether err is or wraps a BackingStoreError.
func IsBackingStore(err error) bool { return errors.Is(err, ErrBackingStore) }
