package convcache

import (
	"errors"
	"fmt"
)

// Common errors for conversation cache and store operations.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrInvalidKey       = errors.New("invalid conversation key")
	ErrVersionConflict  = errors.New("conversation version conflict")
	ErrNotFound         = errors.New("conversation not found")
	ErrStoreUnavailable = errors.New("conversation store unavailable")
	ErrUnsupported      = errors.New("operation not supported by store")
)

// StoreError reports a transient failure talking to a remote store.
// It matches ErrStoreUnavailable under errors.Is.
type StoreError struct {
	Op  string // Store operation, e.g. "find_active"
	Err error  // Underlying transport error
}

// Unavailable wraps err as a transient store failure for op.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStoreUnavailable, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

// IsUnavailable reports whether err indicates a transient store failure
// that a caller may retry.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
