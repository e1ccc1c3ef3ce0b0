package files

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no record exists for an identifier.
	ErrNotFound = errors.New("file not found")

	// ErrBlobMissing is returned when a record exists but its bytes are gone.
	// It matches ErrNotFound with errors.Is.
	ErrBlobMissing = fmt.Errorf("%w: blob missing", ErrNotFound)

	// ErrOutsideRoot is returned for local paths that resolve outside the
	// storage root.
	ErrOutsideRoot = errors.New("path outside storage root")

	// ErrStorage marks backend and repository I/O failures.
	ErrStorage = errors.New("storage failure")
)

// ValidationError reports the constraint an upload violated.
type ValidationError struct {
	Constraint string
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Constraint, e.Message)
}

// StorageError wraps a failed backend or repository operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// InconsistencyError is returned when only one of the blob and the record
// was written or removed. BlobDone and RecordDone tell which half succeeded.
type InconsistencyError struct {
	Op         string
	ID         string
	StoredName string
	BlobDone   bool
	RecordDone bool
	Err        error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s %s left inconsistent (blob done: %t, record done: %t): %v",
		e.Op, e.ID, e.BlobDone, e.RecordDone, e.Err)
}

func (e *InconsistencyError) Unwrap() error {
	return e.Err
}
