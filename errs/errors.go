// Package errs defines the error taxonomy shared by the splitter, pack
// storage, and save driver.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrFileNotFound is returned when a backend object is absent.
	ErrFileNotFound = errors.New("backend object not found")
	// ErrFileAlreadyExists is returned on an attempted overwrite of an immutable pack.
	ErrFileAlreadyExists = errors.New("file already exists")
	// ErrFileModified is returned on optimistic concurrency failure of a ref CAS.
	ErrFileModified = errors.New("ref was modified concurrently")
	// ErrConfig is returned for a missing required config key or a malformed one.
	ErrConfig = errors.New("config error")
)

// IntegrityError signals MAC failure, magic mismatch, a wrong filetype
// byte, or an oversized vuint. It carries the pack/offset of the object
// being read so a MAC failure can be diagnosed, per spec.
type IntegrityError struct {
	Pack   string
	Offset int64
	Reason string
	cause  error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error in %s at offset %d: %s", e.Pack, e.Offset, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.cause }

// NewIntegrityError builds an IntegrityError, wrapping cause with a stack
// trace via github.com/pkg/errors so the failure can be diagnosed later.
func NewIntegrityError(pack string, offset int64, reason string, cause error) *IntegrityError {
	return &IntegrityError{
		Pack:   pack,
		Offset: offset,
		Reason: reason,
		cause:  errors.WithStack(cause),
	}
}

// SourceIOError wraps a per-file read failure encountered while walking
// the index. It is non-fatal to the overall save: the entry is skipped
// and its ancestor tree is invalidated so it is retried on the next run.
type SourceIOError struct {
	Path  string
	cause error
}

func (e *SourceIOError) Error() string {
	return fmt.Sprintf("source read error for %s: %v", e.Path, e.cause)
}

func (e *SourceIOError) Unwrap() error { return e.cause }

// NewSourceIOError wraps cause as a SourceIOError for path.
func NewSourceIOError(path string, cause error) *SourceIOError {
	return &SourceIOError{Path: path, cause: errors.WithStack(cause)}
}

// BackendError wraps a transport or remote-side storage failure.
type BackendError struct {
	Op    string
	cause error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error during %s: %v", e.Op, e.cause)
}

func (e *BackendError) Unwrap() error { return e.cause }

// NewBackendError wraps cause as a BackendError for operation op.
func NewBackendError(op string, cause error) *BackendError {
	return &BackendError{Op: op, cause: errors.WithStack(cause)}
}
