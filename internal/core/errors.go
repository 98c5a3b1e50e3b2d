package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run errors by how far they propagate.
type ErrorKind string

const (
	// KindFatalConfig aborts the run before any remote write.
	KindFatalConfig ErrorKind = "fatal_config"
	// KindFatalRemote aborts the run because the target table is unusable.
	KindFatalRemote ErrorKind = "fatal_remote"
	// KindRowFailure fails a single row; the run continues.
	KindRowFailure ErrorKind = "row_failure"
	// KindCellWarning degrades a single cell to empty; the row continues.
	KindCellWarning ErrorKind = "cell_warning"
)

// RunError wraps an error with its kind and a human-friendly message.
type RunError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *RunError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *RunError) Unwrap() error { return e.Err }

// Wrap returns a RunError of the given kind around err.
func Wrap(kind ErrorKind, msg string, err error) *RunError {
	return &RunError{Kind: kind, Message: msg, Err: err}
}

// Errorf returns a RunError of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the first RunError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

// IsFatal reports whether err must abort the whole run.
func IsFatal(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindFatalConfig || kind == KindFatalRemote)
}

// RemoteErrorKind classifies failures reported by the remote client.
type RemoteErrorKind string

const (
	RemoteTransient           RemoteErrorKind = "transient"
	RemotePermanent           RemoteErrorKind = "permanent"
	RemoteNotFound            RemoteErrorKind = "not_found"
	RemoteExtensionNotAllowed RemoteErrorKind = "extension_not_allowed"
	RemoteUploadFailed        RemoteErrorKind = "upload_failed"
)

// RemoteError is returned by [Remote] implementations.
type RemoteError struct {
	Kind   RemoteErrorKind
	Op     string
	Status int // HTTP status when known
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a remote failure that is safe to retry.
func IsTransient(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == RemoteTransient
}

// IsRemoteKind reports whether err is a remote failure of the given kind.
func IsRemoteKind(err error, kind RemoteErrorKind) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == kind
}

// Conversion failures.
var (
	ErrNotNumber           = errors.New("invalid number")
	ErrInvalidDate         = errors.New("invalid date")
	ErrFileNotFound        = errors.New("file not found")
	ErrExtensionNotAllowed = errors.New("extension not allowed")
)

// ConversionError is a cell that could not be converted to its column type.
type ConversionError struct {
	Column string
	Value  string
	Type   ColumnType
	Err    error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("column %q: cannot convert %q to %s: %v", e.Column, e.Value, e.Type, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// CellWarning records a non-key cell that was degraded to empty.
type CellWarning struct {
	Line   int
	Key    string
	Column string
	Err    error
}

func (w CellWarning) Error() string {
	return fmt.Sprintf("line %d: %v", w.Line, w.Err)
}

// RowFailure records a row that could not be synced.
type RowFailure struct {
	Line int
	Key  string
	Err  error
}

func (f RowFailure) Error() string {
	if f.Key != "" {
		return fmt.Sprintf("line %d (%s): %v", f.Line, f.Key, f.Err)
	}
	return fmt.Sprintf("line %d: %v", f.Line, f.Err)
}
