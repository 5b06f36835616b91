package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"

	pkgfs "github.com/jacktea/urifs/pkg/fs"
)

// Kind classifies urifs errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindTypeMismatch
	KindSameLocation
	KindNotADirectory
	KindNotEmpty
	KindUnsupported
	KindInterrupted
	KindBackend
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, xerrors.E(kind, "", "")) match on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindTypeMismatch:
		return "type mismatch"
	case KindSameLocation:
		return "same location"
	case KindNotADirectory:
		return "not a directory"
	case KindNotEmpty:
		return "directory not empty"
	case KindUnsupported:
		return "not supported"
	case KindInterrupted:
		return "interrupted"
	case KindBackend:
		return "backend error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// Errorf creates an error whose cause is a formatted message.
func Errorf(kind Kind, op, path, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// Backend wraps an opaque backend failure, keeping an existing kind when the
// error already carries one.
func Backend(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
}

// Interrupted reports ctx cancellation as a KindInterrupted error.
func Interrupted(ctx context.Context, op, path string) error {
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindInterrupted, Op: op, Path: path, Err: err}
	}
	return nil
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, pkgfs.ErrNotFound),
		errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, pkgfs.ErrNotEmpty):
		return KindNotEmpty
	case errors.Is(err, pkgfs.ErrNotDirectory):
		return KindNotADirectory
	case errors.Is(err, pkgfs.ErrNotSupported),
		errors.Is(err, errors.ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindInterrupted
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindBackend
	}
}
