// Package result aggregates the per-source outcomes of batch operations.
package result

import (
	"context"
	"io"
	"net/url"

	"github.com/jacktea/urifs/pkg/fs"
)

// Entry is the outcome for one source. Target is set for copy and move.
type Entry[T any] struct {
	Source *url.URL
	Target *url.URL
	Value  T
	Err    error
}

// Result collects entries in the order they were added. A fatal error
// means the batch was rejected before any per-source work ran.
type Result[T any] struct {
	fatal   error
	entries []Entry[T]
}

func New[T any]() *Result[T] { return &Result[T]{} }

// Fail returns a result carrying only a fatal error.
func Fail[T any](err error) *Result[T] {
	return &Result[T]{fatal: err}
}

func (r *Result[T]) Add(source *url.URL, value T) *Result[T] {
	r.entries = append(r.entries, Entry[T]{Source: source, Value: value})
	return r
}

func (r *Result[T]) AddTarget(source, target *url.URL, value T) *Result[T] {
	r.entries = append(r.entries, Entry[T]{Source: source, Target: target, Value: value})
	return r
}

func (r *Result[T]) AddError(source *url.URL, err error) *Result[T] {
	r.entries = append(r.entries, Entry[T]{Source: source, Err: err})
	return r
}

func (r *Result[T]) AddTargetError(source, target *url.URL, err error) *Result[T] {
	r.entries = append(r.entries, Entry[T]{Source: source, Target: target, Err: err})
	return r
}

func (r *Result[T]) SetFatal(err error) *Result[T] {
	r.fatal = err
	return r
}

// Success reports whether there is no fatal error and every entry succeeded.
func (r *Result[T]) Success() bool {
	return r.FirstError() == nil
}

// FirstError returns the fatal error, or the error of the first failed entry.
func (r *Result[T]) FirstError() error {
	if r.fatal != nil {
		return r.fatal
	}
	for _, e := range r.entries {
		if e.Err != nil {
			return e.Err
		}
	}
	return nil
}

func (r *Result[T]) Fatal() error { return r.fatal }

func (r *Result[T]) Entries() []Entry[T] { return r.entries }

// Values returns the values of successful entries.
func (r *Result[T]) Values() []T {
	out := make([]T, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Err == nil {
			out = append(out, e.Value)
		}
	}
	return out
}

// Errors returns the per-entry errors, preceded by the fatal one.
func (r *Result[T]) Errors() []error {
	var out []error
	if r.fatal != nil {
		out = append(out, r.fatal)
	}
	for _, e := range r.entries {
		if e.Err != nil {
			out = append(out, e.Err)
		}
	}
	return out
}

func (r *Result[T]) Len() int { return len(r.entries) }

// FailureCount counts failed entries, plus one for a fatal error.
func (r *Result[T]) FailureCount() int {
	n := 0
	if r.fatal != nil {
		n++
	}
	for _, e := range r.entries {
		if e.Err != nil {
			n++
		}
	}
	return n
}

// Input opens a source lazily.
type Input struct {
	URI  *url.URL
	open func(ctx context.Context) (io.ReadCloser, error)
}

func NewInput(u *url.URL, open func(ctx context.Context) (io.ReadCloser, error)) Input {
	return Input{URI: u, open: open}
}

func (i Input) Open(ctx context.Context) (io.ReadCloser, error) { return i.open(ctx) }

// Output opens a target lazily, truncating or appending.
type Output struct {
	URI  *url.URL
	open func(ctx context.Context, appending bool) (io.WriteCloser, error)
}

func NewOutput(u *url.URL, open func(ctx context.Context, appending bool) (io.WriteCloser, error)) Output {
	return Output{URI: u, open: open}
}

func (o Output) Create(ctx context.Context) (io.WriteCloser, error) { return o.open(ctx, false) }
func (o Output) Append(ctx context.Context) (io.WriteCloser, error) { return o.open(ctx, true) }

type (
	CopyResult    = Result[*url.URL]
	MoveResult    = Result[*url.URL]
	DeleteResult  = Result[struct{}]
	CreateResult  = Result[struct{}]
	ListResult    = Result[[]fs.Info]
	InfoResult    = Result[*fs.Info]
	ResolveResult = Result[[]*url.URL]
	ReadResult    = Result[Input]
	WriteResult   = Result[Output]
)
