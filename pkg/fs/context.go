package fs

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
)

type contextKey string

var workingDirKey contextKey = "urifs/cwd"

// WithWorkingDir returns a context carrying the URI relative paths resolve
// against.
func WithWorkingDir(ctx context.Context, dir *url.URL) context.Context {
	return context.WithValue(ctx, workingDirKey, dir)
}

// WorkingDir extracts the working directory from ctx, falling back to the
// process working directory as a file URL.
func WorkingDir(ctx context.Context) *url.URL {
	if v, ok := LookupWorkingDir(ctx); ok {
		return v
	}
	return ProcessWorkingDir()
}

// LookupWorkingDir reports the working directory set on ctx, if any.
func LookupWorkingDir(ctx context.Context) (*url.URL, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(workingDirKey).(*url.URL)
	return v, ok && v != nil
}

// ProcessWorkingDir returns the process working directory as a file URL
// with a trailing slash.
func ProcessWorkingDir() *url.URL {
	dir, err := os.Getwd()
	if err != nil {
		dir = "/"
	}
	p := filepath.ToSlash(dir)
	if len(p) > 1 && p[1] == ':' {
		p = "/" + p
	}
	if p[len(p)-1] != '/' {
		p += "/"
	}
	return &url.URL{Scheme: "file", Path: p}
}
