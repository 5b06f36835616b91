package localfs

import (
	"context"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/vfs"
)

// Scheme names served by this package.
const (
	SchemeFile = "file"
	SchemeMem  = "mem"
)

// Handler serves one scheme from a billy filesystem. It claims every
// operation on its scheme, and copy and move only within it.
type Handler struct {
	*vfs.FS
	scheme string
	prim   *Primitive
}

var _ fs.Handler = (*Handler)(nil)

// NewHandler serves scheme from bfs.
func NewHandler(scheme string, bfs billy.Filesystem, native bool) *Handler {
	prim := NewPrimitive(bfs, native)
	return &Handler{FS: vfs.New(prim), scheme: scheme, prim: prim}
}

// NewLocal serves the file scheme from the operating system root.
func NewLocal() *Handler {
	return NewHandler(SchemeFile, osfs.New("/"), true)
}

// NewMemory serves the mem scheme from a fresh in-memory filesystem.
func NewMemory() *Handler {
	return NewHandler(SchemeMem, memfs.New(), false)
}

// Scheme returns the scheme the handler serves.
func (h *Handler) Scheme() string { return h.scheme }

// Filesystem exposes the underlying billy filesystem.
func (h *Handler) Filesystem() billy.Filesystem { return h.prim.Filesystem() }

func (h *Handler) CanPerform(op fs.Operation) bool {
	if op.Kind == fs.OpFile && !h.prim.native {
		return false
	}
	return op.SameScheme(h.scheme)
}

func (h *Handler) Priority(fs.Operation) int { return fs.TopPriority }

func init() {
	fs.RegisterDriver(SchemeFile, func(context.Context, map[string]any) (fs.Handler, error) {
		return NewLocal(), nil
	})
	fs.RegisterDriver(SchemeMem, func(context.Context, map[string]any) (fs.Handler, error) {
		return NewMemory(), nil
	})
}
