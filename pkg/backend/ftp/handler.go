package ftp

import (
	"context"
	"net/url"

	"github.com/spf13/cast"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/vfs"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const Scheme = "ftp"

// Finder locates the handler ordered after prev; *registry.Registry
// implements it.
type Finder interface {
	FindNext(op fs.Operation, prev fs.Handler) fs.Handler
}

// Handler serves ftp URIs. Copy and move between two servers are handed to
// the next handler for the operation, which streams between sessions.
type Handler struct {
	*vfs.FS
	prim *Primitive
	next Finder
}

var _ fs.Handler = (*Handler)(nil)

func NewHandler(cfg Config) *Handler {
	prim := NewPrimitive(cfg)
	return &Handler{FS: vfs.New(prim), prim: prim}
}

// SetFinder installs the lookup used for cross-server delegation.
func (h *Handler) SetFinder(f Finder) { h.next = f }

func (h *Handler) CanPerform(op fs.Operation) bool {
	return op.Kind != fs.OpFile && op.SameScheme(Scheme)
}

func (h *Handler) Priority(fs.Operation) int { return fs.TopPriority }

func (h *Handler) Close() error { return h.prim.Close() }

func sameServer(a, b *url.URL) bool {
	return poolKey(userOf(a), a) == poolKey(userOf(b), b)
}

func (h *Handler) delegate(op fs.Operation, source, target *url.URL) (fs.Handler, error) {
	if h.next != nil {
		if next := h.next.FindNext(op, h); next != nil {
			return next, nil
		}
	}
	return nil, xerrors.Errorf(xerrors.KindUnsupported, op.Kind.String(), source.String(), "no handler for %s between servers (target %s)", op, target)
}

func (h *Handler) Copy(ctx context.Context, source, target *url.URL, p fs.CopyParams) (*url.URL, error) {
	if sameServer(source, target) {
		return h.FS.Copy(ctx, source, target, p)
	}
	next, err := h.delegate(fs.CopyOp(source.Scheme, target.Scheme), source, target)
	if err != nil {
		return nil, err
	}
	return next.Copy(ctx, source, target, p)
}

func (h *Handler) Move(ctx context.Context, source, target *url.URL, p fs.MoveParams) (*url.URL, error) {
	if sameServer(source, target) {
		return h.FS.Move(ctx, source, target, p)
	}
	next, err := h.delegate(fs.MoveOp(source.Scheme, target.Scheme), source, target)
	if err != nil {
		return nil, err
	}
	return next.Move(ctx, source, target, p)
}

// ConfigFromMap reads driver settings: timeout, disable_epsv, max_idle,
// max_keys and an optional connections store.
func ConfigFromMap(m map[string]any) Config {
	cfg := Config{
		Timeout:     cast.ToDuration(m["timeout"]),
		DisableEPSV: cast.ToBool(m["disable_epsv"]),
		MaxIdle:     cast.ToInt(m["max_idle"]),
		MaxKeys:     cast.ToInt(m["max_keys"]),
	}
	if s, ok := m["connections"].(connstore.Store); ok {
		cfg.Store = s
	}
	return cfg
}

func init() {
	fs.RegisterDriver(Scheme, func(_ context.Context, m map[string]any) (fs.Handler, error) {
		h := NewHandler(ConfigFromMap(m))
		if f, ok := m["finder"].(Finder); ok {
			h.SetFinder(f)
		}
		return h, nil
	})
}
