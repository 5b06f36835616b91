package s3

import (
	"context"

	"github.com/spf13/cast"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/vfs"
)

// Scheme is the URI scheme served by this package.
const Scheme = "s3"

// Handler serves every operation on s3 URIs except FILE.
type Handler struct {
	*vfs.FS
	prim *Primitive
}

var _ fs.Handler = (*Handler)(nil)

func NewHandler(cfg Config) *Handler {
	prim := NewPrimitive(cfg)
	return &Handler{FS: vfs.New(prim), prim: prim}
}

func (h *Handler) CanPerform(op fs.Operation) bool {
	return op.Kind != fs.OpFile && op.SameScheme(Scheme)
}

func (h *Handler) Priority(fs.Operation) int { return fs.TopPriority }

// Close releases the cached clients.
func (h *Handler) Close() error { return h.prim.Close() }

// ConfigFromMap reads driver settings: secure, region, path_style,
// part_size, client_cache and an optional connections store.
func ConfigFromMap(m map[string]any) Config {
	cfg := Config{
		Secure:      cast.ToBool(m["secure"]),
		Region:      cast.ToString(m["region"]),
		PathStyle:   cast.ToBool(m["path_style"]),
		PartSize:    cast.ToInt(m["part_size"]),
		ClientCache: cast.ToInt(m["client_cache"]),
	}
	if s, ok := m["connections"].(connstore.Store); ok {
		cfg.Store = s
	}
	return cfg
}

func init() {
	fs.RegisterDriver(Scheme, func(_ context.Context, m map[string]any) (fs.Handler, error) {
		return NewHandler(ConfigFromMap(m)), nil
	})
}
