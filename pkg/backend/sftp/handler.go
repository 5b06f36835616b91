package sftp

import (
	"context"

	"github.com/spf13/cast"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/vfs"
)

const Scheme = "sftp"

// Handler serves every operation on sftp URIs except FILE.
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

func (h *Handler) Close() error { return h.prim.Close() }

// ConfigFromMap reads driver settings: timeout, known_hosts,
// insecure_host_key, max_idle, max_keys and an optional connections store.
func ConfigFromMap(m map[string]any) Config {
	cfg := Config{
		Timeout:               cast.ToDuration(m["timeout"]),
		KnownHosts:            cast.ToString(m["known_hosts"]),
		InsecureIgnoreHostKey: cast.ToBool(m["insecure_host_key"]),
		MaxIdle:               cast.ToInt(m["max_idle"]),
		MaxKeys:               cast.ToInt(m["max_keys"]),
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
