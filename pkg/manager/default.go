package manager

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/vfs"
	"github.com/jacktea/urifs/pkg/wildcard"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// DefaultHandler is registered at the bottom priority. It copies and moves
// between any two schemes and resolves wildcards for any scheme, driving
// the generic algorithms with each path's own handler.
type DefaultHandler struct {
	*vfs.FS
	prim *dispatch
}

var _ fs.Handler = (*DefaultHandler)(nil)

func newDefaultHandler(m *Manager) *DefaultHandler {
	d := &dispatch{m: m}
	return &DefaultHandler{FS: vfs.New(d), prim: d}
}

func (h *DefaultHandler) CanPerform(op fs.Operation) bool {
	switch op.Kind {
	case fs.OpCopy, fs.OpMove, fs.OpResolve:
		return true
	}
	return false
}

func (h *DefaultHandler) Priority(fs.Operation) int { return fs.BottomPriority }

// Resolve expands pattern through the INFO and LIST handlers of its scheme.
func (h *DefaultHandler) Resolve(ctx context.Context, pattern string, _ fs.ResolveParams) ([]*url.URL, error) {
	return wildcard.Resolve(ctx, h.prim, pattern)
}

// dispatch implements fs.Primitive by routing every call to the
// highest-priority handler for the path's scheme.
type dispatch struct {
	m *Manager
}

var _ fs.Primitive = (*dispatch)(nil)

func (d *dispatch) handler(op fs.Operation) (fs.Handler, error) {
	h := d.m.reg.Find(op)
	if h == nil || h == fs.Handler(d.m.fallback) {
		return nil, unsupported(op)
	}
	return h, nil
}

func (d *dispatch) Info(ctx context.Context, u *url.URL) (*fs.Info, error) {
	h, err := d.handler(fs.InfoOp(u.Scheme))
	if err != nil {
		return nil, err
	}
	return h.Info(ctx, u, fs.InfoParams{})
}

func (d *dispatch) create(ctx context.Context, u *url.URL, p fs.CreateParams) error {
	h, err := d.handler(fs.CreateOp(u.Scheme))
	if err != nil {
		return err
	}
	return h.Create(ctx, u, p)
}

func (d *dispatch) CreateFile(ctx context.Context, u *url.URL) error {
	return d.create(ctx, u, fs.CreateParams{Dir: fs.Bool(false)})
}

func (d *dispatch) MakeDir(ctx context.Context, u *url.URL) error {
	return d.create(ctx, u, fs.CreateParams{Dir: fs.Bool(true)})
}

func (d *dispatch) SetLastModified(ctx context.Context, u *url.URL, t time.Time) error {
	return d.create(ctx, u, fs.CreateParams{LastModified: t})
}

func (d *dispatch) delete(ctx context.Context, u *url.URL) error {
	h, err := d.handler(fs.DeleteOp(u.Scheme))
	if err != nil {
		return err
	}
	return h.Delete(ctx, u, fs.DeleteParams{})
}

func (d *dispatch) DeleteFile(ctx context.Context, u *url.URL) error { return d.delete(ctx, u) }
func (d *dispatch) RemoveDir(ctx context.Context, u *url.URL) error  { return d.delete(ctx, u) }

// RenameTo never renames; the generic move then copies and deletes.
func (d *dispatch) RenameTo(context.Context, *url.URL, *url.URL) error {
	return fs.ErrNotSupported
}

// CopyFile streams source into target through the READ and WRITE handlers.
func (d *dispatch) CopyFile(ctx context.Context, source, target *url.URL) error {
	r, err := d.Read(ctx, source)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := d.Write(ctx, target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: r}); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (d *dispatch) Read(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	h, err := d.handler(fs.ReadOp(u.Scheme))
	if err != nil {
		return nil, err
	}
	return h.Read(ctx, u, fs.ReadParams{})
}

func (d *dispatch) write(ctx context.Context, u *url.URL, appending bool) (io.WriteCloser, error) {
	h, err := d.handler(fs.WriteOp(u.Scheme))
	if err != nil {
		return nil, err
	}
	return h.Write(ctx, u, fs.WriteParams{Append: appending})
}

func (d *dispatch) Write(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return d.write(ctx, u, false)
}

func (d *dispatch) Append(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return d.write(ctx, u, true)
}

func (d *dispatch) List(ctx context.Context, u *url.URL) ([]fs.Info, error) {
	h, err := d.handler(fs.ListOp(u.Scheme))
	if err != nil {
		return nil, err
	}
	return h.List(ctx, u, fs.ListParams{})
}

// ctxReader stops a stream copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, xerrors.Wrap(xerrors.KindInterrupted, "copy", "", err)
	}
	return c.r.Read(p)
}
