// Package ftp serves the ftp scheme with pooled control connections. A
// stream opened by Read or Write keeps its connection until it is closed.
package ftp

import (
	"context"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/pool"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	defaultPort    = "21"
	defaultTimeout = 30 * time.Second
	anonymous      = "anonymous"
)

// Config configures the FTP primitive.
type Config struct {
	Timeout     time.Duration
	DisableEPSV bool
	// Store supplies credentials by authority; the context store is used
	// when nil. Without credentials the session logs in anonymously.
	Store   connstore.Store
	MaxIdle int
	MaxKeys int
	Logger  *zerolog.Logger
}

// Primitive implements fs.Primitive over FTP.
type Primitive struct {
	cfg  Config
	pool *pool.Pool[*ftp.ServerConn]

	// credentials for each pool key, recorded before the first dial
	mu   sync.Mutex
	auth map[string]connstore.Connection
}

var _ fs.Primitive = (*Primitive)(nil)

func NewPrimitive(cfg Config) *Primitive {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &Primitive{cfg: cfg, auth: make(map[string]connstore.Connection)}
	p.pool = pool.New(pool.Config[*ftp.ServerConn]{
		Dial:     p.dial,
		Close:    func(c *ftp.ServerConn) error { return c.Quit() },
		Validate: func(c *ftp.ServerConn) error { return c.NoOp() },
		Broken:   broken,
		MaxIdle:  cfg.MaxIdle,
		MaxKeys:  cfg.MaxKeys,
		Logger:   cfg.Logger,
	})
	return p
}

// Close quits every idle session.
func (p *Primitive) Close() error { return p.pool.Close() }

// broken keeps sessions that got a regular FTP reply; anything else may
// have left the control connection in an unknown state.
func broken(err error) bool {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return false
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindBackend, xerrors.KindInterrupted:
		return true
	}
	return false
}

// address returns host:port for u.
func address(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

// poolKey identifies sessions by login and address.
func poolKey(user string, u *url.URL) string {
	if user == "" {
		user = anonymous
	}
	return user + "@" + strings.ToLower(address(u))
}

func (p *Primitive) dial(ctx context.Context, key string) (*ftp.ServerConn, error) {
	p.mu.Lock()
	conn := p.auth[key]
	p.mu.Unlock()
	_, addr, _ := strings.Cut(key, "@")
	c, err := ftp.Dial(addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(p.cfg.Timeout),
		ftp.DialWithDisabledEPSV(p.cfg.DisableEPSV))
	if err != nil {
		return nil, errors.Errorf("ftp dial %s: %w", addr, err)
	}
	user, pass := conn.User, conn.Password
	if user == "" {
		user, pass = anonymous, anonymous
	}
	if err := c.Login(user, pass); err != nil {
		c.Quit()
		return nil, errors.Errorf("ftp login %s@%s: %w", user, addr, err)
	}
	return c, nil
}

func (p *Primitive) borrow(ctx context.Context, u *url.URL) (*pool.Lease[*ftp.ServerConn], error) {
	store := p.cfg.Store
	if store == nil {
		store = connstore.FromContext(ctx)
	}
	conn, err := connstore.Resolve(ctx, store, u)
	if err != nil {
		return nil, err
	}
	key := poolKey(conn.User, u)
	p.mu.Lock()
	p.auth[key] = conn
	p.mu.Unlock()
	return p.pool.Borrow(ctx, key)
}

// with runs fn on a pooled session for u.
func (p *Primitive) with(ctx context.Context, u *url.URL, fn func(c *ftp.ServerConn) error) error {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return err
	}
	err = translate(fn(lease.Conn()))
	lease.Release(err)
	return err
}

// translate maps a 550 reply onto fs.ErrNotFound.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var reply *textproto.Error
	if errors.As(err, &reply) && reply.Code == ftp.StatusFileUnavailable {
		return errors.Errorf("%s: %w", reply.Msg, fs.ErrNotFound)
	}
	return err
}

func ftpPath(u *url.URL) string {
	return path.Clean("/" + u.Path)
}

func toInfo(base *url.URL, name string, e *ftp.Entry) fs.Info {
	u := uri.Clone(base)
	u.Path = name
	u.RawPath = ""
	u.RawQuery = ""
	info := fs.Info{
		Name:         path.Base(name),
		Size:         int64(e.Size),
		LastModified: e.Time,
		Hidden:       fs.Bool(strings.HasPrefix(path.Base(name), ".")),
	}
	switch e.Type {
	case ftp.EntryTypeFolder:
		info.Type = fs.TypeDir
		info.Size = 0
		u = uri.WithTrailingSlash(u)
	case ftp.EntryTypeLink:
		info.Type = fs.TypeLink
	default:
		info.Type = fs.TypeFile
	}
	info.URI = u
	info.Parent = uri.Parent(u)
	return info
}

func rootInfo(base *url.URL) *fs.Info {
	u := uri.Clone(base)
	u.Path = "/"
	u.RawPath = ""
	u.RawQuery = ""
	return &fs.Info{URI: u, Type: fs.TypeDir}
}

// entryReader is the part of *ftp.ServerConn that lookup uses.
type entryReader interface {
	GetEntry(path string) (*ftp.Entry, error)
	List(path string) ([]*ftp.Entry, error)
}

// lookup asks for name with MLST, falling back to its parent's listing on
// servers without it.
func lookup(c entryReader, base *url.URL, name string) (*fs.Info, error) {
	if name == "/" {
		return rootInfo(base), nil
	}
	e, err := c.GetEntry(name)
	switch {
	case err == nil:
		info := toInfo(base, name, e)
		return &info, nil
	case errors.Is(translate(err), fs.ErrNotFound):
		return nil, nil
	case !commandRejected(err):
		return nil, err
	}
	entries, err := c.List(path.Dir(name))
	if err != nil {
		if errors.Is(translate(err), fs.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	want := path.Base(name)
	for _, e := range entries {
		if e.Name == want {
			info := toInfo(base, name, e)
			return &info, nil
		}
	}
	return nil, nil
}

// commandRejected reports a 50x reply: the server does not know or allow the
// command.
func commandRejected(err error) bool {
	var reply *textproto.Error
	return errors.As(err, &reply) && reply.Code >= ftp.StatusBadCommand && reply.Code <= ftp.StatusNotImplementedParameter
}

func requireParent(c *ftp.ServerConn, base *url.URL, op, name string) error {
	parent := path.Dir(name)
	info, err := lookup(c, base, parent)
	if err != nil {
		return err
	}
	if info == nil {
		return xerrors.E(xerrors.KindNotFound, op, parent)
	}
	if !info.IsDirectory() {
		return xerrors.E(xerrors.KindNotADirectory, op, parent)
	}
	return nil
}

func (p *Primitive) Info(ctx context.Context, u *url.URL) (*fs.Info, error) {
	var info *fs.Info
	err := p.with(ctx, u, func(c *ftp.ServerConn) error {
		var err error
		info, err = lookup(c, u, ftpPath(u))
		return err
	})
	return info, err
}

func (p *Primitive) CreateFile(ctx context.Context, u *url.URL) error {
	name := ftpPath(u)
	return p.with(ctx, u, func(c *ftp.ServerConn) error {
		if err := requireParent(c, u, "create", name); err != nil {
			return err
		}
		return c.Stor(name, strings.NewReader(""))
	})
}

func (p *Primitive) MakeDir(ctx context.Context, u *url.URL) error {
	name := ftpPath(u)
	return p.with(ctx, u, func(c *ftp.ServerConn) error {
		if err := requireParent(c, u, "mkdir", name); err != nil {
			return err
		}
		info, err := lookup(c, u, name)
		if err != nil {
			return err
		}
		if info != nil {
			if info.IsDirectory() {
				return nil
			}
			return xerrors.Errorf(xerrors.KindTypeMismatch, "mkdir", name, "exists and is not a directory")
		}
		return c.MakeDir(name)
	})
}

func (p *Primitive) DeleteFile(ctx context.Context, u *url.URL) error {
	return p.with(ctx, u, func(c *ftp.ServerConn) error {
		return c.Delete(ftpPath(u))
	})
}

func (p *Primitive) RemoveDir(ctx context.Context, u *url.URL) error {
	name := ftpPath(u)
	return p.with(ctx, u, func(c *ftp.ServerConn) error {
		entries, err := c.List(name)
		if err != nil {
			return err
		}
		if len(children(entries)) > 0 {
			return xerrors.E(xerrors.KindNotEmpty, "rmdir", name)
		}
		return c.RemoveDir(name)
	})
}

// RenameTo renames within one server session.
func (p *Primitive) RenameTo(ctx context.Context, source, target *url.URL) error {
	if poolKey(userOf(source), source) != poolKey(userOf(target), target) {
		return fs.ErrNotSupported
	}
	to := ftpPath(target)
	return p.with(ctx, source, func(c *ftp.ServerConn) error {
		if err := requireParent(c, target, "rename", to); err != nil {
			return err
		}
		info, err := lookup(c, target, to)
		if err != nil {
			return err
		}
		if info != nil {
			return os.ErrExist
		}
		return c.Rename(ftpPath(source), to)
	})
}

func userOf(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.Username()
}

// CopyFile streams source into target over two sessions; FTP has no
// server-side copy.
func (p *Primitive) CopyFile(ctx context.Context, source, target *url.URL) error {
	in, err := p.Read(ctx, source)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.Write(ctx, target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.(*storWriter).abort(err)
		return errors.Errorf("copy %s: %w", source, err)
	}
	return out.Close()
}

func (p *Primitive) Read(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return nil, err
	}
	resp, err := lease.Conn().Retr(ftpPath(u))
	if err != nil {
		err = translate(err)
		lease.Release(err)
		return nil, err
	}
	return lease.ReadCloser(resp), nil
}

func (p *Primitive) Write(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.store(ctx, u, false)
}

func (p *Primitive) Append(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.store(ctx, u, true)
}

func (p *Primitive) store(ctx context.Context, u *url.URL, appending bool) (io.WriteCloser, error) {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return nil, err
	}
	name := ftpPath(u)
	c := lease.Conn()
	if err := requireParent(c, u, "write", name); err != nil {
		lease.Release(err)
		return nil, err
	}
	pr, pw := io.Pipe()
	w := &storWriter{pw: pw, done: make(chan error, 1), release: lease.Release}
	go func() {
		var err error
		if appending {
			err = c.Append(name, pr)
		} else {
			err = c.Stor(name, pr)
		}
		pr.CloseWithError(err)
		w.done <- translate(err)
	}()
	return w, nil
}

// storWriter feeds a STOR or APPE running on a leased session.
type storWriter struct {
	pw      *io.PipeWriter
	done    chan error
	release func(error)
	once    sync.Once
	err     error
}

func (w *storWriter) Write(b []byte) (int, error) { return w.pw.Write(b) }

func (w *storWriter) Close() error {
	w.once.Do(func() {
		w.pw.Close()
		w.err = <-w.done
		w.release(w.err)
	})
	return w.err
}

func (w *storWriter) abort(cause error) {
	w.once.Do(func() {
		w.pw.CloseWithError(cause)
		<-w.done
		w.err = cause
		w.release(xerrors.Backend("write", "", cause))
	})
}

func children(entries []*ftp.Entry) []*ftp.Entry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." || e.Name == "" {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (p *Primitive) List(ctx context.Context, u *url.URL) ([]fs.Info, error) {
	name := ftpPath(u)
	var out []fs.Info
	err := p.with(ctx, u, func(c *ftp.ServerConn) error {
		entries, err := c.List(name)
		if err != nil {
			return err
		}
		for _, e := range children(entries) {
			out = append(out, toInfo(u, path.Join(name, e.Name), e))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (p *Primitive) SetLastModified(ctx context.Context, u *url.URL, t time.Time) error {
	return p.with(ctx, u, func(c *ftp.ServerConn) error {
		if !c.IsSetTimeSupported() {
			return fs.ErrNotSupported
		}
		return c.SetTime(ftpPath(u), t)
	})
}
