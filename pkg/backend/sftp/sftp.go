// Package sftp serves the sftp scheme over SSH with pooled sessions.
package sftp

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/pool"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	defaultPort    = "22"
	defaultTimeout = 30 * time.Second
)

// DialFunc opens an SFTP client for addr with the resolved credentials.
type DialFunc func(ctx context.Context, conn connstore.Connection, addr string) (*sftp.Client, io.Closer, error)

// Config configures the SFTP primitive.
//
// Host keys are checked against KnownHosts (default ~/.ssh/known_hosts)
// unless InsecureIgnoreHostKey is set or the connection carries the option
// insecure_host_key=true.
type Config struct {
	Timeout               time.Duration
	KnownHosts            string
	InsecureIgnoreHostKey bool
	Store                 connstore.Store
	MaxIdle               int
	MaxKeys               int
	Logger                *zerolog.Logger
	// Dial replaces the SSH transport.
	Dial DialFunc
}

type session struct {
	*sftp.Client
	transport io.Closer
}

func (s *session) close() error {
	err := s.Client.Close()
	if s.transport != nil {
		if cerr := s.transport.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Primitive implements fs.Primitive over SFTP.
type Primitive struct {
	cfg  Config
	pool *pool.Pool[*session]

	mu   sync.Mutex
	auth map[string]connstore.Connection
}

var _ fs.Primitive = (*Primitive)(nil)

func NewPrimitive(cfg Config) *Primitive {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	p := &Primitive{cfg: cfg, auth: make(map[string]connstore.Connection)}
	if p.cfg.Dial == nil {
		p.cfg.Dial = p.dialSSH
	}
	p.pool = pool.New(pool.Config[*session]{
		Dial:  p.dial,
		Close: (*session).close,
		Validate: func(s *session) error {
			_, err := s.Getwd()
			return err
		},
		Broken:  broken,
		MaxIdle: cfg.MaxIdle,
		MaxKeys: cfg.MaxKeys,
		Logger:  cfg.Logger,
	})
	return p
}

func (p *Primitive) Close() error { return p.pool.Close() }

// broken keeps sessions after a status reply from the server.
func broken(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrExist) {
		return false
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindBackend, xerrors.KindInterrupted:
		return true
	}
	return false
}

func address(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

func poolKey(user string, u *url.URL) string {
	return user + "@" + strings.ToLower(address(u))
}

func (p *Primitive) dial(ctx context.Context, key string) (*session, error) {
	p.mu.Lock()
	conn := p.auth[key]
	p.mu.Unlock()
	_, addr, _ := strings.Cut(key, "@")
	c, transport, err := p.cfg.Dial(ctx, conn, addr)
	if err != nil {
		return nil, err
	}
	return &session{Client: c, transport: transport}, nil
}

func (p *Primitive) dialSSH(ctx context.Context, conn connstore.Connection, addr string) (*sftp.Client, io.Closer, error) {
	cfg, err := p.clientConfig(conn)
	if err != nil {
		return nil, nil, err
	}
	d := net.Dialer{Timeout: p.cfg.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, errors.Errorf("sftp dial %s: %w", addr, err)
	}
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, nil, errors.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sc, chans, reqs)
	sc2, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, errors.Errorf("sftp subsystem %s: %w", addr, err)
	}
	return sc2, client, nil
}

func (p *Primitive) clientConfig(conn connstore.Connection) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if conn.KeyFile != "" {
		pem, err := os.ReadFile(conn.KeyFile)
		if err != nil {
			return nil, errors.Errorf("read key %s: %w", conn.KeyFile, err)
		}
		var signer ssh.Signer
		if pass := conn.Option("passphrase", ""); pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, errors.Errorf("parse key %s: %w", conn.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if conn.Password != "" {
		auth = append(auth, ssh.Password(conn.Password))
	}
	hostKey, err := p.hostKeyCallback(conn)
	if err != nil {
		return nil, err
	}
	user := conn.User
	if user == "" {
		user = os.Getenv("USER")
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         p.cfg.Timeout,
	}, nil
}

func (p *Primitive) hostKeyCallback(conn connstore.Connection) (ssh.HostKeyCallback, error) {
	if p.cfg.InsecureIgnoreHostKey || conn.Option("insecure_host_key", "") == "true" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	file := conn.Option("known_hosts", p.cfg.KnownHosts)
	if file == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Errorf("locate known_hosts: %w", err)
		}
		file = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(file)
	if err != nil {
		return nil, errors.Errorf("load known_hosts %s: %w", file, err)
	}
	return cb, nil
}

func (p *Primitive) borrow(ctx context.Context, u *url.URL) (*pool.Lease[*session], error) {
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

func (p *Primitive) with(ctx context.Context, u *url.URL, fn func(c *session) error) error {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return err
	}
	err = fn(lease.Conn())
	lease.Release(err)
	return err
}

func remotePath(u *url.URL) string {
	return path.Clean("/" + u.Path)
}

func stat(c *session, name string) (os.FileInfo, error) {
	st, err := c.Stat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return st, err
}

func toInfo(base *url.URL, name string, st os.FileInfo) fs.Info {
	u := uri.Clone(base)
	u.Path = name
	u.RawPath = ""
	u.RawQuery = ""
	info := fs.Info{
		Name:         path.Base(name),
		Size:         st.Size(),
		LastModified: st.ModTime(),
	}
	if name == "/" {
		info.Name = ""
	}
	mode := st.Mode()
	switch {
	case mode.IsDir():
		info.Type = fs.TypeDir
		info.Size = 0
		u = uri.WithTrailingSlash(u)
	case mode&os.ModeSymlink != 0:
		info.Type = fs.TypeLink
	case mode.IsRegular():
		info.Type = fs.TypeFile
	default:
		info.Type = fs.TypeOther
	}
	perm := mode.Perm()
	info.CanRead = fs.Bool(perm&0o400 != 0)
	info.CanWrite = fs.Bool(perm&0o200 != 0)
	info.CanExecute = fs.Bool(perm&0o100 != 0)
	info.Hidden = fs.Bool(strings.HasPrefix(info.Name, "."))
	info.URI = u
	info.Parent = uri.Parent(u)
	return info
}

func requireParent(c *session, op, name string) error {
	if name == "/" {
		return nil
	}
	parent := path.Dir(name)
	st, err := stat(c, parent)
	if err != nil {
		return err
	}
	if st == nil {
		return xerrors.E(xerrors.KindNotFound, op, parent)
	}
	if !st.IsDir() {
		return xerrors.E(xerrors.KindNotADirectory, op, parent)
	}
	return nil
}

func (p *Primitive) Info(ctx context.Context, u *url.URL) (*fs.Info, error) {
	var info *fs.Info
	name := remotePath(u)
	err := p.with(ctx, u, func(c *session) error {
		st, err := stat(c, name)
		if err != nil || st == nil {
			return err
		}
		i := toInfo(u, name, st)
		info = &i
		return nil
	})
	return info, err
}

func (p *Primitive) CreateFile(ctx context.Context, u *url.URL) error {
	name := remotePath(u)
	return p.with(ctx, u, func(c *session) error {
		if err := requireParent(c, "create", name); err != nil {
			return err
		}
		f, err := c.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
		if err != nil {
			return err
		}
		return f.Close()
	})
}

func (p *Primitive) MakeDir(ctx context.Context, u *url.URL) error {
	name := remotePath(u)
	return p.with(ctx, u, func(c *session) error {
		if err := requireParent(c, "mkdir", name); err != nil {
			return err
		}
		st, err := stat(c, name)
		if err != nil {
			return err
		}
		if st != nil {
			if st.IsDir() {
				return nil
			}
			return xerrors.Errorf(xerrors.KindTypeMismatch, "mkdir", name, "exists and is not a directory")
		}
		return c.Mkdir(name)
	})
}

func (p *Primitive) DeleteFile(ctx context.Context, u *url.URL) error {
	name := remotePath(u)
	return p.with(ctx, u, func(c *session) error {
		st, err := stat(c, name)
		if err != nil {
			return err
		}
		if st == nil {
			return xerrors.E(xerrors.KindNotFound, "delete", name)
		}
		if st.IsDir() {
			return xerrors.Errorf(xerrors.KindTypeMismatch, "delete", name, "is a directory")
		}
		return c.Remove(name)
	})
}

func (p *Primitive) RemoveDir(ctx context.Context, u *url.URL) error {
	name := remotePath(u)
	return p.with(ctx, u, func(c *session) error {
		entries, err := c.ReadDir(name)
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return xerrors.E(xerrors.KindNotEmpty, "rmdir", name)
		}
		return c.RemoveDirectory(name)
	})
}

// RenameTo renames on one server; the target must not exist.
func (p *Primitive) RenameTo(ctx context.Context, source, target *url.URL) error {
	if poolKey(userOf(source), source) != poolKey(userOf(target), target) {
		return fs.ErrNotSupported
	}
	to := remotePath(target)
	return p.with(ctx, source, func(c *session) error {
		if err := requireParent(c, "rename", to); err != nil {
			return err
		}
		st, err := stat(c, to)
		if err != nil {
			return err
		}
		if st != nil {
			return os.ErrExist
		}
		return c.Rename(remotePath(source), to)
	})
}

func userOf(u *url.URL) string {
	if u.User == nil {
		return ""
	}
	return u.User.Username()
}

// CopyFile streams source into target; SFTP v3 has no server-side copy.
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
		out.Close()
		return errors.Errorf("copy %s: %w", source, err)
	}
	return out.Close()
}

func (p *Primitive) Read(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return nil, err
	}
	f, err := lease.Conn().Open(remotePath(u))
	if err != nil {
		lease.Release(err)
		return nil, err
	}
	return lease.ReadCloser(f), nil
}

func (p *Primitive) Write(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.open(ctx, u, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (p *Primitive) Append(ctx context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.open(ctx, u, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
}

func (p *Primitive) open(ctx context.Context, u *url.URL, flag int) (io.WriteCloser, error) {
	lease, err := p.borrow(ctx, u)
	if err != nil {
		return nil, err
	}
	name := remotePath(u)
	c := lease.Conn()
	if err := requireParent(c, "write", name); err != nil {
		lease.Release(err)
		return nil, err
	}
	f, err := c.OpenFile(name, flag)
	if err != nil {
		lease.Release(err)
		return nil, err
	}
	if flag&os.O_APPEND != 0 {
		// writes go to the file offset, which starts at zero
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			lease.Release(err)
			return nil, err
		}
	}
	return lease.WriteCloser(f), nil
}

func (p *Primitive) List(ctx context.Context, u *url.URL) ([]fs.Info, error) {
	name := remotePath(u)
	var out []fs.Info
	err := p.with(ctx, u, func(c *session) error {
		entries, err := c.ReadDir(name)
		if err != nil {
			return err
		}
		for _, st := range entries {
			out = append(out, toInfo(u, path.Join(name, st.Name()), st))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (p *Primitive) SetLastModified(ctx context.Context, u *url.URL, t time.Time) error {
	return p.with(ctx, u, func(c *session) error {
		return c.Chtimes(remotePath(u), t, t)
	})
}
