// Package localfs serves the file and mem schemes from go-billy
// filesystems. Both are primitives lifted to full handlers by vfs.
package localfs

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Primitive implements fs.Primitive over a billy.Filesystem rooted at "/".
type Primitive struct {
	bfs billy.Filesystem

	// native backends report real modification times and can rename;
	// others keep times in mtimes and fall back to copy and delete
	native bool

	mu     sync.Mutex
	mtimes map[string]time.Time
}

var (
	_ fs.Primitive  = (*Primitive)(nil)
	_ fs.LocalFiler = (*Primitive)(nil)
)

// NewPrimitive wraps bfs. native marks a filesystem backed by the operating
// system.
func NewPrimitive(bfs billy.Filesystem, native bool) *Primitive {
	p := &Primitive{bfs: bfs, native: native}
	if !native {
		p.mtimes = make(map[string]time.Time)
	}
	return p
}

// Filesystem exposes the wrapped billy filesystem.
func (p *Primitive) Filesystem() billy.Filesystem { return p.bfs }

func cleanPath(u *url.URL) string {
	p := u.Path
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

func (p *Primitive) stat(name string) (os.FileInfo, error) {
	st, err := p.bfs.Stat(name)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return st, err
}

// requireParent fails unless the parent of name is an existing directory;
// billy would otherwise create it implicitly.
func (p *Primitive) requireParent(op, name string) error {
	if name == "/" {
		return nil
	}
	parent := path.Dir(name)
	st, err := p.stat(parent)
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

func (p *Primitive) stamp(name string, t time.Time) {
	if p.native {
		return
	}
	p.mu.Lock()
	p.mtimes[name] = t
	p.mu.Unlock()
}

func (p *Primitive) forget(name string) {
	if p.native {
		return
	}
	p.mu.Lock()
	delete(p.mtimes, name)
	p.mu.Unlock()
}

func (p *Primitive) modTime(name string, st os.FileInfo) time.Time {
	if p.native {
		return st.ModTime()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtimes[name]
}

func (p *Primitive) toInfo(base *url.URL, name string, st os.FileInfo) fs.Info {
	target := uri.Clone(base)
	target.Path = name
	target.RawPath = ""
	info := fs.Info{
		Name:         path.Base(name),
		Size:         st.Size(),
		LastModified: p.modTime(name, st),
	}
	if name == "/" {
		info.Name = ""
	}
	mode := st.Mode()
	switch {
	case mode.IsDir():
		info.Type = fs.TypeDir
		target = uri.WithTrailingSlash(target)
		info.Size = 0
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
	info.URI = target
	info.Parent = uri.Parent(target)
	return info
}

func (p *Primitive) Info(_ context.Context, u *url.URL) (*fs.Info, error) {
	name := cleanPath(u)
	st, err := p.stat(name)
	if err != nil || st == nil {
		return nil, err
	}
	info := p.toInfo(u, name, st)
	return &info, nil
}

func (p *Primitive) CreateFile(_ context.Context, u *url.URL) error {
	name := cleanPath(u)
	if err := p.requireParent("create", name); err != nil {
		return err
	}
	f, err := p.bfs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	p.stamp(name, time.Now())
	return f.Close()
}

func (p *Primitive) MakeDir(_ context.Context, u *url.URL) error {
	name := cleanPath(u)
	if err := p.requireParent("mkdir", name); err != nil {
		return err
	}
	st, err := p.stat(name)
	if err != nil {
		return err
	}
	if st != nil {
		if st.IsDir() {
			return nil
		}
		return xerrors.Errorf(xerrors.KindTypeMismatch, "mkdir", name, "exists and is not a directory")
	}
	if err := p.bfs.MkdirAll(name, 0o755); err != nil {
		return err
	}
	p.stamp(name, time.Now())
	return nil
}

func (p *Primitive) DeleteFile(_ context.Context, u *url.URL) error {
	name := cleanPath(u)
	st, err := p.stat(name)
	if err != nil {
		return err
	}
	if st == nil {
		return xerrors.E(xerrors.KindNotFound, "delete", name)
	}
	if st.IsDir() {
		return xerrors.Errorf(xerrors.KindTypeMismatch, "delete", name, "is a directory")
	}
	if err := p.bfs.Remove(name); err != nil {
		return err
	}
	p.forget(name)
	return nil
}

func (p *Primitive) RemoveDir(_ context.Context, u *url.URL) error {
	name := cleanPath(u)
	entries, err := p.bfs.ReadDir(name)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return xerrors.E(xerrors.KindNotEmpty, "rmdir", name)
	}
	if err := p.bfs.Remove(name); err != nil {
		return err
	}
	p.forget(name)
	return nil
}

// RenameTo renames natively on the operating system. memfs renames by path
// prefix, which would also move siblings sharing the prefix, so non-native
// filesystems report fs.ErrNotSupported.
func (p *Primitive) RenameTo(_ context.Context, source, target *url.URL) error {
	if !p.native {
		return fs.ErrNotSupported
	}
	to := cleanPath(target)
	if err := p.requireParent("rename", to); err != nil {
		return err
	}
	st, err := p.stat(to)
	if err != nil {
		return err
	}
	if st != nil {
		return os.ErrExist
	}
	return p.bfs.Rename(cleanPath(source), to)
}

func (p *Primitive) CopyFile(_ context.Context, source, target *url.URL) error {
	to := cleanPath(target)
	if err := p.requireParent("copy", to); err != nil {
		return err
	}
	in, err := p.bfs.Open(cleanPath(source))
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := p.bfs.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o666)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	p.stamp(to, time.Now())
	return out.Close()
}

func (p *Primitive) Read(_ context.Context, u *url.URL) (io.ReadCloser, error) {
	return p.bfs.Open(cleanPath(u))
}

func (p *Primitive) Write(_ context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.open(u, os.O_CREATE|os.O_TRUNC|os.O_WRONLY)
}

func (p *Primitive) Append(_ context.Context, u *url.URL) (io.WriteCloser, error) {
	return p.open(u, os.O_CREATE|os.O_APPEND|os.O_WRONLY)
}

func (p *Primitive) open(u *url.URL, flag int) (io.WriteCloser, error) {
	name := cleanPath(u)
	if err := p.requireParent("write", name); err != nil {
		return nil, err
	}
	f, err := p.bfs.OpenFile(name, flag, 0o666)
	if err != nil {
		return nil, err
	}
	return &stampingWriter{File: f, p: p, name: name}, nil
}

// stampingWriter records the modification time on Close.
type stampingWriter struct {
	billy.File
	p    *Primitive
	name string
}

func (w *stampingWriter) Close() error {
	err := w.File.Close()
	w.p.stamp(w.name, time.Now())
	return err
}

func (p *Primitive) List(_ context.Context, u *url.URL) ([]fs.Info, error) {
	name := cleanPath(u)
	entries, err := p.bfs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	out := make([]fs.Info, 0, len(entries))
	for _, st := range entries {
		out = append(out, p.toInfo(u, path.Join(name, st.Name()), st))
	}
	return out, nil
}

func (p *Primitive) SetLastModified(_ context.Context, u *url.URL, t time.Time) error {
	name := cleanPath(u)
	if p.native {
		return os.Chtimes(nativePath(name), t, t)
	}
	st, err := p.stat(name)
	if err != nil {
		return err
	}
	if st == nil {
		return xerrors.E(xerrors.KindNotFound, "touch", name)
	}
	p.stamp(name, t)
	return nil
}

// LocalFile returns the native path of u on operating system filesystems.
func (p *Primitive) LocalFile(_ context.Context, u *url.URL) (string, error) {
	if !p.native {
		return "", xerrors.E(xerrors.KindUnsupported, "file", u.String())
	}
	return nativePath(cleanPath(u)), nil
}

// nativePath maps "/C:/x" to "C:\x" on Windows and is the identity elsewhere.
func nativePath(name string) string {
	if len(name) > 2 && name[0] == '/' && name[2] == ':' {
		name = name[1:]
	}
	return filepath.FromSlash(name)
}
