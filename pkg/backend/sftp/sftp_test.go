package sftp

import (
	"context"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/connstore"
	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// pipeDial serves each session from an in-process server over net.Pipe.
func pipeDial(dials *int32) DialFunc {
	return func(_ context.Context, _ connstore.Connection, _ string) (*sftp.Client, io.Closer, error) {
		atomic.AddInt32(dials, 1)
		serverSide, clientSide := net.Pipe()
		srv, err := sftp.NewServer(serverSide)
		if err != nil {
			return nil, nil, err
		}
		go srv.Serve()
		c, err := sftp.NewClientPipe(clientSide, clientSide)
		if err != nil {
			serverSide.Close()
			return nil, nil, err
		}
		return c, serverSide, nil
	}
}

type env struct {
	t     *testing.T
	ctx   context.Context
	h     *Handler
	root  string
	dials int32
}

func newEnv(t *testing.T) *env {
	e := &env{t: t, ctx: context.Background(), root: filepath.ToSlash(t.TempDir())}
	e.h = NewHandler(Config{Dial: pipeDial(&e.dials)})
	t.Cleanup(func() { e.h.Close() })
	return e
}

func (e *env) url(p string) *url.URL {
	e.t.Helper()
	u, err := url.Parse("sftp://tester@sftp.example" + e.root + p)
	require.NoError(e.t, err)
	return u
}

func (e *env) write(p, content string, appending bool) {
	e.t.Helper()
	w, err := e.h.Write(e.ctx, e.url(p), fs.WriteParams{Append: appending})
	require.NoError(e.t, err)
	_, err = io.WriteString(w, content)
	require.NoError(e.t, err)
	require.NoError(e.t, w.Close())
}

func (e *env) read(p string) string {
	e.t.Helper()
	r, err := e.h.Read(e.ctx, e.url(p), fs.ReadParams{})
	require.NoError(e.t, err)
	defer r.Close()
	b, err := io.ReadAll(r)
	require.NoError(e.t, err)
	return string(b)
}

func TestCanPerform(t *testing.T) {
	h := NewHandler(Config{})
	defer h.Close()
	assert.True(t, h.CanPerform(fs.CopyOp("sftp", "sftp")))
	assert.False(t, h.CanPerform(fs.CopyOp("sftp", "ftp")))
	assert.False(t, h.CanPerform(fs.FileOp("sftp")))
}

func TestWriteReadAppend(t *testing.T) {
	e := newEnv(t)
	e.write("/a.txt", "hello", false)
	assert.Equal(t, "hello", e.read("/a.txt"))
	e.write("/a.txt", " world", true)
	assert.Equal(t, "hello world", e.read("/a.txt"))

	b, err := os.ReadFile(filepath.Join(filepath.FromSlash(e.root), "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(b))

	info, err := e.h.Info(e.ctx, e.url("/a.txt"), fs.InfoParams{})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, info.IsFile())
	assert.EqualValues(t, 11, info.Size)
	assert.Equal(t, "tester", info.URI.User.Username())
}

func TestMissingPaths(t *testing.T) {
	e := newEnv(t)
	info, err := e.h.Info(e.ctx, e.url("/nope"), fs.InfoParams{})
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = e.h.Read(e.ctx, e.url("/nope"), fs.ReadParams{})
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	err = e.h.Create(e.ctx, e.url("/x/y.txt"), fs.CreateParams{})
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestTreeOperations(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.h.Create(e.ctx, e.url("/src/sub/"), fs.CreateParams{Dir: fs.Bool(true), MakeParents: true}))
	e.write("/src/one.txt", "1", false)
	e.write("/src/sub/two.txt", "2", false)

	_, err := e.h.Copy(e.ctx, e.url("/src"), e.url("/dst"), fs.CopyParams{Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, "2", e.read("/dst/sub/two.txt"))

	listed, err := e.h.List(e.ctx, e.url("/dst/"), fs.ListParams{Recursive: true})
	require.NoError(t, err)
	var names []string
	for _, i := range listed {
		names = append(names, i.Name)
	}
	assert.Equal(t, []string{"one.txt", "sub", "two.txt"}, names)

	got, err := e.h.Move(e.ctx, e.url("/dst"), e.url("/moved"), fs.MoveParams{})
	require.NoError(t, err)
	assert.Equal(t, e.root+"/moved", got.Path)
	assert.Equal(t, "1", e.read("/moved/one.txt"))
	_, err = os.Stat(filepath.Join(filepath.FromSlash(e.root), "dst"))
	assert.True(t, os.IsNotExist(err))

	err = e.h.Delete(e.ctx, e.url("/moved"), fs.DeleteParams{})
	assert.Equal(t, xerrors.KindNotEmpty, xerrors.KindOf(err))
	require.NoError(t, e.h.Delete(e.ctx, e.url("/moved"), fs.DeleteParams{Recursive: true}))
	info, err := e.h.Info(e.ctx, e.url("/moved"), fs.InfoParams{})
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestLastModified(t *testing.T) {
	e := newEnv(t)
	when := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, e.h.Create(e.ctx, e.url("/stamp.txt"), fs.CreateParams{LastModified: when}))
	info, err := e.h.Info(e.ctx, e.url("/stamp.txt"), fs.InfoParams{})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.True(t, when.Equal(info.LastModified), info.LastModified)
}

func TestSessionsArePooled(t *testing.T) {
	e := newEnv(t)
	e.write("/a.txt", "a", false)
	for i := 0; i < 5; i++ {
		_, err := e.h.Info(e.ctx, e.url("/a.txt"), fs.InfoParams{})
		require.NoError(t, err)
	}
	assert.Equal(t, "a", e.read("/a.txt"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&e.dials))
}

func TestHostKeyPolicy(t *testing.T) {
	p := NewPrimitive(Config{KnownHosts: filepath.Join(t.TempDir(), "missing")})
	defer p.Close()
	_, err := p.clientConfig(connstore.Connection{User: "u", Password: "pw"})
	assert.Error(t, err)

	cfg, err := p.clientConfig(connstore.Connection{User: "u", Password: "pw", Options: map[string]string{"insecure_host_key": "true"}})
	require.NoError(t, err)
	assert.Equal(t, "u", cfg.User)
	assert.Len(t, cfg.Auth, 1)
}

func TestBroken(t *testing.T) {
	assert.False(t, broken(os.ErrNotExist))
	assert.False(t, broken(xerrors.E(xerrors.KindNotEmpty, "rmdir", "/x")))
	assert.True(t, broken(errors.New("connection lost")))
}
