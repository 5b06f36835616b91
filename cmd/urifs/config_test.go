package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/urifs/pkg/fs"
)

func testApp(t *testing.T, s settings) *app {
	t.Helper()
	a, err := newApp(context.Background(), s, io.Discard)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() {
		a.close()
		application = nil
	})
	application = a
	return a
}

func run(t *testing.T, cmd *cobra.Command, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewAppRegistersDrivers(t *testing.T) {
	a := testApp(t, settings{})
	for _, scheme := range []string{"file", "mem", "ftp", "sftp", "s3", "http", "https"} {
		h := a.manager.FindHandler(fs.ReadOp(scheme))
		if h == nil || h.Priority(fs.ReadOp(scheme)) != fs.TopPriority {
			t.Fatalf("no driver handler for %s", scheme)
		}
	}
}

func TestNewAppRejectsBadLevel(t *testing.T) {
	if _, err := newApp(context.Background(), settings{LogLevel: "loud"}, io.Discard); err == nil {
		t.Fatalf("expected invalid log level error")
	}
}

func TestDriverSettings(t *testing.T) {
	viper.Set("s3.region", "eu-west-1")
	viper.Set("http.timeout", "5s")
	viper.Set("pool.max_idle", 7)
	t.Cleanup(func() {
		viper.Set("s3.region", "")
		viper.Set("http.timeout", 30*time.Second)
		viper.Set("pool.max_idle", 2)
	})
	s := loadSettings()
	if got := s.Drivers["s3"]["region"]; got != "eu-west-1" {
		t.Fatalf("s3 region: %v", got)
	}
	if got := s.Drivers["https"]["timeout"]; got != "5s" {
		t.Fatalf("https reads the http section, got %v", got)
	}
	if got := s.Drivers["sftp"]["max_idle"]; got != 7 {
		t.Fatalf("shared pool key: %v", got)
	}
}

func TestWorkingDir(t *testing.T) {
	u, err := workingDir("mem:///base")
	if err != nil || u.String() != "mem:///base/" {
		t.Fatalf("uri cwd: %v %v", u, err)
	}
	dir := t.TempDir()
	u, err = workingDir(dir)
	if err != nil {
		t.Fatalf("local cwd: %v", err)
	}
	if u.Scheme != "file" || !strings.HasSuffix(u.Path, "/") {
		t.Fatalf("unexpected local cwd %s", u)
	}
}

func TestFileCommands(t *testing.T) {
	testApp(t, settings{Cwd: "mem:///work"})

	if _, err := run(t, newMkdirCmd(), "", "-p", "mem:///work/src"); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := run(t, newPutCmd(), "hello", "src/a.txt"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := run(t, newPutCmd(), " world", "--append", "src/a.txt"); err != nil {
		t.Fatalf("put --append: %v", err)
	}
	out, err := run(t, newCatCmd(), "", "src/a.txt")
	if err != nil || out != "hello world" {
		t.Fatalf("cat: %q %v", out, err)
	}

	out, err = run(t, newCpCmd(), "", "-r", "-p", "src", "mem:///backup/src")
	if err != nil {
		t.Fatalf("cp: %v", err)
	}
	if !strings.Contains(out, "mem:///backup/src") {
		t.Fatalf("cp output %q", out)
	}
	out, err = run(t, newLsCmd(), "", "-R", "mem:///backup/")
	if err != nil || !strings.Contains(out, "mem:///backup/src/a.txt") {
		t.Fatalf("ls: %q %v", out, err)
	}
	out, err = run(t, newResolveCmd(), "", "mem:///backup/src/*.txt")
	if err != nil || strings.TrimSpace(out) != "mem:///backup/src/a.txt" {
		t.Fatalf("resolve: %q %v", out, err)
	}

	if _, err := run(t, newMvCmd(), "", "--overwrite", "sometimes", "src/a.txt", "b.txt"); err == nil {
		t.Fatalf("expected bad --overwrite to fail")
	}
	if _, err := run(t, newMvCmd(), "", "src/a.txt", "b.txt"); err != nil {
		t.Fatalf("mv: %v", err)
	}
	out, err = run(t, newInfoCmd(), "", "b.txt")
	if err != nil || !strings.Contains(out, "type:     file") || !strings.Contains(out, "size:     11") {
		t.Fatalf("info: %q %v", out, err)
	}

	if _, err := run(t, newRmCmd(), "", "mem:///backup/src"); err == nil {
		t.Fatalf("expected non-recursive rm of a non-empty directory to fail")
	}
	if _, err := run(t, newRmCmd(), "", "-r", "mem:///backup/src"); err != nil {
		t.Fatalf("rm -r: %v", err)
	}
	if _, err := run(t, newCatCmd(), "", "mem:///backup/src/a.txt"); err == nil {
		t.Fatalf("expected removed file to be gone")
	}
}

func TestTouchDate(t *testing.T) {
	a := testApp(t, settings{})
	if _, err := run(t, newTouchCmd(), "", "--date", "yesterday", "mem:///t.txt"); err == nil {
		t.Fatalf("expected invalid date error")
	}
	if _, err := run(t, newTouchCmd(), "", "-d", "2020-01-02T03:04:05Z", "mem:///t.txt"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	target, err := a.parse("mem:///t.txt")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res := a.manager.Info(a.ctx, target, fs.InfoParams{})
	if err := res.FirstError(); err != nil {
		t.Fatalf("info: %v", err)
	}
	info := res.Values()[0]
	if info == nil || !info.LastModified.Equal(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestConnCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "conns.db")
	testApp(t, settings{ConnectionsDB: db})

	if _, err := run(t, newConnCmd(), "", "add", "box", "noscheme"); err == nil {
		t.Fatalf("expected address without scheme to fail")
	}
	if _, err := run(t, newConnCmd(), "", "add", "box", "sftp://deploy:pw@box.example:2222", "--option", "known_hosts=/tmp/kh"); err != nil {
		t.Fatalf("conn add: %v", err)
	}
	out, err := run(t, newConnCmd(), "", "ls")
	if err != nil {
		t.Fatalf("conn ls: %v", err)
	}
	if !strings.Contains(out, "box") || !strings.Contains(out, "sftp://deploy@box.example:2222") || !strings.Contains(out, "known_hosts") {
		t.Fatalf("conn ls output %q", out)
	}
	c, err := application.conns.Get(application.ctx, "box")
	if err != nil || c.Password != "pw" {
		t.Fatalf("stored connection %+v %v", c, err)
	}
	if _, err := run(t, newConnCmd(), "", "rm", "box"); err != nil {
		t.Fatalf("conn rm: %v", err)
	}
	if _, err := run(t, newConnCmd(), "", "rm", "box"); err == nil {
		t.Fatalf("expected removing a missing connection to fail")
	}
}

func TestServeS3Validation(t *testing.T) {
	a := testApp(t, settings{})
	if err := a.runServeS3(s3ServeOptions{}); err == nil {
		t.Fatalf("expected missing bucket map to fail")
	}
	err := a.runServeS3(s3ServeOptions{Buckets: map[string]string{"data": "mem:///data/"}, Bucket: "other"})
	if err == nil {
		t.Fatalf("expected unmapped default bucket to fail")
	}
}
