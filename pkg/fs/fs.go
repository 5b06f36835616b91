package fs

import (
	"context"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"
)

// Handler is the full operation surface a backend exposes to the dispatcher.
// Handlers built on Primitive get every method except CanPerform and Priority
// from vfs.FS.
type Handler interface {
	CanPerform(op Operation) bool
	Priority(op Operation) int

	Copy(ctx context.Context, source, target *url.URL, p CopyParams) (*url.URL, error)
	Move(ctx context.Context, source, target *url.URL, p MoveParams) (*url.URL, error)
	Read(ctx context.Context, source *url.URL, p ReadParams) (io.ReadCloser, error)
	Write(ctx context.Context, target *url.URL, p WriteParams) (io.WriteCloser, error)
	Delete(ctx context.Context, target *url.URL, p DeleteParams) error
	Resolve(ctx context.Context, pattern string, p ResolveParams) ([]*url.URL, error)
	List(ctx context.Context, target *url.URL, p ListParams) ([]Info, error)
	Info(ctx context.Context, target *url.URL, p InfoParams) (*Info, error)
	Create(ctx context.Context, target *url.URL, p CreateParams) error
	LocalFile(ctx context.Context, target *url.URL, p FileParams) (string, error)
}

// Primitive is the minimal single-path contract. Info returns (nil, nil) for
// a path that does not exist. List returns the direct children of a
// directory.
type Primitive interface {
	Info(ctx context.Context, u *url.URL) (*Info, error)
	CreateFile(ctx context.Context, u *url.URL) error
	MakeDir(ctx context.Context, u *url.URL) error
	DeleteFile(ctx context.Context, u *url.URL) error
	RemoveDir(ctx context.Context, u *url.URL) error
	// RenameTo returns an error when a native rename is not possible; callers
	// then fall back to copy and delete.
	RenameTo(ctx context.Context, source, target *url.URL) error
	CopyFile(ctx context.Context, source, target *url.URL) error
	Read(ctx context.Context, u *url.URL) (io.ReadCloser, error)
	Write(ctx context.Context, u *url.URL) (io.WriteCloser, error)
	Append(ctx context.Context, u *url.URL) (io.WriteCloser, error)
	List(ctx context.Context, u *url.URL) ([]Info, error)
	SetLastModified(ctx context.Context, u *url.URL, t time.Time) error
}

// LocalFiler is implemented by primitives whose paths map to native files.
type LocalFiler interface {
	LocalFile(ctx context.Context, u *url.URL) (string, error)
}

// FileType is the kind of entry an Info describes.
type FileType int

const (
	TypeFile FileType = iota
	TypeDir
	TypeLink
	TypeOther
)

func (t FileType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	case TypeLink:
		return "link"
	default:
		return "other"
	}
}

// Info is a snapshot of one path's metadata. Zero times are unknown; nil
// permission flags are unknown.
type Info struct {
	Name         string
	URI          *url.URL
	Parent       *url.URL
	Type         FileType
	Size         int64
	LastModified time.Time
	Created      time.Time
	LastAccessed time.Time

	CanRead    *bool
	CanWrite   *bool
	CanExecute *bool
	Hidden     *bool
}

func (i Info) IsDirectory() bool { return i.Type == TypeDir }
func (i Info) IsFile() bool      { return i.Type == TypeFile }
func (i Info) IsLink() bool      { return i.Type == TypeLink }

// String returns the URI of the entry.
func (i Info) String() string {
	if i.URI == nil {
		return i.Name
	}
	return i.URI.String()
}

// Bool returns a pointer to v, for the optional permission flags.
func Bool(v bool) *bool { return &v }

// Errors returned by handlers and primitives.
var (
	ErrNotFound     = Err("not found")
	ErrNotEmpty     = Err("directory not empty")
	ErrNotDirectory = Err("not a directory")
	ErrNotSupported = Err("not supported")
)

// Err is a sentinel error type so callers can check via errors.Is.
type Err string

func (e Err) Error() string { return string(e) }

// Driver builds the handler for a scheme from configuration.
type Driver func(ctx context.Context, cfg map[string]any) (Handler, error)

var (
	driversMu sync.RWMutex
	drivers   = map[string]Driver{}
)

// RegisterDriver installs a backend driver under a scheme name.
func RegisterDriver(name string, drv Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[name] = drv
}

// OpenDriver instantiates a driver by name.
func OpenDriver(ctx context.Context, name string, cfg map[string]any) (Handler, error) {
	driversMu.RLock()
	drv, ok := drivers[name]
	driversMu.RUnlock()
	if !ok {
		return nil, ErrNotSupported
	}
	return drv(ctx, cfg)
}

// Drivers lists the registered driver names in sorted order.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
