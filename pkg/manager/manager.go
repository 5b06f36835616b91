// Package manager is the batch entry point: it parses multi-path URIs,
// expands wildcards, finds a handler per path through the registry and
// aggregates per-path outcomes into results.
package manager

import (
	"context"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/registry"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Options configures a Manager. The zero value is usable.
type Options struct {
	// Registry to dispatch through. A new one is created when nil.
	Registry *registry.Registry
	Logger   *zerolog.Logger
	// WorkingDir resolves relative paths when the context carries none.
	// Defaults to the process working directory.
	WorkingDir *url.URL
	Parser     *uri.Parser
	// CacheSize is passed to a registry created by New.
	CacheSize int
}

// Manager runs batch operations. It is safe for concurrent use.
type Manager struct {
	reg      *registry.Registry
	log      zerolog.Logger
	cwd      *url.URL
	parser   uri.Parser
	fallback *DefaultHandler
}

// New returns a manager with a DefaultHandler registered.
func New(opts Options) *Manager {
	m := &Manager{
		reg:    opts.Registry,
		log:    zerolog.Nop(),
		cwd:    opts.WorkingDir,
		parser: uri.DefaultParser,
	}
	if opts.Logger != nil {
		m.log = *opts.Logger
	}
	if opts.Parser != nil {
		m.parser = *opts.Parser
	}
	if m.reg == nil {
		m.reg = registry.New(registry.Options{CacheSize: opts.CacheSize, Logger: opts.Logger})
	}
	m.fallback = newDefaultHandler(m)
	m.reg.Register(m.fallback)
	return m
}

// Registry returns the registry the manager dispatches through.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Register adds handlers to the registry.
func (m *Manager) Register(handlers ...fs.Handler) { m.reg.Register(handlers...) }

func (m *Manager) FindHandler(op fs.Operation) fs.Handler { return m.reg.Find(op) }

func (m *Manager) FindNextHandler(op fs.Operation, prev fs.Handler) fs.Handler {
	return m.reg.FindNext(op, prev)
}

func (m *Manager) CanPerform(op fs.Operation) bool { return m.reg.CanPerform(op) }

// Parse splits s into paths with the manager's parser.
func (m *Manager) Parse(s string) (uri.URI, error) { return m.parser.Parse(s) }

// WorkingDir is the directory relative paths resolve against for ctx.
func (m *Manager) WorkingDir(ctx context.Context) *url.URL {
	if dir, ok := fs.LookupWorkingDir(ctx); ok {
		return dir
	}
	if m.cwd != nil {
		return m.cwd
	}
	return fs.ProcessWorkingDir()
}

func (m *Manager) logger(ctx context.Context) *zerolog.Logger {
	return logging.Or(ctx, &m.log)
}

func (m *Manager) absolute(ctx context.Context, u uri.URI) []uri.Single {
	return u.Absolute(m.WorkingDir(ctx)).Split()
}

// literalURL parses a path without wildcard expansion. A quoted path keeps
// "?" as part of the name instead of starting a query.
func literalURL(s uri.Single) (*url.URL, error) {
	u, err := s.URL()
	if err != nil {
		return nil, err
	}
	if s.IsQuoted() && (u.RawQuery != "" || u.ForceQuery) {
		q, err := url.PathUnescape(u.RawQuery)
		if err != nil {
			q = u.RawQuery
		}
		u.Path += "?" + q
		u.RawPath = ""
		u.RawQuery = ""
		u.ForceQuery = false
	}
	return u, nil
}

// sourceURL is the best-effort URL of a path for error reporting.
func sourceURL(s uri.Single) *url.URL {
	if u, err := literalURL(s); err == nil {
		return u
	}
	return &url.URL{Path: s.Path()}
}

// resolveSingle expands one absolute path. Quoted paths are returned
// literally.
func (m *Manager) resolveSingle(ctx context.Context, s uri.Single) ([]*url.URL, error) {
	if s.IsQuoted() {
		u, err := literalURL(s)
		if err != nil {
			return nil, err
		}
		return []*url.URL{u}, nil
	}
	op := fs.ResolveOp(s.Scheme())
	h := m.reg.Find(op)
	if h == nil {
		return nil, unsupported(op)
	}
	return h.Resolve(ctx, s.Path(), fs.ResolveParams{})
}

func (m *Manager) info(ctx context.Context, u *url.URL) (*fs.Info, error) {
	op := fs.InfoOp(u.Scheme)
	h := m.reg.Find(op)
	if h == nil {
		return nil, unsupported(op)
	}
	return h.Info(ctx, u, fs.InfoParams{})
}

func unsupported(op fs.Operation) error {
	return xerrors.Errorf(xerrors.KindUnsupported, op.Kind.String(), "", "no handler for %s", op)
}
