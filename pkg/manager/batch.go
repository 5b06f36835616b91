package manager

import (
	"context"
	"io"
	"net/url"

	"gitlab.com/tozd/go/errors"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/result"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

type transferFunc func(ctx context.Context, h fs.Handler, source, target *url.URL) (*url.URL, error)

type resolved struct {
	expr uri.Single
	urls []*url.URL
	err  error
}

// Copy copies every source into target. Structural problems (more than one
// target, no handler for a source, several sources onto a non-directory)
// fail the whole batch before anything is written.
func (m *Manager) Copy(ctx context.Context, sources, target uri.URI, p fs.CopyParams) *result.CopyResult {
	return m.transfer(ctx, fs.OpCopy, sources, target, p.MakeParents,
		func(ctx context.Context, h fs.Handler, source, target *url.URL) (*url.URL, error) {
			return h.Copy(ctx, source, target, p)
		})
}

// Move moves every source into target, with the checks of Copy.
func (m *Manager) Move(ctx context.Context, sources, target uri.URI, p fs.MoveParams) *result.MoveResult {
	return m.transfer(ctx, fs.OpMove, sources, target, p.MakeParents,
		func(ctx context.Context, h fs.Handler, source, target *url.URL) (*url.URL, error) {
			return h.Move(ctx, source, target, p)
		})
}

func (m *Manager) transfer(ctx context.Context, kind fs.OpKind, sources, target uri.URI, makeParents bool, run transferFunc) *result.Result[*url.URL] {
	name := kind.String()
	if sources == nil || len(sources.Split()) == 0 {
		return result.Fail[*url.URL](xerrors.Errorf(xerrors.KindInvalid, name, "", "no source given"))
	}
	if target == nil {
		return result.Fail[*url.URL](xerrors.Errorf(xerrors.KindInvalid, name, "", "no target given"))
	}
	single, ok := target.AsSingle()
	if !ok {
		return result.Fail[*url.URL](xerrors.Errorf(xerrors.KindInvalid, name, target.String(), "a single target is required"))
	}
	cwd := m.WorkingDir(ctx)
	single = single.AbsoluteSingle(cwd)
	srcs := sources.Absolute(cwd).Split()

	// an unresolvable target is used literally
	targets, _ := m.resolveSingle(ctx, single)
	var dst *url.URL
	switch len(targets) {
	case 0:
		u, err := literalURL(single)
		if err != nil {
			return result.Fail[*url.URL](err)
		}
		dst = u
	case 1:
		dst = targets[0]
	default:
		return result.Fail[*url.URL](xerrors.Errorf(xerrors.KindInvalid, name, single.Path(), "a single target is required, %d matched", len(targets)))
	}

	handlers := make([]fs.Handler, len(srcs))
	for i, src := range srcs {
		op := fs.NewOperation(kind, src.Scheme(), dst.Scheme)
		h := m.reg.Find(op)
		if h == nil {
			return result.Fail[*url.URL](unsupported(op))
		}
		handlers[i] = h
	}

	batch, count := m.resolveAll(ctx, srcs)
	if count > 1 {
		info, err := m.info(ctx, dst)
		if err != nil {
			return result.Fail[*url.URL](err)
		}
		if info == nil || !info.IsDirectory() {
			if info != nil || !makeParents || !uri.HasTrailingSlash(dst) {
				return result.Fail[*url.URL](xerrors.Errorf(xerrors.KindNotADirectory, name, dst.String(), "%d sources need a directory target", count))
			}
		}
		dst = uri.WithTrailingSlash(dst)
	}

	res := result.New[*url.URL]()
	log := m.logger(ctx)
	for i, r := range batch {
		if r.err != nil {
			res.AddTargetError(sourceURL(r.expr), dst, errors.Errorf("%s failed: %w", name, r.err))
			continue
		}
		for _, src := range r.urls {
			got, err := run(ctx, handlers[i], src, dst)
			if err != nil {
				log.Warn().Err(err).Str("source", src.String()).Str("target", dst.String()).Msgf("%s failed", name)
				res.AddTargetError(src, dst, errors.Errorf("%s %s failed: %w", name, src, err))
				continue
			}
			res.AddTarget(src, dst, got)
		}
	}
	return res
}

func (m *Manager) resolveAll(ctx context.Context, exprs []uri.Single) ([]resolved, int) {
	out := make([]resolved, len(exprs))
	count := 0
	for i, e := range exprs {
		urls, err := m.resolveSingle(ctx, e)
		out[i] = resolved{expr: e, urls: urls, err: err}
		if err == nil {
			count += len(urls)
		}
	}
	return out, count
}

// findAll returns a handler for every path, or the error of the first path
// without one. Quoted paths skip the check when skipQuoted is set.
func (m *Manager) findAll(exprs []uri.Single, kind fs.OpKind, skipQuoted bool) ([]fs.Handler, error) {
	handlers := make([]fs.Handler, len(exprs))
	for i, e := range exprs {
		if skipQuoted && e.IsQuoted() {
			continue
		}
		op := fs.NewOperation(kind, e.Scheme())
		h := m.reg.Find(op)
		if h == nil {
			return nil, unsupported(op)
		}
		handlers[i] = h
	}
	return handlers, nil
}

// Delete removes every path matched by targets.
func (m *Manager) Delete(ctx context.Context, targets uri.URI, p fs.DeleteParams) *result.DeleteResult {
	if targets == nil {
		return result.Fail[struct{}](xerrors.Errorf(xerrors.KindInvalid, "delete", "", "no target given"))
	}
	exprs := m.absolute(ctx, targets)
	handlers, err := m.findAll(exprs, fs.OpDelete, false)
	if err != nil {
		return result.Fail[struct{}](err)
	}
	res := result.New[struct{}]()
	log := m.logger(ctx)
	batch, _ := m.resolveAll(ctx, exprs)
	for i, r := range batch {
		if r.err != nil {
			res.AddError(sourceURL(r.expr), errors.Errorf("delete failed: %w", r.err))
			continue
		}
		for _, u := range r.urls {
			if err := handlers[i].Delete(ctx, u, p); err != nil {
				log.Warn().Err(err).Str("target", u.String()).Msg("delete failed")
				res.AddError(u, errors.Errorf("delete %s failed: %w", u, err))
				continue
			}
			res.Add(u, struct{}{})
		}
	}
	return res
}

// Create creates every path of targets. Wildcards are not expanded; a
// trailing "/" asks for a directory.
func (m *Manager) Create(ctx context.Context, targets uri.URI, p fs.CreateParams) *result.CreateResult {
	if targets == nil {
		return result.Fail[struct{}](xerrors.Errorf(xerrors.KindInvalid, "create", "", "no target given"))
	}
	res := result.New[struct{}]()
	log := m.logger(ctx)
	for _, s := range m.absolute(ctx, targets) {
		u, err := literalURL(s)
		if err != nil {
			res.AddError(sourceURL(s), err)
			continue
		}
		op := fs.CreateOp(u.Scheme)
		h := m.reg.Find(op)
		if h == nil {
			res.AddError(u, unsupported(op))
			continue
		}
		params := p
		if uri.HasTrailingSlash(u) {
			params.Dir = fs.Bool(true)
		}
		if err := h.Create(ctx, u, params); err != nil {
			log.Warn().Err(err).Str("target", u.String()).Msg("create failed")
			res.AddError(u, errors.Errorf("create %s failed: %w", u, err))
			continue
		}
		res.Add(u, struct{}{})
	}
	return res
}

// List lists every path matched by targets. Files are listed as themselves;
// with DirectoryItself directories are too.
func (m *Manager) List(ctx context.Context, targets uri.URI, p fs.ListParams) *result.ListResult {
	if targets == nil {
		return result.Fail[[]fs.Info](xerrors.Errorf(xerrors.KindInvalid, "list", "", "no target given"))
	}
	exprs := m.absolute(ctx, targets)
	handlers, err := m.findAll(exprs, fs.OpList, false)
	if err != nil {
		return result.Fail[[]fs.Info](err)
	}
	res := result.New[[]fs.Info]()
	batch, _ := m.resolveAll(ctx, exprs)
	for i, r := range batch {
		if r.err != nil {
			res.AddError(sourceURL(r.expr), errors.Errorf("listing failed: %w", r.err))
			continue
		}
		for _, u := range r.urls {
			if p.DirectoryItself {
				info, err := m.info(ctx, u)
				if err == nil && info == nil {
					err = xerrors.E(xerrors.KindNotFound, "list", u.String())
				}
				if err != nil {
					res.AddError(u, errors.Errorf("listing failed: %w", err))
					continue
				}
				res.Add(u, []fs.Info{*info})
				continue
			}
			infos, err := handlers[i].List(ctx, u, p)
			if err != nil {
				res.AddError(u, errors.Errorf("listing %s failed: %w", u, err))
				continue
			}
			res.Add(u, infos)
		}
	}
	return res
}

// Resolve expands the wildcards of every path. Quoted paths resolve to
// themselves.
func (m *Manager) Resolve(ctx context.Context, targets uri.URI, _ fs.ResolveParams) *result.ResolveResult {
	if targets == nil {
		return result.Fail[[]*url.URL](xerrors.Errorf(xerrors.KindInvalid, "resolve", "", "no target given"))
	}
	exprs := m.absolute(ctx, targets)
	if _, err := m.findAll(exprs, fs.OpResolve, true); err != nil {
		return result.Fail[[]*url.URL](err)
	}
	res := result.New[[]*url.URL]()
	for _, e := range exprs {
		urls, err := m.resolveSingle(ctx, e)
		if err != nil {
			res.AddError(sourceURL(e), errors.Errorf("resolving %s failed: %w", e.Path(), err))
			continue
		}
		res.Add(sourceURL(e), urls)
	}
	return res
}

// Info describes a single path. A missing path succeeds with a nil Info.
func (m *Manager) Info(ctx context.Context, target uri.URI, p fs.InfoParams) *result.InfoResult {
	if target == nil || !target.IsSingle() {
		return result.Fail[*fs.Info](xerrors.Errorf(xerrors.KindInvalid, "info", "", "a single path is expected"))
	}
	s, _ := target.AsSingle()
	u, err := literalURL(s.AbsoluteSingle(m.WorkingDir(ctx)))
	if err != nil {
		return result.Fail[*fs.Info](err)
	}
	op := fs.InfoOp(u.Scheme)
	h := m.reg.Find(op)
	if h == nil {
		return result.Fail[*fs.Info](unsupported(op))
	}
	res := result.New[*fs.Info]()
	info, err := h.Info(ctx, u, p)
	if err != nil {
		return res.AddError(u, errors.Errorf("info failed: %w", err))
	}
	return res.Add(u, info)
}

// Read returns a lazily opened input for every path matched by sources.
func (m *Manager) Read(ctx context.Context, sources uri.URI, p fs.ReadParams) *result.ReadResult {
	if sources == nil {
		return result.Fail[result.Input](xerrors.Errorf(xerrors.KindInvalid, "read", "", "no source given"))
	}
	exprs := m.absolute(ctx, sources)
	handlers, err := m.findAll(exprs, fs.OpRead, false)
	if err != nil {
		return result.Fail[result.Input](err)
	}
	res := result.New[result.Input]()
	batch, _ := m.resolveAll(ctx, exprs)
	for i, r := range batch {
		if r.err != nil {
			res.AddError(sourceURL(r.expr), r.err)
			continue
		}
		h := handlers[i]
		for _, u := range r.urls {
			res.Add(u, result.NewInput(u, func(ctx context.Context) (io.ReadCloser, error) {
				return h.Read(ctx, u, p)
			}))
		}
	}
	return res
}

// Write returns a lazily opened output for every path matched by targets.
func (m *Manager) Write(ctx context.Context, targets uri.URI, _ fs.WriteParams) *result.WriteResult {
	if targets == nil {
		return result.Fail[result.Output](xerrors.Errorf(xerrors.KindInvalid, "write", "", "no target given"))
	}
	exprs := m.absolute(ctx, targets)
	handlers, err := m.findAll(exprs, fs.OpWrite, false)
	if err != nil {
		return result.Fail[result.Output](err)
	}
	res := result.New[result.Output]()
	batch, _ := m.resolveAll(ctx, exprs)
	for i, r := range batch {
		if r.err != nil {
			res.AddError(sourceURL(r.expr), r.err)
			continue
		}
		h := handlers[i]
		for _, u := range r.urls {
			res.Add(u, result.NewOutput(u, func(ctx context.Context, appending bool) (io.WriteCloser, error) {
				return h.Write(ctx, u, fs.WriteParams{Append: appending})
			}))
		}
	}
	return res
}

// LocalFile returns the native path of a single path, which may be a
// pattern matching at most one file.
func (m *Manager) LocalFile(ctx context.Context, target uri.URI, p fs.FileParams) (string, error) {
	if target == nil || !target.IsSingle() {
		return "", xerrors.Errorf(xerrors.KindInvalid, "file", "", "a single path is expected")
	}
	s, _ := target.AsSingle()
	s = s.AbsoluteSingle(m.WorkingDir(ctx))
	op := fs.FileOp(s.Scheme())
	h := m.reg.Find(op)
	if h == nil {
		return "", unsupported(op)
	}
	urls, err := m.resolveSingle(ctx, s)
	if err != nil {
		return "", errors.Errorf("resolving %s failed: %w", s.Path(), err)
	}
	var u *url.URL
	switch len(urls) {
	case 0:
		if u, err = literalURL(s); err != nil {
			return "", err
		}
	case 1:
		u = urls[0]
	default:
		return "", xerrors.Errorf(xerrors.KindInvalid, "file", s.Path(), "more than one matching file")
	}
	return h.LocalFile(ctx, u, p)
}
