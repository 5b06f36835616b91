// Package vfs implements copy, move, delete, list and create with full
// directory-tree semantics on top of any fs.Primitive.
package vfs

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/logging"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/wildcard"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// FS provides every fs.Handler method except CanPerform and Priority.
// Backends embed *FS and add those two.
//
// Trees are walked depth-first by recursion, one level per directory. Each
// level checks ctx before touching the backend.
type FS struct {
	prim fs.Primitive
}

// New wraps prim.
func New(prim fs.Primitive) *FS {
	if prim == nil {
		panic("vfs: primitive must not be nil")
	}
	return &FS{prim: prim}
}

// Primitive exposes the wrapped primitive.
func (f *FS) Primitive() fs.Primitive { return f.prim }

func (f *FS) info(ctx context.Context, op string, u *url.URL) (*fs.Info, error) {
	info, err := f.prim.Info(ctx, u)
	if err != nil {
		return nil, xerrors.Backend(op, u.String(), err)
	}
	return info, nil
}

func (f *FS) mustInfo(ctx context.Context, op string, u *url.URL) (*fs.Info, error) {
	info, err := f.info(ctx, op, u)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, xerrors.E(xerrors.KindNotFound, op, u.String())
	}
	return info, nil
}

func (f *FS) list(ctx context.Context, op string, u *url.URL) ([]fs.Info, error) {
	children, err := f.prim.List(ctx, u)
	if err != nil {
		return nil, xerrors.Backend(op, u.String(), err)
	}
	return children, nil
}

func childOf(dir *url.URL, c fs.Info) *url.URL {
	if c.IsDirectory() {
		return uri.ChildDir(dir, c.Name)
	}
	return uri.Child(dir, c.Name)
}

// target resolves where source lands for copy and move. An existing
// directory target receives a file source as a child; a directory source
// goes inside it only when target ends with "/", otherwise it replaces or
// merges into target.
func (f *FS) target(ctx context.Context, op string, source *url.URL, src *fs.Info, target *url.URL, makeParents bool) (*url.URL, error) {
	if uri.SameLocation(source, target) {
		return nil, xerrors.E(xerrors.KindSameLocation, op, source.String())
	}
	ti, err := f.info(ctx, op, target)
	if err != nil {
		return nil, err
	}
	trailing := uri.HasTrailingSlash(target)
	switch {
	case ti != nil && ti.IsDirectory() && (!src.IsDirectory() || trailing):
		target = childOf(target, *src)
	case ti == nil && trailing:
		if makeParents {
			target = childOf(target, *src)
		} else if !src.IsDirectory() {
			return nil, xerrors.E(xerrors.KindNotADirectory, op, target.String())
		}
	case ti != nil && !ti.IsDirectory() && trailing:
		return nil, xerrors.E(xerrors.KindNotADirectory, op, target.String())
	}
	if src.IsDirectory() && uri.IsAncestor(source, target) {
		return nil, xerrors.Errorf(xerrors.KindUnsupported, op, target.String(), "cannot %s %s into its own subdirectory", op, source)
	}
	return target, nil
}

// Copy copies source to target and returns the path written.
func (f *FS) Copy(ctx context.Context, source, target *url.URL, p fs.CopyParams) (*url.URL, error) {
	src, err := f.mustInfo(ctx, "copy", source)
	if err != nil {
		return nil, err
	}
	dst, err := f.target(ctx, "copy", source, src, target, p.MakeParents)
	if err != nil {
		return nil, err
	}
	if err := f.copyInternal(ctx, source, dst, p); err != nil {
		return nil, err
	}
	return dst, nil
}

func (f *FS) copyInternal(ctx context.Context, source, target *url.URL, p fs.CopyParams) error {
	const op = "copy"
	if err := xerrors.Interrupted(ctx, op, source.String()); err != nil {
		return err
	}
	src, err := f.mustInfo(ctx, op, source)
	if err != nil {
		return err
	}
	dst, err := f.info(ctx, op, target)
	if err != nil {
		return err
	}
	if dst != nil && uri.SameLocation(source, target) {
		return xerrors.E(xerrors.KindSameLocation, op, source.String())
	}

	if src.IsDirectory() {
		if !p.Recursive {
			return xerrors.Errorf(xerrors.KindUnsupported, op, source.String(), "directory copy requires recursive")
		}
		if dst != nil && !dst.IsDirectory() {
			return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "cannot overwrite a file with directory %s", source)
		}
		if dst == nil {
			if p.MakeParents {
				if err := f.makeParents(ctx, op, target); err != nil {
					return err
				}
			}
			if err := f.prim.MakeDir(ctx, target); err != nil {
				return xerrors.Backend(op, target.String(), err)
			}
		}
		children, err := f.list(ctx, op, source)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := f.copyInternal(ctx, c.URI, childOf(target, c), p); err != nil {
				return err
			}
		}
		return nil
	}

	if dst != nil {
		if dst.IsDirectory() {
			return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "cannot overwrite a directory with file %s", source)
		}
		if skip(p.Overwrite, src, dst) {
			return nil
		}
	} else if p.MakeParents {
		if err := f.makeParents(ctx, op, target); err != nil {
			return err
		}
	}
	if err := xerrors.Interrupted(ctx, op, source.String()); err != nil {
		return err
	}
	return xerrors.Backend(op, target.String(), f.prim.CopyFile(ctx, source, target))
}

// skip reports whether an existing target is kept. UPDATE transfers unless
// both timestamps are known and the source is not strictly newer.
func skip(policy fs.Overwrite, src, dst *fs.Info) bool {
	switch policy {
	case fs.OverwriteNever:
		return true
	case fs.OverwriteUpdate:
		if src.LastModified.IsZero() || dst.LastModified.IsZero() {
			return false
		}
		return !src.LastModified.After(dst.LastModified)
	}
	return false
}

// Move moves source to target and returns the new path.
func (f *FS) Move(ctx context.Context, source, target *url.URL, p fs.MoveParams) (*url.URL, error) {
	src, err := f.mustInfo(ctx, "move", source)
	if err != nil {
		return nil, err
	}
	dst, err := f.target(ctx, "move", source, src, target, p.MakeParents)
	if err != nil {
		return nil, err
	}
	if err := f.moveInternal(ctx, source, dst, p); err != nil {
		return nil, err
	}
	return dst, nil
}

func (f *FS) moveInternal(ctx context.Context, source, target *url.URL, p fs.MoveParams) error {
	const op = "move"
	if err := xerrors.Interrupted(ctx, op, source.String()); err != nil {
		return err
	}
	src, err := f.mustInfo(ctx, op, source)
	if err != nil {
		return err
	}
	dst, err := f.info(ctx, op, target)
	if err != nil {
		return err
	}
	if dst != nil && uri.SameLocation(source, target) {
		return xerrors.E(xerrors.KindSameLocation, op, source.String())
	}
	log := logging.FromContext(ctx)

	if src.IsDirectory() {
		if dst != nil {
			if !dst.IsDirectory() {
				return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "cannot overwrite a file with directory %s", source)
			}
			children, err := f.list(ctx, op, target)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				return xerrors.E(xerrors.KindNotEmpty, op, target.String())
			}
			// the slot must be free for a native rename
			if err := f.prim.RemoveDir(ctx, target); err != nil {
				return xerrors.Backend(op, target.String(), err)
			}
		} else if p.MakeParents {
			if err := f.makeParents(ctx, op, target); err != nil {
				return err
			}
		}
		err = f.prim.RenameTo(ctx, source, target)
		if err == nil {
			return nil
		}
		log.Debug().Err(err).Str("source", source.String()).Msg("rename failed, moving entries")
		if err := f.prim.MakeDir(ctx, target); err != nil {
			return xerrors.Backend(op, target.String(), err)
		}
		children, err := f.list(ctx, op, source)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := f.moveInternal(ctx, c.URI, childOf(target, c), p); err != nil {
				return err
			}
		}
		return xerrors.Backend(op, source.String(), f.prim.RemoveDir(ctx, source))
	}

	if dst != nil {
		if dst.IsDirectory() {
			return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "cannot overwrite a directory with file %s", source)
		}
		if skip(p.Overwrite, src, dst) {
			return nil
		}
		if err := f.prim.DeleteFile(ctx, target); err != nil {
			return xerrors.Backend(op, target.String(), err)
		}
	} else if p.MakeParents {
		if err := f.makeParents(ctx, op, target); err != nil {
			return err
		}
	}
	err = f.prim.RenameTo(ctx, source, target)
	if err == nil {
		return nil
	}
	log.Debug().Err(err).Str("source", source.String()).Msg("rename failed, copying")
	if err := xerrors.Interrupted(ctx, op, source.String()); err != nil {
		return err
	}
	if err := f.prim.CopyFile(ctx, source, target); err != nil {
		return xerrors.Backend(op, target.String(), err)
	}
	return xerrors.Backend(op, source.String(), f.prim.DeleteFile(ctx, source))
}

// Delete removes target. Directories with entries need p.Recursive and are
// emptied depth-first.
func (f *FS) Delete(ctx context.Context, target *url.URL, p fs.DeleteParams) error {
	const op = "delete"
	if err := xerrors.Interrupted(ctx, op, target.String()); err != nil {
		return err
	}
	info, err := f.mustInfo(ctx, op, target)
	if err != nil {
		return err
	}
	if !info.IsDirectory() {
		if uri.HasTrailingSlash(target) {
			return xerrors.E(xerrors.KindNotADirectory, op, target.String())
		}
		return xerrors.Backend(op, target.String(), f.prim.DeleteFile(ctx, target))
	}
	children, err := f.list(ctx, op, target)
	if err != nil {
		return err
	}
	if len(children) > 0 && !p.Recursive {
		return xerrors.E(xerrors.KindNotEmpty, op, target.String())
	}
	for _, c := range children {
		if err := f.Delete(ctx, c.URI, p); err != nil {
			return err
		}
	}
	return xerrors.Backend(op, target.String(), f.prim.RemoveDir(ctx, target))
}

// List returns the entries of a directory, or the entry itself for a file.
// Recursive listings put each directory right before its descendants.
func (f *FS) List(ctx context.Context, target *url.URL, p fs.ListParams) ([]fs.Info, error) {
	const op = "list"
	if err := xerrors.Interrupted(ctx, op, target.String()); err != nil {
		return nil, err
	}
	info, err := f.mustInfo(ctx, op, target)
	if err != nil {
		return nil, err
	}
	if !info.IsDirectory() {
		if uri.HasTrailingSlash(target) {
			return nil, xerrors.E(xerrors.KindNotADirectory, op, target.String())
		}
		return []fs.Info{*info}, nil
	}
	return f.listDir(ctx, target, p.Recursive)
}

func (f *FS) listDir(ctx context.Context, dir *url.URL, recursive bool) ([]fs.Info, error) {
	children, err := f.list(ctx, "list", dir)
	if err != nil {
		return nil, err
	}
	if !recursive {
		return children, nil
	}
	out := make([]fs.Info, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		if !c.IsDirectory() {
			continue
		}
		if err := xerrors.Interrupted(ctx, "list", c.URI.String()); err != nil {
			return nil, err
		}
		sub, err := f.listDir(ctx, c.URI, true)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// Info returns the metadata of target, or nil when it does not exist.
func (f *FS) Info(ctx context.Context, target *url.URL, _ fs.InfoParams) (*fs.Info, error) {
	return f.info(ctx, "info", target)
}

// Create creates target, or touches it when it exists.
func (f *FS) Create(ctx context.Context, target *url.URL, p fs.CreateParams) error {
	const op = "create"
	if err := xerrors.Interrupted(ctx, op, target.String()); err != nil {
		return err
	}
	info, err := f.info(ctx, op, target)
	if err != nil {
		return err
	}
	if info != nil {
		if p.Dir != nil && *p.Dir != info.IsDirectory() {
			if *p.Dir {
				return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "exists and is not a directory")
			}
			return xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "exists and is not a file")
		}
		stamp := p.LastModified
		if stamp.IsZero() {
			stamp = time.Now()
		}
		f.touch(ctx, target, stamp)
		return nil
	}

	if p.MakeParents {
		if err := f.makeParents(ctx, op, target); err != nil {
			return err
		}
	}
	if p.IsDir() {
		err = f.prim.MakeDir(ctx, target)
	} else {
		err = f.prim.CreateFile(ctx, target)
	}
	if err != nil {
		return xerrors.Backend(op, target.String(), err)
	}
	if !p.LastModified.IsZero() {
		f.touch(ctx, target, p.LastModified)
	}
	return nil
}

func (f *FS) touch(ctx context.Context, u *url.URL, t time.Time) {
	if err := f.prim.SetLastModified(ctx, u, t); err != nil {
		logging.FromContext(ctx).Debug().Err(err).Str("uri", u.String()).Msg("set last modified failed")
	}
}

// makeParents creates the missing ancestors of u, outermost first. Existing
// ancestors are left alone.
func (f *FS) makeParents(ctx context.Context, op string, u *url.URL) error {
	var missing []*url.URL
	for parent := uri.Parent(u); parent != nil; parent = uri.Parent(parent) {
		if err := xerrors.Interrupted(ctx, op, parent.String()); err != nil {
			return err
		}
		info, err := f.info(ctx, op, parent)
		if err != nil {
			return err
		}
		if info != nil {
			if !info.IsDirectory() {
				return xerrors.E(xerrors.KindNotADirectory, op, parent.String())
			}
			break
		}
		missing = append(missing, parent)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := f.prim.MakeDir(ctx, missing[i]); err != nil {
			return xerrors.Backend(op, missing[i].String(), err)
		}
	}
	return nil
}

// Read opens source for reading.
func (f *FS) Read(ctx context.Context, source *url.URL, _ fs.ReadParams) (io.ReadCloser, error) {
	r, err := f.prim.Read(ctx, source)
	if err != nil {
		return nil, xerrors.Backend("read", source.String(), err)
	}
	return r, nil
}

// Write opens target for writing, creating the file when it is missing.
func (f *FS) Write(ctx context.Context, target *url.URL, p fs.WriteParams) (io.WriteCloser, error) {
	const op = "write"
	info, err := f.info(ctx, op, target)
	if err != nil {
		return nil, err
	}
	if info == nil {
		if err := f.prim.CreateFile(ctx, target); err != nil {
			return nil, xerrors.Backend(op, target.String(), err)
		}
	} else if info.IsDirectory() {
		return nil, xerrors.Errorf(xerrors.KindTypeMismatch, op, target.String(), "is a directory")
	}
	var w io.WriteCloser
	if p.Append {
		w, err = f.prim.Append(ctx, target)
	} else {
		w, err = f.prim.Write(ctx, target)
	}
	if err != nil {
		return nil, xerrors.Backend(op, target.String(), err)
	}
	return w, nil
}

// Resolve expands wildcards in pattern against the primitive.
func (f *FS) Resolve(ctx context.Context, pattern string, _ fs.ResolveParams) ([]*url.URL, error) {
	return wildcard.Resolve(ctx, f.prim, pattern)
}

// LocalFile returns the native path of target when the primitive has one.
func (f *FS) LocalFile(ctx context.Context, target *url.URL, _ fs.FileParams) (string, error) {
	lf, ok := f.prim.(fs.LocalFiler)
	if !ok {
		return "", xerrors.E(xerrors.KindUnsupported, "file", target.String())
	}
	return lf.LocalFile(ctx, target)
}
