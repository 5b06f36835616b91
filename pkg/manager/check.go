package manager

import (
	"context"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Exists reports whether every path of u exists.
func (m *Manager) Exists(ctx context.Context, u uri.URI) (bool, error) {
	return m.every(ctx, u, func(info *fs.Info) bool { return info != nil })
}

// IsDirectory reports whether every path of u is an existing directory.
func (m *Manager) IsDirectory(ctx context.Context, u uri.URI) (bool, error) {
	return m.every(ctx, u, func(info *fs.Info) bool { return info != nil && info.IsDirectory() })
}

// IsFile reports whether every path of u is an existing file.
func (m *Manager) IsFile(ctx context.Context, u uri.URI) (bool, error) {
	return m.every(ctx, u, func(info *fs.Info) bool { return info != nil && info.IsFile() })
}

func (m *Manager) every(ctx context.Context, u uri.URI, pred func(*fs.Info) bool) (bool, error) {
	for _, s := range m.absolute(ctx, u) {
		target, err := literalURL(s)
		if err != nil {
			return false, err
		}
		info, err := m.info(ctx, target)
		if err != nil {
			return false, err
		}
		if !pred(info) {
			return false, nil
		}
	}
	return true, nil
}

// CheckCompatibility reports, without I/O, whether kind can run on every
// path of target. COPY and MOVE need two arguments; see CheckCompatibility2.
func (m *Manager) CheckCompatibility(ctx context.Context, kind fs.OpKind, target string) error {
	u, err := m.Parse(target)
	if err != nil {
		return err
	}
	parts := m.absolute(ctx, u)
	switch kind {
	case fs.OpCreate, fs.OpDelete, fs.OpList, fs.OpRead, fs.OpResolve, fs.OpWrite:
		for _, p := range parts {
			if kind == fs.OpResolve && p.IsQuoted() {
				continue
			}
			if err := m.checkProtocols(fs.NewOperation(kind, p.Scheme())); err != nil {
				return err
			}
		}
		return nil
	case fs.OpFile, fs.OpInfo:
		if len(parts) != 1 {
			return xerrors.Errorf(xerrors.KindInvalid, kind.String(), target, "a single path is expected")
		}
		return m.checkProtocols(fs.NewOperation(kind, parts[0].Scheme()))
	}
	return xerrors.Errorf(xerrors.KindInvalid, kind.String(), target, "%s is not available for one argument", kind)
}

// CheckCompatibility2 is CheckCompatibility for COPY and MOVE.
func (m *Manager) CheckCompatibility2(ctx context.Context, kind fs.OpKind, source, target string) error {
	if !kind.Binary() {
		return xerrors.Errorf(xerrors.KindInvalid, kind.String(), target, "%s is not available for two arguments", kind)
	}
	src, err := m.Parse(source)
	if err != nil {
		return err
	}
	dst, err := m.Parse(target)
	if err != nil {
		return err
	}
	single, ok := dst.AsSingle()
	if !ok {
		return xerrors.Errorf(xerrors.KindInvalid, kind.String(), target, "a single target is required")
	}
	single = single.AbsoluteSingle(m.WorkingDir(ctx))
	for _, s := range m.absolute(ctx, src) {
		if err := m.checkProtocols(fs.NewOperation(kind, s.Scheme(), single.Scheme())); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) checkProtocols(op fs.Operation) error {
	if m.reg.CanPerform(op) {
		return nil
	}
	if op.Kind.Binary() {
		return xerrors.Errorf(xerrors.KindUnsupported, op.Kind.String(), "", "%s is not supported from %s to %s", op.Kind, op.Scheme, op.Target)
	}
	return xerrors.Errorf(xerrors.KindUnsupported, op.Kind.String(), "", "%s is not supported for %s", op.Kind, op.Scheme)
}
