// Package uri models the logical paths operations are addressed with: a
// Single path or an ordered Multi list, each optionally quoted and carrying
// a context URL that relative paths resolve against.
package uri

import (
	"net/url"
	"path"
	"strings"

	"github.com/jacktea/urifs/pkg/xerrors"
)

// URI is either a Single path or a Multi list of paths.
type URI interface {
	IsSingle() bool
	AsSingle() (Single, bool)
	Split() []Single
	Absolute(cwd *url.URL) URI
	String() string
}

// Single is one logical path.
type Single struct {
	path    string
	context *url.URL
	quoted  bool
}

// Multi is an ordered, non-empty list of paths.
type Multi []Single

var (
	_ URI = Single{}
	_ URI = Multi{}
)

// NewSingle wraps an already normalized path.
func NewSingle(p string, quoted bool) Single {
	return Single{path: p, quoted: quoted}
}

// FromURL wraps u as a quoted Single so it is used literally.
func FromURL(u *url.URL) Single {
	return Single{path: u.String(), quoted: true}
}

func (s Single) IsSingle() bool           { return true }
func (s Single) AsSingle() (Single, bool) { return s, true }
func (s Single) Split() []Single          { return []Single{s} }
func (s Single) Path() string             { return s.path }
func (s Single) IsQuoted() bool           { return s.quoted }
func (s Single) Context() *url.URL        { return s.context }
func (s Single) Scheme() string           { return Scheme(s.path) }
func (s Single) IsRelative() bool         { return s.Scheme() == "" }
func (s Single) HasTrailingSlash() bool   { return strings.HasSuffix(s.path, "/") }
func (s Single) WithPath(p string) Single { s.path = p; return s }
func (s Single) WithQuoted(q bool) Single { s.quoted = q; return s }
func (s Single) WithContext(ctx *url.URL) Single {
	s.context = ctx
	return s
}

// String returns the path, re-quoted when quoted.
func (s Single) String() string {
	if s.quoted {
		return "'" + s.path + "'"
	}
	return s.path
}

// Absolute resolves a relative path against its own context, or cwd when
// it has none. Absolute paths are returned unchanged.
func (s Single) Absolute(cwd *url.URL) URI {
	return s.AbsoluteSingle(cwd)
}

// AbsoluteSingle is Absolute with a concrete return type.
func (s Single) AbsoluteSingle(cwd *url.URL) Single {
	if !s.IsRelative() {
		return s
	}
	base := s.context
	if base == nil {
		base = cwd
	}
	if base == nil {
		return s
	}
	s.path = resolveRelative(base, s.path)
	return s
}

// URL parses the path. The raw text must not contain wildcards that url.Parse
// would misread ('?' starts a query).
func (s Single) URL() (*url.URL, error) {
	u, err := url.Parse(s.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "parse", s.path, err)
	}
	if u.Scheme == "" {
		return nil, xerrors.Errorf(xerrors.KindInvalid, "parse", s.path, "relative path has no scheme")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

func (m Multi) IsSingle() bool { return len(m) == 1 }

func (m Multi) AsSingle() (Single, bool) {
	if len(m) != 1 {
		return Single{}, false
	}
	return m[0], true
}

func (m Multi) Split() []Single { return append([]Single(nil), m...) }

func (m Multi) Absolute(cwd *url.URL) URI {
	out := make(Multi, len(m))
	for i, s := range m {
		out[i] = s.AbsoluteSingle(cwd)
	}
	return out
}

func (m Multi) String() string {
	parts := make([]string, len(m))
	for i, s := range m {
		parts[i] = s.String()
	}
	return strings.Join(parts, DefaultSeparator)
}

// Join builds a URI from the given paths; one path yields a Single.
func Join(paths ...Single) URI {
	if len(paths) == 1 {
		return paths[0]
	}
	return Multi(paths)
}

// Scheme returns the lower-cased prefix before the first colon when it is a
// valid scheme token, or "" for relative paths.
func Scheme(p string) string {
	i := strings.IndexByte(p, ':')
	if i <= 0 {
		return ""
	}
	for j := 0; j < i; j++ {
		c := p[j]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case j > 0 && ('0' <= c && c <= '9' || c == '+' || c == '-' || c == '.'):
		default:
			return ""
		}
	}
	// a single letter before ':' is a drive, not a scheme
	if i == 1 {
		return ""
	}
	return strings.ToLower(p[:i])
}

func resolveRelative(base *url.URL, rel string) string {
	dir := base.EscapedPath()
	if dir == "" {
		dir = "/"
	}
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir)
		if !strings.HasSuffix(dir, "/") {
			dir += "/"
		}
	}
	joined := path.Join(dir, rel)
	if strings.HasSuffix(rel, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return authorityPrefix(base) + joined
}

func authorityPrefix(u *url.URL) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.String())
		b.WriteByte('@')
	}
	b.WriteString(u.Host)
	return b.String()
}
