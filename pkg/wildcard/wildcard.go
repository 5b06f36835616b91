// Package wildcard expands glob paths into the concrete paths they match by
// walking the pattern segment by segment against live directory listings.
package wildcard

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jacktea/urifs/pkg/fs"
	"github.com/jacktea/urifs/pkg/uri"
	"github.com/jacktea/urifs/pkg/xerrors"
)

// Source is what resolution needs from a backend. Every fs.Primitive is a
// Source.
type Source interface {
	Info(ctx context.Context, u *url.URL) (*fs.Info, error)
	List(ctx context.Context, u *url.URL) ([]fs.Info, error)
}

const wildcards = "*?"

// scheme://authority/ of a URI; the authority may hold '*' or '?' in a
// password, which are not wildcards.
var urlPrefix = regexp.MustCompile(`^(([^/:]+)://[^/]*/?)(.*)$`)

// HasWildcards reports whether p contains '*' or '?'.
func HasWildcards(p string) bool {
	return strings.ContainsAny(p, wildcards)
}

// URIHasWildcards is HasWildcards ignoring the authority of non-file URIs.
func URIHasWildcards(p string) bool {
	if prefix, rest, ok := splitPrefix(p); ok && prefix != "" {
		return HasWildcards(rest)
	}
	return HasWildcards(p)
}

func splitPrefix(p string) (prefix, rest string, ok bool) {
	m := urlPrefix.FindStringSubmatch(p)
	if m == nil || strings.EqualFold(m[2], "file") {
		return "", p, false
	}
	return m[1], m[3], true
}

// Parts cuts p around each wildcard at the nearest separators:
// "/a/b*c/d" becomes ["/a/", "b*c/", "d"].
func Parts(p string) []string {
	var parts []string
	for p != "" {
		idx := strings.IndexAny(p, wildcards)
		if idx < 0 {
			parts = append(parts, p)
			break
		}
		if prev := strings.LastIndexByte(p[:idx], '/'); prev > 0 {
			parts = append(parts, p[:prev+1])
			p = p[prev+1:]
		}
		next := -1
		if len(p) > 1 {
			next = strings.IndexByte(p[1:], '/')
		}
		if next < 0 {
			parts = append(parts, p)
			break
		}
		parts = append(parts, p[:next+2])
		p = p[next+2:]
	}
	return parts
}

// URIParts is Parts for a full URI. For non-file schemes the
// "scheme://authority/" prefix is never cut: it is merged into the first part,
// or kept as a part of its own when the first part has wildcards.
func URIParts(p string) []string {
	prefix, rest, ok := splitPrefix(p)
	if !ok {
		return Parts(p)
	}
	parts := Parts(rest)
	switch {
	case len(parts) == 0:
		return []string{prefix}
	case HasWildcards(parts[0]):
		return append([]string{prefix}, parts...)
	default:
		parts[0] = prefix + parts[0]
		return parts
	}
}

// Match reports whether name matches pattern. '*' matches any run and '?'
// any one character; percent escapes in pattern decode to literal
// characters, so "%2A" matches a literal '*'.
func Match(pattern, name string) (bool, error) {
	return doublestar.Match(compile(pattern), name)
}

var globMeta = `*?[]{}\`

func compile(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '*' || c == '?':
			b.WriteByte(c)
			continue
		case c == '%' && i+2 < len(pattern) && isHex(pattern[i+1]) && isHex(pattern[i+2]):
			c = unhex(pattern[i+1])<<4 | unhex(pattern[i+2])
			i += 2
		}
		if strings.IndexByte(globMeta, c) >= 0 {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// Resolve expands pattern against src. A relative pattern, or one without
// wildcards, is returned as-is without touching src. A missing base, or a
// base that is not a directory, yields no matches.
func Resolve(ctx context.Context, src Source, pattern string) ([]*url.URL, error) {
	const op = "resolve"
	if uri.Scheme(pattern) == "" || !URIHasWildcards(pattern) {
		u, err := url.Parse(pattern)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, op, pattern, err)
		}
		return []*url.URL{u}, nil
	}

	parts := URIParts(pattern)
	base, err := url.Parse(parts[0])
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, parts[0], err)
	}
	info, err := src.Info(ctx, base)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	bases := []fs.Info{*info}

	for i, part := range parts[1:] {
		name := strings.TrimSuffix(part, "/")
		dirsOnly := i < len(parts)-2 || name != part
		var next []fs.Info
		for _, b := range bases {
			if err := xerrors.Interrupted(ctx, op, pattern); err != nil {
				return nil, err
			}
			// skipped rather than rejected, so one file among the bases
			// does not fail the whole pattern
			if !b.IsDirectory() {
				continue
			}
			matches, err := expand(ctx, src, b, name, dirsOnly)
			if err != nil {
				return nil, err
			}
			next = append(next, matches...)
		}
		bases = next
		if len(bases) == 0 {
			break
		}
	}

	out := make([]*url.URL, 0, len(bases))
	for _, b := range bases {
		out = append(out, b.URI)
	}
	return out, nil
}

func expand(ctx context.Context, src Source, base fs.Info, name string, dirsOnly bool) ([]fs.Info, error) {
	if !HasWildcards(name) {
		decoded, err := url.PathUnescape(name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, "resolve", name, err)
		}
		child, err := src.Info(ctx, uri.Child(base.URI, decoded))
		if err != nil || child == nil {
			return nil, err
		}
		if dirsOnly && !child.IsDirectory() {
			return nil, nil
		}
		return []fs.Info{*child}, nil
	}

	children, err := src.List(ctx, base.URI)
	if err != nil {
		return nil, err
	}
	var out []fs.Info
	for _, c := range children {
		if dirsOnly && !c.IsDirectory() {
			continue
		}
		ok, err := Match(name, c.Name)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInvalid, "resolve", name, err)
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}
