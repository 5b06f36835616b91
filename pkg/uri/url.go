package uri

import (
	"net/url"
	"path"
	"strings"
)

// Clone returns a copy of u.
func Clone(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}

// Child returns dir/name. name is a decoded path segment.
func Child(dir *url.URL, name string) *url.URL {
	c := Clone(dir)
	p := c.Path
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	c.Path = p + name
	c.RawPath = ""
	return c
}

// ChildDir is Child with a trailing slash.
func ChildDir(dir *url.URL, name string) *url.URL {
	return WithTrailingSlash(Child(dir, name))
}

// Parent returns the directory containing u, with a trailing slash, or nil
// for a root.
func Parent(u *url.URL) *url.URL {
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return nil
	}
	dir := path.Dir(p)
	if dir == "." {
		return nil
	}
	c := Clone(u)
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	c.Path = dir
	c.RawPath = ""
	c.RawQuery = ""
	return c
}

// Name returns the last path segment of u without a trailing slash.
func Name(u *url.URL) string {
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// HasTrailingSlash reports whether u's path ends with "/".
func HasTrailingSlash(u *url.URL) bool {
	return strings.HasSuffix(u.Path, "/")
}

func WithTrailingSlash(u *url.URL) *url.URL {
	if HasTrailingSlash(u) {
		return u
	}
	c := Clone(u)
	c.Path += "/"
	c.RawPath = ""
	return c
}

func WithoutTrailingSlash(u *url.URL) *url.URL {
	if !HasTrailingSlash(u) || u.Path == "/" {
		return u
	}
	c := Clone(u)
	c.Path = strings.TrimSuffix(c.Path, "/")
	c.RawPath = ""
	return c
}

// Key returns a canonical form of u used to compare locations: lower-case
// scheme and host, cleaned path, no trailing slash.
func Key(u *url.URL) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(u.Scheme))
	b.WriteString("://")
	if u.User != nil {
		b.WriteString(u.User.Username())
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(u.Host))
	p := path.Clean("/" + u.Path)
	b.WriteString(p)
	return b.String()
}

// SameLocation reports whether a and b name the same path.
func SameLocation(a, b *url.URL) bool {
	return Key(a) == Key(b)
}

// IsAncestor reports whether u lies strictly below dir.
func IsAncestor(dir, u *url.URL) bool {
	prefix := Key(dir)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return strings.HasPrefix(Key(u), prefix)
}
