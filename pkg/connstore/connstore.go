// Package connstore keeps named connections: credentials and options for a
// remote authority, looked up when a URI names that authority.
package connstore

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacktea/urifs/pkg/xerrors"
)

// Connection describes how to reach one authority.
type Connection struct {
	Name     string            `json:"name"`
	Scheme   string            `json:"scheme"`
	Host     string            `json:"host"`
	User     string            `json:"user,omitempty"`
	Password string            `json:"password,omitempty"`
	KeyFile  string            `json:"key_file,omitempty"`
	Options  map[string]string `json:"options,omitempty"`
	Created  time.Time         `json:"created"`
}

// Key identifies the authority a connection serves.
func (c Connection) Key() string {
	return authorityKey(c.Scheme, c.User, c.Host)
}

// Option returns the named option or def.
func (c Connection) Option(name, def string) string {
	if v, ok := c.Options[name]; ok && v != "" {
		return v
	}
	return def
}

func authorityKey(scheme, user, host string) string {
	k := strings.ToLower(scheme) + "://"
	if user != "" {
		k += user + "@"
	}
	return k + strings.ToLower(host)
}

func (c Connection) validate() error {
	if c.Name == "" {
		return xerrors.Errorf(xerrors.KindInvalid, "conn", "", "name is required")
	}
	if c.Scheme == "" || c.Host == "" {
		return xerrors.Errorf(xerrors.KindInvalid, "conn", c.Name, "scheme and host are required")
	}
	return nil
}

// Store persists connections.
type Store interface {
	Put(ctx context.Context, c Connection) error
	Get(ctx context.Context, name string) (Connection, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]Connection, error)
	// Lookup finds the connection for u's authority, preferring one saved
	// for u's user.
	Lookup(ctx context.Context, u *url.URL) (Connection, bool, error)
	Close() error
}

// Resolve returns the connection for u with u's own user info applied on
// top. s may be nil.
func Resolve(ctx context.Context, s Store, u *url.URL) (Connection, error) {
	c := Connection{Scheme: u.Scheme, Host: u.Host}
	if s != nil {
		found, ok, err := s.Lookup(ctx, u)
		if err != nil {
			return Connection{}, err
		}
		if ok {
			c = found
		}
	}
	if u.User != nil {
		c.User = u.User.Username()
		if p, ok := u.User.Password(); ok {
			c.Password = p
		}
	}
	return c, nil
}

func lookupKeys(u *url.URL) []string {
	var keys []string
	if u.User != nil && u.User.Username() != "" {
		keys = append(keys, authorityKey(u.Scheme, u.User.Username(), u.Host))
	}
	return append(keys, authorityKey(u.Scheme, "", u.Host))
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]Connection)}
}

func (m *MemoryStore) Put(_ context.Context, c Connection) error {
	if err := c.validate(); err != nil {
		return err
	}
	if c.Created.IsZero() {
		c.Created = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.Name] = c
	return nil
}

func (m *MemoryStore) Get(_ context.Context, name string) (Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[name]
	if !ok {
		return Connection{}, xerrors.E(xerrors.KindNotFound, "conn", name)
	}
	return c, nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[name]; !ok {
		return xerrors.E(xerrors.KindNotFound, "conn", name)
	}
	delete(m.conns, name)
	return nil
}

func (m *MemoryStore) List(context.Context) ([]Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) Lookup(_ context.Context, u *url.URL) (Connection, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range lookupKeys(u) {
		var (
			match Connection
			found bool
		)
		for _, c := range m.conns {
			if c.Key() == key && (!found || c.Name < match.Name) {
				match, found = c, true
			}
		}
		if found {
			return match, true, nil
		}
	}
	return Connection{}, false, nil
}

func (m *MemoryStore) Close() error { return nil }

type contextKey struct{}

// WithStore attaches s to ctx for handlers that look up credentials.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the store attached to ctx, or nil.
func FromContext(ctx context.Context) Store {
	s, _ := ctx.Value(contextKey{}).(Store)
	return s
}
