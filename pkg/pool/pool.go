// Package pool keeps idle client connections per authority and lends them
// out for the duration of one operation.
package pool

import (
	"context"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/urifs/pkg/xerrors"
)

const (
	DefaultMaxIdle = 2
	DefaultMaxKeys = 64
)

// Config describes how connections of type C are made and discarded.
type Config[C any] struct {
	Dial func(ctx context.Context, key string) (C, error)
	// Close discards a connection.
	Close func(C) error
	// Validate checks an idle connection before it is lent out. Optional.
	Validate func(C) error
	// Broken reports whether an operation error leaves the connection
	// unusable. Defaults to Backend and Interrupted errors.
	Broken func(error) bool
	// MaxIdle bounds idle connections per key.
	MaxIdle int
	// MaxKeys bounds the number of keys with idle connections; the least
	// recently used key is closed first.
	MaxKeys int
	Logger  *zerolog.Logger
}

// Pool is safe for concurrent use.
type Pool[C any] struct {
	cfg Config[C]
	log zerolog.Logger

	mu     sync.Mutex
	keys   *lru.Cache[string, *bucket[C]]
	closed bool
}

type bucket[C any] struct {
	idle []C
}

// New returns a pool. Dial and Close are required.
func New[C any](cfg Config[C]) *Pool[C] {
	if cfg.Dial == nil || cfg.Close == nil {
		panic("pool: Dial and Close are required")
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.Broken == nil {
		cfg.Broken = defaultBroken
	}
	p := &Pool[C]{cfg: cfg, log: zerolog.Nop()}
	if cfg.Logger != nil {
		p.log = *cfg.Logger
	}
	keys, err := lru.NewWithEvict(cfg.MaxKeys, func(key string, b *bucket[C]) {
		p.discard(key, b.idle...)
	})
	if err != nil {
		panic(err)
	}
	p.keys = keys
	return p
}

func defaultBroken(err error) bool {
	switch xerrors.KindOf(err) {
	case xerrors.KindBackend, xerrors.KindInterrupted:
		return true
	}
	return false
}

// Borrow returns an idle connection for key, or dials a new one.
func (p *Pool[C]) Borrow(ctx context.Context, key string) (*Lease[C], error) {
	if err := xerrors.Interrupted(ctx, "dial", key); err != nil {
		return nil, err
	}
	for {
		conn, ok, err := p.takeIdle(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if p.cfg.Validate != nil {
			if err := p.cfg.Validate(conn); err != nil {
				p.log.Debug().Err(err).Str("key", key).Msg("dropping stale connection")
				p.discard(key, conn)
				continue
			}
		}
		return &Lease[C]{pool: p, key: key, conn: conn}, nil
	}
	conn, err := p.cfg.Dial(ctx, key)
	if err != nil {
		return nil, xerrors.Backend("dial", key, err)
	}
	return &Lease[C]{pool: p, key: key, conn: conn}, nil
}

func (p *Pool[C]) takeIdle(key string) (C, bool, error) {
	var zero C
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return zero, false, xerrors.Errorf(xerrors.KindInvalid, "dial", key, "pool is closed")
	}
	b, ok := p.keys.Get(key)
	if !ok || len(b.idle) == 0 {
		return zero, false, nil
	}
	conn := b.idle[len(b.idle)-1]
	b.idle = b.idle[:len(b.idle)-1]
	return conn, true, nil
}

func (p *Pool[C]) put(key string, conn C) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(key, conn)
		return
	}
	b, ok := p.keys.Get(key)
	if !ok {
		b = &bucket[C]{}
		p.keys.Add(key, b)
	}
	if len(b.idle) >= p.cfg.MaxIdle {
		p.mu.Unlock()
		p.discard(key, conn)
		return
	}
	b.idle = append(b.idle, conn)
	p.mu.Unlock()
}

func (p *Pool[C]) discard(key string, conns ...C) {
	for _, c := range conns {
		if err := p.cfg.Close(c); err != nil {
			p.log.Debug().Err(err).Str("key", key).Msg("close connection failed")
		}
	}
}

// Idle returns the number of idle connections for key.
func (p *Pool[C]) Idle(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.keys.Peek(key); ok {
		return len(b.idle)
	}
	return 0
}

// Close discards every idle connection. Leases still out are discarded on
// release.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []C
	for _, k := range p.keys.Keys() {
		if b, ok := p.keys.Peek(k); ok {
			idle = append(idle, b.idle...)
			// emptied so the purge callback has nothing left to close
			b.idle = nil
		}
	}
	p.keys.Purge()
	p.mu.Unlock()

	var g errgroup.Group
	for _, c := range idle {
		g.Go(func() error { return p.cfg.Close(c) })
	}
	return g.Wait()
}

// Lease is one borrowed connection. It must be released exactly once.
type Lease[C any] struct {
	pool *Pool[C]
	key  string
	conn C
	once sync.Once
}

func (l *Lease[C]) Conn() C { return l.conn }

// Release returns the connection to the pool, or discards it when err
// marks it broken.
func (l *Lease[C]) Release(err error) {
	l.once.Do(func() {
		if err != nil && l.pool.cfg.Broken(err) {
			l.pool.discard(l.key, l.conn)
			return
		}
		l.pool.put(l.key, l.conn)
	})
}

// ReadCloser releases the lease when rc is closed.
func (l *Lease[C]) ReadCloser(rc io.ReadCloser) io.ReadCloser {
	return &leasedReader{ReadCloser: rc, release: l.Release}
}

// WriteCloser releases the lease when wc is closed.
func (l *Lease[C]) WriteCloser(wc io.WriteCloser) io.WriteCloser {
	return &leasedWriter{WriteCloser: wc, release: l.Release}
}

type leasedReader struct {
	io.ReadCloser
	release func(error)
}

func (r *leasedReader) Close() error {
	err := r.ReadCloser.Close()
	r.release(err)
	return err
}

type leasedWriter struct {
	io.WriteCloser
	release func(error)
}

func (w *leasedWriter) Close() error {
	err := w.WriteCloser.Close()
	w.release(err)
	return err
}
