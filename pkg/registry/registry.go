// Package registry holds the registered handlers and resolves, per
// operation, the ordered list of handlers able to perform it.
package registry

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jacktea/urifs/pkg/cache"
	"github.com/jacktea/urifs/pkg/fs"
)

// DefaultCacheSize bounds the number of operations whose handler list is
// cached.
const DefaultCacheSize = 50

// Options configures a Registry.
type Options struct {
	CacheSize int
	Logger    *zerolog.Logger
}

// Registry is safe for concurrent use. Readers work on immutable snapshots;
// Register publishes a new snapshot and invalidates cached lookups.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[snapshot]
	cache    *cache.Cache[fs.Operation, candidates]
	group    singleflight.Group
	log      zerolog.Logger
}

type snapshot struct {
	gen      uint64
	handlers []fs.Handler
}

type candidate struct {
	handler  fs.Handler
	priority int
}

// candidates is a handler list ordered by descending priority, computed for
// one snapshot generation.
type candidates struct {
	gen  uint64
	list []candidate
}

// New returns an empty registry.
func New(opts Options) *Registry {
	size := opts.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	r := &Registry{
		cache: cache.New[fs.Operation, candidates](size, 0),
		log:   zerolog.Nop(),
	}
	if opts.Logger != nil {
		r.log = *opts.Logger
	}
	r.snapshot.Store(&snapshot{})
	return r
}

// Register appends h to the handler list.
func (r *Registry) Register(handlers ...fs.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	next := &snapshot{
		gen:      cur.gen + 1,
		handlers: make([]fs.Handler, 0, len(cur.handlers)+len(handlers)),
	}
	next.handlers = append(next.handlers, cur.handlers...)
	for _, h := range handlers {
		if h != nil {
			next.handlers = append(next.handlers, h)
		}
	}
	r.snapshot.Store(next)
	r.cache.Clear()
	r.log.Debug().Int("handlers", len(next.handlers)).Uint64("generation", next.gen).Msg("handlers registered")
}

// Handlers returns all registered handlers in registration order.
func (r *Registry) Handlers() []fs.Handler {
	return append([]fs.Handler(nil), r.snapshot.Load().handlers...)
}

// List returns the handlers able to perform op, highest priority first.
// Handlers of equal priority keep their registration order.
func (r *Registry) List(op fs.Operation) []fs.Handler {
	cands := r.candidates(op)
	out := make([]fs.Handler, len(cands.list))
	for i, c := range cands.list {
		out[i] = c.handler
	}
	return out
}

// Find returns the highest-priority handler able to perform op, or nil.
func (r *Registry) Find(op fs.Operation) fs.Handler {
	cands := r.candidates(op)
	if len(cands.list) == 0 {
		return nil
	}
	return cands.list[0].handler
}

// FindNext returns the handler ordered right after prev for op, or nil when
// prev is the last one. When prev cannot perform op, the first handler with
// a strictly lower priority than prev's is returned.
func (r *Registry) FindNext(op fs.Operation, prev fs.Handler) fs.Handler {
	if prev == nil {
		return r.Find(op)
	}
	list := r.candidates(op).list
	prio := prev.Priority(op)
	start := sort.Search(len(list), func(i int) bool {
		return list[i].priority <= prio
	})
	for i := start; i < len(list) && list[i].priority == prio; i++ {
		if list[i].handler == prev {
			if i+1 < len(list) {
				return list[i+1].handler
			}
			return nil
		}
	}
	for i := start; i < len(list); i++ {
		if list[i].priority < prio {
			return list[i].handler
		}
	}
	return nil
}

// CanPerform reports whether any registered handler can perform op.
func (r *Registry) CanPerform(op fs.Operation) bool {
	return len(r.candidates(op).list) > 0
}

// Stats exposes the lookup cache statistics.
func (r *Registry) Stats() cache.Stats {
	return r.cache.Stats()
}

func (r *Registry) candidates(op fs.Operation) candidates {
	snap := r.snapshot.Load()
	if c, ok := r.cache.Get(op); ok && c.gen == snap.gen {
		return c
	}
	key := strconv.FormatUint(snap.gen, 10) + "/" + op.String()
	v, _, _ := r.group.Do(key, func() (any, error) {
		c := compute(snap, op)
		// a Register that raced with compute has bumped the generation; only
		// store results for the current one
		if r.snapshot.Load().gen == c.gen {
			r.cache.Set(op, c)
		}
		return c, nil
	})
	return v.(candidates)
}

func compute(snap *snapshot, op fs.Operation) candidates {
	list := make([]candidate, 0, len(snap.handlers))
	for _, h := range snap.handlers {
		if h.CanPerform(op) {
			list = append(list, candidate{handler: h, priority: h.Priority(op)})
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].priority > list[j].priority
	})
	return candidates{gen: snap.gen, list: list}
}
