package functions

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/watzon/forge/internal/metrics"
)

// Compiler turns a code blob into a compiled module.
type Compiler interface {
	Compile(ctx context.Context, code []byte) (*CompiledModule, error)
}

// ModuleCache maps function ids to compiled modules. Lookups of cached
// modules only take the read lock; insertion, eviction and invalidation take
// the write lock. Compilation always runs outside the lock.
//
// When the cache is full the least recently used entry that no invocation
// holds is evicted. Recency is a logical clock bumped on every lookup, so the
// order is total and deterministic. If every entry is held, the new module is
// handed out uncached and closed when its last holder releases it.
type ModuleCache struct {
	compiler Compiler
	capacity int

	mu          sync.RWMutex
	entries     map[string]*cacheEntry
	generations map[string]uint64

	clock atomic.Uint64
	group singleflight.Group
}

type cacheEntry struct {
	id       string
	module   *CompiledModule
	lastUsed atomic.Uint64
	// refs is the number of live ModuleRefs, or -1 once the module is closed.
	refs atomic.Int64
	// removed is set when the entry leaves the map (or never entered it).
	removed atomic.Bool
}

// ModuleRef is a reference to a compiled module held for the duration of one
// invocation. The module cannot be closed until Release is called.
type ModuleRef struct {
	entry    *cacheEntry
	released atomic.Bool
}

// Module returns the referenced module.
func (r *ModuleRef) Module() *CompiledModule {
	return r.entry.module
}

// Release drops the reference. It is safe to call more than once.
func (r *ModuleRef) Release() {
	if !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.entry.refs.Add(-1) == 0 && r.entry.removed.Load() {
		r.entry.tryClose()
	}
}

// NewModuleCache returns a cache holding at most capacity modules.
func NewModuleCache(compiler Compiler, capacity int) *ModuleCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ModuleCache{
		compiler:    compiler,
		capacity:    capacity,
		entries:     make(map[string]*cacheEntry),
		generations: make(map[string]uint64),
	}
}

// GetOrCompile returns a reference to the cached module for functionID,
// compiling code on a miss. Concurrent misses for the same id share one
// compilation. The caller must Release the returned reference.
func (c *ModuleCache) GetOrCompile(ctx context.Context, functionID string, code []byte) (*ModuleRef, error) {
	return c.GetOrCompileAt(ctx, functionID, c.Generation(functionID), code)
}

// Generation returns the invalidation count of functionID. Read it before
// loading the code passed to GetOrCompileAt.
func (c *ModuleCache) Generation(functionID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generations[functionID]
}

// GetOrCompileAt is GetOrCompile for code loaded at generation gen. If
// functionID was invalidated since then, code is compiled and handed out
// but never cached.
func (c *ModuleCache) GetOrCompileAt(ctx context.Context, functionID string, gen uint64, code []byte) (*ModuleRef, error) {
	for {
		c.mu.RLock()
		current := c.generations[functionID]
		if e, ok := c.entries[functionID]; ok && current == gen && e.tryAcquire() {
			e.lastUsed.Store(c.clock.Add(1))
			c.mu.RUnlock()
			metrics.RecordCacheEvent(metrics.CacheHit)
			return &ModuleRef{entry: e}, nil
		}
		c.mu.RUnlock()

		metrics.RecordCacheEvent(metrics.CacheMiss)
		key := functionID + "@" + strconv.FormatUint(gen, 10)
		v, err, _ := c.group.Do(key, func() (any, error) {
			return c.compileAndInsert(context.WithoutCancel(ctx), functionID, gen, code)
		})
		if err != nil {
			return nil, err
		}

		e := v.(*cacheEntry)
		if e.tryAcquire() {
			return &ModuleRef{entry: e}, nil
		}
		// The entry was closed between the compile and our acquire; retry.
	}
}

func (c *ModuleCache) compileAndInsert(ctx context.Context, functionID string, gen uint64, code []byte) (*cacheEntry, error) {
	c.mu.RLock()
	if e, ok := c.entries[functionID]; ok && c.generations[functionID] == gen {
		c.mu.RUnlock()
		return e, nil
	}
	c.mu.RUnlock()

	module, err := c.compiler.Compile(ctx, code)
	if err != nil {
		return nil, err
	}

	e := &cacheEntry{id: functionID, module: module}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[functionID] != gen {
		// The code predates an invalidation; it must not become visible to
		// later lookups.
		e.removed.Store(true)
		metrics.RecordCacheEvent(metrics.CacheBypass)
		return e, nil
	}
	if existing, ok := c.entries[functionID]; ok {
		module.Close(ctx)
		return existing, nil
	}
	if len(c.entries) >= c.capacity && !c.evictLocked() {
		log.Warn().
			Str("function_id", functionID).
			Int("capacity", c.capacity).
			Msg("Module cache full of in-use modules, serving uncached")
		e.removed.Store(true)
		metrics.RecordCacheEvent(metrics.CacheBypass)
		return e, nil
	}

	e.lastUsed.Store(c.clock.Add(1))
	c.entries[functionID] = e
	metrics.SetCacheSize(len(c.entries))
	return e, nil
}

// evictLocked removes the least recently used unreferenced entry. It reports
// false when every entry is in use.
func (c *ModuleCache) evictLocked() bool {
	var victim *cacheEntry
	for _, e := range c.entries {
		if e.refs.Load() != 0 {
			continue
		}
		if victim == nil || e.lastUsed.Load() < victim.lastUsed.Load() {
			victim = e
		}
	}
	if victim == nil {
		return false
	}

	delete(c.entries, victim.id)
	victim.removed.Store(true)
	victim.tryClose()

	log.Debug().Str("function_id", victim.id).Msg("Evicted compiled module")
	metrics.RecordCacheEvent(metrics.CacheEviction)
	metrics.SetCacheSize(len(c.entries))
	return true
}

// Invalidate drops the cached module for functionID. The next GetOrCompile
// recompiles from the code it is given. Invocations already holding the old
// module finish with it; it is closed after the last one releases it.
func (c *ModuleCache) Invalidate(functionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[functionID]++
	e, ok := c.entries[functionID]
	if !ok {
		return
	}
	delete(c.entries, functionID)
	e.removed.Store(true)
	e.tryClose()

	metrics.RecordCacheEvent(metrics.CacheInvalid)
	metrics.SetCacheSize(len(c.entries))
}

// Size returns the number of cached modules.
func (c *ModuleCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Contains reports whether functionID currently has a cached module.
func (c *ModuleCache) Contains(functionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[functionID]
	return ok
}

// Close drops every entry. Modules still referenced are closed on release.
func (c *ModuleCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.entries {
		delete(c.entries, id)
		e.removed.Store(true)
		e.tryClose()
	}
	metrics.SetCacheSize(0)
}

func (e *cacheEntry) tryAcquire() bool {
	for {
		n := e.refs.Load()
		if n < 0 {
			return false
		}
		if e.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (e *cacheEntry) tryClose() {
	if e.refs.CompareAndSwap(0, -1) {
		e.module.Close(context.Background())
	}
}
