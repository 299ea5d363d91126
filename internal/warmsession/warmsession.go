// Package warmsession is the Warm-Session Cache: it exclusively owns every
// live *agent.Handle, keyed by channel name, and arbitrates concurrent
// initialization so two callers racing the same cold channel never spawn two
// backend workers for it.
//
// Grounded on gorp-agent/src/handle.rs's warm-session map and its
// prepare_session_async/is_new/invalidated contract: a read-lock check
// returns a still-valid entry immediately; a miss or an invalidated entry
// falls through to a per-channel initializing lock that double-checks the
// cache before calling the supplied factory, so only one caller ever builds
// the backend worker. An explicit Evict flips invalidated before removal so
// any borrower mid-initialization discovers it on the next read rather than
// handing back a handle already forgotten; TTL and LRU eviction remove the
// entry without touching the flag.
// Backed by github.com/hashicorp/golang-lru/v2/expirable for the TTL+LRU
// bookkeeping underneath that contract (per SPEC_FULL.md's domain-stack
// wiring).
package warmsession

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextlevelbuilder/agentmux/internal/agent"
)

const defaultTTL = 15 * time.Minute
const defaultSize = 256

// entry is the cached record for one warm channel. invalidated is set by
// Evict before the entry leaves the LRU, so a caller
// already holding a read-locked reference to it knows to re-initialize
// rather than trust a handle that's being torn down.
type entry struct {
	handle      *agent.Handle
	sessionID   string
	invalidated bool
}

// Cache holds warm *agent.Handle instances keyed by channel name, evicting
// the least-recently-used entry past its configured size and any entry idle
// past its TTL.
type Cache struct {
	mu      sync.RWMutex
	entries *lru.LRU[string, *entry]
	onEvict func(channelName string, h *agent.Handle)

	initMu       sync.Mutex
	initializing map[string]*sync.Mutex
}

// New creates a Cache with the given TTL and capacity; zero values fall back
// to the defaults (15m TTL, 256 entries).
func New(ttl time.Duration, size int, onEvict func(string, *agent.Handle)) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if size <= 0 {
		size = defaultSize
	}
	c := &Cache{
		onEvict:      onEvict,
		initializing: make(map[string]*sync.Mutex),
	}
	c.entries = lru.NewLRU[string, *entry](size, func(key string, e *entry) {
		if c.onEvict != nil {
			c.onEvict(key, e.handle)
		}
	}, ttl)
	return c
}

// Get returns the warm handle and backend-native session id for channelName,
// if still cached and not invalidated, refreshing its recency/TTL.
func (c *Cache) Get(channelName string) (handle *agent.Handle, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, found := c.entries.Get(channelName)
	if !found || e.invalidated {
		return nil, "", false
	}
	return e.handle, e.sessionID, true
}

// Put stores (or replaces) the warm handle+session for channelName.
func (c *Cache) Put(channelName, sessionID string, h *agent.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(channelName, &entry{handle: h, sessionID: sessionID})
}

// Remove evicts channelName immediately (e.g. on explicit session teardown),
// without invoking onEvict a second time from a later TTL sweep.
func (c *Cache) Remove(channelName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(channelName)
}

// Evict marks channelName invalidated before removing it, so any caller
// already holding the entry's handle (via Get, mid-prompt) observes the
// invalidation on its next PrepareSession call rather than reusing a handle
// the orchestrator has decided is orphaned.
func (c *Cache) Evict(channelName string) {
	c.mu.Lock()
	if e, ok := c.entries.Get(channelName); ok {
		e.invalidated = true
	}
	c.entries.Remove(channelName)
	c.mu.Unlock()
}

// Len reports the number of currently warm sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// NewHandle builds a fresh backend worker and Handle for channelName, given
// its persisted (possibly empty) session id and directory. Returning a
// non-empty sessionID from a non-empty persistedSessionID means the backend
// successfully loaded it; an empty persistedSessionID means the factory
// should allocate a new session via handle.NewSession.
type NewHandle func(ctx context.Context, channelName string) (handle *agent.Handle, sessionID string, err error)

// PrepareSession returns the warm (or newly constructed) Handle+session id
// backing channelName, mirroring handle.rs's prepare_session_async: a
// read-lock hit on a non-invalidated entry returns immediately (is_new
// false); otherwise the per-channel initializing lock serializes
// construction so concurrent callers on a cold channel share one factory
// call and one backend worker (is_new true only for the caller that actually
// ran the factory; every other concurrent caller finds the entry on the
// double-check after the lock and gets it with is_new false).
func (c *Cache) PrepareSession(ctx context.Context, channelName string, newHandle NewHandle) (handle *agent.Handle, sessionID string, isNew bool, err error) {
	if h, sid, ok := c.Get(channelName); ok {
		return h, sid, false, nil
	}

	lock := c.initLockFor(channelName)
	lock.Lock()
	defer lock.Unlock()

	// Double-check: another caller may have finished initializing this
	// channel while we waited for the lock.
	if h, sid, ok := c.Get(channelName); ok {
		return h, sid, false, nil
	}

	h, sid, err := newHandle(ctx, channelName)
	if err != nil {
		return nil, "", false, err
	}
	c.Put(channelName, sid, h)
	return h, sid, true, nil
}

func (c *Cache) initLockFor(channelName string) *sync.Mutex {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	lock, ok := c.initializing[channelName]
	if !ok {
		lock = &sync.Mutex{}
		c.initializing[channelName] = lock
	}
	return lock
}
