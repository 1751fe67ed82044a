package shift

import (
	"sync"
	"time"

	"shiftbot/internal/clock"

	"github.com/google/uuid"
)

// Cache is the process-local liveness cache for shifts. It only ever answers
// "known active"; anything else means the caller must ask the store.
type Cache interface {
	// Active returns ok == false on a miss.
	Active(id uuid.UUID) (active bool, ok bool)
	MarkActive(id uuid.UUID)
	Evict(id uuid.UUID)
}

// MemoryCache is a TTL map of active shift ids.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clock.Clock
	entries map[uuid.UUID]time.Time
}

func NewMemoryCache(ttl time.Duration, c clock.Clock) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		clock:   c,
		entries: make(map[uuid.UUID]time.Time),
	}
}

func (c *MemoryCache) Active(id uuid.UUID) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.entries[id]
	if !ok {
		return false, false
	}
	if !c.clock.Now().Before(expires) {
		delete(c.entries, id)
		return false, false
	}
	return true, true
}

func (c *MemoryCache) MarkActive(id uuid.UUID) {
	c.mu.Lock()
	c.entries[id] = c.clock.Now().Add(c.ttl)
	c.mu.Unlock()
}

func (c *MemoryCache) Evict(id uuid.UUID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Len is the number of entries, expired ones included until their next lookup.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// keyedMutex serialises work per key, here a (user, guild) pair.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
