// ABOUTME: Bounded TTL cache of inbound message keys
// ABOUTME: Lets ingestion drop provider redeliveries before they bump a conversation twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache remembers message keys for a fixed TTL. When full, the oldest key is
// evicted first. All methods are safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithoutJanitor disables the background expiry goroutine; expired keys are
// then only dropped lazily or through Sweep.
func WithoutJanitor() Option {
	return func(c *Cache) { c.done = nil }
}

// New creates a cache. A background goroutine drops expired keys every
// minute until Close is called.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.done != nil {
		go c.janitor()
	}
	return c
}

// Key builds the cache key for a provider message. Message IDs are only
// unique within a tenant.
func Key(tenantID, messageID string) string {
	return tenantID + "|" + messageID
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.fresh(e)
}

// CheckAndMark reports whether key is a duplicate, marking it if not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok && c.fresh(e) {
		return true
	}
	c.markLocked(key)
	return false
}

// Forget removes key so a later delivery is processed again. Ingestion calls
// it when handling a marked message fails.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) fresh(e *entry) bool {
	return c.now().Sub(e.seenAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := c.now()
	if e, ok := c.seen[key]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[key] = &entry{seenAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep drops every expired key and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	// Marking moves keys to the back, so the list is ordered by seenAt.
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if c.fresh(c.seen[key]) {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
}

// Close stops the background goroutine. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed && c.done != nil {
		close(c.done)
	}
	c.closed = true
}
