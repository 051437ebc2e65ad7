// Package cache implements the idempotency cache for request replay.
//
// Rules:
//   - only SUCCESS responses are cached
//   - errors (TIMEOUT, INSTANCE_RELOADING, ...) are never cached
//   - a duplicate id arriving while the original executes waits for that
//     result instead of dispatching the command a second time
package cache

import (
	"sync"
	"time"

	"github.com/bigdra50/unity-relay/pkg/logging"
	"github.com/bigdra50/unity-relay/pkg/protocol"
)

type entry struct {
	response  *protocol.Response
	createdAt time.Time
}

func (e *entry) expired(ttl time.Duration) bool {
	return time.Since(e.createdAt) > ttl
}

type pending struct {
	done   chan struct{}
	result *protocol.Response
}

// RequestCache caches successful responses keyed by request id for the
// idempotency window.
type RequestCache struct {
	mu      sync.Mutex
	log     *logging.Logger
	ttl     time.Duration
	entries map[string]*entry
	inFly   map[string]*pending

	sweepStop chan struct{}
	sweepOnce sync.Once

	// OnHit, if set, is invoked for every replay from cache. Set before
	// the cache is shared across goroutines.
	OnHit func()
}

// New creates a cache with the given TTL.
func New(ttl time.Duration, log *logging.Logger) *RequestCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if log == nil {
		log = logging.Default()
	}
	return &RequestCache{
		log:       log,
		ttl:       ttl,
		entries:   make(map[string]*entry),
		inFly:     make(map[string]*pending),
		sweepStop: make(chan struct{}),
	}
}

// Start launches the background sweep that reclaims expired entries.
func (c *RequestCache) Start() {
	go c.sweepLoop()
}

// Stop halts the background sweep.
func (c *RequestCache) Stop() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

func (c *RequestCache) sweepLoop() {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *RequestCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, e := range c.entries {
		if e.expired(c.ttl) {
			delete(c.entries, id)
			removed++
		}
	}
	if removed > 0 {
		c.log.Debug(logging.CategoryCache, "sweep", "reclaimed expired entries",
			map[string]any{"removed": removed, "remaining": len(c.entries)})
	}
}

// Do runs execute under idempotency control for requestID:
//
//  1. cache hit → the cached success is replayed without executing
//  2. duplicate of an in-flight request → wait for the original's result
//  3. otherwise → execute, caching the response if successful
func (c *RequestCache) Do(requestID string, execute func() *protocol.Response) *protocol.Response {
	c.mu.Lock()
	if e, ok := c.entries[requestID]; ok && !e.expired(c.ttl) {
		c.mu.Unlock()
		c.log.Debug(logging.CategoryCache, "hit", "replaying cached response",
			map[string]any{"request_id": requestID})
		if c.OnHit != nil {
			c.OnHit()
		}
		return e.response
	}
	if p, ok := c.inFly[requestID]; ok {
		c.mu.Unlock()
		<-p.done
		return p.result
	}
	p := &pending{done: make(chan struct{})}
	c.inFly[requestID] = p
	c.mu.Unlock()

	resp := execute()

	c.mu.Lock()
	if resp != nil && resp.Success {
		c.entries[requestID] = &entry{response: resp, createdAt: time.Now()}
	}
	p.result = resp
	delete(c.inFly, requestID)
	c.mu.Unlock()
	close(p.done)

	return resp
}

// Get returns the cached response for requestID if present and fresh.
func (c *RequestCache) Get(requestID string) (*protocol.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[requestID]; ok && !e.expired(c.ttl) {
		return e.response, true
	}
	return nil, false
}

// Len returns the number of cached entries, expired or not.
func (c *RequestCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// PendingCount returns the number of in-flight executions.
func (c *RequestCache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFly)
}
