package plan

import (
	"container/list"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pipelit/pipelit/nodes"
	"github.com/pipelit/pipelit/workflow"
)

// InvalidationSubject is the well-known channel replicas gossip cache
// invalidations on. Compiled plans hold registry pointers and never cross
// process boundaries; only the invalidation does.
const InvalidationSubject = "pipelit.cache.invalidate"

const (
	// DefaultTTL is how long a compiled plan stays usable.
	DefaultTTL = time.Hour

	// DefaultMaxEntries caps the LRU.
	DefaultMaxEntries = 256
)

type cacheKey struct {
	WorkflowID  string
	TriggerNode string
	Hash        string
}

type cacheEntry struct {
	key     cacheKey
	plan    *Plan
	builtAt time.Time
}

// Cache is a per-process LRU of compiled plans with TTL expiry. Safe for
// concurrent use.
type Cache struct {
	registry *nodes.Registry
	ttl      time.Duration
	max      int

	mu      sync.Mutex
	entries map[cacheKey]*list.Element
	order   *list.List // front = most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides the entry TTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithMaxEntries overrides the LRU capacity.
func WithMaxEntries(n int) CacheOption {
	return func(c *Cache) { c.max = n }
}

// NewCache creates a plan cache backed by the given component registry.
func NewCache(registry *nodes.Registry, opts ...CacheOption) *Cache {
	c := &Cache{
		registry: registry,
		ttl:      DefaultTTL,
		max:      DefaultMaxEntries,
		entries:  make(map[cacheKey]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrBuild returns the compiled plan for (workflow, trigger), building and
// caching it on miss. A structural change to the workflow changes the hash
// and therefore the key, so stale plans are never returned.
func (c *Cache) GetOrBuild(wf *workflow.Workflow, triggerNodeID string) (*Plan, error) {
	key := cacheKey{wf.ID, triggerNodeID, StructuralHash(wf)}

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if time.Since(entry.builtAt) < c.ttl {
			c.order.MoveToFront(elem)
			c.mu.Unlock()
			c.hits.Add(1)
			return entry.plan, nil
		}
		c.removeLocked(elem)
	}
	c.mu.Unlock()
	c.misses.Add(1)

	p, err := Build(wf, triggerNodeID, c.registry)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		// Lost a build race; keep the incumbent.
		return elem.Value.(*cacheEntry).plan, nil
	}
	elem := c.order.PushFront(&cacheEntry{key: key, plan: p, builtAt: time.Now()})
	c.entries[key] = elem
	for len(c.entries) > c.max {
		c.removeLocked(c.order.Back())
	}
	return p, nil
}

// Invalidate drops every cached plan of a workflow.
func (c *Cache) Invalidate(workflowID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, elem := range c.entries {
		if key.WorkflowID == workflowID {
			c.removeLocked(elem)
		}
	}
}

// Len returns the number of cached plans.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) removeLocked(elem *list.Element) {
	if elem == nil {
		return
	}
	entry := elem.Value.(*cacheEntry)
	delete(c.entries, entry.key)
	c.order.Remove(elem)
}

// invalidationMsg is the gossip payload.
type invalidationMsg struct {
	WorkflowID string `json:"workflow_id"`
}

// PublishInvalidation tells every replica to drop cached plans of a
// workflow. Call after any node or edge mutation.
func PublishInvalidation(nc *nats.Conn, workflowID string) error {
	data, err := json.Marshal(invalidationMsg{WorkflowID: workflowID})
	if err != nil {
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := nc.Publish(InvalidationSubject, data); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// SubscribeInvalidation wires the cache to the gossip channel. The returned
// subscription should be drained on shutdown.
func (c *Cache) SubscribeInvalidation(nc *nats.Conn) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(InvalidationSubject, func(m *nats.Msg) {
		var msg invalidationMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil || msg.WorkflowID == "" {
			return
		}
		c.Invalidate(msg.WorkflowID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe invalidation: %w", err)
	}
	return sub, nil
}
