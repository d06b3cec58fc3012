package broker

import (
	"container/list"
	"sync"
	"time"
)

// ACLAction is the kind of operation an ACL decision covers.
type ACLAction uint8

const (
	ACLPublish ACLAction = iota
	ACLSubscribe
)

type aclKey struct {
	Action ACLAction
	Topic  string
}

type aclEntry struct {
	key     aclKey
	allow   bool
	expires time.Time
}

// ACLCache is a per-session bounded LRU cache of (action, topic) -> allow
// decisions (spec.md §4.8). Grounded on the teacher's copy-on-write map
// pattern used for the session registry, adapted here to a
// mutex-guarded container/list LRU since entries are evicted by
// recency rather than replaced wholesale.
type ACLCache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   *list.List // front = most recently used
	index   map[aclKey]*list.Element
}

// NewACLCache returns an empty cache. ttl <= 0 disables expiry.
func NewACLCache(maxSize int, ttl time.Duration) *ACLCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ACLCache{
		maxSize: maxSize,
		ttl:     ttl,
		order:   list.New(),
		index:   make(map[aclKey]*list.Element),
	}
}

// Get returns the cached decision for (action, topic), if present and
// unexpired (spec.md §4.8 "On miss, the broker runs the ACL chain").
func (c *ACLCache) Get(action ACLAction, topic string) (allow bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := aclKey{action, topic}
	elem, found := c.index[key]
	if !found {
		return false, false
	}
	entry := elem.Value.(*aclEntry)
	if c.ttl > 0 && time.Now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.index, key)
		return false, false
	}
	c.order.MoveToFront(elem)
	return entry.allow, true
}

// Put records a decision, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *ACLCache) Put(action ACLAction, topic string, allow bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := aclKey{action, topic}
	if elem, ok := c.index[key]; ok {
		entry := elem.Value.(*aclEntry)
		entry.allow = allow
		entry.expires = c.expiry()
		c.order.MoveToFront(elem)
		return
	}

	entry := &aclEntry{key: key, allow: allow, expires: c.expiry()}
	elem := c.order.PushFront(entry)
	c.index[key] = elem

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*aclEntry).key)
		}
	}
}

func (c *ACLCache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

// Invalidate clears the entire cache, in response to a broadcast
// `empty_acl_cache()` on any authorization rule change (spec.md §4.8).
func (c *ACLCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.index = make(map[aclKey]*list.Element)
}

// Len reports the current number of cached entries.
func (c *ACLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
