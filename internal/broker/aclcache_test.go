package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestACLCacheGetPut(t *testing.T) {
	c := NewACLCache(2, 0)

	_, ok := c.Get(ACLPublish, "a/b")
	assert.False(t, ok)

	c.Put(ACLPublish, "a/b", true)
	allow, ok := c.Get(ACLPublish, "a/b")
	require.True(t, ok)
	assert.True(t, allow)
}

func TestACLCacheEvictsLRU(t *testing.T) {
	c := NewACLCache(2, 0)

	c.Put(ACLPublish, "t1", true)
	c.Put(ACLPublish, "t2", true)
	c.Put(ACLPublish, "t3", true) // evicts t1 (least recently used)

	_, ok := c.Get(ACLPublish, "t1")
	assert.False(t, ok)

	_, ok = c.Get(ACLPublish, "t2")
	assert.True(t, ok)

	assert.Equal(t, 2, c.Len())
}

func TestACLCacheExpiry(t *testing.T) {
	c := NewACLCache(10, 1*time.Millisecond)
	c.Put(ACLSubscribe, "topic", false)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ACLSubscribe, "topic")
	assert.False(t, ok)
}

func TestACLCacheInvalidate(t *testing.T) {
	c := NewACLCache(10, 0)
	c.Put(ACLPublish, "a", true)
	c.Put(ACLPublish, "b", true)

	c.Invalidate()
	assert.Equal(t, 0, c.Len())

	_, ok := c.Get(ACLPublish, "a")
	assert.False(t, ok)
}
