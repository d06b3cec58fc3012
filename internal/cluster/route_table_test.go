package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteTableExactAndWildcard(t *testing.T) {
	rt := NewRouteTable(4, LockKey)
	defer rt.Close()

	require.NoError(t, rt.AddRoute("room/1/temp", "node-a"))
	require.NoError(t, rt.AddRoute("room/+/temp", "node-b"))

	dests, err := rt.Match("room/1/temp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-a", "node-b"}, dests)

	require.NoError(t, rt.DeleteRoute("room/1/temp", "node-a"))
	dests, err = rt.Match("room/1/temp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"node-b"}, dests)

	require.NoError(t, rt.DeleteRoute("room/+/temp", "node-b"))
	dests, err = rt.Match("room/1/temp")
	require.NoError(t, err)
	assert.Empty(t, dests)
}

func TestRouteTableLockModes(t *testing.T) {
	for _, mode := range []LockMode{LockKey, LockTab, LockGlobal} {
		rt := NewRouteTable(2, mode)
		require.NoError(t, rt.AddRoute("a/#", "n1"))
		dests, err := rt.Match("a/b/c")
		require.NoError(t, err)
		assert.Equal(t, []string{"n1"}, dests)
		require.NoError(t, rt.Close())
	}
}

func TestParseLockMode(t *testing.T) {
	mode, ok := ParseLockMode("tab")
	require.True(t, ok)
	assert.Equal(t, LockTab, mode)

	_, ok = ParseLockMode("bogus")
	assert.False(t, ok)
}

func TestResolveWithRetryReturnsNodesOrRouteUnavailable(t *testing.T) {
	rt := NewRouteTable(1, LockKey)
	defer rt.Close()

	require.NoError(t, rt.AddRoute("x/y", "node-a"))

	nodes, err := rt.ResolveWithRetry("x/y")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, nodes)

	_, err = rt.ResolveWithRetry("missing/filter")
	assert.Error(t, err)
}
