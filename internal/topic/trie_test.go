package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrieInsertMatchDelete(t *testing.T) {
	tr := NewTrie()
	assert.True(t, tr.Empty())

	require.NoError(t, tr.Insert("room/+/temp"))
	require.NoError(t, tr.Insert("alerts/#"))
	assert.False(t, tr.Empty())

	matches, err := tr.Match("room/42/temp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"room/+/temp"}, matches)

	matches, err = tr.Match("alerts/fire/1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alerts/#"}, matches)

	matches, err = tr.Match("unrelated/topic")
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, tr.Delete("room/+/temp"))
	matches, err = tr.Match("room/42/temp")
	require.NoError(t, err)
	assert.Empty(t, matches)

	require.NoError(t, tr.Delete("alerts/#"))
	assert.True(t, tr.Empty())
}

func TestTrieRouteRefcounting(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Insert("a/+"))
	require.NoError(t, tr.Insert("a/+")) // second route to the same filter

	require.NoError(t, tr.Delete("a/+")) // still one route left
	matches, err := tr.Match("a/b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/+"}, matches)

	require.NoError(t, tr.Delete("a/+")) // last route
	matches, err = tr.Match("a/b")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTrieExcludesSysFromRootWildcard(t *testing.T) {
	tr := NewTrie()
	require.NoError(t, tr.Insert("#"))

	matches, err := tr.Match("$SYS/brokers/1/uptime")
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = tr.Match("room/1/temp")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"#"}, matches)
}
