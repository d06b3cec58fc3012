package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string) *Session {
	return NewSession(id, true, SessionConfig{QueueMax: 16, ExpiryDefault: 0})
}

func TestSubscriptionIndexExactAndWildcardMatch(t *testing.T) {
	var routed []string
	idx := NewSubscriptionIndex(func(filter string, added bool) {
		if added {
			routed = append(routed, filter)
		}
	})

	a := testSession("A")
	require.NoError(t, idx.Subscribe(a, "room/1/temp", SubscriptionOptions{}))
	require.NoError(t, idx.Subscribe(a, "room/+/temp", SubscriptionOptions{}))

	subs, err := idx.MatchLocal("room/1/temp")
	require.NoError(t, err)
	// de-duplicated by session even though both filters match
	assert.Len(t, subs, 1)
	assert.Equal(t, "A", subs[0].Session.ClientID)

	assert.ElementsMatch(t, []string{"room/1/temp", "room/+/temp"}, routed)
}

func TestSubscriptionIndexUnsubscribeRemovesRoute(t *testing.T) {
	withdrawn := ""
	idx := NewSubscriptionIndex(func(filter string, added bool) {
		if !added {
			withdrawn = filter
		}
	})

	a := testSession("A")
	require.NoError(t, idx.Subscribe(a, "x/+", SubscriptionOptions{}))
	require.NoError(t, idx.Unsubscribe(a, "x/+", ""))

	assert.Equal(t, "x/+", withdrawn)

	subs, err := idx.MatchLocal("x/y")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionIndexSharedGroupSelectsOneMember(t *testing.T) {
	idx := NewSubscriptionIndex(nil)

	a := testSession("A")
	b := testSession("B")
	require.NoError(t, idx.Subscribe(a, "j/#", SubscriptionOptions{ShareGroup: "g"}))
	require.NoError(t, idx.Subscribe(b, "j/#", SubscriptionOptions{ShareGroup: "g"}))

	matches, err := idx.MatchSharedLocal("j/x")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "g", matches[0].Group)

	sub, ok := matches[0].Select(SharedRoundRobin, "publisher")
	require.True(t, ok)
	assert.Contains(t, []string{"A", "B"}, sub.Session.ClientID)
}

func TestSubscriptionIndexUnsubscribeAllCleansSharedAndPlain(t *testing.T) {
	idx := NewSubscriptionIndex(nil)

	a := testSession("A")
	require.NoError(t, idx.Subscribe(a, "plain/topic", SubscriptionOptions{}))
	require.NoError(t, idx.Subscribe(a, "shared/#", SubscriptionOptions{ShareGroup: "g"}))

	idx.UnsubscribeAll("A")

	subs, err := idx.MatchLocal("plain/topic")
	require.NoError(t, err)
	assert.Empty(t, subs)

	shared, err := idx.MatchSharedLocal("shared/x")
	require.NoError(t, err)
	assert.Empty(t, shared)
}
