package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchStrings(t *testing.T) {
	cases := []struct {
		name   string
		topic  string
		filter string
		want   bool
	}{
		{"single-level wildcard matches", "a/b/c", "a/+/c", true},
		{"single-level wildcard wrong length", "a/c", "a/+/c", false},
		{"single-level wildcard matches empty level", "a//c", "a/+/c", true},
		{"multi-level wildcard matches self", "a", "a/#", true},
		{"multi-level wildcard matches deep", "a/b/c", "a/#", true},
		{"multi-level excludes sys topics", "$SYS/brokers/1/uptime", "#", false},
		{"leading wildcard excludes sys topics", "$SYS/x", "+/x", false},
		{"exact match", "room/1/temp", "room/1/temp", true},
		{"exact mismatch", "room/1/temp", "room/2/temp", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MatchStrings(tc.topic, tc.filter))
		})
	}
}

func TestParseRejectsInvalidFilters(t *testing.T) {
	_, err := Parse("a/#/b")
	require.Error(t, err)

	_, err = Parse("a/b#")
	require.Error(t, err)

	_, err = Parse("")
	require.Error(t, err)
}

func TestParseTopicRejectsWildcards(t *testing.T) {
	_, err := ParseTopic("a/+/c")
	require.Error(t, err)

	_, err = ParseTopic("a/#")
	require.Error(t, err)

	toks, err := ParseTopic("a/b/c")
	require.NoError(t, err)
	assert.Equal(t, Tokens{"a", "b", "c"}, toks)
}

func TestShareGroupFilter(t *testing.T) {
	group, rest, ok := ShareGroupFilter("$share/g/j/#")
	require.True(t, ok)
	assert.Equal(t, "g", group)
	assert.Equal(t, "j/#", rest)

	_, _, ok = ShareGroupFilter("room/1/temp")
	assert.False(t, ok)

	_, _, ok = ShareGroupFilter("$share/g")
	assert.False(t, ok)
}
