// Package topic implements MQTT topic and filter parsing, validation, and
// matching: the leaf-level component the router core builds everything
// else on top of.
package topic

import (
	"strings"

	"github.com/pyr33x/goqtt-router/pkg/er"
)

// MaxLevels bounds how many '/'-separated tokens a topic or filter may
// carry. MQTT itself has no hard limit; this guards against pathological
// input reaching the trie.
const MaxLevels = 128

// SingleLevel is the '+' wildcard: matches exactly one level.
const SingleLevel = "+"

// MultiLevel is the '#' wildcard: matches zero or more trailing levels.
const MultiLevel = "#"

// SysPrefix marks a system topic, excluded from root-level wildcard
// matches by policy (spec.md §3, §4.1).
const SysPrefix = "$"

// Tokens is a parsed, validated sequence of filter or topic levels.
type Tokens []string

// Parse splits a raw filter or topic string into validated tokens.
// It rejects a non-terminal '#', control characters in any level, and
// filters exceeding MaxLevels.
func Parse(input string) (Tokens, error) {
	if input == "" {
		return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidFilter}
	}

	levels := strings.Split(input, "/")
	if len(levels) > MaxLevels {
		return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidFilter}
	}

	for i, lvl := range levels {
		if strings.Contains(lvl, MultiLevel) && (lvl != MultiLevel || i != len(levels)-1) {
			return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidFilter}
		}
		if strings.Contains(lvl, SingleLevel) && lvl != SingleLevel {
			return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidFilter}
		}
		if hasControlChar(lvl) {
			return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidFilter}
		}
	}

	return Tokens(levels), nil
}

// ParseTopic parses a concrete (publish-side) topic: no wildcards allowed.
func ParseTopic(input string) (Tokens, error) {
	toks, err := Parse(input)
	if err != nil {
		return nil, err
	}
	if IsWildcard(toks) {
		return nil, &er.Err{Context: "Topic", Message: er.ErrInvalidTopic}
	}
	return toks, nil
}

func hasControlChar(level string) bool {
	for _, r := range level {
		if r < 0x20 || r == 0x7F {
			return true
		}
	}
	return false
}

// IsWildcard reports whether tokens contain '+' or '#'.
func IsWildcard(tokens Tokens) bool {
	for _, t := range tokens {
		if t == SingleLevel || t == MultiLevel {
			return true
		}
	}
	return false
}

// IsSys reports whether a topic or filter's first level starts with '$'.
func IsSys(tokens Tokens) bool {
	return len(tokens) > 0 && strings.HasPrefix(tokens[0], SysPrefix)
}

// Match reports whether filterTokens matches topicTokens per MQTT 3.1.1/5.0
// rules. It never panics and runs in O(len(topic)+len(filter)).
func Match(topicTokens, filterTokens Tokens) bool {
	if len(filterTokens) == 0 {
		return false
	}

	// A '$'-prefixed topic never matches a filter whose first level is a
	// wildcard (spec.md §4.1).
	if IsSys(topicTokens) && (filterTokens[0] == SingleLevel || filterTokens[0] == MultiLevel) {
		return false
	}

	ti, fi := 0, 0
	for fi < len(filterTokens) {
		f := filterTokens[fi]

		if f == MultiLevel {
			// '#' matches the remainder, including zero levels.
			return true
		}

		if ti >= len(topicTokens) {
			return false
		}

		if f == SingleLevel {
			ti++
			fi++
			continue
		}

		if f != topicTokens[ti] {
			return false
		}
		ti++
		fi++
	}

	return ti == len(topicTokens)
}

// MatchStrings is a convenience wrapper over Match for raw strings. It
// returns false (never panics) on a parse failure of either argument.
func MatchStrings(topicStr, filterStr string) bool {
	topicToks, err := Parse(topicStr)
	if err != nil {
		return false
	}
	filterToks, err := Parse(filterStr)
	if err != nil {
		return false
	}
	return Match(topicToks, filterToks)
}

// ShareGroupFilter splits a `$share/<group>/<filter>` subscription filter
// into its group name and underlying filter. ok is false if filter is not
// a shared-subscription filter.
func ShareGroupFilter(filter string) (group, rest string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", "", false
	}
	remainder := filter[len(prefix):]
	idx := strings.IndexByte(remainder, '/')
	if idx <= 0 || idx == len(remainder)-1 {
		return "", "", false
	}
	return remainder[:idx], remainder[idx+1:], true
}
