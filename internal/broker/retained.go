package broker

import (
	"sync"

	"github.com/pyr33x/goqtt-router/internal/topic"
)

// RetainedStore holds the most recent retained message per concrete
// topic (spec.md §3, §4.7). The default implementation is in-memory
// (`retained.storage: memory`); `internal/store/sqlite` and
// `internal/store/pg` provide the `durable` variants behind the same
// Persister interface.
type RetainedStore struct {
	mu   sync.RWMutex
	byTopic map[string]Message
	persist Persister // nil for memory-only storage
}

// Persister is the capability interface a durable retained-message
// backend implements (spec.md §6 "Persisted state layout"). Both
// internal/store/sqlite and internal/store/pg satisfy it.
type Persister interface {
	SaveRetained(topic string, msg Message) error
	DeleteRetained(topic string) error
	LoadAllRetained() (map[string]Message, error)
}

// NewRetainedStore returns a store backed by persist, or purely
// in-memory if persist is nil. On construction it loads any
// previously-persisted retained messages.
func NewRetainedStore(persist Persister) (*RetainedStore, error) {
	rs := &RetainedStore{byTopic: make(map[string]Message), persist: persist}
	if persist != nil {
		loaded, err := persist.LoadAllRetained()
		if err != nil {
			return nil, err
		}
		rs.byTopic = loaded
	}
	return rs, nil
}

// Set stores msg as the retained message for its topic, or deletes the
// retained message if msg.Payload is empty (spec.md §4.7).
func (rs *RetainedStore) Set(msg Message) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(rs.byTopic, msg.Topic)
		if rs.persist != nil {
			return rs.persist.DeleteRetained(msg.Topic)
		}
		return nil
	}

	rs.byTopic[msg.Topic] = msg
	if rs.persist != nil {
		return rs.persist.SaveRetained(msg.Topic, msg)
	}
	return nil
}

// Get returns the retained message for topic, if any.
func (rs *RetainedStore) Get(topicStr string) (Message, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	m, ok := rs.byTopic[topicStr]
	return m, ok
}

// Match returns every retained message whose topic matches filter
// (spec.md §4.7). It uses a direct lookup for a non-wildcard filter and
// a full scan for a wildcard filter — the retained store does not share
// the routing trie, since retained topics are concrete and unbounded in
// count, unlike the small set of live filters the trie indexes.
func (rs *RetainedStore) Match(filter string) ([]Message, error) {
	toks, err := topic.Parse(filter)
	if err != nil {
		return nil, err
	}

	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if !topic.IsWildcard(toks) {
		if m, ok := rs.byTopic[filter]; ok {
			return []Message{m}, nil
		}
		return nil, nil
	}

	var out []Message
	for t, m := range rs.byTopic {
		topicToks, err := topic.ParseTopic(t)
		if err != nil {
			continue
		}
		if topic.Match(topicToks, toks) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Count reports the number of retained messages currently stored.
func (rs *RetainedStore) Count() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.byTopic)
}
