package broker

import (
	"sync"

	"github.com/pyr33x/goqtt-router/internal/topic"
)

// Subscriber pairs a session handle with its options for one filter
// (spec.md §4.3).
type Subscriber struct {
	Session *Session
	Options SubscriptionOptions
}

// RouteHook is invoked by the index when a filter transitions between
// having zero and having at least one local subscriber, so the caller
// can create/delete the corresponding cluster route (spec.md §4.3,
// §4.4). added is true on the first local subscriber, false on the last
// local unsubscriber.
type RouteHook func(filter string, added bool)

// SubscriptionIndex is the local (single-node) subscription index: a
// hash map for exact delivery plus a trie for wildcard filters (spec.md
// §4.3). Grounded on the teacher's broker.SubscriptionTree, generalized
// into the two-structure design spec.md requires.
type SubscriptionIndex struct {
	mu      sync.RWMutex
	exact   map[string]map[string]*Subscriber // filter -> clientID -> subscriber
	trie    *topic.Trie

	sharedExact map[string]map[string]*SharedGroup // underlying filter -> group -> SharedGroup
	sharedTrie  *topic.Trie                        // wildcard underlying filters with >=1 shared subscriber
	sharedOf    map[string]map[string]string       // clientID -> underlying filter -> group, for UnsubscribeAll

	onRoute RouteHook
}

// NewSubscriptionIndex returns an empty index. onRoute may be nil.
func NewSubscriptionIndex(onRoute RouteHook) *SubscriptionIndex {
	return &SubscriptionIndex{
		exact:       make(map[string]map[string]*Subscriber),
		trie:        topic.NewTrie(),
		sharedExact: make(map[string]map[string]*SharedGroup),
		sharedTrie:  topic.NewTrie(),
		sharedOf:    make(map[string]map[string]string),
		onRoute:     onRoute,
	}
}

// Subscribe validates filter, records session's subscription, and
// inserts into the trie iff filter is a wildcard and new to the index
// (spec.md §4.3). It invokes onRoute(filter, true) iff this is the first
// local subscriber for filter. If opts.ShareGroup is set, filter is the
// *underlying* filter (caller has already stripped the `$share/<group>/`
// prefix via topic.ShareGroupFilter) and the subscriber is added to that
// group's SharedGroup instead of plain exact delivery.
func (idx *SubscriptionIndex) Subscribe(session *Session, filter string, opts SubscriptionOptions) error {
	toks, err := topic.Parse(filter)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if opts.ShareGroup != "" {
		return idx.subscribeSharedLocked(session, filter, toks, opts)
	}

	bucket, wasPresent := idx.exact[filter]
	if !wasPresent {
		bucket = make(map[string]*Subscriber)
		idx.exact[filter] = bucket
	}
	bucket[session.ClientID] = &Subscriber{Session: session, Options: opts}

	if !wasPresent {
		if topic.IsWildcard(toks) {
			// Insert is idempotent at the trie level (spec.md §4.2); the
			// invariant "present in the trie exactly once" is preserved
			// because we only ever call Insert on a filter's first local
			// subscriber.
			_ = idx.trie.Insert(filter)
		}
		if idx.onRoute != nil {
			idx.onRoute(filter, true)
		}
	}
	return nil
}

func (idx *SubscriptionIndex) subscribeSharedLocked(session *Session, filter string, toks topic.Tokens, opts SubscriptionOptions) error {
	groups, wasPresent := idx.sharedExact[filter]
	if !wasPresent {
		groups = make(map[string]*SharedGroup)
		idx.sharedExact[filter] = groups
	}
	group, ok := groups[opts.ShareGroup]
	if !ok {
		group = &SharedGroup{}
		groups[opts.ShareGroup] = group
	}
	group.Add(Subscriber{Session: session, Options: opts})

	if idx.sharedOf[session.ClientID] == nil {
		idx.sharedOf[session.ClientID] = make(map[string]string)
	}
	idx.sharedOf[session.ClientID][filter] = opts.ShareGroup

	if !wasPresent {
		if topic.IsWildcard(toks) {
			_ = idx.sharedTrie.Insert(filter)
		}
		if idx.onRoute != nil {
			idx.onRoute(filter, true)
		}
	}
	return nil
}

// Unsubscribe removes session's subscription to filter, deleting the
// trie entry and firing onRoute(filter, false) on the last local
// subscriber (spec.md §4.3). shareGroup must be supplied (non-empty) to
// unsubscribe from a shared subscription; pass "" for a plain filter.
func (idx *SubscriptionIndex) Unsubscribe(session *Session, filter, shareGroup string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if shareGroup != "" {
		return idx.unsubscribeSharedLocked(session.ClientID, filter, shareGroup)
	}
	return idx.unsubscribeLocked(session.ClientID, filter)
}

func (idx *SubscriptionIndex) unsubscribeLocked(clientID, filter string) error {
	bucket, ok := idx.exact[filter]
	if !ok {
		return nil
	}
	if _, present := bucket[clientID]; !present {
		return nil
	}
	delete(bucket, clientID)

	if len(bucket) == 0 {
		delete(idx.exact, filter)
		if toks, err := topic.Parse(filter); err == nil && topic.IsWildcard(toks) {
			_ = idx.trie.Delete(filter)
		}
		if idx.onRoute != nil {
			idx.onRoute(filter, false)
		}
	}
	return nil
}

func (idx *SubscriptionIndex) unsubscribeSharedLocked(clientID, filter, shareGroup string) error {
	groups, ok := idx.sharedExact[filter]
	if !ok {
		return nil
	}
	group, ok := groups[shareGroup]
	if !ok {
		return nil
	}
	if empty := group.Remove(clientID); empty {
		delete(groups, shareGroup)
	}
	if m := idx.sharedOf[clientID]; m != nil {
		delete(m, filter)
		if len(m) == 0 {
			delete(idx.sharedOf, clientID)
		}
	}

	if len(groups) == 0 {
		delete(idx.sharedExact, filter)
		if toks, err := topic.Parse(filter); err == nil && topic.IsWildcard(toks) {
			_ = idx.sharedTrie.Delete(filter)
		}
		if idx.onRoute != nil {
			idx.onRoute(filter, false)
		}
	}
	return nil
}

// UnsubscribeAll removes every subscription (plain and shared) belonging
// to clientID, used on session death (spec.md §4.6 "a session crash
// releases all its routes").
func (idx *SubscriptionIndex) UnsubscribeAll(clientID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var filters []string
	for f, bucket := range idx.exact {
		if _, ok := bucket[clientID]; ok {
			filters = append(filters, f)
		}
	}
	for _, f := range filters {
		_ = idx.unsubscribeLocked(clientID, f)
	}

	sharedFilters := idx.sharedOf[clientID]
	for f, group := range sharedFilters {
		_ = idx.unsubscribeSharedLocked(clientID, f, group)
	}
}

// MatchLocal returns the de-duplicated set of (session, options) whose
// filter matches topicStr: the union of the exact lookup and every
// wildcard filter the trie matches (spec.md §4.3).
func (idx *SubscriptionIndex) MatchLocal(topicStr string) ([]Subscriber, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Subscriber

	addBucket := func(filter string) {
		bucket, ok := idx.exact[filter]
		if !ok {
			return
		}
		for clientID, sub := range bucket {
			if _, dup := seen[clientID]; dup {
				continue
			}
			seen[clientID] = struct{}{}
			out = append(out, *sub)
		}
	}

	addBucket(topicStr) // exact filter equal to the topic itself

	if !idx.trie.Empty() {
		filters, err := idx.trie.Match(topicStr)
		if err != nil {
			return nil, err
		}
		for _, f := range filters {
			addBucket(f)
		}
	}

	return out, nil
}

// SharedMatch pairs the underlying filter and group name with the group
// itself, so the caller can log/trace which group a delivery came from.
type SharedMatch struct {
	Filter string
	Group  string
	group  *SharedGroup
}

// Select picks exactly one member of the matched group per policy.
func (m SharedMatch) Select(policy SharedPolicy, publisherClientID string) (Subscriber, bool) {
	return m.group.Select(policy, publisherClientID)
}

// MatchSharedLocal returns one SharedMatch per distinct (filter, group)
// whose underlying filter matches topicStr (spec.md §4.5: "group results
// by share_group option... for each share group, pick exactly one
// session"). Dispatch calls Select on each returned match independently.
func (idx *SubscriptionIndex) MatchSharedLocal(topicStr string) ([]SharedMatch, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []SharedMatch

	addFilter := func(filter string) {
		if _, dup := seen[filter]; dup {
			return
		}
		seen[filter] = struct{}{}
		groups, ok := idx.sharedExact[filter]
		if !ok {
			return
		}
		for group, sg := range groups {
			out = append(out, SharedMatch{Filter: filter, Group: group, group: sg})
		}
	}

	addFilter(topicStr)

	if !idx.sharedTrie.Empty() {
		filters, err := idx.sharedTrie.Match(topicStr)
		if err != nil {
			return nil, err
		}
		for _, f := range filters {
			addFilter(f)
		}
	}

	return out, nil
}

// FilterCount reports the number of distinct filters with at least one
// plain (non-shared) local subscriber; shared-only filters are not
// counted.
func (idx *SubscriptionIndex) FilterCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.exact)
}

// SubscriptionsFor returns the filters clientID holds plain (non-shared)
// subscriptions to (admin `subscriptions list`, spec.md §6); shared
// subscriptions are not listed.
func (idx *SubscriptionIndex) SubscriptionsFor(clientID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for f, bucket := range idx.exact {
		if _, ok := bucket[clientID]; ok {
			out = append(out, f)
		}
	}
	return out
}
