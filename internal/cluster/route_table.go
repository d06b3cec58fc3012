// Package cluster implements the replicated route table of spec.md
// §4.4: a bag of (filter, destination-node) records, mutated through a
// fixed-size pool of Router Workers sharded by hash(filter), under one
// of three configurable locking policies (key | tab | global).
//
// This process only ever runs as a single node, so the "cluster KV" the
// source assumes is represented locally; the worker-pool sharding,
// lock-mode switch, and transactional-delete behavior described in
// spec.md §4.4 and §9 are preserved so a real clustered KV client could
// be dropped in behind RouteTable without changing its callers.
package cluster

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pyr33x/goqtt-router/internal/topic"
	"github.com/pyr33x/goqtt-router/pkg/er"
)

// LockMode selects how wildcard trie updates synchronize across the
// cluster (spec.md §9 `routing.lock_mode`).
type LockMode uint8

const (
	LockKey LockMode = iota
	LockTab
	LockGlobal
)

func ParseLockMode(s string) (LockMode, bool) {
	switch s {
	case "key", "":
		return LockKey, true
	case "tab":
		return LockTab, true
	case "global":
		return LockGlobal, true
	default:
		return LockKey, false
	}
}

// globalAdvisoryLock stands in for the cluster-wide advisory lock
// LockGlobal acquires before any wildcard route change (spec.md §4.4).
// A clustered deployment would back this with the KV's own advisory
// lock primitive; locally it serializes with every other RouteTable
// instance running LockGlobal in this process.
var globalAdvisoryLock sync.Mutex

// Route is one (filter, destination-node) record (spec.md §4.4).
type Route struct {
	Filter string
	Node   string
}

type mutation struct {
	filter string
	node   string
	add    bool
	done   chan error
}

// RouteTable is the replicated bag of routes, mutated only through its
// Router Worker pool.
type RouteTable struct {
	mu    sync.RWMutex
	exact map[string]map[string]struct{} // filter -> set of destination nodes
	trie  *topic.Trie                    // wildcard filters only, for Match

	lockMode LockMode
	workers  []chan mutation
	group    *errgroup.Group
	cancel   context.CancelFunc

	sf singleflight.Group // collapses concurrent RouteUnavailable retries
}

// NewRouteTable starts poolSize Router Workers under an errgroup.Group,
// so a worker fatal error is contained and reported rather than crashing
// the process (SPEC_FULL.md §4 item 4).
func NewRouteTable(poolSize int, lockMode LockMode) *RouteTable {
	if poolSize <= 0 {
		poolSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	rt := &RouteTable{
		exact:    make(map[string]map[string]struct{}),
		trie:     topic.NewTrie(),
		lockMode: lockMode,
		workers:  make([]chan mutation, poolSize),
		group:    g,
		cancel:   cancel,
	}

	for i := 0; i < poolSize; i++ {
		ch := make(chan mutation, 64)
		rt.workers[i] = ch
		g.Go(func() error {
			return rt.runWorker(gctx, ch)
		})
	}
	return rt
}

func (rt *RouteTable) runWorker(ctx context.Context, ch chan mutation) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-ch:
			m.done <- rt.applyMutation(m)
		}
	}
}

func (rt *RouteTable) shardFor(filter string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(filter))
	return int(h.Sum32() % uint32(len(rt.workers)))
}

// AddRoute records node as a destination for filter (spec.md §4.4).
func (rt *RouteTable) AddRoute(filter, node string) error {
	return rt.submit(filter, node, true)
}

// DeleteRoute removes node as a destination for filter.
func (rt *RouteTable) DeleteRoute(filter, node string) error {
	return rt.submit(filter, node, false)
}

func (rt *RouteTable) submit(filter, node string, add bool) error {
	done := make(chan error, 1)
	shard := rt.shardFor(filter)

	rt.workers[shard] <- mutation{filter: filter, node: node, add: add, done: done}

	return <-done
}

// applyMutation performs the actual map/trie mutation. Always a
// transactional delete — including under LockGlobal — per spec.md §9's
// Open Question resolution (SPEC_FULL.md §4 item 5): the trie entry is
// removed in the same critical section as the last reference-count
// decrement, never as a separate "dirty" step.
func (rt *RouteTable) applyMutation(m mutation) error {
	switch rt.lockMode {
	case LockGlobal:
		globalAdvisoryLock.Lock()
		defer globalAdvisoryLock.Unlock()
	case LockTab:
		// table-scoped: falls through to the rt.mu acquisition below,
		// held for the whole mutation rather than released between the
		// map update and the trie update.
	case LockKey:
		// fine-grained: serialization is already provided by this
		// filter's worker shard owning the mutation exclusively; rt.mu
		// below only arbitrates with concurrent Lookup/Match readers.
	}

	toks, err := topic.Parse(m.filter)
	if err != nil {
		return &er.Err{Context: "Cluster", Message: err}
	}
	wildcard := topic.IsWildcard(toks)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if m.add {
		nodes, ok := rt.exact[m.filter]
		if !ok {
			nodes = make(map[string]struct{})
			rt.exact[m.filter] = nodes
		}
		isNewFilter := len(nodes) == 0
		nodes[m.node] = struct{}{}
		if wildcard && isNewFilter {
			return rt.trie.Insert(m.filter)
		}
		return nil
	}

	nodes, ok := rt.exact[m.filter]
	if !ok {
		return nil
	}
	delete(nodes, m.node)
	if len(nodes) == 0 {
		delete(rt.exact, m.filter)
		if wildcard {
			return rt.trie.Delete(m.filter)
		}
	}
	return nil
}

// Lookup returns the destinations currently recorded for filter
// (exact match, no wildcard expansion).
func (rt *RouteTable) Lookup(filter string) []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	nodes := rt.exact[filter]
	out := make([]string, 0, len(nodes))
	for n := range nodes {
		out = append(out, n)
	}
	return out
}

// Match returns the union of destinations whose filter matches topic,
// via the replicated trie (spec.md §4.4).
func (rt *RouteTable) Match(topicStr string) ([]string, error) {
	seen := make(map[string]struct{})

	rt.mu.RLock()
	for n := range rt.exact[topicStr] {
		seen[n] = struct{}{}
	}
	rt.mu.RUnlock()

	filters, err := rt.trie.Match(topicStr)
	if err != nil {
		return nil, &er.Err{Context: "Cluster", Message: err}
	}

	rt.mu.RLock()
	for _, f := range filters {
		for n := range rt.exact[f] {
			seen[n] = struct{}{}
		}
	}
	rt.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out, nil
}

// ResolveWithRetry re-resolves filter's destinations after a forward
// attempt reports RouteUnavailable, collapsing concurrent identical
// retries for the same filter into a single lookup (SPEC_FULL.md §3,
// golang.org/x/sync/singleflight).
func (rt *RouteTable) ResolveWithRetry(filter string) ([]string, error) {
	v, err, _ := rt.sf.Do(filter, func() (any, error) {
		nodes := rt.Lookup(filter)
		if len(nodes) == 0 {
			return nil, &er.Err{Context: "Cluster", Message: er.ErrRouteUnavailable}
		}
		return nodes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Close stops every Router Worker and waits for them to exit.
func (rt *RouteTable) Close() error {
	rt.cancel()
	return rt.group.Wait()
}
