package broker

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
)

// SharedGroup holds the members of one `$share/<group>/<filter>`
// subscription and picks exactly one member per publish per the
// configured policy (spec.md §4.5, §8 property 5). Grounded on
// other_examples/1765e72d_axmq-ax__topic-router.go.go's shared-
// subscription handling, generalized with an explicit, pluggable
// selection policy.
type SharedGroup struct {
	mu      sync.Mutex
	members []Subscriber
	rrIndex uint64
}

// Add appends sub to the group, replacing any existing entry for the
// same client-id.
func (g *SharedGroup) Add(sub Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.Session.ClientID == sub.Session.ClientID {
			g.members[i] = sub
			return
		}
	}
	g.members = append(g.members, sub)
}

// Remove drops clientID from the group. Returns true if the group is now
// empty (caller should drop the SharedGroup entirely).
func (g *SharedGroup) Remove(clientID string) (empty bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.Session.ClientID == clientID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	return len(g.members) == 0
}

// Select picks exactly one member for a publish from publisher, per
// policy (spec.md §4.5). It returns ok=false if the group has no members.
func (g *SharedGroup) Select(policy SharedPolicy, publisherClientID string) (Subscriber, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 {
		return Subscriber{}, false
	}

	switch policy {
	case SharedRoundRobin:
		idx := atomic.AddUint64(&g.rrIndex, 1) - 1
		return g.members[idx%uint64(len(g.members))], true
	case SharedHashClientID:
		h := fnv.New32a()
		_, _ = h.Write([]byte(publisherClientID))
		idx := int(h.Sum32()) % len(g.members)
		if idx < 0 {
			idx += len(g.members)
		}
		return g.members[idx], true
	default: // SharedRandom
		return g.members[rand.IntN(len(g.members))], true
	}
}

// Len reports the group's current member count.
func (g *SharedGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}
