package hooks

import (
	"context"
	"sort"
	"sync"
)

// Outcome is what a callback returns after observing or mutating the
// fold accumulator at a hookpoint (spec.md §4.9).
type Outcome struct {
	Stop  bool // short-circuit the remaining chain
	Value any  // updated fold accumulator; nil means unchanged
}

// Continue is the zero-value, no-op outcome.
var Continue = Outcome{}

// Callback is one chain link. It receives the current fold accumulator
// and returns an Outcome. A callback that cannot proceed returns a
// non-nil error; Run stops the chain there and returns that error with
// the accumulator as it stood, and the caller decides fail-open vs
// fail-closed per hookpoint.
type Callback func(ctx context.Context, value any) (Outcome, error)

// registration is one (hookpoint, target, filter, priority) entry
// (spec.md §4.9).
type registration struct {
	target   string
	priority int
	filter   string // optional match restriction; "" matches everything
	fn       Callback
}

// Chain is the ordered, priority-sorted set of callbacks registered for
// every hookpoint. Lower priority values run earlier.
type Chain struct {
	mu    sync.RWMutex
	hooks map[Event][]registration
}

// NewChain returns an empty hook chain.
func NewChain() *Chain {
	return &Chain{hooks: make(map[Event][]registration)}
}

// Register adds fn at event with the given target id, priority, and
// optional filter restriction (spec.md §4.9). Re-registering the same
// (event, target) replaces the prior entry.
func (c *Chain) Register(event Event, target string, priority int, filter string, fn Callback) {
	c.mu.Lock()
	defer c.mu.Unlock()

	regs := c.hooks[event]
	for i, r := range regs {
		if r.target == target {
			regs[i] = registration{target, priority, filter, fn}
			sortRegs(regs)
			c.hooks[event] = regs
			return
		}
	}
	regs = append(regs, registration{target, priority, filter, fn})
	sortRegs(regs)
	c.hooks[event] = regs
}

func sortRegs(regs []registration) {
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority < regs[j].priority })
}

// Unregister removes target's callback for event.
func (c *Chain) Unregister(event Event, target string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	regs := c.hooks[event]
	for i, r := range regs {
		if r.target == target {
			c.hooks[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Run folds value through every registered callback for event in
// priority order, honoring filter restrictions and short-circuiting on
// Stop. It returns the final accumulator and whether the chain was
// stopped early.
func (c *Chain) Run(ctx context.Context, event Event, matchKey string, value any) (any, bool, error) {
	c.mu.RLock()
	regs := append([]registration(nil), c.hooks[event]...)
	c.mu.RUnlock()

	for _, r := range regs {
		if r.filter != "" && r.filter != matchKey {
			continue
		}
		outcome, err := r.fn(ctx, value)
		if err != nil {
			return value, true, err
		}
		if outcome.Value != nil {
			value = outcome.Value
		}
		if outcome.Stop {
			return value, true, nil
		}
	}
	return value, false, nil
}

// Len reports how many callbacks are registered for event.
func (c *Chain) Len(event Event) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.hooks[event])
}
