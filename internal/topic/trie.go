package topic

import "sync"

// Trie is a mutable index of wildcard filters supporting prefix descent
// for match queries (spec.md §4.2). Every terminal node tracks a route
// count: the number of distinct routes (local or cluster) advertising a
// route for that filter. The trie only materializes a path on the first
// route and prunes it back on the last.
//
// Grounded on the teacher's broker.TrieNode shape
// (children/subscribers/isWildcard/isMultiWild), generalized into a
// standalone, reusable component per spec.md §4.2.
type Trie struct {
	mu   sync.RWMutex
	root *node
	size int // number of distinct terminal filters, for the "is empty" fast path
}

type node struct {
	children map[string]*node
	count    int  // route count if this node is terminal for its filter; 0 if non-terminal
	filter   string
}

// NewTrie returns an empty trie.
func NewTrie() *Trie {
	return &Trie{root: &node{children: make(map[string]*node)}}
}

// Empty reports whether the trie currently holds any filter. Callers use
// this as a fast path to short-circuit matching when no wildcard routes
// exist (spec.md §4.2).
func (t *Trie) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size == 0
}

// Insert adds filter to the trie, incrementing its route count. It is
// idempotent at the trie level: repeated inserts for the same filter
// grow the same terminal node's count, and the caller (route table) is
// responsible for reference-count semantics at the route layer.
func (t *Trie) Insert(filter string) error {
	toks, err := Parse(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for _, lvl := range toks {
		child, ok := cur.children[lvl]
		if !ok {
			child = &node{children: make(map[string]*node)}
			cur.children[lvl] = child
		}
		cur = child
	}
	if cur.count == 0 {
		t.size++
	}
	cur.count++
	cur.filter = filter
	return nil
}

// Delete decrements filter's route count and prunes the path back to the
// nearest branching or terminal ancestor once the count reaches zero.
// Deleting a filter not present is a no-op.
func (t *Trie) Delete(filter string) error {
	toks, err := Parse(filter)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	path := make([]*node, 0, len(toks)+1)
	path = append(path, t.root)
	cur := t.root
	for _, lvl := range toks {
		child, ok := cur.children[lvl]
		if !ok {
			return nil // not present
		}
		path = append(path, child)
		cur = child
	}

	if cur.count == 0 {
		return nil
	}
	cur.count--
	if cur.count > 0 {
		return nil
	}

	t.size--
	// Prune from the leaf back up while a node is childless and non-terminal.
	for i := len(path) - 1; i > 0; i-- {
		n := path[i]
		parent := path[i-1]
		if len(n.children) > 0 || n.count > 0 {
			break
		}
		delete(parent.children, toks[i-1])
	}
	return nil
}

// Match descends the trie for topic and returns the set of filters whose
// terminal is reached. Ordering is unspecified; callers deduplicate.
func (t *Trie) Match(topicStr string) ([]string, error) {
	toks, err := ParseTopic(topicStr)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.size == 0 {
		return nil, nil
	}

	var out []string
	sysTopic := IsSys(toks)
	t.match(t.root, toks, 0, sysTopic, &out)
	return out, nil
}

func (t *Trie) match(n *node, toks Tokens, i int, sysTopic bool, out *[]string) {
	if i == len(toks) {
		if n.count > 0 {
			*out = append(*out, n.filter)
		}
		// An exact-match node may also have a '#' child (e.g. "a/#"
		// matches topic "a"); handled by the caller's "#" branch below
		// only when i < len(toks), so handle the zero-remaining '#' case
		// here too.
		if child, ok := n.children[MultiLevel]; ok && child.count > 0 && !(sysTopic && i == 0) {
			*out = append(*out, child.filter)
		}
		return
	}

	lvl := toks[i]

	if child, ok := n.children[lvl]; ok {
		t.match(child, toks, i+1, sysTopic, out)
	}

	if !(sysTopic && i == 0) {
		if child, ok := n.children[SingleLevel]; ok {
			t.match(child, toks, i+1, sysTopic, out)
		}
		if child, ok := n.children[MultiLevel]; ok && child.count > 0 {
			*out = append(*out, child.filter)
		}
	}
}
