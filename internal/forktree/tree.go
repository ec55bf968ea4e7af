package forktree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tendermint/forksync/types"
)

var (
	// ErrUnknownBlock is returned for hashes that are not in the tree, either
	// because they were never inserted or because finalization pruned them.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrOrphan accompanies OrphanRejected: the parent of the header is not in
	// the tree.
	ErrOrphan = errors.New("orphan block")

	// ErrInvalidHeader is returned for headers that can never be inserted.
	ErrInvalidHeader = errors.New("invalid header")
)

// InsertResult is the outcome of Tree.Insert.
type InsertResult uint8

const (
	Inserted InsertResult = iota + 1
	DuplicateIgnored
	OrphanRejected
)

func (r InsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case DuplicateIgnored:
		return "duplicate"
	case OrphanRejected:
		return "orphan"
	default:
		return "invalid"
	}
}

type node struct {
	header    types.Header
	parent    *node
	children  map[types.Hash]*node
	finalized bool
}

// Tree tracks the headers known above the last finalized block. Every node's
// ancestry ends at the root, the only finalized node, and the best pointer
// always references a node of the tree.
//
// Tree is not safe for concurrent use. The sync engine confines it to a
// single goroutine.
type Tree struct {
	root  *node
	best  *node
	nodes map[types.Hash]*node
}

// New returns a tree rooted at the given finalized header.
func New(root types.Header) *Tree {
	n := &node{
		header:    root,
		children:  make(map[types.Hash]*node),
		finalized: true,
	}
	return &Tree{
		root:  n,
		best:  n,
		nodes: map[types.Hash]*node{root.Hash: n},
	}
}

// Insert adds a header whose parent is already in the tree. The best chain
// is updated in place.
//
// A header already present yields DuplicateIgnored and changes nothing. A
// header with an unknown parent yields OrphanRejected together with
// ErrOrphan. Malformed headers, including ones whose number does not follow
// the parent's, return an ErrInvalidHeader error.
func (t *Tree) Insert(h types.Header) (InsertResult, error) {
	if _, ok := t.nodes[h.Hash]; ok {
		return DuplicateIgnored, nil
	}
	if err := h.ValidateBasic(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}

	parent, ok := t.nodes[h.ParentHash]
	if !ok {
		return OrphanRejected, fmt.Errorf("%w: parent %v of %v", ErrOrphan, h.ParentHash.Short(), h)
	}
	if h.Number != parent.header.Number+1 {
		return 0, fmt.Errorf("%w: %v follows parent at %d", ErrInvalidHeader, h, parent.header.Number)
	}

	n := &node{
		header:   h,
		parent:   parent,
		children: make(map[types.Hash]*node),
	}
	parent.children[h.Hash] = n
	t.nodes[h.Hash] = n

	if better(n, t.best) {
		t.best = n
	}
	return Inserted, nil
}

// better is the fork choice rule: the longer chain wins, ties go to the
// lexicographically smaller hash.
func better(a, b *node) bool {
	if a.header.Number != b.header.Number {
		return a.header.Number > b.header.Number
	}
	return a.header.Hash.Less(b.header.Hash)
}

// BestChain returns the tip of the best chain.
func (t *Tree) BestChain() types.Header {
	if t.best == nil || t.nodes[t.best.header.Hash] != t.best {
		panic(fmt.Sprintf("forktree: best pointer %v is not in the tree", t.best))
	}
	return t.best.header
}

// Root returns the last finalized header.
func (t *Tree) Root() types.Header {
	if t.root == nil || t.nodes[t.root.header.Hash] != t.root {
		panic("forktree: root is missing from the tree")
	}
	return t.root.header
}

// Len returns the number of headers in the tree, root included.
func (t *Tree) Len() int { return len(t.nodes) }

// Contains reports whether hash is in the tree.
func (t *Tree) Contains(hash types.Hash) bool {
	_, ok := t.nodes[hash]
	return ok
}

// Header returns the header with the given hash.
func (t *Tree) Header(hash types.Hash) (types.Header, bool) {
	n, ok := t.nodes[hash]
	if !ok {
		return types.Header{}, false
	}
	return n.header, true
}

// IsDescendant reports whether candidate strictly descends from ancestor.
// Unknown hashes are never descendants.
func (t *Tree) IsDescendant(ancestor, candidate types.Hash) bool {
	a, ok := t.nodes[ancestor]
	if !ok {
		return false
	}
	c, ok := t.nodes[candidate]
	if !ok || c == a {
		return false
	}
	for c != nil && c.header.Number > a.header.Number {
		c = c.parent
	}
	return c == a
}

// CommonAncestor returns the highest header that a and b both descend from,
// or are equal to. The walk is bounded by the distance to the root.
func (t *Tree) CommonAncestor(a, b types.Hash) (types.Header, error) {
	na, ok := t.nodes[a]
	if !ok {
		return types.Header{}, fmt.Errorf("%w: %v", ErrUnknownBlock, a.Short())
	}
	nb, ok := t.nodes[b]
	if !ok {
		return types.Header{}, fmt.Errorf("%w: %v", ErrUnknownBlock, b.Short())
	}

	for na.header.Number > nb.header.Number {
		na = na.parent
	}
	for nb.header.Number > na.header.Number {
		nb = nb.parent
	}
	for na != nb {
		na, nb = na.parent, nb.parent
		if na == nil || nb == nil {
			panic("forktree: branches do not meet at the root")
		}
	}
	return na.header, nil
}

// CanonicalAt returns the header at the given number on the best chain.
func (t *Tree) CanonicalAt(number int64) (types.Header, bool) {
	n := t.best
	if number < t.root.header.Number || number > n.header.Number {
		return types.Header{}, false
	}
	for n.header.Number > number {
		n = n.parent
	}
	return n.header, true
}

// Leaves returns the headers without children, best first.
func (t *Tree) Leaves() []types.Header {
	leaves := make([]*node, 0)
	for _, n := range t.nodes {
		if len(n.children) == 0 {
			leaves = append(leaves, n)
		}
	}
	sort.Slice(leaves, func(i, j int) bool { return better(leaves[i], leaves[j]) })

	hs := make([]types.Header, len(leaves))
	for i, n := range leaves {
		hs[i] = n.header
	}
	return hs
}

// Finalize makes hash the new root and prunes every branch that does not
// contain it. It returns the newly finalized headers in ascending order,
// excluding the old root. Finalizing the current root is a no-op; an unknown
// or already pruned hash fails with ErrUnknownBlock and changes nothing.
func (t *Tree) Finalize(hash types.Hash) ([]types.Header, error) {
	n, ok := t.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, hash.Short())
	}
	if n == t.root {
		return nil, nil
	}

	path := make([]types.Header, 0, n.header.Number-t.root.header.Number)
	for p := n; p != t.root; p = p.parent {
		if p == nil {
			panic(fmt.Sprintf("forktree: %v does not descend from the root", n.header))
		}
		path = append(path, p.header)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	n.parent = nil
	n.finalized = true
	t.root = n
	t.rebuild()
	return path, nil
}

// Remove prunes hash and all of its descendants, returning the removed
// headers. The root cannot be removed.
func (t *Tree) Remove(hash types.Hash) ([]types.Header, error) {
	n, ok := t.nodes[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, hash.Short())
	}
	if n == t.root {
		return nil, errors.New("cannot remove the finalized root")
	}

	delete(n.parent.children, hash)
	n.parent = nil

	var removed []types.Header
	walk(n, func(d *node) {
		removed = append(removed, d.header)
		delete(t.nodes, d.header.Hash)
	})
	if _, ok := t.nodes[t.best.header.Hash]; !ok {
		t.best = t.selectBest()
	}
	return removed, nil
}

// rebuild drops every node not reachable from the root and recomputes the
// best pointer.
func (t *Tree) rebuild() {
	nodes := make(map[types.Hash]*node, len(t.nodes))
	walk(t.root, func(n *node) { nodes[n.header.Hash] = n })
	t.nodes = nodes
	t.best = t.selectBest()
}

func (t *Tree) selectBest() *node {
	best := t.root
	for _, n := range t.nodes {
		if better(n, best) {
			best = n
		}
	}
	return best
}

func walk(n *node, fn func(*node)) {
	stack := []*node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		fn(cur)
		for _, c := range cur.children {
			stack = append(stack, c)
		}
	}
}

// validate checks the structural invariants of the tree.
func (t *Tree) validate() error {
	if t.nodes[t.root.header.Hash] != t.root || !t.root.finalized || t.root.parent != nil {
		return errors.New("bad root")
	}
	if t.nodes[t.best.header.Hash] != t.best {
		return errors.New("best pointer is not in the tree")
	}
	for hash, n := range t.nodes {
		if n != t.root && n.finalized {
			return fmt.Errorf("%v is finalized but not the root", n.header)
		}
		steps := 0
		for p := n; p != t.root; p = p.parent {
			if p == nil || p.parent == nil || p.parent.children[p.header.Hash] != p {
				return fmt.Errorf("%v does not descend from the root", n.header)
			}
			if p.header.Number != p.parent.header.Number+1 {
				return fmt.Errorf("%v has a number gap to its parent", p.header)
			}
			steps++
		}
		if int64(steps) != n.header.Number-t.root.header.Number || hash != n.header.Hash {
			return fmt.Errorf("%v is misplaced", n.header)
		}
		if better(n, t.best) {
			return fmt.Errorf("%v is better than best %v", n.header, t.best.header)
		}
	}
	return nil
}
