package importqueue

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tendermint/forksync/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity and
// every buffered entry is ready or being validated.
var ErrQueueFull = errors.New("import queue is full")

// Outcome is the result of validating an entry.
type Outcome uint8

const (
	Imported Outcome = iota + 1
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Imported:
		return "imported"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Entry is a block waiting for validation.
type Entry struct {
	Header types.Header
	Body   *types.Body
	// Origin is the peer the block was received from.
	Origin types.NodeID
	// Seq is assigned by Enqueue and increases with every accepted entry.
	Seq uint64
}

func (e Entry) Hash() types.Hash { return e.Header.Hash }

// Chain is the view of the fork tree the queue needs. Every enqueued header
// must already be in the chain.
type Chain interface {
	Root() types.Header
	Contains(hash types.Hash) bool
}

type item struct {
	Entry
	ready    bool
	inFlight bool
}

// Queue buffers blocks until their parent has been imported, then hands
// them out for validation in arrival order.
//
// An entry is ready once its parent was imported successfully or is the
// finalized root. Ready entries are handed out by DequeueReady exactly once
// and stay in the queue, counting against its capacity, until MarkImported
// reports their outcome.
type Queue struct {
	chain    Chain
	capacity int
	seq      uint64

	entries  map[types.Hash]*item
	children map[types.Hash]map[types.Hash]struct{} // parent -> queued children
	imported map[types.Hash]int64                   // imported hash -> number
}

// New returns a queue holding at most capacity entries.
func New(chain Chain, capacity int) *Queue {
	if capacity <= 0 {
		panic(fmt.Sprintf("importqueue: invalid capacity %d", capacity))
	}
	return &Queue{
		chain:    chain,
		capacity: capacity,
		entries:  make(map[types.Hash]*item),
		children: make(map[types.Hash]map[types.Hash]struct{}),
		imported: make(map[types.Hash]int64),
	}
}

// Len returns the number of entries, including those being validated.
func (q *Queue) Len() int { return len(q.entries) }

// Capacity returns the maximum number of entries.
func (q *Queue) Capacity() int { return q.capacity }

// Has reports whether hash is queued or being validated.
func (q *Queue) Has(hash types.Hash) bool {
	_, ok := q.entries[hash]
	return ok
}

// IsImported reports whether hash was imported and not yet pruned.
func (q *Queue) IsImported(hash types.Hash) bool {
	_, ok := q.imported[hash]
	return ok
}

// Restore records a block imported before a restart, so that its queued
// children become ready.
func (q *Queue) Restore(h types.Header) {
	q.imported[h.Hash] = h.Number
}

// Lookup returns the queued entry for hash.
func (q *Queue) Lookup(hash types.Hash) (Entry, bool) {
	it, ok := q.entries[hash]
	if !ok {
		return Entry{}, false
	}
	return it.Entry, true
}

// Enqueue buffers e. Blocks that are already queued or imported are ignored.
//
// When the queue is full the unready entry with the lowest block number,
// possibly e itself, is evicted and returned so its origin can be
// penalized. If no entry can be evicted, ErrQueueFull is returned and e is
// dropped.
func (q *Queue) Enqueue(e Entry) (evicted []Entry, err error) {
	hash := e.Hash()
	if q.Has(hash) || q.IsImported(hash) {
		return nil, nil
	}

	it := &item{Entry: e}
	it.ready = q.isReady(e.Header)

	if len(q.entries) >= q.capacity {
		victim := q.evictionCandidate()
		if !it.ready && (victim == nil || e.Header.Number < victim.Header.Number) {
			return []Entry{e}, nil
		}
		if victim == nil {
			return nil, ErrQueueFull
		}
		q.remove(victim.Hash())
		evicted = append(evicted, victim.Entry)
	}

	q.seq++
	it.Seq = q.seq
	q.entries[hash] = it

	parent := e.Header.ParentHash
	if q.children[parent] == nil {
		q.children[parent] = make(map[types.Hash]struct{})
	}
	q.children[parent][hash] = struct{}{}
	return evicted, nil
}

func (q *Queue) isReady(h types.Header) bool {
	if h.ParentHash == q.chain.Root().Hash {
		return true
	}
	_, ok := q.imported[h.ParentHash]
	return ok
}

// evictionCandidate returns the unready entry with the lowest number, the
// most recent one on ties.
func (q *Queue) evictionCandidate() *item {
	var victim *item
	for _, it := range q.entries {
		if it.ready || it.inFlight {
			continue
		}
		if victim == nil ||
			it.Header.Number < victim.Header.Number ||
			(it.Header.Number == victim.Header.Number && it.Seq > victim.Seq) {
			victim = it
		}
	}
	return victim
}

// DequeueReady hands out every ready entry not handed out before, in
// arrival order. The returned entries remain in the queue until their
// outcome is reported with MarkImported.
func (q *Queue) DequeueReady() []Entry {
	var ready []*item
	for _, it := range q.entries {
		if it.ready && !it.inFlight {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].Seq < ready[j].Seq })

	out := make([]Entry, len(ready))
	for i, it := range ready {
		it.inFlight = true
		out[i] = it.Entry
	}
	return out
}

// MarkImported records the outcome of validating hash. On success the
// queued children of hash become ready. On rejection every buffered
// descendant of hash is dropped and returned, since none of them can ever
// become ready.
func (q *Queue) MarkImported(hash types.Hash, outcome Outcome) []Entry {
	it, ok := q.entries[hash]
	if !ok {
		return nil
	}
	q.remove(hash)

	if outcome == Imported {
		q.imported[hash] = it.Header.Number
		for child := range q.children[hash] {
			q.entries[child].ready = true
		}
		return nil
	}

	var dropped []Entry
	stack := []types.Hash{hash}
	for len(stack) > 0 {
		parent := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for child := range q.children[parent] {
			dropped = append(dropped, q.entries[child].Entry)
			q.remove(child)
			stack = append(stack, child)
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Seq < dropped[j].Seq })
	return dropped
}

// Prune drops the entries whose block left the chain, which happens when
// finalization prunes their branch, and forgets imported blocks below the
// root. Entries on top of the new root become ready. The dropped entries
// are returned.
func (q *Queue) Prune() []Entry {
	root := q.chain.Root()

	var dropped []Entry
	for hash, it := range q.entries {
		if it.Header.Number <= root.Number || !q.chain.Contains(hash) {
			dropped = append(dropped, it.Entry)
			q.remove(hash)
		}
	}
	for hash, number := range q.imported {
		if number < root.Number || !q.chain.Contains(hash) {
			delete(q.imported, hash)
		}
	}
	for child := range q.children[root.Hash] {
		q.entries[child].ready = true
	}

	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Seq < dropped[j].Seq })
	return dropped
}

// remove forgets hash as a queued entry. Its own children index is kept, so
// they can still become ready if hash is imported.
func (q *Queue) remove(hash types.Hash) {
	it, ok := q.entries[hash]
	if !ok {
		return
	}
	delete(q.entries, hash)

	parent := it.Header.ParentHash
	delete(q.children[parent], hash)
	if len(q.children[parent]) == 0 {
		delete(q.children, parent)
	}
}
