package importqueue

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/forksync/internal/forktree"
	"github.com/tendermint/forksync/types"
)

// queueModel drives a queue over a random block tree and checks that only
// blocks whose parent is the root or imported are ever handed out.
type queueModel struct {
	tree     *forktree.Tree
	queue    *Queue
	blocks   []*types.Block
	imported map[types.Hash]bool
	inFlight map[types.Hash]bool
	lastSeq  uint64
	counter  int
}

func (m *queueModel) init(t *rapid.T) {
	genesis := types.GenesisHeader([]byte("queue-property"))
	m.tree = forktree.New(genesis)
	m.queue = New(m.tree, rapid.IntRange(1, 12).Draw(t, "capacity"))
	m.blocks = []*types.Block{{Header: genesis, Body: &types.Body{}}}
	m.imported = map[types.Hash]bool{genesis.Hash: true}
	m.inFlight = make(map[types.Hash]bool)
}

func (m *queueModel) Enqueue(t *rapid.T) {
	parent := rapid.SampledFrom(m.blocks).Draw(t, "parent")
	m.counter++
	blk := types.MakeChain(parent.Header, 1, fmt.Sprintf("b%d", m.counter))[0]
	_, err := m.tree.Insert(blk.Header)
	require.NoError(t, err)
	m.blocks = append(m.blocks, blk)

	evicted, err := m.queue.Enqueue(entry(blk, "p"))
	if err != nil {
		require.ErrorIs(t, err, ErrQueueFull)
	}
	for _, e := range evicted {
		require.False(t, m.inFlight[e.Hash()], "in-flight entry %v evicted", e.Header)
	}
	require.LessOrEqual(t, m.queue.Len(), m.queue.Capacity())
}

func (m *queueModel) Dequeue(t *rapid.T) {
	for _, e := range m.queue.DequeueReady() {
		require.True(t, m.imported[e.Header.ParentHash], "%v handed out before its parent", e.Header)
		require.False(t, m.inFlight[e.Hash()])
		require.Greater(t, e.Seq, m.lastSeq)
		m.lastSeq = e.Seq
		m.inFlight[e.Hash()] = true
	}
}

func (m *queueModel) Complete(t *rapid.T) {
	if len(m.inFlight) == 0 {
		t.Skip("nothing in flight")
	}
	var pending []types.Hash
	for h := range m.inFlight {
		pending = append(pending, h)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Less(pending[j]) })
	hash := rapid.SampledFrom(pending).Draw(t, "complete")
	delete(m.inFlight, hash)

	if rapid.Bool().Draw(t, "accept") {
		require.Empty(t, m.queue.MarkImported(hash, Imported))
		m.imported[hash] = true
		return
	}
	for _, e := range m.queue.MarkImported(hash, Rejected) {
		require.True(t, m.tree.IsDescendant(hash, e.Hash()))
		require.False(t, m.inFlight[e.Hash()])
	}
}

func (m *queueModel) Check(t *rapid.T) {
	for h := range m.inFlight {
		require.True(t, m.queue.Has(h))
	}
}

func TestQueueProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &queueModel{}
		m.init(t)
		t.Repeat(map[string]func(*rapid.T){
			"enqueue":  m.Enqueue,
			"dequeue":  m.Dequeue,
			"complete": m.Complete,
			"":         m.Check,
		})
	})
}
