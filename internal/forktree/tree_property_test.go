package forktree

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tendermint/forksync/types"
)

// treeModel mirrors the tree with a flat list of every header inserted
// since the last finalization.
type treeModel struct {
	tree    *Tree
	known   []types.Header
	counter int
}

func (m *treeModel) init() {
	genesis := types.GenesisHeader([]byte("property"))
	m.tree = New(genesis)
	m.known = []types.Header{genesis}
}

func (m *treeModel) child(parent types.Header) types.Header {
	m.counter++
	return types.MakeChain(parent, 1, fmt.Sprintf("fork-%d", m.counter))[0].Header
}

func (m *treeModel) Insert(t *rapid.T) {
	parent := rapid.SampledFrom(m.known).Draw(t, "parent")
	h := m.child(parent)

	res, err := m.tree.Insert(h)
	require.NoError(t, err)
	require.Equal(t, Inserted, res)
	m.known = append(m.known, h)
}

func (m *treeModel) InsertDuplicate(t *rapid.T) {
	h := rapid.SampledFrom(m.known).Draw(t, "duplicate")
	before := m.tree.BestChain()

	res, err := m.tree.Insert(h)
	require.NoError(t, err)
	require.Equal(t, DuplicateIgnored, res)
	require.Equal(t, before, m.tree.BestChain())
}

func (m *treeModel) InsertOrphan(t *rapid.T) {
	parent := rapid.SampledFrom(m.known).Draw(t, "orphan parent")
	h := m.child(m.child(parent))
	before := m.tree.Len()

	res, _ := m.tree.Insert(h)
	require.Equal(t, OrphanRejected, res)
	require.Equal(t, before, m.tree.Len())
}

func (m *treeModel) Finalize(t *rapid.T) {
	target := rapid.SampledFrom(m.known).Draw(t, "finalize")
	if !m.tree.Contains(target.Hash) {
		_, err := m.tree.Finalize(target.Hash)
		require.ErrorIs(t, err, ErrUnknownBlock)
		return
	}

	oldRoot := m.tree.Root()
	path, err := m.tree.Finalize(target.Hash)
	require.NoError(t, err)
	require.EqualValues(t, target.Number-oldRoot.Number, len(path))
	require.Equal(t, target, m.tree.Root())

	// nothing survives that does not descend from the new root
	retained := m.known[:0]
	for _, h := range m.known {
		if h.Hash == target.Hash || m.tree.IsDescendant(target.Hash, h.Hash) {
			retained = append(retained, h)
		} else {
			require.False(t, m.tree.Contains(h.Hash), "%v survived finalization of %v", h, target)
		}
	}
	m.known = retained
	require.Equal(t, len(m.known), m.tree.Len())
}

func (m *treeModel) Check(t *rapid.T) {
	require.NoError(t, m.tree.validate())

	best := m.tree.BestChain()
	require.True(t, m.tree.Contains(best.Hash))
	root := m.tree.Root()
	require.True(t, best.Hash == root.Hash || m.tree.IsDescendant(root.Hash, best.Hash))

	for _, h := range m.known {
		require.True(t, m.tree.Contains(h.Hash))
		require.LessOrEqual(t, h.Number, best.Number)
		if h.Number == best.Number {
			require.False(t, h.Hash.Less(best.Hash))
		}
	}
}

func TestTreeProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &treeModel{}
		m.init()
		t.Repeat(rapid.StateMachineActions(m))
	})
}

func TestFinalizeDescendantProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m := &treeModel{}
		m.init()

		n := rapid.IntRange(1, 40).Draw(t, "inserts")
		for i := 0; i < n; i++ {
			m.Insert(t)
		}

		h1 := rapid.SampledFrom(m.known).Draw(t, "h1")
		_, err := m.tree.Finalize(h1.Hash)
		require.NoError(t, err)

		var candidates []types.Header
		for _, h := range m.known {
			if h.Hash == h1.Hash || m.tree.IsDescendant(h1.Hash, h.Hash) {
				candidates = append(candidates, h)
			}
		}
		h2 := rapid.SampledFrom(candidates).Draw(t, "h2")
		_, err = m.tree.Finalize(h2.Hash)
		require.NoError(t, err)

		for _, h := range m.known {
			if m.tree.Contains(h.Hash) {
				require.True(t, h.Hash == h2.Hash || m.tree.IsDescendant(h2.Hash, h.Hash),
					"%v retained after finalizing %v", h, h2)
			}
		}
		require.NoError(t, m.tree.validate())
	})
}
