package forktree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/forksync/types"
)

func newTestTree(t *testing.T) (*Tree, types.Header) {
	t.Helper()
	genesis := types.GenesisHeader([]byte("forktree"))
	return New(genesis), genesis
}

func mustInsert(t *testing.T, tree *Tree, blocks []*types.Block) {
	t.Helper()
	for _, b := range blocks {
		res, err := tree.Insert(b.Header)
		require.NoError(t, err)
		require.Equal(t, Inserted, res)
	}
	require.NoError(t, tree.validate())
}

func TestInsert(t *testing.T) {
	tree, genesis := newTestTree(t)
	chain := types.MakeChain(genesis, 5, "a")
	mustInsert(t, tree, chain)

	assert.Equal(t, chain[4].Header, tree.BestChain())
	assert.Equal(t, 6, tree.Len())

	// duplicates change nothing
	res, err := tree.Insert(chain[2].Header)
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, res)
	assert.Equal(t, chain[4].Header, tree.BestChain())
	assert.Equal(t, 6, tree.Len())

	// orphans are rejected
	orphan := types.MakeChain(chain[4].Header, 2, "a")[1]
	res, err = tree.Insert(orphan.Header)
	require.ErrorIs(t, err, ErrOrphan)
	assert.Equal(t, OrphanRejected, res)
	assert.False(t, tree.Contains(orphan.Header.Hash))

	// number gaps are invalid
	gap := types.NewHeader(9, chain[4].Header.Hash, types.ZeroHash, nil)
	_, err = tree.Insert(gap)
	require.ErrorIs(t, err, ErrInvalidHeader)

	// so are tampered hashes
	bad := types.MakeChain(chain[4].Header, 1, "a")[0].Header
	bad.Hash[0] ^= 0x01
	_, err = tree.Insert(bad)
	require.ErrorIs(t, err, ErrInvalidHeader)
	require.NoError(t, tree.validate())
}

func TestForkChoice(t *testing.T) {
	tree, genesis := newTestTree(t)
	a := types.MakeChain(genesis, 3, "a")
	b := types.MakeChain(a[0].Header, 3, "b")
	mustInsert(t, tree, a)
	mustInsert(t, tree, b)

	// b is one block longer
	assert.Equal(t, b[2].Header, tree.BestChain())

	// equal length: the smaller hash wins, whatever the insertion order
	c := types.MakeChain(a[0].Header, 3, "c")
	mustInsert(t, tree, c)
	want := b[2].Header
	if c[2].Header.Hash.Less(want.Hash) {
		want = c[2].Header
	}
	assert.Equal(t, want, tree.BestChain())

	leaves := tree.Leaves()
	require.Len(t, leaves, 3)
	assert.Equal(t, want, leaves[0])
	assert.Equal(t, a[2].Header, leaves[2])
}

func TestIsDescendantAndCommonAncestor(t *testing.T) {
	tree, genesis := newTestTree(t)
	a := types.MakeChain(genesis, 6, "a")
	b := types.MakeChain(a[2].Header, 4, "b")
	mustInsert(t, tree, a)
	mustInsert(t, tree, b)

	assert.True(t, tree.IsDescendant(genesis.Hash, a[5].Header.Hash))
	assert.True(t, tree.IsDescendant(a[2].Header.Hash, b[3].Header.Hash))
	assert.False(t, tree.IsDescendant(a[3].Header.Hash, b[3].Header.Hash))
	assert.False(t, tree.IsDescendant(a[3].Header.Hash, a[3].Header.Hash))
	assert.False(t, tree.IsDescendant(a[5].Header.Hash, a[3].Header.Hash))
	assert.False(t, tree.IsDescendant(types.Sum([]byte("x")), a[3].Header.Hash))

	anc, err := tree.CommonAncestor(a[5].Header.Hash, b[3].Header.Hash)
	require.NoError(t, err)
	assert.Equal(t, a[2].Header, anc)

	anc, err = tree.CommonAncestor(a[1].Header.Hash, a[4].Header.Hash)
	require.NoError(t, err)
	assert.Equal(t, a[1].Header, anc)

	_, err = tree.CommonAncestor(a[1].Header.Hash, types.Sum([]byte("x")))
	require.ErrorIs(t, err, ErrUnknownBlock)

	// best is b (7 blocks) and canonical lookups follow it
	h, ok := tree.CanonicalAt(5)
	require.True(t, ok)
	assert.Equal(t, b[1].Header, h)
	h, ok = tree.CanonicalAt(2)
	require.True(t, ok)
	assert.Equal(t, a[1].Header, h)
	_, ok = tree.CanonicalAt(8)
	assert.False(t, ok)
}

func TestFinalize(t *testing.T) {
	tree, genesis := newTestTree(t)
	a := types.MakeChain(genesis, 6, "a")
	b := types.MakeChain(a[1].Header, 8, "b")
	mustInsert(t, tree, a)
	mustInsert(t, tree, b)
	require.Equal(t, b[7].Header, tree.BestChain())

	// finalizing on a makes the longer b branch disappear
	path, err := tree.Finalize(a[3].Header.Hash)
	require.NoError(t, err)
	assert.Equal(t, types.Headers(a[:4]), path)
	require.NoError(t, tree.validate())

	assert.Equal(t, a[3].Header, tree.Root())
	assert.Equal(t, a[5].Header, tree.BestChain())
	assert.Equal(t, 3, tree.Len())
	for _, blk := range b {
		assert.False(t, tree.Contains(blk.Header.Hash))
	}

	// finalizing the root again is a no-op
	path, err = tree.Finalize(a[3].Header.Hash)
	require.NoError(t, err)
	assert.Empty(t, path)

	// pruned and unknown hashes fail without side effects
	_, err = tree.Finalize(b[0].Header.Hash)
	require.ErrorIs(t, err, ErrUnknownBlock)
	_, err = tree.Finalize(a[1].Header.Hash)
	require.ErrorIs(t, err, ErrUnknownBlock)
	assert.Equal(t, a[3].Header, tree.Root())
	assert.Equal(t, 3, tree.Len())

	// headers on top of pruned blocks are now orphans
	res, _ := tree.Insert(types.MakeChain(b[7].Header, 1, "b")[0].Header)
	assert.Equal(t, OrphanRejected, res)
}

func TestRemove(t *testing.T) {
	tree, genesis := newTestTree(t)
	a := types.MakeChain(genesis, 4, "a")
	b := types.MakeChain(a[0].Header, 5, "b")
	mustInsert(t, tree, a)
	mustInsert(t, tree, b)
	require.Equal(t, b[4].Header, tree.BestChain())

	removed, err := tree.Remove(b[2].Header.Hash)
	require.NoError(t, err)
	assert.Len(t, removed, 3)
	require.NoError(t, tree.validate())

	// b[1] at height 3 loses to a[3] at height 4
	assert.Equal(t, a[3].Header, tree.BestChain())
	assert.True(t, tree.Contains(b[1].Header.Hash))

	_, err = tree.Remove(genesis.Hash)
	require.Error(t, err)
	_, err = tree.Remove(b[2].Header.Hash)
	require.ErrorIs(t, err, ErrUnknownBlock)
}

func TestBestChainPanicsOnCorruption(t *testing.T) {
	tree, genesis := newTestTree(t)
	mustInsert(t, tree, types.MakeChain(genesis, 2, "a"))

	delete(tree.nodes, tree.best.header.Hash)
	require.Panics(t, func() { tree.BestChain() })
}
