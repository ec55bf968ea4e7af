package blocksync

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/forksync/internal/forktree"
	"github.com/tendermint/forksync/internal/importqueue"
	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/types"
)

func TestSyncDivergentPeer(t *testing.T) {
	common := types.MakeChain(testGenesis, 10, "common")
	local := types.MakeChain(common[9].Header, 40, "local")
	remote := types.MakeChain(common[9].Header, 90, "remote")

	env := newTestEnv(t, nil, common, local)
	require.EqualValues(t, 50, env.d.BestChain().Number)

	peer := newRemoteChain(common, remote)
	env.connect("p", peer)
	env.run(map[types.NodeID]*remoteChain{"p": peer})
	require.Empty(t, env.errs)

	probes, downloads := env.requests("p")
	var probed []int64
	for _, req := range probes {
		probed = append(probed, req.Start.Number)
	}
	assert.Equal(t, []int64{50, 25, 12, 6, 9, 10, 11}, probed)

	require.NotEmpty(t, downloads)
	assert.EqualValues(t, 11, downloads[0].Start.Number)
	for _, req := range downloads {
		assert.LessOrEqual(t, req.MaxCount, uint32(env.cfg.MaxBlocksPerRequest))
		assert.Equal(t, types.Ascending, req.Direction)
	}

	best := env.d.BestChain()
	assert.EqualValues(t, 100, best.Number)
	assert.Equal(t, remote[89].Header.Hash, best.Hash)
	assert.Equal(t, best, env.d.Tree().BestChain())
	assert.Zero(t, env.d.Queue().Len())
	assert.Zero(t, env.d.Syncer().Inflight())
	assert.Equal(t, StateIdle, env.d.Syncer().State("p"))

	// Both branches stay in the fork tree until finality decides.
	assert.True(t, env.d.Tree().Contains(local[39].Header.Hash))
	assert.EqualValues(t, int32(len(downloads))*reputationUsefulResponse, env.reputation("p"))
}

func TestSyncSharedTargetUsesOnePeer(t *testing.T) {
	chain := types.MakeChain(testGenesis, 100, "main")
	peer := newRemoteChain(chain)

	env := newTestEnv(t, nil)
	env.connect("a", peer)
	env.connect("b", peer)

	actions := env.d.Poll()
	require.Len(t, blockRequests(actions, "a"), 1)
	require.Empty(t, blockRequests(actions, "b"))
	assert.Equal(t, StateAncestorSearch, env.d.Syncer().State("a"))
	assert.Equal(t, StateIdle, env.d.Syncer().State("b"))
	env.handle(actions, map[types.NodeID]*remoteChain{"a": peer, "b": peer})

	env.run(map[types.NodeID]*remoteChain{"a": peer, "b": peer})
	require.Empty(t, env.errs)
	assert.Empty(t, env.sent["b"])
	assert.Equal(t, chain[99].Header.Hash, env.d.BestChain().Hash)
}

func TestSyncRedundantRequestAfterGrace(t *testing.T) {
	chain := types.MakeChain(testGenesis, 100, "main")
	peer := newRemoteChain(chain)

	env := newTestEnv(t, nil)
	env.connect("a", peer)
	env.connect("b", peer)

	stalled := blockRequests(env.d.Poll(), "a")
	require.Len(t, stalled, 1)

	env.clock.Advance(env.cfg.RedundantRequestGrace - time.Millisecond)
	require.Empty(t, blockRequests(env.d.Poll(), "b"))

	env.clock.Advance(time.Millisecond)
	repeated := blockRequests(env.d.Poll(), "b")
	require.Len(t, repeated, 1)
	assert.Equal(t, stalled[0].Start, repeated[0].Start)
	assert.NotEqual(t, stalled[0].ID, repeated[0].ID)

	// The first response wins and the stalled copy is cancelled.
	require.NoError(t, env.d.OnMessage("b", peer.serve(repeated[0])))
	assert.Equal(t, StateIdle, env.d.Syncer().State("a"))
	assert.Zero(t, env.d.Syncer().Inflight())

	// A late answer to the cancelled copy changes nothing and costs nothing.
	treeLen := env.d.Tree().Len()
	require.NoError(t, env.d.OnMessage("a", peer.serve(stalled[0])))
	assert.Equal(t, treeLen, env.d.Tree().Len())
	assert.Zero(t, env.reputation("a"))

	env.run(map[types.NodeID]*remoteChain{"b": peer})
	require.Empty(t, env.errs)
	assert.Equal(t, chain[99].Header.Hash, env.d.BestChain().Hash)
	assert.Zero(t, env.reputation("a"))
}

func TestSyncGapInResponse(t *testing.T) {
	chain := types.MakeChain(testGenesis, 20, "main")
	peer := newRemoteChain(chain)

	env := newTestEnv(t, nil, chain[:10])
	env.connect("p", peer)

	// The probe at our best block finds it common right away.
	env.pump(map[types.NodeID]*remoteChain{"p": peer})
	probes, _ := env.requests("p")
	require.Len(t, probes, 1)
	assert.EqualValues(t, 10, probes[0].Start.Number)

	reqs := blockRequests(env.d.Poll(), "p")
	require.Len(t, reqs, 1)
	require.EqualValues(t, 11, reqs[0].Start.Number)
	require.EqualValues(t, 10, reqs[0].MaxCount)

	resp := peer.serve(reqs[0])
	resp.Blocks = append(resp.Blocks[:5:5], resp.Blocks[6])
	err := env.d.OnMessage("p", resp)
	require.ErrorIs(t, err, ErrProtocolViolation)
	var perr p2p.PeerError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, types.NodeID("p"), perr.NodeID)

	for _, b := range chain[10:15] {
		assert.True(t, env.d.Tree().Contains(b.Header.Hash), "block %d", b.Header.Number)
		assert.True(t, env.d.Queue().Has(b.Header.Hash), "block %d", b.Header.Number)
	}
	for _, b := range chain[15:] {
		assert.False(t, env.d.Tree().Contains(b.Header.Hash), "block %d", b.Header.Number)
	}
	assert.Equal(t, reputationUsefulResponse+reputationProtocolViolation, env.reputation("p"))
	assert.Equal(t, StateIdle, env.d.Syncer().State("p"))

	// The download resumes after the accepted prefix.
	reqs = blockRequests(env.d.Poll(), "p")
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 16, reqs[0].Start.Number)
}

func TestSyncClaimedBestNotReached(t *testing.T) {
	chain := types.MakeChain(testGenesis, 20, "main")
	peer := newRemoteChain(chain)

	// The claimed hash sorts below the real tip, so the served chain never
	// makes the claim look synced.
	var claimed types.Hash
	claimed[len(claimed)-1] = 1
	require.True(t, claimed.Less(chain[19].Header.Hash))
	lying := &types.StatusMessage{BestHeight: 20, BestHash: claimed, GenesisHash: testGenesis.Hash}

	t.Run("download ends at another block", func(t *testing.T) {
		env := newTestEnv(t, nil)
		require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleOutbound))
		require.NoError(t, env.d.OnMessage("p", lying))
		env.run(map[types.NodeID]*remoteChain{"p": peer})

		require.Len(t, env.errs, 1)
		assert.ErrorIs(t, env.errs[0], ErrProtocolViolation)

		_, downloads := env.requests("p")
		require.NotEmpty(t, downloads)
		for _, req := range env.sent["p"] {
			assert.NotZero(t, req.MaxCount, "request at %d", req.Start.Number)
			assert.NoError(t, req.ValidateBasic())
		}
		assert.Equal(t, int32(len(downloads))*reputationUsefulResponse+reputationProtocolViolation,
			env.reputation("p"))
		assert.False(t, env.peers.IsBanned("p"))

		assert.Equal(t, chain[19].Header.Hash, env.d.BestChain().Hash)
		assert.Equal(t, StateIdle, env.d.Syncer().State("p"))
		assert.Zero(t, env.d.Syncer().Inflight())
		assert.Empty(t, blockRequests(env.d.Poll(), "p"))
	})

	t.Run("common ancestor at claimed height", func(t *testing.T) {
		env := newTestEnv(t, nil, chain)
		require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleOutbound))
		require.NoError(t, env.d.OnMessage("p", lying))
		env.run(map[types.NodeID]*remoteChain{"p": peer})

		require.Len(t, env.errs, 1)
		assert.ErrorIs(t, env.errs[0], ErrProtocolViolation)
		_, downloads := env.requests("p")
		assert.Empty(t, downloads)
		assert.Equal(t, reputationProtocolViolation, env.reputation("p"))
		assert.Equal(t, StateIdle, env.d.Syncer().State("p"))
		assert.Empty(t, blockRequests(env.d.Poll(), "p"))
	})
}

func TestSyncRejectedBlockDropsDescendants(t *testing.T) {
	chain := types.MakeChain(testGenesis, 100, "main")
	peer := newRemoteChain(chain)
	remotes := map[types.NodeID]*remoteChain{"p": peer}
	bad := chain[14].Header

	env := newTestEnv(t, nil)
	env.validate = func(e importqueue.Entry) error {
		if e.Header.Hash == bad.Hash {
			return errHold
		}
		return nil
	}
	env.connect("p", peer)
	env.run(remotes)
	require.Empty(t, env.errs)

	require.Len(t, env.held, 1)
	require.Equal(t, bad.Hash, env.held[0].Header.Hash)
	require.EqualValues(t, 14, env.d.BestChain().Number)
	require.Equal(t, 86, env.d.Queue().Len())
	_, downloads := env.requests("p")
	require.Len(t, downloads, 7)

	require.True(t, env.d.OnImportResult(bad.Hash, importqueue.Rejected, errors.New("bad state root")))
	assert.Zero(t, env.d.Queue().Len())
	for _, b := range chain[14:] {
		assert.False(t, env.d.Tree().Contains(b.Header.Hash), "block %d", b.Header.Number)
	}
	assert.Equal(t, chain[13].Header, env.d.Tree().BestChain())
	assert.EqualValues(t, 7*reputationUsefulResponse+reputationBadBlock+reputationUselessBlocks, env.reputation("p"))

	// Reporting the outcome again is a no-op.
	assert.False(t, env.d.OnImportResult(bad.Hash, importqueue.Rejected, errors.New("bad state root")))

	// The peer's chain still contains the rejected block: it is not fetched
	// from it again while the rejection cools down.
	env.validate = nil
	env.sent = make(map[types.NodeID][]*types.BlockRequest)
	env.run(remotes)
	require.Empty(t, env.errs)
	assert.False(t, env.d.Tree().Contains(bad.Hash))
	assert.Zero(t, env.d.Queue().Len())
	assert.EqualValues(t, 14, env.d.BestChain().Number)
	assert.EqualValues(t, 7*reputationUsefulResponse+reputationBadBlock+reputationUselessBlocks, env.reputation("p"))
	probes, downloads := env.requests("p")
	assert.Len(t, probes, 1)
	assert.Len(t, downloads, 1)
}

func TestSyncAnnouncedBlockSkipsSearch(t *testing.T) {
	chain := types.MakeChain(testGenesis, 6, "main")
	peer := newRemoteChain(chain)
	remotes := map[types.NodeID]*remoteChain{"p": peer}

	env := newTestEnv(t, nil, chain[:5])
	require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleOutbound))
	require.NoError(t, env.d.OnMessage("p", &types.StatusMessage{
		BestHeight:  5,
		BestHash:    chain[4].Header.Hash,
		GenesisHash: testGenesis.Hash,
	}))
	env.run(remotes)
	require.Empty(t, env.sent["p"])

	next := chain[5].Header
	require.NoError(t, env.d.OnMessage("p", &types.NewBlockAnnounce{Header: next}))
	assert.True(t, env.d.Tree().Contains(next.Hash))
	assert.Equal(t, next, env.d.Tree().BestChain())

	env.run(remotes)
	require.Empty(t, env.errs)
	require.Len(t, env.sent["p"], 1)
	req := env.sent["p"][0]
	assert.Equal(t, types.RefByHash(next.Hash), req.Start)
	assert.EqualValues(t, 1, req.MaxCount)
	assert.True(t, req.IncludeBody)

	assert.Equal(t, next, env.d.BestChain())
	assert.True(t, env.d.Syncer().Knows("p", next.Hash))
	assert.Empty(t, env.announced["p"])
}

func TestSyncOrphanAnnounceStartsSearch(t *testing.T) {
	chain := types.MakeChain(testGenesis, 8, "main")
	env := newTestEnv(t, nil, chain[:5])
	require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleOutbound))

	require.NoError(t, env.d.OnMessage("p", &types.NewBlockAnnounce{Header: chain[7].Header}))
	assert.False(t, env.d.Tree().Contains(chain[7].Header.Hash))

	reqs := blockRequests(env.d.Poll(), "p")
	require.Len(t, reqs, 1)
	assert.False(t, reqs[0].IncludeBody)
	assert.Equal(t, types.RefByNumber(5), reqs[0].Start)
	assert.Equal(t, StateAncestorSearch, env.d.Syncer().State("p"))
}

func TestSyncRequestTimeout(t *testing.T) {
	chain := types.MakeChain(testGenesis, 20, "main")
	env := newTestEnv(t, nil)
	env.connect("p", newRemoteChain(chain))

	require.Len(t, blockRequests(env.d.Poll(), "p"), 1)

	env.clock.Advance(env.cfg.RequestTimeout - time.Millisecond)
	require.Empty(t, blockRequests(env.d.Poll(), "p"))
	assert.Zero(t, env.reputation("p"))

	// The peer is penalized and, being the only one, asked again.
	env.clock.Advance(time.Millisecond)
	require.Len(t, blockRequests(env.d.Poll(), "p"), 1)
	assert.Equal(t, reputationTimeout, env.reputation("p"))

	timeouts := 1
	for !env.peers.IsBanned("p") {
		require.Less(t, timeouts, 10, "peer was never banned")
		env.clock.Advance(env.cfg.RequestTimeout)
		env.handle(env.d.Poll(), nil)
		timeouts++
	}
	assert.Equal(t, 6, timeouts)
	require.Len(t, env.disconnects, 1)
	assert.Equal(t, types.NodeID("p"), env.disconnects[0].Peer)
	assert.Equal(t, StateDisconnected, env.d.Syncer().State("p"))
	assert.Zero(t, env.d.Syncer().Inflight())
}

func TestSyncPeerDisconnectHandsOverWork(t *testing.T) {
	chain := types.MakeChain(testGenesis, 50, "main")
	peer := newRemoteChain(chain)

	env := newTestEnv(t, nil)
	env.connect("a", peer)
	env.connect("b", peer)

	stalled := blockRequests(env.d.Poll(), "a")
	require.Len(t, stalled, 1)

	env.d.OnPeerDisconnected("a")
	assert.Equal(t, StateDisconnected, env.d.Syncer().State("a"))
	assert.Zero(t, env.d.Syncer().Inflight())

	reqs := blockRequests(env.d.Poll(), "b")
	require.Len(t, reqs, 1)
	assert.Equal(t, stalled[0].Start, reqs[0].Start)

	// Messages from the departed peer are ignored.
	require.NoError(t, env.d.OnMessage("a", peer.serve(stalled[0])))
	require.NoError(t, env.d.OnMessage("b", peer.serve(reqs[0])))

	env.run(map[types.NodeID]*remoteChain{"b": peer})
	require.Empty(t, env.errs)
	assert.Equal(t, chain[49].Header.Hash, env.d.BestChain().Hash)
}

func TestGenesisMismatchBansPeer(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleInbound))

	other := types.GenesisHeader([]byte("other-network"))
	err := env.d.OnMessage("p", &types.StatusMessage{GenesisHash: other.Hash})
	require.ErrorIs(t, err, ErrGenesisMismatch)
	require.ErrorIs(t, err, ErrProtocolViolation)

	env.handle(env.d.Poll(), nil)
	require.Len(t, env.disconnects, 1)
	assert.Equal(t, types.NodeID("p"), env.disconnects[0].Peer)
	assert.True(t, env.peers.IsBanned("p"))
	assert.False(t, env.peers.IsConnected("p"))
	assert.Equal(t, StateDisconnected, env.d.Syncer().State("p"))
}

func TestInvalidMessagesArePenalized(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleInbound))

	// A response to a request we never sent is simply ignored.
	require.NoError(t, env.d.OnMessage("p", &types.BlockResponse{ID: uuid.New()}))
	assert.Zero(t, env.reputation("p"))

	err := env.d.OnMessage("p", &types.BlockResponse{})
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, reputationProtocolViolation, env.reputation("p"))

	err = env.d.OnMessage("p", &types.BlockRequest{ID: uuid.New(), Direction: types.Ascending})
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, 2*reputationProtocolViolation, env.reputation("p"))
	assert.True(t, env.peers.IsConnected("p"))

	// Unknown peers are ignored.
	require.NoError(t, env.d.OnMessage("stranger", &types.BlockResponse{}))
}

func TestMajorSyncStatusAndAnnouncements(t *testing.T) {
	chain := types.MakeChain(testGenesis, 100, "main")
	peer := newRemoteChain(chain)

	env := newTestEnv(t, nil)
	env.connect("p", peer)
	env.connect("q", newRemoteChain())
	require.True(t, env.d.IsMajorSyncing())

	env.run(map[types.NodeID]*remoteChain{"p": peer})
	require.Empty(t, env.errs)
	assert.False(t, env.d.IsMajorSyncing())

	require.Len(t, env.syncStatus, 2)
	assert.True(t, env.syncStatus[0].Syncing)
	assert.Zero(t, env.syncStatus[0].Height)
	assert.False(t, env.syncStatus[1].Syncing)
	assert.EqualValues(t, 95, env.syncStatus[1].Height)

	// New best blocks are only gossiped once we are close to the tip.
	var announced []int64
	for _, h := range env.announced["q"] {
		announced = append(announced, h.Number)
	}
	assert.Equal(t, []int64{95, 96, 97, 98, 99, 100}, announced)

	status := env.d.Status()
	assert.EqualValues(t, 100, status.BestHeight)
	assert.EqualValues(t, 100, status.TreeBestHeight)
	assert.Equal(t, 2, status.Peers)
	assert.False(t, status.MajorSyncing)
}

func TestFinalize(t *testing.T) {
	main := types.MakeChain(testGenesis, 10, "main")
	side := types.MakeChain(main[4].Header, 3, "side")
	env := newTestEnv(t, nil, main, side)
	require.Equal(t, main[9].Header, env.d.BestChain())
	require.Equal(t, 14, env.d.Tree().Len())

	_, err := env.d.Finalize(types.Sum([]byte("unknown")))
	require.ErrorIs(t, err, forktree.ErrUnknownBlock)

	path, err := env.d.Finalize(main[7].Header.Hash)
	require.NoError(t, err)
	if diff := cmp.Diff(types.Headers(main[:8]), path); diff != "" {
		t.Errorf("finalized path mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, main[7].Header, env.d.Tree().Root())
	assert.Equal(t, 3, env.d.Tree().Len())
	assert.Equal(t, main[9].Header, env.d.BestChain())
	for _, b := range side {
		assert.False(t, env.d.Tree().Contains(b.Header.Hash))
		assert.False(t, env.store.HasBlock(b.Header.Hash))
	}
	canonical, ok := env.store.LoadCanonicalHeader(8)
	require.True(t, ok)
	assert.Equal(t, main[7].Header, canonical)

	// Finalizing the root again is a no-op.
	path, err = env.d.Finalize(main[7].Header.Hash)
	require.NoError(t, err)
	assert.Empty(t, path)

	// A block that is known but not imported yet cannot be finalized.
	next := types.MakeChain(main[9].Header, 1, "main")
	require.NoError(t, env.d.OnPeerConnected("p", peerset.RoleOutbound))
	require.NoError(t, env.d.OnMessage("p", &types.NewBlockAnnounce{Header: next[0].Header}))
	require.True(t, env.d.Tree().Contains(next[0].Header.Hash))
	_, err = env.d.Finalize(next[0].Header.Hash)
	require.Error(t, err)
	assert.False(t, errors.Is(err, forktree.ErrUnknownBlock))
}

func TestRestartReplaysStore(t *testing.T) {
	main := types.MakeChain(testGenesis, 10, "main")
	side := types.MakeChain(main[2].Header, 9, "side")
	env := newTestEnv(t, nil, main)

	peer := newRemoteChain(main[:3], side)
	env.connect("p", peer)
	env.run(map[types.NodeID]*remoteChain{"p": peer})
	require.Empty(t, env.errs)
	require.Equal(t, side[8].Header, env.d.BestChain())

	_, err := env.d.Finalize(main[1].Header.Hash)
	require.NoError(t, err)

	restarted := env.newDispatcher()
	assert.Equal(t, env.d.BestChain(), restarted.BestChain())
	assert.Equal(t, main[1].Header, restarted.Tree().Root())
	assert.Equal(t, env.d.Tree().Len(), restarted.Tree().Len())
	for _, b := range main[2:] {
		assert.True(t, restarted.Queue().IsImported(b.Header.Hash), "block %d", b.Header.Number)
	}
	for _, b := range side {
		assert.True(t, restarted.Queue().IsImported(b.Header.Hash), "block %d", b.Header.Number)
	}
	assert.Zero(t, restarted.Queue().Len())
}
