package blocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/eventbus"
	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/internal/store"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

type reactorTestSuite struct {
	network *p2p.MemoryNetwork
	nodes   map[types.NodeID]*testNode
}

type testNode struct {
	reactor   *Reactor
	transport *p2p.MemoryTransport
	store     *store.BlockStore
	eventBus  *eventbus.EventBus
}

func setup(t *testing.T) *reactorTestSuite {
	t.Helper()
	return &reactorTestSuite{
		network: p2p.NewMemoryNetwork(log.NewNopLogger()),
		nodes:   make(map[types.NodeID]*testNode),
	}
}

func acceptAll(context.Context, types.Header, *types.Body) error { return nil }

func (rts *reactorTestSuite) addNode(
	ctx context.Context,
	t *testing.T,
	id types.NodeID,
	blocks []*types.Block,
	validator Validator,
) *testNode {
	t.Helper()
	logger := log.NewNopLogger()

	bs := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, bs.Bootstrap(testGenesis))
	for _, b := range blocks {
		bs.SaveBlock(b.Header, b.Body)
	}

	peers, err := peerset.New(config.TestPeerSetConfig(), dbm.NewMemDB(), peerset.WithLogger(logger))
	require.NoError(t, err)

	eventBus := eventbus.NewDefault(logger)
	require.NoError(t, eventBus.Start(ctx))

	if validator == nil {
		validator = ValidatorFunc(acceptAll)
	}
	reactor, err := NewReactor(logger, config.TestSyncConfig(), testGenesis, peers, bs, validator, eventBus, NopMetrics())
	require.NoError(t, err)

	transport, err := rts.network.CreateTransport(id, reactor)
	require.NoError(t, err)
	reactor.SetTransport(transport)
	transport.Start(ctx)
	require.NoError(t, reactor.Start(ctx))

	node := &testNode{
		reactor:   reactor,
		transport: transport,
		store:     bs,
		eventBus:  eventBus,
	}
	rts.nodes[id] = node
	return node
}

func waitForHeight(t *testing.T, node *testNode, height int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		h, _ := node.reactor.BestChain()
		return h == height
	}, 10*time.Second, 10*time.Millisecond)
}

func TestReactorSync(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	chain := types.MakeChain(testGenesis, 50, "main")
	rts := setup(t)
	source := rts.addNode(ctx, t, "source", chain, nil)
	fresh := rts.addNode(ctx, t, "fresh", nil, nil)

	sub, err := fresh.reactor.Subscribe(ctx, "test")
	require.NoError(t, err)

	require.NoError(t, rts.network.Connect(ctx, "fresh", "source"))
	waitForHeight(t, fresh, 50)

	_, hash := fresh.reactor.BestChain()
	assert.Equal(t, chain[49].Header.Hash, hash)
	assert.Equal(t, 1, fresh.reactor.PeerCount())
	assert.Equal(t, 1, source.reactor.PeerCount())
	assert.True(t, fresh.store.HasBlock(chain[49].Header.Hash))

	nextCtx, nextCancel := context.WithTimeout(ctx, 5*time.Second)
	defer nextCancel()
	for _, b := range chain {
		msg, err := sub.Next(nextCtx)
		require.NoError(t, err)
		data, ok := msg.Data().(types.EventDataBlockImported)
		require.True(t, ok)
		assert.Equal(t, b.Header.Number, data.Height)
		assert.Equal(t, b.Header.Hash, data.Hash)
		assert.Equal(t, types.NodeID("source"), data.Peer)
	}

	require.NoError(t, fresh.reactor.Finalize(ctx, chain[39].Header.Hash))
	require.Eventually(t, func() bool {
		return fresh.reactor.Status().RootHeight == 40
	}, 5*time.Second, 10*time.Millisecond)
	root, ok := fresh.store.Root()
	require.True(t, ok)
	assert.Equal(t, chain[39].Header, root)

	err = fresh.reactor.Finalize(ctx, types.Sum([]byte("unknown")))
	assert.Error(t, err)
}

func TestReactorRejectedBlock(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	chain := types.MakeChain(testGenesis, 20, "main")
	bad := chain[9].Header

	rts := setup(t)
	rts.addNode(ctx, t, "source", chain, nil)
	fresh := rts.addNode(ctx, t, "fresh", nil, ValidatorFunc(
		func(_ context.Context, h types.Header, _ *types.Body) error {
			if h.Hash == bad.Hash {
				return errors.New("invalid transition")
			}
			return nil
		}))

	require.NoError(t, rts.network.Connect(ctx, "fresh", "source"))
	waitForHeight(t, fresh, 9)

	require.Eventually(t, func() bool {
		rep, ok := fresh.reactor.Reputation("source")
		return ok && rep <= reputationBadBlock+reputationUselessBlocks+2*reputationUsefulResponse
	}, 5*time.Second, 10*time.Millisecond)

	// The rejected block is not fetched again while it cools down.
	time.Sleep(100 * time.Millisecond)
	h, _ := fresh.reactor.BestChain()
	assert.EqualValues(t, 9, h)
	assert.Equal(t, 1, fresh.reactor.PeerCount())
	assert.False(t, fresh.store.HasBlock(bad.Hash))
}

func TestReactorValidatorFailures(t *testing.T) {
	testCases := map[string]struct {
		validator func(ctx context.Context, h types.Header) error
		height    int64
	}{
		"panic": {
			validator: func(_ context.Context, h types.Header) error {
				if h.Number == 3 {
					panic("boom")
				}
				return nil
			},
			height: 2,
		},
		"timeout": {
			validator: func(ctx context.Context, h types.Header) error {
				if h.Number == 5 {
					<-ctx.Done()
					return ctx.Err()
				}
				return nil
			},
			height: 4,
		},
	}
	for name, tc := range testCases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

			ctx, cancel := context.WithCancel(context.Background())
			t.Cleanup(cancel)

			chain := types.MakeChain(testGenesis, 10, "main")
			rts := setup(t)
			rts.addNode(ctx, t, "source", chain, nil)
			fresh := rts.addNode(ctx, t, "fresh", nil, ValidatorFunc(
				func(ctx context.Context, h types.Header, _ *types.Body) error {
					return tc.validator(ctx, h)
				}))

			require.NoError(t, rts.network.Connect(ctx, "fresh", "source"))
			waitForHeight(t, fresh, tc.height)
			require.Eventually(t, func() bool {
				rep, ok := fresh.reactor.Reputation("source")
				return ok && rep < 0 && fresh.reactor.Status().Queued == 0
			}, 5*time.Second, 10*time.Millisecond)
			h, _ := fresh.reactor.BestChain()
			assert.Equal(t, tc.height, h)
		})
	}
}

func TestReactorRequiresTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bs := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, bs.Bootstrap(testGenesis))
	peers, err := peerset.New(config.TestPeerSetConfig(), dbm.NewMemDB())
	require.NoError(t, err)

	reactor, err := NewReactor(log.NewNopLogger(), config.TestSyncConfig(), testGenesis, peers, bs,
		ValidatorFunc(acceptAll), nil, NopMetrics())
	require.NoError(t, err)
	require.Error(t, reactor.Start(ctx))

	_, err = reactor.Subscribe(ctx, "test")
	assert.Error(t, err)
}

func TestReactorRefusesPeersOverCapacity(t *testing.T) {
	t.Cleanup(leaktest.CheckTimeout(t, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rts := setup(t)
	rts.addNode(ctx, t, "hub", nil, nil)
	for i := 0; i < config.TestPeerSetConfig().MaxInbound; i++ {
		id := types.NodeID("spoke" + string(rune('a'+i)))
		rts.addNode(ctx, t, id, nil, nil)
		require.NoError(t, rts.network.Connect(ctx, id, "hub"))
	}
	rts.addNode(ctx, t, "late", nil, nil)
	err := rts.network.Connect(ctx, "late", "hub")
	require.ErrorIs(t, err, peerset.ErrSlotsExhausted)
}
