package blocksync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/importqueue"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/internal/store"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

// errHold makes the test validator keep a block aside instead of reporting
// an outcome.
var errHold = errors.New("hold")

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

var testGenesis = types.GenesisHeader([]byte("forksync-test"))

// remoteChain is the best chain of a simulated peer.
type remoteChain struct {
	byNumber map[int64]*types.Block
	byHash   map[types.Hash]*types.Block
	best     *types.Block
}

func newRemoteChain(segments ...[]*types.Block) *remoteChain {
	c := &remoteChain{
		byNumber: make(map[int64]*types.Block),
		byHash:   make(map[types.Hash]*types.Block),
	}
	c.add(&types.Block{Header: testGenesis, Body: &types.Body{}})
	for _, seg := range segments {
		for _, b := range seg {
			c.add(b)
		}
	}
	return c
}

func (c *remoteChain) add(b *types.Block) {
	c.byNumber[b.Header.Number] = b
	c.byHash[b.Header.Hash] = b
	c.best = b
}

func (c *remoteChain) status() *types.StatusMessage {
	return &types.StatusMessage{
		BestHeight:  c.best.Header.Number,
		BestHash:    c.best.Header.Hash,
		GenesisHash: testGenesis.Hash,
	}
}

func (c *remoteChain) serve(req *types.BlockRequest) *types.BlockResponse {
	resp := &types.BlockResponse{ID: req.ID}
	var start *types.Block
	if req.Start.ByHash() {
		start = c.byHash[req.Start.Hash]
	} else {
		start = c.byNumber[req.Start.Number]
	}
	if start == nil {
		return resp
	}
	b := start
	for uint32(len(resp.Blocks)) < req.MaxCount && b != nil {
		bd := types.BlockData{Header: b.Header}
		if req.IncludeBody {
			bd.Body = b.Body
		}
		resp.Blocks = append(resp.Blocks, bd)
		if req.Direction == types.Ascending {
			b = c.byNumber[b.Header.Number+1]
		} else {
			b = c.byHash[b.Header.ParentHash]
		}
	}
	return resp
}

// testEnv drives a Dispatcher the way the Reactor does, without goroutines.
type testEnv struct {
	t     *testing.T
	cfg   *config.SyncConfig
	clock *fakeClock
	db    dbm.DB
	store *store.BlockStore
	peers *peerset.PeerSet
	d     *Dispatcher

	// validate decides the outcome of a ready block; nil imports everything.
	validate func(importqueue.Entry) error

	sent        map[types.NodeID][]*types.BlockRequest
	announced   map[types.NodeID][]types.Header
	held        []importqueue.Entry
	errs        []error
	disconnects []DisconnectAction
	syncStatus  []SyncStatusAction
}

// newTestEnv creates a dispatcher whose store already holds the given
// imported blocks.
func newTestEnv(t *testing.T, cfg *config.SyncConfig, imported ...[]*types.Block) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.TestSyncConfig()
	}
	clock := newFakeClock()
	db := dbm.NewMemDB()
	bs := store.NewBlockStore(db)
	require.NoError(t, bs.Bootstrap(testGenesis))
	for _, seg := range imported {
		for _, b := range seg {
			bs.SaveBlock(b.Header, b.Body)
		}
	}

	peers, err := peerset.New(config.TestPeerSetConfig(), dbm.NewMemDB(), peerset.WithClock(clock.Now))
	require.NoError(t, err)

	env := &testEnv{
		t:         t,
		cfg:       cfg,
		clock:     clock,
		db:        db,
		store:     bs,
		peers:     peers,
		sent:      make(map[types.NodeID][]*types.BlockRequest),
		announced: make(map[types.NodeID][]types.Header),
	}
	env.d = env.newDispatcher()
	return env
}

func (env *testEnv) newDispatcher() *Dispatcher {
	d, err := NewDispatcher(env.cfg, testGenesis, env.peers, env.store,
		WithClock(env.clock.Now), WithLogger(log.NewTestingLogger(env.t)))
	require.NoError(env.t, err)
	return d
}

// connect admits a peer and delivers its status.
func (env *testEnv) connect(id types.NodeID, remote *remoteChain) {
	env.t.Helper()
	require.NoError(env.t, env.d.OnPeerConnected(id, peerset.RoleOutbound))
	require.NoError(env.t, env.d.OnMessage(id, remote.status()))
}

// handle carries out actions. Block requests to peers in remotes are
// answered at once, other peers never answer. It reports whether a request
// was sent or a block validated.
func (env *testEnv) handle(actions []Action, remotes map[types.NodeID]*remoteChain) bool {
	progress := false
	for _, a := range actions {
		switch a := a.(type) {
		case SendAction:
			switch msg := a.Message.(type) {
			case *types.BlockRequest:
				progress = true
				env.sent[a.To] = append(env.sent[a.To], msg)
				if remote, ok := remotes[a.To]; ok {
					if err := env.d.OnMessage(a.To, remote.serve(msg)); err != nil {
						env.errs = append(env.errs, err)
					}
				}
			case *types.NewBlockAnnounce:
				env.announced[a.To] = append(env.announced[a.To], msg.Header)
			}

		case ValidateAction:
			progress = true
			var err error
			if env.validate != nil {
				err = env.validate(a.Entry)
			}
			switch {
			case errors.Is(err, errHold):
				env.held = append(env.held, a.Entry)
			case err != nil:
				env.d.OnImportResult(a.Entry.Header.Hash, importqueue.Rejected, err)
			default:
				env.d.OnImportResult(a.Entry.Header.Hash, importqueue.Imported, nil)
			}

		case DisconnectAction:
			env.disconnects = append(env.disconnects, a)

		case SyncStatusAction:
			env.syncStatus = append(env.syncStatus, a)
		}
	}
	return progress
}

// pump runs one scheduling pass.
func (env *testEnv) pump(remotes map[types.NodeID]*remoteChain) bool {
	return env.handle(env.d.Poll(), remotes)
}

// run pumps until nothing moves anymore.
func (env *testEnv) run(remotes map[types.NodeID]*remoteChain) {
	env.t.Helper()
	for i := 0; i < 10000; i++ {
		if !env.pump(remotes) {
			return
		}
	}
	env.t.Fatal("sync did not settle")
}

// requests returns the block requests sent to id, split into header probes
// and block downloads.
func (env *testEnv) requests(id types.NodeID) (probes, downloads []*types.BlockRequest) {
	for _, req := range env.sent[id] {
		if req.IncludeBody {
			downloads = append(downloads, req)
		} else {
			probes = append(probes, req)
		}
	}
	return probes, downloads
}

func (env *testEnv) reputation(id types.NodeID) int32 {
	env.t.Helper()
	score, ok := env.peers.Reputation(id)
	require.True(env.t, ok, "unknown peer %v", id)
	return score
}

// blockRequests picks the block requests addressed to id out of actions.
func blockRequests(actions []Action, id types.NodeID) []*types.BlockRequest {
	var out []*types.BlockRequest
	for _, a := range actions {
		if s, ok := a.(SendAction); ok && s.To == id {
			if req, ok := s.Message.(*types.BlockRequest); ok {
				out = append(out, req)
			}
		}
	}
	return out
}

// blockResponses picks the block responses addressed to id out of actions.
func blockResponses(actions []Action, id types.NodeID) []*types.BlockResponse {
	var out []*types.BlockResponse
	for _, a := range actions {
		if s, ok := a.(SendAction); ok && s.To == id {
			if resp, ok := s.Message.(*types.BlockResponse); ok {
				out = append(out, resp)
			}
		}
	}
	return out
}
