package blocksync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/forktree"
	"github.com/tendermint/forksync/internal/importqueue"
	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

// BlockStore is the durable storage of imported blocks. The fork tree and
// the import queue are rebuilt from it on startup.
type BlockStore interface {
	Root() (types.Header, bool)
	LoadHeader(hash types.Hash) (types.Header, bool)
	LoadBody(hash types.Hash) *types.Body
	LoadCanonicalHeader(number int64) (types.Header, bool)
	LoadHeadersAbove(number int64) []types.Header
	SaveBlock(header types.Header, body *types.Body)
	SaveFinalized(path []types.Header) error
	PruneBranches() (uint64, error)
}

// Action is an outbound effect requested by the Dispatcher.
type Action interface {
	action()
}

// SendAction sends a message to a peer.
type SendAction struct {
	To      types.NodeID
	Message types.Message
}

// DisconnectAction drops a peer.
type DisconnectAction struct {
	Peer   types.NodeID
	Reason error
}

// ValidateAction runs the validation hook on a ready block. Its outcome is
// reported back with OnImportResult.
type ValidateAction struct {
	Entry importqueue.Entry
}

// SyncStatusAction reports that the node entered or left major sync.
type SyncStatusAction struct {
	Syncing bool
	Height  int64
}

func (SendAction) action()       {}
func (DisconnectAction) action() {}
func (ValidateAction) action()   {}
func (SyncStatusAction) action() {}

// SyncStatus is a snapshot of the sync engine for observability.
type SyncStatus struct {
	BestHeight     int64
	BestHash       types.Hash
	TreeBestHeight int64
	RootHeight     int64
	Peers          int
	Inflight       int
	Queued         int
	MajorSyncing   bool
}

// Dispatcher is the coordinator of the sync engine. It turns transport
// events and import results into state transitions of the peer set, the
// fork tree, the import queue and the Syncer, and collects the resulting
// outbound actions until Poll hands them out.
//
// Dispatcher is not safe for concurrent use; the Reactor confines it to a
// single goroutine.
type Dispatcher struct {
	cfg     *config.SyncConfig
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	genesis types.Header
	peers   *peerset.PeerSet
	store   BlockStore
	tree    *forktree.Tree
	queue   *importqueue.Queue
	syncer  *Syncer

	// bestImported is the best block that passed validation.
	bestImported types.Header
	limiters     map[types.NodeID]*rate.Limiter
	outbox       []Action
	lastStatus   time.Time
	majorSyncing bool
}

// DispatcherOption sets an optional parameter on the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// NewDispatcher creates a dispatcher on top of a bootstrapped block store.
// The fork tree is rooted at the stored finalized block and every stored
// block above it is replayed into the tree and marked imported.
func NewDispatcher(
	cfg *config.SyncConfig,
	genesis types.Header,
	peers *peerset.PeerSet,
	store BlockStore,
	options ...DispatcherOption,
) (*Dispatcher, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	root, ok := store.Root()
	if !ok {
		return nil, errors.New("block store was not bootstrapped")
	}
	if g, ok := store.LoadCanonicalHeader(0); !ok || g.Hash != genesis.Hash {
		return nil, fmt.Errorf("block store does not start at genesis %v", genesis)
	}

	d := &Dispatcher{
		cfg:      cfg,
		logger:   log.NewNopLogger(),
		metrics:  NopMetrics(),
		now:      time.Now,
		genesis:  genesis,
		peers:    peers,
		store:    store,
		limiters: make(map[types.NodeID]*rate.Limiter),
	}
	for _, opt := range options {
		opt(d)
	}

	d.tree = forktree.New(root)
	d.queue = importqueue.New(d.tree, cfg.ImportQueueCapacity)
	d.syncer = NewSyncer(cfg, d.logger, peers, d.tree, d.queue, d.metrics, d.now)
	d.bestImported = root

	replayed := 0
	for _, h := range store.LoadHeadersAbove(root.Number) {
		if _, err := d.tree.Insert(h); err != nil {
			// A block of a branch abandoned by finalization.
			continue
		}
		d.queue.Restore(h)
		replayed++
		if better(h, d.bestImported) {
			d.bestImported = h
		}
	}
	d.logger.Info("replayed block store",
		"root", root.Number, "blocks", replayed, "height", d.bestImported.Number, "hash", d.bestImported.Hash.Short())
	d.metrics.Height.Set(float64(d.bestImported.Number))
	return d, nil
}

// better is the fork choice rule of the fork tree.
func better(a, b types.Header) bool {
	if a.Number != b.Number {
		return a.Number > b.Number
	}
	return a.Hash.Less(b.Hash)
}

// Tree returns the fork tree.
func (d *Dispatcher) Tree() *forktree.Tree { return d.tree }

// Queue returns the import queue.
func (d *Dispatcher) Queue() *importqueue.Queue { return d.queue }

// Syncer returns the sync state machine.
func (d *Dispatcher) Syncer() *Syncer { return d.syncer }

// BestChain returns the best imported block.
func (d *Dispatcher) BestChain() types.Header { return d.bestImported }

// IsMajorSyncing reports whether a peer's best block is more than the
// configured threshold above the best imported block.
func (d *Dispatcher) IsMajorSyncing() bool {
	for _, p := range d.peers.Peers() {
		if p.BestHeight > d.bestImported.Number+d.cfg.MajorSyncThreshold {
			return true
		}
	}
	return false
}

// Status returns a snapshot of the sync engine.
func (d *Dispatcher) Status() SyncStatus {
	return SyncStatus{
		BestHeight:     d.bestImported.Number,
		BestHash:       d.bestImported.Hash,
		TreeBestHeight: d.tree.BestChain().Number,
		RootHeight:     d.tree.Root().Number,
		Peers:          d.peers.Len(),
		Inflight:       d.syncer.Inflight(),
		Queued:         d.queue.Len(),
		MajorSyncing:   d.IsMajorSyncing(),
	}
}

// OnPeerConnected admits a peer and greets it with our status. An error
// refuses the peer.
func (d *Dispatcher) OnPeerConnected(id types.NodeID, role peerset.Role) error {
	if err := d.peers.Admit(id, role); err != nil {
		return err
	}
	d.syncer.AddPeer(id)
	d.limiters[id] = rate.NewLimiter(rate.Limit(d.cfg.ServedRequestsPerSecond), d.cfg.ServedRequestsBurst)
	d.send(id, d.statusMessage())
	d.drainDisconnects()
	d.metrics.Peers.Set(float64(d.peers.Len()))
	return nil
}

// OnPeerDisconnected forgets a peer dropped by the transport.
func (d *Dispatcher) OnPeerDisconnected(id types.NodeID) {
	d.peers.Disconnected(id)
	d.forget(id)
	d.metrics.Peers.Set(float64(d.peers.Len()))
}

func (d *Dispatcher) forget(id types.NodeID) {
	d.syncer.RemovePeer(id)
	delete(d.limiters, id)
}

// OnMessage handles a message from a connected peer. The returned error, a
// p2p.PeerError, reports a message the peer was penalized for.
func (d *Dispatcher) OnMessage(id types.NodeID, msg types.Message) (err error) {
	if !d.peers.IsConnected(id) {
		return nil
	}
	defer d.drainDisconnects()

	if err := msg.ValidateBasic(); err != nil {
		err = fmt.Errorf("%w: invalid %T: %v", ErrProtocolViolation, msg, err)
		d.syncer.penalize(id, reputationProtocolViolation, err)
		return p2p.PeerError{NodeID: id, Err: err}
	}

	switch m := msg.(type) {
	case *types.StatusMessage:
		err = d.handleStatus(id, m)
	case *types.BlockRequest:
		d.serve(id, m)
	case *types.BlockResponse:
		err = d.syncer.OnResponse(id, m)
	case *types.NewBlockAnnounce:
		err = d.syncer.OnAnnounce(id, m.Header)
	default:
		err = fmt.Errorf("%w: unknown message %T", ErrProtocolViolation, m)
		d.syncer.penalize(id, reputationProtocolViolation, err)
	}
	if err != nil {
		return p2p.PeerError{NodeID: id, Err: err}
	}
	return nil
}

func (d *Dispatcher) handleStatus(id types.NodeID, m *types.StatusMessage) error {
	if m.GenesisHash != d.genesis.Hash {
		err := fmt.Errorf("%w: %w: peer is on %v", ErrProtocolViolation, ErrGenesisMismatch, m.GenesisHash.Short())
		d.syncer.penalize(id, reputationFatal, err)
		return err
	}
	best := m.BestHash
	if m.BestHeight == 0 {
		best = d.genesis.Hash
	}
	d.peers.SetBest(id, m.BestHeight, best)
	d.syncer.MarkKnown(id, best)
	return nil
}

// OnImportResult applies the outcome of the validation hook. Imported
// blocks are persisted and announced when they become the best block.
// Rejected blocks leave the fork tree and the import queue together with
// their descendants: the supplying peer takes a bad block penalty and every
// distinct origin of a dropped descendant a single useless block penalty.
//
// It returns false if the block is no longer queued, which happens when
// finalization abandoned its branch while it was being validated.
func (d *Dispatcher) OnImportResult(hash types.Hash, outcome importqueue.Outcome, reason error) bool {
	entry, ok := d.queue.Lookup(hash)
	if !ok {
		return false
	}
	defer d.drainDisconnects()

	if outcome == importqueue.Imported {
		d.store.SaveBlock(entry.Header, entry.Body)
		d.queue.MarkImported(hash, importqueue.Imported)
		d.metrics.ImportedBlocks.Add(1)
		d.metrics.QueuedBlocks.Set(float64(d.queue.Len()))
		if better(entry.Header, d.bestImported) {
			d.bestImported = entry.Header
			d.metrics.Height.Set(float64(entry.Header.Number))
			d.announce(entry.Header)
		}
		return true
	}

	dropped := d.queue.MarkImported(hash, importqueue.Rejected)
	d.metrics.RejectedBlocks.Add(1)
	d.logger.Info("block rejected",
		"height", entry.Header.Number, "hash", hash.Short(), "peer", entry.Origin, "dropped", len(dropped), "err", reason)

	d.syncer.RejectCooldown(entry.Origin, hash)
	d.syncer.penalize(entry.Origin, reputationBadBlock, fmt.Errorf("%w: %v", ErrImportRejected, reason))

	origins := make(map[types.NodeID]bool)
	for _, e := range dropped {
		origins[e.Origin] = true
	}
	ids := make([]types.NodeID, 0, len(origins))
	for id := range origins {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		d.syncer.penalize(id, reputationUselessBlocks, fmt.Errorf("descendants of rejected block %v", hash.Short()))
	}

	if _, err := d.tree.Remove(hash); err != nil {
		d.logger.Error("failed to remove rejected block from the fork tree", "hash", hash.Short(), "err", err)
	}
	d.queue.Prune()
	d.syncer.Pruned()
	d.metrics.QueuedBlocks.Set(float64(d.queue.Len()))
	return true
}

// Finalize applies a finality signal: hash becomes the root of the fork
// tree and the finalized path is persisted as canonical. Only imported
// blocks can be finalized. The newly finalized headers are returned, oldest
// first.
func (d *Dispatcher) Finalize(hash types.Hash) ([]types.Header, error) {
	if !d.isImported(hash) {
		if d.tree.Contains(hash) {
			return nil, fmt.Errorf("cannot finalize %v before it is imported", hash.Short())
		}
		return nil, fmt.Errorf("%w: %v", forktree.ErrUnknownBlock, hash.Short())
	}
	path, err := d.tree.Finalize(hash)
	if err != nil || len(path) == 0 {
		return nil, err
	}
	if err := d.store.SaveFinalized(path); err != nil {
		return nil, fmt.Errorf("failed to persist finalized blocks: %w", err)
	}

	dropped := d.queue.Prune()
	d.syncer.Pruned()
	if !d.tree.Contains(d.bestImported.Hash) {
		d.bestImported = d.recomputeBestImported()
		d.metrics.Height.Set(float64(d.bestImported.Number))
	}

	pruned, err := d.store.PruneBranches()
	if err != nil {
		d.logger.Error("failed to prune abandoned branches", "err", err)
	}
	d.logger.Info("finalized block",
		"height", path[len(path)-1].Number, "hash", hash.Short(), "dropped", len(dropped), "pruned", pruned)
	d.metrics.QueuedBlocks.Set(float64(d.queue.Len()))
	return path, nil
}

func (d *Dispatcher) isImported(hash types.Hash) bool {
	return hash == d.tree.Root().Hash || d.queue.IsImported(hash)
}

func (d *Dispatcher) recomputeBestImported() types.Header {
	best := d.tree.Root()
	for _, leaf := range d.tree.Leaves() {
		h := leaf
		for !d.isImported(h.Hash) {
			parent, ok := d.tree.Header(h.ParentHash)
			if !ok {
				panic(fmt.Sprintf("blocksync: %v has no parent in the fork tree", h))
			}
			h = parent
		}
		if better(h, best) {
			best = h
		}
	}
	return best
}

// Poll runs a scheduling pass and returns the actions accumulated since the
// last call: expired requests are penalized, stalled ones repeated to
// standby peers, idle peers get new work, ready blocks go to validation and
// the status is broadcast when due.
func (d *Dispatcher) Poll() []Action {
	now := d.now()
	d.peers.Decay()

	if now.Sub(d.lastStatus) >= d.cfg.StatusInterval {
		d.lastStatus = now
		status := d.statusMessage()
		for _, p := range d.peers.Peers() {
			d.send(p.ID, status)
		}
	}

	for _, req := range d.syncer.Tick() {
		d.send(req.Peer, req.Message())
	}
	for _, req := range d.syncer.Schedule() {
		d.send(req.Peer, req.Message())
	}
	for _, e := range d.queue.DequeueReady() {
		d.outbox = append(d.outbox, ValidateAction{Entry: e})
	}

	if syncing := d.IsMajorSyncing(); syncing != d.majorSyncing {
		d.majorSyncing = syncing
		d.outbox = append(d.outbox, SyncStatusAction{Syncing: syncing, Height: d.bestImported.Number})
		if syncing {
			d.metrics.Syncing.Set(1)
		} else {
			d.metrics.Syncing.Set(0)
		}
	}
	d.drainDisconnects()

	d.metrics.Peers.Set(float64(d.peers.Len()))
	d.metrics.QueuedBlocks.Set(float64(d.queue.Len()))

	out := d.outbox
	d.outbox = nil
	return out
}

func (d *Dispatcher) statusMessage() *types.StatusMessage {
	return &types.StatusMessage{
		BestHeight:  d.bestImported.Number,
		BestHash:    d.bestImported.Hash,
		GenesisHash: d.genesis.Hash,
	}
}

// announce gossips a new best block to the peers not known to have it.
// Nothing is announced while major syncing.
func (d *Dispatcher) announce(h types.Header) {
	if d.IsMajorSyncing() {
		return
	}
	for _, p := range d.peers.Peers() {
		if d.syncer.Knows(p.ID, h.Hash) {
			continue
		}
		d.syncer.MarkKnown(p.ID, h.Hash)
		d.send(p.ID, &types.NewBlockAnnounce{Header: h})
	}
}

func (d *Dispatcher) send(to types.NodeID, msg types.Message) {
	d.outbox = append(d.outbox, SendAction{To: to, Message: msg})
}

// drainDisconnects turns the disconnects decided by the peer set into
// actions.
func (d *Dispatcher) drainDisconnects() {
	for _, dc := range d.peers.DrainDisconnects() {
		d.forget(dc.ID)
		d.outbox = append(d.outbox, DisconnectAction{Peer: dc.ID, Reason: dc.Reason})
	}
}
