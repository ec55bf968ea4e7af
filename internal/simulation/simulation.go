// Package simulation runs a syncing node against scripted peers over an
// in-memory network.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/blocksync"
	"github.com/tendermint/forksync/internal/eventbus"
	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/internal/store"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

const (
	// SyncNodeID is the node ID of the syncing node.
	SyncNodeID types.NodeID = "syncer"

	// badChainExtension is how far the bad-block chain outgrows the
	// canonical one.
	badChainExtension = 16

	progressInterval = 50 * time.Millisecond
)

type peerSpec struct {
	id        types.NodeID
	behaviour Behaviour
}

// node is a full sync engine on the network.
type node struct {
	logger    log.Logger
	reactor   *blocksync.Reactor
	transport *p2p.MemoryTransport
	eventBus  *eventbus.EventBus
	dbs       []dbm.DB
}

// wait blocks until the node has stopped, then closes its databases.
func (n *node) wait() {
	<-n.reactor.Done()
	<-n.transport.Done()
	n.eventBus.Wait()
	n.closeDBs()
}

func (n *node) closeDBs() {
	for _, db := range n.dbs {
		if err := db.Close(); err != nil {
			n.logger.Error("failed to close database", "err", err)
		}
	}
}

// Option sets an optional parameter on the Simulation.
type Option func(*Simulation)

// WithDBProvider opens the syncing node's block store and peer records
// through p instead of in memory. With a persistent backend a later run
// resumes from the stored chain and remembers peer reputations and bans.
func WithDBProvider(p config.DBProvider) Option {
	return func(s *Simulation) { s.dbProvider = p }
}

// Simulation is a single run of a manifest.
type Simulation struct {
	logger   log.Logger
	cfg      *config.Config
	manifest Manifest
	metrics  *blocksync.Metrics

	dbProvider config.DBProvider

	genesis   types.Header
	canonical []*types.Block
	bad       []*types.Block
}

// New validates the manifest against the node configuration and builds the
// chains of the run. metrics instruments the syncing node.
func New(
	logger log.Logger,
	cfg *config.Config,
	manifest Manifest,
	metrics *blocksync.Metrics,
	options ...Option,
) (*Simulation, error) {
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if n := len(manifest.Peers) + manifest.RandomPeers; n > cfg.PeerSet.MaxOutbound {
		return nil, fmt.Errorf("%d peers exceed max_outbound %d", n, cfg.PeerSet.MaxOutbound)
	}
	if metrics == nil {
		metrics = blocksync.NopMetrics()
	}

	genesis := types.GenesisHeader([]byte(cfg.ChainID))
	canonical := types.MakeChain(genesis, manifest.ChainLength, "canonical")
	s := &Simulation{
		logger:     logger,
		cfg:        cfg,
		manifest:   manifest,
		metrics:    metrics,
		dbProvider: config.MemDBProvider,
		genesis:    genesis,
		canonical:  canonical,
		bad:        makeBadChain(genesis, canonical, manifest.forkHeight(), badChainExtension),
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// peerSpecs lists the explicit peers followed by the random ones.
func (s *Simulation) peerSpecs() ([]peerSpec, error) {
	specs := make([]peerSpec, 0, len(s.manifest.Peers)+s.manifest.RandomPeers)
	for _, name := range s.manifest.peerNames() {
		b, err := ParseBehaviour(s.manifest.Peers[name].Behaviour)
		if err != nil {
			return nil, err
		}
		specs = append(specs, peerSpec{id: types.NodeID(name), behaviour: b})
	}
	if s.manifest.RandomPeers > 0 {
		chooser, err := newBehaviourChooser(s.manifest.Weights, s.manifest.Seed)
		if err != nil {
			return nil, err
		}
		for i := 1; i <= s.manifest.RandomPeers; i++ {
			b := chooser.Choose()
			specs = append(specs, peerSpec{
				id:        types.NodeID(fmt.Sprintf("%s%02d", b, i)),
				behaviour: b,
			})
		}
	}

	seen := make(map[types.NodeID]bool, len(specs))
	for _, spec := range specs {
		if seen[spec.id] {
			return nil, fmt.Errorf("duplicate peer name %q", spec.id)
		}
		seen[spec.id] = true
		if err := spec.id.Validate(); err != nil {
			return nil, err
		}
		if spec.id == SyncNodeID {
			return nil, fmt.Errorf("peer name %q is reserved", SyncNodeID)
		}
	}
	return specs, nil
}

func (s *Simulation) startNode(
	ctx context.Context,
	network *p2p.MemoryNetwork,
	id types.NodeID,
	blocks []*types.Block,
	metrics *blocksync.Metrics,
	dbProvider config.DBProvider,
) (*node, error) {
	logger := s.logger.With("node", id)
	n := &node{logger: logger}

	blockDB, err := dbProvider(&config.DBContext{ID: "blockstore", Config: s.cfg})
	if err != nil {
		return nil, err
	}
	n.dbs = append(n.dbs, blockDB)
	peerDB, err := dbProvider(&config.DBContext{ID: "peerstore", Config: s.cfg})
	if err != nil {
		n.closeDBs()
		return nil, err
	}
	n.dbs = append(n.dbs, peerDB)

	bs := store.NewBlockStore(blockDB)
	if err := bs.Bootstrap(s.genesis); err != nil {
		n.closeDBs()
		return nil, err
	}
	for _, b := range blocks {
		bs.SaveBlock(b.Header, b.Body)
	}

	peers, err := peerset.New(s.cfg.PeerSet, peerDB, peerset.WithLogger(logger))
	if err != nil {
		n.closeDBs()
		return nil, err
	}

	n.eventBus = eventbus.NewDefault(logger.With("module", "events"))
	if err := n.eventBus.Start(ctx); err != nil {
		n.closeDBs()
		return nil, err
	}

	n.reactor, err = blocksync.NewReactor(logger, s.cfg.Sync, s.genesis, peers, bs,
		blocksync.ValidatorFunc(validateBlock), n.eventBus, metrics)
	if err != nil {
		n.closeDBs()
		return nil, err
	}
	n.transport, err = network.CreateTransport(id, n.reactor)
	if err != nil {
		n.closeDBs()
		return nil, err
	}
	n.reactor.SetTransport(n.transport)
	n.transport.Start(ctx)
	if err := n.reactor.Start(ctx); err != nil {
		return nil, err
	}
	return n, nil
}

// Run executes the simulation. It returns once the syncing node has
// imported the canonical tip or the manifest's timeout has passed, and
// only fails if the network could not be set up.
func (s *Simulation) Run(ctx context.Context) (*Report, error) {
	timeout, err := s.manifest.timeout()
	if err != nil {
		return nil, err
	}
	specs, err := s.peerSpecs()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g := taskgroup.New(taskgroup.Trigger(cancel))

	network := p2p.NewMemoryNetwork(s.logger.With("module", "network"))
	var (
		syncer   *node
		scripted = make(map[types.NodeID]*scriptedPeer)
		imports  = newImportTally()
	)

	setup := func() error {
		var err error
		syncer, err = s.startNode(ctx, network, SyncNodeID, nil, s.metrics, s.dbProvider)
		if err != nil {
			return fmt.Errorf("starting syncing node: %w", err)
		}
		g.Go(func() error { syncer.wait(); return nil })

		sub, err := syncer.reactor.Subscribe(ctx, "simulation")
		if err != nil {
			return err
		}
		g.Go(func() error { return s.countImports(ctx, sub, imports) })

		for _, spec := range specs {
			if err := s.startPeer(ctx, g, network, spec, scripted); err != nil {
				return fmt.Errorf("starting peer %v: %w", spec.id, err)
			}
		}
		for _, spec := range specs {
			if err := network.Connect(ctx, SyncNodeID, spec.id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := setup(); err != nil {
		cancel()
		_ = g.Wait()
		return nil, err
	}

	s.logger.Info("simulation started", "peers", len(specs), "chain_length", s.manifest.ChainLength)
	start := time.Now()
	completed := s.waitForTip(ctx, syncer.reactor, timeout)
	elapsed := time.Since(start)

	status := syncer.reactor.Status()
	if status.BestHeight > 0 {
		s.waitForImportEvent(ctx, imports, status.BestHash)
	}
	report := &Report{
		Seed:        s.manifest.Seed,
		ChainLength: s.manifest.ChainLength,
		Completed:   completed,
		Height:      status.BestHeight,
		Hash:        status.BestHash,
		Elapsed:     elapsed.Round(time.Millisecond).String(),
	}
	connected := make(map[types.NodeID]bool)
	for _, id := range syncer.transport.Peers() {
		connected[id] = true
	}
	for _, spec := range specs {
		rep, _ := syncer.reactor.Reputation(spec.id)
		pr := PeerReport{
			ID:         spec.id,
			Behaviour:  spec.behaviour,
			Reputation: rep,
			Connected:  connected[spec.id],
			Imported:   imports.count(spec.id),
		}
		if p, ok := scripted[spec.id]; ok {
			pr.Requests = p.Requests()
		}
		report.Peers = append(report.Peers, pr)
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	report.sortPeers()

	s.logger.Info("simulation finished",
		"completed", report.Completed, "height", report.Height, "elapsed", report.Elapsed)
	return report, nil
}

func (s *Simulation) startPeer(
	ctx context.Context,
	g *taskgroup.Group,
	network *p2p.MemoryNetwork,
	spec peerSpec,
	scripted map[types.NodeID]*scriptedPeer,
) error {
	if spec.behaviour == BehaviourHonest {
		n, err := s.startNode(ctx, network, spec.id, s.canonical, blocksync.NopMetrics(), config.MemDBProvider)
		if err != nil {
			return err
		}
		g.Go(func() error { n.wait(); return nil })
		return nil
	}

	blocks := s.canonical
	if spec.behaviour == BehaviourBadBlock {
		blocks = s.bad
	}
	p := newScriptedPeer(s.logger.With("node", spec.id), spec.id, spec.behaviour,
		newChainView(s.genesis, blocks), s.genesis.Hash)
	transport, err := network.CreateTransport(spec.id, p)
	if err != nil {
		return err
	}
	p.transport = transport
	transport.Start(ctx)
	scripted[spec.id] = p
	g.Go(func() error {
		err := p.run(ctx)
		<-transport.Done()
		return err
	})
	return nil
}

// waitForTip polls the syncing node until it has imported the canonical tip.
func (s *Simulation) waitForTip(ctx context.Context, reactor *blocksync.Reactor, timeout time.Duration) bool {
	tip := s.canonical[len(s.canonical)-1].Header

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			s.logger.Error("simulation timed out", "height", reactor.Status().BestHeight, "target", tip.Number)
			return false
		case <-ticker.C:
			if _, hash := reactor.BestChain(); hash == tip.Hash {
				return true
			}
		}
	}
}

// waitForImportEvent gives the import subscription a moment to catch up
// with the reactor, so that the tally includes the best block.
func (s *Simulation) waitForImportEvent(ctx context.Context, imports *importTally, hash types.Hash) {
	deadline := time.Now().Add(time.Second)
	for !imports.has(hash) && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
}

// importTally counts imported blocks by the peer that supplied them.
type importTally struct {
	mtx    sync.Mutex
	counts map[types.NodeID]int
	hashes map[types.Hash]bool
}

func newImportTally() *importTally {
	return &importTally{
		counts: make(map[types.NodeID]int),
		hashes: make(map[types.Hash]bool),
	}
}

func (t *importTally) add(data types.EventDataBlockImported) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	t.counts[data.Peer]++
	t.hashes[data.Hash] = true
}

func (t *importTally) has(hash types.Hash) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.hashes[hash]
}

func (t *importTally) count(id types.NodeID) int {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.counts[id]
}

// countImports feeds the tally from the syncing node's import events.
func (s *Simulation) countImports(ctx context.Context, sub eventbus.Subscription, imports *importTally) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("import subscription terminated", "err", err)
			}
			return nil
		}
		if data, ok := msg.Data().(types.EventDataBlockImported); ok {
			imports.add(data)
		}
	}
}
