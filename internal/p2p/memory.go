package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

// MemoryNetwork is an in-memory "network" connecting MemoryTransports. It is
// used by tests and the simulator.
type MemoryNetwork struct {
	logger log.Logger

	mtx        sync.RWMutex
	transports map[types.NodeID]*MemoryTransport
}

// NewMemoryNetwork creates a new in-memory network.
func NewMemoryNetwork(logger log.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		logger:     logger,
		transports: map[types.NodeID]*MemoryTransport{},
	}
}

// CreateTransport creates a memory transport for nodeID. Events are delivered
// to handler once the transport is started.
func (n *MemoryNetwork) CreateTransport(nodeID types.NodeID, handler Handler) (*MemoryTransport, error) {
	if err := nodeID.Validate(); err != nil {
		return nil, err
	}
	t := newMemoryTransport(n, nodeID, handler)

	n.mtx.Lock()
	defer n.mtx.Unlock()
	if _, ok := n.transports[nodeID]; ok {
		return nil, fmt.Errorf("transport with node ID %q already exists", nodeID)
	}
	n.transports[nodeID] = t
	return t, nil
}

// GetTransport looks up a transport in the network, returning nil if not found.
func (n *MemoryNetwork) GetTransport(id types.NodeID) *MemoryTransport {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.transports[id]
}

// RemoveTransport removes a transport from the network and closes it.
func (n *MemoryNetwork) RemoveTransport(id types.NodeID) {
	n.mtx.Lock()
	t, ok := n.transports[id]
	delete(n.transports, id)
	n.mtx.Unlock()

	if ok {
		t.Close()
	}
}

// Connect dials to from from. The remote sees an inbound peer, the dialer an
// outbound one. If either side refuses the peer the connection is torn down
// and the refusal returned.
func (n *MemoryNetwork) Connect(ctx context.Context, from, to types.NodeID) error {
	a, b := n.GetTransport(from), n.GetTransport(to)
	switch {
	case a == nil:
		return fmt.Errorf("unknown node %q", from)
	case b == nil:
		return fmt.Errorf("unknown node %q", to)
	case a == b:
		return fmt.Errorf("node %q cannot dial itself", from)
	}
	if a.isConnected(to) {
		return fmt.Errorf("%v is already connected to %v", from, to)
	}

	if err := b.handler.PeerConnected(ctx, from, peerset.RoleInbound); err != nil {
		return fmt.Errorf("%v refused %v: %w", to, from, err)
	}
	if err := a.handler.PeerConnected(ctx, to, peerset.RoleOutbound); err != nil {
		b.handler.PeerDisconnected(ctx, from)
		return fmt.Errorf("%v refused %v: %w", from, to, err)
	}
	if !a.link(to) || !b.link(from) {
		a.unlink(to)
		b.unlink(from)
		return ErrTransportClosed
	}
	n.logger.Debug("connected peers", "from", from, "to", to)
	return nil
}

// memoryEvent is a queued delivery to a transport's handler.
type memoryEvent struct {
	from         types.NodeID
	msg          types.Message
	disconnected bool
}

// MemoryTransport is an in-memory transport that's primarily meant for testing.
// Sends never block: every transport has an unbounded inbox drained by its own
// goroutine, so that two engines sending to each other cannot deadlock.
type MemoryTransport struct {
	network *MemoryNetwork
	nodeID  types.NodeID
	logger  log.Logger
	handler Handler

	mtx    sync.Mutex
	peers  map[types.NodeID]bool
	inbox  []memoryEvent
	closed bool

	notifyCh  chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

func newMemoryTransport(network *MemoryNetwork, nodeID types.NodeID, handler Handler) *MemoryTransport {
	return &MemoryTransport{
		network: network,
		nodeID:  nodeID,
		logger:  network.logger.With("local", nodeID),
		handler: handler,

		peers:    make(map[types.NodeID]bool),
		notifyCh: make(chan struct{}, 1),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// String displays the transport.
func (t *MemoryTransport) String() string {
	return fmt.Sprintf("memory:%v", t.nodeID)
}

// NodeID returns the node the transport belongs to.
func (t *MemoryTransport) NodeID() types.NodeID { return t.nodeID }

// Start launches the delivery goroutine. It stops when ctx is canceled or the
// transport is closed.
func (t *MemoryTransport) Start(ctx context.Context) {
	go t.deliverRoutine(ctx)
}

// Done is closed once the delivery goroutine has exited.
func (t *MemoryTransport) Done() <-chan struct{} { return t.doneCh }

func (t *MemoryTransport) deliverRoutine(ctx context.Context) {
	defer close(t.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closeCh:
			return
		case <-t.notifyCh:
		}

		for _, ev := range t.drain() {
			if ctx.Err() != nil {
				return
			}
			if ev.disconnected {
				t.handler.PeerDisconnected(ctx, ev.from)
				continue
			}
			t.handler.Receive(ctx, ev.from, ev.msg)
		}
	}
}

func (t *MemoryTransport) drain() []memoryEvent {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	events := t.inbox
	t.inbox = nil
	return events
}

func (t *MemoryTransport) enqueue(ev memoryEvent) bool {
	t.mtx.Lock()
	if t.closed {
		t.mtx.Unlock()
		return false
	}
	t.inbox = append(t.inbox, ev)
	t.mtx.Unlock()

	select {
	case t.notifyCh <- struct{}{}:
	default:
	}
	return true
}

func (t *MemoryTransport) link(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if t.closed {
		return false
	}
	t.peers[id] = true
	return true
}

// unlink forgets a peer, reporting whether it was connected.
func (t *MemoryTransport) unlink(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	ok := t.peers[id]
	delete(t.peers, id)
	return ok
}

func (t *MemoryTransport) isConnected(id types.NodeID) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	return t.peers[id]
}

// Peers returns the connected peers.
func (t *MemoryTransport) Peers() []types.NodeID {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	ids := make([]types.NodeID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, to types.NodeID, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.isConnected(to) {
		return fmt.Errorf("%w: %v", ErrNotConnected, to)
	}
	remote := t.network.GetTransport(to)
	if remote == nil || !remote.enqueue(memoryEvent{from: t.nodeID, msg: msg}) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, to)
	}
	return nil
}

// Disconnect implements Transport. Only the remote side is notified.
func (t *MemoryTransport) Disconnect(ctx context.Context, id types.NodeID, reason error) error {
	if !t.unlink(id) {
		return nil
	}
	t.logger.Debug("disconnecting peer", "peer", id, "reason", reason)

	if remote := t.network.GetTransport(id); remote != nil && remote.unlink(t.nodeID) {
		remote.enqueue(memoryEvent{from: t.nodeID, disconnected: true})
	}
	return nil
}

// Close drops every peer and stops delivering events.
func (t *MemoryTransport) Close() {
	t.mtx.Lock()
	t.closed = true
	peers := make([]types.NodeID, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	t.mtx.Unlock()

	for _, id := range peers {
		_ = t.Disconnect(context.Background(), id, ErrTransportClosed)
	}
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
}
