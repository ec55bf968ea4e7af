package simulation

import (
	"context"
	"sync/atomic"

	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

// peerInboxSize is the number of messages a scripted peer buffers before it
// starts dropping them.
const peerInboxSize = 256

var _ p2p.Handler = (*scriptedPeer)(nil)

// scriptedPeer is a misbehaving peer. It keeps no sync state of its own and
// answers requests from a fixed chain according to its behaviour.
type scriptedPeer struct {
	id        types.NodeID
	behaviour Behaviour
	chain     *chainView
	genesis   types.Hash
	logger    log.Logger
	transport *p2p.MemoryTransport

	inbox    chan p2p.Envelope
	requests int64
	dropped  int64
}

func newScriptedPeer(
	logger log.Logger,
	id types.NodeID,
	behaviour Behaviour,
	chain *chainView,
	genesis types.Hash,
) *scriptedPeer {
	return &scriptedPeer{
		id:        id,
		behaviour: behaviour,
		chain:     chain,
		genesis:   genesis,
		logger:    logger,
		inbox:     make(chan p2p.Envelope, peerInboxSize),
	}
}

// PeerConnected implements p2p.Handler.
func (p *scriptedPeer) PeerConnected(context.Context, types.NodeID, peerset.Role) error {
	return nil
}

// PeerDisconnected implements p2p.Handler.
func (p *scriptedPeer) PeerDisconnected(_ context.Context, id types.NodeID) {
	p.logger.Debug("disconnected", "peer", id)
}

// Receive implements p2p.Handler.
func (p *scriptedPeer) Receive(_ context.Context, from types.NodeID, msg types.Message) {
	select {
	case p.inbox <- p2p.Envelope{From: from, Message: msg}:
	default:
		atomic.AddInt64(&p.dropped, 1)
	}
}

// Requests returns the number of block requests received.
func (p *scriptedPeer) Requests() int64 { return atomic.LoadInt64(&p.requests) }

// run answers incoming messages until ctx is canceled.
func (p *scriptedPeer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-p.inbox:
			p.handle(ctx, e)
		}
	}
}

func (p *scriptedPeer) handle(ctx context.Context, e p2p.Envelope) {
	var reply types.Message
	switch msg := e.Message.(type) {
	case *types.StatusMessage:
		// Statuses sent while the link was being set up may be lost, so
		// every status is answered with our own.
		reply = p.chain.status(p.genesis)

	case *types.BlockRequest:
		atomic.AddInt64(&p.requests, 1)
		switch p.behaviour {
		case BehaviourStalling:
			return
		case BehaviourGap:
			resp := p.chain.serve(msg)
			if len(resp.Blocks) > 2 {
				resp.Blocks = append(resp.Blocks[:1], resp.Blocks[2:]...)
			}
			reply = resp
		default:
			reply = p.chain.serve(msg)
		}

	default:
		return
	}

	if err := p.transport.Send(ctx, e.From, reply); err != nil {
		p.logger.Debug("failed to send reply", "peer", e.From, "err", err)
	}
}
