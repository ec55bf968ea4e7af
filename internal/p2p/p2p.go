package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/types"
)

var (
	ErrTransportClosed = errors.New("transport has been closed")
	ErrNotConnected    = errors.New("peer is not connected")
)

// Envelope specifies the message receiver and sender.
type Envelope struct {
	From    types.NodeID  // Message sender, or empty for outbound messages.
	To      types.NodeID  // Message receiver, or empty for inbound messages.
	Message types.Message // Payload.
}

// PeerError is a peer error reported by a reactor, typically when a peer sent
// an invalid or malicious message.
type PeerError struct {
	NodeID types.NodeID
	Err    error
}

func (pe PeerError) Error() string {
	return fmt.Sprintf("peer %v: %v", pe.NodeID, pe.Err)
}

func (pe PeerError) Unwrap() error { return pe.Err }

// Transport is the part of the networking layer the sync engine drives:
// sending messages to connected peers and dropping them.
type Transport interface {
	// Send queues msg for delivery to a connected peer.
	Send(ctx context.Context, to types.NodeID, msg types.Message) error

	// Disconnect drops a peer. The reason is informational.
	Disconnect(ctx context.Context, id types.NodeID, reason error) error
}

// Handler consumes the events of a transport. Connection events and messages
// from one peer are delivered in order.
type Handler interface {
	// PeerConnected reports a completed handshake. Returning an error refuses
	// the peer and the connection is dropped.
	PeerConnected(ctx context.Context, id types.NodeID, role peerset.Role) error

	// PeerDisconnected reports a peer dropped by the transport or the remote.
	PeerDisconnected(ctx context.Context, id types.NodeID)

	// Receive delivers a message from a connected peer.
	Receive(ctx context.Context, from types.NodeID, msg types.Message)
}
