package blocksync

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tendermint/forksync/types"
)

// requestKind tells what a SyncRequest is for.
type requestKind uint8

const (
	// kindProbe is a single header asked for during ancestor search.
	kindProbe requestKind = iota + 1
	// kindRange is a batch of consecutive blocks with bodies.
	kindRange
	// kindBody fetches the body of an announced header.
	kindBody
)

func (k requestKind) String() string {
	switch k {
	case kindProbe:
		return "probe"
	case kindRange:
		return "range"
	case kindBody:
		return "body"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SyncRequest is an outstanding request to a peer. Its ID is the
// cancellation token: a response whose ID is no longer tracked is ignored.
type SyncRequest struct {
	ID          uuid.UUID
	Peer        types.NodeID
	Start       types.BlockRef
	Direction   types.Direction
	MaxCount    uint32
	IncludeBody bool

	SentAt   time.Time
	Deadline time.Time

	kind requestKind
	// target is the best hash of the job the request works on, or the hash
	// of the announced header for body fetches.
	target types.Hash
	// redundant is set on the copy sent to a standby peer.
	redundant bool
}

func (r *SyncRequest) String() string {
	return fmt.Sprintf("%v{%v %v %v x%d to %v}", r.kind, r.ID.String()[:8], r.Start, r.Direction, r.MaxCount, r.Peer)
}

// Message returns the wire form of the request.
func (r *SyncRequest) Message() *types.BlockRequest {
	return &types.BlockRequest{
		ID:          r.ID,
		Start:       r.Start,
		Direction:   r.Direction,
		MaxCount:    r.MaxCount,
		IncludeBody: r.IncludeBody,
	}
}

// reissue copies the request for another peer under a new ID.
func (r *SyncRequest) reissue(peer types.NodeID, now time.Time, timeout time.Duration) *SyncRequest {
	c := *r
	c.ID = uuid.New()
	c.Peer = peer
	c.SentAt = now
	c.Deadline = now.Add(timeout)
	c.redundant = true
	return &c
}
