package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MaxBlocksPerResponse caps the number of blocks a peer may put in one
// BlockResponse, whatever it was asked for.
const MaxBlocksPerResponse = 128

// Message is the closed set of messages exchanged by the sync engine. Only
// the types in this file implement it.
type Message interface {
	ValidateBasic() error

	syncMessage()
}

// Direction is the walk direction of a BlockRequest, starting at its Start
// block.
type Direction uint8

const (
	Ascending Direction = iota + 1
	Descending
)

func (d Direction) String() string {
	switch d {
	case Ascending:
		return "ascending"
	case Descending:
		return "descending"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// BlockRef names a block either by hash or, when Hash is zero, by its number
// on the responder's best chain.
type BlockRef struct {
	Hash   Hash  `json:"hash"`
	Number int64 `json:"number"`
}

func RefByNumber(n int64) BlockRef { return BlockRef{Number: n} }
func RefByHash(h Hash) BlockRef    { return BlockRef{Hash: h} }

func (r BlockRef) ByHash() bool { return !r.Hash.IsZero() }

func (r BlockRef) String() string {
	if r.ByHash() {
		return r.Hash.Short()
	}
	return fmt.Sprintf("#%d", r.Number)
}

// BlockData is one element of a BlockResponse. Body is nil unless the request
// asked for bodies.
type BlockData struct {
	Header Header `json:"header"`
	Body   *Body  `json:"body,omitempty"`
}

// StatusMessage advertises the sender's best block. Peers on another genesis
// are incompatible.
type StatusMessage struct {
	BestHeight  int64 `json:"best_height"`
	BestHash    Hash  `json:"best_hash"`
	GenesisHash Hash  `json:"genesis_hash"`
}

// BlockRequest asks for up to MaxCount consecutive blocks starting at Start.
type BlockRequest struct {
	ID          uuid.UUID `json:"id"`
	Start       BlockRef  `json:"start"`
	Direction   Direction `json:"direction"`
	MaxCount    uint32    `json:"max_count"`
	IncludeBody bool      `json:"include_body"`
}

// BlockResponse answers the BlockRequest with the same ID. An empty Blocks
// means the responder does not know the start block.
type BlockResponse struct {
	ID     uuid.UUID   `json:"id"`
	Blocks []BlockData `json:"blocks"`
}

// NewBlockAnnounce is gossiped when a peer imports a new best block.
type NewBlockAnnounce struct {
	Header Header `json:"header"`
}

func (*StatusMessage) syncMessage()    {}
func (*BlockRequest) syncMessage()     {}
func (*BlockResponse) syncMessage()    {}
func (*NewBlockAnnounce) syncMessage() {}

// ValidateBasic performs basic validation.
func (m *StatusMessage) ValidateBasic() error {
	if m.BestHeight < 0 {
		return errors.New("negative best height")
	}
	if m.GenesisHash.IsZero() {
		return errors.New("empty genesis hash")
	}
	if m.BestHeight > 0 && m.BestHash.IsZero() {
		return errors.New("empty best hash")
	}
	return nil
}

// ValidateBasic performs basic validation.
func (m *BlockRequest) ValidateBasic() error {
	if m.ID == uuid.Nil {
		return errors.New("missing request id")
	}
	if m.Direction != Ascending && m.Direction != Descending {
		return fmt.Errorf("invalid direction %v", m.Direction)
	}
	if m.MaxCount == 0 {
		return errors.New("zero max count")
	}
	if !m.Start.ByHash() && m.Start.Number < 0 {
		return fmt.Errorf("negative start number %d", m.Start.Number)
	}
	return nil
}

// ValidateBasic checks each block in isolation. Linkage between the blocks is
// checked against the originating request by the receiver.
func (m *BlockResponse) ValidateBasic() error {
	if m.ID == uuid.Nil {
		return errors.New("missing request id")
	}
	if len(m.Blocks) > MaxBlocksPerResponse {
		return fmt.Errorf("too many blocks: %d > %d", len(m.Blocks), MaxBlocksPerResponse)
	}
	return nil
}

// ValidateBasic performs basic validation.
func (m *NewBlockAnnounce) ValidateBasic() error {
	return m.Header.ValidateBasic()
}
