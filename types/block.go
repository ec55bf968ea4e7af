package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MaxExtraBytes bounds the opaque Extra field of a header.
	MaxExtraBytes = 1024

	// MaxTxBytes bounds a single transaction of a block body.
	MaxTxBytes = 1 << 20

	// MaxTxsPerBody bounds the number of transactions in a body.
	MaxTxsPerBody = 1 << 14
)

// Header is the part of a block tracked by the fork tree. Headers are
// immutable once created: Hash is derived from the other fields by NewHeader
// and checked by ValidateBasic.
type Header struct {
	Number     int64  `json:"number"`
	ParentHash Hash   `json:"parent_hash"`
	BodyHash   Hash   `json:"body_hash"`
	Extra      []byte `json:"extra"`

	Hash Hash `json:"hash"`
}

// NewHeader builds a header and computes its hash.
func NewHeader(number int64, parent Hash, bodyHash Hash, extra []byte) Header {
	h := Header{
		Number:     number,
		ParentHash: parent,
		BodyHash:   bodyHash,
		Extra:      append([]byte(nil), extra...),
	}
	h.Hash = h.ComputeHash()
	return h
}

// GenesisHeader returns the header at number zero. extra distinguishes
// networks that otherwise share an empty genesis.
func GenesisHeader(extra []byte) Header {
	return NewHeader(0, ZeroHash, (&Body{}).Hash(), extra)
}

// ComputeHash returns the blake2b-256 digest of the canonical header encoding.
func (h Header) ComputeHash() Hash {
	return Sum(h.canonicalBytes())
}

func (h Header) canonicalBytes() []byte {
	buf := make([]byte, 0, 8+2*HashSize+binary.MaxVarintLen64+len(h.Extra))
	buf = binary.BigEndian.AppendUint64(buf, uint64(h.Number))
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.BodyHash[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(h.Extra)))
	buf = append(buf, h.Extra...)
	return buf
}

// IsGenesis reports whether h is a genesis header.
func (h Header) IsGenesis() bool {
	return h.Number == 0 && h.ParentHash.IsZero()
}

// ValidateBasic performs checks that do not depend on any other block.
func (h Header) ValidateBasic() error {
	if h.Number < 0 {
		return fmt.Errorf("negative block number %d", h.Number)
	}
	if h.Number == 0 && !h.ParentHash.IsZero() {
		return errors.New("block zero must not have a parent")
	}
	if h.Number > 0 && h.ParentHash.IsZero() {
		return fmt.Errorf("block %d has an empty parent hash", h.Number)
	}
	if len(h.Extra) > MaxExtraBytes {
		return fmt.Errorf("extra data too big: %d > %d", len(h.Extra), MaxExtraBytes)
	}
	if want := h.ComputeHash(); want != h.Hash {
		return fmt.Errorf("wrong hash for block %d: expected %v, got %v", h.Number, want, h.Hash)
	}
	return nil
}

// MarshalBinary encodes the header in its canonical form.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.canonicalBytes(), nil
}

// UnmarshalBinary decodes a canonical header and recomputes its hash.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < 8+2*HashSize+1 {
		return fmt.Errorf("header too short: %d bytes", len(data))
	}
	r := bytes.NewReader(data[8+2*HashSize:])
	extraLen, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("reading extra length: %w", err)
	}
	if extraLen > MaxExtraBytes || int(extraLen) != r.Len() {
		return fmt.Errorf("bad extra length %d (%d bytes left)", extraLen, r.Len())
	}

	var out Header
	out.Number = int64(binary.BigEndian.Uint64(data[:8]))
	copy(out.ParentHash[:], data[8:8+HashSize])
	copy(out.BodyHash[:], data[8+HashSize:8+2*HashSize])
	if extraLen > 0 {
		out.Extra = make([]byte, extraLen)
		copy(out.Extra, data[len(data)-int(extraLen):])
	}
	out.Hash = out.ComputeHash()
	*h = out
	return nil
}

func (h Header) String() string {
	return fmt.Sprintf("#%d(%v)", h.Number, h.Hash.Short())
}

// Body carries the transactions of a block. The sync engine treats them as
// opaque bytes handed to the validation hook.
type Body struct {
	Txs [][]byte `json:"txs"`
}

// Hash returns the digest committed to by Header.BodyHash.
func (b *Body) Hash() Hash {
	if b == nil {
		return (&Body{}).Hash()
	}
	data, _ := b.MarshalBinary()
	return Sum(data)
}

func (b *Body) Size() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, tx := range b.Txs {
		n += len(tx)
	}
	return n
}

// ValidateBasic checks the body's size limits.
func (b *Body) ValidateBasic() error {
	if len(b.Txs) > MaxTxsPerBody {
		return fmt.Errorf("too many txs: %d > %d", len(b.Txs), MaxTxsPerBody)
	}
	for i, tx := range b.Txs {
		if len(tx) > MaxTxBytes {
			return fmt.Errorf("tx %d too big: %d > %d", i, len(tx), MaxTxBytes)
		}
	}
	return nil
}

// MarshalBinary encodes the body as a uvarint count followed by
// length-prefixed transactions.
func (b *Body) MarshalBinary() ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(len(b.Txs)))
	for _, tx := range b.Txs {
		buf = binary.AppendUvarint(buf, uint64(len(tx)))
		buf = append(buf, tx...)
	}
	return buf, nil
}

func (b *Body) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return fmt.Errorf("reading tx count: %w", err)
	}
	if n > MaxTxsPerBody {
		return fmt.Errorf("too many txs: %d", n)
	}
	txs := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		l, err := binary.ReadUvarint(r)
		if err != nil {
			return fmt.Errorf("reading tx %d length: %w", i, err)
		}
		if l > MaxTxBytes || int(l) > r.Len() {
			return fmt.Errorf("bad tx %d length %d", i, l)
		}
		tx := make([]byte, l)
		if _, err := r.Read(tx); err != nil && l > 0 {
			return fmt.Errorf("reading tx %d: %w", i, err)
		}
		txs = append(txs, tx)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%d trailing bytes after body", r.Len())
	}
	b.Txs = txs
	return nil
}

// Block is a header with its body.
type Block struct {
	Header Header `json:"header"`
	Body   *Body  `json:"body"`
}

// MakeBlock builds the child of parent carrying txs. extra lets callers
// produce distinct siblings at the same height.
func MakeBlock(parent Header, txs [][]byte, extra []byte) *Block {
	body := &Body{Txs: txs}
	return &Block{
		Header: NewHeader(parent.Number+1, parent.Hash, body.Hash(), extra),
		Body:   body,
	}
}

// ValidateBasic checks the header and, when present, that the body matches
// the header's commitment.
func (b *Block) ValidateBasic() error {
	if err := b.Header.ValidateBasic(); err != nil {
		return err
	}
	if b.Body == nil {
		return nil
	}
	if err := b.Body.ValidateBasic(); err != nil {
		return err
	}
	if got := b.Body.Hash(); got != b.Header.BodyHash {
		return fmt.Errorf("body of block %v does not match header: body hash %v", b.Header, got.Short())
	}
	return nil
}
