package types

import (
	"encoding/binary"
	"fmt"
)

// MakeChain extends parent by n blocks. fork is mixed into every header's
// Extra, so chains built from the same parent with different forks diverge
// right away.
func MakeChain(parent Header, n int, fork string) []*Block {
	blocks := make([]*Block, 0, n)
	for i := 0; i < n; i++ {
		tx := binary.BigEndian.AppendUint64([]byte(fork), uint64(parent.Number+1))
		b := MakeBlock(parent, [][]byte{tx}, []byte(fork))
		blocks = append(blocks, b)
		parent = b.Header
	}
	return blocks
}

// Headers returns the headers of blocks.
func Headers(blocks []*Block) []Header {
	hs := make([]Header, len(blocks))
	for i, b := range blocks {
		hs[i] = b.Header
	}
	return hs
}

// MustHashFromHex is HashFromHex that panics on error.
func MustHashFromHex(s string) Hash {
	h, err := HashFromHex(s)
	if err != nil {
		panic(fmt.Sprintf("bad hash %q: %v", s, err))
	}
	return h
}
