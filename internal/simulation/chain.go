package simulation

import (
	"bytes"
	"context"
	"errors"

	"github.com/tendermint/forksync/types"
)

// poisonTx marks the first block of the bad-block peers' fork.
var poisonTx = []byte("poison")

var errPoisoned = errors.New("block carries a poisoned transaction")

// validateBlock is the import hook of the simulated nodes: it accepts
// everything except poisoned blocks.
func validateBlock(_ context.Context, _ types.Header, body *types.Body) error {
	if body == nil {
		return nil
	}
	for _, tx := range body.Txs {
		if bytes.Equal(tx, poisonTx) {
			return errPoisoned
		}
	}
	return nil
}

// makeBadChain copies canonical up to forkHeight-1 and continues with a
// poisoned block followed by extra blocks, so that it beats the canonical
// chain.
func makeBadChain(genesis types.Header, canonical []*types.Block, forkHeight int64, extra int) []*types.Block {
	parent := genesis
	if forkHeight > 1 {
		parent = canonical[forkHeight-2].Header
	}
	chain := make([]*types.Block, 0, len(canonical)+extra)
	chain = append(chain, canonical[:forkHeight-1]...)

	poisoned := types.MakeBlock(parent, [][]byte{poisonTx}, []byte("bad"))
	chain = append(chain, poisoned)
	tail := int(int64(len(canonical))-forkHeight) + extra
	return append(chain, types.MakeChain(poisoned.Header, tail, "bad")...)
}

// chainView indexes a linear chain for serving block requests.
type chainView struct {
	byNumber map[int64]*types.Block
	byHash   map[types.Hash]*types.Block
	best     *types.Block
}

func newChainView(genesis types.Header, chain []*types.Block) *chainView {
	v := &chainView{
		byNumber: make(map[int64]*types.Block, len(chain)+1),
		byHash:   make(map[types.Hash]*types.Block, len(chain)+1),
	}
	v.add(&types.Block{Header: genesis, Body: &types.Body{}})
	for _, b := range chain {
		v.add(b)
	}
	return v
}

func (v *chainView) add(b *types.Block) {
	v.byNumber[b.Header.Number] = b
	v.byHash[b.Header.Hash] = b
	v.best = b
}

func (v *chainView) status(genesis types.Hash) *types.StatusMessage {
	return &types.StatusMessage{
		BestHeight:  v.best.Header.Number,
		BestHash:    v.best.Header.Hash,
		GenesisHash: genesis,
	}
}

// serve answers req from the chain.
func (v *chainView) serve(req *types.BlockRequest) *types.BlockResponse {
	resp := &types.BlockResponse{ID: req.ID}
	var b *types.Block
	if req.Start.ByHash() {
		b = v.byHash[req.Start.Hash]
	} else {
		b = v.byNumber[req.Start.Number]
	}

	limit := req.MaxCount
	if limit > types.MaxBlocksPerResponse {
		limit = types.MaxBlocksPerResponse
	}
	for b != nil && uint32(len(resp.Blocks)) < limit {
		bd := types.BlockData{Header: b.Header}
		if req.IncludeBody {
			bd.Body = b.Body
		}
		resp.Blocks = append(resp.Blocks, bd)
		if req.Direction == types.Ascending {
			b = v.byNumber[b.Header.Number+1]
		} else {
			b = v.byHash[b.Header.ParentHash]
		}
	}
	return resp
}
