package blocksync

import (
	"github.com/tendermint/forksync/types"
)

// serve answers a block request from the imported blocks. Requests beyond
// the peer's rate limit are dropped.
func (d *Dispatcher) serve(id types.NodeID, req *types.BlockRequest) {
	lim, ok := d.limiters[id]
	if !ok {
		return
	}
	if !lim.AllowN(d.now(), 1) {
		d.logger.Debug("dropping block request over the rate limit", "peer", id, "start", req.Start)
		return
	}

	headers := d.collect(req)
	resp := &types.BlockResponse{ID: req.ID, Blocks: make([]types.BlockData, 0, len(headers))}
	for _, h := range headers {
		bd := types.BlockData{Header: h}
		if req.IncludeBody {
			bd.Body = d.store.LoadBody(h.Hash)
			if bd.Body == nil && h.IsGenesis() {
				bd.Body = &types.Body{}
			}
		}
		resp.Blocks = append(resp.Blocks, bd)
		d.syncer.MarkKnown(id, h.Hash)
	}
	d.metrics.ServedBlocks.Add(float64(len(resp.Blocks)))
	d.send(id, resp)
}

// collect returns the headers asked for by req. Numbers refer to the best
// imported chain. An unknown start yields nothing.
func (d *Dispatcher) collect(req *types.BlockRequest) []types.Header {
	count := int(req.MaxCount)
	if count > types.MaxBlocksPerResponse {
		count = types.MaxBlocksPerResponse
	}

	var (
		start types.Header
		ok    bool
	)
	if req.Start.ByHash() {
		start, ok = d.importedHeader(req.Start.Hash)
	} else {
		start, ok = d.canonicalHeader(req.Start.Number)
	}
	if !ok {
		return nil
	}

	if req.Direction == types.Descending {
		headers := []types.Header{start}
		for h := start; len(headers) < count && !h.IsGenesis(); {
			if h, ok = d.importedHeader(h.ParentHash); !ok {
				break
			}
			headers = append(headers, h)
		}
		return headers
	}

	if c, ok := d.canonicalHeader(start.Number); !ok || c.Hash != start.Hash {
		// Not on the best chain: there is no single way up.
		return []types.Header{start}
	}
	headers := make([]types.Header, 0, count)
	root := d.tree.Root()
	n := start.Number
	for ; n <= root.Number && len(headers) < count; n++ {
		h, ok := d.canonicalHeader(n)
		if !ok {
			return headers
		}
		headers = append(headers, h)
	}
	if len(headers) == count || n > d.bestImported.Number {
		return headers
	}

	// Walk down from the best block once, then reverse.
	last := n + int64(count-len(headers)) - 1
	var above []types.Header
	for h := d.bestImported; h.Number >= n; {
		if h.Number <= last {
			above = append(above, h)
		}
		parent, ok := d.tree.Header(h.ParentHash)
		if !ok {
			break
		}
		h = parent
	}
	for i := len(above) - 1; i >= 0; i-- {
		headers = append(headers, above[i])
	}
	return headers
}

// importedHeader looks up an imported or finalized header.
func (d *Dispatcher) importedHeader(hash types.Hash) (types.Header, bool) {
	if d.isImported(hash) {
		return d.tree.Header(hash)
	}
	return d.store.LoadHeader(hash)
}

// canonicalHeader returns the header at number on the best imported chain.
func (d *Dispatcher) canonicalHeader(number int64) (types.Header, bool) {
	root := d.tree.Root()
	if number <= root.Number {
		if number == root.Number {
			return root, true
		}
		return d.store.LoadCanonicalHeader(number)
	}
	if number > d.bestImported.Number {
		return types.Header{}, false
	}
	h := d.bestImported
	for h.Number > number {
		parent, ok := d.tree.Header(h.ParentHash)
		if !ok {
			return types.Header{}, false
		}
		h = parent
	}
	return h, true
}
