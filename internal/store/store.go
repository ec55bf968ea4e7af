package store

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/types"
)

/*
BlockStore is a simple low level store for imported blocks.

There are four types of information stored:
  - Header:    every imported header, keyed by number and hash, so that all
               branches above the finalized root can be replayed in height order
  - Body:      the body of each imported block, keyed by hash
  - Canonical: the hash of the finalized block at each number
  - Root:      the last finalized block

Unlike a linear chain store, several blocks may share a number until
finalization picks one of them. PruneBranches drops the losers.

// NOTE: BlockStore methods will panic if they encounter errors
// deserializing loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db dbm.DB
}

// NewBlockStore returns a new BlockStore with the given DB.
func NewBlockStore(db dbm.DB) *BlockStore {
	return &BlockStore{db}
}

// Bootstrap stores genesis as the finalized root of an empty store. It is a
// no-op if the store already has a root, provided it descends from the same
// genesis block.
func (bs *BlockStore) Bootstrap(genesis types.Header) error {
	if !genesis.IsGenesis() {
		return fmt.Errorf("%v is not a genesis header", genesis)
	}
	if _, ok := bs.Root(); ok {
		stored, ok := bs.LoadCanonicalHeader(0)
		if !ok || stored.Hash != genesis.Hash {
			return fmt.Errorf("store was initialized with a different genesis block than %v", genesis)
		}
		return nil
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := bs.saveHeaderToBatch(batch, genesis); err != nil {
		return err
	}
	if err := batch.Set(canonicalKey(0), genesis.Hash.Bytes()); err != nil {
		return err
	}
	if err := batch.Set(rootKey(), genesis.Hash.Bytes()); err != nil {
		return err
	}
	return batch.WriteSync()
}

// Root returns the last finalized header, or false for a store that was
// never bootstrapped.
func (bs *BlockStore) Root() (types.Header, bool) {
	bz, err := bs.db.Get(rootKey())
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Header{}, false
	}
	hash, err := types.HashFromBytes(bz)
	if err != nil {
		panic(fmt.Errorf("invalid root hash: %w", err))
	}
	h, ok := bs.LoadHeader(hash)
	if !ok {
		panic(fmt.Sprintf("root %v is missing from the store", hash))
	}
	return h, true
}

// Height returns the highest stored block number, or 0 for empty stores.
func (bs *BlockStore) Height() int64 {
	iter, err := bs.db.ReverseIterator(headerKeyRange())
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	if iter.Valid() {
		number, _, err := decodeHeaderKey(iter.Key())
		if err == nil {
			return number
		}
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return 0
}

// HasBlock reports whether the block was stored.
func (bs *BlockStore) HasBlock(hash types.Hash) bool {
	ok, err := bs.db.Has(hashIndexKey(hash))
	if err != nil {
		panic(err)
	}
	return ok
}

// LoadHeader returns the header with the given hash.
func (bs *BlockStore) LoadHeader(hash types.Hash) (types.Header, bool) {
	bz, err := bs.db.Get(hashIndexKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Header{}, false
	}
	s := string(bz)
	number, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("failed to extract number from %s: %v", s, err))
	}
	return bs.loadHeader(number, hash)
}

func (bs *BlockStore) loadHeader(number int64, hash types.Hash) (types.Header, bool) {
	bz, err := bs.db.Get(headerKey(number, hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Header{}, false
	}
	var h types.Header
	if err := h.UnmarshalBinary(bz); err != nil {
		panic(fmt.Errorf("error reading header: %w", err))
	}
	if h.Hash != hash || h.Number != number {
		panic(fmt.Sprintf("header stored under %d/%v is %v", number, hash.Short(), h))
	}
	return h, true
}

// LoadBody returns the body of the block with the given hash, or nil.
func (bs *BlockStore) LoadBody(hash types.Hash) *types.Body {
	bz, err := bs.db.Get(bodyKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	body := new(types.Body)
	if err := body.UnmarshalBinary(bz); err != nil {
		panic(fmt.Errorf("error reading body: %w", err))
	}
	return body
}

// LoadBlock returns the block with the given hash, or nil.
func (bs *BlockStore) LoadBlock(hash types.Hash) *types.Block {
	h, ok := bs.LoadHeader(hash)
	if !ok {
		return nil
	}
	return &types.Block{Header: h, Body: bs.LoadBody(hash)}
}

// LoadCanonicalHeader returns the finalized header at number.
func (bs *BlockStore) LoadCanonicalHeader(number int64) (types.Header, bool) {
	bz, err := bs.db.Get(canonicalKey(number))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return types.Header{}, false
	}
	hash, err := types.HashFromBytes(bz)
	if err != nil {
		panic(fmt.Errorf("invalid canonical hash at %d: %w", number, err))
	}
	return bs.loadHeader(number, hash)
}

// LoadHeadersAbove returns every stored header numbered above number, in
// ascending number order. Headers sharing a number are ordered by hash.
func (bs *BlockStore) LoadHeadersAbove(number int64) []types.Header {
	start, end := headerKeyRange()
	if number >= 0 {
		start = headerKeyFrom(number + 1)
	}
	iter, err := bs.db.Iterator(start, end)
	if err != nil {
		panic(err)
	}
	defer iter.Close()

	var headers []types.Header
	for ; iter.Valid(); iter.Next() {
		var h types.Header
		if err := h.UnmarshalBinary(iter.Value()); err != nil {
			panic(fmt.Errorf("error reading header: %w", err))
		}
		headers = append(headers, h)
	}
	if err := iter.Error(); err != nil {
		panic(err)
	}
	return headers
}

// SaveBlock persists an imported block. The body may be nil for blocks
// imported from their header alone.
func (bs *BlockStore) SaveBlock(header types.Header, body *types.Body) {
	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := bs.saveHeaderToBatch(batch, header); err != nil {
		panic(err)
	}
	if body != nil {
		bz, err := body.MarshalBinary()
		if err != nil {
			panic(err)
		}
		if err := batch.Set(bodyKey(header.Hash), bz); err != nil {
			panic(err)
		}
	}
	if err := batch.Write(); err != nil {
		panic(err)
	}
}

func (bs *BlockStore) saveHeaderToBatch(batch dbm.Batch, h types.Header) error {
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("refusing to store invalid header: %w", err)
	}
	bz, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if err := batch.Set(headerKey(h.Number, h.Hash), bz); err != nil {
		return err
	}
	return batch.Set(hashIndexKey(h.Hash), []byte(strconv.FormatInt(h.Number, 10)))
}

// SaveFinalized records path, the headers finalized in ascending order, as
// canonical and moves the root to the last of them. Every header of path must
// have been stored.
func (bs *BlockStore) SaveFinalized(path []types.Header) error {
	if len(path) == 0 {
		return nil
	}
	batch := bs.db.NewBatch()
	defer batch.Close()

	for _, h := range path {
		if !bs.HasBlock(h.Hash) {
			return fmt.Errorf("finalized block %v was never stored", h)
		}
		if err := batch.Set(canonicalKey(h.Number), h.Hash.Bytes()); err != nil {
			return err
		}
	}
	if err := batch.Set(rootKey(), path[len(path)-1].Hash.Bytes()); err != nil {
		return err
	}
	return batch.WriteSync()
}

// PruneBranches deletes every stored block at or below the finalized root
// that is not canonical, and returns the number of pruned blocks. Such
// blocks belong to branches finalization abandoned. Only the numbers
// finalized since the previous call are scanned.
func (bs *BlockStore) PruneBranches() (uint64, error) {
	root, ok := bs.Root()
	if !ok {
		return 0, errors.New("block store has no root")
	}
	from := bs.prunedHeight() + 1
	if from > root.Number {
		return 0, nil
	}

	canonical := make(map[int64]types.Hash)
	removeBranch := func(key, value []byte, batch dbm.Batch) (bool, error) {
		number, hash, err := decodeHeaderKey(key)
		if err != nil {
			return false, err
		}
		want, ok := canonical[number]
		if !ok {
			h, found := bs.LoadCanonicalHeader(number)
			if !found {
				return false, fmt.Errorf("no canonical block at %d", number)
			}
			want = h.Hash
			canonical[number] = want
		}
		if hash == want {
			return false, nil
		}
		if err := batch.Delete(hashIndexKey(hash)); err != nil {
			return false, err
		}
		if err := batch.Delete(bodyKey(hash)); err != nil {
			return false, err
		}
		return true, nil
	}

	pruned, err := bs.pruneRange(headerKeyFrom(from), headerKeyFrom(root.Number+1), removeBranch)
	if err != nil {
		return pruned, err
	}
	return pruned, bs.db.SetSync(prunedKey(), []byte(strconv.FormatInt(root.Number, 10)))
}

// prunedHeight is the root number of the last successful PruneBranches, or
// -1 if branches were never pruned.
func (bs *BlockStore) prunedHeight() int64 {
	bz, err := bs.db.Get(prunedKey())
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return -1
	}
	height, err := strconv.ParseInt(string(bz), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("failed to decode pruned height %q: %v", bz, err))
	}
	return height
}

// pruneRange deletes the keys in [start, end) the hook selects, using batches
// of at most 1000 keys.
func (bs *BlockStore) pruneRange(
	start []byte,
	end []byte,
	selectHook func(key, value []byte, batch dbm.Batch) (bool, error),
) (uint64, error) {
	var (
		err         error
		pruned      uint64
		totalPruned uint64
	)

	batch := bs.db.NewBatch()
	defer batch.Close()

	pruned, start, err = bs.batchDelete(batch, start, end, selectHook)
	if err != nil {
		return totalPruned, err
	}

	// loop until we have finished iterating over all the keys by writing, opening a new batch
	// and incrementing through the next range of keys.
	for !bytes.Equal(start, end) {
		if err := batch.Write(); err != nil {
			return totalPruned, err
		}

		totalPruned += pruned

		if err := batch.Close(); err != nil {
			return totalPruned, err
		}

		batch = bs.db.NewBatch()

		pruned, start, err = bs.batchDelete(batch, start, end, selectHook)
		if err != nil {
			return totalPruned, err
		}
	}

	if err := batch.WriteSync(); err != nil {
		return totalPruned, err
	}
	totalPruned += pruned
	return totalPruned, nil
}

// batchDelete walks [start, end) and deletes the keys the hook selects. It
// returns once 1000 keys were visited or the range is exhausted, along with
// the key to resume from.
func (bs *BlockStore) batchDelete(
	batch dbm.Batch,
	start, end []byte,
	selectHook func(key, value []byte, batch dbm.Batch) (bool, error),
) (uint64, []byte, error) {
	var pruned, visited uint64
	iter, err := bs.db.Iterator(start, end)
	if err != nil {
		return pruned, start, err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		remove, err := selectHook(key, iter.Value(), batch)
		if err != nil {
			return 0, start, fmt.Errorf("pruning error at key %X: %w", key, err)
		}
		if remove {
			if err := batch.Delete(key); err != nil {
				return 0, start, fmt.Errorf("pruning error at key %X: %w", key, err)
			}
			pruned++
		}

		visited++
		if visited == 1000 {
			iter.Next()
			if !iter.Valid() {
				return pruned, end, iter.Error()
			}
			return pruned, append([]byte(nil), iter.Key()...), iter.Error()
		}
	}

	return pruned, end, iter.Error()
}

func (bs *BlockStore) Close() error {
	return bs.db.Close()
}

//---------------------------------- KEY ENCODING -----------------------------------------

// key prefixes
const (
	prefixHeader    = int64(0)
	prefixBody      = int64(1)
	prefixHashIndex = int64(2)
	prefixCanonical = int64(3)
	prefixRoot      = int64(4)
	prefixPruned    = int64(5)
)

func headerKey(number int64, hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, number, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func headerKeyFrom(number int64) []byte {
	key, err := orderedcode.Append(nil, prefixHeader, number)
	if err != nil {
		panic(err)
	}
	return key
}

func headerKeyRange() ([]byte, []byte) {
	return headerKeyFrom(0), headerKeyFrom(math.MaxInt64)
}

func decodeHeaderKey(key []byte) (number int64, hash types.Hash, err error) {
	var (
		prefix int64
		raw    string
	)
	remaining, err := orderedcode.Parse(string(key), &prefix, &number, &raw)
	if err != nil {
		return
	}
	if len(remaining) != 0 {
		return -1, hash, fmt.Errorf("expected complete key but got remainder: %s", remaining)
	}
	if prefix != prefixHeader {
		return -1, hash, fmt.Errorf("incorrect prefix. Expected %v, got %v", prefixHeader, prefix)
	}
	hash, err = types.HashFromBytes([]byte(raw))
	return
}

func bodyKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBody, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func hashIndexKey(hash types.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixHashIndex, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}
	return key
}

func canonicalKey(number int64) []byte {
	key, err := orderedcode.Append(nil, prefixCanonical, number)
	if err != nil {
		panic(err)
	}
	return key
}

func rootKey() []byte {
	key, err := orderedcode.Append(nil, prefixRoot)
	if err != nil {
		panic(err)
	}
	return key
}

func prunedKey() []byte {
	key, err := orderedcode.Append(nil, prefixPruned)
	if err != nil {
		panic(err)
	}
	return key
}
