package peerset

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/types"
)

// peerRecord is the part of a peer's state that outlives its connection.
type peerRecord struct {
	ID          types.NodeID `json:"id"`
	Reputation  int32        `json:"reputation"`
	Bans        uint32       `json:"bans"`
	BannedUntil time.Time    `json:"banned_until"`
	LastSeen    time.Time    `json:"last_seen"`
}

func (r *peerRecord) banned(now time.Time) bool {
	return now.Before(r.BannedUntil)
}

// forgettable reports whether the record carries nothing worth remembering.
func (r *peerRecord) forgettable(now time.Time) bool {
	return r.Reputation == 0 && r.Bans == 0 && !r.banned(now)
}

func (r *peerRecord) Validate() error {
	if err := r.ID.Validate(); err != nil {
		return fmt.Errorf("invalid peer ID: %w", err)
	}
	return nil
}

// peerStore keeps peer records in memory and writes every change through to
// the database. It is not thread-safe; PeerSet serializes access to it.
type peerStore struct {
	db      dbm.DB
	records map[types.NodeID]*peerRecord
}

// newPeerStore creates a peer store, loading all persisted records.
func newPeerStore(db dbm.DB) (*peerStore, error) {
	if db == nil {
		return nil, errors.New("no database provided")
	}
	s := &peerStore{db: db}
	if err := s.loadRecords(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *peerStore) loadRecords() error {
	records := make(map[types.NodeID]*peerRecord)

	start, end := keyPeerRecordRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()
	for ; iter.Valid(); iter.Next() {
		rec := new(peerRecord)
		if err := json.Unmarshal(iter.Value(), rec); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid peer record: %w", err)
		}
		records[rec.ID] = rec
	}
	if err := iter.Error(); err != nil {
		return err
	}
	s.records = records
	return nil
}

// Get returns a copy of the record for id.
func (s *peerStore) Get(id types.NodeID) (peerRecord, bool) {
	rec, ok := s.records[id]
	if !ok {
		return peerRecord{ID: id}, false
	}
	return *rec, true
}

// Set stores a copy of rec.
func (s *peerStore) Set(rec peerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	bz, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Set(keyPeerRecord(rec.ID), bz); err != nil {
		return err
	}
	s.records[rec.ID] = &rec
	return nil
}

// Delete removes the record for id, if any.
func (s *peerStore) Delete(id types.NodeID) error {
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.db.Delete(keyPeerRecord(id))
}

// Size returns the number of remembered peers.
func (s *peerStore) Size() int {
	return len(s.records)
}

const (
	prefixPeerRecord int64 = 1
)

func keyPeerRecord(id types.NodeID) []byte {
	key, err := orderedcode.Append(nil, prefixPeerRecord, string(id))
	if err != nil {
		panic(err)
	}
	return key
}

func keyPeerRecordRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixPeerRecord, "")
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixPeerRecord, orderedcode.Infinity)
	if err != nil {
		panic(err)
	}
	return start, end
}
