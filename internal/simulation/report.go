package simulation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/creachadair/atomicfile"

	"github.com/tendermint/forksync/types"
)

// Report summarizes a simulation run.
type Report struct {
	Seed        int64 `json:"seed"`
	ChainLength int   `json:"chain_length"`

	// Completed is true if the syncing node imported the canonical tip
	// before the timeout.
	Completed bool       `json:"completed"`
	Height    int64      `json:"height"`
	Hash      types.Hash `json:"hash"`
	Elapsed   string     `json:"elapsed"`

	Peers []PeerReport `json:"peers"`
}

// PeerReport is the syncing node's view of one simulated peer at the end of
// the run.
type PeerReport struct {
	ID         types.NodeID `json:"id"`
	Behaviour  Behaviour    `json:"behaviour"`
	Reputation int32        `json:"reputation"`
	Connected  bool         `json:"connected"`

	// Imported is the number of blocks imported from this peer.
	Imported int `json:"imported"`

	// Requests is the number of block requests the peer received. Only
	// tracked for scripted peers.
	Requests int64 `json:"requests,omitempty"`
}

// Peer returns the report of a peer.
func (r *Report) Peer(id types.NodeID) (PeerReport, bool) {
	for _, p := range r.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerReport{}, false
}

// Behaviours counts the peers of each behaviour.
func (r *Report) Behaviours() map[Behaviour]int {
	counts := make(map[Behaviour]int)
	for _, p := range r.Peers {
		counts[p.Behaviour]++
	}
	return counts
}

func (r *Report) sortPeers() {
	sort.Slice(r.Peers, func(i, j int) bool {
		return r.Peers[i].ID < r.Peers[j].ID
	})
}

// Save writes the report as indented JSON. The file is replaced atomically.
func (r *Report) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := atomicfile.WriteAll(path, bytes.NewReader(data), 0644); err != nil {
		return fmt.Errorf("failed to write report %q: %w", path, err)
	}
	return nil
}
