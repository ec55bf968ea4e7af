package peerset

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

var (
	// ErrSlotsExhausted is returned by Admit when every slot of the role is
	// taken by a peer at least as reputable as the candidate.
	ErrSlotsExhausted = errors.New("peer slots exhausted")

	// ErrBanned is returned by Admit for peers whose ban has not elapsed. It
	// is also the reason attached to the disconnect of a peer being banned.
	ErrBanned = errors.New("peer is banned")

	ErrAlreadyConnected = errors.New("peer is already connected")

	// ErrEvicted is the reason attached to the disconnect of a peer evicted
	// in favour of a more reputable one.
	ErrEvicted = errors.New("evicted for a more reputable peer")
)

// Role is the direction of the connection to a peer.
type Role uint8

const (
	RoleInbound Role = iota + 1
	RoleOutbound
)

func (r Role) String() string {
	switch r {
	case RoleInbound:
		return "inbound"
	case RoleOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// PeerState is a snapshot of a connected peer.
type PeerState struct {
	ID         types.NodeID
	Role       Role
	Reputation int32
	BestHeight int64
	BestHash   types.Hash
	// Outstanding is the id of the live request to the peer, uuid.Nil if
	// there is none.
	Outstanding uuid.UUID
	ConnectedAt time.Time
}

// Idle reports whether the peer has no outstanding request.
func (p PeerState) Idle() bool { return p.Outstanding == uuid.Nil }

// Disconnect asks the transport to drop a peer.
type Disconnect struct {
	ID     types.NodeID
	Reason error
}

type peer struct {
	PeerState
	record peerRecord
}

// PeerSet tracks the connected peers, their reputation and their bans.
//
// Reputation and ban records are kept for disconnected peers too, so that a
// peer reconnecting is admitted (or refused) with the score it left with.
// Records are persisted in a peer store and survive restarts.
//
// Disconnects decided by the peer set itself, bans and evictions, are queued
// and handed to the caller by DrainDisconnects. Peers dropped by the
// transport are reported with Disconnected and are not echoed back.
type PeerSet struct {
	cfg    *config.PeerSetConfig
	logger log.Logger
	now    func() time.Time

	mtx         sync.Mutex
	store       *peerStore
	peers       map[types.NodeID]*peer
	disconnects []Disconnect
	lastDecay   time.Time
}

// Option sets an optional parameter on the PeerSet.
type Option func(*PeerSet)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(ps *PeerSet) { ps.now = now }
}

// WithLogger sets the logger used to report peer store failures.
func WithLogger(logger log.Logger) Option {
	return func(ps *PeerSet) { ps.logger = logger }
}

// New creates a peer set backed by the given peer database.
func New(cfg *config.PeerSetConfig, db dbm.DB, options ...Option) (*PeerSet, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid peer set config: %w", err)
	}
	store, err := newPeerStore(db)
	if err != nil {
		return nil, err
	}
	ps := &PeerSet{
		cfg:    cfg,
		logger: log.NewNopLogger(),
		now:    time.Now,
		store:  store,
		peers:  make(map[types.NodeID]*peer),
	}
	for _, opt := range options {
		opt(ps)
	}
	ps.lastDecay = ps.now()
	return ps, nil
}

func (ps *PeerSet) maxSlots(role Role) int {
	if role == RoleInbound {
		return ps.cfg.MaxInbound
	}
	return ps.cfg.MaxOutbound
}

// Admit registers a newly connected peer.
//
// When every slot of the role is taken, the candidate's remembered
// reputation is compared with the weakest connected peer of that role. If
// it is strictly greater the weakest peer is evicted and queued for
// disconnection; otherwise ErrSlotsExhausted is returned.
func (ps *PeerSet) Admit(id types.NodeID, role Role) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if role != RoleInbound && role != RoleOutbound {
		return fmt.Errorf("invalid role %v", role)
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if _, ok := ps.peers[id]; ok {
		return ErrAlreadyConnected
	}
	now := ps.now()
	rec, _ := ps.store.Get(id)
	if rec.banned(now) {
		return fmt.Errorf("%w until %v", ErrBanned, rec.BannedUntil.Format(time.RFC3339))
	}

	if ps.countRole(role) >= ps.maxSlots(role) {
		weakest := ps.weakest(role)
		if weakest == nil || rec.Reputation <= weakest.Reputation {
			return ErrSlotsExhausted
		}
		ps.drop(weakest.ID, ErrEvicted)
	}

	rec.LastSeen = now
	ps.peers[id] = &peer{
		PeerState: PeerState{
			ID:          id,
			Role:        role,
			Reputation:  rec.Reputation,
			ConnectedAt: now,
		},
		record: rec,
	}
	ps.persist(rec)
	return nil
}

func (ps *PeerSet) countRole(role Role) int {
	n := 0
	for _, p := range ps.peers {
		if p.Role == role {
			n++
		}
	}
	return n
}

// weakest returns the connected peer of the role with the lowest
// reputation, then the lowest best height, then the highest id.
func (ps *PeerSet) weakest(role Role) *peer {
	var weakest *peer
	for _, p := range ps.peers {
		if p.Role != role {
			continue
		}
		if weakest == nil || weaker(p, weakest) {
			weakest = p
		}
	}
	return weakest
}

func weaker(a, b *peer) bool {
	switch {
	case a.Reputation != b.Reputation:
		return a.Reputation < b.Reputation
	case a.BestHeight != b.BestHeight:
		return a.BestHeight < b.BestHeight
	default:
		return a.ID > b.ID
	}
}

// drop forgets a connected peer and queues its disconnection.
func (ps *PeerSet) drop(id types.NodeID, reason error) {
	ps.disconnect(id)
	ps.disconnects = append(ps.disconnects, Disconnect{ID: id, Reason: reason})
}

func (ps *PeerSet) disconnect(id types.NodeID) {
	p, ok := ps.peers[id]
	if !ok {
		return
	}
	delete(ps.peers, id)

	rec := p.record
	rec.LastSeen = ps.now()
	ps.persist(rec)
}

// persist writes rec through to the peer store. Records equivalent to a
// fresh peer are forgotten instead.
func (ps *PeerSet) persist(rec peerRecord) {
	var err error
	if rec.forgettable(ps.now()) {
		err = ps.store.Delete(rec.ID)
	} else {
		err = ps.store.Set(rec)
	}
	if err != nil {
		ps.logger.Error("failed to persist peer record", "peer", rec.ID, "err", err)
	}
}

// Remove disconnects a peer on behalf of the sync engine. The disconnect is
// queued for the transport.
func (ps *PeerSet) Remove(id types.NodeID, reason error) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if _, ok := ps.peers[id]; !ok {
		return
	}
	ps.drop(id, reason)
}

// Disconnected records that the transport dropped a peer.
func (ps *PeerSet) Disconnected(id types.NodeID) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	ps.disconnect(id)
}

// DrainDisconnects returns and clears the queued disconnects.
func (ps *PeerSet) DrainDisconnects() []Disconnect {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	out := ps.disconnects
	ps.disconnects = nil
	return out
}

// AdjustReputation adds delta to the reputation of a peer, clamping the
// result to the configured bounds, and returns the new reputation.
//
// A negative adjustment leaving the reputation below the ban threshold bans
// the peer. The first ban lasts BanDuration and every further ban of the
// same peer doubles it, up to MaxBanDuration. A banned peer that is still
// connected is queued for disconnection. The boolean result reports whether
// this adjustment banned the peer.
//
// Disconnected peers keep being scored while their record is remembered.
// Unknown peers are ignored.
func (ps *PeerSet) AdjustReputation(id types.NodeID, delta int32) (int32, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	now := ps.now()
	p, connected := ps.peers[id]
	var rec peerRecord
	if connected {
		rec = p.record
	} else {
		var ok bool
		if rec, ok = ps.store.Get(id); !ok {
			return 0, false
		}
	}

	rec.Reputation = ps.clamp(int64(rec.Reputation) + int64(delta))

	banned := false
	if delta < 0 && rec.Reputation < ps.cfg.BanThreshold && !rec.banned(now) {
		rec.BannedUntil = now.Add(ps.banDuration(rec.Bans))
		rec.Bans++
		banned = true
	}

	if connected {
		p.record = rec
		p.Reputation = rec.Reputation
		if banned {
			ps.drop(id, ErrBanned)
			return rec.Reputation, true
		}
	}
	ps.persist(rec)
	return rec.Reputation, banned
}

func (ps *PeerSet) clamp(score int64) int32 {
	switch {
	case score < int64(ps.cfg.MinReputation):
		return ps.cfg.MinReputation
	case score > int64(ps.cfg.MaxReputation):
		return ps.cfg.MaxReputation
	default:
		return int32(score)
	}
}

// banDuration returns the length of a ban given the number of earlier bans.
func (ps *PeerSet) banDuration(bans uint32) time.Duration {
	d := ps.cfg.BanDuration
	for i := uint32(0); i < bans && d < ps.cfg.MaxBanDuration; i++ {
		d *= 2
	}
	if d > ps.cfg.MaxBanDuration {
		d = ps.cfg.MaxBanDuration
	}
	return d
}

// Decay halves every remembered reputation once per elapsed decay interval.
// It is a no-op when decay is disabled.
func (ps *PeerSet) Decay() {
	interval := ps.cfg.ReputationDecayInterval
	if interval <= 0 {
		return
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	now := ps.now()
	steps := int(now.Sub(ps.lastDecay) / interval)
	if steps <= 0 {
		return
	}
	ps.lastDecay = ps.lastDecay.Add(time.Duration(steps) * interval)
	if steps > 32 {
		steps = 32
	}
	divisor := int64(1) << steps

	for id, rec := range ps.store.records {
		if _, ok := ps.peers[id]; ok {
			continue
		}
		decayed := *rec
		decayed.Reputation = int32(int64(rec.Reputation) / divisor)
		ps.persist(decayed)
	}
	for _, p := range ps.peers {
		p.record.Reputation = int32(int64(p.record.Reputation) / divisor)
		p.Reputation = p.record.Reputation
		ps.persist(p.record)
	}
}

// IsBanned reports whether the peer is currently banned.
func (ps *PeerSet) IsBanned(id types.NodeID) bool {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	rec, _ := ps.store.Get(id)
	return rec.banned(ps.now())
}

// IsConnected reports whether the peer is admitted.
func (ps *PeerSet) IsConnected(id types.NodeID) bool {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	_, ok := ps.peers[id]
	return ok
}

// Reputation returns the reputation of a connected or remembered peer.
func (ps *PeerSet) Reputation(id types.NodeID) (int32, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if p, ok := ps.peers[id]; ok {
		return p.Reputation, true
	}
	rec, ok := ps.store.Get(id)
	return rec.Reputation, ok
}

// Get returns a snapshot of a connected peer.
func (ps *PeerSet) Get(id types.NodeID) (PeerState, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	p, ok := ps.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return p.PeerState, true
}

// SetBest records the best block a peer claims to have. Claims never move
// backwards in height.
func (ps *PeerSet) SetBest(id types.NodeID, height int64, hash types.Hash) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	p, ok := ps.peers[id]
	if !ok || height < p.BestHeight {
		return
	}
	p.BestHeight = height
	p.BestHash = hash
}

// SetOutstanding records the live request to a peer. It returns false if
// the peer is unknown or already has an outstanding request.
func (ps *PeerSet) SetOutstanding(id types.NodeID, requestID uuid.UUID) bool {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	p, ok := ps.peers[id]
	if !ok || !p.Idle() {
		return false
	}
	p.Outstanding = requestID
	return true
}

// ClearOutstanding marks the peer idle again if requestID is its
// outstanding request.
func (ps *PeerSet) ClearOutstanding(id types.NodeID, requestID uuid.UUID) bool {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	p, ok := ps.peers[id]
	if !ok || p.Outstanding != requestID {
		return false
	}
	p.Outstanding = uuid.Nil
	return true
}

// SelectIdlePeers returns up to limit connected peers without an
// outstanding request, by descending reputation, then descending best
// height, then id. A limit <= 0 returns every idle peer.
func (ps *PeerSet) SelectIdlePeers(limit int) []types.NodeID {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	idle := make([]*peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		if p.Idle() {
			idle = append(idle, p)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		a, b := idle[i], idle[j]
		switch {
		case a.Reputation != b.Reputation:
			return a.Reputation > b.Reputation
		case a.BestHeight != b.BestHeight:
			return a.BestHeight > b.BestHeight
		default:
			return a.ID < b.ID
		}
	})
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}

	ids := make([]types.NodeID, len(idle))
	for i, p := range idle {
		ids[i] = p.ID
	}
	return ids
}

// Peers returns a snapshot of every connected peer, ordered by id.
func (ps *PeerSet) Peers() []PeerState {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	out := make([]PeerState, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p.PeerState)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of connected peers.
func (ps *PeerSet) Len() int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	return len(ps.peers)
}

// Count returns the number of connected peers with the given role.
func (ps *PeerSet) Count(role Role) int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	return ps.countRole(role)
}
