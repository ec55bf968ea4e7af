package blocksync

import (
	"errors"
	"fmt"
	"sort"
	"time"

	dcrlru "github.com/decred/dcrd/lru"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/forktree"
	"github.com/tendermint/forksync/internal/importqueue"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/types"
)

const (
	// knownBlocksPerPeer bounds the set of block hashes remembered as known
	// to each peer.
	knownBlocksPerPeer = 1024

	// cooldownEntries bounds the number of remembered rejections.
	cooldownEntries = 4096
)

// errStale marks a response that no longer applies to the local state, for
// instance because the block it extends was pruned meanwhile. It is not the
// peer's fault.
var errStale = errors.New("stale response")

// PeerSyncState is the state of a peer in the sync state machine.
type PeerSyncState uint8

const (
	StateIdle PeerSyncState = iota + 1
	StateAncestorSearch
	StateDownloading
	StateDisconnected
)

func (s PeerSyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAncestorSearch:
		return "ancestor-search"
	case StateDownloading:
		return "downloading"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type peerSync struct {
	id    types.NodeID
	state PeerSyncState

	// request is the outstanding request, nil when the peer is idle.
	request *SyncRequest

	// known holds block hashes the peer announced or was sent.
	known dcrlru.Cache

	// blocked is a best hash the peer cannot help with: its branch runs into
	// a block in reject cooldown, is incompatible with the finalized root, or
	// does not end at the claimed hash.
	blocked types.Hash
}

type jobPhase uint8

const (
	phaseSearch jobPhase = iota + 1
	phaseDownload
)

// syncJob is the work of catching up with one best block. Peers announcing
// the same best hash share the job; a single owner works it and the others
// stand by.
type syncJob struct {
	target types.Hash
	height int64
	phase  jobPhase
	owner  types.NodeID

	// Ancestor search state. lo is the highest number known to be common,
	// hi the lowest number known to differ, -1 until a probe differed.
	lo          int64
	loHash      types.Hash
	loConfirmed bool
	hi          int64
	next        int64
	probes      int

	// parent is the last block downloaded, or the common ancestor.
	parent types.Header

	// requests holds the primary request and, after a stall, its redundant
	// copy.
	requests []*SyncRequest
	dead     bool
}

func (j *syncJob) dropRequest(id uuid.UUID) {
	for i, r := range j.requests {
		if r.ID == id {
			j.requests = append(j.requests[:i], j.requests[i+1:]...)
			return
		}
	}
}

// bodyFetch tracks an announced header that was inserted into the fork tree
// and still needs its body.
type bodyFetch struct {
	header   types.Header
	peers    map[types.NodeID]struct{}
	requests []*SyncRequest
}

func (f *bodyFetch) dropRequest(id uuid.UUID) {
	for i, r := range f.requests {
		if r.ID == id {
			f.requests = append(f.requests[:i], f.requests[i+1:]...)
			return
		}
	}
}

type cooldownKey struct {
	peer types.NodeID
	hash types.Hash
}

// Syncer is the sync state machine. It decides what to request from which
// peer, reconciles responses with the fork tree and feeds downloaded blocks
// into the import queue.
//
// Each peer goes through Idle, AncestorSearch and Downloading. Ancestor
// search locates the highest block shared with the peer's best chain by
// binary search over block numbers, one header per round trip. Downloading
// then fetches ascending batches of blocks with bodies up to the peer's best
// block. Announced blocks extending a known block take a fast path: the
// header is inserted at once and only its body is fetched.
//
// Syncer is not safe for concurrent use.
type Syncer struct {
	cfg     *config.SyncConfig
	logger  log.Logger
	metrics *Metrics
	now     func() time.Time

	peers *peerset.PeerSet
	tree  *forktree.Tree
	queue *importqueue.Queue

	states   map[types.NodeID]*peerSync
	jobs     map[types.Hash]*syncJob
	fetches  map[types.Hash]*bodyFetch
	requests map[uuid.UUID]*SyncRequest
	cooldown *lru.Cache[cooldownKey, time.Time]
}

// NewSyncer creates a sync state machine over the given components.
func NewSyncer(
	cfg *config.SyncConfig,
	logger log.Logger,
	peers *peerset.PeerSet,
	tree *forktree.Tree,
	queue *importqueue.Queue,
	metrics *Metrics,
	now func() time.Time,
) *Syncer {
	cooldown, err := lru.New[cooldownKey, time.Time](cooldownEntries)
	if err != nil {
		panic(err)
	}
	return &Syncer{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      now,
		peers:    peers,
		tree:     tree,
		queue:    queue,
		states:   make(map[types.NodeID]*peerSync),
		jobs:     make(map[types.Hash]*syncJob),
		fetches:  make(map[types.Hash]*bodyFetch),
		requests: make(map[uuid.UUID]*SyncRequest),
		cooldown: cooldown,
	}
}

// AddPeer starts tracking an admitted peer.
func (s *Syncer) AddPeer(id types.NodeID) {
	if _, ok := s.states[id]; ok {
		return
	}
	s.states[id] = &peerSync{
		id:    id,
		state: StateIdle,
		known: dcrlru.NewCache(knownBlocksPerPeer),
	}
}

// RemovePeer cancels the peer's outstanding request and forgets it.
func (s *Syncer) RemovePeer(id types.NodeID) {
	ps, ok := s.states[id]
	if !ok {
		return
	}
	if ps.request != nil {
		s.cancel(ps.request)
	}
	for _, job := range s.jobs {
		if job.owner == id {
			job.owner = ""
		}
	}
	for _, f := range s.fetchesByNumber() {
		delete(f.peers, id)
		if len(f.peers) == 0 && len(f.requests) == 0 {
			s.abandonFetch(f)
		}
	}
	delete(s.states, id)
}

// State returns the sync state of a peer.
func (s *Syncer) State(id types.NodeID) PeerSyncState {
	ps, ok := s.states[id]
	if !ok {
		return StateDisconnected
	}
	return ps.state
}

// Inflight returns the number of outstanding requests.
func (s *Syncer) Inflight() int { return len(s.requests) }

// MarkKnown records that the peer has the block.
func (s *Syncer) MarkKnown(id types.NodeID, hash types.Hash) {
	if ps, ok := s.states[id]; ok {
		ps.known.Add(hash)
	}
}

// Knows reports whether the peer is known to have the block.
func (s *Syncer) Knows(id types.NodeID, hash types.Hash) bool {
	ps, ok := s.states[id]
	return ok && ps.known.Contains(hash)
}

// RejectCooldown stops hash from being accepted from peer for the
// configured cooldown.
func (s *Syncer) RejectCooldown(peer types.NodeID, hash types.Hash) {
	s.cooldown.Add(cooldownKey{peer: peer, hash: hash}, s.now().Add(s.cfg.RejectCooldown))
}

func (s *Syncer) coolingDown(peer types.NodeID, hash types.Hash) bool {
	until, ok := s.cooldown.Get(cooldownKey{peer: peer, hash: hash})
	return ok && s.now().Before(until)
}

// OnAnnounce handles a new best block announced by a peer. A header whose
// parent is known is inserted into the fork tree right away and its body is
// fetched on the next scheduling pass. Orphans are dropped; the claim is
// recorded as the peer's best, which drives an ancestor search. A returned
// error is a protocol violation the peer was penalized for.
func (s *Syncer) OnAnnounce(id types.NodeID, h types.Header) error {
	ps, ok := s.states[id]
	if !ok {
		return nil
	}
	ps.known.Add(h.Hash)
	s.peers.SetBest(id, h.Number, h.Hash)

	if f, ok := s.fetches[h.Hash]; ok {
		f.peers[id] = struct{}{}
		return nil
	}
	if s.tree.Contains(h.Hash) || h.Number <= s.tree.Root().Number {
		return nil
	}
	if !s.tree.Contains(h.ParentHash) {
		s.logger.Debug("orphan announce", "peer", id, "height", h.Number, "hash", h.Hash.Short())
		return nil
	}
	if s.coolingDown(id, h.Hash) {
		return nil
	}

	if _, err := s.tree.Insert(h); err != nil {
		err = fmt.Errorf("%w: announced %v: %v", ErrProtocolViolation, h, err)
		s.penalize(id, reputationProtocolViolation, err)
		return err
	}
	s.fetches[h.Hash] = &bodyFetch{
		header: h,
		peers:  map[types.NodeID]struct{}{id: {}},
	}
	return nil
}

// OnResponse reconciles a block response with the request it answers. A
// response to a request that is no longer tracked, because it was
// cancelled or answered by another peer first, is ignored. Blocks passing
// validation are inserted even if a later one in the same response is
// defective; the returned error is a protocol violation for which the peer
// has already been penalized.
func (s *Syncer) OnResponse(id types.NodeID, resp *types.BlockResponse) error {
	req, ok := s.requests[resp.ID]
	if !ok || req.Peer != id {
		s.logger.Debug("ignoring response to unknown request", "peer", id, "id", resp.ID)
		return nil
	}
	s.finish(req)

	var err error
	switch req.kind {
	case kindProbe:
		err = s.handleProbe(req, resp)
	case kindRange:
		err = s.handleRange(req, resp)
	case kindBody:
		err = s.handleBody(req, resp)
	}

	switch {
	case err == nil:
	case errors.Is(err, errStale):
		s.logger.Debug("dropping stale response", "peer", id, "err", err)
		s.setState(id, StateIdle)
	default:
		s.setState(id, StateIdle)
		s.penalize(id, reputationProtocolViolation, err)
	}
	if errors.Is(err, ErrProtocolViolation) {
		return err
	}
	return nil
}

func (s *Syncer) handleProbe(req *SyncRequest, resp *types.BlockResponse) error {
	job, ok := s.jobs[req.target]
	if !ok || job.phase != phaseSearch || job.next != req.Start.Number {
		return errStale
	}
	s.cancelAll(job.requests)
	job.requests = nil
	job.owner = ""

	n := req.Start.Number
	if len(resp.Blocks) != 1 {
		return fmt.Errorf("%w: %d blocks in answer to a probe at %d", ErrProtocolViolation, len(resp.Blocks), n)
	}
	h := resp.Blocks[0].Header
	if h.Number != n {
		return fmt.Errorf("%w: probe at %d answered with block %d", ErrProtocolViolation, n, h.Number)
	}
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}

	job.probes++
	root := s.tree.Root()
	switch {
	case s.tree.Contains(h.Hash):
		job.lo, job.loHash, job.loConfirmed = n, h.Hash, true
	case n <= root.Number:
		job.dead = true
		if ps, ok := s.states[req.Peer]; ok {
			ps.blocked = job.target
		}
		return fmt.Errorf("%w: chain of %v does not contain finalized block %v", ErrProtocolViolation, job.target.Short(), root)
	default:
		job.hi = n
	}

	switch {
	case job.hi < 0 || (job.hi-job.lo <= 1 && job.loConfirmed):
		return s.startDownload(job, req.Peer)
	case job.hi-job.lo > 1:
		job.next = (job.lo + job.hi) / 2
	default:
		// Every probe differed: the root is the last candidate.
		job.next = job.lo
	}
	job.owner = req.Peer
	return nil
}

func (s *Syncer) startDownload(job *syncJob, owner types.NodeID) error {
	common, ok := s.tree.Header(job.loHash)
	if !ok {
		s.resetJob(job)
		return fmt.Errorf("%w: common ancestor %v was pruned", errStale, job.loHash.Short())
	}
	s.metrics.AncestorSearches.Add(1)
	s.logger.Debug("found common ancestor",
		"peer", owner, "target", job.target.Short(), "height", common.Number, "probes", job.probes)

	if common.Number >= job.height {
		if common.Hash != job.target {
			return s.missedTarget(job, owner, common)
		}
		delete(s.jobs, job.target)
		s.setState(owner, StateIdle)
		return nil
	}

	job.phase = phaseDownload
	job.parent = common
	job.owner = owner
	s.setState(owner, StateDownloading)
	return nil
}

func (s *Syncer) handleRange(req *SyncRequest, resp *types.BlockResponse) error {
	job, ok := s.jobs[req.target]
	if !ok || job.phase != phaseDownload || job.parent.Number+1 != req.Start.Number {
		return errStale
	}
	s.cancelAll(job.requests)
	job.requests = nil
	job.owner = ""

	if len(resp.Blocks) == 0 {
		return fmt.Errorf("%w: no block at %d below claimed best %d", ErrProtocolViolation, req.Start.Number, job.height)
	}

	var (
		err      error
		accepted int
		blocked  bool
		parent   = job.parent
	)
	for i, bd := range resp.Blocks {
		if i >= int(req.MaxCount) {
			err = fmt.Errorf("%w: %d blocks for %d requested", ErrProtocolViolation, len(resp.Blocks), req.MaxCount)
			break
		}
		if err = checkLinked(parent, bd); err != nil {
			break
		}
		if s.coolingDown(req.Peer, bd.Header.Hash) {
			blocked = true
			break
		}
		if err = s.accept(req.Peer, bd.Header, bd.Body); err != nil {
			break
		}
		parent = bd.Header
		accepted++
	}

	if accepted > 0 {
		s.peers.AdjustReputation(req.Peer, reputationUsefulResponse)
		job.parent = parent
	}
	switch {
	case err != nil:
		return err
	case blocked:
		if ps, ok := s.states[req.Peer]; ok {
			ps.blocked = job.target
		}
		s.setState(req.Peer, StateIdle)
		s.logger.Debug("peer chain runs into a rejected block", "peer", req.Peer, "height", parent.Number+1)
	case job.parent.Number >= job.height && job.parent.Hash != job.target:
		return s.missedTarget(job, req.Peer, job.parent)
	case job.parent.Number >= job.height:
		delete(s.jobs, job.target)
		s.setState(req.Peer, StateIdle)
		s.logger.Debug("download complete", "peer", req.Peer, "height", job.parent.Number, "hash", job.parent.Hash.Short())
	default:
		job.owner = req.Peer
	}
	return nil
}

// missedTarget ends a job whose chain reached the claimed best height
// without reaching the claimed best hash. The peer is not asked about that
// hash again.
func (s *Syncer) missedTarget(job *syncJob, peer types.NodeID, reached types.Header) error {
	delete(s.jobs, job.target)
	if ps, ok := s.states[peer]; ok {
		ps.blocked = job.target
	}
	s.setState(peer, StateIdle)
	return fmt.Errorf("%w: chain reached %v instead of claimed best %v at %d",
		ErrProtocolViolation, reached, job.target.Short(), job.height)
}

func (s *Syncer) handleBody(req *SyncRequest, resp *types.BlockResponse) error {
	f, ok := s.fetches[req.target]
	if !ok {
		return errStale
	}
	s.cancelAll(f.requests)
	f.requests = nil
	s.setState(req.Peer, StateIdle)

	err := func() error {
		if len(resp.Blocks) != 1 {
			return fmt.Errorf("%w: %d blocks in answer to a body request", ErrProtocolViolation, len(resp.Blocks))
		}
		bd := resp.Blocks[0]
		if bd.Header.Hash != f.header.Hash {
			return fmt.Errorf("%w: asked for %v, got %v", ErrProtocolViolation, f.header.Hash.Short(), bd.Header.Hash.Short())
		}
		return checkBody(bd)
	}()
	if err != nil {
		delete(f.peers, req.Peer)
		if len(f.peers) == 0 {
			s.abandonFetch(f)
		}
		return err
	}
	return s.accept(req.Peer, f.header, resp.Blocks[0].Body)
}

// checkLinked verifies that bd is a well-formed block with body directly
// following parent.
func checkLinked(parent types.Header, bd types.BlockData) error {
	h := bd.Header
	if h.Number != parent.Number+1 {
		return fmt.Errorf("%w: expected block %d, got %d", ErrProtocolViolation, parent.Number+1, h.Number)
	}
	if h.ParentHash != parent.Hash {
		return fmt.Errorf("%w: %v does not extend %v", ErrProtocolViolation, h, parent)
	}
	if err := h.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return checkBody(bd)
}

func checkBody(bd types.BlockData) error {
	if bd.Body == nil {
		return fmt.Errorf("%w: missing body of %v", ErrProtocolViolation, bd.Header)
	}
	if err := bd.Body.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: body of %v: %v", ErrProtocolViolation, bd.Header, err)
	}
	if bd.Body.Hash() != bd.Header.BodyHash {
		return fmt.Errorf("%w: body of %v does not match its header", ErrProtocolViolation, bd.Header)
	}
	return nil
}

// accept inserts a downloaded block into the fork tree and the import
// queue. Blocks evicted from a full queue leave the tree with their
// descendants and their origin is penalized.
func (s *Syncer) accept(origin types.NodeID, h types.Header, body *types.Body) error {
	if _, err := s.tree.Insert(h); err != nil {
		if errors.Is(err, forktree.ErrOrphan) {
			return fmt.Errorf("%w: %v", errStale, err)
		}
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if f, ok := s.fetches[h.Hash]; ok {
		s.cancelAll(f.requests)
		delete(s.fetches, h.Hash)
	}
	if h.Hash == s.tree.Root().Hash || s.queue.IsImported(h.Hash) {
		return nil
	}

	evicted, err := s.queue.Enqueue(importqueue.Entry{Header: h, Body: body, Origin: origin})
	if errors.Is(err, importqueue.ErrQueueFull) {
		s.dropFromTree(h.Hash)
		return fmt.Errorf("%w: %v", errStale, err)
	}
	self := false
	for _, e := range evicted {
		if e.Header.Hash == h.Hash {
			self = true
		}
		s.penalize(e.Origin, reputationUselessBlocks, fmt.Errorf("block %v evicted from the import queue", e.Header))
		s.dropFromTree(e.Header.Hash)
	}
	s.metrics.QueuedBlocks.Set(float64(s.queue.Len()))
	if self {
		return fmt.Errorf("%w: %v evicted on arrival", errStale, h)
	}
	return nil
}

// dropFromTree removes a block that will not be imported, together with its
// descendants, so that it can be downloaded again later.
func (s *Syncer) dropFromTree(hash types.Hash) {
	if _, err := s.tree.Remove(hash); err != nil {
		return
	}
	s.queue.Prune()
	s.Pruned()
}

// Pruned drops the work that refers to blocks no longer in the fork tree,
// after finalization or the removal of a rejected branch.
func (s *Syncer) Pruned() {
	root := s.tree.Root()
	for _, job := range s.jobs {
		switch {
		case job.height <= root.Number:
			s.cancelAll(job.requests)
			delete(s.jobs, job.target)
		case job.phase == phaseDownload && !s.tree.Contains(job.parent.Hash),
			job.phase == phaseSearch && (job.lo < root.Number || (job.loConfirmed && !s.tree.Contains(job.loHash))):
			s.resetJob(job)
		}
	}
	for _, f := range s.fetchesByNumber() {
		if !s.tree.Contains(f.header.Hash) {
			s.cancelAll(f.requests)
			delete(s.fetches, f.header.Hash)
		}
	}
}

func (s *Syncer) abandonFetch(f *bodyFetch) {
	s.cancelAll(f.requests)
	delete(s.fetches, f.header.Hash)
	s.logger.Debug("no peer left to fetch body", "height", f.header.Number, "hash", f.header.Hash.Short())
	s.dropFromTree(f.header.Hash)
}

func (s *Syncer) resetJob(job *syncJob) {
	s.cancelAll(job.requests)
	job.requests = nil
	job.owner = ""
	s.initSearch(job)
}

func (s *Syncer) initSearch(job *syncJob) {
	root := s.tree.Root()
	best := s.tree.BestChain()
	job.phase = phaseSearch
	job.lo, job.loHash, job.loConfirmed = root.Number, root.Hash, false
	job.hi = -1
	job.probes = 0
	job.next = best.Number
	if job.height < job.next {
		job.next = job.height
	}
}

// Tick penalizes the peers of expired requests and repeats requests stalled
// past the grace period to a standby peer. It returns the repeated
// requests.
func (s *Syncer) Tick() []*SyncRequest {
	now := s.now()

	expired := make([]*SyncRequest, 0)
	for _, req := range s.requests {
		if !now.Before(req.Deadline) {
			expired = append(expired, req)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].SentAt.Before(expired[j].SentAt) })
	for _, req := range expired {
		s.expire(req)
	}

	var out []*SyncRequest
	for _, target := range s.jobTargets() {
		job := s.jobs[target]
		if r := s.fallback(job.requests, now, func(id types.NodeID) bool {
			return s.jobFor(id) == job
		}); r != nil {
			job.requests = append(job.requests, r)
			out = append(out, r)
		}
	}
	for _, f := range s.fetchesByNumber() {
		if r := s.fallback(f.requests, now, func(id types.NodeID) bool {
			_, ok := f.peers[id]
			return ok
		}); r != nil {
			f.requests = append(f.requests, r)
			out = append(out, r)
		}
	}

	s.gcJobs()
	return out
}

func (s *Syncer) expire(req *SyncRequest) {
	s.finish(req)
	s.metrics.RequestTimeouts.Add(1)
	s.setState(req.Peer, StateIdle)

	switch req.kind {
	case kindProbe, kindRange:
		if job, ok := s.jobs[req.target]; ok && job.owner == req.Peer {
			job.owner = ""
		}
	case kindBody:
		if f, ok := s.fetches[req.target]; ok {
			delete(f.peers, req.Peer)
			if len(f.peers) == 0 && len(f.requests) == 0 {
				s.abandonFetch(f)
			}
		}
	}
	s.penalize(req.Peer, reputationTimeout, fmt.Errorf("%w: %v", ErrRequestTimeout, req))
}

// fallback copies a single stalled request to the first idle standby peer
// accepted by eligible.
func (s *Syncer) fallback(reqs []*SyncRequest, now time.Time, eligible func(types.NodeID) bool) *SyncRequest {
	if len(reqs) != 1 || reqs[0].redundant || now.Before(reqs[0].SentAt.Add(s.cfg.RedundantRequestGrace)) {
		return nil
	}
	if len(s.requests) >= s.cfg.MaxInflightRequests {
		return nil
	}
	primary := reqs[0]
	for _, id := range s.peers.SelectIdlePeers(0) {
		if id == primary.Peer || !eligible(id) {
			continue
		}
		r := primary.reissue(id, now, s.cfg.RequestTimeout)
		if !s.issue(r) {
			continue
		}
		s.metrics.RedundantRequests.Add(1)
		s.logger.Debug("repeating stalled request", "stalled", primary.Peer, "peer", id, "req", r)
		return r
	}
	return nil
}

// Schedule assigns work to idle peers, up to the ceiling on requests in
// flight, and returns the requests to send.
func (s *Syncer) Schedule() []*SyncRequest {
	now := s.now()
	var out []*SyncRequest
	for _, id := range s.peers.SelectIdlePeers(0) {
		if len(s.requests) >= s.cfg.MaxInflightRequests {
			break
		}
		ps, ok := s.states[id]
		if !ok || ps.request != nil {
			continue
		}
		if req := s.nextRequest(ps, now); req != nil && s.issue(req) {
			out = append(out, req)
		}
	}
	return out
}

func (s *Syncer) nextRequest(ps *peerSync, now time.Time) *SyncRequest {
	for _, f := range s.fetchesByNumber() {
		if _, ok := f.peers[ps.id]; !ok || len(f.requests) > 0 {
			continue
		}
		req := s.newRequest(ps.id, now, kindBody, f.header.Hash)
		req.Start = types.RefByHash(f.header.Hash)
		req.MaxCount = 1
		req.IncludeBody = true
		f.requests = append(f.requests, req)
		return req
	}

	job := s.jobFor(ps.id)
	if job == nil || len(job.requests) > 0 {
		if ps.state != StateIdle && ps.request == nil && (job == nil || job.owner != ps.id) {
			ps.state = StateIdle
		}
		return nil
	}
	if job.owner != "" && job.owner != ps.id {
		if owner, ok := s.peers.Get(job.owner); ok && owner.Idle() && s.jobFor(job.owner) == job {
			// The owner picks the job up itself.
			return nil
		}
	}
	if job.phase == phaseDownload && s.queue.Len()+s.cfg.MaxBlocksPerRequest > s.queue.Capacity() {
		// Wait for the import queue to drain instead of evicting blocks
		// downloaded earlier.
		return nil
	}

	var count int64
	if job.phase == phaseDownload {
		count = minInt64(
			int64(s.cfg.MaxBlocksPerRequest),
			types.MaxBlocksPerResponse,
			job.height-job.parent.Number,
		)
		if count <= 0 {
			return nil
		}
	}

	req := s.newRequest(ps.id, now, kindProbe, job.target)
	switch job.phase {
	case phaseSearch:
		req.Start = types.RefByNumber(job.next)
		req.MaxCount = 1
	case phaseDownload:
		req.kind = kindRange
		req.Start = types.RefByNumber(job.parent.Number + 1)
		req.MaxCount = uint32(count)
		req.IncludeBody = true
	}
	job.requests = append(job.requests, req)
	job.owner = ps.id
	return req
}

func (s *Syncer) newRequest(peer types.NodeID, now time.Time, kind requestKind, target types.Hash) *SyncRequest {
	return &SyncRequest{
		ID:        uuid.New(),
		Peer:      peer,
		Direction: types.Ascending,
		SentAt:    now,
		Deadline:  now.Add(s.cfg.RequestTimeout),
		kind:      kind,
		target:    target,
	}
}

// jobFor returns the job working towards the peer's best block, creating it
// if needed. It returns nil if the peer has nothing better than the local
// best chain to offer.
func (s *Syncer) jobFor(id types.NodeID) *syncJob {
	ps, ok := s.states[id]
	if !ok {
		return nil
	}
	st, ok := s.peers.Get(id)
	if !ok || st.BestHash.IsZero() || st.BestHash == ps.blocked {
		return nil
	}
	if s.tree.Contains(st.BestHash) {
		return nil
	}
	if _, ok := s.fetches[st.BestHash]; ok {
		return nil
	}
	best := s.tree.BestChain()
	if st.BestHeight < best.Number || (st.BestHeight == best.Number && !st.BestHash.Less(best.Hash)) {
		return nil
	}

	job, ok := s.jobs[st.BestHash]
	if !ok {
		job = &syncJob{target: st.BestHash, height: st.BestHeight}
		s.initSearch(job)
		s.jobs[st.BestHash] = job
	}
	if job.dead {
		return nil
	}
	return job
}

// gcJobs forgets jobs that no connected peer can work on.
func (s *Syncer) gcJobs() {
	wanted := make(map[types.Hash]bool)
	for _, p := range s.peers.Peers() {
		wanted[p.BestHash] = true
	}
	for target, job := range s.jobs {
		if len(job.requests) == 0 && !wanted[target] {
			delete(s.jobs, target)
		}
	}
}

func (s *Syncer) issue(req *SyncRequest) bool {
	ps, ok := s.states[req.Peer]
	if !ok || !s.peers.SetOutstanding(req.Peer, req.ID) {
		return false
	}
	s.requests[req.ID] = req
	ps.request = req
	if req.kind == kindProbe {
		ps.state = StateAncestorSearch
	} else {
		ps.state = StateDownloading
	}
	s.metrics.InflightRequests.Set(float64(len(s.requests)))
	return true
}

// finish stops tracking a request, leaving the peer without an outstanding
// request.
func (s *Syncer) finish(req *SyncRequest) {
	delete(s.requests, req.ID)
	s.peers.ClearOutstanding(req.Peer, req.ID)
	if ps, ok := s.states[req.Peer]; ok && ps.request == req {
		ps.request = nil
	}
	if job, ok := s.jobs[req.target]; ok {
		job.dropRequest(req.ID)
	}
	if f, ok := s.fetches[req.target]; ok {
		f.dropRequest(req.ID)
	}
	s.metrics.InflightRequests.Set(float64(len(s.requests)))
}

// cancel drops a request; its response will be ignored.
func (s *Syncer) cancel(req *SyncRequest) {
	if _, ok := s.requests[req.ID]; !ok {
		return
	}
	s.finish(req)
	s.setState(req.Peer, StateIdle)
}

func (s *Syncer) cancelAll(reqs []*SyncRequest) {
	for _, r := range append([]*SyncRequest(nil), reqs...) {
		s.cancel(r)
	}
}

func (s *Syncer) setState(id types.NodeID, state PeerSyncState) {
	if ps, ok := s.states[id]; ok {
		ps.state = state
	}
}

// penalize lowers the peer's reputation. A peer banned as a result is
// forgotten; the peer set queues its disconnection.
func (s *Syncer) penalize(id types.NodeID, delta int32, reason error) {
	if errors.Is(reason, ErrProtocolViolation) {
		s.metrics.ProtocolViolations.Add(1)
	}
	score, banned := s.peers.AdjustReputation(id, delta)
	s.logger.Debug("penalizing peer", "peer", id, "delta", delta, "reputation", score, "err", reason)
	if banned {
		s.logger.Info("banned peer", "peer", id, "err", reason)
		s.RemovePeer(id)
	}
}

func (s *Syncer) jobTargets() []types.Hash {
	targets := make([]types.Hash, 0, len(s.jobs))
	for t := range s.jobs {
		targets = append(targets, t)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Less(targets[j]) })
	return targets
}

func (s *Syncer) fetchesByNumber() []*bodyFetch {
	fs := make([]*bodyFetch, 0, len(s.fetches))
	for _, f := range s.fetches {
		fs = append(fs, f)
	}
	sort.Slice(fs, func(i, j int) bool {
		a, b := fs[i].header, fs[j].header
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Hash.Less(b.Hash)
	})
	return fs
}

func minInt64(first int64, rest ...int64) int64 {
	m := first
	for _, v := range rest {
		if v < m {
			m = v
		}
	}
	return m
}
