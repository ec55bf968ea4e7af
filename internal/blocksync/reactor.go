package blocksync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/tendermint/forksync/config"
	"github.com/tendermint/forksync/internal/eventbus"
	"github.com/tendermint/forksync/internal/importqueue"
	"github.com/tendermint/forksync/internal/p2p"
	"github.com/tendermint/forksync/internal/peerset"
	"github.com/tendermint/forksync/libs/log"
	tmpubsub "github.com/tendermint/forksync/libs/pubsub"
	"github.com/tendermint/forksync/libs/service"
	"github.com/tendermint/forksync/types"
)

var (
	_ service.Service = (*Reactor)(nil)
	_ p2p.Handler     = (*Reactor)(nil)
)

// eventsBufferSize is the capacity of the reactor's event channel.
const eventsBufferSize = 1024

var errReactorStopped = errors.New("block sync reactor is not running")

// Validator is the import validation hook of the consensus engine. A nil
// error imports the block; any error rejects it.
type Validator interface {
	Validate(ctx context.Context, header types.Header, body *types.Body) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, header types.Header, body *types.Body) error

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, header types.Header, body *types.Body) error {
	return f(ctx, header, body)
}

type eventPublisher interface {
	PublishEventBlockImported(context.Context, types.EventDataBlockImported) error
	PublishEventFinalized(context.Context, types.EventDataFinalized) error
	PublishEventSyncStatus(context.Context, types.EventDataSyncStatus) error
}

type (
	peerUpEvent struct {
		id    types.NodeID
		role  peerset.Role
		errCh chan error
	}
	peerDownEvent struct {
		id types.NodeID
	}
	messageEvent struct {
		from types.NodeID
		msg  types.Message
	}
	importResultEvent struct {
		entry importqueue.Entry
		err   error
	}
	finalizeEvent struct {
		hash  types.Hash
		errCh chan error
	}
)

// Reactor runs the sync engine. A single goroutine owns the Dispatcher and
// everything behind it; transport callbacks, validation results and
// finality signals reach it as events. Validation runs concurrently, at most
// MaxConcurrentValidations calls at a time, each bounded by
// ValidationTimeout.
type Reactor struct {
	service.BaseService
	logger log.Logger

	cfg         *config.SyncConfig
	dispatcher  *Dispatcher
	peers       *peerset.PeerSet
	transport   p2p.Transport
	validator   Validator
	validations *semaphore.Weighted

	eventBus  *eventbus.EventBus
	publisher eventPublisher

	eventsCh chan interface{}
	doneCh   chan struct{}

	mtx    sync.RWMutex
	status SyncStatus
}

// NewReactor returns a new reactor syncing on top of a bootstrapped block
// store. The event bus may be nil, in which case no events are published.
// The transport must be set with SetTransport before the reactor is
// started.
func NewReactor(
	logger log.Logger,
	cfg *config.SyncConfig,
	genesis types.Header,
	peers *peerset.PeerSet,
	store BlockStore,
	validator Validator,
	eventBus *eventbus.EventBus,
	metrics *Metrics,
) (*Reactor, error) {
	dispatcher, err := NewDispatcher(cfg, genesis, peers, store, WithLogger(logger), WithMetrics(metrics))
	if err != nil {
		return nil, err
	}

	r := &Reactor{
		logger:      logger,
		cfg:         cfg,
		dispatcher:  dispatcher,
		peers:       peers,
		validator:   validator,
		validations: semaphore.NewWeighted(int64(cfg.MaxConcurrentValidations)),
		eventBus:    eventBus,
		publisher:   eventbus.NopEventBus{},
		eventsCh:    make(chan interface{}, eventsBufferSize),
		doneCh:      make(chan struct{}),
		status:      dispatcher.Status(),
	}
	if eventBus != nil {
		r.publisher = eventBus
	}

	r.BaseService = *service.NewBaseService(logger, "BlockSync", r)
	return r, nil
}

// SetTransport sets the transport used to reach peers.
func (r *Reactor) SetTransport(t p2p.Transport) {
	r.transport = t
}

// OnStart starts the event loop.
func (r *Reactor) OnStart(ctx context.Context) error {
	if r.transport == nil {
		return errors.New("no transport set")
	}
	go r.processEvents(ctx)
	return nil
}

// OnStop does nothing; the event loop exits when the service context is
// canceled.
func (r *Reactor) OnStop() {}

// Done is closed once the event loop has exited.
func (r *Reactor) Done() <-chan struct{} { return r.doneCh }

// PeerConnected implements p2p.Handler. Peers refused by the peer set get
// the reason back.
func (r *Reactor) PeerConnected(ctx context.Context, id types.NodeID, role peerset.Role) error {
	errCh := make(chan error, 1)
	if err := r.submit(ctx, peerUpEvent{id: id, role: role, errCh: errCh}); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return errReactorStopped
	}
}

// PeerDisconnected implements p2p.Handler.
func (r *Reactor) PeerDisconnected(ctx context.Context, id types.NodeID) {
	if err := r.submit(ctx, peerDownEvent{id: id}); err != nil {
		r.logger.Debug("dropping peer update", "peer", id, "err", err)
	}
}

// Receive implements p2p.Handler.
func (r *Reactor) Receive(ctx context.Context, from types.NodeID, msg types.Message) {
	if err := r.submit(ctx, messageEvent{from: from, msg: msg}); err != nil {
		r.logger.Debug("dropping message", "peer", from, "err", err)
	}
}

// Finalize applies a finality signal for an imported block.
func (r *Reactor) Finalize(ctx context.Context, hash types.Hash) error {
	errCh := make(chan error, 1)
	if err := r.submit(ctx, finalizeEvent{hash: hash, errCh: errCh}); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return errReactorStopped
	}
}

// BestChain returns the height and hash of the best imported block.
func (r *Reactor) BestChain() (int64, types.Hash) {
	s := r.Status()
	return s.BestHeight, s.BestHash
}

// Status returns a snapshot of the sync engine, taken after the last event
// the reactor processed.
func (r *Reactor) Status() SyncStatus {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.status
}

// IsMajorSyncing reports whether the node is far behind one of its peers.
func (r *Reactor) IsMajorSyncing() bool {
	return r.Status().MajorSyncing
}

// PeerCount returns the number of connected peers.
func (r *Reactor) PeerCount() int {
	return r.peers.Len()
}

// Reputation returns the reputation of a known peer.
func (r *Reactor) Reputation(id types.NodeID) (int32, bool) {
	return r.peers.Reputation(id)
}

// Subscribe returns a feed of the blocks imported from now on.
func (r *Reactor) Subscribe(ctx context.Context, clientID string) (eventbus.Subscription, error) {
	if r.eventBus == nil {
		return nil, errors.New("reactor has no event bus")
	}
	return r.eventBus.SubscribeWithArgs(ctx, tmpubsub.SubscribeArgs{
		ClientID: clientID,
		Query:    eventbus.QueryForEvent(types.EventBlockImportedValue),
	})
}

func (r *Reactor) submit(ctx context.Context, ev interface{}) error {
	select {
	case r.eventsCh <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.doneCh:
		return errReactorStopped
	}
}

// processEvents is the single owner of the sync state. After each event,
// and on every tick of the poll interval, it runs a scheduling pass and
// carries out the resulting actions.
func (r *Reactor) processEvents(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.eventsCh:
			r.handleEvent(ctx, ev)
		case <-ticker.C:
		}

		r.execute(ctx, r.dispatcher.Poll())

		r.mtx.Lock()
		r.status = r.dispatcher.Status()
		r.mtx.Unlock()
	}
}

func (r *Reactor) handleEvent(ctx context.Context, ev interface{}) {
	switch ev := ev.(type) {
	case peerUpEvent:
		err := r.dispatcher.OnPeerConnected(ev.id, ev.role)
		if err != nil {
			r.logger.Debug("refused peer", "peer", ev.id, "role", ev.role, "err", err)
		} else {
			r.logger.Debug("peer connected", "peer", ev.id, "role", ev.role)
		}
		ev.errCh <- err

	case peerDownEvent:
		r.logger.Debug("peer disconnected", "peer", ev.id)
		r.dispatcher.OnPeerDisconnected(ev.id)

	case messageEvent:
		if err := r.dispatcher.OnMessage(ev.from, ev.msg); err != nil {
			r.logger.Error("failed to process message", "peer", ev.from, "msg", fmt.Sprintf("%T", ev.msg), "err", err)
		}

	case importResultEvent:
		outcome := importqueue.Imported
		if ev.err != nil {
			outcome = importqueue.Rejected
		}
		h := ev.entry.Header
		if !r.dispatcher.OnImportResult(h.Hash, outcome, ev.err) || outcome != importqueue.Imported {
			return
		}
		if err := r.publisher.PublishEventBlockImported(ctx, types.EventDataBlockImported{
			Hash:   h.Hash,
			Height: h.Number,
			Peer:   ev.entry.Origin,
		}); err != nil {
			r.logger.Error("failed to publish imported block", "height", h.Number, "err", err)
		}

	case finalizeEvent:
		path, err := r.dispatcher.Finalize(ev.hash)
		ev.errCh <- err
		if err != nil || len(path) == 0 {
			return
		}
		last := path[len(path)-1]
		if err := r.publisher.PublishEventFinalized(ctx, types.EventDataFinalized{
			Hash:   last.Hash,
			Height: last.Number,
			Blocks: path,
		}); err != nil {
			r.logger.Error("failed to publish finalized block", "height", last.Number, "err", err)
		}

	default:
		panic(fmt.Sprintf("blocksync: unknown event %T", ev))
	}
}

func (r *Reactor) execute(ctx context.Context, actions []Action) {
	for _, a := range actions {
		switch a := a.(type) {
		case SendAction:
			if err := r.transport.Send(ctx, a.To, a.Message); err != nil {
				r.logger.Debug("failed to send message", "peer", a.To, "msg", fmt.Sprintf("%T", a.Message), "err", err)
			}

		case DisconnectAction:
			r.logger.Info("disconnecting peer", "peer", a.Peer, "reason", a.Reason)
			if err := r.transport.Disconnect(ctx, a.Peer, a.Reason); err != nil {
				r.logger.Error("failed to disconnect peer", "peer", a.Peer, "err", err)
			}

		case ValidateAction:
			go r.validate(ctx, a.Entry)

		case SyncStatusAction:
			if a.Syncing {
				r.logger.Info("major syncing", "height", a.Height)
			} else {
				r.logger.Info("caught up with peers", "height", a.Height)
			}
			if err := r.publisher.PublishEventSyncStatus(ctx, types.EventDataSyncStatus{
				Complete: !a.Syncing,
				Height:   a.Height,
			}); err != nil {
				r.logger.Error("failed to publish sync status", "err", err)
			}
		}
	}
}

// validate runs the validation hook on one block and reports the result to
// the event loop. A hook exceeding ValidationTimeout rejects the block.
func (r *Reactor) validate(ctx context.Context, entry importqueue.Entry) {
	if err := r.validations.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.validations.Release(1)

	vctx, cancel := context.WithTimeout(ctx, r.cfg.ValidationTimeout)
	defer cancel()

	resCh := make(chan error, 1)
	go func() {
		resCh <- r.callValidator(vctx, entry)
	}()

	var err error
	select {
	case err = <-resCh:
	case <-vctx.Done():
		if ctx.Err() != nil {
			return
		}
		err = fmt.Errorf("validation of %v timed out: %w", entry.Header, vctx.Err())
	}

	select {
	case r.eventsCh <- importResultEvent{entry: entry, err: err}:
	case <-ctx.Done():
	}
}

// callValidator recovers from panics in the hook, which reject the block.
func (r *Reactor) callValidator(ctx context.Context, entry importqueue.Entry) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = fmt.Errorf("panic in validation hook: %v", e)
			r.logger.Error(
				"recovering from validation hook panic",
				"height", entry.Header.Number,
				"err", err,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return r.validator.Validate(ctx, entry.Header, entry.Body)
}
