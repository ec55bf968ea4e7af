// Package pubsub implements a pub-sub model with a single publisher (Server)
// and multiple subscribers (clients).
//
// Though you can have multiple publishers by sharing a pointer to a server or
// by giving the same channel to each publisher and publishing messages from
// that channel (fan-in).
//
// Clients subscribe for messages, which could be of any type, using a query.
// When some message is published, we match its events against all queries.
// If there is a match, the message is pushed to every client subscribed to
// that query.
//
// Delivery never blocks the publisher: a subscriber that stops pulling
// messages until its buffer fills up is canceled with ErrOutOfCapacity.
//
//	sub, err := s.SubscribeWithArgs(ctx, pubsub.SubscribeArgs{
//		ClientID: "indexer",
//		Query:    pubsub.MatchEvent("type", "block_imported"),
//	})
//	for {
//		msg, err := sub.Next(ctx)
//		if err != nil {
//			return err
//		}
//		// handle msg.Data()
//	}
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tendermint/forksync/libs/log"
	"github.com/tendermint/forksync/libs/service"
)

const defaultSubscriptionCapacity = 100

var (
	// ErrSubscriptionNotFound is returned when a client tries to unsubscribe
	// from not existing subscription.
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrAlreadySubscribed is returned when a client tries to subscribe twice or
	// more using the same query.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrServerStopped is returned when attempting to publish or subscribe to
	// a server that has been stopped.
	ErrServerStopped = errors.New("pubsub server is stopped")
)

// Events are the key/value attributes a message is published with. Queries
// are matched against them.
type Events map[string]string

// Query defines an interface for a query to be used for subscribing.
type Query interface {
	Matches(events Events) bool
	String() string
}

// All matches every message.
type All struct{}

func (All) Matches(Events) bool { return true }
func (All) String() string      { return "all" }

type eventQuery struct{ key, value string }

// MatchEvent returns a query matching messages published with key=value.
func MatchEvent(key, value string) Query { return eventQuery{key: key, value: value} }

func (q eventQuery) Matches(events Events) bool {
	v, ok := events[q.key]
	return ok && v == q.value
}

func (q eventQuery) String() string { return fmt.Sprintf("%s='%s'", q.key, q.value) }

// SubscribeArgs are the parameters to create a new subscription.
type SubscribeArgs struct {
	ClientID string // Client ID
	Query    Query  // filter query for events (required)
	Limit    int    // subscription queue capacity; 0 means the default
}

// UnsubscribeArgs are the parameters to remove a subscription.
type UnsubscribeArgs struct {
	Subscriber string // subscriber ID chosen by the client (required)
	ID         string // subscription ID (assigned by the server)
	Query      Query  // the query registered with the subscription
}

// Validate returns nil if args are valid to identify a subscription to remove.
// Otherwise, it reports an error.
func (args UnsubscribeArgs) Validate() error {
	if args.Subscriber == "" {
		return errors.New("must specify a subscriber")
	}
	if args.ID == "" && args.Query == nil {
		return fmt.Errorf("subscription is not fully defined [subscriber=%q]", args.Subscriber)
	}
	return nil
}

type envelope struct {
	data   interface{}
	events Events
}

// Server allows clients to subscribe/unsubscribe for messages, publishing
// messages with or without events, and manages internal state.
type Server struct {
	service.BaseService
	logger log.Logger

	queue  chan envelope
	cmdCap int

	mtx sync.RWMutex
	// client -> query string -> subscription
	subs    map[string]map[string]*Subscription
	stopped bool
}

// Option sets a parameter for the server.
type Option func(*Server)

// NewServer returns a new server. See the commentary on the Option functions
// for a detailed description of how to configure buffering. If no options are
// provided, the resulting server's queue is unbuffered.
func NewServer(logger log.Logger, options ...Option) *Server {
	s := &Server{
		logger: logger,
		subs:   make(map[string]map[string]*Subscription),
	}
	s.BaseService = *service.NewBaseService(logger, "PubSub", s)

	for _, option := range options {
		option(s)
	}

	// if BufferCapacity option was not set, the channel is unbuffered
	s.queue = make(chan envelope, s.cmdCap)
	return s
}

// BufferCapacity allows you to specify capacity for publisher's queue. This
// is the number of messages that can be published without blocking. If no
// buffer is specified, publishing is synchronous with delivery. This function
// will panic if cap < 0.
func BufferCapacity(cap int) Option {
	if cap < 0 {
		panic("negative buffer capacity")
	}
	return func(s *Server) { s.cmdCap = cap }
}

// BufferCapacity returns capacity of the publication queue.
func (s *Server) BufferCapacity() int { return cap(s.queue) }

// SubscribeWithArgs creates a subscription for the given arguments. It is an
// error if the query is nil, a subscription already exists for the specified
// client ID and query, or if the server is stopped.
func (s *Server) SubscribeWithArgs(ctx context.Context, args SubscribeArgs) (*Subscription, error) {
	if args.Query == nil {
		return nil, errors.New("query is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultSubscriptionCapacity
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.stopped {
		return nil, ErrServerStopped
	}
	qs := args.Query.String()
	if _, ok := s.subs[args.ClientID][qs]; ok {
		return nil, ErrAlreadySubscribed
	}

	sub := NewSubscription(args.ClientID, args.Query, limit)
	if s.subs[args.ClientID] == nil {
		s.subs[args.ClientID] = make(map[string]*Subscription)
	}
	s.subs[args.ClientID][qs] = sub
	return sub, nil
}

// Unsubscribe removes the subscription for the given client and/or query. It
// returns ErrSubscriptionNotFound if no such subscription exists.
func (s *Server) Unsubscribe(ctx context.Context, args UnsubscribeArgs) error {
	if err := args.Validate(); err != nil {
		return err
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for qs, sub := range s.subs[args.Subscriber] {
		if (args.ID != "" && sub.ID() == args.ID) || (args.Query != nil && qs == args.Query.String()) {
			s.removeLocked(args.Subscriber, qs, ErrUnsubscribed)
			return nil
		}
	}
	return ErrSubscriptionNotFound
}

// UnsubscribeAll removes all subscriptions for the given client ID.
func (s *Server) UnsubscribeAll(ctx context.Context, clientID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if len(s.subs[clientID]) == 0 {
		return ErrSubscriptionNotFound
	}
	for qs := range s.subs[clientID] {
		s.removeLocked(clientID, qs, ErrUnsubscribed)
	}
	return nil
}

// NumClients returns the number of clients.
func (s *Server) NumClients() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.subs)
}

// NumClientSubscriptions returns the number of subscriptions the client has.
func (s *Server) NumClientSubscriptions(clientID string) int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.subs[clientID])
}

// Publish publishes the given message. An error will be returned to the caller
// if the context is canceled.
func (s *Server) Publish(ctx context.Context, msg interface{}) error {
	return s.PublishWithEvents(ctx, msg, Events{})
}

// PublishWithEvents publishes the given message with the set of events. The
// events are matched against the clients' queries and the message is
// delivered to every matching subscription.
func (s *Server) PublishWithEvents(ctx context.Context, msg interface{}, events Events) error {
	s.mtx.RLock()
	stopped := s.stopped
	s.mtx.RUnlock()
	if stopped {
		return ErrServerStopped
	}

	select {
	case s.queue <- envelope{data: msg, events: events}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStart implements Service.OnStart by starting the server.
func (s *Server) OnStart(ctx context.Context) error {
	go s.run(ctx)
	return nil
}

// OnStop implements Service.OnStop by shutting down the server.
func (s *Server) OnStop() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.stopped = true
}

func (s *Server) run(ctx context.Context) {
	defer func() {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.stopped = true
		for clientID, qmap := range s.subs {
			for qs := range qmap {
				s.removeLocked(clientID, qs, ErrTerminated)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.queue:
			s.send(env)
		}
	}
}

func (s *Server) send(env envelope) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for clientID, qmap := range s.subs {
		for qs, sub := range qmap {
			if !sub.query.Matches(env.events) {
				continue
			}
			select {
			case sub.out <- NewMessage(sub.ID(), env.data, env.events):
			default:
				s.logger.Error("subscription is not pulling messages fast enough, canceling",
					"client", clientID, "query", qs)
				s.removeLocked(clientID, qs, ErrOutOfCapacity)
			}
		}
	}
}

// removeLocked cancels and forgets one subscription. The caller holds s.mtx.
func (s *Server) removeLocked(clientID, qs string, reason error) {
	sub, ok := s.subs[clientID][qs]
	if !ok {
		return
	}
	sub.cancel(reason)
	delete(s.subs[clientID], qs)
	if len(s.subs[clientID]) == 0 {
		delete(s.subs, clientID)
	}
}
