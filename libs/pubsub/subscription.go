package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnsubscribed is the termination reason after an explicit
	// Unsubscribe or UnsubscribeAll.
	ErrUnsubscribed = errors.New("client unsubscribed")

	// ErrOutOfCapacity terminates a subscription whose buffer filled up.
	ErrOutOfCapacity = errors.New("client is not pulling messages fast enough")

	// ErrTerminated is the termination reason once the server stops.
	ErrTerminated = errors.New("subscription terminated")
)

// Subscription is a buffered stream of the messages matching one query of
// one client. Once terminated, Canceled is closed and Err tells why.
type Subscription struct {
	id       string
	clientID string
	query    Query
	out      chan Message

	mtx      sync.RWMutex
	err      error
	once     sync.Once
	canceled chan struct{}
}

// NewSubscription returns a subscription buffering up to capacity messages.
// A capacity of 0 makes every publish wait for the reader.
func NewSubscription(clientID string, query Query, capacity int) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		clientID: clientID,
		query:    query,
		out:      make(chan Message, capacity),
		canceled: make(chan struct{}),
	}
}

// ID is unique across all subscriptions of a server.
func (s *Subscription) ID() string { return s.id }

// Out is never closed, so readers should also select on Canceled.
func (s *Subscription) Out() <-chan Message { return s.out }

// Canceled is closed when the subscription terminates.
func (s *Subscription) Canceled() <-chan struct{} { return s.canceled }

// Next returns the next message. Messages buffered before termination are
// still delivered; after that it returns Err, or ctx.Err() when ctx ends
// first.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.out:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.out:
		return msg, nil
	case <-s.canceled:
		return Message{}, s.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Err is nil while the subscription is live, and one of ErrUnsubscribed,
// ErrOutOfCapacity or ErrTerminated afterwards.
func (s *Subscription) Err() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.err
}

// cancel records the first termination reason only.
func (s *Subscription) cancel(err error) {
	s.once.Do(func() {
		s.mtx.Lock()
		s.err = err
		s.mtx.Unlock()
		close(s.canceled)
	})
}

// Message is a published value along with the events it was tagged with.
type Message struct {
	subID  string
	data   interface{}
	events Events
}

func NewMessage(subID string, data interface{}, events Events) Message {
	return Message{subID: subID, data: data, events: events}
}

// SubscriptionID is the ID of the subscription that received msg.
func (msg Message) SubscriptionID() string { return msg.subID }

// Data is the published value, e.g. a types.EventDataBlockImported.
func (msg Message) Data() interface{} { return msg.data }

// Events are the tags msg was published with.
func (msg Message) Events() Events { return msg.events }
