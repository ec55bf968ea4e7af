package eventbus

import (
	"context"
	"fmt"

	"github.com/tendermint/forksync/libs/log"
	tmpubsub "github.com/tendermint/forksync/libs/pubsub"
	"github.com/tendermint/forksync/libs/service"
	"github.com/tendermint/forksync/types"
)

// Subscription is a proxy interface for a pubsub Subscription.
type Subscription interface {
	ID() string
	Next(context.Context) (tmpubsub.Message, error)
}

// EventBus is a common bus for all events going through the system.
// It is a type-aware wrapper around an underlying pubsub server.
// All events should be published via the bus.
type EventBus struct {
	service.BaseService
	pubsub *tmpubsub.Server
	logger log.Logger
}

// NewDefault returns a new event bus with default options.
func NewDefault(l log.Logger) *EventBus {
	logger := l.With("module", "eventbus")
	pubsub := tmpubsub.NewServer(logger, tmpubsub.BufferCapacity(0))
	b := &EventBus{pubsub: pubsub, logger: logger}
	b.BaseService = *service.NewBaseService(logger, "EventBus", b)
	return b
}

func (b *EventBus) OnStart(ctx context.Context) error {
	return b.pubsub.Start(ctx)
}

func (b *EventBus) OnStop() {
	b.pubsub.Stop()
}

func (b *EventBus) NumClients() int {
	return b.pubsub.NumClients()
}

func (b *EventBus) NumClientSubscriptions(clientID string) int {
	return b.pubsub.NumClientSubscriptions(clientID)
}

func (b *EventBus) SubscribeWithArgs(ctx context.Context, args tmpubsub.SubscribeArgs) (Subscription, error) {
	sub, err := b.pubsub.SubscribeWithArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (b *EventBus) Unsubscribe(ctx context.Context, args tmpubsub.UnsubscribeArgs) error {
	return b.pubsub.Unsubscribe(ctx, args)
}

func (b *EventBus) UnsubscribeAll(ctx context.Context, subscriber string) error {
	return b.pubsub.UnsubscribeAll(ctx, subscriber)
}

// Publish publishes eventData tagged with the given event type.
func (b *EventBus) Publish(ctx context.Context, eventValue string, eventData interface{}) error {
	return b.pubsub.PublishWithEvents(ctx, eventData, tmpubsub.Events{types.EventTypeKey: eventValue})
}

// PublishEventBlockImported also tags the event with the block height, so
// subscribers can wait for a particular block.
func (b *EventBus) PublishEventBlockImported(ctx context.Context, data types.EventDataBlockImported) error {
	return b.pubsub.PublishWithEvents(ctx, data, tmpubsub.Events{
		types.EventTypeKey: types.EventBlockImportedValue,
		"height":           fmt.Sprintf("%d", data.Height),
	})
}

func (b *EventBus) PublishEventFinalized(ctx context.Context, data types.EventDataFinalized) error {
	return b.Publish(ctx, types.EventFinalizedValue, data)
}

func (b *EventBus) PublishEventSyncStatus(ctx context.Context, data types.EventDataSyncStatus) error {
	return b.Publish(ctx, types.EventSyncStatusValue, data)
}

// QueryForEvent returns a query matching events of the given type.
func QueryForEvent(eventValue string) tmpubsub.Query {
	return tmpubsub.MatchEvent(types.EventTypeKey, eventValue)
}

//-----------------------------------------------------------------------------

// NopEventBus discards all events.
type NopEventBus struct{}

func (NopEventBus) PublishEventBlockImported(context.Context, types.EventDataBlockImported) error {
	return nil
}

func (NopEventBus) PublishEventFinalized(context.Context, types.EventDataFinalized) error {
	return nil
}

func (NopEventBus) PublishEventSyncStatus(context.Context, types.EventDataSyncStatus) error {
	return nil
}
