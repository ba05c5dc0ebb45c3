package registry

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// TopicEvents carries registry Event payloads (JSON).
const TopicEvents = "registry.events"

// Bus is the in-process pub/sub fabric the registry publishes on. The
// scheduler consumes a raw subscription; journal and UI attach router
// handlers.
type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

func NewInMemoryBus() (*Bus, error) {
	logger := watermill.NopLogger{}
	// Transitions must reach subscribers in publish order: the scheduler
	// decides from the event sequence, not from snapshots. Blocking until
	// ack serializes delivery per topic; every consumer acks before doing
	// any slow work.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1024,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) AddHandler(name string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, TopicEvents, b.Subscriber, handler)
}

// Run starts the router and closes it when ctx is cancelled. Handlers
// added before Run receive every subsequent event.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}
