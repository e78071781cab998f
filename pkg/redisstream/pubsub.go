// Package redisstream builds the watermill pub/sub pair used for room event
// fan-out: an in-process gochannel bus by default, Redis Streams when enabled
// so multiple server instances can share room topics.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Settings holds the Redis Streams transport configuration.
type Settings struct {
	Enabled  bool
	Addr     string
	Group    string
	Consumer string
}

// PubSub bundles a publisher/subscriber pair with a shared shutdown.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
}

func (p *PubSub) Close() error {
	var firstErr error
	if err := p.Publisher.Close(); err != nil {
		firstErr = err
	}
	if err := p.Subscriber.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.client != nil {
		if err := p.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BuildPubSub constructs the event transport. With s.Enabled false it returns
// an in-memory gochannel bus; otherwise a Redis Streams publisher/subscriber
// bound to the configured consumer group.
func BuildPubSub(s Settings, logger zerolog.Logger) (*PubSub, error) {
	wmLogger := NewWatermillLogger(logger)

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, wmLogger)
		return &PubSub{Publisher: ch, Subscriber: ch}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "creating redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, wmLogger)
	if err != nil {
		return nil, errors.Wrap(err, "creating redis stream subscriber")
	}

	tailSub := &groupTailSubscriber{
		Subscriber: sub,
		ensure: func(ctx context.Context, topic string) error {
			return EnsureGroupAtTail(ctx, client, topic, s.Group)
		},
	}
	return &PubSub{Publisher: pub, Subscriber: tailSub, client: client}, nil
}

// groupTailSubscriber creates the consumer group at the stream tail before the
// first read, so subscribing to a topic never replays entries that predate the
// group.
type groupTailSubscriber struct {
	message.Subscriber
	ensure func(ctx context.Context, topic string) error
}

func (s *groupTailSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if err := s.ensure(ctx, topic); err != nil {
		return nil, err
	}
	return s.Subscriber.Subscribe(ctx, topic)
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so first subscribe doesn't replay history.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "creating consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
