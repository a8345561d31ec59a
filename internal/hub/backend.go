package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
)

// Backend wraps transport setup (in-memory or redis) and exposes the
// publisher and subscriber used by the Hub.
type Backend interface {
	Publisher() message.Publisher
	Subscriber() message.Subscriber
	Close() error
}

type memoryBackend struct {
	ch *gochannel.GoChannel
}

// NewMemoryBackend returns a process-local backend. Publish waits for every
// subscriber to ack, so a topic's messages arrive in publish order.
func NewMemoryBackend(logger *slog.Logger) Backend {
	if logger == nil {
		logger = slog.Default()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, watermill.NewSlogLogger(logger))
	return &memoryBackend{ch: ch}
}

func (b *memoryBackend) Publisher() message.Publisher   { return b.ch }
func (b *memoryBackend) Subscriber() message.Subscriber { return b.ch }
func (b *memoryBackend) Close() error                   { return b.ch.Close() }

type redisBackend struct {
	client redis.UniversalClient
	owned  bool
	pub    message.Publisher
	sub    message.Subscriber
}

// NewRedisBackend connects to Redis at addr and returns a Redis Streams backend.
func NewRedisBackend(ctx context.Context, addr string, logger *slog.Logger) (Backend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	b, err := NewRedisBackendWithClient(client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.(*redisBackend).owned = true
	return b, nil
}

// NewRedisBackendWithClient builds a Redis Streams backend on an existing client.
// Subscribers run in fan-out mode (no consumer group) so every instance sees every event.
func NewRedisBackendWithClient(client redis.UniversalClient, logger *slog.Logger) (Backend, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		return nil, fmt.Errorf("create redis stream publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create redis stream subscriber: %w", err)
	}
	return &redisBackend{client: client, pub: pub, sub: sub}, nil
}

func (b *redisBackend) Publisher() message.Publisher   { return b.pub }
func (b *redisBackend) Subscriber() message.Subscriber { return b.sub }

func (b *redisBackend) Close() error {
	errs := []error{b.sub.Close(), b.pub.Close()}
	if b.owned {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
