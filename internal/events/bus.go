// Package events publishes committed session changes on a watermill bus so
// dashboards and other processes can follow them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Topic carries every session event.
const Topic = "handoff.sessions"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// subscriberBuffer bounds how far a slow subscriber may fall behind before
// events are dropped for it.
const subscriberBuffer = 64

// Config selects the bus backend.
type Config struct {
	Backend   string
	RedisAddr string
}

// Bus fans session events out to subscribers.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *slog.Logger
	close  []func() error
}

// New builds a bus for cfg. The redis backend is checked with a PING so a
// bad address fails at startup.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case "", BackendMemory:
		return NewInMemory(logger), nil
	case BackendRedis:
		return NewRedis(ctx, cfg.RedisAddr, logger)
	default:
		return nil, fmt.Errorf("%w: unknown events backend %q", domain.ErrInvalidArgument, cfg.Backend)
	}
}

// NewInMemory returns a process-local bus.
func NewInMemory(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	wlog := watermill.NewSlogLogger(logger)
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            subscriberBuffer,
		BlockPublishUntilSubscriberAck: true,
	}, wlog)
	return &Bus{pub: ch, sub: ch, logger: logger, close: []func() error{ch.Close}}
}

// NewRedis returns a bus backed by a Redis stream. Each subscriber reads
// the stream independently so every process sees every event.
func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Bus, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: redis address is required", domain.ErrInvalidArgument)
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, domain.Unavailable("ping redis "+addr, err)
	}

	wlog := watermill.NewSlogLogger(logger)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create redis publisher: %w", err)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: marshaler,
	}, wlog)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("create redis subscriber: %w", err)
	}
	return &Bus{
		pub:    pub,
		sub:    sub,
		logger: logger,
		close:  []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Publish sends ev to every subscriber.
func (b *Bus) Publish(ev domain.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if ev.Session != nil {
		msg.Metadata.Set("session", ev.Session.Name)
	}
	msg.Metadata.Set("kind", string(ev.Kind))
	if err := b.pub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// SessionChanged publishes committed changes. The change is already durable,
// so a failed publish is logged rather than returned.
func (b *Bus) SessionChanged(_ context.Context, ev domain.SessionEvent) {
	if err := b.Publish(ev); err != nil {
		name := ""
		if ev.Session != nil {
			name = ev.Session.Name
		}
		b.logger.Warn("failed to publish session event", "session", name, "kind", ev.Kind, "error", err)
	}
}

// Subscribe streams decoded events until ctx is cancelled. Events that
// arrive while the returned channel is full are dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan domain.SessionEvent, error) {
	msgs, err := b.sub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Topic, err)
	}
	out := make(chan domain.SessionEvent, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev domain.SessionEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("dropping undecodable session event", "message_id", msg.UUID, "error", err)
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			default:
				b.logger.Warn("subscriber behind, dropping session event", "kind", ev.Kind)
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close releases the backend.
func (b *Bus) Close() error {
	var errs []error
	for _, c := range b.close {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
