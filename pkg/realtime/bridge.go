package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/pulse/pkg/observability"
)

// DefaultChannel is the Redis pub/sub channel shared by all replicas
const DefaultChannel = "pulse:realtime"

type envelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisBridge relays hub traffic between replicas over Redis pub/sub
type RedisBridge struct {
	client  *redis.Client
	hub     *Hub
	channel string
	origin  string
	logger  *observability.Logger
	metrics *observability.Metrics

	out chan Message
}

// NewRedisBridge creates a bridge and registers it as a relay on hub. Run must be called to
// start moving messages.
func NewRedisBridge(client *redis.Client, hub *Hub, channel string, logger *observability.Logger, metrics *observability.Metrics) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	b := &RedisBridge{
		client:  client,
		hub:     hub,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.WithField("component", "realtime_bridge"),
		metrics: metrics,
		out:     make(chan Message, 256),
	}
	hub.AddRelay(b.enqueue)
	return b
}

// Origin returns the id this replica stamps on outgoing messages
func (b *RedisBridge) Origin() string {
	return b.origin
}

func (b *RedisBridge) enqueue(msg Message) {
	select {
	case b.out <- msg:
	default:
		b.metrics.RealtimeDropped()
	}
}

// Run subscribes to the channel and pumps messages both ways until ctx is done
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	incoming := pubsub.Channel()

	b.logger.WithField("origin", b.origin).Info("Realtime bridge started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.out:
			if err := b.publish(ctx, msg); err != nil {
				b.logger.WithError(err).Warn("Failed to relay realtime message")
			}
		case raw, ok := <-incoming:
			if !ok {
				return fmt.Errorf("subscription to %s closed", b.channel)
			}
			b.receive(raw.Payload)
		}
	}
}

func (b *RedisBridge) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(envelope{Origin: b.origin, Message: msg})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.client.Publish(ctx, b.channel, body).Err()
}

func (b *RedisBridge) receive(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.WithError(err).Warn("Discarding malformed realtime message")
		return
	}
	if env.Origin == b.origin {
		return
	}
	b.hub.Deliver(env.Message)
}
