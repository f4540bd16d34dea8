package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"ideasync/internal/resilience"
)

// Fanout shares room traffic between relay instances.
type Fanout interface {
	// Start begins delivering messages published by other instances.
	Start(ctx context.Context, deliver func(room string, msg Message)) error
	// Publish sends a message accepted locally to the other instances.
	Publish(ctx context.Context, room string, msg Message) error
	Close() error
}

var errBadEnvelope = errors.New("malformed fan-out envelope")

// RedisFanout publishes every relayed message on a per-room Redis channel
// and pattern-subscribes to all rooms. Each instance tags its publishes and
// skips its own on receipt, so local members never see a message twice.
type RedisFanout struct {
	client     *redis.Client
	prefix     string
	instanceID string
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewRedisFanout creates a fan-out over client using channels named
// prefix+room.
func NewRedisFanout(client *redis.Client, prefix string, logger *zap.Logger) *RedisFanout {
	cbConfig := resilience.DefaultCircuitBreakerConfig("redis-fanout")
	return &RedisFanout{
		client:     client,
		prefix:     prefix,
		instanceID: uuid.New().String(),
		breaker:    resilience.NewCircuitBreaker(cbConfig, logger),
		logger:     logger.With(zap.String("component", "fanout")),
	}
}

// InstanceID identifies this relay in envelopes.
func (f *RedisFanout) InstanceID() string {
	return f.instanceID
}

func (f *RedisFanout) Start(ctx context.Context, deliver func(room string, msg Message)) error {
	pubsub := f.client.PSubscribe(ctx, f.prefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s*: %w", f.prefix, err)
	}

	done := make(chan struct{})
	f.mu.Lock()
	f.pubsub = pubsub
	f.done = done
	f.mu.Unlock()

	go func() {
		defer close(done)
		for m := range pubsub.Channel() {
			origin, msg, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				f.logger.Warn("Skipping fan-out message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			if origin == f.instanceID {
				continue
			}
			deliver(strings.TrimPrefix(m.Channel, f.prefix), msg)
		}
	}()

	f.logger.Info("Fan-out started",
		zap.String("instanceID", f.instanceID),
		zap.String("pattern", f.prefix+"*"),
	)
	return nil
}

func (f *RedisFanout) Publish(ctx context.Context, room string, msg Message) error {
	payload := encodeEnvelope(f.instanceID, msg)
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.client.Publish(ctx, f.prefix+room, payload).Err()
	})
	return err
}

func (f *RedisFanout) Close() error {
	f.mu.Lock()
	pubsub, done := f.pubsub, f.done
	f.pubsub = nil
	f.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	return err
}

// Envelope layout: kind (1 byte), instance id length (1 byte), instance id,
// then the message bytes untouched.
func encodeEnvelope(instanceID string, msg Message) []byte {
	buf := make([]byte, 0, 2+len(instanceID)+len(msg.Data))
	buf = append(buf, byte(msg.Kind), byte(len(instanceID)))
	buf = append(buf, instanceID...)
	return append(buf, msg.Data...)
}

func decodeEnvelope(b []byte) (string, Message, error) {
	if len(b) < 2 {
		return "", Message{}, errBadEnvelope
	}
	n := int(b[1])
	if len(b) < 2+n {
		return "", Message{}, errBadEnvelope
	}
	return string(b[2 : 2+n]), Message{Kind: int(b[0]), Data: b[2+n:]}, nil
}
