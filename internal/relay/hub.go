// Package relay implements the room relay: a websocket server grouping
// connections into rooms and forwarding every message verbatim to the other
// members of the sender's room. The relay never decodes what it forwards.
package relay

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ideasync/internal/infrastructure/observability"
)

const publishTimeout = 2 * time.Second

// Message is one websocket message relayed verbatim.
type Message struct {
	Kind int
	Data []byte
}

// Hub owns the room registry.
type Hub struct {
	// Room members - one room holds every local connection editing an idea
	rooms map[string]map[*Client]struct{}
	mu    sync.RWMutex

	maxMessageBytes int64
	statsInterval   time.Duration
	fanout          Fanout

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	metrics *observability.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithMaxMessageBytes sets the largest message forwarded.
func WithMaxMessageBytes(n int64) HubOption {
	return func(h *Hub) { h.maxMessageBytes = n }
}

// WithFanout shares rooms with other relay instances.
func WithFanout(f Fanout) HubOption {
	return func(h *Hub) { h.fanout = f }
}

// WithTracer traces joins and leaves.
func WithTracer(t trace.Tracer) HubOption {
	return func(h *Hub) { h.tracer = t }
}

// WithStatsInterval sets how often room statistics are logged.
func WithStatsInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.statsInterval = d }
}

// NewHub creates a new hub
func NewHub(metrics *observability.Collector, logger *zap.Logger, opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		rooms:           make(map[string]map[*Client]struct{}),
		maxMessageBytes: 1 << 20,
		statsInterval:   30 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
		metrics:         metrics,
		tracer:          noop.NewTracerProvider().Tracer("relay"),
		logger:          logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts fan-out delivery and logs room statistics until ctx is done,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	if h.fanout != nil {
		if err := h.fanout.Start(ctx, h.deliverRemote); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(h.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return nil
		case <-h.ctx.Done():
			return nil
		case <-ticker.C:
			h.logStats()
		}
	}
}

// Stop closes every connection and the fan-out.
func (h *Hub) Stop() {
	h.stopOnce.Do(h.stop)
}

func (h *Hub) stop() {
	h.cancel()

	h.mu.Lock()
	var clients []*Client
	for _, members := range h.rooms {
		for c := range members {
			clients = append(clients, c)
		}
	}
	h.rooms = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
	h.metrics.ActiveRooms.Set(0)
	h.metrics.ActiveConnections.Set(0)

	if h.fanout != nil {
		if err := h.fanout.Close(); err != nil {
			h.logger.Warn("Failed to close fan-out", zap.Error(err))
		}
	}
	h.logger.Info("Hub stopped", zap.Int("closedConnections", len(clients)))
}

// Join registers a client in its room, creating the room when needed.
func (h *Hub) Join(ctx context.Context, c *Client) {
	_, span := h.tracer.Start(ctx, "relay.join",
		trace.WithAttributes(observability.RoomAttributes(c.room, c.id)...))
	defer span.End()

	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	size := len(members)
	h.mu.Unlock()

	if !ok {
		h.metrics.ActiveRooms.Inc()
	}
	h.metrics.ActiveConnections.Inc()
	h.metrics.Joins.Inc()

	span.SetAttributes(observability.AttrRoomSize.Int(size))
	h.logger.Info("Client joined room",
		zap.String("room", c.room),
		zap.String("connectionID", c.id),
		zap.String("userID", c.userID),
		zap.Int("roomSize", size),
	)
}

// Leave removes a client and drops its room once empty. Safe to call
// more than once.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := members[c]; !member {
		h.mu.Unlock()
		return
	}
	delete(members, c)
	remaining := len(members)
	if remaining == 0 {
		delete(h.rooms, c.room)
	}
	h.mu.Unlock()

	c.closeSend()

	h.metrics.ActiveConnections.Dec()
	if remaining == 0 {
		h.metrics.ActiveRooms.Dec()
	}

	_, span := h.tracer.Start(h.ctx, "relay.leave", trace.WithAttributes(
		append(observability.RoomAttributes(c.room, c.id), observability.AttrRoomSize.Int(remaining))...,
	))
	span.End()

	h.logger.Info("Client left room",
		zap.String("room", c.room),
		zap.String("connectionID", c.id),
		zap.Int("remainingConnections", remaining),
	)
}

// Broadcast forwards msg from a member to every other member of its room
// and, with fan-out enabled, to the other relay instances.
func (h *Hub) Broadcast(from *Client, msg Message) {
	size := len(msg.Data)
	switch {
	case size == 0:
		h.metrics.Dropped(observability.DropEmpty)
		h.logger.Debug("Dropped empty message", zap.String("connectionID", from.id))
		return
	case int64(size) > h.maxMessageBytes:
		h.metrics.Dropped(observability.DropOversized)
		h.logger.Warn("Dropped oversized message",
			zap.String("room", from.room),
			zap.String("connectionID", from.id),
			zap.Int("bytes", size),
			zap.Int64("limit", h.maxMessageBytes),
		)
		return
	case !h.isMember(from):
		h.metrics.Dropped(observability.DropUnregistered)
		h.logger.Warn("Dropped message from unregistered connection",
			zap.String("connectionID", from.id),
		)
		return
	}

	h.metrics.MessagesRelayed.Inc()
	h.metrics.BytesRelayed.Add(float64(size))
	h.deliver(from.room, from, msg)

	if h.fanout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, publishTimeout)
	defer cancel()
	if err := h.fanout.Publish(ctx, from.room, msg); err != nil {
		h.metrics.FanoutFailures.Inc()
		h.logger.Warn("Fan-out publish failed",
			zap.String("room", from.room),
			zap.Error(err),
		)
		return
	}
	h.metrics.FanoutPublished.Inc()
}

func (h *Hub) deliverRemote(room string, msg Message) {
	h.metrics.FanoutReceived.Inc()
	h.deliver(room, nil, msg)
}

// deliver sends msg to every member of room except one. It works on a
// snapshot of the members so slow peers never hold the registry lock; a
// peer whose queue is full is evicted.
func (h *Hub) deliver(room string, except *Client, msg Message) int {
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c != except {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.enqueue(msg) {
			delivered++
			continue
		}
		h.evict(c)
	}
	return delivered
}

func (h *Hub) evict(c *Client) {
	h.metrics.Dropped(observability.DropSlowPeer)
	h.metrics.PeersEvicted.Inc()
	h.logger.Warn("Evicting slow client",
		zap.String("room", c.room),
		zap.String("connectionID", c.id),
	)
	h.Leave(c)
	c.closeConn()
}

func (h *Hub) isMember(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[c.room][c]
	return ok
}

// Rooms returns the member count of every room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]int, len(h.rooms))
	for room, members := range h.rooms {
		out[room] = len(members)
	}
	return out
}

// RoomSize returns the number of local members of a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) logStats() {
	rooms := h.Rooms()
	connections := 0
	for _, n := range rooms {
		connections += n
	}
	h.logger.Debug("Hub statistics",
		zap.Int("rooms", len(rooms)),
		zap.Int("connections", connections),
	)
}
