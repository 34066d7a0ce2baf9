// Package broadcast fans outbound events out to monitoring rooms and single
// connections. Delivery is a non-blocking enqueue per subscriber: a full
// subscriber buffer drops the message for that subscriber only.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-proctor/internal/metrics"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const mirrorTimeout = 2 * time.Second

// Subscriber is one outbound connection.
type Subscriber interface {
	ID() string
	Send(msg ws.Message) bool
	Close()
}

// RoomSource resolves an exam's monitoring room to connection ids.
type RoomSource interface {
	RoomMembers(examID string) []string
}

// Mirror republishes room traffic outside the process.
type Mirror interface {
	Publish(ctx context.Context, examID string, msg ws.Message) error
}

// Hub maps connection ids to subscribers and delivers events to them.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]Subscriber

	rooms   RoomSource
	mirror  Mirror
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time

	delivered atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithMirror also publishes every room message through m.
func WithMirror(m Mirror) Option { return func(h *Hub) { h.mirror = m } }

// WithMetrics reports delivery outcomes to m.
func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

// NewHub creates a Hub resolving rooms through rooms.
func NewHub(rooms RoomSource, log zerolog.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:  make(map[string]Subscriber),
		rooms: rooms,
		log:   log.With().Str("component", "broadcast").Logger(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds a subscriber.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subs[sub.ID()] = sub
	h.mu.Unlock()
}

// Unregister removes a subscriber without closing it.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Get returns a registered subscriber.
func (h *Hub) Get(id string) (Subscriber, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sub, ok := h.subs[id]
	return sub, ok
}

// Message stamps an outbound message.
func (h *Hub) Message(event ws.Event, data any) ws.Message {
	return ws.Message{Event: event, Data: data, Timestamp: h.now().UnixMilli()}
}

// SendTo delivers one event to one connection.
func (h *Hub) SendTo(connID string, event ws.Event, data any) bool {
	sub, ok := h.Get(connID)
	if !ok {
		return false
	}
	return h.deliver(sub, h.Message(event, data))
}

// ToExam delivers one event to every observer in the exam's monitoring room
// and returns how many accepted it.
func (h *Hub) ToExam(examID string, event ws.Event, data any) int {
	msg := h.Message(event, data)
	members := h.rooms.RoomMembers(examID)

	h.mu.RLock()
	targets := make([]Subscriber, 0, len(members))
	for _, id := range members {
		if sub, ok := h.subs[id]; ok {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if h.deliver(sub, msg) {
			delivered++
		}
	}

	if h.mirror != nil {
		go h.publish(examID, msg)
	}
	return delivered
}

func (h *Hub) deliver(sub Subscriber, msg ws.Message) bool {
	if sub.Send(msg) {
		h.delivered.Add(1)
		if h.metrics != nil {
			h.metrics.Broadcasts.WithLabelValues("delivered").Inc()
		}
		return true
	}
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.Broadcasts.WithLabelValues("dropped").Inc()
	}
	h.log.Warn().Str("conn_id", sub.ID()).Str("event", string(msg.Event)).Msg("Subscriber buffer full, message dropped")
	return false
}

func (h *Hub) publish(examID string, msg ws.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.mirror.Publish(ctx, examID, msg); err != nil {
		h.log.Error().Err(err).Str("exam_id", examID).Msg("Mirror publish failed")
	}
}

// Disconnect closes and unregisters a subscriber.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// Stats returns the hub counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{Subscribers: n, Delivered: h.delivered.Load(), Dropped: h.dropped.Load()}
}
