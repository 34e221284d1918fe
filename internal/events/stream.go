package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/metrics"
)

// Appender persists events durably; implemented by the event store.
type Appender interface {
	Append(ctx context.Context, evt Event) error
}

// Stream is the single push channel for execution events: it persists each
// event, fans it out to live subscribers and optionally mirrors it to Redis.
// Per instance, emitted timestamps are monotonically non-decreasing and
// delivery order is the emission (causal) order.
type Stream struct {
	manager *Manager
	store   Appender
	mirror  *Mirror
	logger  *zap.Logger

	mu       sync.Mutex
	lastTime map[string]time.Time
}

// NewStream wires the live manager, the durable store and an optional
// Redis mirror (nil to disable).
func NewStream(manager *Manager, store Appender, mirror *Mirror, logger *zap.Logger) *Stream {
	return &Stream{
		manager:  manager,
		store:    store,
		mirror:   mirror,
		logger:   logger,
		lastTime: make(map[string]time.Time),
	}
}

// Emit stamps, persists and broadcasts the event. The sequence number is
// assigned before the durable write, so stored rows replay in stream order,
// and the write happens before the live push so replay never misses a
// delivered event.
func (s *Stream) Emit(ctx context.Context, evt Event) {
	s.mu.Lock()
	now := time.Now().UTC()
	if last, ok := s.lastTime[evt.InstanceID]; ok && now.Before(last) {
		now = last
	}
	s.lastTime[evt.InstanceID] = now
	if evt.Timestamp.IsZero() {
		evt.Timestamp = now
	}
	s.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(evt.Type).Inc()

	evt = s.manager.Assign(evt)

	if s.store != nil {
		if err := s.store.Append(ctx, evt); err != nil {
			metrics.EventStoreErrors.Inc()
			s.logger.Error("event store append failed",
				zap.String("instance_id", evt.InstanceID),
				zap.String("type", evt.Type),
				zap.Error(err))
		}
	}

	s.manager.Broadcast(evt)

	if s.mirror != nil {
		s.mirror.Append(ctx, evt)
	}
}

// Subscribe exposes the live manager for transports.
func (s *Stream) Subscribe(instanceID string, buffer int) chan Event {
	return s.manager.Subscribe(instanceID, buffer)
}

// Unsubscribe releases a subscriber channel.
func (s *Stream) Unsubscribe(instanceID string, ch chan Event) {
	s.manager.Unsubscribe(instanceID, ch)
}

// ReplaySince returns the in-memory backlog past the given sequence number.
func (s *Stream) ReplaySince(instanceID string, since uint64) []Event {
	return s.manager.ReplaySince(instanceID, since)
}

// Forget releases per-instance bookkeeping once an instance has ended.
func (s *Stream) Forget(instanceID string) {
	s.mu.Lock()
	delete(s.lastTime, instanceID)
	s.mu.Unlock()
	s.manager.Drop(instanceID)
}
