// Package bus implements the correlation-keyed message queue used by
// receive tasks, message events and inbound webhooks. Matching is exact on
// (messageRef, correlationKey); an empty key is a distinct key of its own and
// never matches keyed publishes. One publish completes at most one waiter;
// competing waiters for the same key are served first-registered-first.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/orchestrator/internal/metrics"
)

// ErrTimeout is returned by Await when the deadline elapses before a
// matching message arrives.
var ErrTimeout = errors.New("timeout waiting for message")

// Message is a delivered or queued correlation message.
type Message struct {
	MessageRef     string                 `json:"messageRef"`
	CorrelationKey string                 `json:"correlationKey"`
	Payload        map[string]interface{} `json:"payload"`
	ReceivedAt     time.Time              `json:"receivedAt"`
}

type key struct{ ref, corr string }

type waiter struct {
	taskID string
	ch     chan Message
	done   bool
}

// Stats summarises the bus state for introspection endpoints.
type Stats struct {
	QueuedMessages  int      `json:"queuedMessages"`
	WaitingTasks    int      `json:"waitingTasks"`
	CorrelationKeys []string `json:"correlationKeys"`
}

// Bus is the in-process message broker. Safe for concurrent use.
type Bus struct {
	mu      sync.Mutex
	queues  map[key][]Message
	waiters map[key][]*waiter
	ttl     time.Duration
	logger  *zap.Logger
}

// New creates a bus. ttl bounds retention of undelivered messages; zero
// retains them until explicitly cleared (instance end).
func New(ttl time.Duration, logger *zap.Logger) *Bus {
	return &Bus{
		queues:  make(map[key][]Message),
		waiters: make(map[key][]*waiter),
		ttl:     ttl,
		logger:  logger,
	}
}

// Publish delivers the message to the first live waiter for the key, or
// enqueues it. Reports whether a waiter consumed it.
func (b *Bus) Publish(messageRef, correlationKey string, payload map[string]interface{}) bool {
	msg := Message{
		MessageRef:     messageRef,
		CorrelationKey: correlationKey,
		Payload:        payload,
		ReceivedAt:     time.Now().UTC(),
	}
	k := key{messageRef, correlationKey}

	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.waiters[k]) > 0 {
		w := b.waiters[k][0]
		b.waiters[k] = b.waiters[k][1:]
		if w.done {
			continue
		}
		w.done = true
		w.ch <- msg
		b.logger.Debug("message delivered to waiter",
			zap.String("message_ref", messageRef),
			zap.String("correlation_key", correlationKey),
			zap.String("task_id", w.taskID))
		return true
	}

	b.queues[k] = append(b.queues[k], msg)
	metrics.BusQueuedMessages.Inc()
	b.logger.Debug("message queued",
		zap.String("message_ref", messageRef),
		zap.String("correlation_key", correlationKey))
	return false
}

// PublishSignal broadcasts to every live waiter whose messageRef matches,
// regardless of correlation key. Signals are never queued; the number of
// receivers is returned.
func (b *Bus) PublishSignal(signalRef string, payload map[string]interface{}) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	now := time.Now().UTC()
	for k, ws := range b.waiters {
		if k.ref != signalRef {
			continue
		}
		var remaining []*waiter
		for _, w := range ws {
			if w.done {
				continue
			}
			w.done = true
			w.ch <- Message{MessageRef: signalRef, CorrelationKey: k.corr, Payload: payload, ReceivedAt: now}
			n++
		}
		b.waiters[k] = remaining
	}
	return n
}

// Await blocks until a matching message is delivered, the deadline elapses
// (ErrTimeout) or ctx is cancelled. A queued message is consumed immediately.
// timeout <= 0 waits until delivery or cancellation.
func (b *Bus) Await(ctx context.Context, taskID, messageRef, correlationKey string, timeout time.Duration) (Message, error) {
	k := key{messageRef, correlationKey}

	b.mu.Lock()
	if q := b.queues[k]; len(q) > 0 {
		msg := q[0]
		b.queues[k] = q[1:]
		if len(b.queues[k]) == 0 {
			delete(b.queues, k)
		}
		metrics.BusQueuedMessages.Dec()
		b.mu.Unlock()
		return msg, nil
	}

	w := &waiter{taskID: taskID, ch: make(chan Message, 1)}
	b.waiters[k] = append(b.waiters[k], w)
	metrics.BusWaitingTasks.Inc()
	b.mu.Unlock()
	defer metrics.BusWaitingTasks.Dec()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer:
		if msg, ok := b.abandon(k, w); ok {
			// Delivery raced the deadline; the message wins.
			return msg, nil
		}
		return Message{}, ErrTimeout
	case <-ctx.Done():
		if msg, ok := b.abandon(k, w); ok {
			// Consumed concurrently with cancellation: requeue so another
			// waiter (or none) can take it; cancellation still wins here.
			b.requeue(msg)
		}
		return Message{}, ctx.Err()
	}
}

// abandon removes the waiter. If a message was already delivered it is
// drained and returned.
func (b *Bus) abandon(k key, w *waiter) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w.done {
		return <-w.ch, true
	}
	w.done = true
	ws := b.waiters[k]
	for i, cand := range ws {
		if cand == w {
			b.waiters[k] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[k]) == 0 {
		delete(b.waiters, k)
	}
	return Message{}, false
}

func (b *Bus) requeue(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{msg.MessageRef, msg.CorrelationKey}
	b.queues[k] = append([]Message{msg}, b.queues[k]...)
	metrics.BusQueuedMessages.Inc()
}

// Clear drops queued messages for the (ref, key) pair. Used when an
// instance ends and its correlation keys go out of scope.
func (b *Bus) Clear(messageRef, correlationKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{messageRef, correlationKey}
	if n := len(b.queues[k]); n > 0 {
		metrics.BusQueuedMessages.Sub(float64(n))
	}
	delete(b.queues, k)
}

// Sweep drops queued messages older than the bus TTL. No-op when ttl is 0.
func (b *Bus) Sweep() {
	if b.ttl <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-b.ttl)
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, q := range b.queues {
		kept := q[:0]
		for _, m := range q {
			if m.ReceivedAt.After(cutoff) {
				kept = append(kept, m)
			} else {
				metrics.BusQueuedMessages.Dec()
			}
		}
		if len(kept) == 0 {
			delete(b.queues, k)
		} else {
			b.queues[k] = kept
		}
	}
}

// Stats returns a snapshot of queue depth and waiting tasks.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{}
	seen := make(map[string]struct{})
	for k, q := range b.queues {
		s.QueuedMessages += len(q)
		seen[k.corr] = struct{}{}
	}
	for k, ws := range b.waiters {
		s.WaitingTasks += len(ws)
		seen[k.corr] = struct{}{}
	}
	for c := range seen {
		s.CorrelationKeys = append(s.CorrelationKeys, c)
	}
	return s
}
