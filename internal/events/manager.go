package events

import (
	"sync"

	"github.com/fluxbpm/orchestrator/internal/metrics"
)

const defaultRingCapacity = 1024

// Manager provides in-memory pub/sub for execution events with a
// per-instance ring buffer for Last-Event-ID style backlog replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager; capacity <= 0 uses the default ring size.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for an instance; the caller must drain
// it and call Unsubscribe when done.
func (m *Manager) Subscribe(instanceID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[instanceID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[instanceID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(instanceID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[instanceID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, instanceID)
		}
	}
}

// Assign stamps the next per-instance sequence number and records the event
// in the ring without fanning out. Callers that need the number durably
// persisted before delivery assign first, then Broadcast.
func (m *Manager) Assign(evt Event) Event {
	m.mu.Lock()
	rg := m.history[evt.InstanceID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.InstanceID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()
	return evt
}

// Broadcast fans a previously assigned event out to subscribers without
// blocking. Slow subscribers miss events; they can catch up via ReplaySince.
func (m *Manager) Broadcast(evt Event) {
	m.mu.RLock()
	subs := m.subscribers[evt.InstanceID]
	targets := make([]chan Event, 0, len(subs))
	for ch := range subs {
		targets = append(targets, ch)
	}
	m.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Publish assigns and broadcasts in one step.
func (m *Manager) Publish(evt Event) Event {
	evt = m.Assign(evt)
	m.Broadcast(evt)
	return evt
}

// ReplaySince returns buffered events with Seq > since, best effort within
// the ring capacity.
func (m *Manager) ReplaySince(instanceID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[instanceID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop releases the ring buffer of a finished instance.
func (m *Manager) Drop(instanceID string) {
	m.mu.Lock()
	delete(m.history, instanceID)
	m.mu.Unlock()
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}
