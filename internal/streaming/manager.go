package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/symposium-labs/symposium/internal/metrics"
)

// Event is a minimal streaming event for SSE and WebSocket delivery.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Task      string    `json:"task,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Event types emitted over a run's stream.
const (
	TypeTaskOutput   = "task_output"
	TypeRunCompleted = "run_completed"
	TypeRunFailed    = "run_failed"
)

// Manager provides in-memory pub/sub for run events with a per-run ring
// buffer for replay and Last-Event-ID support.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      *RedisMirror
}

// NewManager creates a streaming manager with the given ring capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// SetMirror attaches an optional Redis Streams mirror. Must be called before
// any Publish.
func (m *Manager) SetMirror(mirror *RedisMirror) {
	m.mirror = mirror
}

// Subscribe adds a subscriber channel for a run; the caller must drain it and
// call Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish sends an event to all subscribers of runID (non-blocking; slow
// subscribers drop events and catch up via replay).
func (m *Manager) Publish(runID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	evt.RunID = runID

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	m.mu.Unlock()

	metrics.StreamEventsPublished.Inc()
	if m.mirror != nil {
		m.mirror.Publish(evt)
	}

	// Deliver under the read lock: Unsubscribe closes channels under the
	// write lock, so no channel can be closed between here and the send.
	// Sends never block, so holding the lock is safe.
	m.mu.RLock()
	for ch := range m.subscribers[runID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.RUnlock()
}

// Drop discards the replay history for a finished run.
func (m *Manager) Drop(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

// DropAfter discards a run's replay history once the grace period elapses,
// leaving late or reconnecting clients a window to replay the terminal event.
func (m *Manager) DropAfter(runID string, grace time.Duration) {
	time.AfterFunc(grace, func() { m.Drop(runID) })
}

// ReplaySince returns events with Seq > since, best-effort within the ring's
// capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Marshal returns the JSON encoding for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
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
	if len(r.buf) == 0 {
		return
	}
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
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
