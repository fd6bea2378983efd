// Package broadcast fans run events out to live subscribers.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"hitl-pipeline/backend/internal/logging"
	"hitl-pipeline/backend/pkg/models"
)

// Options configures a Hub.
type Options struct {
	// BufferSize is the per-subscriber queue length. A subscriber whose
	// queue is full when an event is published is dropped.
	BufferSize int
	// LivenessTimeout drops subscribers that have not been touched for this
	// long. Zero disables the check.
	LivenessTimeout time.Duration
}

// Subscriber is a live connection interested in one run's events.
type Subscriber struct {
	id       string
	runID    string
	ch       chan models.Envelope
	done     chan struct{}
	lastSeen atomic.Int64
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

// RunID is the run the subscriber listens to.
func (s *Subscriber) RunID() string { return s.runID }

// Events delivers envelopes in publish order. It is closed when the
// subscriber is removed.
func (s *Subscriber) Events() <-chan models.Envelope { return s.ch }

// Done is closed when the hub drops or unsubscribes the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Touch records a keepalive.
func (s *Subscriber) Touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

type topic struct {
	subs     map[*Subscriber]struct{}
	seq      uint64
	terminal bool
}

// Hub is the registry of live subscribers keyed by run id.
type Hub struct {
	opts   Options
	logger *logging.Logger

	mu     sync.Mutex
	topics map[string]*topic
}

// NewHub creates a new Hub.
func NewHub(opts Options, logger *logging.Logger) *Hub {
	if opts.BufferSize < 1 {
		opts.BufferSize = 64
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Hub{
		opts:   opts,
		logger: logger,
		topics: map[string]*topic{},
	}
}

// Subscribe registers a subscriber for runID. It only receives events
// published after this call.
func (h *Hub) Subscribe(runID string) *Subscriber {
	sub := &Subscriber{
		id:    uuid.New().String(),
		runID: runID,
		ch:    make(chan models.Envelope, h.opts.BufferSize),
		done:  make(chan struct{}),
	}
	sub.Touch()

	h.mu.Lock()
	t := h.topics[runID]
	if t == nil {
		t = &topic{subs: map[*Subscriber]struct{}{}}
		h.topics[runID] = t
	}
	t.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("subscriber joined", "run_id", runID, "subscriber", sub.id)
	return sub
}

// Unsubscribe removes the subscriber and releases its channel. Calling it
// more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// removeLocked must be called with h.mu held. Publishers only send while
// holding h.mu, so closing the channel here cannot race a send.
func (h *Hub) removeLocked(sub *Subscriber) bool {
	t := h.topics[sub.runID]
	if t == nil {
		return false
	}
	if _, ok := t.subs[sub]; !ok {
		return false
	}
	delete(t.subs, sub)
	close(sub.done)
	close(sub.ch)
	if len(t.subs) == 0 && t.terminal {
		delete(h.topics, sub.runID)
	}
	return true
}

// Publish delivers ev to every current subscriber of runID and returns the
// envelope that was sent. It never blocks: a subscriber that cannot accept
// the event is dropped.
func (h *Hub) Publish(runID string, ev models.Event) models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[runID]
	if t == nil {
		return models.NewEnvelope(runID, 0, ev)
	}
	if upd, ok := ev.(models.WorkflowUpdate); ok && t.terminal && !upd.Informational && !upd.RunStatus.IsTerminal() {
		h.logger.Warn("downgraded run update published after terminal event",
			"run_id", runID, "step", upd.Step, "run_status", upd.RunStatus)
		ev = models.WorkflowUpdate{Step: upd.Step, Status: upd.Status, Message: upd.Message, Informational: true}
	}
	t.seq++
	env := models.NewEnvelope(runID, t.seq, ev)

	var slow []*Subscriber
	for sub := range t.subs {
		select {
		case sub.ch <- env:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.removeLocked(sub)
		h.logger.Warn("dropped slow subscriber", "run_id", runID, "subscriber", sub.id)
	}
	return env
}

// MarkTerminal records that runID will publish no further authoritative
// events; its topic is released once the last subscriber leaves.
func (h *Hub) MarkTerminal(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.topics[runID]
	if t == nil {
		return
	}
	t.terminal = true
	if len(t.subs) == 0 {
		delete(h.topics, runID)
	}
}

// SubscriberCount returns the number of live subscribers for runID.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[runID]; t != nil {
		return len(t.subs)
	}
	return 0
}

// TopicCount returns the number of runs with registry entries.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

// Run drops subscribers whose keepalives stopped until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	if h.opts.LivenessTimeout <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.opts.LivenessTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.reap(now)
		}
	}
}

func (h *Hub) reap(now time.Time) int {
	cutoff := now.Add(-h.opts.LivenessTimeout).UnixNano()

	h.mu.Lock()
	defer h.mu.Unlock()
	var stale []*Subscriber
	for _, t := range h.topics {
		for sub := range t.subs {
			if sub.lastSeen.Load() < cutoff {
				stale = append(stale, sub)
			}
		}
	}
	for _, sub := range stale {
		h.removeLocked(sub)
		h.logger.Info("dropped idle subscriber", "run_id", sub.runID, "subscriber", sub.id)
	}
	return len(stale)
}
