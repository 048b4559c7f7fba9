package daemon

import (
	"log/slog"
	"sync"
	"time"

	"github.com/molt-labs/molt/pkg/store"
)

// Event types emitted by the daemon. Durable events drive operator
// notifications; every type is also kept in the in-memory ring for the
// /events command.
const (
	EventHeartbeatSkip  = "heartbeat_skip"
	EventPostCreated    = "post_created"
	EventCommentCreated = "comment_created"
	EventReplySent      = "reply_sent"
	EventUpvoteCast     = "upvote_cast"
	EventDMApproved     = "dm_approved"
	EventDMNeedsHuman   = "dm_needs_human"
	EventDMReplied      = "dm_replied"
	EventSafetyBlock    = "safety_block"
	EventStabilityAlert = "stability_alert"
	EventReflectionDone = "reflection_done"
	EventConsolidation  = "consolidation_done"
	EventDailyDigest    = "daily_digest"
	EventTaskDone       = "task_done"
	EventError          = "error"
)

// BusEvent is one published event with its timestamp.
type BusEvent struct {
	Type    string
	Payload map[string]any
	At      time.Time
}

// Bus persists events to the store and wakes the notifier. Durable
// delivery comes from the store's consume-once queue; the wakeup
// channel only shortens the notifier's poll latency.
type Bus struct {
	store *store.Store

	mu      sync.Mutex
	wake    chan struct{}
	recent  []BusEvent
	maxKeep int
}

// NewBus creates an event bus over the store.
func NewBus(s *store.Store) *Bus {
	return &Bus{
		store:   s,
		wake:    make(chan struct{}, 1),
		maxKeep: 200,
	}
}

// Publish persists an event and nudges the notifier. Publishing never
// fails the caller; a storage error is logged and the event still lands
// in the ring.
func (b *Bus) Publish(typ string, payload map[string]any) {
	if _, err := b.store.AddEvent(typ, payload); err != nil {
		slog.Warn("event persist failed", "type", typ, "error", err)
	}

	b.mu.Lock()
	b.recent = append(b.recent, BusEvent{Type: typ, Payload: payload, At: time.Now().UTC()})
	if len(b.recent) > b.maxKeep {
		b.recent = b.recent[len(b.recent)-b.maxKeep:]
	}
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Wake returns the notifier wakeup channel.
func (b *Bus) Wake() <-chan struct{} {
	return b.wake
}

// Recent returns the last n events, oldest first.
func (b *Bus) Recent(n int) []BusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]BusEvent, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}
