package l5inference

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
)

// EventKind distinguishes notifier events.
type EventKind string

const (
	EventPrediction     EventKind = "prediction"
	EventTrackingLost   EventKind = "tracking_lost"
	EventSessionStarted EventKind = "session_started"
	EventSessionStopped EventKind = "session_stopped"
)

// Event is delivered to notifier subscribers. Prediction is set for
// EventPrediction and TrackingLost for EventTrackingLost; session events carry
// only SessionID and At.
type Event struct {
	Kind         EventKind
	SessionID    uuid.UUID
	At           time.Time
	Prediction   *Prediction
	TrackingLost *l4sequence.TrackingLost
}

// Notifier fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Notifier struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Uint64
}

// NewNotifier creates a Notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel function unregisters it and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room.
func (n *Notifier) Publish(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
			n.dropped.Add(1)
		}
	}
}

// PublishPrediction is shorthand for Publish of an EventPrediction.
func (n *Notifier) PublishPrediction(p *Prediction) {
	n.Publish(Event{Kind: EventPrediction, SessionID: p.SessionID, At: p.At, Prediction: p})
}

// PublishTrackingLost is shorthand for Publish of an EventTrackingLost.
func (n *Notifier) PublishTrackingLost(session uuid.UUID, tl l4sequence.TrackingLost) {
	n.Publish(Event{Kind: EventTrackingLost, SessionID: session, At: tl.At, TrackingLost: &tl})
}

// Subscribers returns the number of active subscribers.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Dropped returns the number of events lost to full subscriber buffers.
func (n *Notifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
