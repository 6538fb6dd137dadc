package l4sequence

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

const (
	// DefaultCapacity is the number of frames the classifier consumes.
	DefaultCapacity = 30
	// DefaultQualityThreshold is the minimum quality score a frame needs to
	// enter the window.
	DefaultQualityThreshold = 1500
)

// Policy selects what a frame below the quality threshold does to the window.
type Policy string

const (
	// PolicyReset clears the whole window: the accumulated sequence is no
	// longer temporally contiguous.
	PolicyReset Policy = "reset"
	// PolicyDrop discards only the offending frame.
	PolicyDrop Policy = "drop"
)

// ParsePolicy validates a policy name. The empty string selects PolicyReset.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyReset:
		return PolicyReset, nil
	case PolicyDrop:
		return PolicyDrop, nil
	}
	return "", fmt.Errorf("unknown quality policy %q (want %q or %q)", s, PolicyReset, PolicyDrop)
}

// Outcome reports what Offer did with a frame.
type Outcome int

const (
	OutcomeAppended   Outcome = iota // appended, window not yet full or dispatch throttled
	OutcomeDispatched                // appended and a snapshot was handed to the dispatcher, which may still skip it
	OutcomeReset                     // below threshold, window cleared
	OutcomeDropped                   // below threshold, frame discarded, window kept
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAppended:
		return "appended"
	case OutcomeDispatched:
		return "dispatched"
	case OutcomeReset:
		return "reset"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Snapshot is an immutable copy of a full window. It never shares memory with
// the window it was taken from.
type Snapshot struct {
	ID         uuid.UUID
	Vectors    []l3features.Vector  // oldest first
	Timestamps []holistic.Timestamp // parallel to Vectors
	CapturedAt time.Time
}

// Len returns the number of frames in the snapshot.
func (s *Snapshot) Len() int { return len(s.Vectors) }

// First returns the timestamp of the oldest frame.
func (s *Snapshot) First() holistic.Timestamp {
	if len(s.Timestamps) == 0 {
		return -1
	}
	return s.Timestamps[0]
}

// Last returns the timestamp of the newest frame.
func (s *Snapshot) Last() holistic.Timestamp {
	if len(s.Timestamps) == 0 {
		return -1
	}
	return s.Timestamps[len(s.Timestamps)-1]
}

// Dispatcher receives snapshots. Dispatch must return without waiting for
// inference to finish.
type Dispatcher interface {
	Dispatch(*Snapshot)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(*Snapshot)

// Dispatch calls f(s).
func (f DispatcherFunc) Dispatch(s *Snapshot) { f(s) }

// TrackingLost describes a window reset caused by a low-quality frame.
type TrackingLost struct {
	Timestamp holistic.Timestamp
	Quality   int
	Threshold int
	Discarded int // frames cleared from the window
	At        time.Time
}

// Config contains configuration for a Window.
type Config struct {
	Capacity            int                // frames per sequence (default: 30)
	QualityThreshold    int                // minimum quality score (default: 1500)
	Policy              Policy             // low-quality handling (default: reset)
	MinDispatchInterval time.Duration      // minimum time between dispatches (default: 0, every full frame)
	Clock               timeutil.Clock     // time source (default: RealClock)
	Dispatcher          Dispatcher         // receives snapshots; nil disables dispatch
	OnTrackingLost      func(TrackingLost) // called on every quality-gate reset
}

// Stats holds window counters.
type Stats struct {
	Offered    uint64
	Appended   uint64
	Rejected   uint64 // below the quality threshold
	Resets     uint64 // window clears caused by the quality gate
	Dispatched uint64 // snapshots handed to the Dispatcher, not classifier calls; see l5inference.DispatcherStats
	Throttled  uint64 // full-window frames skipped by MinDispatchInterval
	Len        int
	Capacity   int
}

// Window is the bounded FIFO of feature vectors feeding the classifier.
type Window struct {
	capacity     int
	threshold    int
	policy       Policy
	minInterval  time.Duration
	clock        timeutil.Clock
	dispatcher   Dispatcher
	onLost       func(TrackingLost)
	vectors      []l3features.Vector // ring buffer
	timestamps   []holistic.Timestamp
	head         int // index of the oldest frame
	n            int
	lastDispatch time.Time
	stats        Stats
}

// NewWindow creates an empty window.
func NewWindow(config Config) *Window {
	if config.Capacity <= 0 {
		config.Capacity = DefaultCapacity
	}
	if config.QualityThreshold <= 0 {
		config.QualityThreshold = DefaultQualityThreshold
	}
	if config.Policy == "" {
		config.Policy = PolicyReset
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}
	return &Window{
		capacity:    config.Capacity,
		threshold:   config.QualityThreshold,
		policy:      config.Policy,
		minInterval: config.MinDispatchInterval,
		clock:       config.Clock,
		dispatcher:  config.Dispatcher,
		onLost:      config.OnTrackingLost,
		vectors:     make([]l3features.Vector, config.Capacity),
		timestamps:  make([]holistic.Timestamp, config.Capacity),
	}
}

// Offer runs the quality gate and, when the frame passes, appends it. When the
// append leaves the window exactly full a snapshot is handed to the
// dispatcher. The window keeps sliding; it is never cleared by a dispatch.
func (w *Window) Offer(ts holistic.Timestamp, v *l3features.Vector, quality int) Outcome {
	w.stats.Offered++

	if quality < w.threshold {
		w.stats.Rejected++
		if w.policy == PolicyDrop {
			holistic.Debugf("[Window] Dropped ts=%d quality=%d < %d", ts, quality, w.threshold)
			return OutcomeDropped
		}
		discarded := w.n
		w.reset()
		w.stats.Resets++
		holistic.Debugf("[Window] Reset at ts=%d quality=%d < %d, discarded %d frames",
			ts, quality, w.threshold, discarded)
		if w.onLost != nil {
			w.onLost(TrackingLost{
				Timestamp: ts,
				Quality:   quality,
				Threshold: w.threshold,
				Discarded: discarded,
				At:        w.clock.Now(),
			})
		}
		return OutcomeReset
	}

	w.push(ts, v)
	w.stats.Appended++

	if w.n != w.capacity {
		return OutcomeAppended
	}
	if w.minInterval > 0 && !w.lastDispatch.IsZero() && w.clock.Since(w.lastDispatch) < w.minInterval {
		w.stats.Throttled++
		return OutcomeAppended
	}

	snap := w.Snapshot()
	w.lastDispatch = snap.CapturedAt
	w.stats.Dispatched++
	if holistic.DebugEnabled() {
		holistic.Debugf("[Window] Dispatch %s frames %d..%d nonzero=%d",
			snap.ID, snap.First(), snap.Last(), nonZero(snap.Vectors))
	}
	if w.dispatcher != nil {
		w.dispatcher.Dispatch(snap)
	}
	return OutcomeDispatched
}

// Snapshot copies the current window contents, oldest first.
func (w *Window) Snapshot() *Snapshot {
	s := &Snapshot{
		ID:         uuid.New(),
		Vectors:    make([]l3features.Vector, w.n),
		Timestamps: make([]holistic.Timestamp, w.n),
		CapturedAt: w.clock.Now(),
	}
	for i := 0; i < w.n; i++ {
		j := (w.head + i) % w.capacity
		s.Vectors[i] = w.vectors[j]
		s.Timestamps[i] = w.timestamps[j]
	}
	return s
}

// Clear empties the window and forgets the dispatch rate limit. It returns the
// number of frames discarded.
func (w *Window) Clear() int {
	n := w.n
	w.reset()
	w.lastDispatch = time.Time{}
	if n > 0 {
		log.Printf("[Window] Cleared %d frames", n)
	}
	return n
}

// Len returns the number of frames currently held.
func (w *Window) Len() int { return w.n }

// Capacity returns the window capacity.
func (w *Window) Capacity() int { return w.capacity }

// Stats returns the window counters.
func (w *Window) Stats() Stats {
	s := w.stats
	s.Len = w.n
	s.Capacity = w.capacity
	return s
}

func (w *Window) push(ts holistic.Timestamp, v *l3features.Vector) {
	if w.n == w.capacity {
		// Evict the oldest by overwriting it.
		w.vectors[w.head] = *v
		w.timestamps[w.head] = ts
		w.head = (w.head + 1) % w.capacity
		return
	}
	tail := (w.head + w.n) % w.capacity
	w.vectors[tail] = *v
	w.timestamps[tail] = ts
	w.n++
}

func (w *Window) reset() {
	w.head = 0
	w.n = 0
}

func nonZero(vs []l3features.Vector) int {
	n := 0
	for i := range vs {
		for _, f := range vs[i] {
			if f != 0 {
				n++
			}
		}
	}
	return n
}
