package monitor

import (
	"sync"
	"time"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/pipeline"
)

// DefaultQualitySamples is how many recent frames a QualityRecorder keeps.
const DefaultQualitySamples = 600

// QualitySample is one observed frame.
type QualitySample struct {
	Timestamp holistic.Timestamp `json:"ts"`
	Quality   int                `json:"quality"`
	Outcome   string             `json:"outcome"`
	WindowLen int                `json:"window_len"`
	At        time.Time          `json:"at"`
}

// QualityRecorder keeps the most recent frame quality scores in a ring
// buffer. Observe is cheap enough to run as the controller's OnFrame hook.
type QualityRecorder struct {
	mu      sync.Mutex
	samples []QualitySample
	next    int
	full    bool
	resets  uint64
	now     func() time.Time
}

// NewQualityRecorder creates a recorder holding up to size samples
// (default: DefaultQualitySamples).
func NewQualityRecorder(size int) *QualityRecorder {
	if size <= 0 {
		size = DefaultQualitySamples
	}
	return &QualityRecorder{samples: make([]QualitySample, size), now: time.Now}
}

// Observe records one frame.
func (q *QualityRecorder) Observe(o pipeline.FrameObservation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.samples[q.next] = QualitySample{
		Timestamp: o.Timestamp,
		Quality:   o.Quality,
		Outcome:   o.Outcome.String(),
		WindowLen: o.WindowLen,
		At:        q.now(),
	}
	q.next = (q.next + 1) % len(q.samples)
	if q.next == 0 {
		q.full = true
	}
	if o.Outcome == l4sequence.OutcomeReset {
		q.resets++
	}
}

// Samples returns the recorded samples, oldest first.
func (q *QualityRecorder) Samples() []QualitySample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.full {
		return append([]QualitySample(nil), q.samples[:q.next]...)
	}
	out := make([]QualitySample, 0, len(q.samples))
	out = append(out, q.samples[q.next:]...)
	return append(out, q.samples[:q.next]...)
}

// Resets returns how many observed frames reset the window.
func (q *QualityRecorder) Resets() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resets
}
