package l5inference

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic"
)

// Prediction is the outcome of one classifier call: either a label with its
// confidence or an error message.
type Prediction struct {
	SessionID  uuid.UUID          `json:"session_id"`
	SnapshotID uuid.UUID          `json:"snapshot_id"`
	Label      string             `json:"label,omitempty"`
	Index      int                `json:"index"`
	Confidence float64            `json:"confidence"`
	Err        string             `json:"error,omitempty"`
	First      holistic.Timestamp `json:"first_ts"`
	Last       holistic.Timestamp `json:"last_ts"`
	At         time.Time          `json:"at"`
	Latency    time.Duration      `json:"latency_ns"`
	Target     string             `json:"target,omitempty"`
	Match      bool               `json:"match"` // label equals Target
}

// IsError reports whether the prediction carries an error instead of a label.
func (p *Prediction) IsError() bool {
	return p.Err != ""
}

// Slot holds the most recent prediction. Publish may be called from any
// number of goroutines; the last write wins. Readers never block writers.
type Slot struct {
	latest atomic.Pointer[Prediction]
	target atomic.Pointer[string]
	seq    atomic.Uint64
}

// Publish stores p as the latest prediction, setting p.Match against the
// current target sign. p must not be modified afterwards.
func (s *Slot) Publish(p *Prediction) {
	if t := s.target.Load(); t != nil {
		p.Target = *t
		p.Match = !p.IsError() && strings.EqualFold(p.Label, *t)
	}
	s.latest.Store(p)
	s.seq.Add(1)
}

// Latest returns the most recent prediction, or nil before the first one.
func (s *Slot) Latest() *Prediction {
	return s.latest.Load()
}

// Published returns how many predictions have been stored.
func (s *Slot) Published() uint64 {
	return s.seq.Load()
}

// SetTarget sets the sign the user is practising. An empty label clears it.
func (s *Slot) SetTarget(label string) {
	if label == "" {
		s.target.Store(nil)
		return
	}
	s.target.Store(&label)
}

// Target returns the current target sign, or "" when none is set.
func (s *Slot) Target() string {
	if t := s.target.Load(); t != nil {
		return *t
	}
	return ""
}

// Reset forgets the latest prediction.
func (s *Slot) Reset() {
	s.latest.Store(nil)
}
