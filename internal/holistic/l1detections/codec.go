package l1detections

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/holistic.report/internal/holistic"
)

// ErrUnknownTimestamp is returned for records with ts -1, which detectors
// emit when the frame time is unknown. Such records are skipped, not failed.
var ErrUnknownTimestamp = errors.New("unknown frame timestamp")

// Record is the wire form of one detector result.
type Record struct {
	Timestamp int64       `json:"ts" validate:"gte=-1"`
	Kind      string      `json:"kind" validate:"required,oneof=pose face hands hand a b c"`
	Absent    bool        `json:"absent,omitempty"`
	Sets      []RecordSet `json:"sets,omitempty" validate:"max=4,dive"`
}

// RecordSet is the wire form of one landmark set.
type RecordSet struct {
	Handedness string      `json:"handedness,omitempty" validate:"omitempty,oneof=Left Right left right"`
	Points     [][]float32 `json:"points" validate:"max=1024,dive,min=3,max=4"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses and validates one record.
func Decode(data []byte) (holistic.PartialResult, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return holistic.PartialResult{}, fmt.Errorf("decode record: %w", err)
	}
	return rec.PartialResult()
}

// PartialResult validates the record and converts it to the domain type. An
// explicit absent flag or an empty set list both mean the detector found
// nothing.
func (rec *Record) PartialResult() (holistic.PartialResult, error) {
	if err := validate.Struct(rec); err != nil {
		return holistic.PartialResult{}, fmt.Errorf("invalid record: %w", err)
	}
	if rec.Timestamp == -1 {
		return holistic.PartialResult{}, ErrUnknownTimestamp
	}
	kind, err := holistic.ParseDetectorKind(rec.Kind)
	if err != nil {
		return holistic.PartialResult{}, err
	}

	p := holistic.PartialResult{Timestamp: holistic.Timestamp(rec.Timestamp), Kind: kind}
	if rec.Absent || len(rec.Sets) == 0 {
		return p, nil
	}

	det := &holistic.Detection{Sets: make([]holistic.LandmarkSet, len(rec.Sets))}
	for i, rs := range rec.Sets {
		set := holistic.LandmarkSet{
			Handedness: holistic.ParseHandedness(rs.Handedness),
			Points:     make([]holistic.Landmark, len(rs.Points)),
		}
		for j, pt := range rs.Points {
			lm := holistic.Landmark{X: pt[0], Y: pt[1], Z: pt[2]}
			if len(pt) == 4 {
				lm.Visibility = pt[3]
			}
			set.Points[j] = lm
		}
		det.Sets[i] = set
	}
	p.Detection = det
	return p, nil
}

// Encode renders a partial result in wire form.
func Encode(p holistic.PartialResult) ([]byte, error) {
	rec := Record{Timestamp: int64(p.Timestamp), Kind: p.Kind.String(), Absent: p.Absent()}
	if !p.Absent() {
		rec.Sets = make([]RecordSet, len(p.Detection.Sets))
		for i, set := range p.Detection.Sets {
			rs := RecordSet{Handedness: set.Handedness.String(), Points: make([][]float32, len(set.Points))}
			for j, lm := range set.Points {
				if p.Kind == holistic.KindPose {
					rs.Points[j] = []float32{lm.X, lm.Y, lm.Z, lm.Visibility}
				} else {
					rs.Points[j] = []float32{lm.X, lm.Y, lm.Z}
				}
			}
			rec.Sets[i] = rs
		}
	}
	return json.Marshal(rec)
}

// Stats counts ingest outcomes for a source. Safe for concurrent use.
type Stats struct {
	Messages atomic.Uint64
	Bytes    atomic.Uint64
	Reported atomic.Uint64
	Invalid  atomic.Uint64
	Skipped  atomic.Uint64 // records with an unknown timestamp
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	Messages uint64 `json:"messages"`
	Bytes    uint64 `json:"bytes"`
	Reported uint64 `json:"reported"`
	Invalid  uint64 `json:"invalid"`
	Skipped  uint64 `json:"skipped"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Messages: s.Messages.Load(),
		Bytes:    s.Bytes.Load(),
		Reported: s.Reported.Load(),
		Invalid:  s.Invalid.Load(),
		Skipped:  s.Skipped.Load(),
	}
}

// deliver decodes one message and reports it. It returns the decode error,
// if any, after counting it.
func deliver(data []byte, r holistic.Reporter, stats *Stats) error {
	stats.Messages.Add(1)
	stats.Bytes.Add(uint64(len(data)))

	p, err := Decode(data)
	switch {
	case errors.Is(err, ErrUnknownTimestamp):
		stats.Skipped.Add(1)
		return nil
	case err != nil:
		stats.Invalid.Add(1)
		return err
	}
	r.ReportDetection(p.Timestamp, p.Kind, p.Detection)
	stats.Reported.Add(1)
	return nil
}
