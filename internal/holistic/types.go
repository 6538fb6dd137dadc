// Package holistic holds the shared data model of the holistic sign
// recognition pipeline: frame timestamps, detector kinds and the landmark
// sets the three detectors emit.
//
// Layer packages build on it:
//
//	l1detections  ingest of detector results (UDP, PCAP replay, serial)
//	l2frames      timestamp synchronisation of the three streams
//	l3features    fixed-length feature extraction and quality scoring
//	l4sequence    quality-gated sliding window of feature vectors
//	l5inference   asynchronous classifier dispatch and prediction slot
//	pipeline      lifecycle controller wiring the layers together
package holistic

import (
	"fmt"
	"strings"
)

// Timestamp is the frame correlation key shared by all three detector
// streams, in milliseconds. Two partial results with the same value belong to
// the same video frame.
type Timestamp int64

// Valid reports whether the timestamp can be used as a correlation key.
// Detectors report -1 when the frame time is unknown.
func (ts Timestamp) Valid() bool {
	return ts >= 0
}

// DetectorKind identifies one of the three landmark detectors.
type DetectorKind uint8

const (
	KindPose DetectorKind = iota
	KindFace
	KindHands

	// NumKinds is the fixed number of detector streams.
	NumKinds = 3
)

// Kinds lists every detector kind in slot order.
var Kinds = [NumKinds]DetectorKind{KindPose, KindFace, KindHands}

func (k DetectorKind) String() string {
	switch k {
	case KindPose:
		return "pose"
	case KindFace:
		return "face"
	case KindHands:
		return "hands"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the three known kinds.
func (k DetectorKind) Valid() bool {
	return k < NumKinds
}

// ParseDetectorKind maps a wire name ("pose", "face", "hands", or the
// single letters "a", "b", "c") to a DetectorKind.
func ParseDetectorKind(s string) (DetectorKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pose", "a":
		return KindPose, nil
	case "face", "b":
		return KindFace, nil
	case "hands", "hand", "c":
		return KindHands, nil
	}
	return 0, fmt.Errorf("unknown detector kind %q", s)
}

// Handedness labels a detected hand. HandUnknown means the detector gave no
// usable label and placement falls back to detection order.
type Handedness uint8

const (
	HandUnknown Handedness = iota
	HandLeft
	HandRight
)

func (h Handedness) String() string {
	switch h {
	case HandLeft:
		return "Left"
	case HandRight:
		return "Right"
	default:
		return ""
	}
}

// ParseHandedness accepts the detector category names ("Left", "Right")
// case-insensitively. Anything else is HandUnknown.
func ParseHandedness(s string) Handedness {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return HandLeft
	case "right":
		return HandRight
	default:
		return HandUnknown
	}
}

// Landmark is one normalised landmark coordinate. Visibility is only
// meaningful for pose landmarks and is zero elsewhere.
type Landmark struct {
	X, Y, Z    float32
	Visibility float32
}

// IsZero reports whether the coordinate group (x, y, z) is all zero.
func (l Landmark) IsZero() bool {
	return l.X == 0 && l.Y == 0 && l.Z == 0
}

// LandmarkSet is one detected body, face or hand.
type LandmarkSet struct {
	Handedness Handedness
	Points     []Landmark
}

// Detection is what a detector reported for a frame. A nil *Detection means
// the detector ran and found nothing, which is a complete answer for that
// (timestamp, kind) pair.
type Detection struct {
	Sets []LandmarkSet
}

// Empty reports whether the detection carries no landmark sets.
func (d *Detection) Empty() bool {
	return d == nil || len(d.Sets) == 0
}

// PartialResult is a single detector's contribution to a frame.
type PartialResult struct {
	Timestamp Timestamp
	Kind      DetectorKind
	Detection *Detection // nil when absent
}

// Absent reports whether the detector found nothing for this frame.
func (p PartialResult) Absent() bool {
	return p.Detection.Empty()
}

// Reporter receives detector results. Implementations must not block the
// caller; detectors deliver on their own goroutines.
type Reporter interface {
	ReportDetection(ts Timestamp, kind DetectorKind, det *Detection)
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(ts Timestamp, kind DetectorKind, det *Detection)

// ReportDetection calls f(ts, kind, det).
func (f ReporterFunc) ReportDetection(ts Timestamp, kind DetectorKind, det *Detection) {
	f(ts, kind, det)
}

// Frame is one synchronised frame: every detector's answer for a timestamp.
// A nil slot means that detector reported nothing for the frame.
type Frame struct {
	Timestamp Timestamp
	Slots     [NumKinds]*Detection
}

// Detection returns the slot for kind, or nil when absent or kind is invalid.
func (f *Frame) Detection(kind DetectorKind) *Detection {
	if f == nil || !kind.Valid() {
		return nil
	}
	return f.Slots[kind]
}
