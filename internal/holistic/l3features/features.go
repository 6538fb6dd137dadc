package l3features

import (
	"github.com/banshee-data/holistic.report/internal/holistic"
)

// Segment sizes. Pose carries x, y, z and visibility per landmark; face and
// hands carry x, y, z.
const (
	PoseLandmarks = 33
	PoseStride    = 4
	FaceLandmarks = 468
	FaceStride    = 3
	HandLandmarks = 21
	HandStride    = 3

	PoseLength = PoseLandmarks * PoseStride // 132
	FaceLength = FaceLandmarks * FaceStride // 1404
	HandLength = HandLandmarks * HandStride // 63

	// Length is the fixed feature vector length fed to the classifier.
	Length = PoseLength + FaceLength + 2*HandLength // 1662

	// MaxQuality is the highest possible quality score: every landmark of
	// every segment present with a non-zero coordinate group.
	MaxQuality = 3 * (PoseLandmarks + FaceLandmarks + 2*HandLandmarks) // 1629
)

// Vector is one frame's feature vector. The array type makes the length
// invariant a compile-time property.
type Vector [Length]float32

// Segment describes where one landmark group lives inside a Vector.
type Segment struct {
	Name      string
	Offset    int
	Landmarks int
	Stride    int
}

// Len returns the number of vector positions the segment occupies.
func (s Segment) Len() int { return s.Landmarks * s.Stride }

// Layout is the segment order of a Vector. It must match the order the
// classifier was trained with.
var Layout = [4]Segment{
	{Name: "pose", Offset: 0, Landmarks: PoseLandmarks, Stride: PoseStride},
	{Name: "face", Offset: PoseLength, Landmarks: FaceLandmarks, Stride: FaceStride},
	{Name: "left_hand", Offset: PoseLength + FaceLength, Landmarks: HandLandmarks, Stride: HandStride},
	{Name: "right_hand", Offset: PoseLength + FaceLength + HandLength, Landmarks: HandLandmarks, Stride: HandStride},
}

const (
	segPose = iota
	segFace
	segLeftHand
	segRightHand
)

// Extract encodes a synchronised frame as a Vector and returns its quality
// score: the number of coordinate positions belonging to landmarks whose
// (x, y, z) group is not all zero. Missing detections leave their segment
// zero-filled; Extract never fails.
func Extract(frame *holistic.Frame) (Vector, int) {
	var v Vector
	quality := 0

	if pose := firstSet(frame.Detection(holistic.KindPose)); pose != nil {
		quality += fill(&v, Layout[segPose], pose.Points)
	}
	if face := firstSet(frame.Detection(holistic.KindFace)); face != nil {
		quality += fill(&v, Layout[segFace], face.Points)
	}

	left, right := AssignHands(frame.Detection(holistic.KindHands))
	if left != nil {
		quality += fill(&v, Layout[segLeftHand], left.Points)
	}
	if right != nil {
		quality += fill(&v, Layout[segRightHand], right.Points)
	}

	if holistic.DebugEnabled() && frame != nil {
		holistic.Debugf("[Features] ts=%d quality=%d/%d left=%v right=%v",
			frame.Timestamp, quality, MaxQuality, left != nil, right != nil)
	}
	return v, quality
}

// Quality recomputes the quality score of an already-encoded vector.
func Quality(v *Vector) int {
	quality := 0
	for _, seg := range Layout {
		for i := 0; i < seg.Landmarks; i++ {
			base := seg.Offset + i*seg.Stride
			if v[base] != 0 || v[base+1] != 0 || v[base+2] != 0 {
				quality += 3
			}
		}
	}
	return quality
}

// AssignHands resolves which detected hand goes into the left and right
// segments. Hands with an explicit label are placed by label first; the
// remaining hands (unlabelled, or a second hand claiming an already-taken
// side) fill the free segments in detection order, left before right. Hands
// beyond the second are ignored.
func AssignHands(det *holistic.Detection) (left, right *holistic.LandmarkSet) {
	if det.Empty() {
		return nil, nil
	}

	placed := make([]bool, len(det.Sets))
	for i := range det.Sets {
		set := &det.Sets[i]
		switch {
		case set.Handedness == holistic.HandLeft && left == nil:
			left = set
			placed[i] = true
		case set.Handedness == holistic.HandRight && right == nil:
			right = set
			placed[i] = true
		}
	}

	for i := range det.Sets {
		if placed[i] {
			continue
		}
		switch {
		case left == nil:
			left = &det.Sets[i]
		case right == nil:
			right = &det.Sets[i]
		default:
			return left, right
		}
	}
	return left, right
}

func firstSet(det *holistic.Detection) *holistic.LandmarkSet {
	if det.Empty() {
		return nil
	}
	return &det.Sets[0]
}

// fill copies up to seg.Landmarks points into the segment. Points beyond the
// segment's landmark count are dropped; missing points stay zero.
func fill(v *Vector, seg Segment, points []holistic.Landmark) int {
	n := len(points)
	if n > seg.Landmarks {
		n = seg.Landmarks
	}

	quality := 0
	for i := 0; i < n; i++ {
		p := points[i]
		base := seg.Offset + i*seg.Stride
		v[base] = p.X
		v[base+1] = p.Y
		v[base+2] = p.Z
		if seg.Stride > 3 {
			v[base+3] = p.Visibility
		}
		if !p.IsZero() {
			quality += 3
		}
	}
	return quality
}
