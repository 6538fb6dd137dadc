package l4sequence

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

const good = l3features.MaxQuality

type recorder struct {
	snaps []*Snapshot
	lost  []TrackingLost
}

func (r *recorder) Dispatch(s *Snapshot) { r.snaps = append(r.snaps, s) }

func newTestWindow(cfg Config) (*Window, *recorder) {
	r := &recorder{}
	cfg.Dispatcher = r
	cfg.OnTrackingLost = func(tl TrackingLost) { r.lost = append(r.lost, tl) }
	if cfg.Clock == nil {
		cfg.Clock = timeutil.NewMockClock(time.Unix(1700000000, 0))
	}
	return NewWindow(cfg), r
}

func vec(ts holistic.Timestamp) *l3features.Vector {
	var v l3features.Vector
	v[0] = float32(ts)
	return &v
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReset, p)

	p, err = ParsePolicy("drop")
	require.NoError(t, err)
	assert.Equal(t, PolicyDrop, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}

func TestWindow_TriggerExactlyAtCapacity(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{})

	for i := 0; i < DefaultCapacity-1; i++ {
		assert.Equal(t, OutcomeAppended, w.Offer(holistic.Timestamp(1000+i), vec(holistic.Timestamp(1000+i)), good))
	}
	assert.Empty(t, r.snaps)
	assert.Equal(t, 29, w.Len())

	assert.Equal(t, OutcomeDispatched, w.Offer(1029, vec(1029), good))
	require.Len(t, r.snaps, 1)

	snap := r.snaps[0]
	assert.Equal(t, 30, snap.Len())
	assert.Equal(t, holistic.Timestamp(1000), snap.First())
	assert.Equal(t, holistic.Timestamp(1029), snap.Last())
	assert.Equal(t, float32(1000), snap.Vectors[0][0])
	assert.Equal(t, float32(1029), snap.Vectors[29][0])

	// The window keeps sliding: every further good frame re-triggers.
	assert.Equal(t, OutcomeDispatched, w.Offer(1030, vec(1030), good))
	require.Len(t, r.snaps, 2)
	assert.Equal(t, holistic.Timestamp(1001), r.snaps[1].First())
	assert.Equal(t, holistic.Timestamp(1030), r.snaps[1].Last())
	assert.Equal(t, 30, w.Len())
}

func TestWindow_SnapshotDoesNotAliasWindow(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{Capacity: 3})

	for i := 0; i < 3; i++ {
		w.Offer(holistic.Timestamp(i), vec(holistic.Timestamp(i)), good)
	}
	require.Len(t, r.snaps, 1)
	before := append([]holistic.Timestamp(nil), r.snaps[0].Timestamps...)
	first := r.snaps[0].Vectors[0]

	w.Offer(3, vec(3), good)
	w.Clear()

	if diff := cmp.Diff(before, r.snaps[0].Timestamps); diff != "" {
		t.Errorf("snapshot timestamps changed (-want +got):\n%s", diff)
	}
	assert.Equal(t, first, r.snaps[0].Vectors[0])
	assert.NotEqual(t, r.snaps[0].ID, r.snaps[1].ID)
}

func TestWindow_QualityGateResets(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{})

	for i := 0; i < 15; i++ {
		w.Offer(holistic.Timestamp(i), vec(holistic.Timestamp(i)), good)
	}
	require.Equal(t, 15, w.Len())

	assert.Equal(t, OutcomeReset, w.Offer(15, vec(15), DefaultQualityThreshold-1))
	assert.Zero(t, w.Len())
	require.Len(t, r.lost, 1)
	assert.Equal(t, 15, r.lost[0].Discarded)
	assert.Equal(t, holistic.Timestamp(15), r.lost[0].Timestamp)

	// Every reset signals, even on an already empty window.
	w.Offer(16, vec(16), 0)
	require.Len(t, r.lost, 2)
	assert.Zero(t, r.lost[1].Discarded)

	w.Offer(17, vec(17), good)
	w.Offer(18, vec(18), 10)
	require.Len(t, r.lost, 3)
	assert.Equal(t, 1, r.lost[2].Discarded)

	// The remaining frames of a 30-frame run cannot fill the window.
	for i := 19; i < 30; i++ {
		w.Offer(holistic.Timestamp(i), vec(holistic.Timestamp(i)), good)
	}
	assert.Empty(t, r.snaps)
	assert.Equal(t, uint64(3), w.Stats().Resets)
}

func TestWindow_TrackingLostPerReset(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{})

	w.Offer(1, vec(1), good)
	for ts := holistic.Timestamp(2); ts <= 4; ts++ {
		assert.Equal(t, OutcomeReset, w.Offer(ts, vec(ts), 10))
	}

	st := w.Stats()
	assert.Equal(t, uint64(3), st.Resets)
	require.Len(t, r.lost, int(st.Resets))
	for i, tl := range r.lost {
		assert.Equal(t, holistic.Timestamp(i+2), tl.Timestamp)
		assert.Equal(t, 10, tl.Quality)
		assert.Equal(t, DefaultQualityThreshold, tl.Threshold)
	}
	assert.Equal(t, 1, r.lost[0].Discarded)
	assert.Zero(t, r.lost[2].Discarded)
}

func TestWindow_ThresholdIsInclusive(t *testing.T) {
	t.Parallel()
	w, _ := newTestWindow(Config{})

	assert.Equal(t, OutcomeAppended, w.Offer(1, vec(1), DefaultQualityThreshold))
	assert.Equal(t, 1, w.Len())
}

func TestWindow_DropPolicy(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{Policy: PolicyDrop, Capacity: 4})

	w.Offer(1, vec(1), good)
	w.Offer(2, vec(2), good)
	assert.Equal(t, OutcomeDropped, w.Offer(3, vec(3), 0))
	assert.Equal(t, 2, w.Len())
	assert.Empty(t, r.lost)

	w.Offer(4, vec(4), good)
	w.Offer(5, vec(5), good)
	require.Len(t, r.snaps, 1)
	assert.Equal(t, []holistic.Timestamp{1, 2, 4, 5}, r.snaps[0].Timestamps)
}

func TestWindow_MinDispatchInterval(t *testing.T) {
	t.Parallel()
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	w, r := newTestWindow(Config{Capacity: 2, MinDispatchInterval: 100 * time.Millisecond, Clock: clock})

	w.Offer(1, vec(1), good)
	assert.Equal(t, OutcomeDispatched, w.Offer(2, vec(2), good))

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, OutcomeAppended, w.Offer(3, vec(3), good))

	clock.Advance(50 * time.Millisecond)
	assert.Equal(t, OutcomeDispatched, w.Offer(4, vec(4), good))

	assert.Len(t, r.snaps, 2)
	s := w.Stats()
	assert.Equal(t, uint64(1), s.Throttled)
	assert.Equal(t, uint64(2), s.Dispatched)
}

func TestWindow_BoundAndTriggerProperty(t *testing.T) {
	t.Parallel()
	w, r := newTestWindow(Config{})
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 5000; i++ {
		before := w.Len()
		quality := good
		if rng.Intn(20) == 0 {
			quality = rng.Intn(DefaultQualityThreshold)
		}
		dispatched := len(r.snaps)

		out := w.Offer(holistic.Timestamp(i), vec(holistic.Timestamp(i)), quality)

		require.GreaterOrEqual(t, w.Len(), 0)
		require.LessOrEqual(t, w.Len(), DefaultCapacity)
		if quality < DefaultQualityThreshold {
			require.Zero(t, w.Len())
			require.Equal(t, OutcomeReset, out)
			continue
		}
		wantTrigger := w.Len() == DefaultCapacity
		require.Equal(t, wantTrigger, len(r.snaps) == dispatched+1, "offer %d from len %d", i, before)
		if wantTrigger {
			require.Equal(t, holistic.Timestamp(i), r.snaps[len(r.snaps)-1].Last())
		}
	}
}

func TestWindow_ClearAndStats(t *testing.T) {
	t.Parallel()
	w, _ := newTestWindow(Config{Capacity: 5})

	for i := 0; i < 7; i++ {
		w.Offer(holistic.Timestamp(i), vec(holistic.Timestamp(i)), good)
	}
	assert.Equal(t, 5, w.Len())
	assert.Equal(t, 5, w.Clear())
	assert.Zero(t, w.Len())
	assert.Zero(t, w.Clear())

	s := w.Stats()
	assert.Equal(t, uint64(7), s.Offered)
	assert.Equal(t, uint64(7), s.Appended)
	assert.Equal(t, uint64(3), s.Dispatched)
	assert.Equal(t, 5, s.Capacity)
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "dispatched", OutcomeDispatched.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}
