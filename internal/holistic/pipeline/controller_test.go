package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l2frames"
	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

func landmarks(n int) []holistic.Landmark {
	pts := make([]holistic.Landmark, n)
	for i := range pts {
		pts[i] = holistic.Landmark{X: 0.5, Y: 0.25, Z: -0.1, Visibility: 1}
	}
	return pts
}

func detectionFor(kind holistic.DetectorKind) *holistic.Detection {
	switch kind {
	case holistic.KindPose:
		return &holistic.Detection{Sets: []holistic.LandmarkSet{{Points: landmarks(l3features.PoseLandmarks)}}}
	case holistic.KindFace:
		return &holistic.Detection{Sets: []holistic.LandmarkSet{{Points: landmarks(l3features.FaceLandmarks)}}}
	default:
		return &holistic.Detection{Sets: []holistic.LandmarkSet{
			{Handedness: holistic.HandLeft, Points: landmarks(l3features.HandLandmarks)},
			{Handedness: holistic.HandRight, Points: landmarks(l3features.HandLandmarks)},
		}}
	}
}

// reportFrame submits all three kinds for ts in a random order. Kinds listed
// in absent report no detection.
func reportFrame(r holistic.Reporter, rng *rand.Rand, ts holistic.Timestamp, absent ...holistic.DetectorKind) {
	kinds := holistic.Kinds
	rng.Shuffle(len(kinds), func(i, j int) { kinds[i], kinds[j] = kinds[j], kinds[i] })
	for _, k := range kinds {
		det := detectionFor(k)
		for _, a := range absent {
			if a == k {
				det = nil
			}
		}
		r.ReportDetection(ts, k, det)
	}
}

type countingClassifier struct {
	calls   atomic.Int32
	release chan struct{} // nil means answer immediately
	scores  []float32
}

func (c *countingClassifier) Classify(ctx context.Context, t *l5inference.Tensor) ([]float32, error) {
	c.calls.Add(1)
	if c.release != nil {
		<-c.release
	}
	if t.Shape != [3]int{1, 30, l3features.Length} {
		return nil, errors.New("unexpected tensor shape")
	}
	return c.scores, nil
}

func newTestController(t *testing.T, cfg Config) (*Controller, *countingClassifier) {
	t.Helper()
	cls := &countingClassifier{scores: []float32{0.1, 0.1, 0.8}}
	if cfg.Inference.Classifier == nil {
		cfg.Inference.Classifier = cls
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, cls
}

func TestController_ThirtyFramesDispatchOnce(t *testing.T) {
	t.Parallel()
	c, cls := newTestController(t, Config{})
	require.NoError(t, c.Start(context.Background()))

	rng := rand.New(rand.NewSource(1))
	for ts := holistic.Timestamp(1000); ts < 1030; ts++ {
		reportFrame(c, rng, ts)
	}
	require.True(t, c.Sync())

	require.Eventually(t, func() bool { return c.Latest() != nil }, time.Second, time.Millisecond)
	p := c.Latest()
	assert.Equal(t, int32(1), cls.calls.Load())
	assert.Equal(t, holistic.Timestamp(1000), p.First)
	assert.Equal(t, holistic.Timestamp(1029), p.Last)
	assert.Equal(t, "iloveyou", p.Label)
	assert.Equal(t, c.Session(), p.SessionID)

	s := c.Stats()
	assert.Equal(t, "running", s.State)
	assert.Equal(t, uint64(30), s.Aggregator.Completed)
	assert.Equal(t, uint64(1), s.Window.Dispatched)
	assert.Equal(t, 30, s.Window.Len)
}

func TestController_LowQualityFrameResetsRun(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var observed []FrameObservation
	c, cls := newTestController(t, Config{OnFrame: func(o FrameObservation) {
		mu.Lock()
		observed = append(observed, o)
		mu.Unlock()
	}})
	events, cancel := c.Subscribe(64)
	defer cancel()
	require.NoError(t, c.Start(context.Background()))

	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 30; i++ {
		ts := holistic.Timestamp(1000 + i)
		if i == 15 {
			reportFrame(c, rng, ts, holistic.KindFace, holistic.KindHands)
			continue
		}
		reportFrame(c, rng, ts)
	}
	require.True(t, c.Sync())

	s := c.Stats()
	assert.Equal(t, uint64(1), s.Window.Resets)
	assert.Zero(t, s.Window.Dispatched)
	assert.Equal(t, 14, s.Window.Len)
	assert.Zero(t, cls.calls.Load())
	assert.Nil(t, c.Latest())

	mu.Lock()
	require.Len(t, observed, 30)
	assert.Less(t, observed[15].Quality, 1500)
	assert.Zero(t, observed[15].WindowLen)
	mu.Unlock()

	var lost *l5inference.Event
	for lost == nil {
		select {
		case ev := <-events:
			if ev.Kind == l5inference.EventTrackingLost {
				lost = &ev
			}
		case <-time.After(time.Second):
			t.Fatal("no tracking-lost event")
		}
	}
	assert.Equal(t, 15, lost.TrackingLost.Discarded)
	assert.Equal(t, holistic.Timestamp(1015), lost.TrackingLost.Timestamp)
}

func TestController_ConcurrentStopTearsDownOnce(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{})
	require.NoError(t, c.Start(context.Background()))

	rng := rand.New(rand.NewSource(3))
	for ts := holistic.Timestamp(0); ts < 10; ts++ {
		reportFrame(c, rng, ts)
	}
	// Two incomplete entries left pending.
	c.ReportDetection(100, holistic.KindPose, nil)
	c.ReportDetection(101, holistic.KindFace, nil)
	require.True(t, c.Sync())

	const callers = 32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Stop()
		}()
	}
	close(start)
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, "stopped", s.State)
	assert.Equal(t, uint64(1), s.Teardowns)
	require.NotNil(t, s.LastTeardown)
	assert.Equal(t, 10, s.LastTeardown.WindowCleared)
	assert.Equal(t, 2, s.LastTeardown.EntriesCleared)
	assert.Zero(t, s.Window.Len)
	assert.Zero(t, s.Aggregator.Pending)

	c.Stop()
	assert.Equal(t, uint64(1), c.Stats().Teardowns)
}

// gatedClock holds NewTicker until released, which keeps Start in the
// Starting state while it builds the aggregator.
type gatedClock struct {
	*timeutil.MockClock
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedClock) NewTicker(d time.Duration) timeutil.Ticker {
	c.once.Do(func() {
		close(c.entered)
		<-c.release
	})
	return c.MockClock.NewTicker(d)
}

func TestController_StopDuringStartTearsDown(t *testing.T) {
	t.Parallel()
	clock := &gatedClock{
		MockClock: timeutil.NewMockClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	c, _ := newTestController(t, Config{Clock: clock})

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()
	<-clock.entered
	require.Equal(t, StateStarting, c.State())

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "Stop must wait for Start to finish")

	close(clock.release)
	require.NoError(t, <-started)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after Start finished")
	}

	assert.Equal(t, StateStopped, c.State())
	assert.Zero(t, c.Session())
	s := c.Stats()
	assert.Equal(t, uint64(1), s.Starts)
	assert.Equal(t, uint64(1), s.Teardowns)
	require.NotNil(t, s.LastTeardown)
}

func TestController_WindowCountsHandoffsNotCalls(t *testing.T) {
	t.Parallel()

	cls := &countingClassifier{release: make(chan struct{}), scores: []float32{1, 0, 0}}
	defer close(cls.release)
	c, _ := newTestController(t, Config{Inference: l5inference.DispatcherConfig{Classifier: cls, MaxInFlight: 1}})
	require.NoError(t, c.Start(context.Background()))

	rng := rand.New(rand.NewSource(5))
	for ts := holistic.Timestamp(0); ts < 32; ts++ {
		reportFrame(c, rng, ts)
	}
	require.True(t, c.Sync())

	s := c.Stats()
	assert.Equal(t, uint64(3), s.Window.Dispatched, "every full frame is handed over")
	assert.Equal(t, uint64(1), s.Inference.Dispatched)
	assert.Equal(t, uint64(2), s.Inference.Skipped)
	assert.Equal(t, s.Window.Dispatched, s.Inference.Dispatched+s.Inference.Skipped)
}

func TestController_StatsBoundedWhenAggregatorBusy(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	c, _ := newTestController(t, Config{
		Aggregator: l2frames.AggregatorConfig{InboxSize: 2},
		OnFrame: func(FrameObservation) {
			once.Do(func() {
				close(entered)
				<-release
			})
		},
	})
	require.NoError(t, c.Start(context.Background()))

	c.ReportDetection(1, holistic.KindPose, detectionFor(holistic.KindPose))
	c.ReportDetection(1, holistic.KindFace, detectionFor(holistic.KindFace))
	require.True(t, c.Sync())
	before := c.Stats()
	require.False(t, before.Stale)
	require.Equal(t, 1, before.Aggregator.Pending)

	// Completing ts 1 parks the aggregator goroutine in OnFrame; two more
	// reports fill the inbox behind it.
	c.ReportDetection(1, holistic.KindHands, detectionFor(holistic.KindHands))
	<-entered
	c.ReportDetection(2, holistic.KindPose, nil)
	c.ReportDetection(3, holistic.KindPose, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	begin := time.Now()
	s := c.StatsContext(ctx)
	assert.Less(t, time.Since(begin), time.Second)
	assert.True(t, s.Stale)
	assert.Equal(t, "running", s.State)
	assert.Equal(t, before.SessionID, s.SessionID)
	assert.Equal(t, before.Aggregator.Submitted, s.Aggregator.Submitted)
	assert.Equal(t, before.Aggregator.Pending, s.Aggregator.Pending)
	assert.Equal(t, before.Window, s.Window)

	assert.True(t, c.Stats().Stale, "Stats gives up after its own timeout")

	close(release)
	require.True(t, c.Sync())
	s = c.Stats()
	assert.False(t, s.Stale)
	assert.Equal(t, uint64(5), s.Aggregator.Submitted)
	assert.Equal(t, uint64(1), s.Aggregator.Completed)
}

func TestController_StopSuppressesLateResults(t *testing.T) {
	t.Parallel()

	cls := &countingClassifier{release: make(chan struct{}), scores: []float32{1, 0, 0}}
	c, _ := newTestController(t, Config{Inference: l5inference.DispatcherConfig{Classifier: cls}})
	require.NoError(t, c.Start(context.Background()))

	rng := rand.New(rand.NewSource(4))
	for ts := holistic.Timestamp(0); ts < 30; ts++ {
		reportFrame(c, rng, ts)
	}
	require.True(t, c.Sync())
	require.Eventually(t, func() bool { return cls.calls.Load() == 1 }, time.Second, time.Millisecond)

	c.Stop()
	close(cls.release)
	require.NoError(t, c.Close())

	assert.Nil(t, c.Latest())
	assert.Equal(t, uint64(1), c.Stats().Inference.Discarded)
}

func TestController_RejectsReportsUnlessRunning(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{})

	c.ReportDetection(1, holistic.KindPose, nil)
	assert.Equal(t, uint64(1), c.Stats().Rejected)
	assert.False(t, c.Sync())

	require.NoError(t, c.Start(context.Background()))
	c.ReportDetection(1, holistic.KindPose, nil)
	require.True(t, c.Sync())
	assert.Equal(t, uint64(1), c.Stats().Rejected)
	assert.Equal(t, 1, c.Stats().Aggregator.Pending)

	c.Stop()
	c.ReportDetection(2, holistic.KindPose, nil)
	assert.Equal(t, uint64(2), c.Stats().Rejected)
}

func TestController_Restart(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	first := c.Session()
	assert.ErrorIs(t, c.Start(ctx), ErrNotStopped)

	c.Stop()
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Start(ctx))
	assert.NotEqual(t, first, c.Session())
	assert.Equal(t, uint64(2), c.Stats().Starts)
}

func TestController_StopsWhenContextCancelled(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	require.Eventually(t, func() bool { return c.State() == StateStopped }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), c.Stats().Teardowns)
}

type closingSource struct {
	frames  int
	started chan struct{}
	exited  atomic.Bool
	closed  atomic.Int32
}

func (s *closingSource) Run(ctx context.Context, r holistic.Reporter) error {
	close(s.started)
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < s.frames; i++ {
		reportFrame(r, rng, holistic.Timestamp(5000+i))
	}
	<-ctx.Done()
	s.exited.Store(true)
	return ctx.Err()
}

func (s *closingSource) Close() error {
	s.closed.Add(1)
	return nil
}

func TestController_SourcesAttachAndDetach(t *testing.T) {
	t.Parallel()

	src := &closingSource{frames: 5, started: make(chan struct{})}
	c, _ := newTestController(t, Config{Sources: []Source{src}})
	require.NoError(t, c.Start(context.Background()))
	<-src.started

	require.Eventually(t, func() bool {
		return c.Stats().Aggregator.Completed == 5
	}, time.Second, time.Millisecond)

	c.Stop()
	assert.True(t, src.exited.Load(), "Stop detaches sources before returning")
	assert.Zero(t, src.closed.Load(), "Stop keeps source handles for a restart")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, int32(1), src.closed.Load())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestController_SessionEvents(t *testing.T) {
	t.Parallel()
	c, _ := newTestController(t, Config{})
	events, _ := c.Subscribe(8)

	require.NoError(t, c.Start(context.Background()))
	session := c.Session()
	c.Stop()
	require.NoError(t, c.Close())

	var kinds []l5inference.EventKind
	for ev := range events {
		assert.Equal(t, session, ev.SessionID)
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []l5inference.EventKind{l5inference.EventSessionStarted, l5inference.EventSessionStopped}, kinds)
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.ErrorIs(t, err, l5inference.ErrNoClassifier)

	cfg := Config{}
	cfg.Inference.Classifier = l5inference.ClassifierFunc(func(context.Context, *l5inference.Tensor) ([]float32, error) {
		return nil, nil
	})
	cfg.Window.Policy = "sometimes"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "state(9)", State(9).String())
}
