package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l2frames"
	"github.com/banshee-data/holistic.report/internal/holistic/l3features"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

// DefaultDrainTimeout bounds how long Close waits for in-flight classifier
// calls to return.
const DefaultDrainTimeout = 2 * time.Second

// statsTimeout bounds how long Stats waits behind a busy aggregator inbox.
const statsTimeout = 250 * time.Millisecond

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("pipeline closed")
	// ErrNotStopped is returned by Start when the pipeline is already running.
	ErrNotStopped = errors.New("pipeline not stopped")
)

// State is the controller lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Source is a detector stream. Run delivers results to r until ctx is done
// and must return promptly once it is. Sources that also implement io.Closer
// are closed by Controller.Close.
type Source interface {
	Run(ctx context.Context, r holistic.Reporter) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, r holistic.Reporter) error

// Run calls f(ctx, r).
func (f SourceFunc) Run(ctx context.Context, r holistic.Reporter) error { return f(ctx, r) }

// FrameObservation describes one synchronised frame after the quality gate.
type FrameObservation struct {
	SessionID uuid.UUID
	Timestamp holistic.Timestamp
	Quality   int
	Outcome   l4sequence.Outcome
	WindowLen int
}

// Config contains configuration for the Controller. The controller fills in
// the wiring fields of the layer configs (Aggregator.OnFrame,
// Window.Dispatcher, Window.OnTrackingLost, Inference.Slot,
// Inference.Notifier, Inference.SessionID) itself.
type Config struct {
	Aggregator   l2frames.AggregatorConfig
	Window       l4sequence.Config
	Inference    l5inference.DispatcherConfig
	Sources      []Source
	Clock        timeutil.Clock
	DrainTimeout time.Duration

	// OnFrame, when set, observes every frame the window is offered. It runs
	// on the aggregator goroutine and must not block.
	OnFrame func(FrameObservation)
}

// TeardownReport records what a Stop discarded.
type TeardownReport struct {
	SessionID      uuid.UUID `json:"session_id"`
	WindowCleared  int       `json:"window_cleared"`
	EntriesCleared int       `json:"entries_cleared"`
	At             time.Time `json:"at"`
}

// Stats is a point-in-time view of the controller and the current (or last)
// session.
type Stats struct {
	State        string                      `json:"state"`
	SessionID    uuid.UUID                   `json:"session_id"`
	Starts       uint64                      `json:"starts"`
	Teardowns    uint64                      `json:"teardowns"`
	Rejected     uint64                      `json:"rejected"` // reports received while not running
	Aggregator   l2frames.Stats              `json:"aggregator"`
	Window       l4sequence.Stats            `json:"window"`
	Inference    l5inference.DispatcherStats `json:"inference"`
	LastTeardown *TeardownReport             `json:"last_teardown,omitempty"`
	Stale        bool                        `json:"stale,omitempty"` // aggregator and window counters are the last published values
}

type session struct {
	id      uuid.UUID
	agg     *l2frames.Aggregator
	window  *l4sequence.Window
	disp    *l5inference.Dispatcher
	cancel  context.CancelFunc
	sources sync.WaitGroup
	stopped chan struct{}

	lastWindow atomic.Pointer[l4sequence.Stats]
}

// Controller owns the pipeline lifecycle. Every Start builds a fresh
// aggregator, window and dispatcher; the prediction slot and notifier live as
// long as the controller.
type Controller struct {
	config   Config
	clock    timeutil.Clock
	slot     *l5inference.Slot
	notifier *l5inference.Notifier

	state   atomic.Int32
	current atomic.Pointer[session]

	// lifecycle serialises Start and Close.
	lifecycle sync.Mutex
	closed    bool

	statsMu  sync.Mutex
	last     Stats
	lastSess *session

	starts    atomic.Uint64
	teardowns atomic.Uint64
	rejected  atomic.Uint64
}

// New creates a stopped Controller.
func New(config Config) (*Controller, error) {
	if config.Inference.Classifier == nil {
		return nil, l5inference.ErrNoClassifier
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if config.Window.Policy != "" {
		if _, err := l4sequence.ParsePolicy(string(config.Window.Policy)); err != nil {
			return nil, err
		}
	}

	slot := config.Inference.Slot
	if slot == nil {
		slot = &l5inference.Slot{}
	}
	notifier := config.Inference.Notifier
	if notifier == nil {
		notifier = l5inference.NewNotifier()
	}
	return &Controller{
		config:   config,
		clock:    config.Clock,
		slot:     slot,
		notifier: notifier,
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Session returns the ID of the running session, or uuid.Nil when stopped.
func (c *Controller) Session() uuid.UUID {
	if s := c.current.Load(); s != nil {
		return s.id
	}
	return uuid.Nil
}

// Start moves the controller from Stopped to Running: it builds the layer
// components, starts the GC ticker and attaches the detector sources. The
// pipeline stops itself when ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return fmt.Errorf("start: %w (state %s)", ErrNotStopped, c.State())
	}

	s, err := c.build(ctx)
	if err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("start: %w", err)
	}
	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)
	s.sources.Add(len(c.config.Sources))

	c.current.Store(s)
	c.state.Store(int32(StateRunning))
	c.starts.Add(1)

	for i, src := range c.config.Sources {
		go func(i int, src Source) {
			defer s.sources.Done()
			if err := src.Run(runCtx, c); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[Pipeline] Source %d (%T) exited: %v", i, src, err)
			}
		}(i, src)
	}

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-s.stopped:
		}
	}()

	c.notifier.Publish(l5inference.Event{Kind: l5inference.EventSessionStarted, SessionID: s.id, At: c.clock.Now()})
	log.Printf("[Pipeline] Started session %s with %d sources", s.id, len(c.config.Sources))
	return nil
}

func (c *Controller) build(ctx context.Context) (*session, error) {
	s := &session{id: uuid.New(), stopped: make(chan struct{})}

	infCfg := c.config.Inference
	infCfg.Slot = c.slot
	infCfg.Notifier = c.notifier
	infCfg.SessionID = s.id
	if infCfg.Clock == nil {
		infCfg.Clock = c.clock
	}
	// Dispatch results are cut off by Stop, not by the caller's context.
	disp, err := l5inference.NewDispatcher(context.WithoutCancel(ctx), infCfg)
	if err != nil {
		return nil, err
	}
	s.disp = disp

	winCfg := c.config.Window
	winCfg.Dispatcher = disp
	winCfg.OnTrackingLost = func(tl l4sequence.TrackingLost) {
		c.notifier.PublishTrackingLost(s.id, tl)
	}
	if winCfg.Clock == nil {
		winCfg.Clock = c.clock
	}
	s.window = l4sequence.NewWindow(winCfg)

	aggCfg := c.config.Aggregator
	if aggCfg.Clock == nil {
		aggCfg.Clock = c.clock
	}
	observe := c.config.OnFrame
	aggCfg.OnFrame = func(f *holistic.Frame) {
		v, quality := l3features.Extract(f)
		out := s.window.Offer(f.Timestamp, &v, quality)
		if observe != nil {
			observe(FrameObservation{
				SessionID: s.id,
				Timestamp: f.Timestamp,
				Quality:   quality,
				Outcome:   out,
				WindowLen: s.window.Len(),
			})
		}
	}
	s.agg = l2frames.NewAggregator(aggCfg)
	return s, nil
}

// ReportDetection is the external input surface for detector results. It
// never blocks; results are dropped unless the pipeline is running.
func (c *Controller) ReportDetection(ts holistic.Timestamp, kind holistic.DetectorKind, det *holistic.Detection) {
	if c.State() != StateRunning {
		c.rejected.Add(1)
		return
	}
	s := c.current.Load()
	if s == nil {
		c.rejected.Add(1)
		return
	}
	s.agg.ReportDetection(ts, kind, det)
}

// Stop tears the running session down. It is idempotent and safe to call
// from any number of goroutines: a single compare-and-swap from Running to
// Stopping elects the caller that runs the teardown, every other call is a
// no-op. A Stop issued while Start is still building the session waits for
// Start to finish and then tears the new session down.
func (c *Controller) Stop() {
	if c.State() == StateStarting {
		// Start holds lifecycle until the session is Running or has failed.
		c.lifecycle.Lock()
		c.lifecycle.Unlock() //nolint:staticcheck // empty critical section
	}
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	s := c.current.Load()
	if s != nil {
		c.teardown(s)
	}
	c.state.Store(int32(StateStopped))
}

func (c *Controller) teardown(s *session) {
	// Suppress late classifier results before touching the window.
	s.disp.Close()

	report := &TeardownReport{SessionID: s.id}
	s.agg.Do(func() { report.WindowCleared = s.window.Clear() })
	report.EntriesCleared = s.agg.Reset()

	final, _ := c.collect(context.Background(), s)
	s.agg.Close()

	s.cancel()
	s.sources.Wait()

	report.At = c.clock.Now()
	final.LastTeardown = report

	c.statsMu.Lock()
	c.last = final
	c.lastSess = s
	c.statsMu.Unlock()

	c.current.Store(nil)
	c.teardowns.Add(1)
	close(s.stopped)

	c.notifier.Publish(l5inference.Event{Kind: l5inference.EventSessionStopped, SessionID: s.id, At: report.At})
	log.Printf("[Pipeline] Stopped session %s: cleared %d window frames and %d pending entries",
		s.id, report.WindowCleared, report.EntriesCleared)
}

// Close stops the pipeline, waits briefly for in-flight classifier calls,
// releases detector sources that hold handles and closes all subscriptions.
// The controller cannot be restarted afterwards. Safe to call more than once.
func (c *Controller) Close() error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()

	running := c.current.Load()
	c.Stop()
	if running != nil {
		// Another goroutine may own the teardown.
		<-running.stopped
	}

	var errs []error
	c.statsMu.Lock()
	last := c.lastSess
	c.statsMu.Unlock()
	if last != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.DrainTimeout)
		if err := last.disp.Wait(ctx); err != nil {
			log.Printf("[Pipeline] Classifier calls still running after %v", c.config.DrainTimeout)
		}
		cancel()
	}

	for i, src := range c.config.Sources {
		if closer, ok := src.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close source %d: %w", i, err))
			}
		}
	}
	c.notifier.Close()
	return errors.Join(errs...)
}

// Sync waits until every detection reported before the call has been
// processed by the running session. It returns false when stopped.
func (c *Controller) Sync() bool {
	s := c.current.Load()
	if s == nil {
		return false
	}
	return s.agg.Sync()
}

// Latest returns the most recent prediction, or nil.
func (c *Controller) Latest() *l5inference.Prediction {
	return c.slot.Latest()
}

// SetTarget sets the sign the user is practising; predictions report whether
// they match it.
func (c *Controller) SetTarget(label string) {
	c.slot.SetTarget(label)
}

// Target returns the current target sign, or "".
func (c *Controller) Target() string {
	return c.slot.Target()
}

// Subscribe registers for prediction, tracking-lost and session events.
func (c *Controller) Subscribe(buffer int) (<-chan l5inference.Event, func()) {
	return c.notifier.Subscribe(buffer)
}

// Stats returns counters for the controller and the current (or last)
// session. It waits at most statsTimeout for a busy aggregator.
func (c *Controller) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	return c.StatsContext(ctx)
}

// StatsContext returns counters for the controller and the current session,
// or the final counters of the last session when stopped. If ctx ends before
// the aggregator answers, the last published aggregator and window counters
// are returned with Stale set.
func (c *Controller) StatsContext(ctx context.Context) Stats {
	var st Stats
	if s := c.current.Load(); s != nil && c.State() == StateRunning {
		var err error
		if st, err = c.collect(ctx, s); err != nil {
			st.Stale = true
			holistic.Debugf("[Pipeline] Stats for session %s are stale: %v", s.id, err)
		}
	} else {
		c.statsMu.Lock()
		st = c.last
		if c.lastSess != nil {
			// Late classifier results keep counting after teardown.
			st.Inference = c.lastSess.disp.Stats()
		}
		c.statsMu.Unlock()
	}
	st.State = c.State().String()
	st.Starts = c.starts.Load()
	st.Teardowns = c.teardowns.Load()
	st.Rejected = c.rejected.Load()
	return st
}

func (c *Controller) collect(ctx context.Context, s *session) (Stats, error) {
	st := Stats{SessionID: s.id}
	st.Inference = s.disp.Stats()

	var err error
	st.Aggregator, err = s.agg.StatsContext(ctx)
	if err == nil {
		ch := make(chan l4sequence.Stats, 1)
		if err = s.agg.DoContext(ctx, func() { ch <- s.window.Stats() }); err == nil {
			st.Window = <-ch
			s.lastWindow.Store(&st.Window)
			return st, nil
		}
	}
	if w := s.lastWindow.Load(); w != nil {
		st.Window = *w
	}
	return st, err
}
