package l5inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

// ErrNoClassifier is returned by NewDispatcher when no classifier is given.
var ErrNoClassifier = errors.New("dispatcher requires a classifier")

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	Classifier  Classifier     // required
	Labels      Labels         // class table (default: DefaultLabels)
	Slot        *Slot          // latest-value slot (default: a new Slot)
	Notifier    *Notifier      // optional event fan-out
	MaxInFlight int            // concurrent classifier calls, 0 = unbounded
	Timeout     time.Duration  // per-call deadline, 0 = none
	Clock       timeutil.Clock // time source (default: RealClock)
	SessionID   uuid.UUID      // stamped on every prediction
}

// DispatcherStats holds dispatcher counters.
type DispatcherStats struct {
	Dispatched uint64 // classifier calls started
	Skipped    uint64 // snapshots skipped because MaxInFlight was reached
	Succeeded  uint64
	Failed     uint64
	Discarded  uint64 // results that arrived after Close
	InFlight   int64
}

// Dispatcher runs the classifier for each snapshot on its own goroutine and
// publishes the result to the slot. Publication order follows completion
// order, not dispatch order.
type Dispatcher struct {
	classifier Classifier
	labels     Labels
	slot       *Slot
	notifier   *Notifier
	timeout    time.Duration
	clock      timeutil.Clock
	sem        *semaphore.Weighted
	session    uuid.UUID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mu orders publication against Close so no result is published once
	// Close has returned.
	mu     sync.Mutex
	closed bool

	dispatched atomic.Uint64
	skipped    atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	discarded  atomic.Uint64
	inFlight   atomic.Int64
}

// NewDispatcher creates a Dispatcher whose classifier calls run under a
// context derived from parent.
func NewDispatcher(parent context.Context, config DispatcherConfig) (*Dispatcher, error) {
	if config.Classifier == nil {
		return nil, ErrNoClassifier
	}
	if len(config.Labels) == 0 {
		config.Labels = DefaultLabels
	}
	if config.Slot == nil {
		config.Slot = &Slot{}
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}

	d := &Dispatcher{
		classifier: config.Classifier,
		labels:     config.Labels,
		slot:       config.Slot,
		notifier:   config.Notifier,
		timeout:    config.Timeout,
		clock:      config.Clock,
		session:    config.SessionID,
	}
	if config.MaxInFlight > 0 {
		d.sem = semaphore.NewWeighted(int64(config.MaxInFlight))
	}
	d.ctx, d.cancel = context.WithCancel(parent)
	return d, nil
}

// Slot returns the slot predictions are published to.
func (d *Dispatcher) Slot() *Slot { return d.slot }

// Dispatch starts a classifier call for snap and returns immediately. The
// snapshot is owned by the dispatcher from here on.
func (d *Dispatcher) Dispatch(snap *l4sequence.Snapshot) {
	if d.ctx.Err() != nil {
		d.discarded.Add(1)
		return
	}
	if d.sem != nil && !d.sem.TryAcquire(1) {
		n := d.skipped.Add(1)
		holistic.Debugf("[Dispatcher] Skipped %s: %d calls in flight (total skipped: %d)",
			snap.ID, d.inFlight.Load(), n)
		return
	}

	d.dispatched.Add(1)
	d.inFlight.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		if d.sem != nil {
			defer d.sem.Release(1)
		}
		d.run(snap)
	}()
}

func (d *Dispatcher) run(snap *l4sequence.Snapshot) {
	ctx := d.ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := d.clock.Now()
	p := &Prediction{
		SessionID:  d.session,
		SnapshotID: snap.ID,
		Index:      -1,
		First:      snap.First(),
		Last:       snap.Last(),
	}

	scores, err := d.classifier.Classify(ctx, NewTensor(snap))
	if err == nil {
		p.Index, p.Confidence, err = ArgMax(scores)
	}
	p.At = d.clock.Now()
	p.Latency = p.At.Sub(start)

	if err != nil {
		p.Err = fmt.Sprintf("inference failed: %v", err)
		p.Index = -1
	} else {
		p.Label = d.labels.Name(p.Index)
	}

	if !d.publish(p) {
		d.discarded.Add(1)
		holistic.Debugf("[Dispatcher] Discarded result for %s: dispatcher closed", snap.ID)
		return
	}
	if p.IsError() {
		d.failed.Add(1)
		log.Printf("[Dispatcher] Snapshot %s (%d..%d): %s", snap.ID, p.First, p.Last, p.Err)
		return
	}
	d.succeeded.Add(1)
	holistic.Debugf("[Dispatcher] Snapshot %s (%d..%d): %s %.3f in %v",
		snap.ID, p.First, p.Last, p.Label, p.Confidence, p.Latency)
}

func (d *Dispatcher) publish(p *Prediction) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.slot.Publish(p)
	if d.notifier != nil {
		d.notifier.PublishPrediction(p)
	}
	return true
}

// Close cancels in-flight classifier calls and guarantees that no result is
// published after it returns. It does not wait for the calls to exit; use
// Wait for that. Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
}

// Wait blocks until every dispatched call has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Dispatched: d.dispatched.Load(),
		Skipped:    d.skipped.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Discarded:  d.discarded.Load(),
		InFlight:   d.inFlight.Load(),
	}
}
