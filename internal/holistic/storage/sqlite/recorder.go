package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
)

// Recorder writes pipeline events to the history database.
type Recorder struct {
	db      *DB
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder for db.
func NewRecorder(db *DB) *Recorder {
	return &Recorder{db: db}
}

// Run records events until the channel closes or ctx is done. Write errors
// are logged and counted; they never stop the recorder.
func (r *Recorder) Run(ctx context.Context, events <-chan l5inference.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Record(ev); err != nil {
				r.failed.Add(1)
				log.Printf("[History] Failed to record %s event: %v", ev.Kind, err)
				continue
			}
			r.written.Add(1)
		}
	}
}

// Record writes a single event.
func (r *Recorder) Record(ev l5inference.Event) error {
	switch ev.Kind {
	case l5inference.EventSessionStarted:
		return r.db.StartSession(ev.SessionID, ev.At)
	case l5inference.EventSessionStopped:
		return r.db.EndSession(ev.SessionID, ev.At)
	case l5inference.EventPrediction:
		if ev.Prediction == nil {
			return errors.New("prediction event without prediction")
		}
		return r.db.InsertPrediction(ev.Prediction)
	case l5inference.EventTrackingLost:
		if ev.TrackingLost == nil {
			return errors.New("tracking-lost event without payload")
		}
		return r.db.InsertTrackingEvent(ev.SessionID, *ev.TrackingLost)
	default:
		holistic.Debugf("[History] Ignoring event kind %q", ev.Kind)
		return nil
	}
}

// Written returns how many events were stored.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Failed returns how many events could not be stored.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }

// DefaultRetentionSchedule prunes once an hour.
const DefaultRetentionSchedule = "@hourly"

// Retention prunes history older than MaxAge on a cron schedule.
type Retention struct {
	db     *DB
	maxAge time.Duration
	cron   *cron.Cron
	now    func() time.Time
	pruned atomic.Int64
}

// StartRetention schedules pruning of rows older than maxAge. schedule uses
// standard cron syntax or descriptors such as "@hourly" (default:
// DefaultRetentionSchedule). A non-positive maxAge disables pruning and
// returns nil.
func StartRetention(db *DB, maxAge time.Duration, schedule string) (*Retention, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	if schedule == "" {
		schedule = DefaultRetentionSchedule
	}
	r := &Retention{db: db, maxAge: maxAge, cron: cron.New(), now: time.Now}
	if _, err := r.cron.AddFunc(schedule, func() { r.RunOnce() }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	r.cron.Start()
	log.Printf("[History] Retention: pruning rows older than %v (%s)", maxAge, schedule)
	return r, nil
}

// RunOnce prunes immediately and returns the number of rows removed.
func (r *Retention) RunOnce() int64 {
	n, err := r.db.Prune(r.now().Add(-r.maxAge))
	if err != nil {
		log.Printf("[History] Retention prune failed: %v", err)
		return 0
	}
	r.pruned.Add(n)
	if n > 0 {
		log.Printf("[History] Pruned %d rows", n)
	}
	return n
}

// Pruned returns the total rows removed so far.
func (r *Retention) Pruned() int64 { return r.pruned.Load() }

// Stop halts the schedule and waits for a running prune to finish. Safe on
// a nil Retention.
func (r *Retention) Stop() {
	if r == nil {
		return
	}
	<-r.cron.Stop().Done()
}
