package l2frames

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/timeutil"
)

const (
	// DefaultHorizon is how long an incomplete entry may wait for its peers.
	DefaultHorizon = 1000 * time.Millisecond
	// DefaultGCInterval is the period of the background sweep.
	DefaultGCInterval = 250 * time.Millisecond
	// DefaultInboxSize bounds the number of queued submissions.
	DefaultInboxSize = 1024
)

// ErrClosed is returned by DoContext and StatsContext once the aggregator has
// been closed.
var ErrClosed = errors.New("aggregator closed")

// AggregatorConfig contains configuration for the Aggregator.
type AggregatorConfig struct {
	Horizon    time.Duration         // max age of an incomplete entry (default: 1s)
	GCInterval time.Duration         // background sweep period (default: 250ms)
	InboxSize  int                   // queued submissions before drops (default: 1024)
	Clock      timeutil.Clock        // time source (default: RealClock)
	OnFrame    func(*holistic.Frame) // completion handler, runs on the aggregator goroutine
}

// Entry collects the per-kind results for one timestamp.
type Entry struct {
	Timestamp holistic.Timestamp
	Created   time.Time
	slots     [holistic.NumKinds]*holistic.Detection
	filled    [holistic.NumKinds]bool
}

// Complete reports whether every detector kind has reported, either with
// landmarks or as absent.
func (e *Entry) Complete() bool {
	for _, ok := range e.filled {
		if !ok {
			return false
		}
	}
	return true
}

// Filled returns how many of the three slots have received a submission.
func (e *Entry) Filled() int {
	n := 0
	for _, ok := range e.filled {
		if ok {
			n++
		}
	}
	return n
}

func (e *Entry) frame() *holistic.Frame {
	return &holistic.Frame{Timestamp: e.Timestamp, Slots: e.slots}
}

// Stats is a point-in-time view of aggregator counters.
type Stats struct {
	Submitted  uint64 // submissions processed by the aggregator goroutine
	Dropped    uint64 // submissions rejected because the inbox was full or closed
	Invalid    uint64 // negative timestamps or unknown kinds
	Duplicates uint64 // submissions for a timestamp that already completed
	Overwrites uint64 // second submission for the same (timestamp, kind)
	Opened     uint64 // entries created
	Completed  uint64 // entries forwarded to the completion handler
	Expired    uint64 // incomplete entries removed after the horizon
	Pending    int    // entries currently waiting for peers
}

type message struct {
	result holistic.PartialResult
	fn     func()
}

// Aggregator synchronises partial detector results by timestamp. A single
// goroutine owns the entry table, so lookup, slot write and the
// completion check happen without locks. The completion handler runs on the
// same goroutine; it must not call Do, Sync, Sweep, Reset, Stats, Pending or
// Contains, which would deadlock.
type Aggregator struct {
	horizon time.Duration
	clock   timeutil.Clock
	onFrame func(*holistic.Frame)

	inbox     chan message
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	ticker    timeutil.Ticker

	dropped   atomic.Uint64
	published atomic.Pointer[Stats] // last snapshot taken on the run goroutine

	// Owned by the run goroutine.
	entries    map[holistic.Timestamp]*Entry
	tombstones map[holistic.Timestamp]time.Time
	stats      Stats
}

// NewAggregator creates an Aggregator and starts its goroutine. Call Close to
// stop it.
func NewAggregator(config AggregatorConfig) *Aggregator {
	if config.Horizon <= 0 {
		config.Horizon = DefaultHorizon
	}
	if config.GCInterval <= 0 {
		config.GCInterval = DefaultGCInterval
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	if config.Clock == nil {
		config.Clock = timeutil.RealClock{}
	}

	a := &Aggregator{
		horizon:    config.Horizon,
		clock:      config.Clock,
		onFrame:    config.OnFrame,
		inbox:      make(chan message, config.InboxSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		entries:    make(map[holistic.Timestamp]*Entry),
		tombstones: make(map[holistic.Timestamp]time.Time),
	}
	// Created before the goroutine starts so a mock clock sees it at once.
	a.ticker = config.Clock.NewTicker(config.GCInterval)

	go a.run()
	return a
}

// Submit queues a partial result without blocking. When the inbox is full or
// the aggregator is closed the result is dropped and counted.
func (a *Aggregator) Submit(p holistic.PartialResult) {
	select {
	case <-a.quit:
		a.dropped.Add(1)
		return
	default:
	}

	select {
	case a.inbox <- message{result: p}:
	default:
		n := a.dropped.Add(1)
		if n == 1 || n%1000 == 0 {
			log.Printf("[Aggregator] Dropped submission ts=%d kind=%s: inbox full (total dropped: %d)",
				p.Timestamp, p.Kind, n)
		}
	}
}

// ReportDetection adapts the aggregator to holistic.Reporter.
func (a *Aggregator) ReportDetection(ts holistic.Timestamp, kind holistic.DetectorKind, det *holistic.Detection) {
	a.Submit(holistic.PartialResult{Timestamp: ts, Kind: kind, Detection: det})
}

// Do runs fn on the aggregator goroutine after every submission queued before
// it, and waits for it to finish. It returns false if the aggregator closed
// before fn ran.
func (a *Aggregator) Do(fn func()) bool {
	return a.DoContext(context.Background(), fn) == nil
}

// DoContext is Do with a bound on both queueing and completion. It returns
// ctx.Err() if ctx ends first, in which case fn may still run later and must
// only hand results back over a buffered channel.
func (a *Aggregator) DoContext(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	msg := message{fn: func() {
		fn()
		close(ran)
	}}

	select {
	case a.inbox <- msg:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ran:
		return nil
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every submission queued before the call has been
// processed.
func (a *Aggregator) Sync() bool {
	return a.Do(func() {})
}

// Sweep runs a garbage-collection pass immediately and returns the number of
// incomplete entries removed.
func (a *Aggregator) Sweep() int {
	var n int
	a.Do(func() { n = a.sweep() })
	return n
}

// Reset discards every pending entry and tombstone, returning how many
// pending entries were discarded.
func (a *Aggregator) Reset() int {
	var n int
	a.Do(func() {
		n = len(a.entries)
		a.entries = make(map[holistic.Timestamp]*Entry)
		a.tombstones = make(map[holistic.Timestamp]time.Time)
	})
	if n > 0 {
		holistic.Debugf("[Aggregator] Reset discarded %d pending entries", n)
	}
	return n
}

// Pending returns the number of incomplete entries.
func (a *Aggregator) Pending() int {
	var n int
	a.Do(func() { n = len(a.entries) })
	return n
}

// Contains reports whether an incomplete entry exists for ts.
func (a *Aggregator) Contains(ts holistic.Timestamp) bool {
	var ok bool
	a.Do(func() { _, ok = a.entries[ts] })
	return ok
}

// Stats returns a snapshot of the aggregator counters. After Close it
// returns the final counters.
func (a *Aggregator) Stats() Stats {
	s, _ := a.StatsContext(context.Background())
	return s
}

// StatsContext is Stats with a bound on how long it waits behind queued
// submissions. When ctx ends first it returns the last published snapshot
// along with ctx.Err().
func (a *Aggregator) StatsContext(ctx context.Context) (Stats, error) {
	ch := make(chan Stats, 1)
	err := a.DoContext(ctx, func() { ch <- a.publish() })

	var s Stats
	switch {
	case err == nil:
		s = <-ch
	case errors.Is(err, ErrClosed):
		<-a.done
		s = a.snapshot()
		err = nil
	default:
		if p := a.published.Load(); p != nil {
			s = *p
		}
	}
	s.Dropped = a.dropped.Load()
	return s, err
}

// publish takes a snapshot and keeps it for callers that cannot wait.
func (a *Aggregator) publish() Stats {
	s := a.snapshot()
	a.published.Store(&s)
	return s
}

func (a *Aggregator) snapshot() Stats {
	s := a.stats
	s.Pending = len(a.entries)
	return s
}

// Close stops the aggregator goroutine and waits for it to exit. Queued
// submissions that were not yet processed are discarded. Safe to call more
// than once.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.quit)
		<-a.done
		a.ticker.Stop()
	})
}

func (a *Aggregator) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case msg := <-a.inbox:
			if msg.fn != nil {
				msg.fn()
				continue
			}
			a.handle(msg.result)
		case <-a.ticker.C():
			a.sweep()
			a.publish()
		}
	}
}

func (a *Aggregator) handle(p holistic.PartialResult) {
	if !p.Timestamp.Valid() || !p.Kind.Valid() {
		a.stats.Invalid++
		return
	}
	a.stats.Submitted++

	if _, done := a.tombstones[p.Timestamp]; done {
		a.stats.Duplicates++
		holistic.Debugf("[Aggregator] Ignored %s for completed ts=%d", p.Kind, p.Timestamp)
		return
	}

	now := a.clock.Now()
	e, ok := a.entries[p.Timestamp]
	if ok && now.Sub(e.Created) > a.horizon {
		// Past the horizon but not yet swept: expire it here so it can never
		// complete, and start over with this submission.
		holistic.Debugf("[Aggregator] Expired ts=%d with %d/%d slots on late %s",
			p.Timestamp, e.Filled(), holistic.NumKinds, p.Kind)
		delete(a.entries, p.Timestamp)
		a.stats.Expired++
		ok = false
	}
	if !ok {
		e = &Entry{Timestamp: p.Timestamp, Created: now}
		a.entries[p.Timestamp] = e
		a.stats.Opened++
	}
	if e.filled[p.Kind] {
		a.stats.Overwrites++
	}
	e.slots[p.Kind] = p.Detection
	e.filled[p.Kind] = true

	if !e.Complete() {
		return
	}

	delete(a.entries, p.Timestamp)
	a.tombstones[p.Timestamp] = now
	a.stats.Completed++

	if a.onFrame != nil {
		a.onFrame(e.frame())
	}
	a.sweep()
}

// sweep removes incomplete entries older than the horizon and forgets
// tombstones older than the horizon.
func (a *Aggregator) sweep() int {
	now := a.clock.Now()
	removed := 0
	for ts, e := range a.entries {
		if now.Sub(e.Created) > a.horizon {
			holistic.Debugf("[Aggregator] Expired ts=%d with %d/%d slots after %v",
				ts, e.Filled(), holistic.NumKinds, now.Sub(e.Created))
			delete(a.entries, ts)
			removed++
		}
	}
	for ts, at := range a.tombstones {
		if now.Sub(at) > a.horizon {
			delete(a.tombstones, ts)
		}
	}
	a.stats.Expired += uint64(removed)
	return removed
}
