package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
)

// Session is one Start..Stop run of the pipeline.
type Session struct {
	SessionID uuid.UUID  `json:"session_id"`
	Started   time.Time  `json:"started"`
	Stopped   *time.Time `json:"stopped,omitempty"`
}

// TrackingEvent is a persisted tracking-lost signal.
type TrackingEvent struct {
	SessionID uuid.UUID          `json:"session_id"`
	Timestamp holistic.Timestamp `json:"ts"`
	Quality   int                `json:"quality"`
	Threshold int                `json:"threshold"`
	Discarded int                `json:"discarded"`
	At        time.Time          `json:"at"`
}

// StartSession records the start of a session. Repeating it is a no-op.
func (db *DB) StartSession(id uuid.UUID, at time.Time) error {
	_, err := db.Exec(`INSERT OR IGNORE INTO sessions (session_id, started_ns) VALUES (?, ?)`,
		id.String(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession records the end of a session, creating the row if the start
// was never recorded.
func (db *DB) EndSession(id uuid.UUID, at time.Time) error {
	_, err := db.Exec(`
		INSERT INTO sessions (session_id, started_ns, stopped_ns) VALUES (?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET stopped_ns = excluded.stopped_ns
	`, id.String(), at.UnixNano(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// InsertPrediction stores one prediction, successful or failed.
func (db *DB) InsertPrediction(p *l5inference.Prediction) error {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO predictions (
			session_id, snapshot_id, label, label_index, confidence, error,
			first_ts, last_ts, latency_ns, matched, target, created_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.SessionID.String(),
		p.SnapshotID.String(),
		nullString(p.Label),
		p.Index,
		p.Confidence,
		nullString(p.Err),
		int64(p.First),
		int64(p.Last),
		p.Latency.Nanoseconds(),
		p.Match,
		nullString(p.Target),
		at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// InsertTrackingEvent stores one tracking-lost signal.
func (db *DB) InsertTrackingEvent(session uuid.UUID, tl l4sequence.TrackingLost) error {
	at := tl.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO tracking_events (session_id, ts, quality, threshold, discarded, created_ns)
		VALUES (?, ?, ?, ?, ?, ?)
	`, session.String(), int64(tl.Timestamp), tl.Quality, tl.Threshold, tl.Discarded, at.UnixNano())
	if err != nil {
		return fmt.Errorf("insert tracking event: %w", err)
	}
	return nil
}

// RecentPredictions returns up to limit predictions, newest first. A zero
// session matches every session.
func (db *DB) RecentPredictions(session uuid.UUID, limit int) ([]l5inference.Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT session_id, snapshot_id, label, label_index, confidence, error,
		       first_ts, last_ts, latency_ns, matched, target, created_ns
		FROM predictions`
	args := []any{}
	if session != uuid.Nil {
		query += ` WHERE session_id = ?`
		args = append(args, session.String())
	}
	query += ` ORDER BY created_ns DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []l5inference.Prediction
	for rows.Next() {
		var (
			p                          l5inference.Prediction
			sessionID, snapshotID      string
			label, errMsg, target      sql.NullString
			first, last, latency, atNs int64
		)
		if err := rows.Scan(&sessionID, &snapshotID, &label, &p.Index, &p.Confidence, &errMsg,
			&first, &last, &latency, &p.Match, &target, &atNs); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		p.SessionID, _ = uuid.Parse(sessionID)
		p.SnapshotID, _ = uuid.Parse(snapshotID)
		p.Label = label.String
		p.Err = errMsg.String
		p.Target = target.String
		p.First = holistic.Timestamp(first)
		p.Last = holistic.Timestamp(last)
		p.Latency = time.Duration(latency)
		p.At = time.Unix(0, atNs)
		out = append(out, p)
	}
	return out, rows.Err()
}

// TrackingEvents returns up to limit tracking-lost events, newest first.
func (db *DB) TrackingEvents(limit int) ([]TrackingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, ts, quality, threshold, discarded, created_ns
		FROM tracking_events ORDER BY created_ns DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query tracking events: %w", err)
	}
	defer rows.Close()

	var out []TrackingEvent
	for rows.Next() {
		var (
			ev        TrackingEvent
			sessionID string
			ts, atNs  int64
		)
		if err := rows.Scan(&sessionID, &ts, &ev.Quality, &ev.Threshold, &ev.Discarded, &atNs); err != nil {
			return nil, fmt.Errorf("scan tracking event: %w", err)
		}
		ev.SessionID, _ = uuid.Parse(sessionID)
		ev.Timestamp = holistic.Timestamp(ts)
		ev.At = time.Unix(0, atNs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Sessions returns up to limit sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT session_id, started_ns, stopped_ns FROM sessions
		ORDER BY started_ns DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			id      string
			started int64
			stopped sql.NullInt64
		)
		if err := rows.Scan(&id, &started, &stopped); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.SessionID, _ = uuid.Parse(id)
		s.Started = time.Unix(0, started)
		if stopped.Valid {
			t := time.Unix(0, stopped.Int64)
			s.Stopped = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LabelCount is how often a label was predicted.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LabelCounts tallies successful predictions by label, most frequent first.
func (db *DB) LabelCounts(since time.Time) ([]LabelCount, error) {
	rows, err := db.Query(`
		SELECT label, COUNT(*) FROM predictions
		WHERE error IS NULL AND label IS NOT NULL AND created_ns >= ?
		GROUP BY label ORDER BY COUNT(*) DESC, label
	`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query label counts: %w", err)
	}
	defer rows.Close()

	var out []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, fmt.Errorf("scan label count: %w", err)
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

// Prune deletes predictions, tracking events and finished sessions created
// before cutoff. It returns the number of rows removed.
func (db *DB) Prune(cutoff time.Time) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	ns := cutoff.UnixNano()
	var total int64
	for _, stmt := range []string{
		`DELETE FROM predictions WHERE created_ns < ?`,
		`DELETE FROM tracking_events WHERE created_ns < ?`,
		`DELETE FROM sessions WHERE stopped_ns IS NOT NULL AND stopped_ns < ?`,
	} {
		res, err := tx.Exec(stmt, ns)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return total, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
