package sqlite

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/holistic.report/internal/holistic"
	"github.com/banshee-data/holistic.report/internal/holistic/l4sequence"
	"github.com/banshee-data/holistic.report/internal/holistic/l5inference"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesToLatest(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	// Reopening an up-to-date database is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestMigrateDown(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	_, err = db.Exec(`SELECT target FROM predictions`)
	assert.Error(t, err)

	require.NoError(t, db.MigrateUp())
	_, err = db.Exec(`SELECT target FROM predictions`)
	assert.NoError(t, err)
}

func TestPredictionsRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	session := uuid.New()
	base := time.Unix(1700000000, 0)
	ok := &l5inference.Prediction{
		SessionID: session, SnapshotID: uuid.New(), Label: "thanks", Index: 1, Confidence: 0.9,
		First: 1000, Last: 1029, At: base, Latency: 12 * time.Millisecond, Target: "thanks", Match: true,
	}
	failed := &l5inference.Prediction{
		SessionID: session, SnapshotID: uuid.New(), Index: -1, Err: "inference failed: timeout",
		First: 1030, Last: 1059, At: base.Add(time.Second),
	}
	other := &l5inference.Prediction{SessionID: uuid.New(), SnapshotID: uuid.New(), Label: "hello", At: base.Add(2 * time.Second)}
	for _, p := range []*l5inference.Prediction{ok, failed, other} {
		require.NoError(t, db.InsertPrediction(p))
	}

	got, err := db.RecentPredictions(session, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].IsError())
	assert.Equal(t, -1, got[0].Index)
	assert.Equal(t, "thanks", got[1].Label)
	assert.Equal(t, holistic.Timestamp(1029), got[1].Last)
	assert.Equal(t, 12*time.Millisecond, got[1].Latency)
	assert.True(t, got[1].Match)
	assert.Equal(t, "thanks", got[1].Target)
	assert.True(t, got[1].At.Equal(base))

	all, err := db.RecentPredictions(uuid.Nil, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hello", all[0].Label)

	counts, err := db.LabelCounts(time.Time{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []LabelCount{{Label: "hello", Count: 1}, {Label: "thanks", Count: 1}}, counts)
}

func TestSessionsAndTrackingEvents(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	id := uuid.New()
	start := time.Unix(100, 0)
	require.NoError(t, db.StartSession(id, start))
	require.NoError(t, db.StartSession(id, start.Add(time.Hour)))
	require.NoError(t, db.EndSession(id, start.Add(time.Minute)))

	orphan := uuid.New()
	require.NoError(t, db.EndSession(orphan, start.Add(-time.Minute)))

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, id, sessions[0].SessionID)
	assert.True(t, sessions[0].Started.Equal(start))
	require.NotNil(t, sessions[0].Stopped)
	assert.True(t, sessions[0].Stopped.Equal(start.Add(time.Minute)))

	require.NoError(t, db.InsertTrackingEvent(id, l4sequence.TrackingLost{
		Timestamp: 1015, Quality: 99, Threshold: 1500, Discarded: 15, At: start,
	}))
	events, err := db.TrackingEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, TrackingEvent{SessionID: id, Timestamp: 1015, Quality: 99, Threshold: 1500, Discarded: 15, At: time.Unix(0, start.UnixNano())}, events[0])
}

func TestPrune(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	id := uuid.New()
	require.NoError(t, db.StartSession(id, old))
	require.NoError(t, db.EndSession(id, old))
	require.NoError(t, db.InsertPrediction(&l5inference.Prediction{SessionID: id, Label: "hello", At: old}))
	require.NoError(t, db.InsertPrediction(&l5inference.Prediction{SessionID: id, Label: "hello", At: fresh}))
	require.NoError(t, db.InsertTrackingEvent(id, l4sequence.TrackingLost{At: old}))

	n, err := db.Prune(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	preds, err := db.RecentPredictions(uuid.Nil, 10)
	require.NoError(t, err)
	assert.Len(t, preds, 1)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	rec := NewRecorder(db)

	n := l5inference.NewNotifier()
	events, cancel := n.Subscribe(16)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- rec.Run(context.Background(), events) }()

	session := uuid.New()
	now := time.Now()
	n.Publish(l5inference.Event{Kind: l5inference.EventSessionStarted, SessionID: session, At: now})
	n.PublishPrediction(&l5inference.Prediction{SessionID: session, SnapshotID: uuid.New(), Label: "iloveyou", Index: 2, At: now})
	n.PublishTrackingLost(session, l4sequence.TrackingLost{Timestamp: 7, Quality: 3, Threshold: 1500, At: now})
	n.Publish(l5inference.Event{Kind: l5inference.EventPrediction, SessionID: session, At: now})
	n.Publish(l5inference.Event{Kind: l5inference.EventSessionStopped, SessionID: session, At: now.Add(time.Second)})
	n.Close()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not finish")
	}

	assert.Equal(t, uint64(4), rec.Written())
	assert.Equal(t, uint64(1), rec.Failed())

	preds, err := db.RecentPredictions(session, 10)
	require.NoError(t, err)
	require.Len(t, preds, 1)
	assert.Equal(t, "iloveyou", preds[0].Label)

	sessions, err := db.Sessions(10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.NotNil(t, sessions[0].Stopped)
}

func TestRetention(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	r, err := StartRetention(db, 0, "")
	require.NoError(t, err)
	assert.Nil(t, r)
	r.Stop()

	_, err = StartRetention(db, time.Hour, "not a schedule")
	assert.Error(t, err)

	r, err = StartRetention(db, time.Hour, "@every 1h")
	require.NoError(t, err)
	defer r.Stop()

	require.NoError(t, db.InsertPrediction(&l5inference.Prediction{Label: "hello", At: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, db.InsertPrediction(&l5inference.Prediction{Label: "hello", At: time.Now()}))
	assert.Equal(t, int64(1), r.RunOnce())
	assert.Equal(t, int64(1), r.Pruned())
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "SQL live debugging")
}
