package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ethsync/stagesync/emitters"
	"github.com/ethsync/stagesync/log"
	"github.com/ethsync/stagesync/metrics"
	"github.com/ethsync/stagesync/stagedsync"
)

type fakeCheckpoints struct {
	progress []stagedsync.StageProgress
	err      error
}

func (f *fakeCheckpoints) Checkpoints(context.Context) ([]stagedsync.StageProgress, error) {
	return f.progress, f.err
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetStages(t *testing.T) {
	src := &fakeCheckpoints{progress: []stagedsync.StageProgress{
		{ID: "Headers", Height: 120},
		{ID: "Finish", Height: 100},
	}}
	m := metrics.NewDefaultRequestMetrics("test_get_stages")
	a := NewStatusAPI(src, NewStatusTracker(nil), m, log.NewNopLogger())

	rec := get(t, a.Router(), "/v1/stages")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `[{"id":"Headers","height":120},{"id":"Finish","height":100}]`, rec.Body.String())

	require.InDelta(t, 1, testutil.ToFloat64(m.RequestCounter("/v1/stages", "success", "200")), 0)
}

func TestGetStagesError(t *testing.T) {
	src := &fakeCheckpoints{err: errors.New("db down")}
	a := NewStatusAPI(src, NewStatusTracker(nil), nil, log.NewNopLogger())

	rec := get(t, a.Router(), "/v1/stages")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"msg":"failed to read checkpoints"}`, rec.Body.String())
}

func TestGetStatus(t *testing.T) {
	tracker := NewStatusTracker([]stagedsync.StageID{"Headers", "Finish"})
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tracker.now = func() time.Time { return now }

	tracker.Observe(stagedsync.Event{Kind: stagedsync.EventRunning, Stage: "Headers", RunID: "run-1", Checkpoint: 10, Target: 20})
	tracker.Observe(stagedsync.Event{
		Kind:       stagedsync.EventRan,
		Stage:      "Headers",
		RunID:      "run-1",
		Checkpoint: 10,
		Target:     20,
		ExecOutput: &stagedsync.ExecOutput{BlockReached: 20, Done: true},
	})
	tracker.Observe(stagedsync.Event{
		Kind:           stagedsync.EventRollbacked,
		Stage:          "Finish",
		RunID:          "run-1",
		Checkpoint:     15,
		Target:         12,
		RollbackOutput: &stagedsync.RollbackOutput{BlockReached: 12},
	})
	tracker.Observe(stagedsync.Event{Kind: stagedsync.EventRan, Stage: "Unknown"})

	a := NewStatusAPI(&fakeCheckpoints{}, tracker, nil, log.NewNopLogger())
	rec := get(t, a.Router(), "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, "run-1", status.RunID)
	require.EqualValues(t, 1, status.Rollbacks)
	require.Len(t, status.Stages, 2)

	require.Equal(t, stagedsync.StageID("Headers"), status.Stages[0].Stage)
	require.Equal(t, "ran", status.Stages[0].LastEvent)
	require.EqualValues(t, 20, status.Stages[0].Checkpoint)
	require.True(t, now.Equal(*status.Stages[0].UpdatedAt))

	require.Equal(t, "rollbacked", status.Stages[1].LastEvent)
	require.EqualValues(t, 12, status.Stages[1].Checkpoint)
	require.EqualValues(t, 12, status.Stages[1].Target)
}

func TestStatusTrackerConsume(t *testing.T) {
	tracker := NewStatusTracker([]stagedsync.StageID{"Headers"})
	e := emitters.New[stagedsync.Event](4)
	sub := e.Subscribe()
	e.Emit(stagedsync.Event{Kind: stagedsync.EventSkipped, Stage: "Headers", Checkpoint: 7, Target: 7})
	e.Close()

	require.NoError(t, tracker.Consume(context.Background(), sub))
	snapshot := tracker.Snapshot()
	require.Equal(t, "skipped", snapshot.Stages[0].LastEvent)
	require.EqualValues(t, 7, snapshot.Stages[0].Checkpoint)
}

func TestHealthAndNotFound(t *testing.T) {
	a := NewStatusAPI(&fakeCheckpoints{}, NewStatusTracker(nil), nil, log.NewNopLogger())
	require.Equal(t, http.StatusOK, get(t, a.Router(), "/healthz").Code)
	require.Equal(t, http.StatusNotFound, get(t, a.Router(), "/v1/nope").Code)
}
