package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/broadcast"
	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndLoadTaskState(t *testing.T) {
	s := openTestStore(t)
	row := TaskStateRow{TaskName: "a", Point: "1", SubmitNumber: 1, State: "succeeded"}
	require.NoError(t, s.PutTaskState(row))

	rows, err := s.LoadTaskStates()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, row, rows[0])
}

func TestTaskJobsOrderedByTryNum(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.PutTaskJob(TaskJobRow{TaskName: "t", Point: "1", SubmitNumber: 1, TryNum: i}))
	}
	rows, err := s.LoadTaskJobs("t", "1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 1, rows[0].TryNum)
	assert.Equal(t, 3, rows[2].TryNum)
}

func TestTaskEventsPreserveSequenceOrder(t *testing.T) {
	s := openTestStore(t)
	id := taskinstance.ID{TaskName: "a", Point: cycletime.NewInteger(1), SubmitNumber: 1}
	require.NoError(t, s.PutTaskEvent(2, taskinstance.Event{ID: id, To: taskinstance.Running}))
	require.NoError(t, s.PutTaskEvent(1, taskinstance.Event{ID: id, To: taskinstance.Submitted}))

	events, err := s.LoadTaskEvents()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, taskinstance.Submitted, events[0].To)
	assert.Equal(t, taskinstance.Running, events[1].To)
}

func TestBroadcastEventsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rec := broadcast.Record{Change: broadcast.ChangeSet, Point: "*", Namespace: "t", Key: "environment.X", Value: "1"}
	require.NoError(t, s.PutBroadcastEvent(1, rec))

	recs, err := s.LoadBroadcastEvents()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].Value)
}

func TestWorkflowParamRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutWorkflowParam("utc_mode", "true"))
	v, ok, err := s.GetWorkflowParam("utc_mode")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestTaskPoolSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	rows := []TaskStateRow{{TaskName: "a", Point: "1", SubmitNumber: 1, State: "waiting"}}
	require.NoError(t, s.PutTaskPoolSnapshot(rows))

	got, err := s.LoadTaskPoolSnapshot()
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestPutBatchAppliesAllWrites(t *testing.T) {
	s := openTestStore(t)
	err := s.PutBatch("workflow_params", map[string]any{
		"a": "1",
		"b": "2",
	})
	require.NoError(t, err)
	va, _, _ := s.GetWorkflowParam("a")
	vb, _, _ := s.GetWorkflowParam("b")
	assert.Equal(t, "1", va)
	assert.Equal(t, "2", vb)
}

func TestPutBatchUnknownBucket(t *testing.T) {
	s := openTestStore(t)
	err := s.PutBatch("nonexistent", map[string]any{"a": "1"})
	assert.Error(t, err)
}

func TestXtriggerRoundTrip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutXtrigger(XtriggerRow{Label: "clock", Outputs: map[string]string{"X": "1"}}))
	rows, err := s.LoadXtriggers()
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "clock", rows[0].Label)
	_ = time.Now()
}
