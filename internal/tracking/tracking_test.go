package tracking

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.status")
	want := StatusFields{RunnerName: "background", JobID: "bg-1", PID: "123", Exit: "SUCCEEDED"}
	require.NoError(t, WriteStatusFile(path, want))

	got, err := ParseStatusFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, got.Complete())
	assert.True(t, got.Succeeded())
}

func TestParseIncompleteStatusFileTreatedAsInProgress(t *testing.T) {
	fields, err := ParseStatusBytes([]byte("CYLC_JOB_PID=123\n"))
	require.NoError(t, err)
	assert.False(t, fields.Complete())
}

func TestParseMissingStatusFileIsNotAnError(t *testing.T) {
	fields, err := ParseStatusFile("/nonexistent/job.status")
	require.NoError(t, err)
	assert.Equal(t, StatusFields{}, fields)
}

func TestScheduleConsumesThenRepeatsLastEntry(t *testing.T) {
	s := NewSchedule([]time.Duration{time.Second, 2 * time.Second, 3 * time.Second})
	assert.Equal(t, time.Second, s.Next())
	assert.Equal(t, 2*time.Second, s.Next())
	assert.Equal(t, 3*time.Second, s.Next())
	assert.Equal(t, 3*time.Second, s.Next())
}

func TestScheduleReset(t *testing.T) {
	s := NewSchedule([]time.Duration{time.Second, 2 * time.Second})
	s.Next()
	s.Reset()
	assert.Equal(t, time.Second, s.Next())
}

func TestTimeoutFiresAfterDeadline(t *testing.T) {
	start := time.Now()
	to := &Timeout{Duration: 10 * time.Second}
	to.Arm(start)
	assert.False(t, to.Fired(start.Add(5*time.Second)))
	assert.True(t, to.Fired(start.Add(11*time.Second)))
}

func TestTimeoutResetsOnMessage(t *testing.T) {
	start := time.Now()
	to := &Timeout{Duration: 10 * time.Second, ResetOnMsg: true}
	to.Arm(start)
	to.OnMessage(start.Add(8 * time.Second))
	assert.False(t, to.Fired(start.Add(15*time.Second)))
}

func TestStatusFileWatcherReportsWrite(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.WatchDir(dir))

	path := filepath.Join(dir, "job.status")
	require.NoError(t, WriteStatusFile(path, StatusFields{RunnerName: "background", JobID: "bg-1"}))

	select {
	case upd := <-w.Updates:
		assert.Equal(t, "bg-1", upd.Fields.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a status update")
	}
}
