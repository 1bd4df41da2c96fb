package rundir

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesFixedSubtree(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, "example-flow")
	require.NoError(t, err)

	for _, sub := range []string{"log/scheduler", "log/config", "log/job", "log/db", ".service", "share", "work"} {
		info, err := os.Stat(filepath.Join(root, "example-flow", sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.Equal(t, filepath.Join(root, "example-flow"), d.Base())
}

func TestOpenUsesEnvOverrideWhenRootEmpty(t *testing.T) {
	root := t.TempDir()
	t.Setenv("FLOWCORE_RUN_DIR", root)

	d, err := Open("", "envflow")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "envflow"), d.Base())
}

func TestContactRoundTrip(t *testing.T) {
	d, err := Open(t.TempDir(), "f")
	require.NoError(t, err)

	c := Contact{Host: "127.0.0.1", Port: 43001, Token: "tok", PID: os.Getpid(), StartTime: time.Unix(1700000000, 0).UTC()}
	require.NoError(t, d.WriteContact(c))

	info, err := os.Stat(d.ContactFile())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := d.ReadContact()
	require.NoError(t, err)
	assert.Equal(t, c.Host, got.Host)
	assert.Equal(t, c.Port, got.Port)
	assert.Equal(t, c.Token, got.Token)

	require.NoError(t, d.RemoveContact())
	_, err = d.ReadContact()
	assert.Error(t, err)
}

func TestJobLogDirLayout(t *testing.T) {
	d, err := Open(t.TempDir(), "f")
	require.NoError(t, err)

	dir, err := d.EnsureJobLogDir("20260101T0000Z", "foo", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(d.Base(), "log", "job", "20260101T0000Z", "foo", "01"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	statusFile := d.JobFile("20260101T0000Z", "foo", 1, "job.status")
	assert.Equal(t, filepath.Join(dir, "job.status"), statusFile)
}

func TestConfigSnapshotNumbering(t *testing.T) {
	d, err := Open(t.TempDir(), "f")
	require.NoError(t, err)

	n, err := d.NextConfigSnapshotNum()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, d.WriteFlowSnapshot([]byte("scheduling:\n"), n, "start"))

	n2, err := d.NextConfigSnapshotNum()
	require.NoError(t, err)
	assert.Equal(t, 2, n2)

	data, err := os.ReadFile(d.FlowFile())
	require.NoError(t, err)
	assert.Equal(t, "scheduling:\n", string(data))
}
