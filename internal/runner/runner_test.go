package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

type fakeAdapter struct {
	kind     taskdef.RunnerKind
	submits  [][]SubmitRequest
	hosts    []string
}

func (f *fakeAdapter) Kind() taskdef.RunnerKind { return f.kind }
func (f *fakeAdapter) Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult {
	f.submits = append(f.submits, reqs)
	f.hosts = append(f.hosts, host)
	out := make([]SubmitResult, len(reqs))
	for i, r := range reqs {
		out[i] = SubmitResult{InstanceKey: r.InstanceKey, OK: true, RunnerJobID: "job-" + r.InstanceKey}
	}
	return out
}
func (f *fakeAdapter) Poll(ctx context.Context, host string, ids []string) []PollResult { return nil }
func (f *fakeAdapter) Kill(ctx context.Context, host string, ids []string) error        { return nil }
func (f *fakeAdapter) ParseDirectives(d map[string]string) (string, error)              { return "", nil }

func TestBatcherGroupsByHostAndRunner(t *testing.T) {
	reg := NewRegistry(&fakeAdapter{kind: taskdef.RunnerBackground})
	b := &Batcher{Registry: reg, BatchSize: 10}

	reqs := []SubmitRequest{
		{InstanceKey: "a.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground, Host: "h1"}},
		{InstanceKey: "b.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground, Host: "h1"}},
		{InstanceKey: "c.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground, Host: "h2"}},
	}
	groups, errs := b.GroupByTarget(reqs)
	require.Empty(t, errs)
	require.Len(t, groups, 2)
}

func TestBatcherRejectsUnknownRunner(t *testing.T) {
	reg := NewRegistry()
	b := &Batcher{Registry: reg, BatchSize: 10}
	reqs := []SubmitRequest{{InstanceKey: "a.1", Settings: taskdef.Def{Runner: taskdef.RunnerSlurm}}}
	groups, errs := b.GroupByTarget(reqs)
	assert.Empty(t, groups)
	require.Len(t, errs, 1)
	assert.True(t, errs[0].Permanent)
}

func TestDispatchGroupRespectsBatchSize(t *testing.T) {
	fa := &fakeAdapter{kind: taskdef.RunnerBackground}
	reg := NewRegistry(fa)
	b := &Batcher{Registry: reg, BatchSize: 2, DelayBetweenBatches: time.Millisecond}

	reqs := []SubmitRequest{
		{InstanceKey: "a.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground}},
		{InstanceKey: "b.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground}},
		{InstanceKey: "c.1", Settings: taskdef.Def{Runner: taskdef.RunnerBackground}},
	}
	groups, _ := b.GroupByTarget(reqs)
	require.Len(t, groups, 1)
	results := b.DispatchGroup(context.Background(), groups[0])
	assert.Len(t, results, 3)
	assert.Len(t, fa.submits, 2) // batch of 2, then batch of 1
}

func TestPBSAdapterParseDirectives(t *testing.T) {
	a := NewPBSAdapter()
	header, err := a.ParseDirectives(map[string]string{"l": "walltime=01:00:00"})
	require.NoError(t, err)
	assert.Contains(t, header, "#PBS -l walltime=01:00:00")
}

func TestGenericLineStatusParser(t *testing.T) {
	stdout := "12345 RUNNING\n67890 COMPLETED\n"
	statuses := genericLineStatusParser(stdout, []string{"12345", "67890", "99999"})
	assert.Equal(t, StatusRunning, statuses["12345"])
	assert.Equal(t, StatusDoneSuccess, statuses["67890"])
	_, ok := statuses["99999"]
	assert.False(t, ok)
}

func TestSSHWrappedResolvesHost(t *testing.T) {
	fa := &fakeAdapter{kind: taskdef.RunnerSlurm}
	wrapped := &SSHWrapped{Adapter: fa, Host: "default-host"}
	results := wrapped.Submit(context.Background(), "", []SubmitRequest{{InstanceKey: "a.1"}})
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, []string{"default-host"}, fa.hosts)
}
