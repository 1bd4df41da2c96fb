package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	osExec "os/exec"
	"sync"
	"time"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

// BackgroundAdapter dispatches jobs as local forked processes, the job
// runner a workflow uses by default when no platform is configured.
type BackgroundAdapter struct {
	mu        sync.Mutex
	processes map[string]*osExec.Cmd // runner-job-id -> running process
	nextID    int
}

// NewBackgroundAdapter builds an adapter that tracks locally-forked jobs by
// an incrementing runner-job-id.
func NewBackgroundAdapter() *BackgroundAdapter {
	return &BackgroundAdapter{processes: make(map[string]*osExec.Cmd)}
}

func (b *BackgroundAdapter) Kind() taskdef.RunnerKind { return taskdef.RunnerBackground }

// Submit writes each request's script to ScriptPath and forks it in the
// background, recording the runner-job-id. The job's stdout and stderr are
// captured in memory and not written to files, and nothing is written to
// StatusFile.
func (b *BackgroundAdapter) Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult {
	results := make([]SubmitResult, 0, len(reqs))
	for _, req := range reqs {
		if err := os.WriteFile(req.ScriptPath, []byte(scriptBody(req)), 0o755); err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: fmt.Errorf("runner: write script: %w", err), Permanent: true})
			continue
		}
		cmd := osExec.Command(req.ScriptPath)
		cmd.Env = envSlice(req.Environment)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: fmt.Errorf("runner: start: %w", err)})
			continue
		}
		b.mu.Lock()
		b.nextID++
		jobID := fmt.Sprintf("bg-%d", b.nextID)
		b.processes[jobID] = cmd
		b.mu.Unlock()

		go b.wait(jobID, cmd)

		results = append(results, SubmitResult{InstanceKey: req.InstanceKey, OK: true, RunnerJobID: jobID})
	}
	return results
}

func (b *BackgroundAdapter) wait(jobID string, cmd *osExec.Cmd) {
	_ = cmd.Wait()
}

func (b *BackgroundAdapter) Poll(ctx context.Context, host string, runnerJobIDs []string) []PollResult {
	out := make([]PollResult, 0, len(runnerJobIDs))
	for _, id := range runnerJobIDs {
		b.mu.Lock()
		cmd, ok := b.processes[id]
		b.mu.Unlock()
		if !ok {
			out = append(out, PollResult{RunnerJobID: id, Status: StatusUnknown})
			continue
		}
		if cmd.ProcessState == nil {
			out = append(out, PollResult{RunnerJobID: id, Status: StatusRunning})
			continue
		}
		if cmd.ProcessState.Success() {
			out = append(out, PollResult{RunnerJobID: id, Status: StatusDoneSuccess})
		} else {
			out = append(out, PollResult{RunnerJobID: id, Status: StatusDoneFailure})
		}
	}
	return out
}

func (b *BackgroundAdapter) Kill(ctx context.Context, host string, runnerJobIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range runnerJobIDs {
		if cmd, ok := b.processes[id]; ok && cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	return nil
}

func (b *BackgroundAdapter) ParseDirectives(directives map[string]string) (string, error) {
	return "", nil // background jobs carry no batch-system directives
}

func scriptBody(req SubmitRequest) string {
	return "#!/bin/sh\nset -e\n" + req.Settings.Script + "\n"
}

func envSlice(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// AtAdapter is a variant of BackgroundAdapter that waits Delay before
// forking each batch locally; it does not hand jobs to the `at` command.
type AtAdapter struct {
	*BackgroundAdapter
	Delay time.Duration
}

// NewAtAdapter builds a delayed-start adapter wrapping BackgroundAdapter's
// local-process tracking.
func NewAtAdapter(delay time.Duration) *AtAdapter {
	return &AtAdapter{BackgroundAdapter: NewBackgroundAdapter(), Delay: delay}
}

func (a *AtAdapter) Kind() taskdef.RunnerKind { return taskdef.RunnerAt }

func (a *AtAdapter) Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult {
	if a.Delay > 0 {
		select {
		case <-time.After(a.Delay):
		case <-ctx.Done():
			results := make([]SubmitResult, len(reqs))
			for i, req := range reqs {
				results[i] = SubmitResult{InstanceKey: req.InstanceKey, Err: ctx.Err()}
			}
			return results
		}
	}
	return a.BackgroundAdapter.Submit(ctx, host, reqs)
}
