// Package runner implements the job submission subsystem: the polymorphic
// runner adapter contract and submission-round batching.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

// Status is a runner-reported job state, the result of a submit or poll
// call.
type Status string

const (
	StatusRunning      Status = "running"
	StatusDoneSuccess  Status = "done-success"
	StatusDoneFailure  Status = "done-failure"
	StatusUnknown      Status = "unknown"
)

// SubmitRequest carries everything an adapter needs to materialise and
// enqueue one job.
type SubmitRequest struct {
	InstanceKey string // opaque identity tuple string, e.g. taskinstance.ID.String()
	Settings    taskdef.Def
	ScriptPath  string // where the adapter should write the generated job script
	StatusFile  string // path inside the run directory the wrapper will write to
	Environment map[string]string
}

// SubmitResult is the per-instance outcome of a submit call.
type SubmitResult struct {
	InstanceKey string
	OK          bool
	RunnerJobID string
	Err         error // non-nil implies a transient error unless Permanent is set
	Permanent   bool  // true if this is not worth retrying (e.g. bad directive syntax)
}

// PollResult is the per-runner-job-id outcome of a poll call.
type PollResult struct {
	RunnerJobID string
	Status      Status
	Err         error
}

// Adapter is the polymorphic contract every job-runner variant implements:
// background, at, pbs, slurm, lsf, loadleveler, each optionally wrapped for
// remote (SSH) execution. Settings that are runner-specific (directive
// keys) live in the adapter implementation; common settings (retry delays,
// polling intervals) live in taskdef.Def and are runner-agnostic.
type Adapter interface {
	// Kind identifies the runner variant, used for submission-round
	// grouping ("group by target host+runner").
	Kind() taskdef.RunnerKind

	// Submit dispatches a batch of jobs. Adapters that cannot contact their
	// remote host return a transient SubmitResult.Err for every request in
	// the batch rather than a function-level error, so the caller can
	// retry individual instances according to the submission-retry policy.
	Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult

	// Poll queries the current status of previously-submitted jobs.
	Poll(ctx context.Context, host string, runnerJobIDs []string) []PollResult

	// Kill requests cancellation of the given jobs.
	Kill(ctx context.Context, host string, runnerJobIDs []string) error

	// ParseDirectives renders the runner-specific script header (e.g. PBS
	// `#PBS` lines, Slurm `#SBATCH` lines) from the task's directive map.
	ParseDirectives(directives map[string]string) (header string, err error)
}

// Registry maps a RunnerKind to its Adapter, built once at startup from the
// adapters passed to NewRegistry.
type Registry struct {
	adapters map[taskdef.RunnerKind]Adapter
}

// NewRegistry builds an adapter registry from the given adapters, keyed by
// their own Kind().
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[taskdef.RunnerKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Get resolves the adapter for kind.
func (r *Registry) Get(kind taskdef.RunnerKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("runner: no adapter registered for kind %q", kind)
	}
	return a, nil
}

// Batcher implements the submission-round batching policy of spec.md §4.7:
// group eligible instances by (host, runner), dispatch up to BatchSize per
// group, and wait DelayBetweenBatches before the next group within the same
// (host, runner) key.
type Batcher struct {
	Registry            *Registry
	BatchSize           int
	DelayBetweenBatches time.Duration
}

// Group is a (host, runner) partition of a submission round.
type Group struct {
	Host    string
	Kind    taskdef.RunnerKind
	Adapter Adapter
	Reqs    []SubmitRequest
}

// GroupByTarget partitions reqs by (host, runner kind), resolving each
// group's adapter from the registry. A request naming an unregistered
// runner kind is dropped with a permanent-error result appended to errs.
func (b *Batcher) GroupByTarget(reqs []SubmitRequest) (groups []Group, errs []SubmitResult) {
	index := make(map[string]int)
	for _, req := range reqs {
		key := req.Settings.Host + "\x00" + string(req.Settings.Runner)
		i, ok := index[key]
		if !ok {
			adapter, err := b.Registry.Get(req.Settings.Runner)
			if err != nil {
				errs = append(errs, SubmitResult{InstanceKey: req.InstanceKey, Err: err, Permanent: true})
				continue
			}
			groups = append(groups, Group{Host: req.Settings.Host, Kind: req.Settings.Runner, Adapter: adapter})
			i = len(groups) - 1
			index[key] = i
		}
		groups[i].Reqs = append(groups[i].Reqs, req)
	}
	return groups, errs
}

// DispatchGroup submits g's requests in batches of BatchSize, sleeping
// DelayBetweenBatches between batches (honouring ctx cancellation), and
// returns every SubmitResult in request order.
func (b *Batcher) DispatchGroup(ctx context.Context, g Group) []SubmitResult {
	var out []SubmitResult
	size := b.BatchSize
	if size <= 0 {
		size = len(g.Reqs)
	}
	for start := 0; start < len(g.Reqs); start += size {
		end := start + size
		if end > len(g.Reqs) {
			end = len(g.Reqs)
		}
		out = append(out, g.Adapter.Submit(ctx, g.Host, g.Reqs[start:end])...)
		if end < len(g.Reqs) && b.DelayBetweenBatches > 0 {
			select {
			case <-time.After(b.DelayBetweenBatches):
			case <-ctx.Done():
				return out
			}
		}
	}
	return out
}
