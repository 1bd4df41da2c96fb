// Package scheduler implements the single-threaded cooperative main loop
// that owns the task pool, the resolver, job submission, the persistent
// store, broadcast, and event handling: every command and every tick runs
// on one goroutine, grounded on the orchestrator service's Scheduler type,
// generalised from its cron/event dispatch loop to flowcore's tick-driven
// pool/resolver/runner cycle.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/swarmguard/flowcore/internal/broadcast"
	"github.com/swarmguard/flowcore/internal/command"
	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/eventhandler"
	"github.com/swarmguard/flowcore/internal/eventstream"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/obs"
	"github.com/swarmguard/flowcore/internal/pool"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/rundir"
	"github.com/swarmguard/flowcore/internal/runner"
	"github.com/swarmguard/flowcore/internal/store"
	"github.com/swarmguard/flowcore/internal/taskdef"
	"github.com/swarmguard/flowcore/internal/taskinstance"
	"github.com/swarmguard/flowcore/internal/tracking"
)

// Deps bundles every already-built subsystem the scheduler coordinates. All
// of it is constructed by cmd/flowcore and handed in, so this package has
// no knowledge of how the workflow definition was parsed.
type Deps struct {
	Registry  *taskdef.Registry
	TaskNames []string // every concrete (non-family) task name in the workflow
	Model     *graph.Model
	Resolve   *resolver.Resolver
	Pool      *pool.Pool
	Batcher   *runner.Batcher
	Store     *store.Store
	Broadcast *broadcast.Engine
	Handlers  *eventhandler.Engine
	Metrics   *obs.Metrics
	Hub       *eventstream.Hub
	Dir       *rundir.Dir
	Log       *slog.Logger

	// ConfigPath and Reloader support the `reload` command: the scheduler
	// re-parses ConfigPath itself (rather than trusting a payload sent over
	// the command channel) and validates the result through Reloader before
	// swapping anything in, per spec.md §7.
	ConfigPath string
	Reloader   *command.Reloader

	InitialPoint cycletime.Point
	FinalPoint   cycletime.Point
	HasFinal     bool

	// Restored is true when cmd/flowcore already populated Pool and
	// Broadcast from the workflow database before calling New, e.g. on a
	// restart after a clean or unclean stop. It suppresses the
	// fresh-start initial-point seeding Run would otherwise do.
	Restored bool

	// Xtriggers polls every registered xtrigger on its own cron cadence.
	// XtriggerOwners maps each registered label to the task name that
	// declared it, used to scope the broadcast of its outputs. Both are
	// nil when no runtime section declares any xtrigger.
	Xtriggers      *resolver.XtriggerManager
	XtriggerOwners map[string]string

	// Tracking watches job.status files as they land, a lower-latency
	// complement to a worker's own status push over the command channel.
	// Nil disables file-watch tracking (e.g. in tests with no real run
	// directory activity).
	Tracking *tracking.Watcher

	TickInterval time.Duration
}

type cmdEnvelope struct {
	req  command.Request
	resp chan command.Response
}

// Scheduler is the main loop. It implements command.Dispatcher: every
// inbound command is handed to the loop over cmdCh and applied between
// ticks, never directly from the command server's goroutine.
type Scheduler struct {
	d Deps

	cmdCh chan cmdEnvelope
	seq   uint64

	held atomic.Bool

	// stopMode is one of the command.Stop* constants once a stop command
	// has been accepted, and empty otherwise. now/now-now end Run on the
	// same command round-trip that set them; clean/at-clock-time/
	// at-cycle-point are polled for their condition on every tick.
	stopMode     string
	stopAt       cycletime.Point
	hasStop      bool
	stopClock    time.Time
	hasStopClock bool

	stalledHandlerFired bool

	// appliedXtriggers tracks which registered xtrigger labels have
	// already had their outputs broadcast, so a satisfied-but-not-yet-
	// polled label is applied exactly once, and a restart doesn't
	// re-broadcast one already journalled in xtriggers.
	appliedXtriggers map[string]bool

	// pollSchedules and pollDue drive the adaptive polling fallback for
	// every submitted-or-running instance: pollDue[id] is when it is next
	// due a poll, and pollSchedules[id] hands out the delay until the one
	// after that. Both are cleared once the instance reaches a terminal
	// state. timeouts holds the armed submission/execution deadline for
	// the same instances. A job wrapper's own status push (file watch or
	// command channel) resets the schedule and the timeout, since a
	// fresher signal just arrived and a poll right now would be wasted.
	pollSchedules map[taskinstance.ID]*tracking.Schedule
	pollDue       map[taskinstance.ID]time.Time
	timeouts      map[taskinstance.ID]*tracking.Timeout
}

// New builds a scheduler ready to Run.
func New(d Deps) *Scheduler {
	if d.TickInterval <= 0 {
		d.TickInterval = time.Second
	}
	s := &Scheduler{
		d:                d,
		cmdCh:            make(chan cmdEnvelope, 64),
		appliedXtriggers: make(map[string]bool),
		pollSchedules:    make(map[taskinstance.ID]*tracking.Schedule),
		pollDue:          make(map[taskinstance.ID]time.Time),
		timeouts:         make(map[taskinstance.ID]*tracking.Timeout),
	}
	if d.Xtriggers != nil && d.Store != nil {
		if rows, err := d.Store.LoadXtriggers(); err == nil {
			for _, row := range rows {
				s.appliedXtriggers[row.Label] = true
			}
		}
	}
	return s
}

// Dispatch implements command.Dispatcher: it queues req for the main loop
// and blocks for the corresponding response, or until ctx is cancelled.
func (s *Scheduler) Dispatch(ctx context.Context, req command.Request) command.Response {
	env := cmdEnvelope{req: req, resp: make(chan command.Response, 1)}
	select {
	case s.cmdCh <- env:
	case <-ctx.Done():
		return command.Err(command.ErrServer, "scheduler not accepting commands: %v", ctx.Err())
	}
	select {
	case resp := <-env.resp:
		return resp
	case <-ctx.Done():
		return command.Err(command.ErrServer, "command timed out: %v", ctx.Err())
	}
}

// Run drives the main loop until ctx is cancelled or a `stop` command
// completes, persisting every state transition before any outbound effect
// (job submission, event handler dispatch) per the write-ahead ordering
// guarantee.
func (s *Scheduler) Run(ctx context.Context) error {
	s.fireWorkflowEvent(ctx, eventhandler.WorkflowStartup, "")
	if !s.d.Restored {
		s.seedInitialPoints()
	}

	ticker := time.NewTicker(s.d.TickInterval)
	defer ticker.Stop()

	// A nil Tracking leaves this channel nil, and a nil channel's select
	// case simply never fires — no special-casing needed in the loop body.
	var statusUpdates <-chan tracking.StatusUpdate
	if s.d.Tracking != nil {
		statusUpdates = s.d.Tracking.Updates
	}

	for {
		select {
		case <-ctx.Done():
			s.d.Handlers.Wait()
			return nil
		case env := <-s.cmdCh:
			env.resp <- s.applyCommand(ctx, env.req)
			if s.stopMode == command.StopNow || s.stopMode == command.StopNowNow {
				s.fireWorkflowEvent(ctx, eventhandler.WorkflowShutdown, "")
				s.d.Handlers.Wait()
				return nil
			}
		case upd, ok := <-statusUpdates:
			if !ok {
				statusUpdates = nil
				continue
			}
			s.applyStatusUpdate(ctx, upd)
		case now := <-ticker.C:
			if err := s.tick(ctx, now); err != nil {
				s.d.Log.Error("scheduler: tick failed", "error", err)
			}
			if s.workflowComplete() || s.stopConditionMet(now) {
				s.fireWorkflowEvent(ctx, eventhandler.WorkflowShutdown, "")
				s.d.Handlers.Wait()
				return nil
			}
		}
	}
}

// applyStatusUpdate maps a job.status file change back to the task instance
// it belongs to (via the run directory's log/job/<point>/<name>/<submit>
// naming convention) and applies the resulting state transition, the same
// way an inbound CmdStatus command would.
func (s *Scheduler) applyStatusUpdate(ctx context.Context, upd tracking.StatusUpdate) {
	point, name, submit, ok := rundir.ParseJobLogPath(upd.Path)
	if !ok {
		return
	}
	p, err := cycletime.ParsePoint(point)
	if err != nil {
		s.d.Log.Warn("scheduler: status update for unparsable point", "path", upd.Path, "error", err)
		return
	}
	id := taskinstance.ID{TaskName: name, Point: p, SubmitNumber: submit}
	switch {
	case upd.Fields.Finished() && upd.Fields.Succeeded():
		s.ApplyJobStatus(ctx, id, taskinstance.Succeeded, "succeeded")
	case upd.Fields.Finished():
		s.ApplyJobStatus(ctx, id, taskinstance.Failed, "")
	case upd.Fields.Complete():
		s.ApplyJobStatus(ctx, id, taskinstance.Running, "")
	}
}

// seedInitialPoints spawns every parentless task at the workflow's initial
// cycle point, the starting condition for an otherwise empty pool.
func (s *Scheduler) seedInitialPoints() {
	for _, name := range s.d.TaskNames {
		if s.d.Pool.IsParentless(name) {
			s.d.Pool.Spawn(name, s.d.InitialPoint)
		}
	}
}

// tick runs one iteration of the cooperative loop: spawn ahead within the
// runahead window, submit eligible instances, expire stale broadcasts,
// housekeep completed points, and update stall/runahead telemetry.
func (s *Scheduler) tick(ctx context.Context, now time.Time) error {
	start := time.Now()
	defer func() { s.d.Metrics.ObserveTick(time.Since(start).Seconds()) }()

	if !s.held.Load() && !s.stopDeadlineReached(now) {
		s.spawnAhead()
		if err := s.submitEligible(ctx); err != nil {
			return err
		}
	}

	if oldest, ok := s.d.Pool.OldestIncomplete(); ok {
		for _, rec := range s.d.Broadcast.Expire(oldest, now) {
			s.journalBroadcast(rec)
		}
	}

	s.pollXtriggers(now)
	s.pollAndEnforceDeadlines(ctx, now)

	for _, id := range s.d.Pool.Housekeep() {
		s.d.Log.Debug("scheduler: housekept completed instance", "id", id.String())
	}

	s.d.Metrics.SetPoolSize(s.d.Pool.Size())
	if edge, ok := s.d.Pool.RunaheadEdge(); ok {
		oldest, hasOldest := s.d.Pool.OldestIncomplete()
		if hasOldest {
			s.d.Metrics.SetAtRunaheadEdge(!s.d.Pool.WithinRunahead(oldest, edge))
		}
	}

	stalled := s.d.Pool.Stalled(s.xtriggerPending())
	s.d.Metrics.SetStalled(stalled)
	if stalled && !s.stalledHandlerFired {
		s.stalledHandlerFired = true
		s.fireWorkflowEvent(ctx, eventhandler.WorkflowStall, "")
	} else if !stalled {
		s.stalledHandlerFired = false
	}

	return s.checkpoint()
}

// stopDeadlineReached reports whether the active stop mode's own condition
// has been reached: immediately for clean, at the configured wall-clock
// time or cycle point for the other two deadline modes. It does not
// consider in-flight jobs — stopConditionMet adds that check before Run
// actually shuts down.
func (s *Scheduler) stopDeadlineReached(now time.Time) bool {
	switch s.stopMode {
	case command.StopClean:
		return true
	case command.StopAtClockTime:
		return s.hasStopClock && !now.Before(s.stopClock)
	case command.StopAtCyclePoint:
		if !s.hasStop {
			return false
		}
		oldest, ok := s.d.Pool.OldestIncomplete()
		return !ok || !oldest.Before(s.stopAt)
	default:
		return false
	}
}

// stopConditionMet reports whether Run should shut down on this tick: the
// stop mode's own deadline has been reached, and no instance is still
// mid-flight (clean, at-clock-time, and at-cycle-point all drain running
// work rather than abandoning it, unlike now-now).
func (s *Scheduler) stopConditionMet(now time.Time) bool {
	return s.stopDeadlineReached(now) && !s.d.Pool.HasActive()
}

// spawnAhead advances every edge's downstream task, and every parentless
// task referenced as an upstream trigger, up to the runahead limit
// relative to the pool's oldest incomplete point. A parentless task is
// never anyone's Downstream, so its own cadence is taken from whichever
// edge's trigger expression names it — the recurrence under which it was
// written into the graph.
func (s *Scheduler) spawnAhead() {
	oldest, ok := s.d.Pool.OldestIncomplete()
	if !ok {
		oldest = s.d.InitialPoint
	}
	for _, e := range s.d.Model.Edges {
		s.spawnAlong(e.Recurrence, e.Downstream, oldest)
	}

	for _, name := range s.d.TaskNames {
		if !s.d.Pool.IsParentless(name) {
			continue
		}
		for _, e := range s.d.Model.Edges {
			if !triggerRefersTo(e.Trigger, name) {
				continue
			}
			s.spawnAlong(e.Recurrence, name, oldest)
		}
	}
}

// spawnAlong spawns name at every point in recurrence strictly after
// oldest and within the runahead window.
func (s *Scheduler) spawnAlong(recurrence cycletime.Recurrence, name string, oldest cycletime.Point) {
	next, ok := recurrence.Next(oldest)
	for ok {
		if s.d.HasFinal && next.After(s.d.FinalPoint) {
			return
		}
		if !s.d.Pool.WithinRunahead(oldest, next) {
			return
		}
		s.d.Pool.Spawn(name, next)
		next, ok = recurrence.Next(next)
	}
}

// triggerRefersTo reports whether expr's trigger refs include name, used to
// find which recurrence(s) govern a parentless task's own cadence.
func triggerRefersTo(expr graph.Expr, name string) bool {
	for _, ref := range expr.Refs() {
		if ref.TaskName == name {
			return true
		}
	}
	return false
}

// pollXtriggers checks every registered xtrigger the manager has not yet
// reported satisfied, and broadcasts a newly-satisfied one's outputs as
// environment-variable settings scoped to the task that declared it, per
// spec.md's "outputs are broadcast to subscribing instances" rule. Applied
// labels are journalled to the xtriggers table so a restart never
// re-broadcasts one already applied.
func (s *Scheduler) pollXtriggers(now time.Time) {
	if s.d.Xtriggers == nil {
		return
	}
	for label, owner := range s.d.XtriggerOwners {
		if s.appliedXtriggers[label] {
			continue
		}
		outputs, ok := s.d.Xtriggers.Satisfied(label)
		if !ok {
			continue
		}
		for key, value := range outputs {
			rec := s.d.Broadcast.Set("*", owner, "environment."+key, value, now)
			s.journalBroadcast(rec)
		}
		if err := s.d.Store.PutXtrigger(store.XtriggerRow{Label: label, Outputs: outputs}); err != nil {
			s.d.Log.Error("scheduler: journal xtrigger", "label", label, "error", err)
		}
		s.appliedXtriggers[label] = true
	}
}

// xtriggerPending reports whether any registered xtrigger has not yet
// fired, the condition that keeps a workflow stalled-but-not-deadlocked per
// spec.md's stall definition.
func (s *Scheduler) xtriggerPending() bool {
	if s.d.Xtriggers == nil {
		return false
	}
	for label := range s.d.XtriggerOwners {
		if !s.appliedXtriggers[label] {
			return true
		}
	}
	return false
}

// submitEligible batches every currently-eligible instance through the
// runner registry, recording each submission before the adapter call
// returns so a crash mid-submission never loses the "we tried" record.
func (s *Scheduler) submitEligible(ctx context.Context) error {
	eligible := s.d.Pool.Eligible()
	if len(eligible) == 0 {
		return nil
	}
	now := time.Now()
	reqs := make([]runner.SubmitRequest, 0, len(eligible))
	byKey := make(map[string]*taskinstance.Instance, len(eligible))
	for _, in := range eligible {
		ev, ok := s.d.Pool.MarkPreparing(in.ID, now)
		if !ok {
			continue
		}
		s.journalTransition(ev)

		point, name, submit := in.ID.Point.String(), in.ID.TaskName, in.ID.SubmitNumber
		jobDir, err := s.d.Dir.EnsureJobLogDir(point, name, submit)
		if err != nil {
			s.d.Log.Error("scheduler: job log dir", "id", in.ID.String(), "error", err)
			continue
		}
		if s.d.Tracking != nil {
			if err := s.d.Tracking.WatchDir(jobDir); err != nil {
				s.d.Log.Warn("scheduler: watch job log dir", "id", in.ID.String(), "error", err)
			}
		}
		key := in.ID.String()
		byKey[key] = in
		reqs = append(reqs, runner.SubmitRequest{
			InstanceKey: key,
			Settings:    in.RuntimeSettings,
			ScriptPath:  s.d.Dir.JobFile(point, name, submit, "job"),
			StatusFile:  s.d.Dir.JobFile(point, name, submit, "job.status"),
			Environment: in.RuntimeSettings.Environment,
		})
	}

	groups, errs := s.d.Batcher.GroupByTarget(reqs)
	for _, res := range errs {
		s.handleSubmitResult(ctx, byKey[res.InstanceKey], res, now)
	}
	for _, g := range groups {
		results := s.d.Batcher.DispatchGroup(ctx, g)
		for _, res := range results {
			s.handleSubmitResult(ctx, byKey[res.InstanceKey], res, time.Now())
		}
	}
	return nil
}

func (s *Scheduler) handleSubmitResult(ctx context.Context, in *taskinstance.Instance, res runner.SubmitResult, now time.Time) {
	if in == nil {
		return
	}
	s.d.Metrics.RecordSubmitted()
	if res.Err != nil {
		ev, _ := s.d.Pool.Apply(in.ID, taskinstance.SubmitFailed, "", now)
		s.journalTransition(ev)
		s.fireTaskEvent(ctx, in, eventhandler.TaskSubmissionFailed, res.Err.Error())
		if !res.Permanent {
			s.d.Metrics.RecordSubmissionRetry()
		}
		return
	}
	in.RunnerJobID = res.RunnerJobID
	ev, _ := s.d.Pool.Apply(in.ID, taskinstance.Submitted, "", now)
	s.journalTransition(ev)
	s.d.Metrics.RecordSpawn()
	s.armTracking(in, now)
	s.fireTaskEvent(ctx, in, eventhandler.TaskSubmitted, "")
}

// armTracking sets up the adaptive poll cadence and the submission deadline
// for an instance that just reached Submitted, from its merged
// PollingIntervals and SubmissionTimeLimit settings. Either or both are
// skipped silently when the definition leaves them unset.
func (s *Scheduler) armTracking(in *taskinstance.Instance, now time.Time) {
	in.PollSchedule = parseDurations(in.RuntimeSettings.PollingIntervals, s.d.Log)
	sched := tracking.NewSchedule(in.PollSchedule)
	s.pollSchedules[in.ID] = sched
	s.pollDue[in.ID] = now.Add(sched.Next())

	if in.RuntimeSettings.SubmissionTimeLimit != "" {
		d, err := cycletime.ParseDuration(in.RuntimeSettings.SubmissionTimeLimit)
		if err != nil {
			s.d.Log.Warn("scheduler: invalid submission time limit", "id", in.ID.String(), "error", err)
			return
		}
		in.SubmissionDeadline = now.Add(d.AsClockDuration())
		to := &tracking.Timeout{Duration: d.AsClockDuration(), ResetOnMsg: true}
		to.Arm(now)
		s.timeouts[in.ID] = to
	}
}

// armExecutionTimeout replaces a just-started instance's submission
// deadline with its execution deadline, called once a Running report
// arrives. A definition with no ExecutionTimeLimit simply disarms tracking
// of the deadline kind entirely.
func (s *Scheduler) armExecutionTimeout(in *taskinstance.Instance, now time.Time) {
	if in.RuntimeSettings.ExecutionTimeLimit == "" {
		delete(s.timeouts, in.ID)
		return
	}
	d, err := cycletime.ParseDuration(in.RuntimeSettings.ExecutionTimeLimit)
	if err != nil {
		s.d.Log.Warn("scheduler: invalid execution time limit", "id", in.ID.String(), "error", err)
		delete(s.timeouts, in.ID)
		return
	}
	in.ExecutionDeadline = now.Add(d.AsClockDuration())
	to := &tracking.Timeout{Duration: d.AsClockDuration(), ResetOnMsg: true}
	to.Arm(now)
	s.timeouts[in.ID] = to
}

// clearTracking drops an instance's poll schedule and timeout once it
// reaches a terminal state, so the maps don't grow without bound across a
// long-running workflow.
func (s *Scheduler) clearTracking(id taskinstance.ID) {
	delete(s.pollSchedules, id)
	delete(s.pollDue, id)
	delete(s.timeouts, id)
}

// observeJobSignal resets the poll schedule and the active timeout whenever
// a fresher signal about id arrives — a status-file push, a watcher update,
// or a poll result — since there is no point polling again right away after
// just hearing from the job directly.
func (s *Scheduler) observeJobSignal(in *taskinstance.Instance, to taskinstance.State, now time.Time) {
	if sched, ok := s.pollSchedules[in.ID]; ok {
		sched.Reset()
		s.pollDue[in.ID] = now.Add(sched.Next())
	}
	if timeout, ok := s.timeouts[in.ID]; ok {
		timeout.OnMessage(now)
	}
	if to == taskinstance.Running {
		s.armExecutionTimeout(in, now)
	}
}

// parseDurations converts a definition's ISO-8601 polling-interval strings
// into clock durations, skipping (and logging) any that fail to parse
// rather than aborting the whole schedule over one bad entry.
func parseDurations(raw []string, log *slog.Logger) []time.Duration {
	out := make([]time.Duration, 0, len(raw))
	for _, s := range raw {
		d, err := cycletime.ParseDuration(s)
		if err != nil {
			log.Warn("scheduler: invalid polling interval", "value", s, "error", err)
			continue
		}
		out = append(out, d.AsClockDuration())
	}
	return out
}

// pollAndEnforceDeadlines fires a fallback poll for every submitted or
// running instance whose schedule says it is due, and fails any instance
// whose armed submission or execution deadline has elapsed, the periodic
// half of job tracking that complements the event-driven status-file watch.
func (s *Scheduler) pollAndEnforceDeadlines(ctx context.Context, now time.Time) {
	for _, in := range s.d.Pool.All() {
		if in.State.IsTerminal() {
			s.clearTracking(in.ID)
			continue
		}
		if timeout, ok := s.timeouts[in.ID]; ok && timeout.Fired(now) {
			s.d.Log.Warn("scheduler: job tracking timeout", "id", in.ID.String())
			if ev, applied := s.d.Pool.Apply(in.ID, taskinstance.Failed, "", now); applied {
				s.journalTransition(ev)
				s.fireTaskEvent(ctx, in, eventhandler.TaskFailed, "timeout")
			}
			continue
		}
		if in.State != taskinstance.Submitted && in.State != taskinstance.Running {
			continue
		}
		due, ok := s.pollDue[in.ID]
		if !ok || now.Before(due) {
			continue
		}
		s.pollInstance(ctx, in, now)
	}
}

// pollInstance asks the instance's runner adapter for its current status,
// the same lookup `poll` performs on demand, then reschedules the next due
// time from its adaptive schedule regardless of outcome.
func (s *Scheduler) pollInstance(ctx context.Context, in *taskinstance.Instance, now time.Time) {
	adapter, err := s.d.Batcher.Registry.Get(in.RuntimeSettings.Runner)
	if err != nil {
		s.d.Log.Warn("scheduler: poll adapter lookup", "id", in.ID.String(), "error", err)
	} else if results := adapter.Poll(ctx, in.RuntimeSettings.Host, []string{in.RunnerJobID}); len(results) > 0 {
		switch results[0].Status {
		case "done-success":
			s.ApplyJobStatus(ctx, in.ID, taskinstance.Succeeded, "succeeded")
		case "done-failure":
			s.ApplyJobStatus(ctx, in.ID, taskinstance.Failed, "")
		}
	}
	if sched, ok := s.pollSchedules[in.ID]; ok {
		s.pollDue[in.ID] = now.Add(sched.Next())
	}
}

// ApplyJobStatus applies an inbound status-file report (from a job wrapper
// pushing over the command channel, or a poll result) to the owning
// instance, recording the transition and firing the matching event handler.
func (s *Scheduler) ApplyJobStatus(ctx context.Context, id taskinstance.ID, to taskinstance.State, output string) bool {
	now := time.Now()
	ev, ok := s.d.Pool.Apply(id, to, output, now)
	if !ok {
		return false
	}
	s.journalTransition(ev)
	in, _ := s.d.Pool.Get(id)
	if in != nil {
		s.observeJobSignal(in, to, now)
	}
	switch to {
	case taskinstance.Running:
		s.fireTaskEvent(ctx, in, eventhandler.TaskStarted, "")
	case taskinstance.Succeeded:
		s.d.Metrics.RecordSucceeded()
		s.fireTaskEvent(ctx, in, eventhandler.TaskSucceeded, "")
	case taskinstance.Failed:
		s.d.Metrics.RecordFailed()
		s.fireTaskEvent(ctx, in, eventhandler.TaskFailed, "")
	}
	return true
}

func (s *Scheduler) journalTransition(ev taskinstance.Event) {
	if ev.ID.TaskName == "" {
		return
	}
	seq := atomic.AddUint64(&s.seq, 1)
	if err := s.d.Store.PutTaskEvent(seq, ev); err != nil {
		s.d.Log.Error("scheduler: journal transition", "error", err)
	}
	if ev.Output != "" {
		s.journalOutput(ev.ID, ev.Output, ev.Timestamp)
	}
	if ev.To.IsTerminal() {
		s.clearTracking(ev.ID)
	}
	s.d.Hub.Publish(eventstream.Event{
		Type:      "task",
		TaskName:  ev.ID.TaskName,
		Point:     ev.ID.Point.String(),
		From:      string(ev.From),
		To:        string(ev.To),
		Timestamp: ev.Timestamp,
	})
}

// journalOutput records a completed output in task_outputs, a per-instance
// record of which outputs a given try produced that can be read without
// replaying the whole task_events journal; no CLI command reads it back.
func (s *Scheduler) journalOutput(id taskinstance.ID, output string, at time.Time) {
	if err := s.d.Store.PutTaskOutput(id.TaskName, id.Point.String(), id.SubmitNumber, output, at); err != nil {
		s.d.Log.Error("scheduler: journal output", "id", id.String(), "output", output, "error", err)
	}
}

func (s *Scheduler) journalBroadcast(rec broadcast.Record) {
	seq := atomic.AddUint64(&s.seq, 1)
	if err := s.d.Store.PutBroadcastEvent(seq, rec); err != nil {
		s.d.Log.Error("scheduler: journal broadcast", "error", err)
	}
}

func (s *Scheduler) fireTaskEvent(ctx context.Context, in *taskinstance.Instance, event, message string) {
	if in == nil {
		return
	}
	var handlers []eventhandler.Handler
	for _, tmpl := range in.RuntimeSettings.EventHandlers[event] {
		handlers = append(handlers, eventhandler.Handler{Event: event, CommandTemplate: tmpl})
	}
	if len(handlers) == 0 {
		return
	}
	s.d.Handlers.Fire(ctx, handlers, eventhandler.Context{
		TaskName: in.ID.TaskName,
		Point:    in.ID.Point.String(),
		Event:    event,
		Message:  message,
	})
}

func (s *Scheduler) fireWorkflowEvent(ctx context.Context, event, message string) {
	s.d.Hub.Publish(eventstream.Event{Type: "workflow", To: event, Message: message, Timestamp: time.Now()})
	s.d.Log.Info("scheduler: workflow event", "event", event)
}

// checkpoint persists a full task-pool snapshot, the cheap correctness net
// a restart replays from rather than re-deriving pool state from the event
// log alone.
func (s *Scheduler) checkpoint() error {
	all := s.d.Pool.All()
	rows := make([]store.TaskStateRow, 0, len(all))
	for _, in := range all {
		rows = append(rows, store.TaskStateRow{
			TaskName:         in.ID.TaskName,
			Point:            in.ID.Point.String(),
			SubmitNumber:     in.ID.SubmitNumber,
			State:            string(in.State),
			RunnerJobID:      in.RunnerJobID,
			Prerequisites:    in.Prerequisites,
			CompletedOutputs: in.CompletedOutputs,
			Attempt:          in.Attempt,
			Token:            in.Token,
		})
	}
	if err := s.d.Store.PutTaskPoolSnapshot(rows); err != nil {
		return fmt.Errorf("scheduler: checkpoint: %w", err)
	}
	return nil
}

// workflowComplete reports whether the pool has drained and the final
// cycle point (if any) has been reached, the natural-completion shutdown
// condition distinct from an operator-issued `stop`.
func (s *Scheduler) workflowComplete() bool {
	if s.d.Pool.Size() > 0 {
		return false
	}
	if !s.d.HasFinal {
		return false
	}
	edge, ok := s.d.Pool.RunaheadEdge()
	return !ok || !edge.Before(s.d.FinalPoint)
}
