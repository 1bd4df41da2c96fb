package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/swarmguard/flowcore/internal/command"
	"github.com/swarmguard/flowcore/internal/config"
	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/graph"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/taskdef"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

// applyCommand is the single entry point every queued command is run
// through; it is only ever called from Run's goroutine, so it may mutate
// the pool, broadcast engine, and registry freely.
func (s *Scheduler) applyCommand(ctx context.Context, req command.Request) command.Response {
	switch req.Command {
	case command.CmdHold:
		s.held.Store(true)
		s.d.Pool.Hold()
		return command.Ok(nil)

	case command.CmdRelease:
		s.held.Store(false)
		s.d.Pool.Release()
		return command.Ok(nil)

	case command.CmdTrigger:
		id, err := instanceID(req.Args)
		if err != nil {
			return command.Err(command.ErrUser, "%v", err)
		}
		if !s.d.Pool.Trigger(id) {
			return command.Err(command.ErrUser, "no such waiting instance: %s", id.String())
		}
		return command.Ok(nil)

	case command.CmdSet:
		id, err := instanceID(req.Args)
		if err != nil {
			return command.Err(command.ErrUser, "%v", err)
		}
		output, _ := req.Args["output"].(string)
		if output == "" {
			return command.Err(command.ErrUser, "set requires an output label")
		}
		now := time.Now()
		if !s.d.Pool.SetOutput(id, output, now) {
			return command.Err(command.ErrUser, "no such instance: %s", id.String())
		}
		s.journalOutput(id, output, now)
		return command.Ok(nil)

	case command.CmdRemove:
		id, err := instanceID(req.Args)
		if err != nil {
			return command.Err(command.ErrUser, "%v", err)
		}
		if !s.d.Pool.Remove(id) {
			return command.Err(command.ErrUser, "no such instance: %s", id.String())
		}
		s.clearTracking(id)
		return command.Ok(nil)

	case command.CmdKill:
		return s.handleKill(ctx, req.Args)

	case command.CmdPoll:
		return s.handlePoll(ctx, req.Args)

	case command.CmdBroadcast:
		return s.handleBroadcast(req.Args)

	case command.CmdExtTrigger:
		return s.handleExtTrigger(req.Args)

	case command.CmdStop:
		return s.handleStop(ctx, req.Args)

	case command.CmdStatus:
		return s.handleStatus(ctx, req.Args)

	case command.CmdReload:
		return s.handleReload()

	default:
		return command.Err(command.ErrUser, "unknown command %q", req.Command)
	}
}

// ApplyReload swaps the scheduler onto a freshly-parsed registry, graph, and
// a resolver rebuilt over that graph (a resolver is bound to one graph
// model, so reload cannot keep the old one), called by the command server's
// reload path once internal/command.Reloader has validated the new
// definitions. Live instances keep their already-captured RuntimeSettings
// and outstanding prerequisites; only newly-spawned instances see the
// reloaded graph.
func (s *Scheduler) ApplyReload(reg *taskdef.Registry, names []string, model *graph.Model) {
	resolve := resolver.New(model, s.d.Pool)
	resolve.SetInitialPoint(s.d.InitialPoint)
	s.d.Pool.SetResolver(resolve)

	s.d.Registry = reg
	s.d.TaskNames = names
	s.d.Model = model
	s.d.Resolve = resolve
	s.d.Log.Info("scheduler: reload applied", "tasks", len(names))
}

func instanceID(args map[string]any) (taskinstance.ID, error) {
	taskName, _ := args["task"].(string)
	pointStr, _ := args["point"].(string)
	if taskName == "" || pointStr == "" {
		return taskinstance.ID{}, fmt.Errorf("task and point are required")
	}
	point, err := cycletime.ParsePoint(pointStr)
	if err != nil {
		return taskinstance.ID{}, fmt.Errorf("invalid point %q: %w", pointStr, err)
	}
	submit := 1
	if n, ok := args["submit"].(float64); ok && n > 0 {
		submit = int(n)
	}
	return taskinstance.ID{TaskName: taskName, Point: point, SubmitNumber: submit}, nil
}

func (s *Scheduler) handleKill(ctx context.Context, args map[string]any) command.Response {
	id, err := instanceID(args)
	if err != nil {
		return command.Err(command.ErrUser, "%v", err)
	}
	in, ok := s.d.Pool.Get(id)
	if !ok {
		return command.Err(command.ErrUser, "no such instance: %s", id.String())
	}
	adapter, err := s.d.Batcher.Registry.Get(in.RuntimeSettings.Runner)
	if err != nil {
		return command.Err(command.ErrServer, "%v", err)
	}
	if err := adapter.Kill(ctx, in.RuntimeSettings.Host, []string{in.RunnerJobID}); err != nil {
		return command.Err(command.ErrServer, "kill failed: %v", err)
	}
	ev, _ := s.d.Pool.Apply(id, taskinstance.Failed, "", time.Now())
	s.journalTransition(ev)
	return command.Ok(nil)
}

func (s *Scheduler) handlePoll(ctx context.Context, args map[string]any) command.Response {
	id, err := instanceID(args)
	if err != nil {
		return command.Err(command.ErrUser, "%v", err)
	}
	in, ok := s.d.Pool.Get(id)
	if !ok {
		return command.Err(command.ErrUser, "no such instance: %s", id.String())
	}
	adapter, err := s.d.Batcher.Registry.Get(in.RuntimeSettings.Runner)
	if err != nil {
		return command.Err(command.ErrServer, "%v", err)
	}
	results := adapter.Poll(ctx, in.RuntimeSettings.Host, []string{in.RunnerJobID})
	if len(results) == 0 {
		return command.Err(command.ErrServer, "poll returned no result")
	}
	r := results[0]
	switch r.Status {
	case "done-success":
		s.ApplyJobStatus(ctx, id, taskinstance.Succeeded, "succeeded")
	case "done-failure":
		s.ApplyJobStatus(ctx, id, taskinstance.Failed, "")
	}
	return command.Ok(map[string]any{"status": string(r.Status)})
}

func (s *Scheduler) handleBroadcast(args map[string]any) command.Response {
	op, _ := args["op"].(string)
	point, _ := args["point"].(string)
	namespace, _ := args["namespace"].(string)
	key, _ := args["key"].(string)
	if point == "" {
		point = "*"
	}
	if namespace == "" {
		namespace = "*"
	}
	now := time.Now()
	switch op {
	case "cancel":
		for _, rec := range s.d.Broadcast.Cancel(point, namespace, key, now) {
			s.journalBroadcast(rec)
		}
		return command.Ok(nil)
	default:
		value, _ := args["value"].(string)
		if key == "" {
			return command.Err(command.ErrUser, "broadcast requires a key")
		}
		rec := s.d.Broadcast.Set(point, namespace, key, value, now)
		s.journalBroadcast(rec)
		return command.Ok(nil)
	}
}

// handleExtTrigger satisfies an external-trigger prerequisite by treating
// it as a synthetic output "xtrigger:<id>" on the named instance, the same
// mechanism a clock- or polling-xtrigger would use once satisfied.
func (s *Scheduler) handleExtTrigger(args map[string]any) command.Response {
	id, err := instanceID(args)
	if err != nil {
		return command.Err(command.ErrUser, "%v", err)
	}
	triggerID, _ := args["id"].(string)
	if triggerID == "" {
		return command.Err(command.ErrUser, "ext-trigger requires an id")
	}
	now := time.Now()
	if !s.d.Pool.SetOutput(id, "xtrigger:"+triggerID, now) {
		return command.Err(command.ErrUser, "no such instance: %s", id.String())
	}
	s.journalOutput(id, "xtrigger:"+triggerID, now)
	return command.Ok(nil)
}

// handleStop records the requested stop mode, per spec.md §4.11's five
// modes. clean and now both let Run's tick loop notice the condition on its
// own schedule; now and now-now additionally end Run on this same command
// round-trip rather than waiting for a tick, now-now also killing every
// mid-flight job first instead of letting it finish.
func (s *Scheduler) handleStop(ctx context.Context, args map[string]any) command.Response {
	mode, _ := args["mode"].(string)
	if mode == "" {
		mode = command.StopClean
	}
	switch mode {
	case command.StopClean, command.StopNow:
		s.stopMode = mode
	case command.StopNowNow:
		s.stopMode = mode
		s.killActive(ctx)
	case command.StopAtClockTime:
		ts, _ := args["time"].(string)
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return command.Err(command.ErrUser, "invalid --time %q: %v", ts, err)
		}
		s.stopMode = mode
		s.stopClock, s.hasStopClock = t, true
	case command.StopAtCyclePoint:
		p, _ := args["point"].(string)
		point, err := cycletime.ParsePoint(p)
		if err != nil {
			return command.Err(command.ErrUser, "invalid --point %q: %v", p, err)
		}
		s.stopMode = mode
		s.stopAt, s.hasStop = point, true
	default:
		return command.Err(command.ErrUser, "unknown stop mode %q", mode)
	}
	return command.Ok(nil)
}

// killActive kills every mid-flight instance's job, the now-now stop mode's
// immediate-teardown behavior in place of letting running jobs finish.
func (s *Scheduler) killActive(ctx context.Context) {
	for _, in := range s.d.Pool.ActiveInstances() {
		adapter, err := s.d.Batcher.Registry.Get(in.RuntimeSettings.Runner)
		if err != nil {
			continue
		}
		if err := adapter.Kill(ctx, in.RuntimeSettings.Host, []string{in.RunnerJobID}); err != nil {
			s.d.Log.Warn("scheduler: now-now kill failed", "id", in.ID.String(), "error", err)
			continue
		}
		ev, _ := s.d.Pool.Apply(in.ID, taskinstance.Failed, "", time.Now())
		s.journalTransition(ev)
	}
}

// handleReload re-parses ConfigPath, validates the result through Reloader,
// and — only on success — swaps the scheduler onto the new registry, graph,
// and a freshly-bound resolver, writing a numbered config snapshot the same
// way a start does.
func (s *Scheduler) handleReload() command.Response {
	if s.d.ConfigPath == "" || s.d.Reloader == nil {
		return command.Err(command.ErrServer, "reload is not configured for this run")
	}
	cfg, err := config.Load(s.d.ConfigPath)
	if err != nil {
		return command.Err(command.ErrUser, "reload: %v", err)
	}
	nextReg, nextNames := cfg.BuildRegistry()
	diff, err := s.d.Reloader.Apply(nextReg, nextNames)
	if err != nil {
		return command.Err(command.ErrUser, "reload: %v", err)
	}
	model, err := cfg.BuildGraph()
	if err != nil {
		return command.Err(command.ErrUser, "reload: %v", err)
	}
	s.ApplyReload(s.d.Reloader.Current(), nextNames, model)

	data, err := os.ReadFile(s.d.ConfigPath)
	if err == nil {
		if n, nerr := s.d.Dir.NextConfigSnapshotNum(); nerr == nil {
			_ = s.d.Dir.WriteFlowSnapshot(data, n, "reload")
		}
	}
	s.d.Log.Info("scheduler: reload", "diff", diff.String())
	return command.Ok(map[string]any{"added": diff.Added, "removed": diff.Removed, "changed": diff.Changed})
}

func (s *Scheduler) handleStatus(ctx context.Context, args map[string]any) command.Response {
	id, err := instanceID(args)
	if err != nil {
		return command.Err(command.ErrUser, "%v", err)
	}
	state, _ := args["state"].(string)
	output, _ := args["output"].(string)
	if !s.ApplyJobStatus(ctx, id, taskinstance.State(state), output) {
		return command.Err(command.ErrUser, "status update rejected for %s", id.String())
	}
	return command.Ok(nil)
}
