package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/swarmguard/flowcore/internal/broadcast"
	"github.com/swarmguard/flowcore/internal/command"
	"github.com/swarmguard/flowcore/internal/config"
	"github.com/swarmguard/flowcore/internal/cycletime"
	"github.com/swarmguard/flowcore/internal/eventhandler"
	"github.com/swarmguard/flowcore/internal/eventstream"
	"github.com/swarmguard/flowcore/internal/obs"
	"github.com/swarmguard/flowcore/internal/pool"
	"github.com/swarmguard/flowcore/internal/resolver"
	"github.com/swarmguard/flowcore/internal/rundir"
	"github.com/swarmguard/flowcore/internal/runner"
	"github.com/swarmguard/flowcore/internal/scheduler"
	"github.com/swarmguard/flowcore/internal/store"
	"github.com/swarmguard/flowcore/internal/taskdef"
	"github.com/swarmguard/flowcore/internal/taskinstance"
	"github.com/swarmguard/flowcore/internal/tracking"
)

func buildPlayCommand() *cobra.Command {
	var configPath, metricsAddr string
	var batchSize int
	var batchDelay time.Duration

	cmd := &cobra.Command{
		Use:   "play <workflow> --config flow.yaml",
		Short: "Start a workflow as a long-running scheduler",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return userError{fmt.Errorf("--config is required")}
			}
			return runPlay(args[0], configPath, runDirFlag, metricsAddr, batchSize, batchDelay)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to the workflow's flow.yaml")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	cmd.Flags().IntVar(&batchSize, "submit-batch-size", 10, "max jobs submitted per (host, runner) batch")
	cmd.Flags().DurationVar(&batchDelay, "submit-batch-delay", time.Second, "delay between successive submission batches to the same target")
	return cmd
}

// runPlay assembles every subsystem named in Deps, starts the command
// channel and (optionally) the metrics server, writes the service contact
// file, and runs the scheduler until an OS signal or a `stop` command ends
// it, grounded on the demo controller's signal.NotifyContext shutdown
// idiom.
func runPlay(workflow, configPath, runDirRoot, metricsAddr string, batchSize int, batchDelay time.Duration) error {
	log := obs.InitLogging(workflow)

	cfg, err := config.Load(configPath)
	if err != nil {
		return userError{err}
	}

	reg, allNames := cfg.BuildRegistry()
	var taskNames []string
	xtriggers := resolver.NewXtriggerManager(nil)
	xtriggerOwners := make(map[string]string)
	for _, n := range allNames {
		def, err := reg.Merge(n)
		if err != nil {
			return userError{fmt.Errorf("config: %q: %w", n, err)}
		}
		if !def.IsFamily {
			taskNames = append(taskNames, n)
		}
		for _, decl := range def.Xtriggers {
			spec, err := parseXtrigger(n, decl)
			if err != nil {
				return userError{fmt.Errorf("config: %q: %w", n, err)}
			}
			if err := xtriggers.Register(spec); err != nil {
				return userError{err}
			}
			xtriggerOwners[spec.Label] = n
		}
	}

	model, err := cfg.BuildGraph()
	if err != nil {
		return userError{err}
	}

	initial, final, hasFinal, err := cfg.CyclePoints()
	if err != nil {
		return userError{err}
	}

	runahead, err := config.ParseRunaheadLimit(cfg.Scheduling.RunaheadLimit, cfg.Scheduling.CyclingMode)
	if err != nil {
		return userError{err}
	}

	downstream := make(map[string]bool)
	for _, e := range model.Edges {
		downstream[e.Downstream] = true
	}
	var parentless []string
	for _, n := range taskNames {
		if !downstream[n] {
			parentless = append(parentless, n)
		}
	}

	p := pool.New(reg, model, nil, runahead, parentless)
	resolve := resolver.New(model, p)
	resolve.SetInitialPoint(initial)
	p.SetResolver(resolve)

	dir, err := rundir.Open(runDirRoot, workflow)
	if err != nil {
		return err
	}

	st, err := store.Open(dir.AuthoritativeDB())
	if err != nil {
		return err
	}
	defer st.Close()

	restored, err := restorePool(st, p, reg)
	if err != nil {
		return fmt.Errorf("flowcore: restore task pool: %w", err)
	}

	broadcastEngine := broadcast.New()
	broadcastRecords, err := st.LoadBroadcastEvents()
	if err != nil {
		return fmt.Errorf("flowcore: restore broadcasts: %w", err)
	}
	broadcastEngine.Restore(broadcastRecords)

	watcher, err := tracking.NewWatcher(log)
	if err != nil {
		return err
	}
	defer watcher.Close()

	batcher := &runner.Batcher{
		Registry: runner.NewRegistry(
			runner.NewBackgroundAdapter(),
			runner.NewAtAdapter(0),
			runner.NewPBSAdapter(),
			runner.NewSlurmAdapter(),
			runner.NewLSFAdapter(),
			runner.NewLoadLevelerAdapter(),
		),
		BatchSize:           batchSize,
		DelayBetweenBatches: batchDelay,
	}

	metrics := obs.NewMetrics(workflow)
	shutdownTrace := obs.InitTracer(context.Background(), workflow)

	issuer, err := command.NewTokenIssuer(workflow)
	if err != nil {
		return err
	}
	token, err := issuer.Issue()
	if err != nil {
		return err
	}
	tlsConfig, err := command.SelfSignedTLS("localhost")
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Deps{
		Registry:       reg,
		TaskNames:      taskNames,
		Model:          model,
		Resolve:        resolve,
		Pool:           p,
		Batcher:        batcher,
		Store:          st,
		Broadcast:      broadcastEngine,
		Handlers:       eventhandler.New(log, 4, 4, time.Second),
		Metrics:        metrics,
		Hub:            eventstream.NewHub(log),
		Dir:            dir,
		Log:            log,
		ConfigPath:     configPath,
		Reloader:       command.NewReloader(reg, allNames),
		InitialPoint:   initial,
		FinalPoint:     final,
		HasFinal:       hasFinal,
		Restored:       restored,
		Xtriggers:      xtriggers,
		XtriggerOwners: xtriggerOwners,
		Tracking:       watcher,
	})

	srv, err := command.Listen("127.0.0.1:0", tlsConfig, issuer, sched, log)
	if err != nil {
		return err
	}

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}
	if err := dir.WriteContact(rundir.Contact{
		Host:      host,
		Port:      port,
		Token:     token,
		PID:       os.Getpid(),
		StartTime: time.Now(),
	}); err != nil {
		return err
	}
	defer dir.RemoveContact()

	rawConfig, err := os.ReadFile(configPath)
	if err == nil {
		_ = dir.WriteFlowSnapshot(rawConfig, 1, "start")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	xtriggers.Start()
	defer xtriggers.Stop()

	go func() {
		if err := srv.Serve(ctx); err != nil {
			log.Error("flowcore: command server", "error", err)
		}
	}()

	if metricsAddr != "" {
		go func() {
			if err := obs.Serve(metricsAddr, metrics); err != nil {
				log.Error("flowcore: metrics server", "error", err)
			}
		}()
	}

	runErr := sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Close()
	obs.Flush(shutdownCtx, shutdownTrace)

	return runErr
}

// restorePool loads the most recent task_pool snapshot and reinserts each
// row into p, reconstructing the taskinstance.Instance the row describes
// rather than re-spawning it (a restored instance keeps its prerequisites,
// completed outputs, and submit-number exactly as they were checkpointed,
// satisfying spec.md §3's DB round-trip invariant). It reports whether any
// row was restored, which runPlay uses to suppress the fresh-start seed.
func restorePool(st *store.Store, p *pool.Pool, reg *taskdef.Registry) (bool, error) {
	rows, err := st.LoadTaskPoolSnapshot()
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		point, err := cycletime.ParsePoint(row.Point)
		if err != nil {
			return false, fmt.Errorf("task_pool row %s.%s: %w", row.TaskName, row.Point, err)
		}
		def, err := reg.Merge(row.TaskName)
		if err != nil {
			return false, fmt.Errorf("task_pool row %s.%s: %w", row.TaskName, row.Point, err)
		}
		prereqs := row.Prerequisites
		if prereqs == nil {
			prereqs = make(map[string]bool)
		}
		outputs := row.CompletedOutputs
		if outputs == nil {
			outputs = make(map[string]bool)
		}
		in := &taskinstance.Instance{
			ID: taskinstance.ID{
				TaskName:     row.TaskName,
				Point:        point,
				SubmitNumber: row.SubmitNumber,
			},
			State:                taskinstance.State(row.State),
			Prerequisites:        prereqs,
			SuicidePrerequisites: make(map[string]bool),
			CompletedOutputs:     outputs,
			RunnerJobID:          row.RunnerJobID,
			Attempt:              row.Attempt,
			Token:                row.Token,
			RuntimeSettings:      def,
		}
		p.Restore(in)
	}
	return len(rows) > 0, nil
}

// parseXtrigger parses one runtime.<task>.xtriggers entry of the form
// "label = kind: cron-schedule" into a resolver.XtriggerSpec. Only
// wall_clock fires on its own: its predicate is the cron schedule itself,
// publishing the firing time as its output. external and peer_workflow
// labels are registered (so `show`/polling see them) but their Eval never
// satisfies, since this config format has no endpoint field for them yet.
func parseXtrigger(taskName, decl string) (resolver.XtriggerSpec, error) {
	label, rest, ok := strings.Cut(decl, "=")
	if !ok {
		return resolver.XtriggerSpec{}, fmt.Errorf("xtrigger %q: expected \"label = kind: schedule\"", decl)
	}
	label = strings.TrimSpace(label)
	kind, schedule, ok := strings.Cut(rest, ":")
	if !ok {
		return resolver.XtriggerSpec{}, fmt.Errorf("xtrigger %q: expected \"label = kind: schedule\"", decl)
	}
	kind = strings.TrimSpace(kind)
	schedule = strings.TrimSpace(schedule)
	if label == "" || schedule == "" {
		return resolver.XtriggerSpec{}, fmt.Errorf("xtrigger %q: label and schedule are required", decl)
	}

	spec := resolver.XtriggerSpec{Label: label, Schedule: schedule}
	switch resolver.XtriggerKind(kind) {
	case resolver.XtriggerWallClock:
		spec.Kind = resolver.XtriggerWallClock
		spec.Eval = func(ctx context.Context) (bool, map[string]string, error) {
			return true, map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}, nil
		}
	case resolver.XtriggerExternal:
		spec.Kind = resolver.XtriggerExternal
		spec.Eval = func(ctx context.Context) (bool, map[string]string, error) { return false, nil, nil }
	case resolver.XtriggerPeer:
		spec.Kind = resolver.XtriggerPeer
		spec.Eval = func(ctx context.Context) (bool, map[string]string, error) { return false, nil, nil }
	default:
		return resolver.XtriggerSpec{}, fmt.Errorf("xtrigger %q for %q: unknown kind %q", label, taskName, kind)
	}
	return spec, nil
}
