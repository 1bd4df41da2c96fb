package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/swarmguard/flowcore/internal/rundir"
	"github.com/swarmguard/flowcore/internal/store"
)

// buildShowCommand prints the active configuration snapshot flow.cylc was
// loaded from.
func buildShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow>",
		Short: "Print the active configuration snapshot for a workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rundir.Open(runDirFlag, args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(dir.FlowFile())
			if err != nil {
				return userError{fmt.Errorf("show: %w", err)}
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

// buildDumpCommand prints the task pool snapshot from the read-only copy
// of the workflow database, without touching the authoritative copy a
// running scheduler may hold open.
func buildDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <workflow>",
		Short: "Dump the task pool snapshot from a workflow's database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rundir.Open(runDirFlag, args[0])
			if err != nil {
				return err
			}
			st, err := store.Open(dir.ReadableDB())
			if err != nil {
				return userError{fmt.Errorf("dump: %w", err)}
			}
			defer st.Close()
			rows, err := st.LoadTaskPoolSnapshot()
			if err != nil {
				return userError{fmt.Errorf("dump: %w", err)}
			}
			for _, row := range rows {
				fmt.Printf("%s.%s/%02d\t%s\t%s\n", row.TaskName, row.Point, row.SubmitNumber, row.State, row.RunnerJobID)
			}
			return nil
		},
	}
}

// buildCatLogCommand prints either the scheduler log or, when --task and
// --point are given, one job's log file.
func buildCatLogCommand() *cobra.Command {
	var task, point, file string
	var submit int

	cmd := &cobra.Command{
		Use:   "cat-log <workflow>",
		Short: "Print the scheduler log, or a job's log with --task/--point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := rundir.Open(runDirFlag, args[0])
			if err != nil {
				return err
			}
			path := dir.SchedulerLog()
			if task != "" {
				if point == "" {
					return userError{fmt.Errorf("cat-log: --point is required with --task")}
				}
				path = dir.JobFile(point, task, submit, file)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return userError{fmt.Errorf("cat-log: %w", err)}
			}
			fmt.Print(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task name (selects a job log instead of the scheduler log)")
	cmd.Flags().StringVar(&point, "point", "", "cycle point")
	cmd.Flags().IntVar(&submit, "submit", 1, "submit number")
	cmd.Flags().StringVar(&file, "file", "job.out", "job log file: job, job.out, job.err, job.status, job-activity.log")
	return cmd
}
