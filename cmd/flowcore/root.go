package main

import (
	"github.com/spf13/cobra"

	"github.com/swarmguard/flowcore/internal/command"
)

// runDirFlag overrides $FLOWCORE_RUN_DIR; empty means rundir.Open falls
// back to its own default resolution.
var runDirFlag string

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowcore",
		Short: "flowcore runs and controls cycling workflow schedulers",
		Long: `flowcore is a meta-scheduler: it plays a workflow definition as a
long-running scheduler process and exposes a command channel for
controlling it (hold, release, trigger, reload, stop) and inspecting its
run directory (show, dump, cat-log).`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&runDirFlag, "run-dir", "", "run directory root (default $FLOWCORE_RUN_DIR or ~/flowcore-run)")

	root.AddCommand(buildPlayCommand())
	root.AddCommand(buildClientCommand(command.CmdStop, "stop [workflow]", "Stop a running scheduler", stopArgs))
	root.AddCommand(buildClientCommand(command.CmdReload, "reload [workflow]", "Reload the workflow definition from disk", noArgs))
	root.AddCommand(buildClientCommand(command.CmdHold, "hold [workflow]", "Hold the workflow (stop submitting new jobs)", noArgs))
	root.AddCommand(buildClientCommand(command.CmdRelease, "release [workflow]", "Release a held workflow", noArgs))
	root.AddCommand(buildClientCommand(command.CmdTrigger, "trigger [workflow] --task NAME --point POINT", "Force-trigger a task instance", instanceArgs))
	root.AddCommand(buildClientCommand(command.CmdSet, "set [workflow] --task NAME --point POINT --output OUTPUT", "Mark an output complete on a task instance", setArgs))
	root.AddCommand(buildClientCommand(command.CmdRemove, "remove [workflow] --task NAME --point POINT", "Remove a task instance from the pool", instanceArgs))
	root.AddCommand(buildClientCommand(command.CmdKill, "kill [workflow] --task NAME --point POINT", "Kill a running task instance's job", instanceArgs))
	root.AddCommand(buildClientCommand(command.CmdPoll, "poll [workflow] --task NAME --point POINT", "Poll a task instance's job status", instanceArgs))
	root.AddCommand(buildClientCommand(command.CmdBroadcast, "broadcast [workflow] --namespace NS --key KEY --value VALUE", "Set or cancel a runtime override", broadcastArgs))
	root.AddCommand(buildClientCommand(command.CmdExtTrigger, "ext-trigger [workflow] --task NAME --point POINT --id ID", "Satisfy an external-trigger prerequisite", extTriggerArgs))

	root.AddCommand(buildShowCommand())
	root.AddCommand(buildDumpCommand())
	root.AddCommand(buildCatLogCommand())

	return root
}

// exitCodeFor maps a command failure to spec.md §6's exit-code contract: 0
// success, 1 user error, 2 server error. cobra already prints the error; we
// only need the code.
func exitCodeFor(err error) int {
	if ue, ok := err.(userError); ok {
		_ = ue
		return 1
	}
	return 2
}

// userError marks a failure as the caller's fault (bad arguments, unknown
// workflow, a rejected command) rather than a scheduler/server-side fault.
type userError struct{ error }
