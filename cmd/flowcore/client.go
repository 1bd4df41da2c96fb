package main

import (
	"crypto/tls"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swarmguard/flowcore/internal/command"
	"github.com/swarmguard/flowcore/internal/rundir"
)

// argsBuilder turns a cobra command's flags into the JSON args map sent on
// the command channel.
type argsBuilder func(cmd *cobra.Command) (map[string]any, error)

func noArgs(cmd *cobra.Command) (map[string]any, error) { return nil, nil }

func instanceFlags(cmd *cobra.Command) {
	cmd.Flags().String("task", "", "task name")
	cmd.Flags().String("point", "", "cycle point")
}

func instanceArgs(cmd *cobra.Command) (map[string]any, error) {
	task, _ := cmd.Flags().GetString("task")
	point, _ := cmd.Flags().GetString("point")
	if task == "" || point == "" {
		return nil, userError{fmt.Errorf("--task and --point are required")}
	}
	return map[string]any{"task": task, "point": point}, nil
}

func setArgs(cmd *cobra.Command) (map[string]any, error) {
	base, err := instanceArgs(cmd)
	if err != nil {
		return nil, err
	}
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return nil, userError{fmt.Errorf("--output is required")}
	}
	base["output"] = output
	return base, nil
}

func extTriggerArgs(cmd *cobra.Command) (map[string]any, error) {
	base, err := instanceArgs(cmd)
	if err != nil {
		return nil, err
	}
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		return nil, userError{fmt.Errorf("--id is required")}
	}
	base["id"] = id
	return base, nil
}

func stopArgs(cmd *cobra.Command) (map[string]any, error) {
	mode, _ := cmd.Flags().GetString("mode")
	if mode == "" {
		mode = command.StopClean
	}
	args := map[string]any{"mode": mode}
	if point, _ := cmd.Flags().GetString("point"); point != "" {
		args["point"] = point
	}
	if clockTime, _ := cmd.Flags().GetString("time"); clockTime != "" {
		args["time"] = clockTime
	}
	return args, nil
}

func broadcastArgs(cmd *cobra.Command) (map[string]any, error) {
	namespace, _ := cmd.Flags().GetString("namespace")
	key, _ := cmd.Flags().GetString("key")
	value, _ := cmd.Flags().GetString("value")
	point, _ := cmd.Flags().GetString("point")
	cancel, _ := cmd.Flags().GetBool("cancel")
	if key == "" {
		return nil, userError{fmt.Errorf("--key is required")}
	}
	args := map[string]any{"namespace": namespace, "key": key, "point": point}
	if cancel {
		args["op"] = "cancel"
	} else {
		args["value"] = value
	}
	return args, nil
}

// buildClientCommand builds a thin subcommand that dials the running
// scheduler's command channel via its run directory's contact file and
// sends one request.
func buildClientCommand(commandName, use, short string, build argsBuilder) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflow := "default"
			if len(args) == 1 {
				workflow = args[0]
			}
			reqArgs, err := build(cmd)
			if err != nil {
				return err
			}
			resp, err := callScheduler(workflow, commandName, reqArgs)
			if err != nil {
				return err
			}
			if !resp.OK {
				respErr := fmt.Errorf("%s: %s", resp.Kind, resp.Message)
				if resp.Kind == command.ErrServer {
					return respErr
				}
				return userError{respErr}
			}
			fmt.Printf("ok: %+v\n", resp.Data)
			return nil
		},
	}
	switch commandName {
	case command.CmdTrigger, command.CmdRemove, command.CmdKill, command.CmdPoll:
		instanceFlags(cmd)
	case command.CmdSet:
		instanceFlags(cmd)
		cmd.Flags().String("output", "", "output label to mark complete")
	case command.CmdExtTrigger:
		instanceFlags(cmd)
		cmd.Flags().String("id", "", "external trigger id")
	case command.CmdStop:
		cmd.Flags().String("mode", command.StopClean, "stop mode: clean, now, now-now, at-clock-time, at-cycle-point")
		cmd.Flags().String("point", "", "cycle point for --mode at-cycle-point")
		cmd.Flags().String("time", "", "RFC3339 wall-clock time for --mode at-clock-time")
	case command.CmdBroadcast:
		cmd.Flags().String("namespace", "*", "task or family name, or * for all")
		cmd.Flags().String("point", "*", "cycle point, or * for all")
		cmd.Flags().String("key", "", "runtime setting key, e.g. environment.HELLO")
		cmd.Flags().String("value", "", "value to broadcast")
		cmd.Flags().Bool("cancel", false, "cancel the matching broadcast instead of setting it")
	}
	return cmd
}

// callScheduler reads the workflow's contact file and issues one
// request/response round trip over its command channel.
func callScheduler(workflow, commandName string, args map[string]any) (command.Response, error) {
	dir, err := rundir.Open(runDirFlag, workflow)
	if err != nil {
		return command.Response{}, err
	}
	contact, err := dir.ReadContact()
	if err != nil {
		return command.Response{}, userError{fmt.Errorf("no running scheduler found for %q: %w", workflow, err)}
	}
	// The command channel has no external CA: its self-signed certificate
	// is not meant to be verified, only the bearer token is real access
	// control (see internal/command.SelfSignedTLS).
	tlsConfig := &tls.Config{InsecureSkipVerify: true}
	addr := fmt.Sprintf("%s:%d", contact.Host, contact.Port)
	client, err := command.Dial(addr, contact.Token, tlsConfig)
	if err != nil {
		return command.Response{}, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer client.Close()
	return client.Call(commandName, args)
}
