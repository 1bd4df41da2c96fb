package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

// batchAdapter is the shared implementation behind the PBS, Slurm, LSF, and
// LoadLeveler adapters: each differs only in the submit/poll/kill command
// names, the directive-header syntax, and how a submit response's job id is
// extracted from the command's stdout.
type batchAdapter struct {
	kind taskdef.RunnerKind

	submitCmd   string
	submitArgs  func(scriptPath string) []string
	pollCmd     string
	pollArgs    func(jobIDs []string) []string
	killCmd     string
	killArgs    func(jobIDs []string) []string
	directivePrefix string

	parseSubmitOutput func(stdout string) (jobID string, err error)
	parsePollOutput   func(stdout string, requested []string) map[string]Status

	// exec is overridable in tests to avoid invoking a real batch client.
	exec func(ctx context.Context, name string, args ...string) (stdout string, err error)
}

func realExec(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (b *batchAdapter) Kind() taskdef.RunnerKind { return b.kind }

func (b *batchAdapter) run(ctx context.Context, host, name string, args ...string) (string, error) {
	if host == "" {
		return b.exec(ctx, name, args...)
	}
	sshArgs := append([]string{host, name}, args...)
	return b.exec(ctx, "ssh", sshArgs...)
}

func (b *batchAdapter) Submit(ctx context.Context, host string, reqs []SubmitRequest) []SubmitResult {
	results := make([]SubmitResult, 0, len(reqs))
	for _, req := range reqs {
		header, err := b.ParseDirectives(req.Settings.Directives)
		if err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: err, Permanent: true})
			continue
		}
		script := header + "\n" + req.Settings.Script + "\n"
		if err := writeFile(req.ScriptPath, script); err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: fmt.Errorf("runner: write script: %w", err), Permanent: true})
			continue
		}
		stdout, err := b.run(ctx, host, b.submitCmd, b.submitArgs(req.ScriptPath)...)
		if err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: fmt.Errorf("runner: %s submit: %w", b.kind, err)})
			continue
		}
		jobID, err := b.parseSubmitOutput(stdout)
		if err != nil {
			results = append(results, SubmitResult{InstanceKey: req.InstanceKey, Err: err})
			continue
		}
		results = append(results, SubmitResult{InstanceKey: req.InstanceKey, OK: true, RunnerJobID: jobID})
	}
	return results
}

func (b *batchAdapter) Poll(ctx context.Context, host string, runnerJobIDs []string) []PollResult {
	if len(runnerJobIDs) == 0 {
		return nil
	}
	stdout, err := b.run(ctx, host, b.pollCmd, b.pollArgs(runnerJobIDs)...)
	if err != nil {
		out := make([]PollResult, len(runnerJobIDs))
		for i, id := range runnerJobIDs {
			out[i] = PollResult{RunnerJobID: id, Status: StatusUnknown, Err: err}
		}
		return out
	}
	statuses := b.parsePollOutput(stdout, runnerJobIDs)
	out := make([]PollResult, 0, len(runnerJobIDs))
	for _, id := range runnerJobIDs {
		s, ok := statuses[id]
		if !ok {
			s = StatusUnknown
		}
		out = append(out, PollResult{RunnerJobID: id, Status: s})
	}
	return out
}

func (b *batchAdapter) Kill(ctx context.Context, host string, runnerJobIDs []string) error {
	if len(runnerJobIDs) == 0 {
		return nil
	}
	_, err := b.run(ctx, host, b.killCmd, b.killArgs(runnerJobIDs)...)
	return err
}

func (b *batchAdapter) ParseDirectives(directives map[string]string) (string, error) {
	keys := make([]string, 0, len(directives))
	for k := range directives {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s %s %s\n", b.directivePrefix, k, directives[k]))
	}
	return sb.String(), nil
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o755)
}

// NewPBSAdapter builds the PBS/Torque adapter: `qsub`/`qstat`/`qdel`, `#PBS`
// directive headers.
func NewPBSAdapter() Adapter {
	return &batchAdapter{
		kind:            taskdef.RunnerPBS,
		submitCmd:       "qsub",
		submitArgs:      func(p string) []string { return []string{p} },
		pollCmd:         "qstat",
		pollArgs:        func(ids []string) []string { return ids },
		killCmd:         "qdel",
		killArgs:        func(ids []string) []string { return ids },
		directivePrefix: "#PBS -",
		parseSubmitOutput: func(stdout string) (string, error) {
			id := strings.TrimSpace(stdout)
			if id == "" {
				return "", fmt.Errorf("runner: pbs qsub returned no job id")
			}
			return id, nil
		},
		parsePollOutput: genericLineStatusParser,
		exec:            realExec,
	}
}

// NewSlurmAdapter builds the Slurm adapter: `sbatch`/`squeue`/`scancel`,
// `#SBATCH` directive headers.
func NewSlurmAdapter() Adapter {
	return &batchAdapter{
		kind:            taskdef.RunnerSlurm,
		submitCmd:       "sbatch",
		submitArgs:      func(p string) []string { return []string{p} },
		pollCmd:         "squeue",
		pollArgs:        func(ids []string) []string { return append([]string{"-j"}, strings.Join(ids, ",")) },
		killCmd:         "scancel",
		killArgs:        func(ids []string) []string { return ids },
		directivePrefix: "#SBATCH --",
		parseSubmitOutput: func(stdout string) (string, error) {
			fields := strings.Fields(stdout)
			if len(fields) == 0 {
				return "", fmt.Errorf("runner: slurm sbatch returned no job id")
			}
			return fields[len(fields)-1], nil
		},
		parsePollOutput: genericLineStatusParser,
		exec:            realExec,
	}
}

// NewLSFAdapter builds the LSF adapter: `bsub`/`bjobs`/`bkill`, `#BSUB`
// directive headers.
func NewLSFAdapter() Adapter {
	return &batchAdapter{
		kind:            taskdef.RunnerLSF,
		submitCmd:       "bsub",
		submitArgs:      func(p string) []string { return []string{"<", p} },
		pollCmd:         "bjobs",
		pollArgs:        func(ids []string) []string { return ids },
		killCmd:         "bkill",
		killArgs:        func(ids []string) []string { return ids },
		directivePrefix: "#BSUB -",
		parseSubmitOutput: func(stdout string) (string, error) {
			// typical bsub output: "Job <12345> is submitted to queue <normal>."
			start := strings.Index(stdout, "<")
			end := strings.Index(stdout, ">")
			if start < 0 || end < 0 || end <= start {
				return "", fmt.Errorf("runner: could not parse lsf job id from %q", stdout)
			}
			return stdout[start+1 : end], nil
		},
		parsePollOutput: genericLineStatusParser,
		exec:            realExec,
	}
}

// NewLoadLevelerAdapter builds the LoadLeveler adapter: `llsubmit`/`llq`/
// `llcancel`, `#@` directive headers.
func NewLoadLevelerAdapter() Adapter {
	return &batchAdapter{
		kind:            taskdef.RunnerLoadLeveler,
		submitCmd:       "llsubmit",
		submitArgs:      func(p string) []string { return []string{p} },
		pollCmd:         "llq",
		pollArgs:        func(ids []string) []string { return ids },
		killCmd:         "llcancel",
		killArgs:        func(ids []string) []string { return ids },
		directivePrefix: "#@ ",
		parseSubmitOutput: func(stdout string) (string, error) {
			fields := strings.Fields(stdout)
			if len(fields) == 0 {
				return "", fmt.Errorf("runner: loadleveler llsubmit returned no job id")
			}
			return fields[len(fields)-1], nil
		},
		parsePollOutput: genericLineStatusParser,
		exec:            realExec,
	}
}

// genericLineStatusParser is a best-effort poll-output parser shared by the
// batch adapters: it looks for each requested job id as a line prefix and
// classifies common scheduler status letters. Unrecognised or absent ids
// map to StatusUnknown, which the tracking subsystem treats conservatively
// (never as a terminal result).
func genericLineStatusParser(stdout string, requested []string) map[string]Status {
	out := make(map[string]Status, len(requested))
	lines := strings.Split(stdout, "\n")
	for _, id := range requested {
		for _, line := range lines {
			if !strings.HasPrefix(strings.TrimSpace(line), id) {
				continue
			}
			upper := strings.ToUpper(line)
			switch {
			case strings.Contains(upper, "COMPLETED"), strings.Contains(upper, "DONE"):
				out[id] = StatusDoneSuccess
			case strings.Contains(upper, "FAILED"), strings.Contains(upper, "EXIT"):
				out[id] = StatusDoneFailure
			case strings.Contains(upper, "RUNNING"), strings.Contains(upper, " R "), strings.Contains(upper, "PEND"):
				out[id] = StatusRunning
			}
		}
	}
	return out
}
