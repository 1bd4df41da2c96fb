// Package tracking implements job tracking and polling: status-file
// parsing, adaptive polling schedules, and submission/execution timeouts.
package tracking

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

// StatusFields holds the key=value lines the worker-side job wrapper emits
// to the status file, in the bit-exact format of spec.md §6.
type StatusFields struct {
	RunnerName string
	JobID      string
	PID        string
	InitTime   string
	Exit       string // SUCCEEDED | ERR | signal-name
	ExitTime   string
}

// Complete reports whether both identity fields required to consider a job
// "submission complete" are present; an incomplete file is treated as
// submission-in-progress.
func (f StatusFields) Complete() bool {
	return f.RunnerName != "" && f.JobID != ""
}

// Finished reports whether the job has reported an exit.
func (f StatusFields) Finished() bool { return f.Exit != "" }

// Succeeded reports whether a finished job's exit was clean.
func (f StatusFields) Succeeded() bool { return f.Exit == "SUCCEEDED" }

// ParseStatusFile reads and parses a status file in the key=value format
// documented in spec.md §6. A missing file is not an error: it simply means
// submission has not yet progressed far enough to write one.
func ParseStatusFile(path string) (StatusFields, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return StatusFields{}, nil
	}
	if err != nil {
		return StatusFields{}, fmt.Errorf("tracking: read status file %s: %w", path, err)
	}
	return ParseStatusBytes(data)
}

// ParseStatusBytes parses the key=value status-file format from an
// in-memory byte slice.
func ParseStatusBytes(data []byte) (StatusFields, error) {
	var f StatusFields
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "CYLC_JOB_RUNNER_NAME":
			f.RunnerName = v
		case "CYLC_JOB_ID":
			f.JobID = v
		case "CYLC_JOB_PID":
			f.PID = v
		case "CYLC_JOB_INIT_TIME":
			f.InitTime = v
		case "CYLC_JOB_EXIT":
			f.Exit = v
		case "CYLC_JOB_EXIT_TIME":
			f.ExitTime = v
		}
	}
	if err := sc.Err(); err != nil {
		return StatusFields{}, fmt.Errorf("tracking: scan status file: %w", err)
	}
	return f, nil
}

// WriteStatusFile renders f in the canonical key=value order; tests use it
// to simulate a worker-side write. The background adapter does not call it.
func WriteStatusFile(path string, f StatusFields) error {
	var sb strings.Builder
	if f.RunnerName != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_RUNNER_NAME=%s\n", f.RunnerName)
	}
	if f.JobID != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_ID=%s\n", f.JobID)
	}
	if f.PID != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_PID=%s\n", f.PID)
	}
	if f.InitTime != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_INIT_TIME=%s\n", f.InitTime)
	}
	if f.Exit != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_EXIT=%s\n", f.Exit)
	}
	if f.ExitTime != "" {
		fmt.Fprintf(&sb, "CYLC_JOB_EXIT_TIME=%s\n", f.ExitTime)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

// Schedule is an adaptive polling schedule: an ordered list of delays,
// consumed one entry per poll, with the last entry repeating indefinitely
// once exhausted (matching the `6*PT10S` repeat-count shorthand collapsing
// to a steady-state cadence).
type Schedule struct {
	delays []time.Duration
	index  int
}

// NewSchedule builds a schedule from a list of delays in consumption order.
func NewSchedule(delays []time.Duration) *Schedule {
	return &Schedule{delays: delays}
}

// Next returns the delay before the next poll and advances the schedule.
func (s *Schedule) Next() time.Duration {
	if len(s.delays) == 0 {
		return 10 * time.Second
	}
	d := s.delays[s.index]
	if s.index < len(s.delays)-1 {
		s.index++
	}
	return d
}

// Reset rewinds the schedule to its first entry, called when a fresher
// inbound status message arrives and supersedes the need to poll soon.
func (s *Schedule) Reset() { s.index = 0 }

// Timeout tracks a deadline that resets on a fresher inbound signal when
// configured to do so.
type Timeout struct {
	Duration     time.Duration
	ResetOnMsg   bool
	deadline     time.Time
	armed        bool
}

// Arm starts (or restarts) the timeout's countdown from now.
func (t *Timeout) Arm(now time.Time) {
	t.deadline = now.Add(t.Duration)
	t.armed = true
}

// Disarm cancels the timeout.
func (t *Timeout) Disarm() { t.armed = false }

// OnMessage resets the countdown if ResetOnMsg is set and the timeout is
// armed.
func (t *Timeout) OnMessage(now time.Time) {
	if t.armed && t.ResetOnMsg {
		t.Arm(now)
	}
}

// Fired reports whether the timeout has elapsed as of now.
func (t *Timeout) Fired(now time.Time) bool {
	return t.armed && !now.Before(t.deadline)
}
