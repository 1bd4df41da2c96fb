// Package rundir lays out and manages the on-disk run directory for one
// workflow run: the config snapshot, the service contact file, the
// structured scheduler log, per-job log trees, and the two copies of the
// workflow database. The layout and the contact-file contents follow
// spec.md §6 exactly; the directory-creation style is grounded on the
// audit-trail service's PersistentAuditLog, which MkdirAlls its WAL
// directory once at construction and derives every other path from it.
package rundir

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Dir represents one workflow's run directory rooted at <root>/<workflow>.
type Dir struct {
	Root     string
	Workflow string
}

// Open resolves the run directory for workflow under root, creating its
// fixed subtree (log/scheduler, log/config, log/job, log/db, .service,
// share, work) if it does not already exist. root defaults to
// $FLOWCORE_RUN_DIR, then ~/flowcore-run, matching spec.md §6's
// CYLC_RUN_DIR-equivalent override.
func Open(root, workflow string) (*Dir, error) {
	if root == "" {
		root = os.Getenv("FLOWCORE_RUN_DIR")
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("rundir: resolve home: %w", err)
		}
		root = filepath.Join(home, "flowcore-run")
	}
	d := &Dir{Root: root, Workflow: workflow}
	for _, sub := range []string{
		"log/scheduler",
		"log/config",
		"log/job",
		"log/db",
		".service",
		"share",
		"work",
	} {
		if err := os.MkdirAll(d.path(sub), 0o755); err != nil {
			return nil, fmt.Errorf("rundir: create %s: %w", sub, err)
		}
	}
	return d, nil
}

func (d *Dir) path(parts ...string) string {
	return filepath.Join(append([]string{d.Root, d.Workflow}, parts...)...)
}

// Base is the workflow's run directory itself.
func (d *Dir) Base() string { return d.path() }

// FlowFile is the path to the active configuration snapshot.
func (d *Dir) FlowFile() string { return d.path("flow.cylc") }

// ContactFile is the path to the authoritative service contact record.
func (d *Dir) ContactFile() string { return d.path(".service", "contact") }

// SchedulerLog is the path to the structured scheduler log.
func (d *Dir) SchedulerLog() string { return d.path("log", "scheduler", "log") }

// AuthoritativeDB is the path to the writable workflow database.
func (d *Dir) AuthoritativeDB() string { return d.path(".service", "db") }

// ReadableDB is the path to the read-only copy of the workflow database
// published for external tools.
func (d *Dir) ReadableDB() string { return d.path("log", "db") }

// ShareDir and WorkDir are scratch areas for user task I/O.
func (d *Dir) ShareDir() string { return d.path("share") }
func (d *Dir) WorkDir() string  { return d.path("work") }

// ConfigSnapshot returns the path for the Nth config snapshot of the given
// kind ("start", "reload", "restart"), e.g. log/config/01-start.cylc.
func (d *Dir) ConfigSnapshot(n int, kind string) string {
	return d.path("log", "config", fmt.Sprintf("%02d-%s.cylc", n, kind))
}

// JobLogDir returns the directory for one submission attempt's job logs:
// log/job/<point>/<name>/<submitNum>/.
func (d *Dir) JobLogDir(point, name string, submitNum int) string {
	return d.path("log", "job", point, name, fmt.Sprintf("%02d", submitNum))
}

// JobFile returns a named file (job, job.out, job.err, job.status,
// job-activity.log) within a job's log directory.
func (d *Dir) JobFile(point, name string, submitNum int, file string) string {
	return filepath.Join(d.JobLogDir(point, name, submitNum), file)
}

// ParseJobLogPath extracts the (point, name, submitNum) identity encoded in
// a path under log/job produced by JobFile/JobLogDir, the inverse mapping
// the tracking watcher needs to turn a changed job.status path back into a
// task instance identity.
func ParseJobLogPath(path string) (point, name string, submitNum int, ok bool) {
	dir := filepath.Dir(path)
	submitNum, err := strconv.Atoi(filepath.Base(dir))
	if err != nil {
		return "", "", 0, false
	}
	dir = filepath.Dir(dir)
	name = filepath.Base(dir)
	dir = filepath.Dir(dir)
	point = filepath.Base(dir)
	if name == "" || name == "." || point == "" || point == "." {
		return "", "", 0, false
	}
	return point, name, submitNum, true
}

// EnsureJobLogDir creates the submission's job log directory.
func (d *Dir) EnsureJobLogDir(point, name string, submitNum int) (string, error) {
	dir := d.JobLogDir(point, name, submitNum)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("rundir: create job log dir: %w", err)
	}
	return dir, nil
}

// Contact is the content of .service/contact: enough for a CLI client or a
// job wrapper's status push to find and authenticate to the running
// scheduler.
type Contact struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"start_time"`
}

// WriteContact persists c to .service/contact with owner-only permissions,
// since Token is a bearer credential for the command channel.
func (d *Dir) WriteContact(c Contact) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("rundir: marshal contact: %w", err)
	}
	if err := os.WriteFile(d.ContactFile(), data, 0o600); err != nil {
		return fmt.Errorf("rundir: write contact: %w", err)
	}
	return nil
}

// ReadContact loads the current contact file, used by CLI clients to find
// a running scheduler without being told its address explicitly.
func (d *Dir) ReadContact() (Contact, error) {
	var c Contact
	data, err := os.ReadFile(d.ContactFile())
	if err != nil {
		return c, fmt.Errorf("rundir: read contact: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("rundir: parse contact: %w", err)
	}
	return c, nil
}

// RemoveContact deletes the contact file on clean shutdown so a stale
// record can't point a client at a dead scheduler.
func (d *Dir) RemoveContact() error {
	if err := os.Remove(d.ContactFile()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rundir: remove contact: %w", err)
	}
	return nil
}

// WriteFlowSnapshot writes the active configuration to flow.cylc and to the
// next numbered entry under log/config, mirroring what a real run does at
// start, reload, and restart.
func (d *Dir) WriteFlowSnapshot(content []byte, n int, kind string) error {
	if err := os.WriteFile(d.FlowFile(), content, 0o644); err != nil {
		return fmt.Errorf("rundir: write flow.cylc: %w", err)
	}
	if err := os.WriteFile(d.ConfigSnapshot(n, kind), content, 0o644); err != nil {
		return fmt.Errorf("rundir: write config snapshot: %w", err)
	}
	return nil
}

// NextConfigSnapshotNum scans log/config for the highest existing snapshot
// number and returns one past it, starting at 1 for a fresh run directory.
func (d *Dir) NextConfigSnapshotNum() (int, error) {
	entries, err := os.ReadDir(d.path("log", "config"))
	if err != nil {
		return 0, fmt.Errorf("rundir: list config snapshots: %w", err)
	}
	max := 0
	for _, e := range entries {
		var n int
		var kind string
		if _, err := fmt.Sscanf(e.Name(), "%02d-%s", &n, &kind); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}
