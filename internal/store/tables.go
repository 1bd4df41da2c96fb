package store

import (
	"fmt"
	"time"

	"github.com/swarmguard/flowcore/internal/broadcast"
	"github.com/swarmguard/flowcore/internal/taskinstance"
)

// TaskStateRow is the task_states table's per-instance row: current state
// plus enough identity to reconstruct a taskinstance.Instance on restart.
type TaskStateRow struct {
	TaskName         string
	Point            string
	SubmitNumber     int
	State            string
	RunnerJobID      string
	Prerequisites    map[string]bool
	CompletedOutputs map[string]bool
	Attempt          int
	Token            string
}

func rowKey(taskName, point string, submitNumber int) string {
	return fmt.Sprintf("%s\x00%s\x00%04d", taskName, point, submitNumber)
}

// PutTaskState upserts a task_states row.
func (s *Store) PutTaskState(row TaskStateRow) error {
	return s.put(bucketTaskStates, []byte(rowKey(row.TaskName, row.Point, row.SubmitNumber)), row)
}

// DeleteTaskState removes a task_states row (housekeeping/removal).
func (s *Store) DeleteTaskState(taskName, point string, submitNumber int) error {
	return s.delete(bucketTaskStates, []byte(rowKey(taskName, point, submitNumber)))
}

// LoadTaskStates returns every row in task_states, for restart.
func (s *Store) LoadTaskStates() ([]TaskStateRow, error) {
	var out []TaskStateRow
	err := s.scanAll(bucketTaskStates, func(_, v []byte) error {
		var row TaskStateRow
		if err := unmarshalInto(v, &row); err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// TaskJobRow is the task_jobs table's per-attempt row, used for the seed
// scenario in spec.md §8 that asserts exactly one row per try_num.
type TaskJobRow struct {
	TaskName    string
	Point       string
	SubmitNumber int
	TryNum      int
	RunnerJobID string
	RunnerKind  string
	Host        string
	FinalState  string
	SubmittedAt time.Time
}

// PutTaskJob upserts a task_jobs row keyed by (task, point, submit, try).
func (s *Store) PutTaskJob(row TaskJobRow) error {
	key := fmt.Sprintf("%s\x00%s\x00%04d\x00%04d", row.TaskName, row.Point, row.SubmitNumber, row.TryNum)
	return s.put(bucketTaskJobs, []byte(key), row)
}

// LoadTaskJobs returns every task_jobs row for the given instance identity,
// in try_num order (keys sort lexically and TryNum is zero-padded).
func (s *Store) LoadTaskJobs(taskName, point string, submitNumber int) ([]TaskJobRow, error) {
	prefix := fmt.Sprintf("%s\x00%s\x00%04d\x00", taskName, point, submitNumber)
	var out []TaskJobRow
	err := s.scanAll(bucketTaskJobs, func(k, v []byte) error {
		if len(k) < len(prefix) || string(k[:len(prefix)]) != prefix {
			return nil
		}
		var row TaskJobRow
		if err := unmarshalInto(v, &row); err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}

// PutTaskOutput records a completed output in task_outputs.
func (s *Store) PutTaskOutput(taskName, point string, submitNumber int, output string, at time.Time) error {
	key := fmt.Sprintf("%s\x00%s\x00%04d\x00%s", taskName, point, submitNumber, output)
	return s.put(bucketTaskOutputs, []byte(key), at)
}

// PutTaskEvent appends a task_events row; the key embeds a monotonically
// increasing sequence number supplied by the caller so events stay ordered
// under the cursor scan used for replay and audit.
func (s *Store) PutTaskEvent(seq uint64, ev taskinstance.Event) error {
	key := fmt.Sprintf("%020d", seq)
	return s.put(bucketTaskEvents, []byte(key), ev)
}

// LoadTaskEvents returns every task_events row in sequence order.
func (s *Store) LoadTaskEvents() ([]taskinstance.Event, error) {
	var out []taskinstance.Event
	err := s.scanAll(bucketTaskEvents, func(_, v []byte) error {
		var ev taskinstance.Event
		if err := unmarshalInto(v, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

// PutBroadcastEvent appends a broadcast_events row, journalling a
// broadcast.Record with its `+`/`-` change marker.
func (s *Store) PutBroadcastEvent(seq uint64, rec broadcast.Record) error {
	key := fmt.Sprintf("%020d", seq)
	return s.put(bucketBroadcastEvents, []byte(key), rec)
}

// LoadBroadcastEvents returns every broadcast_events row in journal order,
// for restart re-application (spec.md §8's broadcast-determinism law).
func (s *Store) LoadBroadcastEvents() ([]broadcast.Record, error) {
	var out []broadcast.Record
	err := s.scanAll(bucketBroadcastEvents, func(_, v []byte) error {
		var rec broadcast.Record
		if err := unmarshalInto(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PutWorkflowParam upserts a single workflow_params key/value pair (e.g.
// the resolved UTC mode, cycle point format, or last-checkpoint sequence
// number).
func (s *Store) PutWorkflowParam(key, value string) error {
	return s.put(bucketWorkflowParams, []byte(key), value)
}

// GetWorkflowParam fetches a single workflow_params value.
func (s *Store) GetWorkflowParam(key string) (string, bool, error) {
	var v string
	found, err := s.get(bucketWorkflowParams, []byte(key), &v)
	return v, found, err
}

// PutTaskPoolSnapshot writes the rolling task_pool set as a single blob
// keyed "current"; a full rewrite each tick is cheap at runahead-bounded
// pool sizes and keeps restart reconstruction a single read.
func (s *Store) PutTaskPoolSnapshot(rows []TaskStateRow) error {
	return s.put(bucketTaskPool, []byte("current"), rows)
}

// LoadTaskPoolSnapshot reads the task_pool blob written by
// PutTaskPoolSnapshot.
func (s *Store) LoadTaskPoolSnapshot() ([]TaskStateRow, error) {
	var rows []TaskStateRow
	_, err := s.get(bucketTaskPool, []byte("current"), &rows)
	return rows, err
}

// XtriggerRow records a satisfied xtrigger's outputs so restart doesn't
// re-evaluate a predicate that already fired (xtriggers are one-shot per
// label).
type XtriggerRow struct {
	Label   string
	Outputs map[string]string
}

// PutXtrigger upserts a satisfied xtrigger's record.
func (s *Store) PutXtrigger(row XtriggerRow) error {
	return s.put(bucketXtriggers, []byte(row.Label), row)
}

// LoadXtriggers returns every previously-satisfied xtrigger.
func (s *Store) LoadXtriggers() ([]XtriggerRow, error) {
	var out []XtriggerRow
	err := s.scanAll(bucketXtriggers, func(_, v []byte) error {
		var row XtriggerRow
		if err := unmarshalInto(v, &row); err != nil {
			return err
		}
		out = append(out, row)
		return nil
	})
	return out, err
}
