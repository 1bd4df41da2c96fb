// Package store implements the persistent workflow DB: a write-ahead
// record of state changes backed by bbolt, used for checkpoint/restart and
// as the source of truth after a crash.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names mirror the eight tables named in spec.md §3.
var (
	bucketTaskStates      = []byte("task_states")
	bucketTaskJobs        = []byte("task_jobs")
	bucketTaskOutputs     = []byte("task_outputs")
	bucketTaskEvents      = []byte("task_events")
	bucketBroadcastEvents = []byte("broadcast_events")
	bucketWorkflowParams  = []byte("workflow_params")
	bucketTaskPool        = []byte("task_pool")
	bucketXtriggers       = []byte("xtriggers")

	allBuckets = [][]byte{
		bucketTaskStates, bucketTaskJobs, bucketTaskOutputs, bucketTaskEvents,
		bucketBroadcastEvents, bucketWorkflowParams, bucketTaskPool, bucketXtriggers,
	}
)

// Store wraps a bbolt database file as the authoritative workflow DB at
// .service/db, with log/db kept as a read-only copy per the run directory
// layout (copying is the scheduler's job at checkpoint time; this package
// only owns the authoritative file).
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the workflow DB at path and ensures
// every named bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// put JSON-encodes value and writes it to bucket under key, inside a single
// bbolt transaction that fsyncs before returning, satisfying the "DB writes
// for a state change precede any resulting outbound effect" ordering
// guarantee when called before handler/submission dispatch.
func (s *Store) put(bucket, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *Store) get(bucket, key []byte, out any) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	return found, err
}

func (s *Store) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// scanAll decodes every value in bucket via decode, in key order (bbolt
// cursors are naturally ordered, giving the time-indexed scans that
// task_events and broadcast_events need for replay).
func (s *Store) scanAll(bucket []byte, decode func(key, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := decode(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutBatch applies several writes to a single bucket within one
// transaction. The scheduler's main loop does not call it: each journal
// write there is its own transaction.
func (s *Store) PutBatch(bucket string, items map[string]any) error {
	b, err := resolveBucket(bucket)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(b)
		for k, v := range items {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("store: marshal %s/%s: %w", bucket, k, err)
			}
			if err := bkt.Put([]byte(k), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// unmarshalInto decodes a raw bbolt value into out, for callers in
// tables.go that scan a bucket outside the get/put helpers above.
func unmarshalInto(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func resolveBucket(name string) ([]byte, error) {
	for _, b := range allBuckets {
		if string(b) == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("store: unknown bucket %q", name)
}
