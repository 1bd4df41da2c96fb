// Package broadcast implements the broadcast engine: point/namespace-scoped
// runtime overrides with cancel/expire, and the precedence rule for
// deriving an effective setting.
package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/flowcore/internal/cycletime"
)

// Change is the broadcast-record operation kind.
type Change string

const (
	ChangeSet    Change = "set"
	ChangeCancel Change = "cancel"
	ChangeExpire Change = "expire"
)

// Record is a single broadcast record: the unit the engine journals and
// re-applies on restart.
type Record struct {
	ID        string
	Change    Change
	Point     string // "*" for wildcard, else a cycletime.Point.String()
	Namespace string // "*" for wildcard, else a task or family name
	Key       string // dotted runtime-setting path, e.g. "environment.HELLO"
	Value     string
	Timestamp time.Time
}

// specificity ranks a record for precedence: exact point + exact task is
// most specific (highest score); root namespace with wildcard point is
// least specific.
func (r Record) specificity() int {
	score := 0
	if r.Point != "*" {
		score += 2
	}
	if r.Namespace != "*" {
		score += 1
	}
	return score
}

// Engine owns all broadcast records and computes effective settings. It is
// the exclusive owner of every Record; derived settings handed to a
// submission are copies, never references into the engine's tables.
type Engine struct {
	mu      sync.RWMutex
	records []Record
}

// New builds an empty broadcast engine.
func New() *Engine {
	return &Engine{}
}

// Set applies a new broadcast, returning the journalled record (with a `+`
// marker implied by its Change field).
func (e *Engine) Set(point, namespace, key, value string, now time.Time) Record {
	r := Record{ID: uuid.NewString(), Change: ChangeSet, Point: point, Namespace: namespace, Key: key, Value: value, Timestamp: now}
	e.mu.Lock()
	e.records = append(e.records, r)
	e.mu.Unlock()
	return r
}

// Cancel removes every active Set record matching (point, namespace, key)
// exactly, returning the cancel journal entries (the `-` marker).
func (e *Engine) Cancel(point, namespace, key string, now time.Time) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var cancelled []Record
	kept := e.records[:0]
	for _, r := range e.records {
		if r.Change == ChangeSet && r.Point == point && r.Namespace == namespace && r.Key == key {
			cancelled = append(cancelled, Record{ID: uuid.NewString(), Change: ChangeCancel, Point: point, Namespace: namespace, Key: key, Timestamp: now})
			continue
		}
		kept = append(kept, r)
	}
	e.records = kept
	return cancelled
}

// Expire clears all broadcasts targeting points strictly before cutoff.
// Records targeting the wildcard point are left untouched: an unqualified
// override is not scoped to any single cycle point.
func (e *Engine) Expire(cutoff cycletime.Point, now time.Time) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	var expired []Record
	kept := e.records[:0]
	for _, r := range e.records {
		if r.Change == ChangeSet && r.Point != "*" {
			p, err := cycletime.ParsePoint(r.Point)
			if err == nil && p.Before(cutoff) {
				expired = append(expired, Record{ID: uuid.NewString(), Change: ChangeExpire, Point: r.Point, Namespace: r.Namespace, Key: r.Key, Timestamp: now})
				continue
			}
		}
		kept = append(kept, r)
	}
	e.records = kept
	return expired
}

// Effective computes the effective value for key at (point, namespace, and
// ancestor namespaces in order from exact to root), applying the most
// specific matching Set record. ancestors lists namespace names from the
// instance's own task name up through each enclosing family, most specific
// first (the resolver/registry, not this package, computes that chain via
// C3 linearisation).
func (e *Engine) Effective(point string, ancestors []string, key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	best := -1
	bestValue := ""
	found := false
	for _, r := range e.records {
		if r.Change != ChangeSet || r.Key != key {
			continue
		}
		if r.Point != "*" && r.Point != point {
			continue
		}
		nsRank := -1
		for i, ns := range ancestors {
			if r.Namespace == ns {
				nsRank = len(ancestors) - i // more specific ancestors score higher
				break
			}
		}
		if r.Namespace == "*" {
			nsRank = 0
		}
		if nsRank < 0 {
			continue
		}
		score := r.specificity()*100 + nsRank
		if score > best {
			best = score
			bestValue = r.Value
			found = true
		}
	}
	return bestValue, found
}

// All returns a snapshot of every active record, for journalling and
// restart re-application.
func (e *Engine) All() []Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Record, len(e.records))
	copy(out, e.records)
	return out
}

// Restore replaces the engine's record set wholesale, used on restart to
// re-apply the journalled broadcast_events.
func (e *Engine) Restore(records []Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append([]Record(nil), records...)
}
