// Package engine owns the monitor registry and the operator-facing facade:
// trade intake, monitor lookup, reconciliation against the venue.
package engine

import (
	"fmt"
	"sync"

	"tpsl_engine/internal/core"
	apperrors "tpsl_engine/pkg/errors"
)

// Entry pairs a live Monitor Record with its pass-holder lock. The lock
// serializes mutation: the scheduler holds it for the whole of a monitor
// pass, registration holds it while seeding. Readers never touch Rec;
// they read the last committed clone instead.
type Entry struct {
	Key string
	Rec *core.MonitorRecord

	mu sync.Mutex

	cmu       sync.Mutex
	committed *core.MonitorRecord
}

// Lock takes the pass-holder lock.
func (e *Entry) Lock() { e.mu.Lock() }

// TryLock takes the pass-holder lock if free.
func (e *Entry) TryLock() bool { return e.mu.TryLock() }

// Unlock releases the pass-holder lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// Commit publishes a clone of the live record for readers. Callers must
// hold the pass-holder lock. Published clones are never mutated again, so
// Committed may hand them out without copying.
func (e *Entry) Commit() {
	clone := e.Rec.Clone()
	e.cmu.Lock()
	e.committed = clone
	e.cmu.Unlock()
}

// Committed returns the last committed clone. The result is read-only.
func (e *Entry) Committed() *core.MonitorRecord {
	e.cmu.Lock()
	defer e.cmu.Unlock()
	return e.committed
}

// Registry is the process-global monitor set, keyed {SYMBOL}_{Side}_{account}.
// One record per key; at most one pass in flight per entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds a record under its key. Fails with ErrMonitorExists when
// the key is already live; PlaceTrade treats that as a duplicate request.
func (r *Registry) Register(rec *core.MonitorRecord) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[rec.Key]; ok {
		return nil, fmt.Errorf("register %s: %w", rec.Key, apperrors.ErrMonitorExists)
	}
	e := &Entry{Key: rec.Key, Rec: rec, committed: rec.Clone()}
	r.entries[rec.Key] = e
	return e, nil
}

// Get returns the entry for a key.
func (r *Registry) Get(key string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Remove drops a key. Removal does not wait for an in-flight pass; the
// pass holder keeps its entry pointer and simply commits into the void.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Entries returns the current entry set in no particular order.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of live monitors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SnapshotAll returns the committed view of every monitor keyed by the
// record's key, as the persistence source expects. It never blocks on
// in-flight passes; a pass's changes appear once it commits.
func (r *Registry) SnapshotAll() map[string]*core.MonitorRecord {
	entries := r.Entries()
	out := make(map[string]*core.MonitorRecord, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Committed()
	}
	return out
}

// PeerLimitFills reports the sibling account's limit-fill count for the
// same symbol and side, 0 when no sibling monitor exists. The event
// emitter uses it so both accounts display max(main, mirror); records
// keep per-account truth.
func (r *Registry) PeerLimitFills(symbol string, side core.Side, account core.Account) int {
	sibling := core.AccountMirror
	if account == core.AccountMirror {
		sibling = core.AccountMain
	}
	e, ok := r.Get(core.MonitorKey(symbol, side, sibling))
	if !ok {
		return 0
	}
	if rec := e.Committed(); rec != nil {
		return rec.LimitFillsCount
	}
	return 0
}
