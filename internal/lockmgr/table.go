package lockmgr

import (
	"github.com/rs/zerolog"

	"github.com/shore-mt/dora/internal/key"
)

// Runnable is the subset of internal/action.Action that the lock table
// needs in order to track per-action lock progress without importing
// the action package (which imports lockmgr for Mode/TxID/Waiter).
type Runnable interface {
	// Tx returns the action's owning transaction id.
	Tx() TxID
	// Requests returns the action's key/mode lock request list.
	Requests() []KeyRequest
	// SetKeysNeeded records how many of Requests() are still pending.
	SetKeysNeeded(n int)
	// DecrementKeysNeeded decrements the pending count and returns the
	// new value.
	DecrementKeysNeeded() int
}

// KeyRequest pairs a key with the lock mode an action needs on it.
type KeyRequest struct {
	Key  key.Key
	Mode Mode
}

// Table maps keys to logical locks within a single partition. It is not
// concurrency-safe by design: exactly one goroutine (whichever of the
// partition's workers holds its work mutex) mutates a given table at a
// time.
type Table struct {
	locks      map[key.Key]*LogicalLock
	resetCount int
	threshold  int // min_keys_for_lockmap_reset; 0 disables automatic reset
}

// NewTable constructs an empty lock table. threshold is the
// min_keys_for_lockmap_reset configuration option (0 disables the
// periodic reset advisory).
func NewTable(threshold int) *Table {
	return &Table{
		locks:     make(map[key.Key]*LogicalLock),
		threshold: threshold,
	}
}

// Len returns the number of distinct keys with lock state, used to
// evaluate the reset threshold.
func (t *Table) Len() int { return len(t.locks) }

// ResetCount returns how many times MaybeReset has actually reset the
// table, for statistics.
func (t *Table) ResetCount() int { return t.resetCount }

func (t *Table) lockFor(k key.Key) *LogicalLock {
	l, ok := t.locks[k]
	if !ok {
		l = New()
		t.locks[k] = l
	}
	return l
}

// AcquireAll iterates action's request list and attempts to acquire each
// key's lock. The ordering rule here is load-bearing: a single Enqueued
// result does not stop the loop — every requested key is
// still attempted, because a waiting key must never block a sibling key
// that could be granted immediately. AcquireAll returns Granted iff every
// per-key acquire returned Granted, and in all cases sets the action's
// keys_needed counter to the number still missing.
func (t *Table) AcquireAll(a Runnable) Result {
	reqs := a.Requests()
	missing := 0
	for _, r := range reqs {
		l := t.lockFor(r.Key)
		res := l.Acquire(Request{Tx: a.Tx(), Mode: r.Mode, Action: a})
		if res == Enqueued {
			missing++
		}
	}
	a.SetKeysNeeded(missing)
	if missing == 0 {
		return Granted
	}
	return Enqueued
}

// ReleaseAll releases every lock the action owns (its full request key
// list — an action only ever owns locks it successfully acquired, and
// Release on a key it never acquired would panic, so callers must only
// pass actions that reached Granted). Every promoted waiter has its
// keys_needed counter decremented; once a waiter's counter reaches zero
// it is appended to ready.
func (t *Table) ReleaseAll(a Runnable, ready *[]Runnable) {
	for _, r := range a.Requests() {
		l, ok := t.locks[r.Key]
		if !ok {
			continue
		}
		var promoted []Waiter
		l.Release(a.Tx(), &promoted)
		for _, w := range promoted {
			action, ok := w.Action.(Runnable)
			if !ok || action == nil {
				continue
			}
			if action.DecrementKeysNeeded() == 0 {
				*ready = append(*ready, action)
			}
		}
	}
}

// CleanAll drains every lock in the table, collecting the transaction
// ids of every owner and waiter so the caller can abort them. Used during
// partition reset and the new-run barrier.
func (t *Table) CleanAll(out *[]TxID) {
	for _, l := range t.locks {
		l.AbortAndCollect(out)
	}
}

// MaybeReset clears the entire table if its size exceeds the configured
// threshold and every lock is clean (no owners, no waiters). Returns
// true if a reset occurred. Resize policy is advisory: callers are not
// required to call this, and a dirty table is simply
// left alone until it quiesces.
func (t *Table) MaybeReset(logger zerolog.Logger) bool {
	if t.threshold <= 0 || len(t.locks) < t.threshold {
		return false
	}
	for _, l := range t.locks {
		if !l.IsClean() {
			return false
		}
	}
	t.locks = make(map[key.Key]*LogicalLock)
	t.resetCount++
	logger.Debug().Int("reset_count", t.resetCount).Msg("lock table reset")
	return true
}
