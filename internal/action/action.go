// Package action implements the transaction-fragment ("action") and its
// completion barrier (RVP, "rendez-vous point"), replacing a cyclic
// pointer graph between actions, RVPs, and partitions with indexed
// references into arena-allocated slices: one Arena per partition for
// actions, and the RVP arena owns RVPs while actions hold only a
// non-owning pointer back to their RVP.
package action

import (
	"sync"
	"sync/atomic"

	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/key"
	"github.com/shore-mt/dora/internal/lockmgr"
)

// UpdateKeysFunc is the per-action hook that fills in
// an action's key list and lock-request list before lock acquisition. It
// is supplied by the client when the action is created because the key
// list can depend on data only known once the action runs (e.g. a
// secondary-index lookup for a RID-based "secondary" action).
type UpdateKeysFunc func(a *Action) error

// Body is the action's transactional work against the storage engine,
// run once all requested locks are granted.
type Body func(a *Action, eng engine.Engine, tx engine.TxHandle) error

// Action is the portion of a distributed transaction local to one
// partition. It is created by the client for exactly one partition; its
// key list is populated by UpdateKeys before AcquireAll, and after
// execution (success or abort) it is returned to its partition's Arena.
type Action struct {
	RVP *RVP // non-owning: the RVP arena owns the RVP's lifetime

	tx         engine.TxHandle
	tid        lockmgr.TxID
	partition  int // partition id this action was enqueued to; for BadPartition checks
	arenaIdx   int // slot index within the owning Arena, for O(1) Giveback
	keys       []key.Key
	requests   []lockmgr.KeyRequest
	updateKeys UpdateKeysFunc
	body       Body

	keysNeeded int32 // atomic: remaining un-granted lock requests

	done chan struct{} // signaled once by the owning RVP's NotifyClient

	ReadOnly  bool
	KeysSet   bool
	Secondary bool // true if this action resolves keys via a RID lookup path
}

// Done returns a channel that receives exactly one value once this
// action's RVP reaches a decision and notifies the client. Callers that
// need to block on completion (e.g. a synchronous client wrapper) should
// call this before dispatching the action.
func (a *Action) Done() <-chan struct{} {
	if a.done == nil {
		a.done = make(chan struct{}, 1)
	}
	return a.done
}

// doneCh reports the action's completion channel without allocating one
// if the caller never asked for it, so fire-and-forget actions incur no
// channel overhead.
func (a *Action) doneCh() (chan struct{}, bool) {
	if a.done == nil {
		return nil, false
	}
	return a.done, true
}

// Tx implements lockmgr.Runnable.
func (a *Action) Tx() lockmgr.TxID { return a.tid }

// Requests implements lockmgr.Runnable.
func (a *Action) Requests() []lockmgr.KeyRequest { return a.requests }

// SetKeysNeeded implements lockmgr.Runnable.
func (a *Action) SetKeysNeeded(n int) { atomic.StoreInt32(&a.keysNeeded, int32(n)) }

// DecrementKeysNeeded implements lockmgr.Runnable.
func (a *Action) DecrementKeysNeeded() int {
	return int(atomic.AddInt32(&a.keysNeeded, -1))
}

// KeysNeeded returns the current pending-lock count.
func (a *Action) KeysNeeded() int { return int(atomic.LoadInt32(&a.keysNeeded)) }

// Partition returns the id of the partition this action was routed to.
func (a *Action) Partition() int { return a.partition }

// TxHandle returns the storage-engine transaction handle bound to this
// action's coordinating transaction.
func (a *Action) TxHandle() engine.TxHandle { return a.tx }

// Keys returns the action's resolved key list, populated by UpdateKeys.
func (a *Action) Keys() []key.Key { return a.keys }

// SetKeys installs the resolved key list and lock-request list. Called by
// the client's UpdateKeysFunc hook; must be called at most once per
// dispatch.
func (a *Action) SetKeys(reqs []lockmgr.KeyRequest) {
	a.requests = reqs
	a.keys = make([]key.Key, len(reqs))
	for i, r := range reqs {
		a.keys[i] = r.Key
	}
	a.KeysSet = true
}

// RunUpdateKeys invokes the client-supplied key-fill hook.
func (a *Action) RunUpdateKeys() error {
	if a.updateKeys == nil {
		return nil
	}
	return a.updateKeys(a)
}

// RunBody invokes the action's transactional work.
func (a *Action) RunBody(eng engine.Engine, tx engine.TxHandle) error {
	if a.body == nil {
		return nil
	}
	return a.body(a, eng, tx)
}

// reset clears an action's mutable state so it can be reused from an
// Arena slot ("giveback to trash stack").
func (a *Action) reset() {
	idx := a.arenaIdx
	*a = Action{}
	a.arenaIdx = idx
}

// Arena is a per-partition pool of Action values. A mutex-guarded free
// list stands in for an atomic trash stack: clients (and other
// partitions fanning out secondary actions) allocate from it while the
// partition's workers return actions to it, so New and Giveback both
// take mu. A free list of indices tracks reusable slots so memory is
// amortized across the partition's lifetime.
type Arena struct {
	mu sync.Mutex
	// slots holds pointers rather than values so that growing the
	// backing slice never invalidates an Action pointer handed out by a
	// prior New call.
	slots []*Action
	free  []int
}

// NewArena returns an empty action arena with capacity pre-reserved.
func NewArena(capacityHint int) *Arena {
	return &Arena{
		slots: make([]*Action, 0, capacityHint),
		free:  make([]int, 0, capacityHint),
	}
}

// New allocates an Action bound to partition id partitionID, tx, tid, and
// the given hooks, reusing a freed slot when available.
func (ar *Arena) New(partitionID int, tx engine.TxHandle, tid lockmgr.TxID, update UpdateKeysFunc, body Body) *Action {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	var idx int
	if n := len(ar.free); n > 0 {
		idx = ar.free[n-1]
		ar.free = ar.free[:n-1]
	} else {
		ar.slots = append(ar.slots, &Action{})
		idx = len(ar.slots) - 1
	}
	a := ar.slots[idx]
	a.partition = partitionID
	a.tx = tx
	a.tid = tid
	a.arenaIdx = idx
	a.updateKeys = update
	a.body = body
	return a
}

// Giveback returns a, which must have been allocated from ar, to the free
// list, clearing its contents first so the next allocation starts clean.
func (ar *Arena) Giveback(a *Action) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	idx := a.arenaIdx
	if idx < 0 || idx >= len(ar.slots) || ar.slots[idx] != a {
		return
	}
	ar.slots[idx].reset()
	ar.free = append(ar.free, idx)
}
