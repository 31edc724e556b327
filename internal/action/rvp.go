package action

import (
	"sync"
	"sync/atomic"

	"github.com/shore-mt/dora/internal/engine"
)

// Decision is the terminal outcome an RVP converges to once every
// participating action has posted.
type Decision int

const (
	// Undecided is the initial state: no participating action has
	// reported failure yet.
	Undecided Decision = iota
	// Commit means every participant succeeded.
	Commit
	// Abort means at least one participant posted an error.
	Abort
)

func (d Decision) String() string {
	switch d {
	case Undecided:
		return "undecided"
	case Abort:
		return "abort"
	default:
		return "commit"
	}
}

// RVP ("rendez-vous point") is the completion barrier for a transaction
// decomposed into one action per partition. The last action to Post
// triggers Run, which commits or aborts the coordinating transaction
// and hands the result off to notification.
//
// A test-and-test-and-set-guarded cyclic graph of actions and partitions
// is the classic shape for this kind of barrier; here the participating
// actions are a plain mutex-guarded slice and the back-reference from
// Action to RVP is a non-owning pointer into the RVP arena, so there is
// no cycle for a garbage collector (or a human) to reason about.
type RVP struct {
	tx  engine.TxHandle
	tid uint64

	remaining int32 // atomic countdown of un-posted participants

	mu       sync.Mutex
	decision Decision
	actions  []*Action
	err      error // first categorized failure recorded via RecordErr, if any

	lastLSN engine.LSN

	arenaIdx int

	// commitFn/abortFn/notify/enqueueFlush/reclaim are set (via
	// RVPConfig) by the environment that
	// owns this RVP's arena; RVP itself has no reference to the
	// partition table or engine so that this package stays free of an
	// import cycle with internal/env.
	commitFn     func(tx engine.TxHandle) (engine.LSN, error)
	abortFn      func(tx engine.TxHandle) error
	notify       func(rvp *RVP)
	enqueueFlush func(rvp *RVP)
	reclaim      func(rvp *RVP)
}

// RVPConfig supplies the collaborators an RVP needs at Run time. When
// EnqueueFlush is set, a successful commit hands the RVP off to the
// staged group-commit flusher instead of notifying immediately:
// durable-group-commit, when enabled, defers completion until the
// commit's LSN is durable; otherwise the transaction completes and
// notifies client and partitions directly. Abort never goes through the
// flusher: it always notifies directly, since there is no log
// durability to wait for.
type RVPConfig struct {
	Tx           engine.TxHandle
	Commit       func(tx engine.TxHandle) (engine.LSN, error)
	Abort        func(tx engine.TxHandle) error
	Notify       func(rvp *RVP)
	EnqueueFlush func(rvp *RVP)
	Reclaim      func(rvp *RVP)
	NumParts     int
}

// Decision returns the RVP's current (possibly still undecided) outcome.
func (r *RVP) Decision() Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision
}

// LastLSN returns the LSN captured at commit time, valid only after Run
// has executed the commit path.
func (r *RVP) LastLSN() engine.LSN { return r.lastLSN }

// Attach registers a participating action so NotifyPartitions can later
// reach every partition touched by this transaction.
func (r *RVP) Attach(a *Action) {
	r.mu.Lock()
	r.actions = append(r.actions, a)
	r.mu.Unlock()
}

// Post records that one participating action finished (successfully, if
// isError is false), an atomic decrement guarded so that only the
// caller observing the countdown cross zero proceeds to Run: that
// caller is the last action in program order to finish, the
// "rendez-vous" moment.
// Post returns true exactly once per RVP, for the caller that must now
// call Run.
func (r *RVP) Post(isError bool) bool {
	if isError {
		r.mu.Lock()
		if r.decision != Abort {
			r.decision = Abort
		}
		r.mu.Unlock()
	}
	remaining := atomic.AddInt32(&r.remaining, -1)
	if remaining < 0 {
		// Defensive: a correctly driven RVP never posts more times than
		// its countdown, but do not let a double-post underflow wrap
		// around and falsely re-trigger Run.
		return false
	}
	return remaining == 0
}

// IsAborted reports whether any participant has posted an error so far.
func (r *RVP) IsAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision == Abort
}

// RecordErr stores err as the RVP's abort cause, first-write-wins: the
// first participant to categorize its failure (e.g. via a doraerr
// sentinel) determines what Err returns, even if later participants
// also post failures. A nil err is a no-op.
func (r *RVP) RecordErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Err returns the first categorized failure recorded via RecordErr, or
// nil if the RVP committed or no participant categorized its abort.
func (r *RVP) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Resize grows the countdown to accommodate an action discovered
// mid-flight (e.g. a secondary action fanned out after a primary key
// lookup resolves to additional partitions). n is the number of
// additional participants to wait for.
func (r *RVP) Resize(n int) {
	atomic.AddInt32(&r.remaining, int32(n))
}

// Run executes the terminal action once the last Post has fired: abort
// the coordinating transaction if any participant failed, otherwise
// commit it lazily and capture the LSN the storage engine assigned, then
// hand off to notification. Run must be called by exactly one goroutine
// per RVP (the one whose Post call observed the zero crossing).
func (r *RVP) Run() error {
	r.mu.Lock()
	decision := r.decision
	r.mu.Unlock()

	if decision == Abort {
		if r.abortFn != nil {
			if err := r.abortFn(r.tx); err != nil {
				return err
			}
		}
	} else {
		r.mu.Lock()
		r.decision = Commit
		r.mu.Unlock()
		if r.commitFn != nil {
			lsn, err := r.commitFn(r.tx)
			if err != nil {
				return err
			}
			r.lastLSN = lsn
			if r.enqueueFlush != nil {
				r.enqueueFlush(r)
				return nil
			}
		}
	}
	r.NotifyPartitions()
	r.NotifyClient()
	r.reclaimSelf()
	return nil
}

// FinishAfterFlush is called by the notifier once the flusher has
// observed this RVP's last LSN pass the storage engine's durable LSN. It
// performs the notification steps Run skips when EnqueueFlush is set.
// The notifier reclaims the RVP itself afterward, so this does not call
// the Reclaim hook again.
func (r *RVP) FinishAfterFlush() {
	r.NotifyPartitions()
	r.NotifyClient()
}

// reclaimSelf returns the RVP to its owning arena once notification is
// complete, if the environment layer installed a Reclaim hook. Only the
// direct (non-flushed) completion path calls this: the flushed path's
// equivalent reclaim happens via the notifier's own give callback.
func (r *RVP) reclaimSelf() {
	if r.reclaim != nil {
		r.reclaim(r)
	}
}

// NotifyPartitions signals every participating action's partition that
// this RVP has reached a decision, so each partition worker can move its
// local action out of the commit-wait state and back into its arena.
func (r *RVP) NotifyPartitions() {
	if r.notify != nil {
		r.notify(r)
	}
}

// NotifyClient signals transaction completion to whatever submitted the
// original request. In this implementation that signal is delivered on
// each attached action's Done channel, for every action whose client
// asked for one; actions without a Done channel are skipped.
func (r *RVP) NotifyClient() {
	r.mu.Lock()
	actions := r.actions
	r.mu.Unlock()
	for _, a := range actions {
		if ch, ok := a.doneCh(); ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// Actions returns the RVP's participating actions, for partitions to
// reclaim once notified.
func (r *RVP) Actions() []*Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Action, len(r.actions))
	copy(out, r.actions)
	return out
}

func (r *RVP) reset() {
	idx := r.arenaIdx
	*r = RVP{}
	r.arenaIdx = idx
}

// RVPArena is a per-transaction-coordinator pool of RVPs, mirroring
// action.Arena's pointer-slice pattern so growth never invalidates a
// previously issued *RVP.
type RVPArena struct {
	slots []*RVP
	free  []int
}

// NewRVPArena returns an empty RVP arena with capacity pre-reserved.
func NewRVPArena(capacityHint int) *RVPArena {
	return &RVPArena{
		slots: make([]*RVP, 0, capacityHint),
		free:  make([]int, 0, capacityHint),
	}
}

// New allocates an RVP configured with cfg, reusing a freed slot when
// available.
func (ar *RVPArena) New(cfg RVPConfig) *RVP {
	var idx int
	if n := len(ar.free); n > 0 {
		idx = ar.free[n-1]
		ar.free = ar.free[:n-1]
	} else {
		ar.slots = append(ar.slots, &RVP{})
		idx = len(ar.slots) - 1
	}
	r := ar.slots[idx]
	r.tx = cfg.Tx
	r.arenaIdx = idx
	r.remaining = int32(cfg.NumParts)
	r.commitFn = cfg.Commit
	r.abortFn = cfg.Abort
	r.notify = cfg.Notify
	r.enqueueFlush = cfg.EnqueueFlush
	r.reclaim = cfg.Reclaim
	r.decision = Undecided
	return r
}

// Giveback returns r, which must have been allocated from ar, to the
// free list.
func (ar *RVPArena) Giveback(r *RVP) {
	idx := r.arenaIdx
	if idx < 0 || idx >= len(ar.slots) || ar.slots[idx] != r {
		return
	}
	ar.slots[idx].reset()
	ar.free = append(ar.free, idx)
}
