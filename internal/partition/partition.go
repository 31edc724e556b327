// Package partition implements the partition runtime: a key-range owner
// with its own lock table, two SRMW queues, and a worker goroutine that
// drains them according to the Paused / Active / Stopped / Recovery
// control-state machine. Its statistics and lifecycle shape follow a
// familiar pattern for goroutine-owned components: atomic operation
// counters plus an RWMutex-guarded state field, and a start/stop
// discipline built from context cancellation plus a WaitGroup for a
// clean goroutine shutdown.
package partition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/shore-mt/dora/internal/action"
	"github.com/shore-mt/dora/internal/doraerr"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/lockmgr"
)

// Stats tracks operational counters for one partition, updated
// atomically so the worker goroutine never contends with readers.
type Stats struct {
	Dispatched   uint64
	EarlyAborts  uint64
	MidwayAborts uint64
	Committed    uint64
	SleepCycles  uint64
	Resets       uint64
}

// Config bundles the construction-time parameters for a Partition that
// are partition-scoped.
type Config struct {
	ID                    int
	Engine                engine.Engine
	LockmapResetThreshold int // min_keys_for_lockmap_reset
	InputWakeThreshold    int // input_queue_wake_threshold
	CommitWakeThreshold   int // commit_queue_wake_threshold
	SpinLoops             int // worker_spin_loops
	StandbyWorkers        int // workers_per_partition standby pool size, beyond the primary
	Logger                zerolog.Logger
}

// Partition owns a contiguous key range's lock table and the two SRMW
// queues actions move through. The primary worker started by Run, plus
// any standby workers configured via StandbyWorkers, may all dequeue
// from either queue or mutate the lock table, but workMu serializes
// them down to one critical-section occupant at a time so the lock
// table's single-writer invariant holds regardless of how many worker
// goroutines are live; all other goroutines only Push.
type Partition struct {
	id     int
	eng    engine.Engine
	locks  *lockmgr.Table
	arena  *action.Arena
	input  *Queue
	commit *Queue
	logger zerolog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	control controlCell
	working workingCell

	// workMu serializes one "drain a unit of work" step (drainCommitQueue
	// plus drainOneInput) across the primary and any standby workers, so
	// the lock table and queues still see exactly one mutator at a time.
	workMu sync.Mutex

	standbyWorkers int
	totalWorkers   int32 // 1 (primary) + standbyWorkers, cached for waitUntilAllParked
	activeThreads  int32 // atomic: worker goroutines currently alive
	parkedCount    int32 // atomic: worker goroutines currently blocked in waitWhilePausedOrRecovering

	inputWakeThreshold  int
	commitWakeThreshold int
	spinLoops           int

	stats Stats

	finished chan struct{}
}

// New constructs a Partition in the Active control state, ready to have
// Run called on it.
func New(cfg Config) *Partition {
	standby := cfg.StandbyWorkers
	if standby < 0 {
		standby = 0
	}
	p := &Partition{
		id:                  cfg.ID,
		eng:                 cfg.Engine,
		locks:               lockmgr.NewTable(cfg.LockmapResetThreshold),
		arena:               action.NewArena(64),
		input:               NewQueue(),
		commit:              NewQueue(),
		logger:              cfg.Logger.With().Int("partition", cfg.ID).Logger(),
		standbyWorkers:      standby,
		totalWorkers:        int32(1 + standby),
		inputWakeThreshold:  cfg.InputWakeThreshold,
		commitWakeThreshold: cfg.CommitWakeThreshold,
		spinLoops:           cfg.SpinLoops,
		finished:            make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.control.Store(Active)
	p.working.Store(Loop)
	return p
}

// PATState reports whether only the primary worker is active (Single)
// or standby workers are also running (Multiple), mirroring the
// reference partition's active-thread-count classification.
func (p *Partition) PATState() PATState {
	if atomic.LoadInt32(&p.activeThreads) > 1 {
		return Multiple
	}
	return Single
}

// ID returns the partition's id.
func (p *Partition) ID() int { return p.id }

// Arena exposes the partition's action allocator so the environment
// layer can create actions bound to this partition.
func (p *Partition) Arena() *action.Arena { return p.arena }

// LockTable exposes the partition's lock table for diagnostics.
// PrepareNewRun's reset sweep works on the table directly.
func (p *Partition) LockTable() *lockmgr.Table { return p.locks }

// InputDepth returns the current length of the input queue, for metrics.
func (p *Partition) InputDepth() int { return p.input.Len() }

// CommitDepth returns the current length of the commit queue, for
// metrics.
func (p *Partition) CommitDepth() int { return p.commit.Len() }

// Stats returns a snapshot of the partition's counters.
func (p *Partition) Stats() Stats {
	return Stats{
		Dispatched:   atomic.LoadUint64(&p.stats.Dispatched),
		EarlyAborts:  atomic.LoadUint64(&p.stats.EarlyAborts),
		MidwayAborts: atomic.LoadUint64(&p.stats.MidwayAborts),
		Committed:    atomic.LoadUint64(&p.stats.Committed),
		SleepCycles:  atomic.LoadUint64(&p.stats.SleepCycles),
		Resets:       atomic.LoadUint64(&p.stats.Resets),
	}
}

// Enqueue pushes a into the input queue, checking the ownership
// invariant: all key locks manipulated by the partition belong to keys
// that fall in the partition's range. Callers
// are expected to have already routed a to this partition via the
// routing table; Enqueue only rejects the case where the action's
// recorded partition id does not match, catching a routing bug rather
// than re-deriving ranges here.
func (p *Partition) Enqueue(a *action.Action) error {
	if a.Partition() != p.id {
		return fmt.Errorf("partition %d: %w", p.id, doraerr.ErrBadPartition)
	}
	p.input.Push(a)
	p.wake(InputQueue, p.input.Len(), p.inputWakeThreshold)
	return nil
}

// EnqueueCommit pushes a onto the commit queue. Called by an RVP's
// NotifyPartitions hook once the RVP reaches a decision, so the
// partition can release a's locks and promote any waiters.
func (p *Partition) EnqueueCommit(a *action.Action) {
	p.commit.Push(a)
	p.wake(CommitQueue, p.commit.Len(), p.commitWakeThreshold)
}

// wake upgrades the worker's working state and signals it, following
// the external-waker discipline: always attempt the upgrade before
// signaling to avoid a lost wake-up, and signal unconditionally
// once depth crosses the configured wake threshold even if the upgrade
// was a no-op (the worker may already be mid-loop and about to check
// depth itself, but an extra signal is harmless).
func (p *Partition) wake(target WorkingState, depth, threshold int) {
	p.working.Wake(target)
	if threshold <= 0 || depth >= threshold {
		p.cond.Broadcast()
	}
}

// Run executes the partition's worker loop until control transitions to
// Stopped. It is intended to run in its own goroutine; ctx cancellation
// is honored as an additional stop signal alongside Stop(). Run also
// launches the partition's standby worker pool (StandbyWorkers), each
// contending for the same drainStep critical section, and waits for
// them to exit before the primary drains and aborts whatever remains.
func (p *Partition) Run(ctx context.Context) {
	defer close(p.finished)
	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	atomic.AddInt32(&p.activeThreads, 1)
	defer atomic.AddInt32(&p.activeThreads, -1)

	var standbyWG sync.WaitGroup
	for i := 0; i < p.standbyWorkers; i++ {
		standbyWG.Add(1)
		go func() {
			defer standbyWG.Done()
			p.runStandby()
		}()
	}

	for {
		switch p.control.Load() {
		case Stopped:
			standbyWG.Wait()
			p.drainAndAbortAll()
			p.working.Store(Finished)
			return
		case Paused, Recovery:
			p.waitWhilePausedOrRecovering()
			continue
		default: // Active
		}

		progressed := p.drainStep()

		if !progressed {
			if !p.trySleep() {
				continue
			}
		}
	}
}

// runStandby drains the same queues as the primary worker, contending
// for workMu on every step, until the partition stops. Standby workers
// never touch the working-state machine (Loop/Sleep/CommitQueue/
// InputQueue/Finished): that remains exclusively the primary's, since
// only the primary ever sleeps on an empty queue and needs upgrade-only
// wake signaling. A standby that finds nothing to do simply backs off
// briefly rather than sleeping on the condition variable, so it never
// competes with the primary's sleep/wake protocol.
func (p *Partition) runStandby() {
	atomic.AddInt32(&p.activeThreads, 1)
	defer atomic.AddInt32(&p.activeThreads, -1)

	for {
		switch p.control.Load() {
		case Stopped:
			return
		case Paused, Recovery:
			p.waitWhilePausedOrRecovering()
			continue
		default: // Active
		}

		if !p.drainStep() {
			time.Sleep(standbyIdleBackoff)
		}
	}
}

// drainStep performs one unit of work (release completed actions, then
// dispatch at most one newly ready input action) under workMu, so the
// lock table and both queues see exactly one mutator at a time no
// matter how many worker goroutines are contending for it.
func (p *Partition) drainStep() bool {
	p.workMu.Lock()
	defer p.workMu.Unlock()
	progressed := p.drainCommitQueue()
	progressed = p.drainOneInput() || progressed
	return progressed
}

// standbyIdleBackoff bounds how often an idle standby worker re-checks
// the queues instead of busy-spinning; it is not the primary's
// spin-then-sleep discipline since standby workers do not own the
// working-state condition variable.
const standbyIdleBackoff = 200 * time.Microsecond

// drainCommitQueue releases every completed action's locks, dispatches
// whichever waiters that promotes,
// and return the completed action's memory to the arena.
func (p *Partition) drainCommitQueue() bool {
	any := false
	for {
		item, ok := p.commit.TryPop()
		if !ok {
			return any
		}
		any = true
		a, ok := item.(*action.Action)
		if !ok {
			continue
		}

		var ready []lockmgr.Runnable
		p.locks.ReleaseAll(a, &ready)
		for _, r := range ready {
			if ra, ok := r.(*action.Action); ok {
				p.dispatch(ra)
			}
		}
		atomic.AddUint64(&p.stats.Committed, 1)
		p.arena.Giveback(a)
	}
}

// drainOneInput dequeues at most one input action per loop iteration,
// resolves its keys, and either dispatches it immediately or leaves it
// parked in the lock table's waiter lists.
func (p *Partition) drainOneInput() bool {
	item, ok := p.input.TryPop()
	if !ok {
		return false
	}
	a, ok := item.(*action.Action)
	if !ok {
		return true
	}
	if err := a.RunUpdateKeys(); err != nil {
		p.logger.Debug().Err(err).Msg("update_keys hook failed")
		if a.RVP != nil && a.RVP.Post(true) {
			p.runRVP(a.RVP)
		}
		p.arena.Giveback(a)
		return true
	}
	if p.locks.AcquireAll(a) == lockmgr.Granted {
		p.dispatch(a)
	}
	// Enqueued: the action now sits in the lock table's waiter lists and
	// will be revisited once some release promotes it to ready.
	return true
}

// dispatch runs a ready action's body against the storage engine,
// then posts to its RVP. It does not release the
// action's locks: that happens later, when the RVP's decision pushes the
// action back onto this partition's commit queue.
func (p *Partition) dispatch(a *action.Action) {
	atomic.AddUint64(&p.stats.Dispatched, 1)

	if a.RVP != nil && a.RVP.IsAborted() {
		atomic.AddUint64(&p.stats.EarlyAborts, 1)
		a.RVP.RecordErr(fmt.Errorf("partition %d: %w", p.id, doraerr.ErrEarlyAbort))
		if a.RVP.Post(false) {
			p.runRVP(a.RVP)
		}
		return
	}

	tx := a.TxHandle()
	isError := false

	if a.ReadOnly {
		// A read-only action never dirties the storage engine, so there
		// is nothing to attach or detach a write transaction for.
		if err := a.RunBody(p.eng, tx); err != nil {
			atomic.AddUint64(&p.stats.MidwayAborts, 1)
			p.logger.Debug().Err(err).Msg("read-only action body failed")
			isError = true
			if a.RVP != nil {
				a.RVP.RecordErr(fmt.Errorf("partition %d: %w", p.id, doraerr.ErrMidwayAbort))
			}
		}
	} else if err := p.eng.Attach(tx); err != nil {
		p.logger.Error().Err(err).Msg("attach failed")
		isError = true
		if a.RVP != nil {
			a.RVP.RecordErr(err)
		}
	} else {
		if err := a.RunBody(p.eng, tx); err != nil {
			atomic.AddUint64(&p.stats.MidwayAborts, 1)
			p.logger.Debug().Err(err).Msg("action body failed")
			isError = true
			if a.RVP != nil {
				a.RVP.RecordErr(fmt.Errorf("partition %d: %w", p.id, doraerr.ErrMidwayAbort))
			}
		}
		if err := p.eng.Detach(tx); err != nil {
			p.logger.Error().Err(err).Msg("detach failed")
		}
	}

	if a.RVP != nil && a.RVP.Post(isError) {
		p.runRVP(a.RVP)
	}
}

func (p *Partition) runRVP(rvp *action.RVP) {
	if err := rvp.Run(); err != nil {
		p.logger.Error().Err(err).Msg("rvp run failed")
	}
}

// trySleep attempts the Loop→Sleep CAS. It
// first busy-polls spinLoops times (worker_spin_loops) to absorb a brief
// burst of arrivals without paying a full condition-variable wait, then
// blocks until woken. Returns false if a push raced the CAS (so the
// caller should re-check the queues instead of sleeping).
func (p *Partition) trySleep() bool {
	for i := 0; i < p.spinLoops; i++ {
		if p.input.Len() > 0 || p.commit.Len() > 0 {
			return false
		}
	}
	if !p.working.CAS(Loop, Sleep) {
		return false
	}
	atomic.AddUint64(&p.stats.SleepCycles, 1)
	p.sleepUntilWoken()
	return true
}

// sleepUntilWoken blocks on the partition's condition variable until an
// external waker upgrades the working state away from Sleep or the
// control state leaves Active, then resets working state to Loop.
func (p *Partition) sleepUntilWoken() {
	p.mu.Lock()
	for p.working.Load() == Sleep && p.control.Load() == Active {
		p.cond.Wait()
	}
	p.mu.Unlock()
	if p.control.Load() == Active {
		p.working.Store(Loop)
	}
}

// waitWhilePausedOrRecovering blocks until an administrative Start()
// call or Stop() moves the control state out of Paused/Recovery. While
// blocked it counts itself in parkedCount and broadcasts, so a
// new-run barrier waiting in waitUntilAllParked observes the moment
// every worker goroutine (primary and standby alike) is genuinely
// quiesced rather than polling for it.
func (p *Partition) waitWhilePausedOrRecovering() {
	p.mu.Lock()
	atomic.AddInt32(&p.parkedCount, 1)
	p.cond.Broadcast()
	for {
		c := p.control.Load()
		if c != Paused && c != Recovery {
			break
		}
		p.cond.Wait()
	}
	atomic.AddInt32(&p.parkedCount, -1)
	p.mu.Unlock()
}

// waitUntilAllParked blocks until every one of the partition's worker
// goroutines (the primary plus any standby workers) is parked in
// waitWhilePausedOrRecovering, or the partition stops. Replaces a
// fixed-deadline poll for the worker's Sleep state, which only the
// primary ever reaches and which a standby pool or a busy input queue
// could otherwise hold off for the full deadline.
func (p *Partition) waitUntilAllParked() {
	p.mu.Lock()
	for atomic.LoadInt32(&p.parkedCount) < p.totalWorkers && p.control.Load() != Stopped {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// drainAndAbortAll empties both queues and aborts every transaction
// still referenced by them or by the lock table: stop() must leave both
// queues empty and transactions on them aborted.
func (p *Partition) drainAndAbortAll() {
	for _, item := range p.input.DrainAll() {
		if a, ok := item.(*action.Action); ok {
			if a.RVP != nil {
				a.RVP.RecordErr(fmt.Errorf("partition %d: stopped with action still queued: %w", p.id, doraerr.ErrMidwayAbort))
				a.RVP.Post(true)
			}
			p.arena.Giveback(a)
		}
	}
	for _, item := range p.commit.DrainAll() {
		if a, ok := item.(*action.Action); ok {
			p.arena.Giveback(a)
		}
	}
	var tids []lockmgr.TxID
	p.locks.CleanAll(&tids)
	if len(tids) > 0 {
		err := fmt.Errorf("partition %d: %w", p.id, doraerr.ErrLockMapDirty)
		p.logger.Debug().Err(err).Int("count", len(tids)).Msg("aborting dirty transactions at shutdown")
	}
}

// Stop transitions the partition to Stopped and wakes the worker so it
// observes the transition promptly instead of waiting for a queue push.
func (p *Partition) Stop() {
	p.control.Store(Stopped)
	p.mu.Lock()
	p.working.Store(CommitQueue) // force sleepUntilWoken's loop condition false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Pause transitions the partition to Paused; the worker finishes its
// current loop iteration and then blocks until Start is called.
func (p *Partition) Pause() {
	p.control.Store(Paused)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Start transitions the partition back to Active from Paused or
// Recovery and wakes the worker.
func (p *Partition) Start() {
	p.control.Store(Active)
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Done returns a channel closed once Run has fully exited.
func (p *Partition) Done() <-chan struct{} { return p.finished }

// PrepareNewRun implements the new-run barrier wait: waits until every
// worker goroutine (primary and any standbys) is parked, drains both
// queues, collects transactions to abort from the lock table, and
// optionally resets it. Callers must only invoke this while the
// partition is not mid-dispatch, which the environment layer
// guarantees by calling Pause first.
func (p *Partition) PrepareNewRun(resetLockTable bool) []lockmgr.TxID {
	p.waitUntilAllParked()

	p.workMu.Lock()
	defer p.workMu.Unlock()

	var tids []lockmgr.TxID
	for _, item := range p.input.DrainAll() {
		if a, ok := item.(*action.Action); ok {
			tids = append(tids, a.Tx())
			p.arena.Giveback(a)
		}
	}
	for _, item := range p.commit.DrainAll() {
		if a, ok := item.(*action.Action); ok {
			p.arena.Giveback(a)
		}
	}
	p.locks.CleanAll(&tids)
	if len(tids) > 0 {
		err := fmt.Errorf("partition %d: %w", p.id, doraerr.ErrLockMapDirty)
		p.logger.Debug().Err(err).Int("count", len(tids)).Msg("aborting dirty transactions at new-run barrier")
	}
	if resetLockTable && p.locks.MaybeReset(p.logger) {
		atomic.AddUint64(&p.stats.Resets, 1)
	}
	return tids
}
