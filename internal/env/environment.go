// Package env implements the Environment façade: start/stop/new_run,
// partition_for routing, RVP construction, and aggregate statistics,
// wiring the routing table, partitions, and the staged group-commit
// pipeline together. It plays the role a coordinator process plays for
// a cluster of nodes, but in-process: one Environment owns every
// partition goroutine directly instead of dispatching RPCs to separate
// node processes.
package env

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shore-mt/dora/internal/action"
	"github.com/shore-mt/dora/internal/commit"
	"github.com/shore-mt/dora/internal/config"
	"github.com/shore-mt/dora/internal/doraerr"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/key"
	"github.com/shore-mt/dora/internal/lockmgr"
	"github.com/shore-mt/dora/internal/logging"
	"github.com/shore-mt/dora/internal/metrics"
	"github.com/shore-mt/dora/internal/partition"
	"github.com/shore-mt/dora/internal/routing"
)

// Environment owns every partition, the routing table for each table
// the engine serves, and (when enabled) the staged group-commit
// pipeline. It is the execution core's single top-level object.
type Environment struct {
	eng    engine.Engine
	cfg    config.Config
	logger zerolog.Logger
	stats  *metrics.Registry

	mu         sync.RWMutex
	tables     map[string]*routing.Table
	partitions map[int]*partition.Partition

	rvpMu    sync.Mutex
	rvpArena *action.RVPArena

	flusher  *commit.Flusher
	notifier *commit.Notifier

	commitCancel context.CancelFunc
	commitEg     *errgroup.Group

	partCancel context.CancelFunc
	partEg     *errgroup.Group
	partEgCtx  context.Context

	running int32 // atomic: 1 once Start has launched workers, until Stop
}

// New constructs an Environment. cfg drives every partition's wake
// thresholds and spin-loop count, and (if EnableFlusher) the
// group-commit pipeline's batching thresholds.
func New(eng engine.Engine, cfg config.Config, logger zerolog.Logger, stats *metrics.Registry) *Environment {
	e := &Environment{
		eng:        eng,
		cfg:        cfg,
		logger:     logger,
		stats:      stats,
		tables:     make(map[string]*routing.Table),
		partitions: make(map[int]*partition.Partition),
		rvpArena:   action.NewRVPArena(256),
	}

	notifyLogger := logging.Component(logger, "notifier")
	e.notifier = commit.NewNotifier(e.reclaimRVP, notifyLogger)

	if cfg.EnableFlusher {
		flushLogger := logging.Component(logger, "flusher")
		e.flusher = commit.NewFlusher(commit.Config{
			Engine:           eng,
			MaxGroupXcts:     cfg.MaxGroupXcts,
			MaxLogBytes:      cfg.MaxLogBytes,
			MaxFlushInterval: cfg.MaxFlushInterval,
			LogBufferSize:    1 << 20,
			SegmentSize:      4096,
			Logger:           flushLogger,
		}, e.notifier)
	}

	return e
}

// AddTable registers table's authoritative range map, seeding both the
// storage engine and an internal routing table, and creates one
// Partition per distinct partition id the map names. Must be called
// before Start.
func (e *Environment) AddTable(table string, rm engine.RangeMap) error {
	t, err := routing.New(rm.Boundaries, rm.IDs)
	if err != nil {
		return fmt.Errorf("env: table %q: %w", table, err)
	}

	if me, ok := e.eng.(*engine.MemoryEngine); ok {
		me.SeedRangeMap(table, rm)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tables[table] = t
	for _, id := range rm.IDs {
		if _, exists := e.partitions[id]; exists {
			continue
		}
		e.partitions[id] = e.newPartitionLocked(id)
	}
	return nil
}

func (e *Environment) newPartitionLocked(id int) *partition.Partition {
	return partition.New(partition.Config{
		ID:                    id,
		Engine:                e.eng,
		LockmapResetThreshold: e.cfg.MinKeysForLockmapReset,
		InputWakeThreshold:    e.cfg.InputQueueWakeThreshold,
		CommitWakeThreshold:   e.cfg.CommitQueueWakeThreshold,
		SpinLoops:             e.cfg.WorkerSpinLoops,
		StandbyWorkers:        e.cfg.WorkersPerPartition,
		Logger:                logging.Component(e.logger, "partition"),
	})
}

// PartitionFor resolves which partition owns k in table.
func (e *Environment) PartitionFor(table string, k key.Key) (*partition.Partition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tables[table]
	if !ok {
		return nil, fmt.Errorf("env: table %q: %w", table, doraerr.ErrBadPartition)
	}
	id := t.PartitionFor(k)
	p, ok := e.partitions[id]
	if !ok {
		return nil, fmt.Errorf("env: partition %d: %w", id, doraerr.ErrBadPartition)
	}
	return p, nil
}

// Partition returns the partition with id, for callers that already
// resolved it (e.g. a secondary action fanning out across a known set
// of partitions).
func (e *Environment) Partition(id int) (*partition.Partition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.partitions[id]
	return p, ok
}

// BeginXct starts a new storage-engine transaction.
func (e *Environment) BeginXct(ctx context.Context) (engine.TxHandle, error) {
	return e.eng.BeginXct(ctx)
}

// NewRVP allocates an RVP for tx with numParts participating actions,
// wired to commit/abort the transaction against the storage engine and
// to route notification through this Environment's partitions and (when
// enabled) the group-commit pipeline.
func (e *Environment) NewRVP(tx engine.TxHandle, numParts int) *action.RVP {
	e.rvpMu.Lock()
	defer e.rvpMu.Unlock()

	cfg := action.RVPConfig{
		Tx:       tx,
		NumParts: numParts,
		Commit: func(tx engine.TxHandle) (engine.LSN, error) {
			return e.eng.CommitXct(tx, e.cfg.EnableFlusher)
		},
		Abort: func(tx engine.TxHandle) error {
			return e.eng.AbortXct(tx)
		},
		Notify:  e.notifyPartitions,
		Reclaim: e.reclaimRVP,
	}
	if e.flusher != nil {
		cfg.EnqueueFlush = e.flusher.EnqueueToFlush
	}
	return e.rvpArena.New(cfg)
}

func (e *Environment) notifyPartitions(rvp *action.RVP) {
	for _, a := range rvp.Actions() {
		if p, ok := e.Partition(a.Partition()); ok {
			p.EnqueueCommit(a)
		}
	}
}

func (e *Environment) reclaimRVP(rvp *action.RVP) {
	e.rvpMu.Lock()
	defer e.rvpMu.Unlock()
	e.rvpArena.Giveback(rvp)
}

// FanOutSecondary grows rvp's completion countdown to accommodate one
// secondary action per id in partitionIDs, then dispatches each against
// tx. It is the runtime counterpart to a primary action whose body
// resolves a RID to additional partitions only after the primary action
// has already started (e.g. a secondary-index lookup): the countdown
// must grow before any of the new actions can post, which is what
// RVP.Resize is for. Actions created this way are marked Secondary; the
// partition runtime does not read that flag and runs them like any
// other action.
func (e *Environment) FanOutSecondary(rvp *action.RVP, tx engine.TxHandle, tid lockmgr.TxID, partitionIDs []int, update action.UpdateKeysFunc, body action.Body) error {
	if len(partitionIDs) == 0 {
		return nil
	}
	rvp.Resize(len(partitionIDs))
	for _, id := range partitionIDs {
		p, ok := e.Partition(id)
		if !ok {
			return fmt.Errorf("env: secondary fan-out: %w: partition %d", doraerr.ErrBadPartition, id)
		}
		a := p.Arena().New(id, tx, tid, update, body)
		a.Secondary = true
		a.RVP = rvp
		rvp.Attach(a)
		if err := p.Enqueue(a); err != nil {
			return fmt.Errorf("env: secondary fan-out: partition %d: %w", id, err)
		}
	}
	return nil
}

// repartition reconciles every registered table's routing table against
// the storage engine's authoritative range map, launching workers for
// newly created partitions and stopping and freeing workers for removed
// ones. Called only while every pre-existing partition is paused and
// drained, during NewRun's barrier.
func (e *Environment) repartition() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for table, t := range e.tables {
		rm, err := e.eng.GetRangeMap(table)
		if err != nil {
			e.logger.Error().Err(err).Str("table", table).Msg("repartition: range map unavailable")
			continue
		}

		delta := t.Repartition(engine.SortedRangeMap(rm))

		for _, id := range delta.Removed {
			p, ok := e.partitions[id]
			if !ok {
				continue
			}
			p.Stop()
			<-p.Done()
			delete(e.partitions, id)
		}

		for _, id := range delta.Created {
			if _, exists := e.partitions[id]; exists {
				continue
			}
			p := e.newPartitionLocked(id)
			e.partitions[id] = p
			if e.partEg != nil && e.partEgCtx != nil {
				p := p
				e.partEg.Go(func() error { p.Run(e.partEgCtx); return nil })
			}
		}
	}
}

// Start launches every partition's worker goroutine and, if enabled,
// the flusher and notifier, each group coordinated by its own errgroup
// so a failure in one does not tear down the other out of order. Start
// is idempotent: calling it again before a matching Stop returns an
// error instead of launching a second set of goroutines over the first.
func (e *Environment) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return fmt.Errorf("env: already started")
	}

	e.mu.RLock()
	partitions := make([]*partition.Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		partitions = append(partitions, p)
	}
	e.mu.RUnlock()

	if e.flusher != nil {
		commitCtx, cancel := context.WithCancel(ctx)
		commitEg, commitEgCtx := errgroup.WithContext(commitCtx)
		e.commitCancel = cancel
		e.commitEg = commitEg
		commitEg.Go(func() error { e.flusher.Run(commitEgCtx); return nil })
		commitEg.Go(func() error { e.notifier.Run(commitEgCtx); return nil })
	}

	partCtx, cancel := context.WithCancel(ctx)
	partEg, partEgCtx := errgroup.WithContext(partCtx)
	e.partCancel = cancel
	e.partEg = partEg
	e.partEgCtx = partEgCtx
	for _, p := range partitions {
		p := p
		partEg.Go(func() error { p.Run(partEgCtx); return nil })
	}
	return nil
}

// Stop shuts the environment down deterministically: the flusher and
// notifier first (so no partition is referenced by a pending flush
// after it exits), then every partition.
func (e *Environment) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return nil
	}

	if e.commitCancel != nil {
		e.commitCancel()
		if err := e.commitEg.Wait(); err != nil {
			return err
		}
	}

	e.mu.RLock()
	partitions := make([]*partition.Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		partitions = append(partitions, p)
	}
	e.mu.RUnlock()

	e.partCancel()
	for _, p := range partitions {
		p.Stop()
		<-p.Done()
	}

	return e.partEg.Wait()
}

// NewRun implements the new_run barrier: pause every partition, wait
// until each partition's workers are parked, empty both queues
// (aborting whatever was left dirty), optionally reset lock tables, reconcile every
// table's routing against the storage engine's authoritative range map
// (creating and stopping partition workers as needed), then resume
// whatever partitions remain.
func (e *Environment) NewRun(resetLockTables bool) map[int][]lockmgr.TxID {
	e.mu.RLock()
	partitions := make([]*partition.Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		partitions = append(partitions, p)
	}
	e.mu.RUnlock()

	for _, p := range partitions {
		p.Pause()
	}

	aborted := make(map[int][]lockmgr.TxID, len(partitions))
	for _, p := range partitions {
		aborted[p.ID()] = p.PrepareNewRun(resetLockTables)
	}

	e.repartition()

	e.mu.RLock()
	live := make([]*partition.Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		live = append(live, p)
	}
	e.mu.RUnlock()

	for _, p := range live {
		p.Start()
	}

	return aborted
}

// Stats returns a snapshot of every partition's operational counters,
// keyed by partition id.
func (e *Environment) Stats() map[int]partition.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[int]partition.Stats, len(e.partitions))
	for id, p := range e.partitions {
		out[id] = p.Stats()
		if e.stats != nil {
			e.stats.SetQueueDepth(id, "input", p.InputDepth())
			e.stats.SetQueueDepth(id, "commit", p.CommitDepth())
		}
	}
	return out
}
