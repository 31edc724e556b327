// Package commit implements the staged group-commit pipeline: a flusher
// that batches durable-log waits for lazily-committed
// transactions, and a notifier that delivers the resulting completion
// callbacks once a batch's log sequence numbers are durable. Decoupling
// transaction completion from log durability lets many RVPs share one
// log sync instead of each paying its own fsync latency.
package commit

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/shore-mt/dora/internal/action"
	"github.com/shore-mt/dora/internal/engine"
)

// Config bundles the flusher's tunables.
type Config struct {
	Engine           engine.Engine
	MaxGroupXcts     int           // max_group_xcts
	MaxLogBytes      int64         // max_log_bytes
	MaxFlushInterval time.Duration // max_flush_interval_us
	LogBufferSize    int64
	SegmentSize      int64
	Logger           zerolog.Logger
}

type pendingRVP struct {
	rvp     *action.RVP
	lastLSN engine.LSN
}

// Flusher runs the flush loop. It owns the `to_flush`
// SRMW intake (many partition workers post lazily-committed RVPs
// concurrently via EnqueueToFlush) and the `flushing` working set it
// drains into. A buffered channel gives `to_flush` its single-reader
// multi-writer property natively; `flushing` itself is only ever touched
// by the flusher goroutine, under a mutex, since DurableLSN polling and the group-size/log-bytes/interval
// decision all need a consistent read of it.
type Flusher struct {
	eng      engine.Engine
	cfg      Config
	toFlush  chan *action.RVP
	notifier *Notifier
	logger   zerolog.Logger

	mu            sync.Mutex
	flushing      []pendingRVP
	lastFlush     time.Time
	partitionSize int64
}

// NewFlusher constructs a Flusher that hands durable completions to
// notifier.
func NewFlusher(cfg Config, notifier *Notifier) *Flusher {
	segSize := cfg.SegmentSize
	if segSize <= 0 {
		segSize = 1
	}
	partitionSize := ceilToMultiple(cfg.LogBufferSize/8, segSize)
	return &Flusher{
		eng:           cfg.Engine,
		cfg:           cfg,
		toFlush:       make(chan *action.RVP, 4096),
		notifier:      notifier,
		logger:        cfg.Logger.With().Str("component", "flusher").Logger(),
		lastFlush:     time.Now(),
		partitionSize: partitionSize,
	}
}

// ceilToMultiple rounds x up to the nearest multiple of m, implementing
// the log-byte estimate's "partition size equals ceil(log_buffer_size /
// 8, segment_size)" rule.
func ceilToMultiple(x, m int64) int64 {
	if m <= 0 {
		return x
	}
	return ((x + m - 1) / m) * m
}

// PartitionSize returns the computed log-partition size in bytes, used
// by diagnostics and tests to verify the ceil formula.
func (f *Flusher) PartitionSize() int64 { return f.partitionSize }

// EnqueueToFlush posts a lazily-committed RVP to the flusher. Called by
// an RVP's EnqueueFlush hook once its storage-engine commit_lazy call
// has returned a last LSN.
func (f *Flusher) EnqueueToFlush(rvp *action.RVP) {
	f.toFlush <- rvp
}

func (f *Flusher) tickInterval() time.Duration {
	if f.cfg.MaxFlushInterval <= 0 {
		return 10 * time.Millisecond
	}
	return f.cfg.MaxFlushInterval
}

// Run executes the flusher loop until ctx is canceled, at which point it
// drains synchronously rather than leaving pending RVPs stranded.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drainSynchronously()
			return
		case rvp := <-f.toFlush:
			f.admit(rvp)
			f.tick()
		case <-ticker.C:
			f.tick()
		}
	}
}

func (f *Flusher) admit(rvp *action.RVP) {
	f.mu.Lock()
	f.flushing = append(f.flushing, pendingRVP{rvp: rvp, lastLSN: rvp.LastLSN()})
	f.mu.Unlock()
}

// tick implements one pass of the flush cycle: read the durable
// LSN, release anything already durable into the notifier, decide
// whether to force a flush, and release anything the forced flush made
// durable.
func (f *Flusher) tick() {
	durable := f.eng.DurableLSN()

	f.mu.Lock()
	var remaining, released []pendingRVP
	var maxLSN engine.LSN
	for _, p := range f.flushing {
		if p.lastLSN <= durable {
			released = append(released, p)
			continue
		}
		remaining = append(remaining, p)
		if p.lastLSN > maxLSN {
			maxLSN = p.lastLSN
		}
	}
	f.flushing = remaining
	groupSize := len(f.flushing)
	elapsed := time.Since(f.lastFlush)
	f.mu.Unlock()

	for _, p := range released {
		f.notifier.Enqueue(p.rvp)
	}

	pendingBytes := int64(0)
	if maxLSN > durable {
		pendingBytes = int64(maxLSN - durable)
	}

	trigger := groupSize >= f.cfg.MaxGroupXcts ||
		(f.cfg.MaxLogBytes > 0 && pendingBytes >= f.cfg.MaxLogBytes) ||
		elapsed >= f.tickInterval()

	if trigger && groupSize > 0 {
		f.forceFlush(groupSize, pendingBytes)
	}
	// Below threshold and before the interval elapses, the batch is left
	// in flushing untouched: forcing a sync_log here would defeat the
	// whole point of coalescing multiple lazy commits into one flush.
}

func (f *Flusher) forceFlush(groupSize int, pendingBytes int64) {
	if err := f.eng.SyncLog(); err != nil {
		f.logger.Error().Err(err).Msg("sync_log failed")
		return
	}
	newDurable := f.eng.DurableLSN()

	f.mu.Lock()
	var stillPending, newlyDurable []pendingRVP
	for _, p := range f.flushing {
		if p.lastLSN <= newDurable {
			newlyDurable = append(newlyDurable, p)
		} else {
			stillPending = append(stillPending, p)
		}
	}
	f.flushing = stillPending
	f.lastFlush = time.Now()
	f.mu.Unlock()

	for _, p := range newlyDurable {
		f.notifier.Enqueue(p.rvp)
	}

	f.logger.Debug().
		Int("group_size", groupSize).
		Str("pending_bytes", humanize.Bytes(uint64(pendingBytes))).
		Int("released", len(newlyDurable)).
		Msg("forced log flush")
}

// drainSynchronously empties to_flush and flushing, forces one final
// sync, and hands every RVP to the notifier without waiting for another
// tick. Both the flusher and notifier must drain their queues
// synchronously on shutdown: they must not reference partitions after
// partitions have been stopped, so this runs before the environment
// stops any partition.
func (f *Flusher) drainSynchronously() {
	for {
		select {
		case rvp := <-f.toFlush:
			f.admit(rvp)
			continue
		default:
		}
		break
	}

	if err := f.eng.SyncLog(); err != nil {
		f.logger.Error().Err(err).Msg("shutdown sync_log failed")
	}

	f.mu.Lock()
	pending := f.flushing
	f.flushing = nil
	f.mu.Unlock()

	for _, p := range pending {
		f.notifier.Enqueue(p.rvp)
	}
	f.notifier.Drain()
}
