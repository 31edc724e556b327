package commit

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/shore-mt/dora/internal/action"
)

// Stats tracks the notifier's cumulative counters.
type Stats struct {
	Notified uint64
}

// Notifier runs the notification loop: pop an RVP, invoke the
// per-partition and per-client completion callbacks, then return the
// RVP to its allocator. It owns one SRMW queue, fed only by the flusher.
type Notifier struct {
	queue  chan *action.RVP
	logger zerolog.Logger
	stats  Stats
	give   func(rvp *action.RVP)
}

// NewNotifier constructs a Notifier. give is called once per processed
// RVP to return it to its arena (update_committed_stats plus giveback
// folded into this one callback, since both happen unconditionally
// immediately after notification).
func NewNotifier(give func(rvp *action.RVP), logger zerolog.Logger) *Notifier {
	return &Notifier{
		queue:  make(chan *action.RVP, 4096),
		logger: logger.With().Str("component", "notifier").Logger(),
		give:   give,
	}
}

// Enqueue posts rvp for notification. Called by the flusher once the
// storage engine's durable LSN has passed rvp's last LSN.
func (n *Notifier) Enqueue(rvp *action.RVP) {
	n.queue <- rvp
}

// Stats returns a snapshot of the notifier's counters.
func (n *Notifier) Stats() Stats {
	return Stats{Notified: atomic.LoadUint64(&n.stats.Notified)}
}

// Run executes the notifier loop until ctx is canceled, then drains
// synchronously.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case rvp := <-n.queue:
			n.process(rvp)
		case <-ctx.Done():
			n.Drain()
			return
		}
	}
}

// Drain empties the queue without blocking, processing every RVP
// already posted. Used both by Run's shutdown path and by the flusher's
// own synchronous drain.
func (n *Notifier) Drain() {
	for {
		select {
		case rvp := <-n.queue:
			n.process(rvp)
		default:
			return
		}
	}
}

func (n *Notifier) process(rvp *action.RVP) {
	rvp.FinishAfterFlush()
	atomic.AddUint64(&n.stats.Notified, 1)
	if n.give != nil {
		n.give(rvp)
	}
}
