package commit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shore-mt/dora/internal/action"
	"github.com/shore-mt/dora/internal/commit"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/lockmgr"
)

func TestFlusherPartitionSizeCeilFormula(t *testing.T) {
	f := commit.NewFlusher(commit.Config{
		Engine:        engine.NewMemoryEngine(),
		LogBufferSize: 100,
		SegmentSize:   4,
		Logger:        zerolog.Nop(),
	}, commit.NewNotifier(nil, zerolog.Nop()))
	// log_buffer_size/8 = 12.5 -> integer division 12; 12 is already a
	// multiple of 4, so ceil(12, 4) leaves it at 12.
	assert.Equal(t, int64(12), f.PartitionSize())
}

// countingSyncEngine wraps MemoryEngine to count how many times SyncLog
// is actually invoked, so the coalescing test can verify the flusher
// issues exactly one sync_log for a batch instead of one per commit.
type countingSyncEngine struct {
	*engine.MemoryEngine
	syncs int32
}

func (c *countingSyncEngine) SyncLog() error {
	atomic.AddInt32(&c.syncs, 1)
	return c.MemoryEngine.SyncLog()
}

func TestFlusherCoalescesThreeLazyCommitsIntoOneSync(t *testing.T) {
	eng := &countingSyncEngine{MemoryEngine: engine.NewMemoryEngine()}

	var mu sync.Mutex
	var notified []*action.RVP
	notifier := commit.NewNotifier(func(rvp *action.RVP) {
		mu.Lock()
		notified = append(notified, rvp)
		mu.Unlock()
	}, zerolog.Nop())

	f := commit.NewFlusher(commit.Config{
		Engine:           eng,
		MaxGroupXcts:     3,
		MaxFlushInterval: time.Hour, // disable the timeout trigger; only group size should fire
		Logger:           zerolog.Nop(),
	}, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)
	go notifier.Run(ctx)

	var dones []<-chan struct{}
	for i := 0; i < 3; i++ {
		tx, _ := eng.BeginXct(ctx)
		ar := action.NewRVPArena(1)
		r := ar.New(action.RVPConfig{
			Tx:       tx,
			NumParts: 1,
			Commit: func(tx engine.TxHandle) (engine.LSN, error) {
				return eng.CommitXct(tx, true)
			},
			EnqueueFlush: f.EnqueueToFlush,
		})
		a := action.NewArena(1).New(0, tx, lockmgr.TxID(i+1), nil, nil)
		r.Attach(a)
		dones = append(dones, a.Done())
		require.True(t, r.Post(false))
		require.NoError(t, r.Run())
	}

	for i, d := range dones {
		select {
		case <-d:
		case <-time.After(2 * time.Second):
			t.Fatalf("action %d never notified after group commit", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notified, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.syncs))
}

func TestFlusherShutdownDrainsSynchronously(t *testing.T) {
	eng := engine.NewMemoryEngine()
	var notified int
	notifier := commit.NewNotifier(func(rvp *action.RVP) { notified++ }, zerolog.Nop())
	f := commit.NewFlusher(commit.Config{
		Engine:           eng,
		MaxGroupXcts:     1000,
		MaxFlushInterval: time.Hour,
		Logger:           zerolog.Nop(),
	}, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	go f.Run(ctx)

	tx, _ := eng.BeginXct(context.Background())
	ar := action.NewRVPArena(1)
	r := ar.New(action.RVPConfig{
		Tx:       tx,
		NumParts: 1,
		Commit: func(tx engine.TxHandle) (engine.LSN, error) {
			return eng.CommitXct(tx, true)
		},
		EnqueueFlush: f.EnqueueToFlush,
	})
	a := action.NewArena(1).New(0, tx, lockmgr.TxID(1), nil, nil)
	r.Attach(a)
	done := a.Done()
	require.True(t, r.Post(false))
	require.NoError(t, r.Run())

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown drain never notified pending RVP")
	}
	assert.Equal(t, 1, notified)
}
