// Package integration exercises a full Environment end to end: multiple
// tables routed across several partitions, concurrent transactions
// contending for the same keys, the staged group-commit pipeline under
// load, and a new_run barrier mid-stream. This execution core runs in a
// single process rather than a distributed cluster of coordinator/node
// processes talking over HTTP, so the analogous "full system under
// test" is one Environment exercised directly rather than child
// processes.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shore-mt/dora/internal/action"
	"github.com/shore-mt/dora/internal/config"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/env"
	"github.com/shore-mt/dora/internal/key"
	"github.com/shore-mt/dora/internal/lockmgr"
)

func newSystem(t *testing.T, enableFlusher bool) (*env.Environment, engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.EnableFlusher = enableFlusher
	cfg.WorkerSpinLoops = 50
	cfg.InputQueueWakeThreshold = 1
	cfg.CommitQueueWakeThreshold = 1
	cfg.MaxGroupXcts = 4
	cfg.MaxFlushInterval = 2 * time.Millisecond

	eng := engine.NewMemoryEngine()
	e := env.New(eng, cfg, zerolog.Nop(), nil)

	require.NoError(t, e.AddTable("accounts", engine.RangeMap{
		Boundaries: []key.Key{key.MustNew(0), key.MustNew(100), key.MustNew(200)},
		IDs:        []int{0, 1, 2},
	}))
	require.NoError(t, e.AddTable("ledger", engine.RangeMap{
		Boundaries: []key.Key{key.MustNew(0)},
		IDs:        []int{3},
	}))
	return e, eng
}

func putAndWait(t *testing.T, e *env.Environment, ctx context.Context, table string, k key.Key, value []byte) {
	t.Helper()
	tx, err := e.BeginXct(ctx)
	require.NoError(t, err)

	rvp := e.NewRVP(tx, 1)
	p, err := e.PartitionFor(table, k)
	require.NoError(t, err)

	a := p.Arena().New(p.ID(), tx, lockmgr.TxID(1), func(a *action.Action) error {
		a.SetKeys([]lockmgr.KeyRequest{{Key: k, Mode: lockmgr.Exclusive}})
		return nil
	}, func(a *action.Action, eng engine.Engine, tx engine.TxHandle) error {
		return eng.Put(tx, table, k, value)
	})
	a.RVP = rvp
	rvp.Attach(a)
	done := a.Done()

	require.NoError(t, p.Enqueue(a))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("transaction never completed")
	}
}

// TestConcurrentWritesAcrossPartitionsAllSucceed drives disjoint-key
// writes against every partition simultaneously, checking that routing
// and per-partition worker execution scale independently: none of the
// 60 writes should observe another partition's work.
func TestConcurrentWritesAcrossPartitionsAllSucceed(t *testing.T) {
	e, eng := newSystem(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	var wg sync.WaitGroup
	for part := 0; part < 3; part++ {
		for i := 0; i < 20; i++ {
			part, i := part, i
			wg.Add(1)
			go func() {
				defer wg.Done()
				k := key.MustNew(int64(part*100 + i))
				putAndWait(t, e, ctx, "accounts", k, []byte("v"))
			}()
		}
	}
	wg.Wait()

	for part := 0; part < 3; part++ {
		for i := 0; i < 20; i++ {
			k := key.MustNew(int64(part*100 + i))
			tx, err := e.BeginXct(ctx)
			require.NoError(t, err)
			got, err := eng.Get(tx, "accounts", k)
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), got)
		}
	}
}

// TestContendedKeySerializesUnderExclusiveLocks hammers a single key from
// many goroutines; the logical lock manager must serialize every writer
// so the final value is whichever write's action ran last, with no
// partial or torn write visible in between.
func TestContendedKeySerializesUnderExclusiveLocks(t *testing.T) {
	e, eng := newSystem(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	k := key.MustNew(42)
	const writers = 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			putAndWait(t, e, ctx, "accounts", k, []byte{byte(i)})
		}()
	}
	wg.Wait()

	tx, err := e.BeginXct(ctx)
	require.NoError(t, err)
	got, err := eng.Get(tx, "accounts", k)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

// TestFlusherCoalescesUnderConcurrentLoad runs group commit enabled and
// checks that every transaction still observes its own durable commit,
// even though the flusher batches many of them into shared sync_log
// calls.
func TestFlusherCoalescesUnderConcurrentLoad(t *testing.T) {
	e, eng := newSystem(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			k := key.MustNew(int64(i))
			putAndWait(t, e, ctx, "accounts", k, []byte("flushed"))
		}()
	}
	wg.Wait()

	for i := 0; i < 40; i++ {
		tx, err := e.BeginXct(ctx)
		require.NoError(t, err)
		k := key.MustNew(int64(i))
		got, err := eng.Get(tx, "accounts", k)
		require.NoError(t, err)
		assert.Equal(t, []byte("flushed"), got)
	}
}

// TestNewRunBarrierDrainsMidStreamThenResumes issues one write, runs a
// new_run pause/drain/resume while the environment is live, and confirms
// a second write still completes and every partition is still reported.
func TestNewRunBarrierDrainsMidStreamThenResumes(t *testing.T) {
	e, _ := newSystem(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	putAndWait(t, e, ctx, "accounts", key.MustNew(1), []byte("before"))

	aborted := e.NewRun(true)
	assert.Len(t, aborted, 4)

	putAndWait(t, e, ctx, "accounts", key.MustNew(2), []byte("after"))

	stats := e.Stats()
	assert.Len(t, stats, 4)
}

// TestCrossTableRoutingIsolatesPartitions checks that accounts and ledger
// keys route to disjoint partition sets, so a ledger write never
// contends with an accounts write even when both carry the same key
// value.
func TestCrossTableRoutingIsolatesPartitions(t *testing.T) {
	e, _ := newSystem(t, false)

	accountsPart, err := e.PartitionFor("accounts", key.MustNew(5))
	require.NoError(t, err)
	ledgerPart, err := e.PartitionFor("ledger", key.MustNew(5))
	require.NoError(t, err)

	assert.NotEqual(t, accountsPart.ID(), ledgerPart.ID())
}
