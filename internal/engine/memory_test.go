package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/key"
)

func TestMemoryEnginePutGetRoundTrip(t *testing.T) {
	e := engine.NewMemoryEngine()
	ctx := context.Background()
	tx, err := e.BeginXct(ctx)
	require.NoError(t, err)

	k := key.MustNew(1, 2)
	require.NoError(t, e.Put(tx, "accounts", k, []byte("hello")))

	got, err := e.Get(tx, "accounts", k)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestMemoryEngineGetMissingKeyErrors(t *testing.T) {
	e := engine.NewMemoryEngine()
	_, err := e.Get(engine.TxHandle{}, "accounts", key.MustNew(1))
	assert.Error(t, err)
}

func TestMemoryEngineLazyCommitDoesNotAdvanceDurableLSN(t *testing.T) {
	e := engine.NewMemoryEngine()
	e.FsyncDelay = time.Hour
	tx, _ := e.BeginXct(context.Background())

	lsn, err := e.CommitXct(tx, true)
	require.NoError(t, err)
	assert.Equal(t, engine.LSN(1), lsn)
	assert.Less(t, e.DurableLSN(), lsn)
}

func TestMemoryEngineSyncLogAdvancesDurableLSNAfterDelay(t *testing.T) {
	e := engine.NewMemoryEngine()
	e.FsyncDelay = 10 * time.Millisecond
	tx, _ := e.BeginXct(context.Background())

	lsn, err := e.CommitXct(tx, true)
	require.NoError(t, err)
	require.NoError(t, e.SyncLog())

	assert.Less(t, e.DurableLSN(), lsn)
	time.Sleep(20 * time.Millisecond)
	assert.GreaterOrEqual(t, e.DurableLSN(), lsn)
}

func TestMemoryEngineNonLazyCommitIsImmediatelyDurable(t *testing.T) {
	e := engine.NewMemoryEngine()
	tx, _ := e.BeginXct(context.Background())
	lsn, err := e.CommitXct(tx, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, e.DurableLSN(), lsn)
}

func TestMemoryEngineRangeMapRoundTripIsACopy(t *testing.T) {
	e := engine.NewMemoryEngine()
	rm := engine.RangeMap{
		Boundaries: []key.Key{key.MustNew(0), key.MustNew(100)},
		IDs:        []int{0, 1},
	}
	e.SeedRangeMap("accounts", rm)

	got, err := e.GetRangeMap("accounts")
	require.NoError(t, err)
	assert.Equal(t, rm, got)

	got.IDs[0] = 99
	got2, err := e.GetRangeMap("accounts")
	require.NoError(t, err)
	assert.Equal(t, 0, got2.IDs[0], "GetRangeMap must return a defensive copy")
}

func TestMemoryEngineGetRangeMapUnknownTableErrors(t *testing.T) {
	e := engine.NewMemoryEngine()
	_, err := e.GetRangeMap("unknown")
	assert.Error(t, err)
}

func TestSortedRangeMapOrdersBoundaries(t *testing.T) {
	rm := engine.RangeMap{
		Boundaries: []key.Key{key.MustNew(50), key.MustNew(0), key.MustNew(100)},
		IDs:        []int{1, 0, 2},
	}
	sorted := engine.SortedRangeMap(rm)
	assert.Equal(t, []int{0, 1, 2}, sorted.IDs)
}
