// Package routing implements the key-range routing table: a total,
// non-overlapping cover of a table's primary-key space mapping
// contiguous ranges to partition ids. A DORA partition owns a
// contiguous key range, so lookups are an ordered binary search over
// sorted boundaries rather than a hash mod over an unordered shard set.
package routing

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/shore-mt/dora/internal/doraerr"
	"github.com/shore-mt/dora/internal/engine"
	"github.com/shore-mt/dora/internal/key"
)

// Range is one entry of the table: partition ID owns every key k such
// that Lo <= k, up to (but not including) the next entry's Lo, or to
// infinity if this is the last entry.
type Range struct {
	Lo key.Key
	ID int
}

// Table is a key-range routing table. Reads (PartitionFor, AllPartitions)
// are safe for concurrent use by many goroutines; writes (AddSplit,
// DeletePartition, Repartition) must only happen while callers are
// quiesced: writes happen only during a global new-run barrier while
// workers are sleeping. Table itself still takes a lock so a
// misbehaving caller gets a race-free (if possibly oddly interleaved)
// result rather than a corrupted map.
type Table struct {
	mu     sync.RWMutex
	ranges []Range // sorted ascending by Lo; Lo[0] is the minimum key
}

// New constructs a routing table from an initial, already-sorted set of
// boundaries. ids[i] is the partition owning the range starting at
// los[i]. The caller supplies the minimum key's boundary explicitly
// (typically the all-zero key) so the cover is total from the start.
func New(los []key.Key, ids []int) (*Table, error) {
	if len(los) != len(ids) {
		return nil, fmt.Errorf("routing: boundaries and ids length mismatch (%d vs %d)", len(los), len(ids))
	}
	t := &Table{}
	for i := range los {
		t.ranges = append(t.ranges, Range{Lo: los[i], ID: ids[i]})
	}
	if !slices.IsSortedFunc(t.ranges, func(a, b Range) int { return a.Lo.Compare(b.Lo) }) {
		return nil, fmt.Errorf("routing: initial boundaries must be sorted ascending")
	}
	if err := t.checkBijection(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) checkBijection() error {
	seen := make(map[int]bool, len(t.ranges))
	for _, r := range t.ranges {
		if seen[r.ID] {
			return fmt.Errorf("routing: partition id %d appears in more than one range", r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// PartitionFor returns the id of the partition owning k, found by an
// O(log P) search over the sorted boundaries. Every valid key must
// resolve to a live partition (the routing-totality invariant);
// PartitionFor panics if the table is empty, which a correctly
// initialized Environment never allows.
func (t *Table) PartitionFor(k key.Key) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.ranges) == 0 {
		panic("routing: PartitionFor called on an empty table")
	}
	idx, found := slices.BinarySearchFunc(t.ranges, k, func(r Range, target key.Key) int {
		return r.Lo.Compare(target)
	})
	if found {
		return t.ranges[idx].ID
	}
	// idx is the insertion point: the first range whose Lo > k. The
	// owning range is the one before it, since ranges are half-open
	// [Lo, nextLo).
	return t.ranges[idx-1].ID
}

// AllPartitions returns the ids of every live partition, in ascending
// key-range order.
func (t *Table) AllPartitions() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int, len(t.ranges))
	for i, r := range t.ranges {
		out[i] = r.ID
	}
	return out
}

// Boundaries returns a copy of the table's current range boundaries, for
// diagnostics and for computing a Repartition delta.
func (t *Table) Boundaries() []Range {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// AddSplit inserts a new boundary at splitKey, creating a new partition
// newID that inherits the upper portion of whichever range currently
// contains splitKey. Existing partitions' lock tables are untouched: the
// caller is responsible for creating newID's worker and lock table
// before in-flight actions can be routed to it; actions already
// dispatched to the parent partition continue to execute there.
func (t *Table) AddSplit(splitKey key.Key, newID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, found := slices.BinarySearchFunc(t.ranges, splitKey, func(r Range, target key.Key) int {
		return r.Lo.Compare(target)
	})
	if found {
		return fmt.Errorf("routing: %w: split key %s already a boundary", doraerr.ErrRepartitionFailure, splitKey)
	}
	if idx == 0 {
		return fmt.Errorf("routing: %w: split key %s precedes the minimum boundary", doraerr.ErrRepartitionFailure, splitKey)
	}
	for _, r := range t.ranges {
		if r.ID == newID {
			return fmt.Errorf("routing: %w: partition id %d already live", doraerr.ErrRepartitionFailure, newID)
		}
	}
	newRanges := make([]Range, 0, len(t.ranges)+1)
	newRanges = append(newRanges, t.ranges[:idx]...)
	newRanges = append(newRanges, Range{Lo: splitKey, ID: newID})
	newRanges = append(newRanges, t.ranges[idx:]...)
	t.ranges = newRanges
	return nil
}

// DeletePartition merges id into its left neighbor: id's range is
// absorbed by the preceding range, which now spans both. It is an error
// to delete the partition owning the minimum key, since there would be
// no left neighbor to absorb it. The reference implementation never
// fully settles delete_partition's semantics; merge-with-left is the
// behavior chosen here.
func (t *Table) DeletePartition(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, r := range t.ranges {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("routing: %w: partition %d not found", doraerr.ErrBadPartition, id)
	}
	if idx == 0 {
		return fmt.Errorf("routing: %w: cannot delete the partition owning the minimum key (no left neighbor)", doraerr.ErrRepartitionFailure)
	}
	t.ranges = append(t.ranges[:idx], t.ranges[idx+1:]...)
	return nil
}

// RepartitionDelta describes the changes Repartition applied, so the
// caller (the environment, during a new-run barrier) knows which
// partitions to start, stop, or leave alone.
type RepartitionDelta struct {
	Created []int
	Removed []int
	Rebound []int
}

// Repartition reconciles the table against an authoritative RangeMap
// read from the storage engine: new boundaries create partitions,
// removed boundaries stop and free their partition, and
// unchanged boundaries rebind the existing partition object (a no-op
// here, since Table stores bare ids rather than partition objects; the
// environment layer is responsible for mapping these ids back to
// worker state).
func (t *Table) Repartition(authoritative engine.RangeMap) RepartitionDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldByLo := make(map[key.Key]int, len(t.ranges))
	for _, r := range t.ranges {
		oldByLo[r.Lo] = r.ID
	}
	newByLo := make(map[key.Key]int, len(authoritative.Boundaries))
	for i, lo := range authoritative.Boundaries {
		newByLo[lo] = authoritative.IDs[i]
	}

	var delta RepartitionDelta
	for lo, id := range oldByLo {
		if _, ok := newByLo[lo]; !ok {
			delta.Removed = append(delta.Removed, id)
		}
	}
	for lo, id := range newByLo {
		if _, ok := oldByLo[lo]; !ok {
			delta.Created = append(delta.Created, id)
		} else {
			delta.Rebound = append(delta.Rebound, id)
		}
	}

	newRanges := make([]Range, len(authoritative.Boundaries))
	for i, lo := range authoritative.Boundaries {
		newRanges[i] = Range{Lo: lo, ID: authoritative.IDs[i]}
	}
	slices.SortFunc(newRanges, func(a, b Range) int { return a.Lo.Compare(b.Lo) })
	t.ranges = newRanges
	return delta
}
