package partition

import "sync"

// Queue is a single-reader, multi-writer FIFO of actions: a partition
// keeps two of these (input, commit), each SRMW. Many partition client
// goroutines enqueue concurrently; only the partition's own worker
// goroutines dequeue, one at a time under the partition's work mutex. Queue itself only guards the slice; the
// wake/sleep signalling rule needs a condition variable shared across
// both of a partition's queues so a single Wait can watch either one,
// so that half lives in Partition (see partition.go).
type Queue struct {
	mu    sync.Mutex
	items []Runnable
}

// Runnable is the minimal surface a queued entry must support; satisfied
// by *action.Action.
type Runnable interface{}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push enqueues item.
func (q *Queue) Push(item Runnable) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// TryPop removes and returns the head item without blocking. ok is false
// if the queue was empty.
func (q *Queue) TryPop() (item Runnable, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item = q.items[0]
	q.items = q.items[1:]
	return item, true
}

// DrainAll removes and returns every queued item, leaving the queue
// empty. Used by stop() and prepare_new_run() to abort everything
// outstanding.
func (q *Queue) DrainAll() []Runnable {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
