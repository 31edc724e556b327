package partition

import "sync/atomic"

// ControlState is the partition worker's administrative state. Any
// state may transition to Stopped; Paused and Active toggle
// cooperatively; any state may enter or leave Recovery.
type ControlState int32

const (
	Active ControlState = iota
	Paused
	Stopped
	Recovery
)

func (c ControlState) String() string {
	switch c {
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	case Recovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// WorkingState is the partition worker's execution-progress state,
// independent of ControlState. Only the worker itself ever transitions
// itself into Sleep; external signalers (enqueuing goroutines) may only
// upgrade it to CommitQueue or InputQueue, which is what wakes the
// worker without a lost-wakeup race.
type WorkingState int32

const (
	Loop WorkingState = iota
	Sleep
	CommitQueue
	InputQueue
	Finished
)

func (w WorkingState) String() string {
	switch w {
	case Loop:
		return "loop"
	case Sleep:
		return "sleep"
	case CommitQueue:
		return "commit_queue"
	case InputQueue:
		return "input_queue"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// PATState classifies how many of a partition's worker goroutines are
// currently alive: Single when only the primary worker is running,
// Multiple once one or more standby workers have joined it.
type PATState int32

const (
	Single PATState = iota
	Multiple
)

func (s PATState) String() string {
	switch s {
	case Single:
		return "single"
	case Multiple:
		return "multiple"
	default:
		return "unknown"
	}
}

// controlCell is an atomically-accessed ControlState.
type controlCell struct{ v int32 }

func (c *controlCell) Load() ControlState        { return ControlState(atomic.LoadInt32(&c.v)) }
func (c *controlCell) Store(s ControlState)      { atomic.StoreInt32(&c.v, int32(s)) }
func (c *controlCell) CAS(old, new ControlState) bool {
	return atomic.CompareAndSwapInt32(&c.v, int32(old), int32(new))
}

// workingCell is an atomically-accessed WorkingState with the upgrade
// discipline from §4.3: Wake only ever sets CommitQueue or InputQueue
// (from any state but Finished), never Loop or Sleep, and never
// clobbers Finished.
type workingCell struct{ v int32 }

func (w *workingCell) Load() WorkingState   { return WorkingState(atomic.LoadInt32(&w.v)) }
func (w *workingCell) Store(s WorkingState) { atomic.StoreInt32(&w.v, int32(s)) }

func (w *workingCell) CAS(old, new WorkingState) bool {
	return atomic.CompareAndSwapInt32(&w.v, int32(old), int32(new))
}

// Wake upgrades the working state to target (CommitQueue or InputQueue)
// unless the worker is already Finished or already marked for that same
// queue's priority, avoiding the lost-wakeup window where an external
// enqueuer pushes between the worker's last queue check and its
// transition to Sleep.
func (w *workingCell) Wake(target WorkingState) {
	for {
		cur := w.Load()
		if cur == Finished {
			return
		}
		if cur == target {
			return
		}
		if w.CAS(cur, target) {
			return
		}
	}
}
