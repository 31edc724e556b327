// Package doraerr defines the error taxonomy shared by every DORA
// component. Errors are sentinel values wrapped with context at the
// call site via fmt.Errorf("...: %w", err); callers compare with
// errors.Is.
package doraerr

import "errors"

var (
	// ErrBadPartition indicates an action was routed to a partition that
	// does not own one or more of its requested keys. Treated as a
	// programming error in the router or action-fill hook.
	ErrBadPartition = errors.New("dora: action routed to wrong partition")

	// ErrMidwayAbort indicates an action's body aborted after the
	// transaction was attached to the storage engine.
	ErrMidwayAbort = errors.New("dora: action aborted mid-execution")

	// ErrEarlyAbort indicates the action's RVP was already decided Abort
	// when the action reached dispatch; the action never attached.
	ErrEarlyAbort = errors.New("dora: rvp already aborted before dispatch")

	// ErrLockMapDirty indicates a partition's lock table held owners or
	// waiters at a new-run barrier; transactions must be aborted before
	// the partition resumes.
	ErrLockMapDirty = errors.New("dora: lock table dirty at new-run barrier")

	// ErrRepartitionFailure indicates the storage engine refused to
	// return an authoritative range map during repartition. The routing
	// table also wraps it when AddSplit or DeletePartition rejects an
	// edit of the range cover.
	ErrRepartitionFailure = errors.New("dora: storage engine refused range map")
)
