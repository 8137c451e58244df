package backend

import (
	"context"
	"time"

	"github.com/pixyz/scheduler/pkg/types"
)

// Patch is a partial update applied to a task meta record. Status is always
// applied; Result replaces the stored result wholesale when non-nil; the
// remaining fields are set only when non-zero. Children are appended.
type Patch struct {
	Status   types.Status
	Result   map[string]interface{}
	Failure  *types.FailureMeta
	Trace    string
	ParentID string
	GroupID  string
	Children []string
}

// Backend stores and retrieves task meta records.
//
// Implementations must enforce the terminal-state rule: once a task reaches
// SUCCESS, FAILURE or REVOKED, a patch carrying a non-terminal status is
// dropped without error. Late RUNNING updates from a worker that lost a race
// with revocation must not resurrect the task.
type Backend interface {
	// Put stores a full record, subject to the terminal-state rule
	Put(ctx context.Context, meta *types.TaskMeta) error

	// Get returns the record for taskID or ErrTaskNotFound
	Get(ctx context.Context, taskID string) (*types.TaskMeta, error)

	// SetState applies a patch to the record, creating it if missing
	SetState(ctx context.Context, taskID string, patch Patch) error

	// ListTaskIDs returns the ids of all stored records
	ListTaskIDs(ctx context.Context) ([]string, error)

	// Delete forgets a record. Missing records are not an error.
	Delete(ctx context.Context, taskID string) error

	// Subscribe emits every status change of taskID until the context ends
	// or the returned cancel func is called
	Subscribe(ctx context.Context, taskID string) (<-chan types.Status, func(), error)

	Close() error
}

// ChordBackend tracks completion of a group feeding a chord body
type ChordBackend interface {
	// InitChord records the expected number of children for groupID
	InitChord(ctx context.Context, groupID string, total int) error

	// ChildDone marks one child finished and reports how many remain and
	// whether any child has failed so far
	ChildDone(ctx context.Context, groupID string, failed bool) (remaining int, anyFailed bool, err error)

	// ForgetChord drops the chord bookkeeping for groupID
	ForgetChord(ctx context.Context, groupID string) error
}

// mergeMeta applies patch to old (which may be nil) and returns the record to
// store, or nil when the terminal-state rule forbids the update
func mergeMeta(old *types.TaskMeta, taskID string, patch Patch) *types.TaskMeta {
	if old != nil && old.Status.Terminal() && !patch.Status.Terminal() {
		return nil
	}
	meta := &types.TaskMeta{TaskID: taskID}
	if old != nil {
		*meta = *old
	}
	meta.TaskID = taskID
	meta.Status = patch.Status
	if patch.Result != nil {
		meta.Result = patch.Result
	}
	if patch.Failure != nil {
		meta.Failure = patch.Failure
	}
	if patch.Trace != "" {
		meta.Trace = patch.Trace
	}
	if patch.ParentID != "" {
		meta.ParentID = patch.ParentID
	}
	if patch.GroupID != "" {
		meta.GroupID = patch.GroupID
	}
	if len(patch.Children) > 0 {
		meta.Children = append(meta.Children, patch.Children...)
	}
	if patch.Status.Terminal() && meta.DateDone == nil {
		now := time.Now().UTC()
		meta.DateDone = &now
	}
	return meta
}

// allowPut reports whether storing next over old respects the terminal rule
func allowPut(old, next *types.TaskMeta) bool {
	if old == nil {
		return true
	}
	return !(old.Status.Terminal() && !next.Status.Terminal())
}
