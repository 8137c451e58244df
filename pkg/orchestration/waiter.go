package orchestration

import (
	"context"
	"fmt"
	"time"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/types"
)

const (
	waitPollBase = 100 * time.Millisecond
	waitPollMax  = 500 * time.Millisecond
)

// Waiter blocks a running script until another task reaches a terminal
// state. Tasks that wait must run on the control queue so they cannot starve
// the compute pools they are waiting on.
type Waiter struct {
	backend backend.Backend

	// poll bounds, swappable in tests
	pollBase time.Duration
	pollMax  time.Duration
}

// NewWaiter builds a waiter polling be
func NewWaiter(be backend.Backend) *Waiter {
	return &Waiter{backend: be, pollBase: waitPollBase, pollMax: waitPollMax}
}

// Wait polls taskID until it finishes or timeout seconds elapse. A zero
// timeout waits forever. The returned map is the task's stored result.
func (w *Waiter) Wait(ctx context.Context, taskID string, timeout int) (map[string]interface{}, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()
	}

	delay := w.pollBase
	for {
		meta, err := w.backend.Get(waitCtx, taskID)
		if err == nil && meta.Status.Terminal() {
			switch meta.Status {
			case types.StatusSuccess:
				return meta.Result, nil
			case types.StatusRevoked:
				return nil, fmt.Errorf("%w: %s", types.ErrRevoked, taskID)
			default:
				return nil, failureError(taskID, meta)
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s did not finish within %ds", types.ErrTaskNotCompleted, taskID, timeout)
		case <-time.After(delay):
		}
		if delay *= 2; delay > w.pollMax {
			delay = w.pollMax
		}
	}
}

func failureError(taskID string, meta *types.TaskMeta) error {
	if meta.Failure != nil {
		return &types.UserFault{
			Type:    meta.Failure.ExcType,
			Message: fmt.Sprintf("task %s failed: %s", taskID, meta.Failure.ExcMessage),
			Trace:   meta.Failure.ExcTraceback,
		}
	}
	return fmt.Errorf("task %s failed", taskID)
}
