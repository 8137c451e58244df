package orchestration

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/types"
)

// chordChildrenKey carries the ordered child ids inside the chord body
// callback so the dispatching worker can collect their results
const chordChildrenKey = "chord_children"

// Coordinator wires subtask launching and completion bookkeeping. There is
// no central process behind it: chains and chords travel inside the
// deliveries themselves, and whichever worker finishes a task dispatches
// what follows.
type Coordinator struct {
	backend backend.Backend
	chords  backend.ChordBackend
	broker  *broker.Broker
	waiter  *Waiter
}

// New builds a coordinator. be must also implement ChordBackend for chord
// dispatch; read-only backends cannot coordinate.
func New(be backend.Backend, chords backend.ChordBackend, br *broker.Broker) *Coordinator {
	return &Coordinator{
		backend: be,
		chords:  chords,
		broker:  br,
		waiter:  NewWaiter(be),
	}
}

// ForTask returns the launcher bound to the task currently running
func (c *Coordinator) ForTask(d *types.Delivery, p *pc.ProgramContext) script.Launcher {
	return &taskLauncher{coord: c, parent: d, parentPC: p}
}

// taskLauncher is the script-facing side of the coordinator: every launched
// subtask inherits the parent's program context and is recorded as its child
type taskLauncher struct {
	coord    *Coordinator
	parent   *types.Delivery
	parentPC *pc.ProgramContext
}

func (l *taskLauncher) Subtask(ctx context.Context, spec script.SubtaskSpec) (string, error) {
	d, err := l.buildDelivery(spec)
	if err != nil {
		return "", err
	}
	if err := l.dispatch(ctx, d); err != nil {
		return "", err
	}
	return d.ID, nil
}

// Chain launches the first spec now with the rest embedded as callbacks.
// The returned id is the final link's, the one whose result is the chain's.
func (l *taskLauncher) Chain(ctx context.Context, specs []script.SubtaskSpec) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("empty chain")
	}
	head, err := l.buildDelivery(specs[0])
	if err != nil {
		return "", err
	}
	for _, spec := range specs[1:] {
		cb, err := l.buildCallback(spec)
		if err != nil {
			return "", err
		}
		head.Chain = append(head.Chain, cb)
	}
	// pending links become visible before the head runs
	for _, cb := range head.Chain {
		_ = l.coord.backend.SetState(ctx, cb.ID, backend.Patch{
			Status:   types.StatusPending,
			ParentID: l.parent.ID,
		})
	}
	if err := l.dispatch(ctx, head); err != nil {
		return "", err
	}
	if len(head.Chain) > 0 {
		return head.Chain[len(head.Chain)-1].ID, nil
	}
	return head.ID, nil
}

func (l *taskLauncher) Group(ctx context.Context, specs []script.SubtaskSpec) (string, []string, error) {
	if len(specs) == 0 {
		return "", nil, fmt.Errorf("empty group")
	}
	groupID := uuid.NewString()
	ids := make([]string, 0, len(specs))
	deliveries := make([]types.Delivery, 0, len(specs))
	for _, spec := range specs {
		d, err := l.buildDelivery(spec)
		if err != nil {
			return "", nil, err
		}
		d.GroupID = groupID
		ids = append(ids, d.ID)
		deliveries = append(deliveries, *d)
	}
	for i := range deliveries {
		if err := l.dispatch(ctx, &deliveries[i]); err != nil {
			return "", nil, err
		}
	}
	return groupID, ids, nil
}

// Chord launches specs as a group whose last finisher dispatches body with
// the ordered child results. The returned id is the body's.
func (l *taskLauncher) Chord(ctx context.Context, specs []script.SubtaskSpec, body script.SubtaskSpec) (string, error) {
	if len(specs) == 0 {
		return "", fmt.Errorf("empty chord")
	}
	groupID := uuid.NewString()

	bodyCb, err := l.buildCallback(body)
	if err != nil {
		return "", err
	}
	if bodyCb.Queue == "" {
		bodyCb.Queue = types.QueueControl
	}

	ids := make([]string, 0, len(specs))
	deliveries := make([]types.Delivery, 0, len(specs))
	for _, spec := range specs {
		d, err := l.buildDelivery(spec)
		if err != nil {
			return "", err
		}
		d.GroupID = groupID
		ids = append(ids, d.ID)
		deliveries = append(deliveries, *d)
	}
	if bodyCb.Params == nil {
		bodyCb.Params = map[string]interface{}{}
	}
	bodyCb.Params[chordChildrenKey] = ids
	for i := range deliveries {
		deliveries[i].ChordBody = &bodyCb
	}

	if err := l.coord.chords.InitChord(ctx, groupID, len(specs)); err != nil {
		return "", err
	}
	_ = l.coord.backend.SetState(ctx, bodyCb.ID, backend.Patch{
		Status:   types.StatusPending,
		ParentID: l.parent.ID,
		GroupID:  groupID,
	})
	for i := range deliveries {
		if err := l.dispatch(ctx, &deliveries[i]); err != nil {
			return "", err
		}
	}
	return bodyCb.ID, nil
}

func (l *taskLauncher) Wait(ctx context.Context, taskID string, timeout int) (map[string]interface{}, error) {
	return l.coord.waiter.Wait(ctx, taskID, timeout)
}

func (l *taskLauncher) buildDelivery(spec script.SubtaskSpec) (*types.Delivery, error) {
	child := l.parentPC.Clone()
	child.Entrypoint = spec.Entrypoint
	if spec.Script != "" {
		child.Script = spec.Script
	}
	if spec.TimeLimit > 0 {
		child.TimeLimit = spec.TimeLimit
	}
	queue := spec.Queue
	if queue == "" {
		queue = l.parent.Queue
	}
	child.Queue = queue

	pcMap, err := child.ToMap()
	if err != nil {
		return nil, err
	}
	return &types.Delivery{
		ID:     uuid.NewString(),
		Task:   types.TaskExecute,
		Queue:  queue,
		PC:     pcMap,
		Params: spec.Params,
	}, nil
}

func (l *taskLauncher) buildCallback(spec script.SubtaskSpec) (types.Callback, error) {
	scriptName := spec.Script
	if scriptName == "" {
		scriptName = l.parentPC.Script
	}
	if spec.Entrypoint == "" {
		return types.Callback{}, fmt.Errorf("callback needs an entrypoint")
	}
	return types.Callback{
		ID:         uuid.NewString(),
		Script:     scriptName,
		Entrypoint: spec.Entrypoint,
		Queue:      spec.Queue,
		Params:     spec.Params,
	}, nil
}

// dispatch records the SENT state with parent linkage and enqueues
func (l *taskLauncher) dispatch(ctx context.Context, d *types.Delivery) error {
	_ = l.coord.backend.SetState(ctx, d.ID, backend.Patch{
		Status:   types.StatusSent,
		ParentID: l.parent.ID,
		GroupID:  d.GroupID,
	})
	_ = l.coord.backend.SetState(ctx, l.parent.ID, backend.Patch{
		Status:   types.StatusRunning,
		Children: []string{d.ID},
	})
	return l.coord.broker.Enqueue(ctx, *d)
}

// TaskFinished advances the orchestration riding on a finished delivery:
// chain links dispatch on success, abort on failure; chord children count
// down and the last one dispatches (or fails) the body.
func (c *Coordinator) TaskFinished(ctx context.Context, d *types.Delivery, status types.Status, result map[string]interface{}) {
	if !status.Terminal() {
		return
	}

	chainDone := len(d.Chain) == 0
	if !chainDone {
		if status == types.StatusSuccess {
			c.dispatchChainLink(ctx, d, result)
			return // the chain is still running, chord accounting waits
		}
		c.abortChain(ctx, d, status)
		chainDone = true
	}

	if chainDone && d.GroupID != "" && d.ChordBody != nil {
		c.chordChildDone(ctx, d, status != types.StatusSuccess)
	}
}

// dispatchChainLink launches the next link, handing it the finished link's
// result under params["previous_result"]
func (c *Coordinator) dispatchChainLink(ctx context.Context, d *types.Delivery, result map[string]interface{}) {
	next := d.Chain[0]

	params := map[string]interface{}{}
	for k, v := range next.Params {
		params[k] = v
	}
	if result != nil {
		params["previous_result"] = result
	}

	p, err := pc.FromMap(d.PC)
	if err != nil {
		log.Logger.Error().Err(err).Str("task_id", next.ID).Msg("chain link has no usable context")
		return
	}
	child := p.Clone()
	child.Script = next.Script
	child.Entrypoint = next.Entrypoint

	queue := next.Queue
	if queue == "" {
		queue = d.Queue
	}
	child.Queue = queue
	pcMap, err := child.ToMap()
	if err != nil {
		log.Logger.Error().Err(err).Str("task_id", next.ID).Msg("failed to encode chain context")
		return
	}

	link := types.Delivery{
		ID:     next.ID,
		Task:   types.TaskExecute,
		Queue:  queue,
		PC:     pcMap,
		Params: params,
		// the rest of the chain and the chord bookkeeping ride along
		Chain:     d.Chain[1:],
		GroupID:   d.GroupID,
		ChordBody: d.ChordBody,
	}
	_ = c.backend.SetState(ctx, next.ID, backend.Patch{Status: types.StatusSent, ParentID: d.ID})
	if err := c.broker.Enqueue(ctx, link); err != nil {
		log.Logger.Error().Err(err).Str("task_id", next.ID).Msg("failed to dispatch chain link")
	}
}

// abortChain fails every pending link of a broken chain so watchers see a
// terminal state instead of PENDING forever
func (c *Coordinator) abortChain(ctx context.Context, d *types.Delivery, status types.Status) {
	for _, cb := range d.Chain {
		_ = c.backend.SetState(ctx, cb.ID, backend.Patch{
			Status: types.StatusFailure,
			Failure: &types.FailureMeta{
				ExcType:    "ChainAborted",
				ExcModule:  "scheduler",
				ExcMessage: fmt.Sprintf("upstream task %s finished %s", d.ID, status),
			},
		})
	}
}

func (c *Coordinator) chordChildDone(ctx context.Context, d *types.Delivery, failed bool) {
	remaining, anyFailed, err := c.chords.ChildDone(ctx, d.GroupID, failed)
	if err != nil {
		log.Logger.Error().Err(err).Str("group_id", d.GroupID).Msg("chord bookkeeping failed")
		return
	}
	if remaining > 0 {
		return
	}
	defer func() {
		if err := c.chords.ForgetChord(ctx, d.GroupID); err != nil {
			log.Logger.Warn().Err(err).Str("group_id", d.GroupID).Msg("failed to forget chord")
		}
	}()

	body := d.ChordBody
	if anyFailed {
		_ = c.backend.SetState(ctx, body.ID, backend.Patch{
			Status: types.StatusFailure,
			Failure: &types.FailureMeta{
				ExcType:    "ChordError",
				ExcModule:  "scheduler",
				ExcMessage: fmt.Sprintf("one or more tasks of group %s failed", d.GroupID),
			},
		})
		return
	}
	c.dispatchChordBody(ctx, d, body)
}

// dispatchChordBody collects the ordered child results and enqueues the body
func (c *Coordinator) dispatchChordBody(ctx context.Context, d *types.Delivery, body *types.Callback) {
	params := map[string]interface{}{}
	for k, v := range body.Params {
		params[k] = v
	}

	var results []interface{}
	if ids, ok := childIDs(body.Params[chordChildrenKey]); ok {
		for _, id := range ids {
			meta, err := c.backend.Get(ctx, id)
			if err != nil {
				log.Logger.Warn().Err(err).Str("task_id", id).Msg("chord child result missing")
				results = append(results, nil)
				continue
			}
			results = append(results, chordChildResult(meta))
		}
	}
	params["results"] = results
	delete(params, chordChildrenKey)

	p, err := pc.FromMap(d.PC)
	if err != nil {
		log.Logger.Error().Err(err).Str("task_id", body.ID).Msg("chord body has no usable context")
		return
	}
	child := p.Clone()
	child.Script = body.Script
	child.Entrypoint = body.Entrypoint
	queue := body.Queue
	if queue == "" {
		queue = types.QueueControl
	}
	child.Queue = queue
	pcMap, err := child.ToMap()
	if err != nil {
		log.Logger.Error().Err(err).Str("task_id", body.ID).Msg("failed to encode chord body context")
		return
	}

	_ = c.backend.SetState(ctx, body.ID, backend.Patch{Status: types.StatusSent, GroupID: d.GroupID})
	if err := c.broker.Enqueue(ctx, types.Delivery{
		ID:     body.ID,
		Task:   types.TaskExecute,
		Queue:  queue,
		PC:     pcMap,
		Params: params,
	}); err != nil {
		log.Logger.Error().Err(err).Str("task_id", body.ID).Msg("failed to dispatch chord body")
	}
}

// chordChildResult unwraps the stored envelope down to the value the body
// cares about
func chordChildResult(meta *types.TaskMeta) interface{} {
	if meta.Result == nil {
		return nil
	}
	if inner, ok := meta.Result["result"]; ok {
		return inner
	}
	return meta.Result
}

// childIDs tolerates both []string and the []interface{} JSON round-trips
// produce
func childIDs(v interface{}) ([]string, bool) {
	switch ids := v.(type) {
	case []string:
		return ids, true
	case []interface{}:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
