package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/types"
)

type coordEnv struct {
	coord   *Coordinator
	backend *backend.Redis
	broker  *broker.Broker
}

func newCoordEnv(t *testing.T) *coordEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	be := backend.NewRedisFromClient(client, time.Hour)
	br := broker.NewFromClient(client)
	return &coordEnv{coord: New(be, be, br), backend: be, broker: br}
}

func parentTask() (*types.Delivery, *pc.ProgramContext) {
	p := pc.New("parent", "main")
	p.Data["shared"] = "value"
	pcMap, _ := p.ToMap()
	return &types.Delivery{
		ID:    "parent-1",
		Task:  types.TaskExecute,
		Queue: types.QueueCPU,
		PC:    pcMap,
	}, p
}

func popDelivery(t *testing.T, br *broker.Broker, queue string) *types.Delivery {
	t.Helper()
	c := broker.NewConsumer(br, []string{queue}, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, _, err := c.Next(ctx)
	require.NoError(t, err)
	return d
}

func TestSubtaskInheritsContextAndRecordsLineage(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	id, err := launcher.Subtask(ctx, script.SubtaskSpec{
		Script:     "child",
		Entrypoint: "run",
		Queue:      types.QueueGPU,
		Params:     map[string]interface{}{"n": 1},
	})
	require.NoError(t, err)

	d := popDelivery(t, env.broker, types.QueueGPU)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, types.TaskExecute, d.Task)

	childPC, err := pc.FromMap(d.PC)
	require.NoError(t, err)
	assert.Equal(t, "child", childPC.Script)
	assert.Equal(t, "run", childPC.Entrypoint)
	assert.Equal(t, "value", childPC.Data["shared"], "subtasks inherit the parent data")

	meta, err := env.backend.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSent, meta.Status)
	assert.Equal(t, parent.ID, meta.ParentID)

	parentMeta, err := env.backend.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Contains(t, parentMeta.Children, id)
}

func TestSubtaskDefaultsToParentQueue(t *testing.T) {
	env := newCoordEnv(t)
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	_, err := launcher.Subtask(context.Background(), script.SubtaskSpec{Entrypoint: "run"})
	require.NoError(t, err)

	d := popDelivery(t, env.broker, types.QueueCPU)
	assert.Equal(t, types.QueueCPU, d.Queue)
}

func TestChainRunsLinksInOrder(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	finalID, err := launcher.Chain(ctx, []script.SubtaskSpec{
		{Script: "steps", Entrypoint: "first"},
		{Script: "steps", Entrypoint: "second"},
		{Script: "steps", Entrypoint: "third"},
	})
	require.NoError(t, err)

	head := popDelivery(t, env.broker, types.QueueCPU)
	require.Len(t, head.Chain, 2)
	assert.Equal(t, finalID, head.Chain[1].ID)

	// pending links are visible before they run
	meta, err := env.backend.Get(ctx, finalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, meta.Status)

	env.coord.TaskFinished(ctx, head, types.StatusSuccess,
		map[string]interface{}{"result": map[string]interface{}{"count": float64(1)}})

	second := popDelivery(t, env.broker, types.QueueCPU)
	assert.Equal(t, head.Chain[0].ID, second.ID)
	require.Len(t, second.Chain, 1)
	assert.Equal(t, finalID, second.Chain[0].ID)
	assert.Contains(t, second.Params, "previous_result", "links receive the upstream result")

	secondPC, err := pc.FromMap(second.PC)
	require.NoError(t, err)
	assert.Equal(t, "second", secondPC.Entrypoint)

	env.coord.TaskFinished(ctx, second, types.StatusSuccess, nil)
	third := popDelivery(t, env.broker, types.QueueCPU)
	assert.Equal(t, finalID, third.ID)
	assert.Empty(t, third.Chain)
}

func TestChainAbortsPendingLinksOnFailure(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	_, err := launcher.Chain(ctx, []script.SubtaskSpec{
		{Script: "steps", Entrypoint: "first"},
		{Script: "steps", Entrypoint: "second"},
	})
	require.NoError(t, err)

	head := popDelivery(t, env.broker, types.QueueCPU)
	env.coord.TaskFinished(ctx, head, types.StatusFailure, nil)

	meta, err := env.backend.Get(ctx, head.Chain[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailure, meta.Status)
	require.NotNil(t, meta.Failure)
	assert.Equal(t, "ChainAborted", meta.Failure.ExcType)

	depth, err := env.broker.QueueDepth(ctx, types.QueueCPU)
	require.NoError(t, err)
	assert.Zero(t, depth, "a broken chain must not dispatch further links")
}

func TestGroupDispatchesAllChildren(t *testing.T) {
	env := newCoordEnv(t)
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	groupID, ids, err := launcher.Group(context.Background(), []script.SubtaskSpec{
		{Entrypoint: "a"}, {Entrypoint: "b"}, {Entrypoint: "c"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	for i := 0; i < 3; i++ {
		d := popDelivery(t, env.broker, types.QueueCPU)
		assert.Equal(t, ids[i], d.ID)
		assert.Equal(t, groupID, d.GroupID)
	}
}

func TestChordBodyRunsAfterLastChild(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	bodyID, err := launcher.Chord(ctx, []script.SubtaskSpec{
		{Entrypoint: "part", Params: map[string]interface{}{"i": 0}},
		{Entrypoint: "part", Params: map[string]interface{}{"i": 1}},
	}, script.SubtaskSpec{Entrypoint: "merge"})
	require.NoError(t, err)

	children := []*types.Delivery{
		popDelivery(t, env.broker, types.QueueCPU),
		popDelivery(t, env.broker, types.QueueCPU),
	}

	for i, child := range children {
		require.NoError(t, env.backend.SetState(ctx, child.ID, backend.Patch{
			Status: types.StatusSuccess,
			Result: map[string]interface{}{"result": map[string]interface{}{"part": float64(i)}},
		}))
	}

	env.coord.TaskFinished(ctx, children[0], types.StatusSuccess, nil)
	depth, err := env.broker.QueueDepth(ctx, types.QueueControl)
	require.NoError(t, err)
	assert.Zero(t, depth, "the body waits for the whole group")

	env.coord.TaskFinished(ctx, children[1], types.StatusSuccess, nil)

	body := popDelivery(t, env.broker, types.QueueControl)
	assert.Equal(t, bodyID, body.ID)

	results, ok := body.Params["results"].([]interface{})
	require.True(t, ok)
	require.Len(t, results, 2)
	first, ok := results[0].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(0), first["part"], "results keep the group order")
}

func TestChordFailureLatchesBody(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	parent, parentPC := parentTask()
	launcher := env.coord.ForTask(parent, parentPC)

	bodyID, err := launcher.Chord(ctx, []script.SubtaskSpec{
		{Entrypoint: "part"}, {Entrypoint: "part"},
	}, script.SubtaskSpec{Entrypoint: "merge"})
	require.NoError(t, err)

	children := []*types.Delivery{
		popDelivery(t, env.broker, types.QueueCPU),
		popDelivery(t, env.broker, types.QueueCPU),
	}

	env.coord.TaskFinished(ctx, children[0], types.StatusFailure, nil)
	env.coord.TaskFinished(ctx, children[1], types.StatusSuccess, nil)

	meta, err := env.backend.Get(ctx, bodyID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailure, meta.Status)
	require.NotNil(t, meta.Failure)
	assert.Equal(t, "ChordError", meta.Failure.ExcType)

	depth, err := env.broker.QueueDepth(ctx, types.QueueControl)
	require.NoError(t, err)
	assert.Zero(t, depth, "a failed chord never runs its body")
}

func TestWaiterReturnsResult(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	w := NewWaiter(env.backend)
	w.pollBase = 10 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = env.backend.SetState(ctx, "t1", backend.Patch{
			Status: types.StatusSuccess,
			Result: map[string]interface{}{"done": true},
		})
	}()

	result, err := w.Wait(ctx, "t1", 5)
	require.NoError(t, err)
	assert.Equal(t, true, result["done"])
}

func TestWaiterSurfacesFailure(t *testing.T) {
	env := newCoordEnv(t)
	ctx := context.Background()
	w := NewWaiter(env.backend)
	w.pollBase = 10 * time.Millisecond

	require.NoError(t, env.backend.SetState(ctx, "t2", backend.Patch{
		Status:  types.StatusFailure,
		Failure: &types.FailureMeta{ExcType: "ValueError", ExcMessage: "bad input"},
	}))

	_, err := w.Wait(ctx, "t2", 5)
	require.Error(t, err)
	var user *types.UserFault
	require.ErrorAs(t, err, &user)
	assert.Equal(t, "ValueError", user.Type)
}

func TestWaiterTimesOut(t *testing.T) {
	env := newCoordEnv(t)
	w := NewWaiter(env.backend)
	w.pollBase = 10 * time.Millisecond

	_, err := w.Wait(context.Background(), "never", 1)
	assert.ErrorIs(t, err, types.ErrTaskNotCompleted)
}
