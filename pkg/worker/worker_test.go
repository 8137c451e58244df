package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/executor"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/runner"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/session"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/types"
)

type workerEnv struct {
	mr      *miniredis.Miniredis
	backend *backend.Redis
	broker  *broker.Broker
	exec    *executor.Executor
	session *session.Session
	tmpDir  string
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	be := backend.NewRedisFromClient(client, time.Hour)
	br := broker.NewFromClient(client)

	store, err := share.NewStore(t.TempDir())
	require.NoError(t, err)

	procDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "ok.js"),
		[]byte(`function main(pc, params) { return { ok: true }; }`), 0o644))

	se := session.New(nil, session.LicenseConfig{}, true)
	tmpDir := t.TempDir()
	exec := executor.New(be, br, store, script.NewLoader(procDir), runner.New(""), se,
		executor.Config{TimeLimit: 60, RetryTimeLimit: 120, TmpDir: tmpDir, InlineRunner: true})

	return &workerEnv{mr: mr, backend: be, broker: br, exec: exec, session: se, tmpDir: tmpDir}
}

func computeDelivery() types.Delivery {
	p := pc.New("ok", "main")
	pcMap, _ := p.ToMap()
	return types.Delivery{
		ID:    uuid.NewString(),
		Task:  types.TaskExecute,
		Queue: types.QueueCPU,
		PC:    pcMap,
	}
}

func TestWorkerRunsTaskAndStopsAtBudget(t *testing.T) {
	env := newWorkerEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d := computeDelivery()
	require.NoError(t, env.broker.Enqueue(ctx, d))

	w := New(Options{
		Queues:   []string{types.QueueCPU},
		MaxTasks: 1,
		TmpDir:   env.tmpDir,
	}, env.broker, env.backend, env.exec, env.session)

	require.NoError(t, w.Run(ctx))
	require.NoError(t, ctx.Err(), "the budget, not the deadline, must stop the worker")

	meta, err := env.backend.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, meta.Status)

	// no beacon left behind after a clean run
	matches, err := filepath.Glob(filepath.Join(env.tmpDir, beaconPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestWorkerObeysShutdownBroadcast(t *testing.T) {
	env := newWorkerEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := New(Options{Queues: []string{types.QueueCPU}, TmpDir: env.tmpDir},
		env.broker, env.backend, env.exec, env.session)

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// let the subscription establish before broadcasting
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, env.broker.Broadcast(ctx, broker.Command{Type: broker.CommandShutdown}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("worker ignored the shutdown command")
	}
}

func TestManagementFailureRequeuesWithDelay(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()

	d := types.Delivery{
		ID:            uuid.NewString(),
		Task:          "not-a-task",
		Queue:         types.QueueMaintenance,
		ManagementAck: true,
	}
	require.NoError(t, env.broker.Enqueue(ctx, d))

	w := New(Options{Queues: []string{types.QueueMaintenance}, TmpDir: env.tmpDir},
		env.broker, env.backend, env.exec, env.session)

	c := broker.NewConsumer(env.broker, []string{types.QueueMaintenance}, w.ID())
	popped, ack, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, ack)

	w.handleDelivery(ctx, popped, ack, 0)

	assert.True(t, env.mr.Exists("queue:maintenance:delayed"), "the failed delivery waits out its countdown")
	assert.False(t, env.mr.Exists("unacked:maintenance:"+w.ID()), "the backup copy is acknowledged")
}

func TestBeaconRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := newBeacon(dir, "host-1", 0)

	d := computeDelivery()
	require.NoError(t, b.Write(&d))

	data, err := os.ReadFile(b.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), d.ID)

	require.NoError(t, b.Remove())
	require.NoError(t, b.Remove(), "removing a missing beacon is not an error")
}

func TestRecoverFailsCrashedTasks(t *testing.T) {
	env := newWorkerEnv(t)
	ctx := context.Background()
	dir := t.TempDir()

	d := computeDelivery()
	require.NoError(t, env.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusStarted}))
	require.NoError(t, newBeacon(dir, "dead-worker", 0).Write(&d))

	// a malformed beacon must not stop the scan
	require.NoError(t, os.WriteFile(filepath.Join(dir, beaconPrefix+"junk"), []byte("{"), 0o644))

	recovered, err := Recover(ctx, dir, env.backend, env.broker)
	require.NoError(t, err)
	assert.Equal(t, []string{d.ID}, recovered)

	meta, err := env.backend.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailure, meta.Status)
	require.NotNil(t, meta.Failure)
	assert.Equal(t, "SystemError", meta.Failure.ExcType)
	assert.Equal(t, "Not enough memory or segfault", meta.Failure.ExcMessage)

	revoked, err := env.broker.IsRevoked(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	matches, err := filepath.Glob(filepath.Join(dir, beaconPrefix+"*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "processed beacons are removed")
}

func TestRecoverOnEmptyDirectory(t *testing.T) {
	env := newWorkerEnv(t)
	recovered, err := Recover(context.Background(), t.TempDir(), env.backend, env.broker)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}
