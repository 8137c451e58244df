package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/types"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFromClient(client), mr
}

func TestEnqueueAndConsume(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, types.Delivery{
		ID:    "t1",
		Task:  types.TaskExecute,
		Queue: types.QueueCPU,
	}))

	depth, err := b.QueueDepth(ctx, types.QueueCPU)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	c := NewConsumer(b, []string{types.QueueCPU}, "test-1")
	d, ack, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, ack, "compute deliveries are early-ack")
	assert.Equal(t, "t1", d.ID)
	assert.Equal(t, types.QueueCPU, d.Queue)

	depth, err = b.QueueDepth(ctx, types.QueueCPU)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestConsumeIsFIFO(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, types.Delivery{ID: id, Task: types.TaskExecute, Queue: types.QueueGPU}))
	}

	c := NewConsumer(b, []string{types.QueueGPU}, "test-1")
	for _, want := range []string{"a", "b", "c"} {
		d, _, err := c.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, d.ID)
	}
}

func TestDelayedDeliveryPromotion(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	eta := time.Now().Add(time.Hour)
	require.NoError(t, b.Enqueue(ctx, types.Delivery{
		ID:    "later",
		Task:  types.TaskCleanup,
		Queue: types.QueueMaintenance,
		ETA:   &eta,
	}))

	// not visible before the ETA
	depth, err := b.QueueDepth(ctx, types.QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	c := NewConsumer(b, []string{types.QueueMaintenance}, "test-1")
	popCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, _, err = c.Next(popCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// rewrite the delayed score into the past and consume
	delayedKey := queueKeyPrefix + types.QueueMaintenance + delayedKeySuffix
	members, err := b.client.ZRange(ctx, delayedKey, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, members, 1)
	past := float64(time.Now().Add(-time.Second).UnixMilli())
	require.NoError(t, b.client.ZAdd(ctx, delayedKey, redis.Z{Score: past, Member: members[0]}).Err())

	d, ack, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, "later", d.ID)
	require.NoError(t, ack.Done(ctx))
}

func TestLateAckBackupAndRestore(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, types.Delivery{
		ID:    "m1",
		Task:  types.TaskPackage,
		Queue: types.QueueArchive,
	}))

	c := NewConsumer(b, []string{types.QueueArchive}, "crashy")
	d, ack, err := c.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, ack, "management deliveries are late-ack")
	assert.Equal(t, "m1", d.ID)

	// consumer dies without acking; a fresh instance restores the delivery
	// with a retry countdown
	c2 := NewConsumer(b, []string{types.QueueArchive}, "crashy")
	require.NoError(t, c2.Restore(ctx))

	delayed, err := b.client.ZCard(ctx, queueKeyPrefix+types.QueueArchive+delayedKeySuffix).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), delayed)
}

func TestRestoreDropsExhaustedDeliveries(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, types.Delivery{
		ID:      "worn-out",
		Task:    types.TaskCleanup,
		Queue:   types.QueueMaintenance,
		Retries: managementMaxRetries,
	}))

	c := NewConsumer(b, []string{types.QueueMaintenance}, "test-1")
	_, _, err := c.Next(ctx)
	require.NoError(t, err)

	require.NoError(t, c.Restore(ctx))

	depth, err := b.QueueDepth(ctx, types.QueueMaintenance)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
	delayed, err := b.client.ZCard(ctx, queueKeyPrefix+types.QueueMaintenance+delayedKeySuffix).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), delayed)
}

func TestRevocation(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	revoked, err := b.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, b.Revoke(ctx, "t1"))
	revoked, err = b.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRouting(t *testing.T) {
	assert.Equal(t, types.QueueGPU, RouteQueue(types.QueueGPU, types.QueueCPU))
	assert.Equal(t, types.QueueGPU, RouteQueue("", types.QueueGPU))
	assert.Equal(t, types.QueueCPU, RouteQueue("", ""))

	assert.Equal(t, types.QueueGPUHigh, RetryQueue(types.QueueCPU))
	assert.Equal(t, types.QueueGPUHigh, RetryQueue(types.QueueGPU))
	assert.Equal(t, types.QueueGPUHigh, RetryQueue(types.QueueGPUHigh))
	assert.Equal(t, types.QueueControl, RetryQueue(types.QueueControl))

	assert.True(t, ValidQueue(types.QueueArchive))
	assert.False(t, ValidQueue("turbo"))

	assert.True(t, LateAck(types.QueueMaintenance))
	assert.False(t, LateAck(types.QueueCPU))
}

func TestPurgeQueue(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	eta := time.Now().Add(time.Hour)
	require.NoError(t, b.Enqueue(ctx, types.Delivery{ID: "a", Task: types.TaskExecute, Queue: types.QueueCPU}))
	require.NoError(t, b.Enqueue(ctx, types.Delivery{ID: "b", Task: types.TaskExecute, Queue: types.QueueCPU, ETA: &eta}))

	n, err := b.PurgeQueue(ctx, types.QueueCPU)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
