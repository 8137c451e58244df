package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/types"
)

func newRedisBackend(t *testing.T) *Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisFromClient(client, time.Hour)
}

func newBoltBackend(t *testing.T) *Bolt {
	t.Helper()
	b, err := NewBolt(filepath.Join(t.TempDir(), "backend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// backends under test share one behavior suite
func eachBackend(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Run("redis", func(t *testing.T) { fn(t, newRedisBackend(t)) })
	t.Run("bolt", func(t *testing.T) { fn(t, newBoltBackend(t)) })
}

func TestGetMissingTask(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		_, err := b.Get(context.Background(), "no-such-task")
		assert.ErrorIs(t, err, types.ErrTaskNotFound)
	})
}

func TestSetStateCreatesAndMerges(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusPending}))
		require.NoError(t, b.SetState(ctx, "t1", Patch{
			Status: types.StatusRunning,
			Result: map[string]interface{}{"progress": float64(40)},
		}))

		meta, err := b.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, meta.Status)
		assert.Equal(t, float64(40), meta.Result["progress"])
		assert.Nil(t, meta.DateDone)

		require.NoError(t, b.SetState(ctx, "t1", Patch{
			Status: types.StatusSuccess,
			Result: map[string]interface{}{"progress": float64(100)},
		}))
		meta, err = b.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusSuccess, meta.Status)
		require.NotNil(t, meta.DateDone)
	})
}

func TestTerminalStateIsWriteProtected(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusRevoked}))

		// a worker losing the race with revocation must not resurrect it
		require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusRunning}))
		meta, err := b.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusRevoked, meta.Status)

		// terminal over terminal is allowed
		require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusFailure}))
		meta, err = b.Get(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailure, meta.Status)
	})
}

func TestSetStateAppendsChildren(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.SetState(ctx, "parent", Patch{
			Status:   types.StatusStarted,
			Children: []string{"c1"},
		}))
		require.NoError(t, b.SetState(ctx, "parent", Patch{
			Status:   types.StatusRunning,
			Children: []string{"c2", "c3"},
		}))

		meta, err := b.Get(ctx, "parent")
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2", "c3"}, meta.Children)
	})
}

func TestListAndDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, b Backend) {
		ctx := context.Background()

		require.NoError(t, b.SetState(ctx, "a", Patch{Status: types.StatusPending}))
		require.NoError(t, b.SetState(ctx, "b", Patch{Status: types.StatusPending}))

		ids, err := b.ListTaskIDs(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, ids)

		require.NoError(t, b.Delete(ctx, "a"))
		require.NoError(t, b.Delete(ctx, "a"))
		_, err = b.Get(ctx, "a")
		assert.ErrorIs(t, err, types.ErrTaskNotFound)
	})
}

func TestBoltSubscribeSeesStateChanges(t *testing.T) {
	b := newBoltBackend(t)
	ctx := context.Background()

	events, cancel, err := b.Subscribe(ctx, "t1")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusStarted}))
	require.NoError(t, b.SetState(ctx, "t1", Patch{Status: types.StatusSuccess}))

	assert.Equal(t, types.StatusStarted, <-events)
	assert.Equal(t, types.StatusSuccess, <-events)
}

func TestChordBookkeeping(t *testing.T) {
	for name, b := range map[string]ChordBackend{
		"redis": newRedisBackend(t),
		"bolt":  newBoltBackend(t),
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.InitChord(ctx, "g1", 3))

			remaining, failed, err := b.ChildDone(ctx, "g1", false)
			require.NoError(t, err)
			assert.Equal(t, 2, remaining)
			assert.False(t, failed)

			remaining, failed, err = b.ChildDone(ctx, "g1", true)
			require.NoError(t, err)
			assert.Equal(t, 1, remaining)
			assert.True(t, failed)

			remaining, failed, err = b.ChildDone(ctx, "g1", false)
			require.NoError(t, err)
			assert.Equal(t, 0, remaining)
			assert.True(t, failed)

			require.NoError(t, b.ForgetChord(ctx, "g1"))
		})
	}
}

func TestRemoteGetAndPoll(t *testing.T) {
	state := types.StatusStarted
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		switch r.URL.Path {
		case "/backend/get_task_meta/t1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"task_id":"t1","status":"` + string(state) + `"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, "secret")
	defer remote.Close()

	meta, err := remote.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusStarted, meta.Status)

	_, err = remote.Get(context.Background(), "unknown")
	assert.ErrorIs(t, err, types.ErrTaskNotFound)

	events, cancel, err := remote.Subscribe(context.Background(), "t1")
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, types.StatusStarted, <-events)
	state = types.StatusSuccess
	assert.Equal(t, types.StatusSuccess, <-events)
	_, open := <-events
	assert.False(t, open)
}
