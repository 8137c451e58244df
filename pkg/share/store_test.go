package share

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestJobDirRejectsInvalidID(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"", "not-a-uuid", "../../etc", "1234"} {
		_, err := store.JobDir(id)
		assert.ErrorIs(t, err, types.ErrInvalidPath, id)
	}
}

func TestInputPathStaysInsideJob(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	path, err := store.InputPath(jobID, "model.fbx")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, filepath.Join(store.Root(), jobID)))

	_, err = store.InputPath(jobID, "../../outside.txt")
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	_, err = store.InputPath(jobID, "../"+uuid.NewString()+"/steal.txt")
	assert.ErrorIs(t, err, types.ErrInvalidPath)
}

func TestInputPathRejectsSymlinkEscape(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	inputs, err := store.InputDir(jobID)
	require.NoError(t, err)

	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(inputs, "link")))

	_, err = store.InputPath(jobID, "link/escaped.txt")
	assert.ErrorIs(t, err, types.ErrInvalidPath)
}

func TestOutputPathMustExist(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	_, err := store.OutputPath(jobID, "missing.png", true)
	assert.ErrorIs(t, err, types.ErrPathNotFound)

	dir, err := store.OutputDir(jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thumb.png"), []byte("png"), 0o644))

	path, err := store.OutputPath(jobID, "thumb.png", true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "thumb.png"), path)
}

func TestListOutputs(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	_, err := store.ListOutputs(jobID)
	assert.ErrorIs(t, err, types.ErrPathNotFound)

	dir, err := store.OutputDir(jobID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.obj"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.obj"), nil, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "textures"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "textures", "wood.png"), nil, 0o644))

	names, err := store.ListOutputs(jobID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.obj", "b.obj", "textures/wood.png"}, names,
		"folders are walked, not listed as outputs")
}

func TestStreamUpload(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	dst, err := store.InputPath(jobID, "scene.glb")
	require.NoError(t, err)

	n, err := store.StreamUpload(dst, strings.NewReader("binary scene data"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("binary scene data")), n)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "binary scene data", string(data))
}

func TestRemoveRefusesForeignDirectories(t *testing.T) {
	store := newTestStore(t)

	// a directory not named after a job UUID must never be deleted
	foreign := filepath.Join(store.Root(), "not-a-job")
	require.NoError(t, os.MkdirAll(foreign, 0o755))
	assert.ErrorIs(t, store.Remove(foreign, true), types.ErrInvalidPath)

	jobID := uuid.NewString()
	dir, err := store.JobDir(jobID)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, store.Remove(dir, true))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	// removing the same path twice converges instead of failing
	require.NoError(t, store.Remove(dir, true))
}

func TestStateMarkerLifecycle(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	marker := NewStateMarker(store, jobID, "packaging", time.Minute)

	held, err := marker.Held()
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, marker.Register("worker-1"))
	assert.ErrorIs(t, marker.Register("worker-2"), types.ErrStateExists)

	held, err = marker.Held()
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, marker.Unregister())
	require.NoError(t, marker.Register("worker-2"))
}

func TestStateMarkerExpires(t *testing.T) {
	store := newTestStore(t)
	jobID := uuid.NewString()

	marker := NewStateMarker(store, jobID, "packaging", time.Millisecond)
	require.NoError(t, marker.Register("worker-1"))

	time.Sleep(5 * time.Millisecond)

	held, err := marker.Held()
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, marker.Register("worker-2"))
}
