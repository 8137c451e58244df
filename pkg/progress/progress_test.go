package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixyz/scheduler/pkg/types"
)

type published struct {
	status types.Status
	meta   *types.ResultMeta
}

func newTestTracker() (*Tracker, *[]published) {
	var events []published
	tr := New(nil, func(status types.Status, meta *types.ResultMeta) {
		events = append(events, published{status, meta})
	})
	return tr, &events
}

func TestPercentFloors(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetTotal(3)

	tr.Next("load")
	assert.Equal(t, 0, tr.Percent())

	tr.Next("optimize")
	assert.Equal(t, 33, tr.Percent())

	tr.Next("export")
	assert.Equal(t, 66, tr.Percent())

	tr.Stop(nil)
	assert.Equal(t, 100, tr.Percent())
}

func TestSetTotalClampsToOne(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetTotal(0)
	tr.Stop(nil)
	assert.Equal(t, 100, tr.Percent())
}

func TestAbortFreezesPartialProgress(t *testing.T) {
	tr, _ := newTestTracker()
	tr.SetTotal(4)
	tr.Next("load")
	tr.Next("optimize")

	tr.Abort(nil)

	meta := tr.Meta()
	assert.Equal(t, 25, meta.Progress)
	require.Len(t, meta.Steps, 2)
	assert.GreaterOrEqual(t, meta.Steps[1].Duration, float64(0), "the step in flight is closed")
	require.NotNil(t, meta.TimeInfo.Stopped)
}

func TestStepDurations(t *testing.T) {
	tr, _ := newTestTracker()
	clock := time.Unix(1000, 0)
	tr.now = func() time.Time { return clock }

	tr.SetTotal(2)
	tr.Next("first")

	meta := tr.Meta()
	require.Len(t, meta.Steps, 1)
	assert.Equal(t, float64(-1), meta.Steps[0].Duration, "in-flight step reports -1")

	clock = clock.Add(1500 * time.Millisecond)
	tr.Next("second")

	meta = tr.Meta()
	require.Len(t, meta.Steps, 2)
	assert.Equal(t, 1.5, meta.Steps[0].Duration)
	assert.Equal(t, float64(-1), meta.Steps[1].Duration)

	clock = clock.Add(250 * time.Millisecond)
	tr.Stop(nil)
	meta = tr.Meta()
	assert.Equal(t, 0.25, meta.Steps[1].Duration)
	require.NotNil(t, meta.TimeInfo.Stopped)
}

func TestNextPublishesRunning(t *testing.T) {
	tr, events := newTestTracker()
	tr.SetTotal(2)
	tr.Next("step one")

	require.Len(t, *events, 1)
	assert.Equal(t, types.StatusRunning, (*events)[0].status)
	assert.Equal(t, "step one", (*events)[0].meta.Steps[0].Info)
}

func TestStoreAndStopExtras(t *testing.T) {
	tr, events := newTestTracker()
	tr.Store("frames", 42)
	tr.Stop(map[string]interface{}{"warnings": 1})

	meta := tr.Meta()
	assert.Equal(t, 42, meta.Extra["frames"])
	assert.Equal(t, 1, meta.Extra["warnings"])
	require.NotEmpty(t, *events)
}

func TestRetryPublishes(t *testing.T) {
	tr, events := newTestTracker()
	tr.Retry(1)

	require.Len(t, *events, 1)
	assert.Equal(t, types.StatusRetry, (*events)[0].status)
	assert.Equal(t, 1, (*events)[0].meta.Retry)
}

func TestOutputSurfacesInMeta(t *testing.T) {
	tr, _ := newTestTracker()
	tr.Output(map[string]interface{}{"crc": "abc123"})
	assert.Equal(t, "abc123", tr.Meta().Output["crc"])
}
