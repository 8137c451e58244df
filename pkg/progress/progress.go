package progress

import (
	"sync"
	"time"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

// Sink receives every intermediate state the tracker publishes. The executor
// wires it to the result backend; tests capture it directly.
type Sink func(status types.Status, meta *types.ResultMeta)

// Tracker is the progress log owned by one running task. Steps carry a
// wall-clock duration measured between consecutive Next calls; the step in
// flight reports -1 until it is closed.
type Tracker struct {
	mu sync.Mutex

	total     int
	completed int
	steps     []types.Step
	timeInfo  types.TimeInfo
	shadow    string
	retry     int
	output    map[string]interface{}
	extra     map[string]interface{}

	stepStart time.Time
	sink      Sink
	now       func() time.Time
}

// New creates a tracker with request/started stamps taken from pc timing.
// A nil sink discards intermediate states.
func New(request *time.Time, sink Sink) *Tracker {
	t := &Tracker{
		total: 1,
		sink:  sink,
		now:   time.Now,
	}
	started := time.Now().UTC()
	t.timeInfo = types.TimeInfo{Request: request, Started: &started}
	return t
}

// SetTotal declares how many steps the task will report, clamped to at
// least one
func (t *Tracker) SetTotal(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n < 1 {
		n = 1
	}
	t.total = n
}

// SetShadow records the display alias of the task
func (t *Tracker) SetShadow(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shadow = name
}

// Next closes the step in flight and opens a new one, publishing the updated
// progress as RUNNING
func (t *Tracker) Next(info string) {
	t.mu.Lock()
	t.closeCurrentLocked()
	if len(t.steps) > 0 {
		t.completed++
	}
	t.steps = append(t.steps, types.Step{Info: info, Duration: -1})
	t.stepStart = t.now()
	meta := t.metaLocked()
	t.mu.Unlock()

	log.Logger.Debug().Str("step", info).Int("progress", meta.Progress).Msg("progress step")
	t.publish(types.StatusRunning, meta)
}

// Stop closes the last step, stamps the stop time and forces progress to
// 100. Extras are merged into the extra payload.
func (t *Tracker) Stop(extras map[string]interface{}) {
	t.mu.Lock()
	t.closeCurrentLocked()
	t.completed = t.total
	stopped := t.now().UTC()
	t.timeInfo.Stopped = &stopped
	for k, v := range extras {
		t.storeLocked(k, v)
	}
	t.mu.Unlock()
}

// Abort closes the step in flight and stamps the stop time, leaving the
// completed count where the failure caught it. A failed task must not
// report 100.
func (t *Tracker) Abort(extras map[string]interface{}) {
	t.mu.Lock()
	t.closeCurrentLocked()
	stopped := t.now().UTC()
	t.timeInfo.Stopped = &stopped
	for k, v := range extras {
		t.storeLocked(k, v)
	}
	t.mu.Unlock()
}

// Store merges a key into the extra payload and publishes as RUNNING
func (t *Tracker) Store(key string, value interface{}) {
	t.mu.Lock()
	t.storeLocked(key, value)
	meta := t.metaLocked()
	t.mu.Unlock()
	t.publish(types.StatusRunning, meta)
}

// Output records the task's result payload
func (t *Tracker) Output(result map[string]interface{}) {
	t.mu.Lock()
	t.output = result
	t.mu.Unlock()
}

// Retry records the retry ordinal and publishes it as RETRY
func (t *Tracker) Retry(n int) {
	t.mu.Lock()
	t.retry = n
	meta := t.metaLocked()
	t.mu.Unlock()
	t.publish(types.StatusRetry, meta)
}

// Percent returns floor(completed/total*100), capped at 100
func (t *Tracker) Percent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.percentLocked()
}

// Meta snapshots the tracker into a result meta record
func (t *Tracker) Meta() *types.ResultMeta {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metaLocked()
}

func (t *Tracker) storeLocked(key string, value interface{}) {
	if t.extra == nil {
		t.extra = map[string]interface{}{}
	}
	t.extra[key] = value
}

func (t *Tracker) closeCurrentLocked() {
	if len(t.steps) == 0 {
		return
	}
	last := &t.steps[len(t.steps)-1]
	if last.Duration < 0 {
		last.Duration = t.now().Sub(t.stepStart).Seconds()
	}
}

func (t *Tracker) percentLocked() int {
	if t.total < 1 {
		return 0
	}
	p := t.completed * 100 / t.total
	if p > 100 {
		p = 100
	}
	return p
}

func (t *Tracker) metaLocked() *types.ResultMeta {
	steps := make([]types.Step, len(t.steps))
	copy(steps, t.steps)
	ti := t.timeInfo
	return &types.ResultMeta{
		Progress:   t.percentLocked(),
		Steps:      steps,
		TimeInfo:   &ti,
		ShadowName: t.shadow,
		Retry:      t.retry,
		Output:     t.output,
		Extra:      t.extra,
	}
}

func (t *Tracker) publish(status types.Status, meta *types.ResultMeta) {
	if t.sink == nil {
		return
	}
	t.sink(status, meta)
}
