package types

import (
	"regexp"
	"time"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusSent     Status = "SENT"
	StatusPending  Status = "PENDING"
	StatusReceived Status = "RECEIVED"
	StatusStarted  Status = "STARTED"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusRetry    Status = "RETRY"
	StatusRevoked  Status = "REVOKED"
	StatusUnknown  Status = "UNKNOWN"
)

// Terminal reports whether a task in this status will never transition again
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked:
		return true
	}
	return false
}

// Queue names. Each queue maps to a worker pool with its own resource class.
const (
	QueueCPU         = "cpu"
	QueueGPU         = "gpu"
	QueueGPUHigh     = "gpuhigh" // retry queue with extended time limits
	QueueArchive     = "archive"
	QueueMaintenance = "maintenance"
	QueueControl     = "control" // waiters and chord bodies, never compute
)

// jobIDPattern matches a version-4 style UUID, the only accepted job id format
var jobIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// IsValidJobID reports whether id has the canonical UUID shape
func IsValidJobID(id string) bool {
	return jobIDPattern.MatchString(id)
}

// Step is one entry of a job's progress log. Duration is -1 while the step
// is still in flight.
type Step struct {
	Info     string  `json:"info"`
	Duration float64 `json:"duration"`
}

// TimeInfo tracks the request/started/stopped timestamps of a task.
// Stopped stays nil until the task reaches a terminal state.
type TimeInfo struct {
	Request *time.Time `json:"request"`
	Started *time.Time `json:"started"`
	Stopped *time.Time `json:"stopped"`
}

// ResultMeta is the dict the executor accumulates inside TaskMeta.Result
// while a task runs: progress, steps, timing, retry count and the final
// result payload.
type ResultMeta struct {
	Progress   int                    `json:"progress,omitempty"`
	Steps      []Step                 `json:"steps,omitempty"`
	TimeInfo   *TimeInfo              `json:"time_info,omitempty"`
	ShadowName string                 `json:"shadow_name,omitempty"`
	Retry      int                    `json:"retry,omitempty"`
	Output     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// FailureMeta is stored in place of a result when a task fails
type FailureMeta struct {
	ExcType      string   `json:"exc_type"`
	ExcModule    string   `json:"exc_module,omitempty"`
	ExcMessage   string   `json:"exc_message"`
	ExcTraceback []string `json:"exc_traceback,omitempty"`
}

// TaskMeta is the record stored in the result backend under task-meta:<id>
type TaskMeta struct {
	TaskID   string                 `json:"task_id"`
	Status   Status                 `json:"status"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Failure  *FailureMeta           `json:"failure,omitempty"`
	Trace    string                 `json:"traceback,omitempty"`
	Children []string               `json:"children,omitempty"`
	ParentID string                 `json:"parent_id,omitempty"`
	GroupID  string                 `json:"group_id,omitempty"`
	DateDone *time.Time             `json:"date_done,omitempty"`
}

// JobState is the short status view returned by the jobs endpoints
type JobState struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name,omitempty"`
	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// JobDetails extends JobState with timing, steps and the result payload
type JobDetails struct {
	JobState
	TimeInfo TimeInfo               `json:"time_info"`
	Steps    []Step                 `json:"steps"`
	Retry    int                    `json:"retry"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// TaskInfo is the crash beacon payload written before a task executes so a
// recovery process can fail the task if the worker dies mid-run
type TaskInfo struct {
	TaskID     string                 `json:"task_id"`
	Name       string                 `json:"name"`
	Queue      string                 `json:"queue"`
	Params     map[string]interface{} `json:"params,omitempty"`
	MaxRetries int                    `json:"max_retries"`
	Retries    int                    `json:"retries"`
}

// ScheduleDirective carries the scheduling metadata extracted from a user
// script's schedule(...) marker. Nil pointer fields mean "not specified".
type ScheduleDirective struct {
	Queue     string `json:"queue,omitempty"`
	Wait      bool   `json:"wait,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`    // seconds, wait timeout
	TimeLimit int    `json:"time_limit,omitempty"` // seconds, task wall clock
}

// Callback names a follow-up execution embedded in a delivery: the next
// link of a chain or the body of a chord. The id is allocated up front so
// clients can watch it before it runs.
type Callback struct {
	ID         string                 `json:"id"`
	Script     string                 `json:"script"`
	Entrypoint string                 `json:"entrypoint"`
	Queue      string                 `json:"queue,omitempty"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Delivery is one broker message: a task name plus its serialized program
// context and parameters, along with routing, retry and orchestration
// bookkeeping. Chains and chords travel inside the message itself, so any
// worker finishing a task can dispatch what follows.
type Delivery struct {
	ID      string                 `json:"id"`
	Task    string                 `json:"task"`
	Queue   string                 `json:"queue"`
	PC      map[string]interface{} `json:"pc,omitempty"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Args    []interface{}          `json:"args,omitempty"`
	Retries int                    `json:"retries"`
	ETA     *time.Time             `json:"eta,omitempty"`
	// ManagementAck selects late acknowledgement with automatic retry,
	// used by cleanup and packaging tasks. Compute tasks ack early so a
	// segfaulting payload cannot be redelivered forever.
	ManagementAck bool `json:"management_ack,omitempty"`

	// Chain holds the links still to run after this delivery succeeds
	Chain []Callback `json:"chain,omitempty"`
	// GroupID ties the delivery to a group; with ChordBody set, the last
	// finishing child dispatches the body
	GroupID   string    `json:"group_id,omitempty"`
	ChordBody *Callback `json:"chord_body,omitempty"`
}

// SupportedArchive maps the accepted packaging formats to the file
// extension they produce
var SupportedArchive = map[string]string{
	"zip":   "zip",
	"tar":   "tar",
	"gztar": "tar.gz",
}

// Task names routed through the broker
const (
	TaskExecute = "execute"
	TaskCleanup = "cleanup_share_file"
	TaskPackage = "package_outputs"
)
