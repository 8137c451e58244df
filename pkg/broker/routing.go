package broker

import "github.com/pixyz/scheduler/pkg/types"

// knownQueues is the closed set of routable queues
var knownQueues = map[string]bool{
	types.QueueCPU:         true,
	types.QueueGPU:         true,
	types.QueueGPUHigh:     true,
	types.QueueArchive:     true,
	types.QueueMaintenance: true,
	types.QueueControl:     true,
}

// ValidQueue reports whether name is a routable queue
func ValidQueue(name string) bool {
	return knownQueues[name]
}

// Queues lists every routable queue
func Queues() []string {
	return []string{
		types.QueueCPU,
		types.QueueGPU,
		types.QueueGPUHigh,
		types.QueueArchive,
		types.QueueMaintenance,
		types.QueueControl,
	}
}

// LateAck reports whether queue uses late acknowledgement. Archive and
// maintenance tasks are idempotent, so redelivery after a worker loss is
// safe; compute tasks are not redelivered.
func LateAck(queue string) bool {
	return queue == types.QueueArchive || queue == types.QueueMaintenance
}

// RouteQueue resolves the queue for a submission: an explicit request wins,
// then the script's directive, then cpu
func RouteQueue(explicit, directive string) string {
	if explicit != "" {
		return explicit
	}
	if directive != "" {
		return directive
	}
	return types.QueueCPU
}

// RetryQueue returns the queue a retriable failure is retried on. Retries
// from the cpu and gpu queues move to gpuhigh, which runs with the extended
// time limit; everything else retries in place.
func RetryQueue(current string) string {
	if current == types.QueueCPU || current == types.QueueGPU {
		return types.QueueGPUHigh
	}
	return current
}
