// Package worker runs the consume-execute loop of a scheduler node: queue
// consumption, the per-task crash beacon, control-plane broadcasts and the
// recovery path for tasks whose worker died mid-run.
package worker
