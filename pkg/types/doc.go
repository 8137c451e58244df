/*
Package types defines the core data structures shared across the scheduler.

It contains the task status state machine, queue names, the task meta record
persisted in the result backend, the broker delivery envelope, the progress
step log, and the execution fault taxonomy used by the retry policy.

Types here are plain structs with JSON tags and no behavior beyond small
helpers, so every other package can depend on them without cycles.
*/
package types
