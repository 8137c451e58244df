/*
Package log provides structured logging for the scheduler using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

# Usage

Initialize once at process start, then derive child loggers per component:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("executor")
	logger.Info().Str("task_id", id).Msg("task started")

Worker code prefers WithTaskID so every line produced while a task is running
carries the task identity.
*/
package log
