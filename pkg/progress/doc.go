// Package progress tracks the step log and percent completion of a running
// task and publishes intermediate states toward the result backend.
package progress
