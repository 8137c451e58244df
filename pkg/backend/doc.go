// Package backend persists task meta records and exposes state-change
// subscriptions. Three implementations exist: redis for clusters, bbolt for
// single-node mode and tests, and a read-only remote adapter that follows
// tasks owned by another scheduler over its HTTP facade.
package backend
