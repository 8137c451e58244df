// Package session sequences the native 3D library lifecycle inside a worker
// process: one initialization, license acquisition, a state reset before
// every task and a clean release at shutdown.
package session
