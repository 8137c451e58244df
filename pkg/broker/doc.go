// Package broker moves task deliveries through redis. Each queue is a list
// with a companion sorted set for delayed deliveries; revocation is a shared
// set plus a pub/sub broadcast so running workers learn about it immediately.
package broker
