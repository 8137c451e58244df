// Package orchestration links tasks into chains, groups and chords without
// a central coordinator process: the composition travels inside the broker
// deliveries and whichever worker finishes a task dispatches what follows.
package orchestration
