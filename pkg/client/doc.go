// Package client is the Go consumer of the scheduler's HTTP facade, used by
// the command line tools and by anything embedding job submission.
package client
