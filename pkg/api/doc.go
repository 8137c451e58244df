// Package api is the HTTP facade of the scheduler: multipart job
// submission, status and output retrieval, the archive packaging protocol
// and the raw backend view remote schedulers consume.
package api
