// Package share manages the shared storage tree used to exchange job inputs,
// outputs and archives between the API and the workers. Every path is derived
// from a validated job UUID and checked against symlink escapes.
package share
