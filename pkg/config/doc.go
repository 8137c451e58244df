// Package config loads scheduler configuration from the environment with
// optional overrides from a pixyz-scheduler.conf dotenv file.
package config
