package main

import (
	"strings"
	"time"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/config"
)

// taskStore is everything a scheduler role needs from the result backend:
// record access plus chord bookkeeping
type taskStore interface {
	backend.Backend
	backend.ChordBackend
}

// openBackend builds the task store named by RESULT_BACKEND: the redis
// broker by default, or a local bolt file for single-node setups
func openBackend(cfg *config.Config) (taskStore, error) {
	if path, ok := strings.CutPrefix(cfg.ResultBackend, "bolt:"); ok {
		return backend.NewBolt(path)
	}
	return backend.NewRedis(cfg.RedisURL, time.Duration(cfg.ResultTTL)*time.Second)
}
