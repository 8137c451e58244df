package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, []string{"cpu", "gpu", "archive", "maintenance", "control"}, cfg.Queues)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "solo", cfg.PoolType)
	assert.Equal(t, 2400, cfg.TimeLimit)
	assert.Equal(t, 3600, cfg.RetryTimeLimit)
	assert.False(t, cfg.CleanupEnabled)
	assert.Equal(t, 8001, cfg.APIPort)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("QUEUE_NAME", "gpu, gpuhigh ,control")
	t.Setenv("CONCURRENT_TASKS", "4")
	t.Setenv("POOL_TYPE", "threads")
	t.Setenv("PIXYZ_TIME_LIMIT", "120")
	t.Setenv("CLEANUP_ENABLED", "true")
	t.Setenv("REDIS_URL", "redis://broker.internal:6380/2")
	t.Setenv("RESULT_BACKEND", "bolt:/var/lib/scheduler/meta.db")

	cfg := Load()
	assert.Equal(t, []string{"gpu", "gpuhigh", "control"}, cfg.Queues)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "threads", cfg.PoolType)
	assert.Equal(t, 120, cfg.TimeLimit)
	assert.True(t, cfg.CleanupEnabled)
	assert.Equal(t, "redis://broker.internal:6380/2", cfg.RedisURL)
	assert.Equal(t, "bolt:/var/lib/scheduler/meta.db", cfg.ResultBackend)
}

func TestRedisURLAssembledFromParts(t *testing.T) {
	t.Setenv("REDIS_MASTER_SERVICE_HOST", "redis-master")
	t.Setenv("REDIS_MASTER_SERVICE_PORT", "6380")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("REDIS_DATABASE", "3")

	cfg := Load()
	assert.Equal(t, "redis://:hunter2@redis-master:6380/3", cfg.RedisURL)
}

func TestInvalidIntegerFallsBack(t *testing.T) {
	t.Setenv("CONCURRENT_TASKS", "many")
	cfg := Load()
	assert.Equal(t, 1, cfg.Concurrency)
}
