package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/pixyz/scheduler/pkg/log"
)

// Config holds the full scheduler configuration, loaded from environment
// variables with optional overrides from a pixyz-scheduler.conf dotenv file.
type Config struct {
	ShareDir    string
	ProcessDir  string
	Queues      []string
	Concurrency int
	PoolType    string // "solo" or "threads"

	TimeLimit      int // seconds, default compute time limit
	RetryTimeLimit int // seconds, extended limit on the gpuhigh queue

	CleanupEnabled bool
	CleanupDelay   int // seconds before a share path is deleted

	MaxTasksBeforeShutdown int
	MaxMemoryMB            int // 0 disables the child memory watchdog

	DisablePixyz          bool
	LicenseHost           string
	LicensePort           int
	LicenseAcquireAtStart bool
	LicenseFlexLM         bool

	APIPort           int
	GodPasswordSHA256 string

	RedisURL string

	// ResultBackend selects where task meta lives: empty for the redis
	// broker, or "bolt:<path>" for a local file in single-node setups
	ResultBackend string
	ResultTTL     int // seconds a task meta survives in the backend
}

const (
	defaultTimeLimit      = 2400 // 40 minutes
	defaultRetryTimeLimit = 3600
	defaultCleanupDelay   = 3600
	defaultResultTTL      = 60 * 60 * 24 * 3 // 3 days
	defaultAPIPort        = 8001
	defaultLicensePort    = 35000
)

// Load reads the configuration file (if present) then the environment
func Load() *Config {
	loadConfigurationFile()

	install, _ := os.Executable()
	installDir := filepath.Dir(install)

	cfg := &Config{
		ShareDir:    getEnv("SHARE_PATH", filepath.Join(installDir, "share")),
		ProcessDir:  getEnv("PROCESS_PATH", filepath.Join(installDir, "processes")),
		Queues:      splitQueues(getEnv("QUEUE_NAME", "cpu,gpu,archive,maintenance,control")),
		Concurrency: getEnvInt("CONCURRENT_TASKS", 1),
		PoolType:    getEnv("POOL_TYPE", "solo"),

		TimeLimit:      getEnvInt("PIXYZ_TIME_LIMIT", defaultTimeLimit),
		RetryTimeLimit: getEnvInt("PIXYZ_RETRY_TIME_LIMIT", defaultRetryTimeLimit),

		CleanupEnabled: getEnvBool("CLEANUP_ENABLED", false),
		CleanupDelay:   getEnvInt("CLEANUP_DELAY", defaultCleanupDelay),

		MaxTasksBeforeShutdown: getEnvInt("MAX_TASKS_BEFORE_SHUTDOWN", 0),
		MaxMemoryMB:            getEnvInt("MAX_MEMORY_MB", 0),

		DisablePixyz:          getEnvBool("DISABLE_PIXYZ", false),
		LicenseHost:           getEnv("LICENSE_HOST", ""),
		LicensePort:           getEnvInt("LICENSE_PORT", defaultLicensePort),
		LicenseAcquireAtStart: getEnvBool("LICENSE_ACQUIRE_AT_START", true),
		LicenseFlexLM:         getEnvBool("LICENSE_FLEXLM", false),

		APIPort:           getEnvInt("API_PORT", defaultAPIPort),
		GodPasswordSHA256: getEnv("GOD_PASSWORD_SHA256", ""),

		RedisURL:      getEnv("REDIS_URL", redisURLFromParts()),
		ResultBackend: getEnv("RESULT_BACKEND", ""),
		ResultTTL:     getEnvInt("RESULT_TTL", defaultResultTTL),
	}

	if !cfg.CleanupEnabled {
		log.Warn("cleanup is disabled, set CLEANUP_ENABLED=true and CLEANUP_DELAY to enable it")
	}

	return cfg
}

// loadConfigurationFile looks for pixyz-scheduler.conf next to the working
// directory, then in /etc, mirroring the historical lookup order
func loadConfigurationFile() {
	candidates := []string{
		filepath.Join(mustGetwd(), "pixyz-scheduler.conf"),
		"/etc/pixyz-scheduler.conf",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				log.Logger.Warn().Err(err).Str("path", path).Msg("failed to load configuration file")
			}
			return
		}
	}
}

// redisURLFromParts assembles a redis URL from the discrete REDIS_* variables
// used by the container deployments
func redisURLFromParts() string {
	host := getEnv("REDIS_MASTER_SERVICE_HOST", "localhost")
	port := getEnv("REDIS_MASTER_SERVICE_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")
	database := getEnv("REDIS_DATABASE", "0")

	auth := ""
	if password != "" {
		auth = ":" + password + "@"
	}
	return "redis://" + auth + host + ":" + port + "/" + database
}

func splitQueues(s string) []string {
	var queues []string
	for _, q := range strings.Split(s, ",") {
		q = strings.TrimSpace(q)
		if q != "" {
			queues = append(queues, q)
		}
	}
	return queues
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Logger.Warn().Str("key", key).Str("value", v).Msg("invalid integer in environment, using default")
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true") || v == "1"
}
