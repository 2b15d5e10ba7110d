// Package config loads the service configuration and the agents file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds runtime configuration for the billfrog service.
type Config struct {
	// DataDir holds the SQLite databases
	DataDir string

	// AgentsFile is the YAML file listing configured agents
	AgentsFile string

	// TickInterval is how often the coordinator re-evaluates due agents
	TickInterval time.Duration

	// Workers bounds concurrent dispatch runs
	Workers int

	// GracePeriod bounds how long shutdown waits for in-flight dispatches
	GracePeriod time.Duration

	// SendTimeout bounds each notifier call
	SendTimeout time.Duration

	// SendRPS rate-limits outbound sends across all agents
	SendRPS   float64
	SendBurst int

	// StatusPort is the operator status HTTP port (0 disables the server)
	StatusPort int

	// RedisURL enables the Redis notifier when set
	RedisURL string

	// RetentionDays is the default purge cutoff
	RetentionDays int

	// Debug enables verbose logging
	Debug bool
}

// DefaultConfig returns a Config with environment overrides applied.
func DefaultConfig() *Config {
	dataDir := getEnvOrDefault("BILLFROG_DATA_DIR", defaultDataDir())
	return &Config{
		DataDir:       dataDir,
		AgentsFile:    getEnvOrDefault("BILLFROG_AGENTS_FILE", filepath.Join(dataDir, "agents.yaml")),
		TickInterval:  time.Duration(getEnvInt("BILLFROG_TICK_SECONDS", 60)) * time.Second,
		Workers:       getEnvInt("BILLFROG_WORKERS", 4),
		GracePeriod:   time.Duration(getEnvInt("BILLFROG_GRACE_SECONDS", 30)) * time.Second,
		SendTimeout:   time.Duration(getEnvInt("BILLFROG_SEND_TIMEOUT_SECONDS", 30)) * time.Second,
		SendRPS:       1.0,
		SendBurst:     5,
		StatusPort:    getEnvInt("BILLFROG_STATUS_PORT", 8090),
		RedisURL:      os.Getenv("BILLFROG_REDIS_URL"),
		RetentionDays: getEnvInt("BILLFROG_RETENTION_DAYS", 90),
		Debug:         getEnvBool("BILLFROG_DEBUG", false),
	}
}

// UsageDBPath returns the usage database location.
func (c *Config) UsageDBPath() string {
	return filepath.Join(c.DataDir, "usage.db")
}

// ScheduleDBPath returns the schedule database location.
func (c *Config) ScheduleDBPath() string {
	return filepath.Join(c.DataDir, "schedule.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".billfrog"
	}
	return filepath.Join(home, ".billfrog")
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as an int or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a bool or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
