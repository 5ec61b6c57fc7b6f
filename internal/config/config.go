package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource        string
	Port            string
	Env             string
	LogLevel        string
	StoreDriver     string
	DBMaxConns      int32
	LockTimeout     time.Duration
	ShutdownTimeout time.Duration
	MigrateOnStart  bool
}

func Load() (*Config, error) {
	cfg := &Config{
		DBSource:    os.Getenv("DB_SOURCE"),
		Port:        getenv("SERVER_PORT", "8080"),
		Env:         getenv("ENVIRONMENT", "development"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		StoreDriver: getenv("STORE_DRIVER", DriverPostgres),
	}

	var err error
	if cfg.LockTimeout, err = durationEnv("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ShutdownTimeout, err = durationEnv("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart, err = boolEnv("MIGRATE_ON_START", true); err != nil {
		return nil, err
	}

	maxConns, err := strconv.ParseInt(getenv("DB_MAX_CONNS", "0"), 10, 32)
	if err != nil || maxConns < 0 {
		return nil, fmt.Errorf("DB_MAX_CONNS must be a non-negative integer")
	}
	cfg.DBMaxConns = int32(maxConns)

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s must be a non-negative duration such as 2s or 500ms", key)
	}
	return d, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}
