package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_SOURCE", "postgres://u:p@localhost:5432/ledger")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("SERVER_PORT", "")
	t.Setenv("LOCK_TIMEOUT", "")
	t.Setenv("MIGRATE_ON_START", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoad_PostgresRequiresDBSource(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORE_DRIVER", DriverPostgres)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_SOURCE")
}

func TestLoad_MemoryDriverNeedsNoDatabase(t *testing.T) {
	t.Setenv("DB_SOURCE", "")
	t.Setenv("STORE_DRIVER", DriverMemory)
	t.Setenv("LOCK_TIMEOUT", "750ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown driver":   {"STORE_DRIVER", "sqlite"},
		"bad lock timeout": {"LOCK_TIMEOUT", "soon"},
		"bad max conns":    {"DB_MAX_CONNS", "-3"},
		"bad migrate flag": {"MIGRATE_ON_START", "maybe"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("DB_SOURCE", "postgres://localhost/ledger")
			t.Setenv(kv[0], kv[1])

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
