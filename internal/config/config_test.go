package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/festa")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr)
	assert.Equal(t, 24*time.Hour, cfg.DedupeTTL)
	assert.Equal(t, 15*time.Second, cfg.ProviderTimeout)
	assert.Equal(t, "/v1/message/send-text", cfg.ProviderSendPath)
	assert.False(t, cfg.DeviceMode())
}

func TestLoadSQLiteDriver(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", " SQLite ")
	t.Setenv("SQLITE_PATH", "/tmp/bot.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	assert.Equal(t, "/tmp/bot.db", cfg.SQLitePath)
}

func TestLoadRejectsMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestValidateDeviceModeNeedsInstance(t *testing.T) {
	cfg := &Config{
		DatabaseDriver:    DriverSQLite,
		SQLitePath:        "bot.db",
		ProviderTimeout:   time.Second,
		WhatsAppStorePath: "data/wa.db",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WHATSAPP_INSTANCE_ID")

	cfg.WhatsAppInstanceID = "local"
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.DeviceMode())
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := &Config{DatabaseDriver: "mysql", ProviderTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}
