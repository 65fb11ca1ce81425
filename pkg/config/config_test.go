package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 64, cfg.Scheduler.Batch)
	assert.Equal(t, 3, cfg.Scheduler.AssignRetries)
	assert.Equal(t, 30*time.Second, cfg.Health.TickInterval)
	assert.Equal(t, 5*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Webhook.ExecMaxDuration)
	assert.Equal(t, 5, cfg.Driver.StartRetries)
	assert.Equal(t, 3, cfg.Webhook.ClientRetries)
	assert.Equal(t, 256, cfg.Events.QueueLimit)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("SCHED_TICK_MS", "1000")
	t.Setenv("SCHED_BATCH", "16")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_PORT", "6543")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, 16, cfg.Scheduler.Batch)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
}

func TestLoadRejectsInvalidIntEnv(t *testing.T) {
	t.Setenv("SCHED_BATCH", "not-a-number")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsInvalidDurationEnv(t *testing.T) {
	t.Setenv("DB_CONN_MAX_LIFETIME", "not-a-duration")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoadToleratesMissingEnvFile(t *testing.T) {
	_, err := Load("/nonexistent/path/.env")
	require.NoError(t, err)
}
