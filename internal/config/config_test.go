package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: netpulse-test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "netpulse-test", cfg.App.Name)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetryTimes)
	assert.Equal(t, 720*time.Hour, cfg.Security.TokenExpiry)
	assert.ElementsMatch(t, []string{"snmp", "http", "tcp", "dns"}, cfg.Plugins.Enabled)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  mode: release
heartbeat:
  timeout: 2m
  sweep_interval: 10s
scheduler:
  max_retry_times: 5
  task_timeout: 30s
plugins:
  depends_on:
    http: [dns]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Heartbeat.Timeout)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetryTimes)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, []string{"dns"}, cfg.Plugins.DependsOn["http"])
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NETPULSE_SERVER_PORT", "7070")
	path := writeConfig(t, "app:\n  name: netpulse\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "server:\n  mode: party\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"bad broker", "broker:\n  driver: kafka\n"},
		{"empty pool", "scheduler:\n  worker_pool_size: 0\n"},
		{"self dependency", "plugins:\n  depends_on:\n    snmp: [snmp]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", d.GetDSN())
}

func TestDefaultIgnoresEnvironment(t *testing.T) {
	t.Setenv("NETPULSE_SERVER_PORT", "7000")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "none", cfg.Broker.Driver)
}
