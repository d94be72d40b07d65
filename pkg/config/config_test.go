package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 1000, cfg.Bus.AuditLogSize)
	assert.Equal(t, "@every 30s", cfg.StatusSweep)
	assert.Equal(t, "memory", cfg.History.Backend)
	assert.Equal(t, "localhost:6379", cfg.History.Redis.Addr)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
http_port: 9090
status_sweep: "@every 10s"
bus:
  audit_log_size: 250
breaker:
  failure_threshold: 7
  reset_timeout: 15s
lifecycle:
  health_check_interval: 5s
  max_retries: 4
history:
  backend: redis
  redis:
    addr: redis.internal:6379
    prefix: "county:task:"
routing:
  reconcile_ledger: validation
agents:
  - name: echo-1
    type: echo
  - name: validator-1
    type: validation
    capabilities: [structural_check]
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 250, cfg.Bus.AuditLogSize)
	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.Breaker.ResetTimeout)
	assert.Equal(t, 5*time.Second, cfg.Lifecycle.HealthCheckInterval)
	assert.Equal(t, 4, cfg.Lifecycle.MaxRetries)
	assert.Equal(t, "redis", cfg.History.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.History.Redis.Addr)
	assert.Equal(t, "county:task:", cfg.History.Redis.Prefix)
	assert.Equal(t, "validation", cfg.Routing["reconcile_ledger"])

	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "validator-1", cfg.Agents[1].Name)
	assert.Equal(t, []string{"structural_check"}, cfg.Agents[1].Capabilities)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/no/such/file.yaml")
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "agents: [\n")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("WEBHUB_HTTP_PORT", "7070")
	t.Setenv("WEBHUB_HISTORY_BACKEND", "redis")
	t.Setenv("WEBHUB_REDIS_ADDR", "envhost:6379")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.History.Backend)
	assert.Equal(t, "envhost:6379", cfg.History.Redis.Addr)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown backend": `
history:
  backend: cassandra
`,
		"agent without type": `
agents:
  - name: echo-1
`,
		"duplicate agent names": `
agents:
  - name: echo-1
    type: echo
  - name: echo-1
    type: validation
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.HTTPPort = 9191
	cfg.Routing = map[string]string{"echo": "echo"}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.HTTPPort)
	assert.Equal(t, "echo", loaded.Routing["echo"])
}
