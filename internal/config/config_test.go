package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeTemp(t, "config.yml", `
server:
  port: "1883"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1883", cfg.Server.Port)
	assert.Equal(t, "key", cfg.Routing.LockMode)
	assert.Equal(t, 8, cfg.Routing.WorkerPoolSize)
	assert.Equal(t, "random", cfg.SharedSubscription.Policy)
	assert.Equal(t, "memory", cfg.Retained.Storage)
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "config.toml", `
[server]
port = "1884"

[routing]
lock_mode = "tab"
worker_pool_size = 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1884", cfg.Server.Port)
	assert.Equal(t, "tab", cfg.Routing.LockMode)
	assert.Equal(t, 4, cfg.Routing.WorkerPoolSize)
}

func TestLoadRejectsInvalidLockMode(t *testing.T) {
	path := writeTemp(t, "config.yml", `
routing:
  lock_mode: bogus
server:
  port: "1883"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidOverflowPolicy(t *testing.T) {
	path := writeTemp(t, "config.yml", `
session:
  queue:
    overflow: not_a_policy
server:
  port: "1883"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestBrokerConfigTranslation(t *testing.T) {
	path := writeTemp(t, "config.yml", `
shared_subscription:
  policy: round_robin
session:
  queue:
    max: 128
    overflow: drop_oldest
server:
  port: "1883"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	bc := cfg.BrokerConfig()
	assert.Equal(t, 128, bc.SessionConfig.QueueMax)
}
