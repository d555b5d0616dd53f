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

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "127.0.0.1:8000", cfg.Server.ControlAddr)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "__SHUTTLE_Axum_call", cfg.Sandbox.EntryPoint)
	assert.Equal(t, int64(65536), cfg.Sandbox.MaxBodyBytes)
	assert.Equal(t, uint32(1<<20), cfg.Sandbox.MaxFrameBytes)
	assert.Equal(t, 10, cfg.Sandbox.Workers)
	assert.Equal(t, 32768, cfg.Logs.QueueCapacity)
	assert.Equal(t, "nimbus.runtime.logs", cfg.Logs.NatsSubject)
	assert.Equal(t, "nimbus-runtime", cfg.Telemetry.ServiceName)
	assert.Equal(t, "nimbus_runtime", cfg.Metrics.Namespace)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  control_addr: 0.0.0.0:9000
  metrics_port: -1
sandbox:
  max_body_bytes: 1024
  workers: 2
  invoke_timeout: 5s
logs:
  queue_capacity: 16
  nats_url: nats://localhost:4222
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ControlAddr)
	assert.Equal(t, -1, cfg.Server.MetricsPort)
	assert.Equal(t, int64(1024), cfg.Sandbox.MaxBodyBytes)
	assert.Equal(t, 2, cfg.Sandbox.Workers)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.InvokeTimeout)
	assert.Equal(t, 16, cfg.Logs.QueueCapacity)
	assert.Equal(t, "nats://localhost:4222", cfg.Logs.NatsURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// 未设置的字段仍取默认值
	assert.Equal(t, 1000, cfg.Sandbox.QueueSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "server: [unterminated"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NIMBUS_RUNTIME_NATS_URL", "nats://env:4222")
	t.Setenv("NIMBUS_RUNTIME_CONTROL_ADDR", "127.0.0.1:7000")
	t.Setenv("NIMBUS_RUNTIME_MAX_BODY_BYTES", "2048")

	cfg, err := Load(writeConfig(t, "logs:\n  nats_url: nats://file:4222\n"))
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", cfg.Logs.NatsURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ControlAddr)
	assert.Equal(t, int64(2048), cfg.Sandbox.MaxBodyBytes)
}

func TestEnvFileOverrideWins(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "nats-url")
	require.NoError(t, os.WriteFile(secret, []byte("nats://secret:4222\n"), 0o600))

	t.Setenv("NIMBUS_RUNTIME_NATS_URL", "nats://env:4222")
	t.Setenv("NIMBUS_RUNTIME_NATS_URL_FILE", secret)

	cfg := Default()
	assert.Equal(t, "nats://secret:4222", cfg.Logs.NatsURL)
}

func TestInvalidMaxBodyOverrideIgnored(t *testing.T) {
	t.Setenv("NIMBUS_RUNTIME_MAX_BODY_BYTES", "lots")
	assert.Equal(t, int64(65536), Default().Sandbox.MaxBodyBytes)
}
