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

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
webhook:
  secret: whsec_file
provider:
  base_url: https://provider.example
anomaly:
  error_burst: 5
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "whsec_file", cfg.Webhook.Secret)
	assert.Equal(t, "https://provider.example", cfg.Provider.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 5, cfg.Anomaly.ErrorBurst)
	assert.Equal(t, 5*time.Minute, cfg.Anomaly.Window)
	assert.Equal(t, 3, cfg.Business.CASRetries)
	assert.Equal(t, []string{"admin"}, cfg.Auth.ElevatedRoles)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	path := writeConfig(t, "webhook:\n  secret: whsec_file\n")
	t.Setenv("PAYRECON_WEBHOOK_SECRET", "whsec_env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "whsec_env", cfg.Webhook.Secret)
}

func TestLoadConfigValidates(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "server:\n  port: 9000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.secret")

	_, err = LoadConfig(writeConfig(t, "webhook:\n  secret: x\nanomaly:\n  timeout_ratio: 1.5\n"))
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "payment.events", cfg.Kafka.Topic.PaymentEvents)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.EventTTL)
}
