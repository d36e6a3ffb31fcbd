package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_id = "ESP32-042"

[provisioning]
server_url = "https://provision.example.com"
retry_delay = "250ms"

[storage]
uri = "sqlite:///var/lib/device-agent/agent.db"

[mqtt]
broker = "ssl://broker.example.com:8883"
telemetry_interval = "10s"

[ota]
s3_region = "eu-central-1"
s3_path_style = true

[supervisor]
policy = "restart"
health_check = ["/usr/bin/selftest", "--quick"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "ESP32-042", cfg.DeviceID)
	require.Equal(t, "1.0.0", cfg.FirmwareVersion)
	require.Equal(t, "https://provision.example.com", cfg.Provisioning.ServerURL)
	require.Equal(t, 250*time.Millisecond, cfg.Provisioning.RetryDelay.Duration)
	require.Equal(t, 30*time.Second, cfg.Provisioning.AttemptTimeout.Duration)
	require.Equal(t, 10, cfg.Provisioning.MaxAttempts)
	require.Equal(t, "sqlite:///var/lib/device-agent/agent.db", cfg.Storage.URI)
	require.Equal(t, 10*time.Second, cfg.MQTT.TelemetryInterval.Duration)
	require.Equal(t, 50*time.Second, cfg.MQTT.PingInterval.Duration)
	require.Equal(t, "eu-central-1", cfg.OTA.S3Region)
	require.True(t, cfg.OTA.S3PathStyle)
	require.Equal(t, "restart", cfg.Supervisor.Policy)
	require.Equal(t, []string{"/usr/bin/selftest", "--quick"}, cfg.Supervisor.HealthCheck)
	require.Equal(t, []string{"systemctl", "reboot"}, cfg.Supervisor.RebootCommand)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "device_id = \"x\"\n[mqtt]\nbrokr = \"ssl://typo\"\n"))
	require.ErrorContains(t, err, "mqtt.brokr")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "[mqtt]\nping_interval = \"fifty seconds\"\n"))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.ErrorContains(t, err, "mqtt.broker is required")
	require.ErrorContains(t, err, "provisioning.server_url")

	cfg.MQTT.Broker = "ssl://broker.example.com:8883"
	cfg.Provisioning.LocalKMSKeyFile = "/etc/device-agent/fleet.key"
	require.NoError(t, cfg.Validate())

	cfg.Supervisor.Policy = "sometimes"
	require.ErrorContains(t, cfg.Validate(), "supervisor.policy")
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load("agent.example.toml")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "ssl://broker.example.com:8883", cfg.MQTT.Broker)
	require.Equal(t, int64(0x180000), cfg.OTA.SlotSize)
	require.Equal(t, "restart", cfg.Supervisor.Policy)
}
