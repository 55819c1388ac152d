package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Kenter: KenterConfig{
			ClientID:      "id",
			ClientSecret:  "secret",
			ConnectionID:  "871687100012345678",
			MeteringPoint: "871685900012345678",
		},
		MQTT: MQTTConfig{
			Username: "addon",
			Password: "hunter2",
		},
		Schedule: ScheduleConfig{
			Mode:             ModeDaily,
			CheckIntervalSec: 3600,
		},
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://api.kenter.nu", cfg.Kenter.APIURL)
	assert.Equal(t, "https://login.kenter.nu/connect/token", cfg.Kenter.TokenURL)
	assert.Equal(t, "meetdata.read", cfg.Kenter.Scope)
	assert.Equal(t, "core-mosquitto", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "kenter", cfg.MQTT.Namespace)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, ModeDaily, cfg.Schedule.Mode)
	assert.Equal(t, 3600, cfg.Schedule.CheckIntervalSec)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `
kenter:
  client_id: file-id
  client_secret: file-secret
  connection_id: conn-1
  metering_point: point-1
mqtt:
  host: broker.local
  username: addon
  password: hunter2
schedule:
  mode: interval
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-id", cfg.Kenter.ClientID)
	assert.Equal(t, "broker.local", cfg.MQTT.Host)
	assert.Equal(t, ModeInterval, cfg.Schedule.Mode)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Values the file does not set keep their defaults.
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 3600, cfg.Schedule.CheckIntervalSec)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
kenter:
  client_id: file-id
schedule:
  check_interval: 1800
`)

	t.Setenv("KENTER_CLIENT_ID", "env-id")
	t.Setenv("CHECK_INTERVAL", "900")
	t.Setenv("PUBLISH_MODE", "breakdown")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-id", cfg.Kenter.ClientID)
	assert.Equal(t, 900, cfg.Schedule.CheckIntervalSec)
	assert.Equal(t, ModeBreakdown, cfg.Schedule.Mode)
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModeDaily, cfg.Schedule.Mode)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfigFile(t, "kenter: [not: valid")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.Kenter.ClientSecret = ""
	cfg.MQTT.Password = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredentials)
	assert.Contains(t, err.Error(), "kenter.client_secret")
	assert.Contains(t, err.Error(), "mqtt.username/mqtt.password")
}

func TestValidateInvalidMode(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule.Mode = "hourly"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule mode")
}

func TestValidateNonPositiveInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Schedule.CheckIntervalSec = 0

	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	for _, mode := range []string{ModeDaily, ModeInterval, ModeBreakdown} {
		cfg := validConfig()
		cfg.Schedule.Mode = mode
		assert.NoError(t, cfg.Validate())
	}
}
