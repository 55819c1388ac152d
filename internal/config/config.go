package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Publish modes. They decide how a poll cycle picks its target instant
// and what shape of state message ends up on the broker.
const (
	// ModeDaily publishes yesterday's day totals once per check interval.
	ModeDaily = "daily"
	// ModeInterval publishes a running daily total built from the
	// 15-minute reading at now-24h, waking every minute so no grid
	// boundary is missed.
	ModeInterval = "interval"
	// ModeBreakdown publishes yesterday's full quarter-hour breakdown.
	ModeBreakdown = "breakdown"
)

// ErrMissingCredentials is returned by Validate when a required
// credential is absent. It is fatal at startup: the service never
// enters the poll loop with an incomplete configuration.
var ErrMissingCredentials = errors.New("missing required credentials")

// Config holds all configuration for the bridge. It is assembled once
// at startup and treated as immutable afterwards.
type Config struct {
	Kenter   KenterConfig   `mapstructure:"kenter"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type KenterConfig struct {
	APIURL        string `mapstructure:"api_url"`
	TokenURL      string `mapstructure:"token_url"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	ConnectionID  string `mapstructure:"connection_id"`
	MeteringPoint string `mapstructure:"metering_point"`
	Scope         string `mapstructure:"scope"`
}

type MQTTConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	ClientID  string `mapstructure:"client_id"`
	Namespace string `mapstructure:"namespace"`
	// DiscoveryPrefix is the Home Assistant discovery topic root.
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
}

type ScheduleConfig struct {
	Mode string `mapstructure:"mode"`
	// CheckIntervalSec is the wake interval for single-shot modes.
	// The interval mode always wakes every 60 seconds instead.
	CheckIntervalSec int `mapstructure:"check_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Port for the Prometheus /metrics listener; 0 disables it.
	Port int `mapstructure:"port"`
}

// Load reads configuration from an optional YAML file and the
// environment. Environment variables use the addon's conventional
// names (KENTER_CLIENT_ID, MQTT_HOST, ...) and override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kenter.api_url", "https://api.kenter.nu")
	v.SetDefault("kenter.token_url", "https://login.kenter.nu/connect/token")
	v.SetDefault("kenter.scope", "meetdata.read")

	v.SetDefault("mqtt.host", "core-mosquitto")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.namespace", "kenter")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")

	v.SetDefault("schedule.mode", ModeDaily)
	v.SetDefault("schedule.check_interval", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnv(v *viper.Viper) {
	v.BindEnv("kenter.api_url", "KENTER_API_URL")
	v.BindEnv("kenter.token_url", "KENTER_TOKEN_URL")
	v.BindEnv("kenter.client_id", "KENTER_CLIENT_ID")
	v.BindEnv("kenter.client_secret", "KENTER_CLIENT_SECRET")
	v.BindEnv("kenter.connection_id", "KENTER_CONNECTION_ID")
	v.BindEnv("kenter.metering_point", "KENTER_METERING_POINT")

	v.BindEnv("mqtt.host", "MQTT_HOST")
	v.BindEnv("mqtt.port", "MQTT_PORT")
	v.BindEnv("mqtt.username", "MQTT_USER")
	v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	v.BindEnv("schedule.mode", "PUBLISH_MODE")
	v.BindEnv("schedule.check_interval", "CHECK_INTERVAL")

	v.BindEnv("logging.level", "LOG_LEVEL")
	v.BindEnv("metrics.port", "METRICS_PORT")
}

// Validate checks the assembled configuration. The broker in this
// deployment requires authentication, so a missing username/password
// pair is rejected here instead of degrading to an anonymous session.
func (c *Config) Validate() error {
	var missing []string

	if c.Kenter.ClientID == "" {
		missing = append(missing, "kenter.client_id")
	}
	if c.Kenter.ClientSecret == "" {
		missing = append(missing, "kenter.client_secret")
	}
	if c.Kenter.ConnectionID == "" {
		missing = append(missing, "kenter.connection_id")
	}
	if c.Kenter.MeteringPoint == "" {
		missing = append(missing, "kenter.metering_point")
	}
	if c.MQTT.Username == "" || c.MQTT.Password == "" {
		missing = append(missing, "mqtt.username/mqtt.password")
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrMissingCredentials, missing)
	}

	switch c.Schedule.Mode {
	case ModeDaily, ModeInterval, ModeBreakdown:
	default:
		return fmt.Errorf("invalid schedule mode: %s", c.Schedule.Mode)
	}

	if c.Schedule.CheckIntervalSec <= 0 {
		return fmt.Errorf("check interval must be positive, got %d", c.Schedule.CheckIntervalSec)
	}

	return nil
}
