package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrMissingAuthToken is returned by Load when no battery auth token is set.
var ErrMissingAuthToken = errors.New("AUTH_TOKEN env variable not set!")

const defaultConfigFile = "config.yaml"

type Config struct {
	Battery   BatteryConfig   `mapstructure:"battery"`
	Collector CollectorConfig `mapstructure:"collector"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	API       APIConfig       `mapstructure:"api"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	InfluxDB  InfluxDBConfig  `mapstructure:"influxdb"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	path string
}

type BatteryConfig struct {
	Name             string        `mapstructure:"name" validate:"required"`
	IP               string        `mapstructure:"ip" validate:"required"`
	AuthToken        string        `mapstructure:"auth_token"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	BreakerThreshold uint32        `mapstructure:"breaker_threshold" validate:"gt=0"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

type CollectorConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Enabled  bool          `mapstructure:"enabled"`
}

type DashboardConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

// LimitsConfig holds the full-scale values of the dashboard bars in watts.
type LimitsConfig struct {
	BatteryMaxW  float64 `mapstructure:"battery_max_w" validate:"gt=0"`
	GridMaxW     float64 `mapstructure:"grid_max_w" validate:"gt=0"`
	InverterMaxW float64 `mapstructure:"inverter_max_w" validate:"gt=0"`
}

// HouseMaxW is the full scale of the consumption bar.
func (l LimitsConfig) HouseMaxW() float64 {
	return l.BatteryMaxW + l.GridMaxW
}

type APIConfig struct {
	Port    int  `mapstructure:"port" validate:"min=1,max=65535"`
	Enabled bool `mapstructure:"enabled"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker" validate:"required_if=Enabled true"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Discovery   bool   `mapstructure:"discovery"`
}

type DatabaseConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path" validate:"required_if=Enabled true"`
	Retention time.Duration `mapstructure:"retention"`
}

type InfluxDBConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	URL          string `mapstructure:"url" validate:"required_if=Enabled true"`
	Token        string `mapstructure:"token"`
	Organization string `mapstructure:"organization" validate:"required_if=Enabled true"`
	Bucket       string `mapstructure:"bucket" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("battery.name", "sonnenbatterie")
	v.SetDefault("battery.ip", "sonnenbatterie")
	v.SetDefault("battery.timeout", "10s")
	v.SetDefault("battery.breaker_threshold", 5)
	v.SetDefault("battery.breaker_timeout", "30s")
	v.SetDefault("collector.interval", "3s")
	v.SetDefault("collector.enabled", true)
	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.interval", "3s")
	v.SetDefault("limits.battery_max_w", 4800)
	v.SetDefault("limits.grid_max_w", 3300)
	v.SetDefault("limits.inverter_max_w", 8300)
	v.SetDefault("api.port", 8046)
	v.SetDefault("api.enabled", false)
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "sonnen")
	v.SetDefault("mqtt.client_id", "sonnen-monitor")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.discovery", true)
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.path", "./sonnen.db")
	v.SetDefault("database.retention", "0s")
	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "http://localhost:8086")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.organization", "")
	v.SetDefault("influxdb.bucket", "sonnen")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "sonnen-monitor.log")
}

// Load reads the configuration from configPath, or from config.yaml in the
// working directory or /etc/sonnen-monitor, and applies environment overrides.
// The auth token is read from AUTH_TOKEN or SONNEN_BATTERY_AUTH_TOKEN.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sonnen-monitor")
	}

	setDefaults(v)

	v.SetEnvPrefix("SONNEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("battery.auth_token", "AUTH_TOKEN", "SONNEN_BATTERY_AUTH_TOKEN"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("battery.ip", "SONNEN_IP", "SONNEN_BATTERY_IP"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.path = v.ConfigFileUsed()

	if strings.TrimSpace(cfg.Battery.AuthToken) == "" {
		return nil, ErrMissingAuthToken
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of the configuration.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// Path returns the file the configuration was read from, if any.
func (c *Config) Path() string {
	return c.path
}

// SaveBattery persists the battery address and timeout to the config file,
// keeping every other key of the file. The auth token is never written.
func (c *Config) SaveBattery(b BatteryConfig) error {
	path := c.path
	if path == "" {
		path = defaultConfigFile
	}

	v := viper.New()
	v.SetConfigFile(path)
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	v.Set("battery.ip", b.IP)
	v.Set("battery.timeout", b.Timeout.String())

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	c.path = path
	return nil
}
