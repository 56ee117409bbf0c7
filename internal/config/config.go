// Package config loads the bridge's configuration from a YAML file with
// viper: server, auth, MQTT and the per-device register schema.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvVar is the environment variable that overrides the default config file
// path.
const EnvVar = "MODBRIDGE_CONFIG"

const defaultConfigPath = "config.yaml"

// Config is the top-level shape of config.yaml.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Auth    AuthConfig     `mapstructure:"auth"`
	MQTT    MQTTConfig     `mapstructure:"mqtt"`
	Devices []DeviceConfig `mapstructure:"devices"`
}

// ServerConfig controls the REST/WebSocket/metrics HTTP listener.
type ServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
}

// AuthConfig controls the X-API-Key middleware. APIKeys is a set of
// operator-issued keys; a request is authorized if its X-API-Key header
// matches any one of them.
type AuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	APIKeys      []string `mapstructure:"api_keys" yaml:"api_keys"`
	ExcludePaths []string `mapstructure:"exclude_paths" yaml:"exclude_paths"`
}

// MQTTConfig controls the MQTT publisher. A zero-value Enabled means the
// bridge never starts the publisher.
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	QoS         byte   `mapstructure:"qos"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
}

// DeviceConfig describes one polled device. The TCP or RTU block matching
// Transport must be set; modbus.DeviceConfig.Validate enforces that once
// this is translated into that package's runtime shape. A block for the
// other transport is not rejected, and it is not used.
type DeviceConfig struct {
	ID             string           `mapstructure:"id"`
	Name           string           `mapstructure:"name"`
	Transport      string           `mapstructure:"device_type"`
	TCP            *TCPConnection   `mapstructure:"tcp"`
	RTU            *RTUConnection   `mapstructure:"rtu"`
	PollIntervalMs int64            `mapstructure:"poll_interval_ms"`
	Registers      []RegisterConfig `mapstructure:"registers"`
}

// TCPConnection is a Modbus TCP endpoint.
type TCPConnection struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	UnitID byte   `mapstructure:"unit_id"`
}

// RTUConnection is a Modbus RTU serial endpoint.
type RTUConnection struct {
	Port     string `mapstructure:"port"`
	BaudRate int    `mapstructure:"baud_rate"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
	UnitID   byte   `mapstructure:"unit_id"`
}

// RegisterConfig describes one register to poll on a device.
type RegisterConfig struct {
	Name         string   `mapstructure:"name"`
	Address      uint16   `mapstructure:"address"`
	RegisterType string   `mapstructure:"register_type"`
	Count        uint16   `mapstructure:"count"`
	DataType     string   `mapstructure:"data_type"`
	Unit         string   `mapstructure:"unit"`
	Scale        *float64 `mapstructure:"scale"`
	Offset       *float64 `mapstructure:"offset"`
}

// Load reads config from path (or EnvVar, or defaultConfigPath, in that
// order of precedence). A missing file is not fatal — it warns and falls
// back to the defaults below; a malformed file is fatal, since a user
// clearly intended to configure the bridge and got it wrong.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		path = defaultConfigPath
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MODBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFound := true
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			zap.L().Warn("config file not found, using defaults", zap.String("path", path))
			configFound = false
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			zap.L().Warn("config file not found, using defaults", zap.String("path", path))
			configFound = false
		} else {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Devices {
		if cfg.Devices[i].PollIntervalMs <= 0 {
			cfg.Devices[i].PollIntervalMs = 1000
		}
	}

	if configFound {
		v.OnConfigChange(func(e fsnotify.Event) {
			zap.L().Warn("config file changed on disk, restart the bridge to apply it",
				zap.String("path", e.Name), zap.String("op", e.Op.String()))
		})
		v.WatchConfig()
	}

	return &cfg, nil
}

// Default returns the configuration a bridge would run with given an empty
// config file: every field at its documented default, no devices. Used by
// the --print-default-config CLI flag as a template for operators writing a
// new device file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults failed to unmarshal: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_enabled", true)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.exclude_paths", []string{"/health", "/metrics"})

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.client_id", "modbridge")
	v.SetDefault("mqtt.topic_prefix", "modbridge")
	v.SetDefault("mqtt.qos", 1)
}
