// Package config loads and validates hub configuration from defaults,
// an optional config file, and GRIDWATCH_* environment overrides.
package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// HTTPConfig defines the HTTP server parameters.
type HTTPConfig struct {
	// ListenOn is the interface the server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0"`
}

// SocketConfig defines WebSocket transport parameters.
type SocketConfig struct {
	// SendBuffer is the per-connection outbound queue length
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=16"`
	// ReadBufferSize is the transport read buffer in bytes
	ReadBufferSize int `mapstructure:"read_buffer_size" json:"read_buffer_size" validate:"gte=256"`
	// WriteBufferSize is the transport write buffer in bytes
	WriteBufferSize int `mapstructure:"write_buffer_size" json:"write_buffer_size" validate:"gte=256"`
}

// RedisConfig defines the shared Redis connection parameters used by the
// bridge, the snapshot store, and the session resolver.
type RedisConfig struct {
	// Addr is the Redis host:port
	Addr string `mapstructure:"addr" json:"addr" validate:"required"`
	// Password is the Redis password, empty for none
	Password string `mapstructure:"password" json:"password"`
	// DB is the Redis database number
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// Prefix namespaces every key and channel this service touches
	Prefix string `mapstructure:"prefix" json:"prefix" validate:"required"`
	// SnapshotTTLSec bounds how long cached element snapshots live
	SnapshotTTLSec int `mapstructure:"snapshot_ttl_sec" json:"snapshot_ttl_sec" validate:"gte=1"`
}

// MonitorConfig defines the liveness monitor parameters. The stale
// threshold should be a small multiple of the client heartbeat interval.
type MonitorConfig struct {
	// IntervalSec is the sweep period in seconds
	IntervalSec int `mapstructure:"interval_sec" json:"interval_sec" validate:"gte=1"`
	// StaleThresholdSec is the inactivity window before eviction in seconds
	StaleThresholdSec int `mapstructure:"stale_threshold_sec" json:"stale_threshold_sec" validate:"gte=1"`
}

// Config is the full hub configuration.
type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http" json:"http" validate:"required"`
	Socket  SocketConfig  `mapstructure:"socket" json:"socket" validate:"required"`
	Redis   RedisConfig   `mapstructure:"redis" json:"redis" validate:"required"`
	Monitor MonitorConfig `mapstructure:"monitor" json:"monitor" validate:"required"`
}

// InstallDefaultValues defines the default configuration.
func InstallDefaultValues() {
	viper.SetDefault("http.listen_on", "0.0.0.0")
	viper.SetDefault("http.listen_port", 3001)

	viper.SetDefault("socket.send_buffer", 256)
	viper.SetDefault("socket.read_buffer_size", 1024)
	viper.SetDefault("socket.write_buffer_size", 1024)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "gridwatch:")
	viper.SetDefault("redis.snapshot_ttl_sec", 3600)

	viper.SetDefault("monitor.interval_sec", 30)
	viper.SetDefault("monitor.stale_threshold_sec", 300)
}

// Load reads the optional config file, applies environment overrides,
// and validates the result.
func Load(configFile string) (*Config, error) {
	viper.SetEnvPrefix("gridwatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
