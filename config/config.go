// Package config loads the netsys configuration from YAML with environment
// overrides and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Listen modes.
const (
	ModeChannelized = "channelized"
	ModePlain       = "plain"
)

// EnvPrefix prefixes environment overrides, e.g. NETSYS_LISTEN_CONTROL_PORT.
const EnvPrefix = "NETSYS"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// ChannelConfig configures the listener of one channel class.
type ChannelConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Network         string        `mapstructure:"network"`
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	Protocol        int           `mapstructure:"protocol"`
	Workers         int           `mapstructure:"workers"`
	Backlog         int           `mapstructure:"backlog"`
	WaitTimeout     time.Duration `mapstructure:"wait_timeout"`
	AcceptRate      int           `mapstructure:"accept_rate"`
	PreambleTimeout time.Duration `mapstructure:"preamble_timeout"`
}

// ListenConfig configures listen mode.
type ListenConfig struct {
	Mode          string        `mapstructure:"mode"`
	ReceiveBuffer int           `mapstructure:"receive_buffer"`
	Control       ChannelConfig `mapstructure:"control"`
	Chat          ChannelConfig `mapstructure:"chat"`
	Bulk          ChannelConfig `mapstructure:"bulk"`
	Vector        ChannelConfig `mapstructure:"vector"`
}

// ConnectorConfig configures client mode.
type ConnectorConfig struct {
	Network          string        `mapstructure:"network"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	MaxRetryInterval time.Duration `mapstructure:"max_retry_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type BuffersConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type ResolverConfig struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	RedisAddr   string        `mapstructure:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix"`
}

// Config is the root configuration.
type Config struct {
	Service   string          `mapstructure:"service"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Listen    ListenConfig    `mapstructure:"listen"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Buffers   BuffersConfig   `mapstructure:"buffers"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
}

// Default returns the built-in configuration: control, chat, bulk and
// vector listeners on 19740..19743.
func Default() *Config {
	stream := func(port, workers int) ChannelConfig {
		return ChannelConfig{
			Enabled:         true,
			Network:         "tcp",
			Address:         "0.0.0.0",
			Port:            port,
			Workers:         workers,
			WaitTimeout:     100 * time.Millisecond,
			PreambleTimeout: 5 * time.Second,
		}
	}

	return &Config{
		Service: "netsysd",
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Listen: ":9100"},
		Listen: ListenConfig{
			Mode:          ModeChannelized,
			ReceiveBuffer: 4096,
			Control:       stream(19740, 2),
			Chat:          stream(19741, 4),
			Bulk:          stream(19742, 4),
			Vector:        ChannelConfig{Enabled: true, Network: "udp", Address: "0.0.0.0", Port: 19743},
		},
		Connector: ConnectorConfig{
			Network:          "tcp",
			Timeout:          5 * time.Second,
			RetryInterval:    100 * time.Millisecond,
			MaxRetryInterval: 2 * time.Second,
			MaxAttempts:      10,
		},
		Buffers:  BuffersConfig{MaxEntries: 1024},
		Resolver: ResolverConfig{CacheTTL: 30 * time.Second, RedisPrefix: "netsys:resolve:"},
	}
}

// Load reads path (YAML), applies NETSYS_* environment overrides on top of
// the defaults and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	v.SetDefault("service", d.Service)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("listen.mode", d.Listen.Mode)
	v.SetDefault("listen.receive_buffer", d.Listen.ReceiveBuffer)
	channelDefaults(v, "listen.control", d.Listen.Control)
	channelDefaults(v, "listen.chat", d.Listen.Chat)
	channelDefaults(v, "listen.bulk", d.Listen.Bulk)
	channelDefaults(v, "listen.vector", d.Listen.Vector)
	v.SetDefault("connector.network", d.Connector.Network)
	v.SetDefault("connector.timeout", d.Connector.Timeout)
	v.SetDefault("connector.retry_interval", d.Connector.RetryInterval)
	v.SetDefault("connector.max_retry_interval", d.Connector.MaxRetryInterval)
	v.SetDefault("connector.max_attempts", d.Connector.MaxAttempts)
	v.SetDefault("buffers.max_entries", d.Buffers.MaxEntries)
	v.SetDefault("resolver.cache_ttl", d.Resolver.CacheTTL)
	v.SetDefault("resolver.redis_addr", d.Resolver.RedisAddr)
	v.SetDefault("resolver.redis_prefix", d.Resolver.RedisPrefix)

	return v
}

func channelDefaults(v *viper.Viper, key string, c ChannelConfig) {
	v.SetDefault(key+".enabled", c.Enabled)
	v.SetDefault(key+".network", c.Network)
	v.SetDefault(key+".address", c.Address)
	v.SetDefault(key+".port", c.Port)
	v.SetDefault(key+".protocol", c.Protocol)
	v.SetDefault(key+".workers", c.Workers)
	v.SetDefault(key+".backlog", c.Backlog)
	v.SetDefault(key+".wait_timeout", c.WaitTimeout)
	v.SetDefault(key+".accept_rate", c.AcceptRate)
	v.SetDefault(key+".preamble_timeout", c.PreambleTimeout)
}
