// Package config loads and validates Burrow's configuration surface
// (spec §6.3): listener ports, TLS material, TCP port range, and the
// timeout/size knobs the core dispatch path reads at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is where Config.Load looks if no path is given.
const DefaultConfigPath = "/etc/burrow/burrow.yaml"

// PortRange is the inclusive [Low, High] range for dynamic TCP tunnel
// allocation (spec §6.3 tcp_port_range).
type PortRange struct {
	Low  int `mapstructure:"low" yaml:"low"`
	High int `mapstructure:"high" yaml:"high"`
}

// Config is the full set of knobs spec §6.3 names.
type Config struct {
	BaseDomain       string `mapstructure:"base_domain" yaml:"base_domain"`
	ListenerPort     int    `mapstructure:"listener_port" yaml:"listener_port"`
	HTTPListenerPort int    `mapstructure:"http_listener_port" yaml:"http_listener_port"`
	TLSCertFile      string `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile       string `mapstructure:"tls_key_file" yaml:"tls_key_file"`

	TCPPortRange PortRange `mapstructure:"tcp_port_range" yaml:"tcp_port_range"`

	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	WSUpgradeTimeout  time.Duration `mapstructure:"ws_upgrade_timeout" yaml:"ws_upgrade_timeout"`
	WSBufferTTL       time.Duration `mapstructure:"ws_buffer_ttl" yaml:"ws_buffer_ttl"`
	MaxRequestBody    int64         `mapstructure:"max_request_body" yaml:"max_request_body"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// RedisAddr, when set, enables the Redis-backed cluster directory
	// (internal/clusternode) instead of single-node-only operation.
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	NodeID    string `mapstructure:"node_id" yaml:"node_id"`
}

// Load reads configuration from configPath (falling back to
// DefaultConfigPath when empty), applies BURROW_-prefixed environment
// overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listener_port", 443)
	v.SetDefault("http_listener_port", 80)
	v.SetDefault("tcp_port_range.low", 40000)
	v.SetDefault("tcp_port_range.high", 40019)
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("ws_upgrade_timeout", 10*time.Second)
	v.SetDefault("ws_buffer_ttl", 30*time.Second)
	v.SetDefault("max_request_body", int64(10<<20))
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("log_level", "info")
	v.SetDefault("node_id", "local")
}

// Validate checks the invariants the core dispatch path relies on. A
// configuration error here is expected to exit the process before it
// starts listening (spec §6.3 exit code contract).
func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("base_domain is required")
	}
	if c.ListenerPort <= 0 {
		return fmt.Errorf("listener_port must be positive")
	}
	if c.TCPPortRange.Low <= 0 || c.TCPPortRange.High < c.TCPPortRange.Low {
		return fmt.Errorf("tcp_port_range must be a non-empty range of positive ports")
	}
	if c.TLSCertFile != "" || c.TLSKeyFile != "" {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return fmt.Errorf("tls_cert_file and tls_key_file must both be set or both be empty")
		}
		if _, err := os.Stat(c.TLSCertFile); err != nil {
			return fmt.Errorf("reading tls_cert_file: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyFile); err != nil {
			return fmt.Errorf("reading tls_key_file: %w", err)
		}
	}
	return nil
}
