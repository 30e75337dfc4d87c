// Package config provides YAML-based configuration loading for a pool node.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/TNO-MPC/communication/pkg/errs"
)

// Config is the root application configuration.
type Config struct {
	// NodeName is written into outgoing envelopes; informational only
	NodeName string `mapstructure:"node_name"`

	// MessagePrefix is prepended to every message id sent and received
	MessagePrefix string `mapstructure:"message_prefix"`

	Log       LogConfig       `mapstructure:"log"`
	Server    ServerConfig    `mapstructure:"server"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Transport TransportConfig `mapstructure:"transport"`
	Send      SendConfig      `mapstructure:"send"`

	// Peers are registered as clients on startup
	Peers []PeerConfig `mapstructure:"peers"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		NodeName: "mpc-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/mpcpool.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Server:    ServerConfig{Address: "0.0.0.0", Port: 8080},
		Identity:  IdentityConfig{Mode: "origin"},
		Transport: TransportConfig{MaxBodyBytes: 64 << 20},
		Send:      SendConfig{Timeout: 30 * time.Second, Workers: 4},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix MPCPOOL and `.`/`-` are replaced with `_`.
// Example: MPCPOOL_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MPCPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("node_name", cfg.NodeName)
	v.SetDefault("message_prefix", cfg.MessagePrefix)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("server.address", cfg.Server.Address)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("identity.mode", cfg.Identity.Mode)
	v.SetDefault("tls.cert", cfg.TLS.Cert)
	v.SetDefault("tls.key", cfg.TLS.Key)
	v.SetDefault("tls.ca_cert", cfg.TLS.CACert)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.max_body_bytes", cfg.Transport.MaxBodyBytes)
	v.SetDefault("send.timeout", cfg.Send.Timeout)
	v.SetDefault("send.workers", cfg.Send.Workers)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("MPCPOOL_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mpcpool")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".mpcpool"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, errs.From(errs.ErrInvalidConfig).Op("read config").Cause(err).Build()
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errs.From(errs.ErrInvalidConfig).Op("decode config").Cause(err).Build()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return errs.From(errs.ErrInvalidConfig).Op("validate config").Detail(format, args...).Build()
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return invalid("log.level %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.NodeName) == "" {
		c.NodeName = "mpc-node"
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port %d out of range", c.Server.Port)
	}

	c.Identity.Mode = strings.ToLower(strings.TrimSpace(c.Identity.Mode))
	switch c.Identity.Mode {
	case "", "origin":
		c.Identity.Mode = "origin"
	case "certificate", "cert":
		c.Identity.Mode = "certificate"
		if !c.TLS.Complete() {
			return invalid("identity.mode certificate needs tls.cert, tls.key and tls.ca_cert")
		}
	default:
		return invalid("identity.mode %q", c.Identity.Mode)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "":
		c.Transport.Kind = "http"
		if c.TLS.Complete() {
			c.Transport.Kind = "https"
		}
	case "http":
	case "https":
		if !c.TLS.Complete() {
			return invalid("transport.kind https needs tls.cert, tls.key and tls.ca_cert")
		}
	default:
		return invalid("transport.kind %q", c.Transport.Kind)
	}
	if c.Identity.Mode == "certificate" && c.Transport.Kind != "https" {
		return invalid("identity.mode certificate requires transport.kind https")
	}
	if c.Transport.MaxBodyBytes < 0 {
		return invalid("transport.max_body_bytes must not be negative")
	}
	if c.Send.Workers < 0 || c.Send.Timeout < 0 {
		return invalid("send.workers and send.timeout must not be negative")
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Address) == "" {
			return invalid("peers[%d]: name and address are required", i)
		}
		if p.Port <= 0 || p.Port > 65535 {
			return invalid("peers[%d]: port %d out of range", i, p.Port)
		}
		if seen[p.Name] {
			return invalid("peers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if c.Identity.Mode == "certificate" && p.Cert == "" {
			return invalid("peers[%d]: certificate mode needs a cert for %q", i, p.Name)
		}
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
