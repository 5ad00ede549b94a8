// Package config loads the VantaDB server configuration from a YAML file and
// applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/vantadb/vantadb/pkg/logger"
	"github.com/vantadb/vantadb/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// UserConfig seeds one principal into the in-memory principal store at
// startup. Subjects still arrive pre-authenticated per request; this only
// declares who is known to the server.
type UserConfig struct {
	// Name is the principal's display name.
	Name string `yaml:"name"`
	// Admin grants the Full access mode.
	Admin bool `yaml:"admin"`
	// PasswordChangeRequired blocks all admin procedures for this user until
	// the credentials are updated.
	PasswordChangeRequired bool `yaml:"password_change_required"`
}

// ServerConfig holds the HTTP surface and governance settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// DefaultTxTimeoutMillis is the execution budget applied to requests that
	// do not specify their own.
	DefaultTxTimeoutMillis int64 `yaml:"default_tx_timeout_ms"`
	// RegistryCapacity bounds the number of live transactions; zero means
	// unbounded.
	RegistryCapacity int `yaml:"registry_capacity"`
	// AuthEnabled requires a configured principal store; the combination of
	// auth enabled and no users is rejected at startup.
	AuthEnabled bool `yaml:"auth_enabled"`
	// RateLimit is the sustained request rate per second allowed on the HTTP
	// surface; zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	// RateBurst is the burst allowance for the rate limiter.
	RateBurst int `yaml:"rate_burst"`
	// Users are the principals known at startup.
	Users []UserConfig `yaml:"users"`
}

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:             "127.0.0.1:7474",
			DefaultTxTimeoutMillis: int64(60 * time.Second / time.Millisecond),
			RegistryCapacity:       0,
			AuthEnabled:            true,
			RateLimit:              0,
			RateBurst:              0,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:        false,
			ServiceName:    "vantadb",
			PrometheusPort: 9090,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultTxTimeout returns the default execution budget as a duration.
func (s ServerConfig) DefaultTxTimeout() time.Duration {
	return time.Duration(s.DefaultTxTimeoutMillis) * time.Millisecond
}
