// Package config loads the daemon configuration from a YAML file.
//
// A missing file is not an error: every key has a default. The log level
// may be overridden with the SYNCML_BT_LOG_LEVEL environment variable.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"syncml-bt/internal/logging"
	"syncml-bt/internal/rfcomm"
	"syncml-bt/internal/sdp"
)

// DefaultPath is read when no path is given.
const DefaultPath = "/etc/syncml-bt/config.yaml"

// DefaultPollInterval bounds one wait of the event loop.
const DefaultPollInterval = 100 * time.Millisecond

// Config is the daemon configuration.
type Config struct {
	// RecordDir holds the per-channel SDP record files.
	RecordDir string `yaml:"record_dir"`

	// CallTimeout bounds every synchronous adapter call.
	CallTimeout time.Duration `yaml:"call_timeout"`

	// PollInterval bounds one wait of the event loop.
	PollInterval time.Duration `yaml:"poll_interval"`

	LogLevel string `yaml:"log_level"`

	RequireAuthentication bool `yaml:"require_authentication"`
	RequireAuthorization  bool `yaml:"require_authorization"`

	// Channels lists the roles to serve ("client", "server").
	Channels []string `yaml:"channels"`

	// Advertise registers an SDP profile for every served channel.
	Advertise bool `yaml:"advertise"`

	// BestEffortAdvertising keeps serving a channel whose profile failed
	// to register.
	BestEffortAdvertising bool `yaml:"best_effort_advertising"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		RecordDir:             sdp.DefaultRecordDir,
		CallTimeout:           sdp.DefaultCallTimeout,
		PollInterval:          DefaultPollInterval,
		RequireAuthentication: true,
		Channels:              []string{rfcomm.ClientRole.Role(), rfcomm.ServerRole.Role()},
		Advertise:             true,
	}
}

// Load reads path over the defaults. An empty path means DefaultPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if level := os.Getenv(logging.LogLevelEnvVar); level != "" {
		cfg.LogLevel = level
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks durations and channel roles.
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: call_timeout must be positive, got %s", c.CallTimeout)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.LogLevel != "" {
		if _, err := logging.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("config: log_level: %w", err)
		}
	}
	if _, err := c.Roles(); err != nil {
		return err
	}
	return nil
}

// Roles returns the configured channels in file order.
func (c Config) Roles() ([]rfcomm.Channel, error) {
	if len(c.Channels) == 0 {
		return nil, errors.New("config: channels must not be empty")
	}
	seen := make(map[rfcomm.Channel]bool, len(c.Channels))
	out := make([]rfcomm.Channel, 0, len(c.Channels))
	for _, role := range c.Channels {
		ch, err := rfcomm.ParseChannel(role)
		if err != nil {
			return nil, fmt.Errorf("config: channels: %w", err)
		}
		if seen[ch] {
			return nil, fmt.Errorf("config: channels: duplicate role %q", role)
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out, nil
}
