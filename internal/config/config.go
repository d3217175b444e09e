// Package config holds the daemon configuration: defaults, YAML config file
// loading, and the enumerated table of runtime-settable keys.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is consulted when no --conf flag is given.
const DefaultConfigFile = "/etc/halpid/halpid.conf"

// DefaultSocket is the API socket path when running as root.
const DefaultSocket = "/var/run/halpid.sock"

// Config is the resolved daemon configuration. Loaded once at startup and
// owned by the daemon for its lifetime; the runtime-settable keys are changed
// only through Set, applied by the scheduler between ticks.
type Config struct {
	I2CBus  int `yaml:"i2c-bus"`
	I2CAddr int `yaml:"i2c-addr"`

	// BlackoutTimeLimit is in seconds, matching the config file unit.
	BlackoutTimeLimit    float64 `yaml:"blackout-time-limit"`
	BlackoutVoltageLimit float64 `yaml:"blackout-voltage-limit"`

	Socket      string `yaml:"socket"`
	SocketGroup string `yaml:"socket-group"`
	Poweroff    string `yaml:"poweroff"`
	DryRun      bool   `yaml:"dry-run"`
}

// Default returns the shipped configuration.
func Default() Config {
	return Config{
		I2CBus:               1,
		I2CAddr:              0x6D,
		BlackoutTimeLimit:    5.0,
		BlackoutVoltageLimit: 9.0,
		Socket:               "",
		SocketGroup:          "adm",
		Poweroff:             "/sbin/poweroff",
	}
}

// Load reads the given config files in order on top of the defaults. Later
// files override earlier ones. A missing explicitly named file is an error;
// use LoadDefault for the optional system config.
func Load(paths ...string) (Config, error) {
	cfg := Default()
	for _, path := range paths {
		buf, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDefault loads DefaultConfigFile if it exists, else just the defaults.
func LoadDefault() (Config, error) {
	if _, err := os.Stat(DefaultConfigFile); err != nil {
		return Default(), nil
	}
	return Load(DefaultConfigFile)
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if c.I2CBus < 0 {
		return &ValidationError{Key: "i2c-bus", Reason: "must be non-negative"}
	}
	if c.I2CAddr < 0x03 || c.I2CAddr > 0x77 {
		return &ValidationError{Key: "i2c-addr", Reason: "outside 7-bit address range"}
	}
	if c.BlackoutTimeLimit < 0 {
		return &ValidationError{Key: "blackout-time-limit", Reason: "must be non-negative"}
	}
	if c.BlackoutVoltageLimit <= 0 {
		return &ValidationError{Key: "blackout-voltage-limit", Reason: "must be positive"}
	}
	if c.Poweroff == "" {
		return &ValidationError{Key: "poweroff", Reason: "must not be empty"}
	}
	return nil
}

// BlackoutTime returns the blackout time limit as a duration.
func (c *Config) BlackoutTime() time.Duration {
	return time.Duration(c.BlackoutTimeLimit * float64(time.Second))
}

// ValidationError reports a rejected configuration value. The offending
// input never reaches hardware.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Key, e.Reason)
}

// ErrUnknownKey is returned by Get/Set for keys outside the table.
type ErrUnknownKey struct {
	Key string
}

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("unknown config key %q", e.Key)
}

// Keys returns the runtime-visible key names in a stable order.
func Keys() []string {
	return []string{
		"blackout-time-limit",
		"blackout-voltage-limit",
		"i2c-bus",
		"i2c-addr",
		"socket",
		"socket-group",
		"poweroff",
	}
}

// Get reads one key by name.
func (c *Config) Get(key string) (any, error) {
	switch key {
	case "blackout-time-limit":
		return c.BlackoutTimeLimit, nil
	case "blackout-voltage-limit":
		return c.BlackoutVoltageLimit, nil
	case "i2c-bus":
		return c.I2CBus, nil
	case "i2c-addr":
		return c.I2CAddr, nil
	case "socket":
		return c.Socket, nil
	case "socket-group":
		return c.SocketGroup, nil
	case "poweroff":
		return c.Poweroff, nil
	default:
		return nil, &ErrUnknownKey{Key: key}
	}
}

// Set validates and applies one key by name. Numeric values arrive as
// float64 (the natural JSON decoding); strings as string. The blackout
// limits take effect on the scheduler's next tick; bus, socket, and
// poweroff settings take effect on daemon restart.
func (c *Config) Set(key string, value any) error {
	switch key {
	case "blackout-time-limit":
		v, ok := asFloat(value)
		if !ok || v < 0 {
			return &ValidationError{Key: key, Reason: "must be a non-negative number of seconds"}
		}
		c.BlackoutTimeLimit = v
	case "blackout-voltage-limit":
		v, ok := asFloat(value)
		if !ok || v <= 0 {
			return &ValidationError{Key: key, Reason: "must be a positive voltage"}
		}
		c.BlackoutVoltageLimit = v
	case "i2c-bus":
		v, ok := asInt(value)
		if !ok || v < 0 {
			return &ValidationError{Key: key, Reason: "must be a non-negative bus number"}
		}
		c.I2CBus = v
	case "i2c-addr":
		v, ok := asInt(value)
		if !ok || v < 0x03 || v > 0x77 {
			return &ValidationError{Key: key, Reason: "must be a 7-bit I2C address"}
		}
		c.I2CAddr = v
	case "socket":
		v, ok := value.(string)
		if !ok {
			return &ValidationError{Key: key, Reason: "must be a path string"}
		}
		c.Socket = v
	case "socket-group":
		v, ok := value.(string)
		if !ok {
			return &ValidationError{Key: key, Reason: "must be a group name"}
		}
		c.SocketGroup = v
	case "poweroff":
		v, ok := value.(string)
		if !ok || v == "" {
			return &ValidationError{Key: key, Reason: "must be a non-empty command"}
		}
		c.Poweroff = v
	default:
		return &ErrUnknownKey{Key: key}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	}
	return 0, false
}
