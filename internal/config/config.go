// Package config loads relayd configuration.
//
// Configuration comes from a single YAML file named by the --config flag or
// the RELAYD_CONFIG environment variable. Values in the file are applied
// over Default(); a daemon with no file runs the stock board wiring.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/relayd/internal/gpio"
	"github.com/sweeney/relayd/internal/logging"
	"github.com/sweeney/relayd/internal/relay"
	"github.com/sweeney/relayd/internal/socket"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "RELAYD_CONFIG"

// Hardware drivers.
const (
	DriverMCP23017 = "mcp23017"
	DriverGPIOChip = "gpiochip"
	DriverFake     = "fake"
)

// Config is the full daemon configuration.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Hardware HardwareConfig `yaml:"hardware"`
	Policy   PolicyConfig   `yaml:"policy"`
	Relays   []RelayConfig  `yaml:"relays"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// SocketConfig configures the command socket.
type SocketConfig struct {
	Path string `yaml:"path"`
	// Mode is the octal file mode of the socket, e.g. "0666".
	Mode            string        `yaml:"mode"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
}

// HardwareConfig selects and configures the relay port.
type HardwareConfig struct {
	// Driver is one of mcp23017, gpiochip or fake.
	Driver string `yaml:"driver"`

	I2CBus uint8 `yaml:"i2c_bus"`
	// I2CAddress is the expander address, e.g. "0x27".
	I2CAddress string `yaml:"i2c_address"`

	// Chip is the gpiochip device for the gpiochip driver.
	Chip      string `yaml:"chip"`
	ActiveLow bool   `yaml:"active_low"`

	// Timeout bounds each pin operation.
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// PolicyConfig caps simultaneously active relays. Zero disables a cap.
type PolicyConfig struct {
	MaxValves int `yaml:"max_valves"`
	MaxPumps  int `yaml:"max_pumps"`
	MaxTotal  int `yaml:"max_total"`
}

// RelayConfig defines one relay output.
type RelayConfig struct {
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
	Kind string `yaml:"kind"`
}

// MQTTConfig configures event publishing. An empty broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// HTTPConfig configures the status page. An empty address disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
}

// Default returns the configuration for the stock HW v2.4.2 board.
func Default() *Config {
	relays := make([]RelayConfig, len(relay.DefaultRelays))
	for i, r := range relay.DefaultRelays {
		relays[i] = RelayConfig{Name: r.Name, Pin: r.Pin, Kind: string(r.Kind)}
	}
	limits := relay.DefaultLimits()

	return &Config{
		Socket: SocketConfig{
			Path:            socket.DefaultPath,
			Mode:            "0666",
			ReadTimeout:     socket.DefaultReadTimeout,
			WriteTimeout:    socket.DefaultWriteTimeout,
			RequestTimeout:  socket.DefaultRequestTimeout,
			MaxRequestBytes: socket.DefaultMaxRequestBytes,
		},
		Hardware: HardwareConfig{
			Driver:     DriverMCP23017,
			I2CBus:     gpio.DefaultBus,
			I2CAddress: fmt.Sprintf("0x%02X", gpio.DefaultAddress),
			Chip:       "gpiochip0",
			Timeout:    relay.DefaultHardwareTimeout,
			Retries:    3,
			RetryDelay: 100 * time.Millisecond,
		},
		Policy: PolicyConfig{
			MaxValves: limits.MaxValves,
			MaxPumps:  limits.MaxPumps,
			MaxTotal:  limits.MaxTotal,
		},
		Relays: relays,
		MQTT: MQTTConfig{
			ClientID:    "relayd",
			TopicPrefix: "garden/irrigation",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file at path over Default and validates the result. An
// empty path falls back to $RELAYD_CONFIG; if both are empty the defaults
// are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Socket.FileMode(); err != nil {
		errs = append(errs, err)
	}
	switch c.Hardware.Driver {
	case DriverMCP23017:
		if _, err := c.Hardware.Address(); err != nil {
			errs = append(errs, err)
		}
	case DriverGPIOChip:
		if c.Hardware.Chip == "" {
			errs = append(errs, errors.New("hardware.chip is required for the gpiochip driver"))
		}
	case DriverFake:
	default:
		errs = append(errs, fmt.Errorf("hardware.driver %q is not one of %s, %s, %s", c.Hardware.Driver, DriverMCP23017, DriverGPIOChip, DriverFake))
	}
	if c.Hardware.Timeout < 0 {
		errs = append(errs, errors.New("hardware.timeout must not be negative"))
	}
	if _, err := c.Registry(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatConsole {
		errs = append(errs, fmt.Errorf("log.format %q is not json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}

// FileMode parses the octal socket mode.
func (s SocketConfig) FileMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(s.Mode, 8, 32)
	if err != nil || m > 0o777 {
		return 0, fmt.Errorf("socket.mode %q is not an octal permission", s.Mode)
	}
	return os.FileMode(m), nil
}

// Server returns the socket server configuration.
func (s SocketConfig) Server() socket.Config {
	mode, _ := s.FileMode()
	return socket.Config{
		Path:            s.Path,
		Mode:            mode,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		RequestTimeout:  s.RequestTimeout,
		MaxRequestBytes: s.MaxRequestBytes,
	}
}

// Address parses the I2C address, accepting hex ("0x27") or decimal.
func (h HardwareConfig) Address() (uint8, error) {
	v, err := strconv.ParseUint(h.I2CAddress, 0, 8)
	if err != nil || v < gpio.MinAddress || v > gpio.MaxAddress {
		return 0, fmt.Errorf("hardware.i2c_address %q outside 0x%02X..0x%02X", h.I2CAddress, gpio.MinAddress, gpio.MaxAddress)
	}
	return uint8(v), nil
}

// Limits returns the safety policy.
func (p PolicyConfig) Limits() relay.Limits {
	return relay.Limits{MaxValves: p.MaxValves, MaxPumps: p.MaxPumps, MaxTotal: p.MaxTotal}
}

// Registry builds the relay registry from the relays section.
func (c *Config) Registry() (*relay.Registry, error) {
	defs := make([]relay.Relay, len(c.Relays))
	for i, r := range c.Relays {
		defs[i] = relay.Relay{Name: r.Name, Pin: r.Pin, Kind: relay.Kind(r.Kind)}
	}
	return relay.NewRegistry(defs)
}
