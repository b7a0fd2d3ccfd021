// Command relayd owns the relay expander and switches irrigation valves and
// pumps on request from clients on a local Unix socket.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sweeney/relayd/internal/config"
	"github.com/sweeney/relayd/internal/gpio"
	"github.com/sweeney/relayd/internal/logging"
	"github.com/sweeney/relayd/internal/mqtt"
	"github.com/sweeney/relayd/internal/relay"
	"github.com/sweeney/relayd/internal/status"
)

// cliFlags holds command-line overrides. Only flags set explicitly replace
// values from the config file.
type cliFlags struct {
	configPath string
	i2cAddr    string
	logLevel   string
	logFormat  string
	socketPath string
	driver     string
	httpAddr   string
	broker     string
	printState bool
}

func main() {
	fs := pflag.NewFlagSet("relayd", pflag.ExitOnError)
	f := defineFlags(fs)
	fs.Parse(os.Args[1:])

	if err := run(f, fs); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func defineFlags(fs *pflag.FlagSet) *cliFlags {
	f := &cliFlags{}
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML config file (default $"+config.EnvVar+")")
	fs.StringVarP(&f.i2cAddr, "i2caddr", "i", "", "MCP23017 I2C address, 0x20..0x27")
	fs.StringVarP(&f.logLevel, "log-level", "l", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFormat, "log-format", "", "log format: json or console")
	fs.StringVar(&f.socketPath, "socket", "", "command socket path")
	fs.StringVar(&f.driver, "driver", "", "hardware driver: mcp23017, gpiochip or fake")
	fs.StringVar(&f.httpAddr, "http", "", "HTTP status address (empty to disable)")
	fs.StringVar(&f.broker, "broker", "", "MQTT broker URL (empty to disable)")
	fs.BoolVar(&f.printState, "print-state", false, "print every relay state and exit")
	return f
}

// loadConfig reads the config file and applies explicitly set flags.
func loadConfig(f *cliFlags, fs *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}

	if fs.Changed("i2caddr") {
		cfg.Hardware.I2CAddress = f.i2cAddr
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if fs.Changed("socket") {
		cfg.Socket.Path = f.socketPath
	}
	if fs.Changed("driver") {
		cfg.Hardware.Driver = f.driver
	}
	if fs.Changed("http") {
		cfg.HTTP.Addr = f.httpAddr
	}
	if fs.Changed("broker") {
		cfg.MQTT.Broker = f.broker
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(f *cliFlags, fs *pflag.FlagSet) error {
	cfg, err := loadConfig(f, fs)
	if err != nil {
		return err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	logger := logging.New(os.Stderr, level, cfg.Log.Format)

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	port, err := openPort(cfg.Hardware, registry.Pins(), logger)
	if err != nil {
		return fmt.Errorf("init hardware: %w", err)
	}
	defer port.Close()

	if f.printState {
		core := relay.NewCore(registry, port,
			relay.WithHardwareTimeout(cfg.Hardware.Timeout),
			relay.WithLogger(logger),
		)
		return printState(context.Background(), os.Stdout, core)
	}

	tracker := status.NewTracker(time.Now(), statusConfig(cfg), registry.Relays())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	var publisher mqtt.Publisher
	if cfg.MQTT.Broker != "" {
		p := mqtt.NewRealPublisher(mqtt.Options{
			Broker:             cfg.MQTT.Broker,
			ClientID:           cfg.MQTT.ClientID,
			TopicPrefix:        cfg.MQTT.TopicPrefix,
			OnConnectionChange: tracker.SetMQTTConnected,
		}, logger)
		defer p.Close()
		publisher = p
	}

	d := newDaemon(cfg, registry, port, tracker, publisher, logger)
	if err := d.listen(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	logger.Info("started",
		"socket", cfg.Socket.Path,
		"driver", cfg.Hardware.Driver,
		"relays", registry.Len(),
		"policy", cfg.Policy.Limits().String(),
		"broker", cfg.MQTT.Broker,
		"http", cfg.HTTP.Addr,
	)
	return d.serve(context.Background(), sigCh)
}

// openPort opens the configured hardware and wraps it in the bus retry
// policy.
func openPort(h config.HardwareConfig, pins []int, logger *slog.Logger) (gpio.Port, error) {
	var (
		port gpio.Port
		err  error
	)
	switch h.Driver {
	case config.DriverMCP23017:
		addr, aerr := h.Address()
		if aerr != nil {
			return nil, aerr
		}
		port, err = gpio.NewMCP23017Port(h.I2CBus, addr, pins)
	case config.DriverGPIOChip:
		port, err = gpio.NewChipPort(h.Chip, pins, h.ActiveLow)
	case config.DriverFake:
		port = gpio.NewFakePort()
	default:
		return nil, fmt.Errorf("unknown driver %q", h.Driver)
	}
	if err != nil {
		return nil, err
	}

	if h.Retries > 1 {
		port = gpio.NewRetryPort(port, h.Retries, h.RetryDelay, logger)
	}
	return port, nil
}

// printState reads every relay from hardware and prints one line per relay.
func printState(ctx context.Context, w io.Writer, core *relay.Core) error {
	statuses, err := core.All(ctx)
	if err != nil {
		return fmt.Errorf("read relays: %w", err)
	}
	relays := core.Registry().Relays()
	for i, s := range statuses {
		fmt.Fprintf(w, "%-8s %-5s pin %2d: %s\n", s.Relay, relays[i].Kind, relays[i].Pin, s.State)
	}
	return nil
}

func statusConfig(cfg *config.Config) status.Config {
	sc := status.Config{
		Socket:   cfg.Socket.Path,
		Driver:   cfg.Hardware.Driver,
		Policy:   cfg.Policy.Limits().String(),
		Broker:   cfg.MQTT.Broker,
		HTTPAddr: cfg.HTTP.Addr,
	}
	switch cfg.Hardware.Driver {
	case config.DriverMCP23017:
		sc.Address = cfg.Hardware.I2CAddress
	case config.DriverGPIOChip:
		sc.Address = cfg.Hardware.Chip
	}
	return sc
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
