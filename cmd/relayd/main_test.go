package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/relayd/internal/config"
	"github.com/sweeney/relayd/internal/gpio"
	"github.com/sweeney/relayd/internal/logging"
	"github.com/sweeney/relayd/internal/mqtt"
	"github.com/sweeney/relayd/internal/protocol"
	"github.com/sweeney/relayd/internal/relay"
	"github.com/sweeney/relayd/internal/socket"
	"github.com/sweeney/relayd/internal/status"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		assert.Equal(t, canonical, got)
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	assert.Equal(t, &status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}, readNetworkInfo())
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	assert.Nil(t, readNetworkInfo())
}

func TestReadNetworkInfoPartial(t *testing.T) {
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkIP, "")

	info := readNetworkInfo()
	require.NotNil(t, info)
	assert.Equal(t, "connected", info.Status)
	assert.Empty(t, info.IP)
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	f := defineFlags(fs)
	require.NoError(t, fs.Parse([]string{"-i", "0x20", "-l", "debug", "--socket", "/run/r.sock", "--driver", "fake", "--broker", "tcp://b:1883"}))

	cfg, err := loadConfig(f, fs)
	require.NoError(t, err)
	assert.Equal(t, "0x20", cfg.Hardware.I2CAddress)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/run/r.sock", cfg.Socket.Path)
	assert.Equal(t, config.DriverFake, cfg.Hardware.Driver)
	assert.Equal(t, "tcp://b:1883", cfg.MQTT.Broker)
	assert.Empty(t, cfg.HTTP.Addr, "unset flags keep config values")
}

func TestLoadConfigFlagOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\nhttp:\n  addr: \":8080\"\n"), 0o600))

	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	f := defineFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--log-level", "error"}))

	cfg, err := loadConfig(f, fs)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestLoadConfigRejectsBadFlag(t *testing.T) {
	t.Setenv(config.EnvVar, "")
	fs := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	f := defineFlags(fs)
	require.NoError(t, fs.Parse([]string{"--i2caddr", "0x50"}))

	_, err := loadConfig(f, fs)
	assert.Error(t, err)
}

func TestOpenPortFake(t *testing.T) {
	h := config.Default().Hardware
	h.Driver = config.DriverFake
	port, err := openPort(h, []int{1, 2}, logging.Discard())
	require.NoError(t, err)
	defer port.Close()

	_, ok := port.(*gpio.RetryPort)
	assert.True(t, ok, "default retries wrap the port")

	h.Retries = 1
	port, err = openPort(h, nil, logging.Discard())
	require.NoError(t, err)
	_, ok = port.(*gpio.FakePort)
	assert.True(t, ok)
}

func TestPrintState(t *testing.T) {
	port := gpio.NewFakePort()
	port.Preset(10, true)
	port.Preset(11, true)
	core := relay.NewCore(relay.DefaultRegistry(), port)

	var buf bytes.Buffer
	require.NoError(t, printState(context.Background(), &buf, core))

	want := "valve1   valve pin 10: on\n" +
		"nearbed  valve pin  6: off\n" +
		"mag      valve pin  9: off\n" +
		"plants   valve pin  7: off\n" +
		"valve5   valve pin  8: off\n" +
		"pump1    pump  pin  5: off\n" +
		"pump2    pump  pin 11: on\n"
	assert.Equal(t, want, buf.String())
	assert.Zero(t, port.WriteCount(), "print-state never writes")
}

func TestPrintStateReadError(t *testing.T) {
	port := gpio.NewFakePort()
	port.SetErrors(nil, errors.New("i2c nack"))
	core := relay.NewCore(relay.DefaultRegistry(), port)

	err := printState(context.Background(), io.Discard, core)
	assert.ErrorIs(t, err, relay.ErrHardware)
}

func TestSignalName(t *testing.T) {
	assert.Equal(t, "SIGINT", signalName(syscall.SIGINT))
	assert.Equal(t, "SIGTERM", signalName(syscall.SIGTERM))
	assert.Equal(t, "UNKNOWN", signalName(syscall.SIGHUP))
}

type testDaemon struct {
	d       *daemon
	port    *gpio.FakePort
	pub     *mqtt.FakePublisher
	sig     chan os.Signal
	errCh   chan error
	tracker *status.Tracker
}

func startDaemon(t *testing.T, mutate func(*config.Config)) *testDaemon {
	t.Helper()
	dir, err := os.MkdirTemp("", "relayd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Default()
	cfg.Hardware.Driver = config.DriverFake
	cfg.Socket.Path = filepath.Join(dir, "d.sock")
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	registry, err := cfg.Registry()
	require.NoError(t, err)
	port := gpio.NewFakePort()
	pub := mqtt.NewFakePublisher()
	pub.Connected = true
	tracker := status.NewTracker(time.Now(), statusConfig(cfg), registry.Relays())

	d := newDaemon(cfg, registry, port, tracker, pub, logging.Discard())
	require.NoError(t, d.listen())

	td := &testDaemon{
		d:       d,
		port:    port,
		pub:     pub,
		sig:     make(chan os.Signal, 1),
		errCh:   make(chan error, 1),
		tracker: tracker,
	}
	go func() { td.errCh <- d.serve(context.Background(), td.sig) }()
	return td
}

func (td *testDaemon) stop(t *testing.T, s os.Signal) {
	t.Helper()
	td.sig <- s
	select {
	case err := <-td.errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonServesAndShutsDown(t *testing.T) {
	td := startDaemon(t, nil)
	client := socket.NewClient(td.d.socket.Path(), protocol.EncodingJSON, 5*time.Second)
	ctx := context.Background()

	resp, err := client.Call(ctx, protocol.Request{Relay: "valve1", Action: protocol.ActionOn, Username: "pi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"relay": "valve1", "status": "on"}, resp)
	assert.True(t, td.port.Pin(10))

	_, err = client.Call(ctx, protocol.Request{Relay: "nope", Action: protocol.ActionOn})
	var cmdErr *socket.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, protocol.CodeUnknownRelay, cmdErr.Code)

	td.stop(t, syscall.SIGTERM)

	events := td.pub.RelayEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "valve1", events[0].Relay)
	assert.Equal(t, relay.StateOn, events[0].State)
	assert.Equal(t, "pi", events[0].Username)

	assert.Equal(t, []string{mqtt.EventStartup, mqtt.EventShutdown}, td.pub.SystemEventNames())
	shutdown := td.pub.SystemEvents[1]
	assert.Equal(t, "SIGTERM", shutdown.Reason)
	assert.True(t, shutdown.Retained)

	var payload status.StatusJSON
	require.NoError(t, json.Unmarshal(td.pub.SystemPayloads[1], &payload))
	assert.Equal(t, "SHUTDOWN", payload.Status.Event)
	assert.Equal(t, "SIGTERM", payload.Status.Reason)
	assert.Equal(t, int64(1), payload.Status.Requests["ok"])
	assert.Equal(t, int64(1), payload.Status.Requests[protocol.CodeUnknownRelay])
	assert.Equal(t, "on", payload.Status.Relays[0].State)
	assert.True(t, payload.Status.MQTT.Connected)

	_, err = os.Stat(td.d.socket.Path())
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestDaemonStartupSnapshotSeedsFromHardware(t *testing.T) {
	td := startDaemon(t, nil)
	td.stop(t, syscall.SIGINT)

	var payload status.StatusJSON
	require.NoError(t, json.Unmarshal(td.pub.SystemPayloads[0], &payload))
	assert.Equal(t, "STARTUP", payload.Status.Event)
	require.Len(t, payload.Status.Relays, 7)
	for _, r := range payload.Status.Relays {
		assert.Equal(t, "off", r.State, r.Name)
	}
	assert.Equal(t, "SIGINT", td.pub.SystemEvents[1].Reason)
}

func TestDaemonPublishErrorDoesNotFailRequest(t *testing.T) {
	td := startDaemon(t, nil)
	td.pub.SetPublishError(errors.New("broker down"))
	client := socket.NewClient(td.d.socket.Path(), protocol.EncodingCBOR, 5*time.Second)

	resp, err := client.Call(context.Background(), protocol.Request{Relay: "pump1", Action: protocol.ActionOn})
	require.NoError(t, err)
	assert.Equal(t, "on", resp["status"])

	td.stop(t, syscall.SIGTERM)
}

func TestDaemonHTTPStatus(t *testing.T) {
	td := startDaemon(t, func(cfg *config.Config) { cfg.HTTP.Addr = "127.0.0.1:0" })

	resp, err := http.Get("http://" + td.d.webLn.Addr().String() + "/index.json")
	require.NoError(t, err)
	var sj status.StatusJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sj))
	resp.Body.Close()
	assert.Len(t, sj.Status.Relays, 7)
	assert.Equal(t, "fake", sj.Status.Config.Driver)

	td.stop(t, syscall.SIGTERM)

	_, err = http.Get("http://" + td.d.webLn.Addr().String() + "/index.json")
	assert.Error(t, err, "http server stopped")
}

func TestDaemonListenFailsOnBadHTTPAddr(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Hardware.Driver = config.DriverFake
	cfg.Socket.Path = filepath.Join(dir, "d.sock")
	cfg.HTTP.Addr = "256.0.0.1:bad"
	registry, err := cfg.Registry()
	require.NoError(t, err)
	tracker := status.NewTracker(time.Now(), statusConfig(cfg), registry.Relays())

	d := newDaemon(cfg, registry, gpio.NewFakePort(), tracker, nil, logging.Discard())
	require.Error(t, d.listen())

	_, err = os.Stat(cfg.Socket.Path)
	assert.True(t, os.IsNotExist(err), "socket cleaned up after failed start")
}

func TestStatusConfig(t *testing.T) {
	cfg := config.Default()
	sc := statusConfig(cfg)
	assert.Equal(t, "0x27", sc.Address)
	assert.Equal(t, "valves<=2 pumps<=2 total<=any", sc.Policy)

	cfg.Hardware.Driver = config.DriverFake
	assert.Empty(t, statusConfig(cfg).Address)
}
