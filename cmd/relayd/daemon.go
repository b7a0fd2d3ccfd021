package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/relayd/internal/config"
	"github.com/sweeney/relayd/internal/gpio"
	"github.com/sweeney/relayd/internal/mqtt"
	"github.com/sweeney/relayd/internal/protocol"
	"github.com/sweeney/relayd/internal/relay"
	"github.com/sweeney/relayd/internal/socket"
	"github.com/sweeney/relayd/internal/status"
	"github.com/sweeney/relayd/internal/web"
)

const httpShutdownTimeout = 5 * time.Second

// daemon wires the relay core to its listeners and event sinks.
type daemon struct {
	cfg       *config.Config
	core      *relay.Core
	tracker   *status.Tracker
	publisher mqtt.Publisher // nil when MQTT is disabled
	socket    *socket.Server
	web       *web.Server // nil when HTTP is disabled
	logger    *slog.Logger

	socketLn net.Listener
	webLn    net.Listener
}

func newDaemon(cfg *config.Config, registry *relay.Registry, port gpio.Port, tracker *status.Tracker, publisher mqtt.Publisher, logger *slog.Logger) *daemon {
	d := &daemon{
		cfg:       cfg,
		tracker:   tracker,
		publisher: publisher,
		logger:    logger,
	}

	d.core = relay.NewCore(registry, port,
		relay.WithPolicy(cfg.Policy.Limits()),
		relay.WithHardwareTimeout(cfg.Hardware.Timeout),
		relay.WithLogger(logger),
		relay.WithObserver(tracker.Observe),
		relay.WithObserver(d.publish),
	)
	tracker.SetRelaySource(d.core)

	d.socket = socket.NewServer(cfg.Socket.Server(), protocol.NewHandler(d.core), logger)
	d.socket.SetRecorder(tracker)

	if cfg.HTTP.Addr != "" {
		d.web = web.New(cfg.HTTP.Addr, tracker)
	}
	return d
}

// listen binds the command socket and, if enabled, the HTTP listener.
// Failure here is fatal at startup.
func (d *daemon) listen() error {
	ln, err := d.socket.Listen()
	if err != nil {
		return err
	}
	d.socketLn = ln

	if d.web != nil {
		webLn, err := net.Listen("tcp", d.cfg.HTTP.Addr)
		if err != nil {
			ln.Close()
			os.Remove(d.socket.Path())
			return fmt.Errorf("http listen on %s: %w", d.cfg.HTTP.Addr, err)
		}
		d.webLn = webLn
	}
	return nil
}

// serve seeds relay state from hardware, announces startup and runs the
// listeners until a signal arrives or a listener fails. Call listen first.
func (d *daemon) serve(ctx context.Context, sig <-chan os.Signal) error {
	if err := d.core.Load(ctx); err != nil {
		d.logger.Warn("initial relay read failed, affected relays are unknown", "error", err)
	}
	d.publishSystem(mqtt.EventStartup, "")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	reason := ""
	g.Go(func() error {
		select {
		case s := <-sig:
			reason = signalName(s)
			d.logger.Info("shutting down", "signal", reason)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		return d.socket.Serve(gctx, d.socketLn)
	})

	if d.web != nil {
		g.Go(func() error {
			d.logger.Info("http status server listening", "addr", d.webLn.Addr().String())
			if err := d.web.Serve(d.webLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			return d.web.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	d.publishSystem(mqtt.EventShutdown, reason)
	return err
}

// publish forwards a relay state change to MQTT.
func (d *daemon) publish(ev relay.Event) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Publish(ev); err != nil {
		// Don't fail the request on publish failure.
		d.logger.Warn("publish error", "relay", ev.Relay, "error", err)
	}
}

// publishSystem sends a lifecycle event carrying a full status snapshot.
func (d *daemon) publishSystem(event, reason string) {
	if d.publisher == nil {
		return
	}
	if cs, ok := d.publisher.(mqtt.ConnectionStatus); ok {
		d.tracker.SetMQTTConnected(cs.IsConnected())
	}
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.publisher.PublishSystem(ev); err != nil {
		d.logger.Warn("failed to publish system event", "event", event, "error", err)
		return
	}
	d.logger.Info("published system event", "event", event)
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}
