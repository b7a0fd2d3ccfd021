// Package socket serves the relay command protocol on a Unix domain socket
// and provides the matching one-shot client.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sweeney/relayd/internal/protocol"
	"github.com/sweeney/relayd/internal/relay"
)

// Defaults for Config fields left zero.
const (
	DefaultPath            = "/tmp/mcp-daemon.sock"
	DefaultMode            = os.FileMode(0o666)
	DefaultReadTimeout     = 5 * time.Second
	DefaultWriteTimeout    = 5 * time.Second
	DefaultRequestTimeout  = 10 * time.Second
	DefaultMaxRequestBytes = 4096
)

// Handler executes one decoded request.
type Handler interface {
	Handle(ctx context.Context, req protocol.Request) (any, error)
}

// Recorder is told the outcome of every request: "ok" or a wire error code.
type Recorder interface {
	RecordRequest(code string)
}

// Config configures a Server.
type Config struct {
	Path string
	// Mode is applied to the socket file. File permissions are the only
	// access control.
	Mode os.FileMode

	// ReadTimeout bounds how long a client may take to send its request.
	ReadTimeout time.Duration
	// WriteTimeout bounds writing the response.
	WriteTimeout time.Duration
	// RequestTimeout bounds handling, including the wait for relay access.
	RequestTimeout time.Duration

	MaxRequestBytes int64
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.Mode == 0 {
		c.Mode = DefaultMode
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	return c
}

// Server serves one request-response cycle per connection: the client
// writes a request, the server handles it, writes one response and
// closes the connection. Connections are handled concurrently; the relay
// core serializes the work.
type Server struct {
	cfg      Config
	handler  Handler
	logger   *slog.Logger
	recorder Recorder

	// activeConnections tracks in-flight connections so Serve can drain
	// them before returning.
	activeConnections sync.WaitGroup
}

// NewServer creates a server. Zero Config fields take their defaults.
func NewServer(cfg Config, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger,
	}
}

// SetRecorder registers a request outcome recorder. Call before Serve.
func (s *Server) SetRecorder(r Recorder) {
	s.recorder = r
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.cfg.Path
}

// Listen removes any stale socket file, binds the socket and applies the
// configured file mode.
func (s *Server) Listen() (net.Listener, error) {
	if err := os.Remove(s.cfg.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", s.cfg.Path, err)
	}

	listener, err := net.Listen("unix", s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", s.cfg.Path, err)
	}
	if err := os.Chmod(s.cfg.Path, s.cfg.Mode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", s.cfg.Path, err)
	}
	return listener, nil
}

// Serve accepts connections on listener until ctx is cancelled, then
// stops accepting, waits for in-flight connections and removes the socket
// file.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer func() {
		listener.Close()
		os.Remove(s.cfg.Path)
	}()

	// Unblock Accept when the context is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	s.logger.Info("socket server listening", "path", s.cfg.Path, "mode", fmt.Sprintf("%#o", s.cfg.Mode))

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			backoff = nextAcceptBackoff(backoff)
			s.logger.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// nextAcceptBackoff doubles the wait after a failed Accept, from 5ms up to
// one second, so errors such as EMFILE do not spin.
func nextAcceptBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

// handleConnection processes one request-response cycle.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := protocol.EncodingJSON
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("request handler panicked", "panic", r)
			s.writeError(conn, enc, fmt.Errorf("internal: %v", r))
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

	req, enc, err := protocol.DecodeRequest(io.LimitReader(conn, s.cfg.MaxRequestBytes))
	if err != nil {
		if errors.Is(err, io.EOF) {
			// Client connected but sent nothing.
			return
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			err = fmt.Errorf("%w: no complete request within %s", relay.ErrTimeout, s.cfg.ReadTimeout)
		}
		s.writeError(conn, enc, err)
		return
	}

	logger := s.logger.With(
		"relay", req.Relay,
		"action", string(req.Action),
		"encoding", enc.String(),
	)
	if req.Username != "" {
		logger = logger.With("username", req.Username)
	}
	if peer, ok := peerCredentials(conn); ok {
		logger = logger.With("peer_uid", peer.UID, "peer_pid", peer.PID)
	}
	logger.Debug("request received")

	// In-flight requests finish during shutdown; only the request timeout
	// bounds them.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.RequestTimeout)
	defer cancel()

	result, err := s.handler.Handle(reqCtx, req)
	if err != nil {
		logger.Info("request failed", "code", protocol.ErrorCode(err), "error", err)
		s.writeError(conn, enc, err)
		return
	}

	s.record("ok")
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := protocol.EncodeResponse(conn, enc, result); err != nil {
		logger.Debug("failed to write response", "error", err)
	}
}

// writeError sends a failure response. Write failures are logged at debug
// level; the connection is closing regardless.
func (s *Server) writeError(conn net.Conn, enc protocol.Encoding, err error) {
	resp := protocol.NewErrorResponse(err)
	s.record(resp.Code)

	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if werr := protocol.EncodeResponse(conn, enc, resp); werr != nil {
		s.logger.Debug("failed to write error response", "error", werr)
	}
}

func (s *Server) record(code string) {
	if s.recorder != nil {
		s.recorder.RecordRequest(code)
	}
}
