package socket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sweeney/relayd/internal/protocol"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// maxResponseSize bounds a single response.
const maxResponseSize = 64 * 1024

// CommandError is returned by Call when the daemon answers with an error
// response.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client sends one request per connection, matching the server.
type Client struct {
	socketPath string
	encoding   protocol.Encoding
	timeout    time.Duration
}

// NewClient creates a client for the daemon at socketPath. timeout bounds
// the whole exchange after connecting.
func NewClient(socketPath string, enc protocol.Encoding, timeout time.Duration) *Client {
	return &Client{socketPath: socketPath, encoding: enc, timeout: timeout}
}

// Call sends req and returns the decoded response. An error response is
// returned alongside a *CommandError; transport and decoding failures are
// returned as plain errors with a nil response.
func (c *Client) Call(ctx context.Context, req protocol.Request) (map[string]any, error) {
	raw, err := c.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := protocol.DecodeResponse(bytes.NewReader(raw), c.encoding)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if msg, ok := resp["error"]; ok {
		code, _ := resp["code"].(string)
		return resp, &CommandError{Code: code, Message: fmt.Sprint(msg)}
	}
	return resp, nil
}

// Exchange sends req and returns the raw response bytes, in the client's
// encoding, exactly as the daemon wrote them.
func (c *Client) Exchange(ctx context.Context, req protocol.Request) ([]byte, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if err := protocol.EncodeRequest(conn, c.encoding, req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	// Both encodings are self-delimiting; half-closing lets the server see
	// EOF cleanly all the same.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("reading response: %w", io.ErrUnexpectedEOF)
	}
	return raw, nil
}
