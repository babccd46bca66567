package totpgate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonUnavailable marks the daemon socket as unreachable. This is
// distinct from "TOTP not configured": unreachability fails closed for
// linked chats.
var ErrDaemonUnavailable = errors.New("totpgate: daemon unavailable")

// DaemonClient talks to the TOTP daemon. Implementations must distinguish
// transport failure (ErrDaemonUnavailable) from negative answers.
type DaemonClient interface {
	// Check reports whether userID has TOTP configured.
	Check(ctx context.Context, userID string) (bool, error)
	// Verify checks a six-digit code for userID.
	Verify(ctx context.Context, userID, code string) (bool, error)
	// Setup starts enrollment and returns the otpauth provisioning URI.
	Setup(ctx context.Context, userID string) (string, error)
	// Disable removes the TOTP secret for userID.
	Disable(ctx context.Context, userID string) error
	// Invalidate discards daemon-side verification state for userID.
	Invalidate(ctx context.Context, userID string) error
}

// daemonRequest is one line of the socket protocol.
type daemonRequest struct {
	Op     string `json:"op"`
	UserID string `json:"user_id"`
	Code   string `json:"code,omitempty"`
}

type daemonResponse struct {
	OK         bool   `json:"ok"`
	Configured bool   `json:"configured,omitempty"`
	Valid      bool   `json:"valid,omitempty"`
	URI        string `json:"uri,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SocketClient implements DaemonClient over a unix-domain socket carrying
// newline-delimited JSON, one request and one response per connection.
type SocketClient struct {
	path    string
	timeout time.Duration
}

// NewSocketClient creates a client for the daemon socket at path.
func NewSocketClient(path string, timeout time.Duration) *SocketClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &SocketClient{path: path, timeout: timeout}
}

// roundTrip sends one request line and reads one response line.
func (c *SocketClient) roundTrip(ctx context.Context, req daemonRequest) (*daemonResponse, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("totpgate: marshal request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrDaemonUnavailable, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrDaemonUnavailable, err)
	}
	resp := &daemonResponse{}
	if err := json.Unmarshal(line, resp); err != nil {
		return nil, fmt.Errorf("totpgate: decode response: %w", err)
	}
	return resp, nil
}

func (c *SocketClient) Check(ctx context.Context, userID string) (bool, error) {
	resp, err := c.roundTrip(ctx, daemonRequest{Op: "check", UserID: userID})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("totpgate: check failed: %s", resp.Error)
	}
	return resp.Configured, nil
}

func (c *SocketClient) Verify(ctx context.Context, userID, code string) (bool, error) {
	resp, err := c.roundTrip(ctx, daemonRequest{Op: "verify", UserID: userID, Code: code})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("totpgate: verify failed: %s", resp.Error)
	}
	return resp.Valid, nil
}

func (c *SocketClient) Setup(ctx context.Context, userID string) (string, error) {
	resp, err := c.roundTrip(ctx, daemonRequest{Op: "setup", UserID: userID})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("totpgate: setup failed: %s", resp.Error)
	}
	return resp.URI, nil
}

func (c *SocketClient) Disable(ctx context.Context, userID string) error {
	resp, err := c.roundTrip(ctx, daemonRequest{Op: "disable", UserID: userID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("totpgate: disable failed: %s", resp.Error)
	}
	return nil
}

func (c *SocketClient) Invalidate(ctx context.Context, userID string) error {
	resp, err := c.roundTrip(ctx, daemonRequest{Op: "invalidate", UserID: userID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("totpgate: invalidate failed: %s", resp.Error)
	}
	return nil
}
