package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrVaultUnavailable marks the vault daemon socket as unreachable.
var ErrVaultUnavailable = errors.New("broker: vault daemon unavailable")

// VaultClient obtains OAuth provider tokens. The kernel never stores these
// tokens; they live in the vault daemon and are fetched per call.
type VaultClient interface {
	Token(ctx context.Context, providerID string) (string, error)
}

type vaultRequest struct {
	Op       string `json:"op"`
	Provider string `json:"provider"`
}

type vaultResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token,omitempty"`
	Error string `json:"error,omitempty"`
}

// VaultSocketClient talks to the vault daemon over a unix socket carrying
// newline-delimited JSON, one request per connection.
type VaultSocketClient struct {
	path    string
	timeout time.Duration
}

// NewVaultSocketClient creates a client for the vault socket at path.
func NewVaultSocketClient(path string, timeout time.Duration) *VaultSocketClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &VaultSocketClient{path: path, timeout: timeout}
}

func (c *VaultSocketClient) Token(ctx context.Context, providerID string) (string, error) {
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	payload, err := json.Marshal(vaultRequest{Op: "token", Provider: providerID})
	if err != nil {
		return "", fmt.Errorf("broker: marshal vault request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrVaultUnavailable, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("%w: read: %v", ErrVaultUnavailable, err)
	}
	resp := &vaultResponse{}
	if err := json.Unmarshal(line, resp); err != nil {
		return "", fmt.Errorf("broker: decode vault response: %w", err)
	}
	if !resp.OK {
		return "", fmt.Errorf("broker: vault refused token for %q: %s", providerID, resp.Error)
	}
	return resp.Token, nil
}
