package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// MaxFetchBytes caps any outbound download made on the agent's behalf.
const MaxFetchBytes = 20 << 20

// ErrForbiddenAddress marks an outbound target that resolved to a private,
// loopback or metadata address.
var ErrForbiddenAddress = errors.New("broker: forbidden outbound address")

// ErrFetchTooLarge marks a download that exceeded the streamed size cap.
var ErrFetchTooLarge = errors.New("broker: fetch exceeds size limit")

// forbiddenIP rejects addresses an agent-driven fetch must never reach:
// loopback, RFC1918 and CGN ranges, link-local (which covers cloud metadata
// endpoints) and their IPv6 equivalents.
func forbiddenIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsMulticast() {
		return true
	}
	// CGN 100.64.0.0/10.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64 {
		return true
	}
	// IPv6 unique-local fc00::/7.
	if v4 := ip.To4(); v4 == nil && len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return true
	}
	return false
}

// NewGuardedClient builds an HTTP client whose every connection resolves the
// target host, validates the addresses, and dials the validated IP directly.
// Dialing the pinned IP closes the re-resolution window between check and
// connect. Redirects are bounded and re-validated by virtue of each hop
// passing through the same dialer.
func NewGuardedClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
			if err != nil {
				return nil, fmt.Errorf("broker: resolve %q: %w", host, err)
			}
			var pinned net.IP
			for _, ip := range ips {
				if forbiddenIP(ip) {
					return nil, fmt.Errorf("%w: %s resolves to %s", ErrForbiddenAddress, host, ip)
				}
				if pinned == nil {
					pinned = ip
				}
			}
			if pinned == nil {
				return nil, fmt.Errorf("broker: no address for %q", host)
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("broker: too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return fmt.Errorf("broker: redirect to unsupported scheme %q", req.URL.Scheme)
			}
			return nil
		},
	}
}

// fetchToFile streams the response body for url into destPath with a running
// size check. The partial file is removed on failure.
func fetchToFile(ctx context.Context, client *http.Client, url, destPath string, maxBytes int64) (int64, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFetchBytes
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("broker: build fetch request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("broker: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("broker: fetch returned status %d", resp.StatusCode)
	}
	return streamToFile(resp.Body, destPath, maxBytes)
}

// streamToFile copies r into destPath with a running size check. The partial
// file is removed on failure.
func streamToFile(r io.Reader, destPath string, maxBytes int64) (int64, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFetchBytes
	}
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("broker: create download file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(r, maxBytes+1))
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = closeErr
	}
	if err == nil && n > maxBytes {
		err = ErrFetchTooLarge
	}
	if err != nil {
		os.Remove(destPath)
		return 0, err
	}
	return n, nil
}
