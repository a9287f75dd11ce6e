// Package safehttp provides an HTTP client for fetching user-supplied URLs,
// such as hosted submission images, without reaching internal addresses.
package safehttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrDenied is wrapped by dial errors for blocked addresses.
var ErrDenied = errors.New("address denied")

// Denied reports whether ip is loopback, private, link-local or unspecified.
func Denied(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// DialContext dials addr and closes the connection again when the resolved
// peer is a denied address.
func DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return nil, fmt.Errorf("failed to parse remote IP for %q", addr)
	}
	if Denied(ip) {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrDenied, ip)
	}
	return conn, nil
}

// NewClient returns a client whose transport refuses internal addresses.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}
