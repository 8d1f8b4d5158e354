package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer establishes plain TCP connections to SSH servers.
type TCPDialer struct {
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period.  Zero uses the system
	// default; negative disables it.
	KeepAlive time.Duration
}

// Dial connects to address.  An empty network means "tcp".
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if network == "" {
		network = "tcp"
	}
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }
