// Package transport opens the raw connections the SSH pool runs its
// handshakes over.  Keeping the dial behind an interface lets tests and
// future proxies substitute the network path without touching the pool.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound stream connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.  It
	// must honour ctx cancellation while the dial is in progress.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases long-lived resources.  Stateless dialers return nil.
	Close() error
}
