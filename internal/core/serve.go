package core

import (
	"context"
	"net"

	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/server"
	"sshdeck/util"
)

// ServeMode runs the HTTP daemon in front of a local session pool.
type ServeMode struct {
	Server  *server.Server
	Address string
	// Listener, when set, is used instead of listening on Address.
	Listener net.Listener
	// Close releases the pool once the server has stopped.
	Close  func() error
	Logger *util.Logger
}

// Run serves until ctx is cancelled, then shuts the server down and
// closes every pooled session.
func (m *ServeMode) Run(ctx context.Context) error {
	ln := m.Listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", m.Address)
		if err != nil {
			return ncerr.Wrap("listen", m.Address, err)
		}
	}

	err := m.Server.Serve(ctx, ln)
	if m.Close != nil {
		if cerr := m.Close(); cerr != nil {
			m.Logger.Warn("closing session pool: %v", cerr)
		}
	}
	return err
}
