// Package backend defines the Connection Backend contract consumed by
// the session registry, and provides two implementations: a local
// [Pool] that owns live SSH connections, and a [Remote] client that
// talks to a pool hosted by `sshdeck serve`.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"sshdeck/util"
)

// Address is a host/port pair.  On the wire it is a two-element JSON
// array, e.g. ["db.internal", 22].
type Address struct {
	Host string
	Port int
}

// String returns "host:port".
func (a Address) String() string { return util.FormatAddr(a.Host, a.Port) }

// MarshalJSON encodes the address as a [host, port] tuple.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.Host, a.Port})
}

// UnmarshalJSON decodes a [host, port] tuple.
func (a *Address) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if len(raw) != 2 {
		return fmt.Errorf("address: want [host, port], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &a.Host); err != nil {
		return fmt.Errorf("address host: %w", err)
	}
	if err := json.Unmarshal(raw[1], &a.Port); err != nil {
		return fmt.Errorf("address port: %w", err)
	}
	return nil
}

// NoID is the reserved identifier 0.  Pool and the daemon never issue
// it; a report or start result carrying it means the session is alive
// but has no identifier the client can address.
const NoID uint64 = 0

// SessionInfo describes one session the backend considers active.
type SessionInfo struct {
	ID   uint64  `json:"id"`
	User string  `json:"user"`
	Addr Address `json:"addrs"`
}

// StartRequest asks the backend to open a session.  Password is the
// credential for this single call; backends must not retain it.
type StartRequest struct {
	Addr     Address `json:"addr"`
	User     string  `json:"user"`
	Password string  `json:"password"`
}

// Backend is the capability the registry needs from its environment.
type Backend interface {
	// ListActiveSessions reports the sessions currently alive, in the
	// order they were started.
	ListActiveSessions(ctx context.Context) ([]SessionInfo, error)

	// StartSession connects and authenticates, returning the new
	// session's identifier (see NoID).
	StartSession(ctx context.Context, req StartRequest) (uint64, error)
}

// Closer is implemented by backends that can sever a live session.
type Closer interface {
	CloseSession(ctx context.Context, id uint64) error
}

// Executor is implemented by backends that can run a command on a live
// session and return its standard output.
type Executor interface {
	Exec(ctx context.Context, id uint64, command string) (string, error)
}

// EventType names a backend-side session transition.
type EventType string

const (
	EventStarted EventType = "started"
	EventClosed  EventType = "closed"
)

// Event is published whenever a backend session starts or ends.
type Event struct {
	Type    EventType   `json:"type"`
	Session SessionInfo `json:"session"`
}
