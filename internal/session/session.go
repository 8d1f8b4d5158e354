// Package session models one remote SSH session as seen by the
// registry: an immutable identity (host, port, user) plus the mutable
// connection state that a backend assigns when a connect succeeds.
//
// A Session never holds a live connection or a credential.  The
// backend owns the connection; the credential is passed through to a
// single backend call and dropped.
package session

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"sshdeck/internal/backend"
	ncerr "sshdeck/internal/errors"
	"sshdeck/util"
)

// DefaultPort is used when no port is given.
const DefaultPort = 22

// ── ID ───────────────────────────────────────────────────────────────

// ID is either Unconnected or an identifier issued by the backend.
// The zero value is Unconnected.
type ID struct {
	value uint64
	set   bool
}

// Unconnected is the ID of a session that never connected.
var Unconnected = ID{}

// Assigned wraps a backend-issued identifier.
func Assigned(v uint64) ID { return ID{value: v, set: true} }

// Value returns the identifier and whether one is assigned.
func (id ID) Value() (uint64, bool) { return id.value, id.set }

// IsAssigned reports whether the backend issued this ID.
func (id ID) IsAssigned() bool { return id.set }

func (id ID) String() string {
	if !id.set {
		return "-"
	}
	return strconv.FormatUint(id.value, 10)
}

// ── Status ───────────────────────────────────────────────────────────

// Status is derived from the ID, outstanding attempts and the last
// attempt's outcome.
type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ── Session ──────────────────────────────────────────────────────────

// Starter is the part of the backend a Session needs to connect.
type Starter interface {
	StartSession(ctx context.Context, req backend.StartRequest) (uint64, error)
}

// Session is one logical remote connection identified by host+user.
// Sessions are compared by pointer; two sessions may share an identity.
type Session struct {
	host string
	port int
	user string

	mu       sync.RWMutex
	id       ID
	adopted  bool // backend reported it active without an ID
	inflight int
	lastErr  error
}

// New returns an unconnected session for user@host on port 22.
func New(host, user string) *Session {
	return NewAt(host, DefaultPort, user)
}

// NewAt returns an unconnected session for user@host:port.  A port
// outside 1-65535 falls back to 22.
func NewAt(host string, port int, user string) *Session {
	if port < 1 || port > 65535 {
		port = DefaultPort
	}
	return &Session{host: host, port: port, user: user}
}

// Adopt builds a session from a backend report.  It counts as
// connected even when the report carries no identifier.
func Adopt(info backend.SessionInfo) *Session {
	s := NewAt(info.Addr.Host, info.Addr.Port, info.User)
	s.adopted = true
	if info.ID != backend.NoID {
		s.id = Assigned(info.ID)
	}
	return s
}

// Identity returns the immutable (host, user) pair.
func (s *Session) Identity() (host, user string) { return s.host, s.user }

// Host returns the remote endpoint.
func (s *Session) Host() string { return s.host }

// User returns the remote account name.
func (s *Session) User() string { return s.user }

// Port returns the remote SSH port.
func (s *Session) Port() int { return s.port }

// ID returns the current identifier.
func (s *Session) ID() ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Status derives the session's connection state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.inflight > 0:
		return StatusPending
	case s.id.set || (s.adopted && s.lastErr == nil):
		return StatusConnected
	case s.lastErr != nil:
		return StatusFailed
	default:
		return StatusIdle
	}
}

// LastError returns the error of the most recent failed attempt, or
// nil if the last attempt succeeded or none was made.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// String returns "user@host:port".
func (s *Session) String() string {
	return fmt.Sprintf("%s@%s", s.user, util.FormatAddr(s.host, s.port))
}

// Connect asks the backend to open a session for this identity.  On
// success the backend's identifier replaces the current ID.  On failure
// the ID is left untouched and a *errors.ConnectError is returned whose
// message is the backend's.  A deadline on ctx that expires first
// yields a ConnectError of kind Timeout.
func (s *Session) Connect(ctx context.Context, starter Starter, credential string) error {
	s.mu.Lock()
	s.inflight++
	s.mu.Unlock()

	id, err := starter.StartSession(ctx, backend.StartRequest{
		Addr:     backend.Address{Host: s.host, Port: s.port},
		User:     s.user,
		Password: credential,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && ncerr.Is(ctxErr, context.DeadlineExceeded) {
			err = ncerr.ConnectTimeout(s.host, s.user, ctxErr)
		} else {
			err = ncerr.Connect(s.host, s.user, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if err != nil {
		s.lastErr = err
		return err
	}
	s.lastErr = nil
	if id == backend.NoID {
		s.id = Unconnected
		s.adopted = true
		return nil
	}
	s.id = Assigned(id)
	return nil
}
