// Package metrics provides lock-free counters and gauges for session
// activity in the registry and the SSH pool.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one sshdeck process.
type Collector struct {
	sessionsActive  atomic.Int64
	sessionsStarted atomic.Int64
	sessionsClosed  atomic.Int64
	connectFailures atomic.Int64
	hydrations      atomic.Int64
	hydrateFailures atomic.Int64
	removals        atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Backend sessions ─────────────────────────────────────────────────

// SessionStarted records a session the backend opened.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsStarted.Add(1)
}

// SessionClosed records a backend session that ended.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
	c.sessionsClosed.Add(1)
}

// ActiveSessions returns the number of live backend sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// StartedSessions returns the lifetime count of opened sessions.
func (c *Collector) StartedSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsStarted.Load()
}

// ConnectFailed records a failed connect attempt and its message.
func (c *Collector) ConnectFailed(msg string) {
	if c == nil {
		return
	}
	c.connectFailures.Add(1)
	c.RecordError(msg)
}

// ConnectFailures returns the number of failed connect attempts.
func (c *Collector) ConnectFailures() int64 {
	if c == nil {
		return 0
	}
	return c.connectFailures.Load()
}

// ── Registry ─────────────────────────────────────────────────────────

// Hydrated records a completed hydration.
func (c *Collector) Hydrated() {
	if c == nil {
		return
	}
	c.hydrations.Add(1)
}

// HydrateFailed records a hydration the backend could not serve.
func (c *Collector) HydrateFailed(msg string) {
	if c == nil {
		return
	}
	c.hydrateFailures.Add(1)
	c.RecordError(msg)
}

// Removed records a registry removal.
func (c *Collector) Removed() {
	if c == nil {
		return
	}
	c.removals.Add(1)
}

// Removals returns the number of registry removals.
func (c *Collector) Removals() int64 {
	if c == nil {
		return 0
	}
	return c.removals.Load()
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	SessionsActive   int64  `json:"sessions_active"`
	SessionsStarted  int64  `json:"sessions_started"`
	SessionsClosed   int64  `json:"sessions_closed"`
	ConnectFailures  int64  `json:"connect_failures"`
	Hydrations       int64  `json:"hydrations"`
	HydrateFailures  int64  `json:"hydrate_failures"`
	Removals         int64  `json:"removals"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		SessionsActive:  c.sessionsActive.Load(),
		SessionsStarted: c.sessionsStarted.Load(),
		SessionsClosed:  c.sessionsClosed.Load(),
		ConnectFailures: c.connectFailures.Load(),
		Hydrations:      c.hydrations.Load(),
		HydrateFailures: c.hydrateFailures.Load(),
		Removals:        c.removals.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
