// Package backendtest provides an in-memory backend.Backend for tests.
package backendtest

import (
	"context"
	"fmt"
	"sync"

	"sshdeck/internal/backend"
	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/events"
)

// Fake is a scriptable backend.  Zero value is ready to use: it issues
// sequential IDs starting at 1 and lists the sessions it started.
type Fake struct {
	mu       sync.Mutex
	next     uint64
	active   []backend.SessionInfo
	requests []backend.StartRequest
	events   *events.Broadcaster[backend.Event]

	// StartFunc overrides StartSession when set.
	StartFunc func(ctx context.Context, req backend.StartRequest) (uint64, error)
	// ListFunc overrides ListActiveSessions when set.
	ListFunc func(ctx context.Context) ([]backend.SessionInfo, error)
	// Executed maps commands to canned Exec output.
	Executed map[string]string
}

// Seed adds already-active sessions, as if started by an earlier run.
func (f *Fake) Seed(infos ...backend.SessionInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = append(f.active, infos...)
}

// ListActiveSessions implements backend.Backend.
func (f *Fake) ListActiveSessions(ctx context.Context) ([]backend.SessionInfo, error) {
	if f.ListFunc != nil {
		return f.ListFunc(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.SessionInfo, len(f.active))
	copy(out, f.active)
	return out, nil
}

// StartSession implements backend.Backend.
func (f *Fake) StartSession(ctx context.Context, req backend.StartRequest) (uint64, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.StartFunc
	f.mu.Unlock()

	var id uint64
	if fn != nil {
		var err error
		if id, err = fn(ctx, req); err != nil {
			return 0, err
		}
	}

	f.mu.Lock()
	if fn == nil {
		f.next++
		id = f.next
	}
	info := backend.SessionInfo{ID: id, User: req.User, Addr: req.Addr}
	f.active = append(f.active, info)
	ev := f.events
	f.mu.Unlock()

	ev.Publish(backend.Event{Type: backend.EventStarted, Session: info})
	return id, nil
}

// CloseSession implements backend.Closer.
func (f *Fake) CloseSession(_ context.Context, id uint64) error {
	f.mu.Lock()
	for i, info := range f.active {
		if info.ID == id {
			f.active = append(f.active[:i:i], f.active[i+1:]...)
			ev := f.events
			f.mu.Unlock()
			ev.Publish(backend.Event{Type: backend.EventClosed, Session: info})
			return nil
		}
	}
	f.mu.Unlock()
	return fmt.Errorf("session %d: %w", id, ncerr.ErrUnknownSession)
}

// Subscribe streams started/closed events, like backend.Pool.
func (f *Fake) Subscribe() *events.Subscription[backend.Event] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = events.New[backend.Event]()
	}
	return f.events.Subscribe()
}

// Exec implements backend.Executor using the Executed table.
func (f *Fake) Exec(_ context.Context, id uint64, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasLocked(id) {
		return "", fmt.Errorf("session %d: %w", id, ncerr.ErrUnknownSession)
	}
	out, ok := f.Executed[command]
	if !ok {
		return "", fmt.Errorf("session %d: command %q failed", id, command)
	}
	return out, nil
}

func (f *Fake) hasLocked(id uint64) bool {
	for _, info := range f.active {
		if info.ID == id {
			return true
		}
	}
	return false
}

// Requests returns every StartRequest received, in order.
func (f *Fake) Requests() []backend.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.StartRequest, len(f.requests))
	copy(out, f.requests)
	return out
}
