// Package registry owns the authoritative, ordered collection of
// sessions for a running sshdeck process.
//
// Backend calls happen outside the registry lock; the lock is held only
// while the in-memory slice is spliced.  Concurrent Connect calls race
// and are appended in completion order.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sshdeck/internal/backend"
	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/events"
	"sshdeck/internal/metrics"
	"sshdeck/internal/session"
	"sshdeck/util"
)

// EventKind names a collection change.
type EventKind string

const (
	EventHydrated EventKind = "hydrated"
	EventAdded    EventKind = "added"
	EventUpdated  EventKind = "updated"
	EventRemoved  EventKind = "removed"
)

// Event is published after every collection change.  Session is nil
// for EventHydrated.
type Event struct {
	Kind    EventKind
	Session *session.Session
	Size    int
}

// Options tunes a Registry.  The zero value is usable.
type Options struct {
	// ConnectTimeout bounds each backend StartSession call.  Zero
	// leaves the caller's context as the only bound.
	ConnectTimeout time.Duration

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Registry is the in-memory collection of sessions.
type Registry struct {
	backend backend.Backend
	timeout time.Duration
	logger  *util.Logger
	metrics *metrics.Collector
	events  *events.Broadcaster[Event]

	mu       sync.Mutex
	sessions []*session.Session
	// seq counts Connect insertions; added records the count at which
	// each connected session went in, so Hydrate can find the ones
	// that arrived while its backend call was outstanding.
	seq   uint64
	added map[*session.Session]uint64
}

// New returns an empty registry backed by b.
func New(b backend.Backend, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Registry{
		backend: b,
		timeout: opts.ConnectTimeout,
		logger:  logger.Named("registry"),
		metrics: opts.Metrics,
		events:  events.New[Event](),
		added:   make(map[*session.Session]uint64),
	}
}

// ── Queries ──────────────────────────────────────────────────────────

// List returns a snapshot of the collection in insertion order.
func (r *Registry) List() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Len returns the collection size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// At returns the session at index i, or nil when out of range.
func (r *Registry) At(i int) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.sessions) {
		return nil
	}
	return r.sessions[i]
}

// FindID returns the session holding backend identifier id, or nil.
func (r *Registry) FindID(id uint64) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if v, ok := s.ID().Value(); ok && v == id {
			return s
		}
	}
	return nil
}

// Contains reports whether s is in the collection.
func (r *Registry) Contains(s *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexLocked(s) >= 0
}

// Subscribe returns a stream of collection changes.  The caller must
// Close the subscription.
func (r *Registry) Subscribe() *events.Subscription[Event] {
	return r.events.Subscribe()
}

// Close ends all subscriptions.
func (r *Registry) Close() {
	r.events.Close()
}

// ── Mutations ────────────────────────────────────────────────────────

// Hydrate replaces the collection with the sessions the backend
// reports as active, in reported order.  Sessions appended by a Connect
// that finished while the backend call was outstanding are kept after
// the reported ones, unless an adopted session already carries the
// same ID.
//
// On failure the collection is left as it was and the error is
// returned; callers are expected to treat it as non-fatal.
func (r *Registry) Hydrate(ctx context.Context) error {
	r.mu.Lock()
	mark := r.seq
	r.mu.Unlock()

	infos, err := r.backend.ListActiveSessions(ctx)
	if err != nil {
		r.logger.Warn("hydrate: %v (keeping %d sessions)", err, r.Len())
		r.metrics.HydrateFailed(err.Error())
		return fmt.Errorf("hydrate: %w", err)
	}

	fresh := make([]*session.Session, 0, len(infos))
	reported := make(map[uint64]bool, len(infos))
	for _, info := range infos {
		fresh = append(fresh, session.Adopt(info))
		if info.ID != backend.NoID {
			reported[info.ID] = true
		}
	}

	r.mu.Lock()
	added := make(map[*session.Session]uint64)
	for _, s := range r.sessions {
		at, ok := r.added[s]
		if !ok || at <= mark {
			continue
		}
		if v, ok := s.ID().Value(); ok && reported[v] {
			continue
		}
		fresh = append(fresh, s)
		added[s] = at
	}
	r.sessions = fresh
	r.added = added
	size := len(fresh)
	r.mu.Unlock()

	r.logger.Verbose("hydrated %d sessions", size)
	r.metrics.Hydrated()
	r.events.Publish(Event{Kind: EventHydrated, Size: size})
	return nil
}

// Connect creates a session for user@host on port 22, connects it and
// appends it on success.  A failed connect never touches the
// collection.  Duplicate host/user pairs are allowed.
func (r *Registry) Connect(ctx context.Context, host, user, credential string) (*session.Session, error) {
	return r.ConnectAt(ctx, host, session.DefaultPort, user, credential)
}

// ConnectAt is Connect with an explicit port.
func (r *Registry) ConnectAt(ctx context.Context, host string, port int, user, credential string) (*session.Session, error) {
	s := session.NewAt(host, port, user)

	if err := r.connect(ctx, s, credential); err != nil {
		return nil, err
	}

	r.mu.Lock()
	evicted := r.evictDuplicateLocked(s)
	r.sessions = append(r.sessions, s)
	r.seq++
	r.added[s] = r.seq
	size := len(r.sessions)
	r.mu.Unlock()

	r.publishEvictions(evicted)
	r.logger.Verbose("connected %s (id %s)", s, s.ID())
	r.events.Publish(Event{Kind: EventAdded, Session: s, Size: size})
	return s, nil
}

// Reconnect connects a session already in the collection.  It is never
// re-inserted; on failure its previous ID and status are kept.
func (r *Registry) Reconnect(ctx context.Context, s *session.Session, credential string) error {
	if s == nil || !r.Contains(s) {
		return ncerr.ErrUnknownSession
	}

	if err := r.connect(ctx, s, credential); err != nil {
		return err
	}

	// A session removed while the backend call was outstanding is gone
	// for good; it must not displace the current holder of its new ID.
	r.mu.Lock()
	var evicted []*session.Session
	present := r.indexLocked(s) >= 0
	if present {
		evicted = r.evictDuplicateLocked(s)
	}
	size := len(r.sessions)
	r.mu.Unlock()

	r.publishEvictions(evicted)
	if present {
		r.logger.Verbose("reconnected %s (id %s)", s, s.ID())
		r.events.Publish(Event{Kind: EventUpdated, Session: s, Size: size})
	}
	return nil
}

// Remove drops s from the collection by reference.  Removing a session
// that is not present is a no-op.  The backend connection is left
// alone; callers wanting a hard disconnect use a backend.Closer.
func (r *Registry) Remove(s *session.Session) bool {
	r.mu.Lock()
	i := r.indexLocked(s)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
	delete(r.added, s)
	size := len(r.sessions)
	r.mu.Unlock()

	r.logger.Verbose("removed %s", s)
	r.metrics.Removed()
	r.events.Publish(Event{Kind: EventRemoved, Session: s, Size: size})
	return true
}

// ── internal ─────────────────────────────────────────────────────────

func (r *Registry) connect(ctx context.Context, s *session.Session, credential string) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Debug("connecting %s", s)
	if err := s.Connect(ctx, r.backend, credential); err != nil {
		r.logger.Verbose("connect %s: %v", s, err)
		r.metrics.ConnectFailed(err.Error())
		return err
	}
	return nil
}

func (r *Registry) indexLocked(s *session.Session) int {
	for i, cur := range r.sessions {
		if cur == s {
			return i
		}
	}
	return -1
}

// evictDuplicateLocked removes every other session holding s's ID.
func (r *Registry) evictDuplicateLocked(s *session.Session) []*session.Session {
	id, ok := s.ID().Value()
	if !ok {
		return nil
	}
	var evicted []*session.Session
	kept := r.sessions[:0:0]
	for _, cur := range r.sessions {
		if cur != s {
			if v, ok := cur.ID().Value(); ok && v == id {
				evicted = append(evicted, cur)
				delete(r.added, cur)
				continue
			}
		}
		kept = append(kept, cur)
	}
	if len(evicted) > 0 {
		r.sessions = kept
	}
	return evicted
}

func (r *Registry) publishEvictions(evicted []*session.Session) {
	for _, s := range evicted {
		r.logger.Warn("evicted %s: backend reissued id %s", s, s.ID())
		r.events.Publish(Event{Kind: EventRemoved, Session: s, Size: r.Len()})
	}
}
