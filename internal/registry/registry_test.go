package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"sshdeck/internal/backend"
	"sshdeck/internal/backend/backendtest"
	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/events"
	"sshdeck/internal/metrics"
	"sshdeck/internal/session"
)

func addr(host string) backend.Address { return backend.Address{Host: host, Port: 22} }

func nextEvent(t *testing.T, sub *events.Subscription[Event]) Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for registry event")
	}
	return Event{}
}

// TestConnect_AssignsBackendID covers connect("db.internal","alice","secret")
// against a backend that returns id 7.
func TestConnect_AssignsBackendID(t *testing.T) {
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) { return 7, nil },
	}
	r := New(fake, Options{})

	s, err := r.Connect(context.Background(), "db.internal", "alice", "secret")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	host, user := s.Identity()
	if host != "db.internal" || user != "alice" {
		t.Errorf("Identity() = %q,%q", host, user)
	}
	if v, ok := s.ID().Value(); !ok || v != 7 {
		t.Errorf("ID = %v, want 7", s.ID())
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	reqs := fake.Requests()
	if len(reqs) != 1 || reqs[0].Addr.Port != 22 || reqs[0].Password != "secret" {
		t.Errorf("backend requests = %+v", reqs)
	}
}

// TestConnect_FailureLeavesCollection covers connect("bad.host","bob","x")
// against a backend failing with "unreachable".
func TestConnect_FailureLeavesCollection(t *testing.T) {
	fail := false
	fake := &backendtest.Fake{
		StartFunc: func(_ context.Context, req backend.StartRequest) (uint64, error) {
			if fail {
				return 0, fmt.Errorf("unreachable")
			}
			return 1, nil
		},
	}
	m := metrics.New()
	r := New(fake, Options{Metrics: m})

	existing, err := r.Connect(context.Background(), "db.internal", "alice", "secret")
	if err != nil {
		t.Fatal(err)
	}
	before := r.List()

	fail = true
	s, err := r.Connect(context.Background(), "bad.host", "bob", "x")
	if err == nil {
		t.Fatal("expected error")
	}
	if s != nil {
		t.Error("failed connect should return no session")
	}
	if err.Error() != "unreachable" {
		t.Errorf("error = %q, want %q", err.Error(), "unreachable")
	}

	after := r.List()
	if len(after) != len(before) || after[0] != existing {
		t.Errorf("collection changed: before=%v after=%v", before, after)
	}
	for _, s := range after {
		if s.User() == "bob" {
			t.Error("bob must not be in the registry")
		}
	}
	if m.ConnectFailures() != 1 {
		t.Errorf("connect failures = %d, want 1", m.ConnectFailures())
	}
}

func TestConnect_DuplicateIdentityAllowed(t *testing.T) {
	r := New(&backendtest.Fake{}, Options{})
	a, _ := r.Connect(context.Background(), "h", "u", "pw")
	b, _ := r.Connect(context.Background(), "h", "u", "pw")

	if a == b {
		t.Fatal("each connect should create a new entity")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestConnect_Timeout(t *testing.T) {
	fake := &backendtest.Fake{
		StartFunc: func(ctx context.Context, _ backend.StartRequest) (uint64, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		},
	}
	r := New(fake, Options{ConnectTimeout: 20 * time.Millisecond})

	_, err := r.Connect(context.Background(), "slow.host", "u", "pw")
	if !ncerr.Is(err, ncerr.ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d after timeout, want 0", r.Len())
	}
}

func TestConnect_ConcurrentAppendsAll(t *testing.T) {
	r := New(&backendtest.Fake{}, Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Connect(context.Background(), fmt.Sprintf("h%d", i), "u", "pw"); err != nil {
				t.Errorf("connect %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 20 {
		t.Fatalf("Len = %d, want 20", r.Len())
	}
	seen := map[uint64]bool{}
	for _, s := range r.List() {
		v, _ := s.ID().Value()
		if seen[v] {
			t.Errorf("duplicate id %d", v)
		}
		seen[v] = true
	}
}

func TestConnect_EvictsStaleHolderOfReissuedID(t *testing.T) {
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) { return 5, nil },
	}
	r := New(fake, Options{})

	old, _ := r.Connect(context.Background(), "h1", "u", "pw")
	fresh, _ := r.Connect(context.Background(), "h2", "u", "pw")

	list := r.List()
	if len(list) != 1 || list[0] != fresh {
		t.Fatalf("List = %v, want only the newer holder", list)
	}
	if r.Contains(old) {
		t.Error("stale holder should be evicted")
	}
}

func TestReconnect_KeepsSize(t *testing.T) {
	var next uint64 = 10
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) {
			next++
			return next, nil
		},
	}
	r := New(fake, Options{})
	s, _ := r.Connect(context.Background(), "h", "u", "pw")

	if err := r.Reconnect(context.Background(), s, "pw"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if v, _ := s.ID().Value(); v != 12 {
		t.Errorf("ID = %d, want 12", v)
	}
	if host, user := s.Identity(); host != "h" || user != "u" {
		t.Error("identity must not change on reconnect")
	}
}

func TestReconnect_FailureKeepsState(t *testing.T) {
	fail := false
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) {
			if fail {
				return 0, fmt.Errorf("authentication failed")
			}
			return 3, nil
		},
	}
	r := New(fake, Options{})
	s, _ := r.Connect(context.Background(), "h", "u", "pw")

	fail = true
	if err := r.Reconnect(context.Background(), s, "wrong"); err == nil {
		t.Fatal("expected error")
	}
	if v, _ := s.ID().Value(); v != 3 {
		t.Errorf("ID = %d, want 3", v)
	}
	if r.Len() != 1 || !r.Contains(s) {
		t.Error("failed reconnect must not change the collection")
	}
}

func TestReconnect_UnknownSession(t *testing.T) {
	fake := &backendtest.Fake{}
	r := New(fake, Options{})

	err := r.Reconnect(context.Background(), session.New("h", "u"), "pw")
	if !ncerr.Is(err, ncerr.ErrUnknownSession) {
		t.Fatalf("expected ErrUnknownSession, got %v", err)
	}
	if len(fake.Requests()) != 0 {
		t.Error("backend should not be called for an unknown session")
	}
	if r.Len() != 0 {
		t.Error("unknown session must not be inserted")
	}
}

func TestReconnect_RemovedMidCallEvictsNothing(t *testing.T) {
	fake := &backendtest.Fake{}
	fake.Seed(backend.SessionInfo{ID: 5, User: "u", Addr: addr("h1")})
	r := New(fake, Options{})
	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	holder := r.At(0)

	s, err := r.Connect(context.Background(), "h2", "u", "pw")
	if err != nil {
		t.Fatal(err)
	}
	// The reconnect lands on the ID holder already has, after s was
	// dropped from the list.
	fake.StartFunc = func(context.Context, backend.StartRequest) (uint64, error) {
		r.Remove(s)
		return 5, nil
	}
	if err := r.Reconnect(context.Background(), s, "pw"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}

	if r.Len() != 1 || r.At(0) != holder {
		t.Errorf("list = %v, want only the original holder of id 5", r.List())
	}
}

func TestHydrate_ZeroIDIsNoID(t *testing.T) {
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) { return backend.NoID, nil },
	}
	fake.Seed(backend.SessionInfo{ID: backend.NoID, User: "u", Addr: addr("h1")})
	r := New(fake, Options{})
	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	s, err := r.Connect(context.Background(), "h2", "u", "pw")
	if err != nil {
		t.Fatal(err)
	}

	for _, cur := range []*session.Session{r.At(0), s} {
		if cur.ID().IsAssigned() {
			t.Errorf("%s: ID = %v, want none", cur, cur.ID())
		}
		if cur.Status() != session.StatusConnected {
			t.Errorf("%s: Status = %v, want connected", cur, cur.Status())
		}
	}
}

func TestRemove(t *testing.T) {
	m := metrics.New()
	r := New(&backendtest.Fake{}, Options{Metrics: m})
	a, _ := r.Connect(context.Background(), "h1", "u", "pw")
	b, _ := r.Connect(context.Background(), "h2", "u", "pw")

	if !r.Remove(a) {
		t.Fatal("Remove should report removal")
	}
	for _, s := range r.List() {
		if s == a {
			t.Fatal("removed session still listed")
		}
	}
	if r.Len() != 1 || r.At(0) != b {
		t.Errorf("List = %v, want [b]", r.List())
	}

	// Absent: no-op.
	if r.Remove(a) {
		t.Error("second Remove should be a no-op")
	}
	if r.Remove(session.New("x", "y")) {
		t.Error("removing a foreign session should be a no-op")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if m.Removals() != 1 {
		t.Errorf("removals = %d, want 1", m.Removals())
	}
}

func TestRemove_DoesNotCloseBackendSession(t *testing.T) {
	fake := &backendtest.Fake{}
	r := New(fake, Options{})
	s, _ := r.Connect(context.Background(), "h", "u", "pw")
	r.Remove(s)

	active, _ := fake.ListActiveSessions(context.Background())
	if len(active) != 1 {
		t.Errorf("backend sessions = %d, want 1", len(active))
	}
}

// TestHydrate_MatchesBackend covers a backend reporting (h1,22,u1) and
// (h2,22,u2).
func TestHydrate_MatchesBackend(t *testing.T) {
	fake := &backendtest.Fake{}
	fake.Seed(
		backend.SessionInfo{ID: 100, User: "u1", Addr: addr("h1")},
		backend.SessionInfo{ID: 200, User: "u2", Addr: addr("h2")},
	)
	r := New(fake, Options{})

	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("Len = %d, want 2", len(list))
	}
	want := [][2]string{{"h1", "u1"}, {"h2", "u2"}}
	for i, s := range list {
		host, user := s.Identity()
		if host != want[i][0] || user != want[i][1] {
			t.Errorf("list[%d] = %s@%s, want %s@%s", i, user, host, want[i][1], want[i][0])
		}
		if s.Status() != session.StatusConnected {
			t.Errorf("list[%d] status = %v, want connected", i, s.Status())
		}
	}
	if r.FindID(200) != list[1] {
		t.Error("FindID(200) should return the second session")
	}
}

func TestHydrate_ReplacesCollection(t *testing.T) {
	fake := &backendtest.Fake{}
	r := New(fake, Options{})
	local, _ := r.Connect(context.Background(), "h", "u", "pw")

	fake.ListFunc = func(context.Context) ([]backend.SessionInfo, error) {
		return []backend.SessionInfo{{ID: 50, User: "other", Addr: addr("elsewhere")}}, nil
	}
	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	if r.Contains(local) {
		t.Error("entities not reported by the backend are discarded")
	}
	if r.Len() != 1 || r.At(0).User() != "other" {
		t.Errorf("List = %v", r.List())
	}

	// Idempotent.
	if err := r.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Errorf("Len after re-hydrate = %d, want 1", r.Len())
	}
}

func TestHydrate_FailureIsNonFatal(t *testing.T) {
	m := metrics.New()
	fake := &backendtest.Fake{
		ListFunc: func(context.Context) ([]backend.SessionInfo, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	r := New(fake, Options{Metrics: m})

	if err := r.Hydrate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
	if m.Snapshot().HydrateFailures != 1 {
		t.Error("hydrate failure should be recorded")
	}

	// The registry stays usable.
	if _, err := r.Connect(context.Background(), "h", "u", "pw"); err != nil {
		t.Fatalf("Connect after failed hydrate: %v", err)
	}
}

func TestHydrate_KeepsConnectsThatFinishDuringListing(t *testing.T) {
	fake := &backendtest.Fake{}
	r := New(fake, Options{})
	before, _ := r.Connect(context.Background(), "old", "u", "pw")

	listing := make(chan struct{})
	release := make(chan struct{})
	fake.ListFunc = func(context.Context) ([]backend.SessionInfo, error) {
		close(listing)
		<-release
		return []backend.SessionInfo{{ID: 900, User: "u1", Addr: addr("h1")}}, nil
	}

	done := make(chan error, 1)
	go func() { done <- r.Hydrate(context.Background()) }()

	<-listing
	late, err := r.Connect(context.Background(), "late", "u", "pw")
	if err != nil {
		t.Fatal(err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List = %v, want reported + late", list)
	}
	if list[0].Host() != "h1" || list[1] != late {
		t.Errorf("List = %v", list)
	}
	if r.Contains(before) {
		t.Error("session connected before the hydrate request must be replaced")
	}
}

func TestHydrate_LateConnectAlreadyReportedIsNotDuplicated(t *testing.T) {
	fake := &backendtest.Fake{}
	r := New(fake, Options{})

	listing := make(chan struct{})
	release := make(chan struct{})
	fake.ListFunc = func(context.Context) ([]backend.SessionInfo, error) {
		close(listing)
		<-release
		return []backend.SessionInfo{{ID: 1, User: "u", Addr: addr("late")}}, nil
	}

	done := make(chan error, 1)
	go func() { done <- r.Hydrate(context.Background()) }()

	<-listing
	if _, err := r.Connect(context.Background(), "late", "u", "pw"); err != nil { // fake issues id 1
		t.Fatal(err)
	}
	close(release)
	<-done

	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSubscribe_ReceivesChanges(t *testing.T) {
	fake := &backendtest.Fake{}
	fake.Seed(backend.SessionInfo{ID: 100, User: "u1", Addr: addr("h1")})
	r := New(fake, Options{})
	defer r.Close()

	sub := r.Subscribe()
	defer sub.Close()

	_ = r.Hydrate(context.Background())
	if ev := nextEvent(t, sub); ev.Kind != EventHydrated || ev.Size != 1 {
		t.Errorf("event = %+v, want hydrated/1", ev)
	}

	s, _ := r.Connect(context.Background(), "h2", "u2", "pw")
	if ev := nextEvent(t, sub); ev.Kind != EventAdded || ev.Session != s || ev.Size != 2 {
		t.Errorf("event = %+v, want added/2", ev)
	}

	_ = r.Reconnect(context.Background(), s, "pw")
	if ev := nextEvent(t, sub); ev.Kind != EventUpdated || ev.Session != s {
		t.Errorf("event = %+v, want updated", ev)
	}

	r.Remove(s)
	if ev := nextEvent(t, sub); ev.Kind != EventRemoved || ev.Size != 1 {
		t.Errorf("event = %+v, want removed/1", ev)
	}
}

func TestAt_OutOfRange(t *testing.T) {
	r := New(&backendtest.Fake{}, Options{})
	if r.At(0) != nil || r.At(-1) != nil {
		t.Error("At out of range should return nil")
	}
	if r.FindID(1) != nil {
		t.Error("FindID on empty registry should return nil")
	}
}
