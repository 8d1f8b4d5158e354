package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sshdeck/internal/backend"
	"sshdeck/internal/backend/backendtest"
	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/metrics"
	"sshdeck/internal/registry"
)

func startDaemon(t *testing.T, fake *backendtest.Fake, opts Options) (*httptest.Server, *backend.Remote) {
	t.Helper()
	srv := httptest.NewServer(New(fake, opts).Handler())
	t.Cleanup(srv.Close)

	remote, err := backend.NewRemote(srv.URL, backend.RemoteOptions{Token: opts.AuthToken, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return srv, remote
}

func TestHealthz(t *testing.T) {
	srv, _ := startDaemon(t, &backendtest.Fake{}, Options{AuthToken: "tok"})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}
}

// TestRegistryOverDaemon runs the registry's core scenarios against a
// backend reached through the HTTP API.
func TestRegistryOverDaemon(t *testing.T) {
	fake := &backendtest.Fake{
		StartFunc: func(_ context.Context, req backend.StartRequest) (uint64, error) {
			if req.Addr.Host == "bad.host" {
				return 0, fmt.Errorf("unreachable")
			}
			return 7, nil
		},
	}
	_, remote := startDaemon(t, fake, Options{})
	reg := registry.New(remote, registry.Options{})
	ctx := context.Background()

	s, err := reg.Connect(ctx, "db.internal", "alice", "secret")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if v, _ := s.ID().Value(); v != 7 {
		t.Errorf("ID = %v, want 7", s.ID())
	}
	if reqs := fake.Requests(); len(reqs) != 1 || reqs[0].Password != "secret" || reqs[0].Addr.Port != 22 {
		t.Errorf("requests = %+v", reqs)
	}

	_, err = reg.Connect(ctx, "bad.host", "bob", "x")
	if err == nil || err.Error() != "unreachable" {
		t.Errorf("Connect error = %v, want %q", err, "unreachable")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}

	if err := reg.Hydrate(ctx); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	list := reg.List()
	if len(list) != 1 || list[0].Host() != "db.internal" || list[0].User() != "alice" {
		t.Errorf("List after hydrate = %v", list)
	}
}

func TestStart_Validation(t *testing.T) {
	srv, _ := startDaemon(t, &backendtest.Fake{}, Options{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing user", `{"addr":["h",22],"password":"p"}`},
		{"missing host", `{"addr":["",22],"user":"u"}`},
		{"bad port", `{"addr":["h",70000],"user":"u"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/sessions", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body backend.ErrorResponse
			json.NewDecoder(resp.Body).Decode(&body) //nolint:errcheck
			if resp.StatusCode != http.StatusBadRequest || body.Code != backend.CodeBadRequest || body.Error == "" {
				t.Errorf("status=%d body=%+v", resp.StatusCode, body)
			}
		})
	}
}

func TestStart_ErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		status   int
		sentinel error
	}{
		{"timeout", fmt.Errorf("connect h:22: %w", ncerr.ErrTimeout), http.StatusGatewayTimeout, ncerr.ErrTimeout},
		{"auth", fmt.Errorf("u@h:22: %w", ncerr.ErrAuthFailed), http.StatusBadGateway, ncerr.ErrAuthFailed},
		{"host key", fmt.Errorf("h:22: %w", ncerr.ErrHostKeyMismatch), http.StatusBadGateway, ncerr.ErrHostKeyMismatch},
		{"closed", ncerr.ErrBackendUnavailable, http.StatusServiceUnavailable, ncerr.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &backendtest.Fake{
				StartFunc: func(context.Context, backend.StartRequest) (uint64, error) { return 0, tt.err },
			}
			_, remote := startDaemon(t, fake, Options{})

			_, err := remote.StartSession(context.Background(), backend.StartRequest{Addr: backend.Address{Host: "h", Port: 22}, User: "u"})
			var apiErr *backend.APIError
			if !ncerr.As(err, &apiErr) || apiErr.Status != tt.status {
				t.Fatalf("err = %v, want HTTP %d", err, tt.status)
			}
			if !ncerr.Is(err, tt.sentinel) {
				t.Errorf("err = %v, want %v across the wire", err, tt.sentinel)
			}
			if err.Error() != tt.err.Error() {
				t.Errorf("message = %q, want %q", err.Error(), tt.err.Error())
			}
		})
	}
}

func TestAuthToken(t *testing.T) {
	fake := &backendtest.Fake{}
	srv, remote := startDaemon(t, fake, Options{AuthToken: "s3cret"})

	if _, err := remote.ListActiveSessions(context.Background()); err != nil {
		t.Fatalf("authorized list: %v", err)
	}

	for _, tc := range []struct {
		name string
		req  func() *http.Request
		want int
	}{
		{"no token", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			return r
		}, http.StatusUnauthorized},
		{"wrong bearer", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions", nil)
			r.Header.Set("Authorization", "Bearer nope")
			return r
		}, http.StatusUnauthorized},
		{"query token", func() *http.Request {
			r, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/sessions?token=s3cret", nil)
			return r
		}, http.StatusOK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(tc.req())
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}
}

func TestStart_RateLimited(t *testing.T) {
	_, remote := startDaemon(t, &backendtest.Fake{}, Options{StartRate: 0.001, StartBurst: 2})
	req := backend.StartRequest{Addr: backend.Address{Host: "h", Port: 22}, User: "u"}

	for i := 0; i < 2; i++ {
		if _, err := remote.StartSession(context.Background(), req); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	_, err := remote.StartSession(context.Background(), req)
	var apiErr *backend.APIError
	if !ncerr.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests || apiErr.Code != backend.CodeRateLimited {
		t.Fatalf("err = %v, want 429", err)
	}
}

func TestCloseAndExec(t *testing.T) {
	fake := &backendtest.Fake{Executed: map[string]string{"echo hi": "hi\n"}}
	_, remote := startDaemon(t, fake, Options{})
	ctx := context.Background()

	id, err := remote.StartSession(ctx, backend.StartRequest{Addr: backend.Address{Host: "h", Port: 22}, User: "u"})
	if err != nil {
		t.Fatal(err)
	}

	out, err := remote.Exec(ctx, id, "echo hi")
	if err != nil || out != "hi\n" {
		t.Errorf("Exec = %q, %v", out, err)
	}
	if err := remote.CloseSession(ctx, id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := remote.CloseSession(ctx, id); !ncerr.Is(err, ncerr.ErrUnknownSession) {
		t.Errorf("second Close = %v, want ErrUnknownSession", err)
	}
	if _, err := remote.Exec(ctx, id, "echo hi"); !ncerr.Is(err, ncerr.ErrUnknownSession) {
		t.Errorf("Exec after close = %v, want ErrUnknownSession", err)
	}
}

func TestBadSessionID(t *testing.T) {
	srv, _ := startDaemon(t, &backendtest.Fake{}, Options{})
	for _, id := range []string{"abc", "0", "-1"} {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("DELETE %s = %d, want 400", id, resp.StatusCode)
		}
	}
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.SessionStarted()
	_, remote := startDaemon(t, &backendtest.Fake{}, Options{Metrics: m})

	body, err := remote.Metrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("bad metrics JSON %q: %v", body, err)
	}
	if snap.SessionsActive != 1 {
		t.Errorf("sessions_active = %d, want 1", snap.SessionsActive)
	}
}

func TestMetrics_FailedStartCountedOnce(t *testing.T) {
	m := metrics.New()
	fake := &backendtest.Fake{
		StartFunc: func(context.Context, backend.StartRequest) (uint64, error) {
			return 0, fmt.Errorf("u@h:22: %w", ncerr.ErrAuthFailed)
		},
	}
	_, remote := startDaemon(t, fake, Options{Metrics: m})

	if _, err := remote.StartSession(context.Background(), backend.StartRequest{Addr: backend.Address{Host: "h", Port: 22}, User: "u"}); err == nil {
		t.Fatal("expected an error")
	}
	snap := m.Snapshot()
	if snap.ConnectFailures != 1 || snap.ErrorsTotal != 1 {
		t.Errorf("connect_failures = %d errors_total = %d, want 1 and 1", snap.ConnectFailures, snap.ErrorsTotal)
	}
}

func TestEvents_SnapshotThenChanges(t *testing.T) {
	fake := &backendtest.Fake{}
	fake.Seed(backend.SessionInfo{ID: 100, User: "u1", Addr: backend.Address{Host: "h1", Port: 22}})
	_, remote := startDaemon(t, fake, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frames := make(chan backend.StreamMessage, 8)
	done := make(chan error, 1)
	go func() {
		done <- remote.Watch(ctx, func(m backend.StreamMessage) { frames <- m })
	}()

	first := <-frames
	if first.Type != backend.StreamSnapshot || len(first.Sessions) != 1 || first.Sessions[0].ID != 100 {
		t.Fatalf("snapshot = %+v", first)
	}

	id, err := remote.StartSession(ctx, backend.StartRequest{Addr: backend.Address{Host: "h2", Port: 22}, User: "u2"})
	if err != nil {
		t.Fatal(err)
	}
	if ev := <-frames; ev.Type != string(backend.EventStarted) || ev.Session == nil || ev.Session.ID != id {
		t.Errorf("frame = %+v, want started %d", ev, id)
	}

	if err := remote.CloseSession(ctx, id); err != nil {
		t.Fatal(err)
	}
	if ev := <-frames; ev.Type != string(backend.EventClosed) || ev.Session == nil || ev.Session.ID != id {
		t.Errorf("frame = %+v, want closed %d", ev, id)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(&backendtest.Fake{}, Options{}).Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
