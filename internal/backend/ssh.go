package backend

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/events"
	"sshdeck/internal/metrics"
	"sshdeck/internal/transport"
	"sshdeck/util"
)

// maxID keeps identifiers exactly representable as IEEE doubles, so
// JavaScript and other float-only JSON consumers round-trip them.
const maxID = 1 << 53

// PoolOptions configures a [Pool].
type PoolOptions struct {
	Auth AuthConfig

	// ConnTimeout bounds the TCP dial plus SSH handshake.
	ConnTimeout time.Duration
	// KeepAlive is the interval between keepalive@openssh.com probes.
	// Zero disables probing.
	KeepAlive time.Duration

	// Dialer opens the TCP connection.  Defaults to a TCPDialer using
	// ConnTimeout.
	Dialer transport.Dialer

	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Pool is a [Backend] that owns live SSH client connections.  Sessions
// are kept in start order and dropped when their connection ends.
type Pool struct {
	auth      AuthConfig
	timeout   time.Duration
	keepAlive time.Duration
	dialer    transport.Dialer
	logger    *util.Logger
	metrics   *metrics.Collector
	events    *events.Broadcaster[Event]

	mu     sync.RWMutex
	conns  []*poolConn
	closed bool
}

type poolConn struct {
	info   SessionInfo
	client *ssh.Client
	done   chan struct{}
}

// NewPool creates an empty pool.
func NewPool(opts PoolOptions) *Pool {
	if opts.ConnTimeout == 0 {
		opts.ConnTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &transport.TCPDialer{Timeout: opts.ConnTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = util.NewLogger(0)
	}
	return &Pool{
		auth:      opts.Auth,
		timeout:   opts.ConnTimeout,
		keepAlive: opts.KeepAlive,
		dialer:    opts.Dialer,
		logger:    logger.Named("pool"),
		metrics:   opts.Metrics,
		events:    events.New[Event](),
	}
}

// ListActiveSessions implements [Backend].
func (p *Pool) ListActiveSessions(_ context.Context) ([]SessionInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SessionInfo, len(p.conns))
	for i, c := range p.conns {
		out[i] = c.info
	}
	return out, nil
}

// StartSession implements [Backend]: it dials, authenticates and keeps
// the client until it disconnects or is closed.
func (p *Pool) StartSession(ctx context.Context, req StartRequest) (uint64, error) {
	if req.Addr.Port == 0 {
		req.Addr.Port = 22
	}
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, ncerr.ErrBackendUnavailable
	}

	// Failed starts are counted by the caller (registry or daemon), which
	// shares this collector.
	client, err := p.dial(ctx, req)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		client.Close()
		return 0, ncerr.ErrBackendUnavailable
	}
	c := &poolConn{
		info:   SessionInfo{ID: p.newIDLocked(), User: req.User, Addr: req.Addr},
		client: client,
		done:   make(chan struct{}),
	}
	p.conns = append(p.conns, c)
	p.mu.Unlock()

	p.logger.Verbose("session %d: %s@%s established", c.info.ID, c.info.User, c.info.Addr)
	p.metrics.SessionStarted()
	p.events.Publish(Event{Type: EventStarted, Session: c.info})

	go p.monitor(c)
	if p.keepAlive > 0 {
		go p.keepAliveLoop(c)
	}
	return c.info.ID, nil
}

// CloseSession implements [Closer].
func (p *Pool) CloseSession(_ context.Context, id uint64) error {
	c := p.lookup(id)
	if c == nil {
		return fmt.Errorf("session %d: %w", id, ncerr.ErrUnknownSession)
	}
	err := c.client.Close()
	p.drop(c, "closed by request")
	return err
}

// Exec implements [Executor].  A non-zero exit status is an error.
func (p *Pool) Exec(ctx context.Context, id uint64, command string) (string, error) {
	c := p.lookup(id)
	if c == nil {
		return "", fmt.Errorf("session %d: %w", id, ncerr.ErrUnknownSession)
	}

	sess, err := c.client.NewSession()
	if err != nil {
		return "", ncerr.WrapSSH("exec", c.info.Addr.Host, c.info.Addr.Port, err)
	}
	defer sess.Close()

	stop := context.AfterFunc(ctx, func() { sess.Close() })
	defer stop()

	var stdout bytes.Buffer
	sess.Stdout = &stdout
	p.logger.Debug("session %d: exec %q", id, command)
	if err := sess.Run(command); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return stdout.String(), fmt.Errorf("%s: %w", command, err)
	}
	return stdout.String(), nil
}

// Subscribe streams started/closed events.  The caller must Close the
// subscription.
func (p *Pool) Subscribe() *events.Subscription[Event] {
	return p.events.Subscribe()
}

// Close disconnects every session and rejects further starts.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := append([]*poolConn(nil), p.conns...)
	p.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.client.Close(); err != nil {
			errs = append(errs, err)
		}
		p.drop(c, "pool closed")
	}
	p.events.Close()
	if err := p.dialer.Close(); err != nil {
		errs = append(errs, err)
	}
	return ncerr.Join(errs...)
}

// ── internal ─────────────────────────────────────────────────────────

func (p *Pool) dial(ctx context.Context, req StartRequest) (*ssh.Client, error) {
	host, port := req.Addr.Host, req.Addr.Port
	addr := req.Addr.String()

	methods, release, err := authMethods(p.auth, req.Password)
	if err != nil {
		return nil, ncerr.WrapSSH("auth", host, port, err)
	}
	defer release()
	if len(methods) == 0 {
		return nil, fmt.Errorf("%s@%s: %w: no password, key or agent available", req.User, addr, ncerr.ErrAuthFailed)
	}

	hkCallback, err := hostKeyCallback(p.auth)
	if err != nil {
		return nil, ncerr.WrapSSH("hostkey", host, port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            req.User,
		Auth:            methods,
		HostKeyCallback: hkCallback,
		Timeout:         p.timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.logger.Debug("SSH: dialing %s as %s", addr, req.User)
	tcpConn, err := p.dialer.Dial(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, abandoned(ctx, addr)
		}
		return nil, ncerr.Wrap("dial", addr, err)
	}

	// The handshake has no context of its own; closing the socket is
	// the only way to abandon it.
	stop := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if !stop() {
		if err == nil {
			sshConn.Close()
		}
		return nil, abandoned(ctx, addr)
	}
	if err != nil {
		tcpConn.Close()
		return nil, classifyHandshake(req.User, host, port, err)
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// abandoned reports why ctx cut a connect short.
func abandoned(ctx context.Context, addr string) error {
	if ncerr.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("connect %s: %w", addr, ncerr.ErrTimeout)
	}
	return ctx.Err()
}

func classifyHandshake(user, host string, port int, err error) error {
	addr := util.FormatAddr(host, port)

	var keyErr *knownhosts.KeyError
	if ncerr.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return fmt.Errorf("%s: host is not in known_hosts: %w", addr, ncerr.ErrHostKeyMismatch)
		}
		return fmt.Errorf("%s: %w", addr, ncerr.ErrHostKeyMismatch)
	}
	if msg := err.Error(); strings.Contains(msg, "knownhosts: key") {
		return fmt.Errorf("%s: %v: %w", addr, err, ncerr.ErrHostKeyMismatch)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return fmt.Errorf("%s@%s: %w", user, addr, ncerr.ErrAuthFailed)
	}
	return ncerr.WrapSSH("handshake", host, port, err)
}

// newIDLocked picks a random identifier in [1, 2^53) not held by any
// live session.  Zero is reserved for "no identifier".
func (p *Pool) newIDLocked() uint64 {
	for {
		id := rand.Uint64N(maxID-1) + 1
		taken := false
		for _, c := range p.conns {
			if c.info.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			return id
		}
	}
}

func (p *Pool) lookup(id uint64) *poolConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.conns {
		if c.info.ID == id {
			return c
		}
	}
	return nil
}

// drop removes c once; later calls for the same connection are no-ops.
func (p *Pool) drop(c *poolConn, reason string) {
	p.mu.Lock()
	idx := -1
	for i, cur := range p.conns {
		if cur == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return
	}
	p.conns = append(p.conns[:idx:idx], p.conns[idx+1:]...)
	close(c.done)
	p.mu.Unlock()

	p.logger.Verbose("session %d: %s", c.info.ID, reason)
	p.metrics.SessionClosed()
	p.events.Publish(Event{Type: EventClosed, Session: c.info})
}

// monitor blocks until the SSH connection ends and drops the session.
func (p *Pool) monitor(c *poolConn) {
	err := c.client.Wait()
	reason := "connection closed"
	if err != nil {
		reason = fmt.Sprintf("connection closed: %v", err)
	}
	p.drop(c, reason)
}

// keepAliveLoop probes the server and closes the client after a failed
// probe, which in turn lets monitor drop it.
func (p *Pool) keepAliveLoop(c *poolConn) {
	ticker := time.NewTicker(p.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				p.logger.Warn("session %d: keepalive failed: %v", c.info.ID, err)
				c.client.Close()
				return
			}
		}
	}
}
