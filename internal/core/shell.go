package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"sshdeck/config"
	"sshdeck/internal/backend"
	"sshdeck/internal/capability"
	ncerr "sshdeck/internal/errors"
	"sshdeck/internal/events"
	"sshdeck/internal/metrics"
	"sshdeck/internal/registry"
	"sshdeck/internal/retry"
	"sshdeck/internal/session"
	"sshdeck/util"
)

const shellHelp = `Commands:
  ls                          List sessions
  connect user@host[:port]    Open a new session
  reconnect N                 Reconnect session N
  close N                     Disconnect session N and drop it
  rm N                        Drop session N from the list (keeps it open)
  ifaces N                    Show the network interfaces behind session N
  hydrate                     Reload the list from the backend
  stats                       Show backend metrics
  help                        Show this help
  quit                        Leave the shell
`

// ShellMode is the interactive presentation layer: a line-oriented
// prompt driving the session registry.
type ShellMode struct {
	Registry *registry.Registry
	Deck     Deck
	// Remote, when set, serves `stats` from the daemon.
	Remote  *backend.Remote
	Metrics *metrics.Collector

	HydrateAttempts int
	// HydrateBackoff overrides the startup retry policy.
	HydrateBackoff *retry.Backoff

	// Close releases the backend when the shell exits.
	Close  func() error
	Logger *util.Logger

	// In/Out default to os.Stdin/os.Stdout when nil.  Password, when
	// nil, takes each password from the next input line.
	In       io.Reader
	Out      io.Writer
	Password Prompter
}

// Run hydrates the registry, then reads commands until quit, end of
// input, or ctx is cancelled.
func (m *ShellMode) Run(ctx context.Context) error {
	defer func() {
		m.Registry.Close()
		if m.Close != nil {
			if err := m.Close(); err != nil {
				m.Logger.Warn("closing backend: %v", err)
			}
		}
	}()

	in := m.In
	if in == nil {
		in = os.Stdin
	}
	out := m.Out
	if out == nil {
		out = os.Stdout
	}
	p := newPrinter(out)
	lines := &lineReader{r: bufio.NewReader(in)}
	ask := m.Password
	if ask == nil {
		ask = func(string) (string, error) { return lines.next(ctx) }
	}

	go m.logEvents(m.Registry.Subscribe())

	m.hydrate(ctx, p)
	interactive := IsTerminal(in)

	for {
		if interactive {
			p.printf("sshdeck> ")
		}
		line, err := lines.next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		if quit := m.exec(ctx, p, ask, line); quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether the shell should end.
func (m *ShellMode) exec(ctx context.Context, p *printer, ask Prompter, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		p.printf("%s", shellHelp)
	case "ls", "list":
		p.sessions(m.Registry.List())
	case "connect":
		m.connect(ctx, p, ask, args)
	case "reconnect":
		if s := m.pick(p, cmd, args); s != nil {
			m.reconnect(ctx, p, ask, s)
		}
	case "rm":
		if s := m.pick(p, cmd, args); s != nil {
			m.Registry.Remove(s)
			p.printf("removed %s\n", s)
		}
	case "close":
		if s := m.pick(p, cmd, args); s != nil {
			m.close(ctx, p, s)
		}
	case "ifaces":
		if s := m.pick(p, cmd, args); s != nil {
			m.ifaces(ctx, p, s)
		}
	case "hydrate":
		if err := m.Registry.Hydrate(ctx); err != nil {
			p.errorf("%v", err)
			return false
		}
		p.printf("%d session(s) loaded\n", m.Registry.Len())
	case "stats":
		m.stats(ctx, p)
	default:
		p.errorf("unknown command %q (try help)", cmd)
	}
	return false
}

// ── commands ─────────────────────────────────────────────────────────

func (m *ShellMode) connect(ctx context.Context, p *printer, ask Prompter, args []string) {
	if len(args) != 1 {
		p.errorf("usage: connect user@host[:port]")
		return
	}
	target, err := config.ParseTarget(args[0])
	if err != nil {
		p.errorf("%v", err)
		return
	}
	password, err := ask(fmt.Sprintf("%s's password: ", target))
	if err != nil {
		p.errorf("%v", err)
		return
	}

	s, err := m.Registry.ConnectAt(ctx, target.Host, target.Port, target.User, password)
	if err != nil {
		p.errorf("%v", err)
		return
	}
	p.printf("connected #%d %s (id %s)\n", m.Registry.Len(), s, s.ID())
}

func (m *ShellMode) reconnect(ctx context.Context, p *printer, ask Prompter, s *session.Session) {
	password, err := ask(fmt.Sprintf("%s's password: ", s))
	if err != nil {
		p.errorf("%v", err)
		return
	}
	if err := m.Registry.Reconnect(ctx, s, password); err != nil {
		p.errorf("%v", err)
		return
	}
	p.printf("reconnected %s (id %s)\n", s, s.ID())
}

func (m *ShellMode) close(ctx context.Context, p *printer, s *session.Session) {
	id, ok := s.ID().Value()
	if !ok {
		p.errorf("%s: %v", s, ncerr.ErrNotConnected)
		return
	}
	err := m.Deck.CloseSession(ctx, id)
	if err != nil && !errors.Is(err, ncerr.ErrUnknownSession) {
		p.errorf("%v", err)
		return
	}
	m.Registry.Remove(s)
	p.printf("closed %s\n", s)
}

func (m *ShellMode) ifaces(ctx context.Context, p *printer, s *session.Session) {
	id, ok := s.ID().Value()
	if !ok {
		p.errorf("%s: %v", s, ncerr.ErrNotConnected)
		return
	}
	list, err := capability.ListInterfaces(ctx, m.Deck, id)
	if err != nil {
		p.errorf("%s: %v", s, err)
		return
	}
	p.interfaces(list)
}

func (m *ShellMode) stats(ctx context.Context, p *printer) {
	if m.Remote != nil {
		body, err := m.Remote.Metrics(ctx)
		if err != nil {
			p.errorf("%v", err)
			return
		}
		p.printf("%s\n", strings.TrimSpace(body))
		return
	}
	p.printf("%s\n", m.Metrics.JSON())
}

// pick resolves the 1-based row number in args[0].
func (m *ShellMode) pick(p *printer, cmd string, args []string) *session.Session {
	if len(args) != 1 {
		p.errorf("usage: %s N", cmd)
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		p.errorf("%q is not a row number", args[0])
		return nil
	}
	s := m.Registry.At(n - 1)
	if s == nil {
		p.errorf("no session #%d (%d listed)", n, m.Registry.Len())
	}
	return s
}

// ── startup ──────────────────────────────────────────────────────────

// hydrate loads the backend's sessions, retrying a few times.  Failure
// only costs the initial list, so it is logged and the shell starts
// empty.
func (m *ShellMode) hydrate(ctx context.Context, p *printer) {
	b := retry.HydrateBackoff(m.HydrateAttempts)
	if m.HydrateBackoff != nil {
		copied := *m.HydrateBackoff
		b = &copied
	}
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		m.Logger.Verbose("loading sessions (attempt %d): %v; retrying in %s", attempt, err, wait.Round(time.Millisecond))
	}

	err := b.Do(ctx, func(int) error {
		err := m.Registry.Hydrate(ctx)
		if isClientError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		m.Logger.Warn("could not load active sessions: %v", err)
		return
	}
	if n := m.Registry.Len(); n > 0 {
		p.printf("%d active session(s)\n", n)
	}
}

func (m *ShellMode) logEvents(sub *events.Subscription[registry.Event]) {
	for ev := range sub.C() {
		if ev.Session != nil {
			m.Logger.Verbose("%s %s (%d sessions)", ev.Kind, ev.Session, ev.Size)
		} else {
			m.Logger.Verbose("%s (%d sessions)", ev.Kind, ev.Size)
		}
	}
}

// isClientError reports a daemon reply that retrying cannot change,
// such as a rejected token.
func isClientError(err error) bool {
	var apiErr *backend.APIError
	return errors.As(err, &apiErr) && apiErr.Status >= http.StatusBadRequest && apiErr.Status < http.StatusInternalServerError
}

// ── input ────────────────────────────────────────────────────────────

// lineReader reads one line per call without blocking cancellation.
// At most one read is outstanding, so a terminal password prompt
// between calls never competes with it for input.
type lineReader struct {
	r       *bufio.Reader
	pending chan lineResult
}

type lineResult struct {
	line string
	err  error
}

func (l *lineReader) next(ctx context.Context) (string, error) {
	if l.pending == nil {
		ch := make(chan lineResult, 1)
		l.pending = ch
		go func() {
			line, err := l.r.ReadString('\n')
			ch <- lineResult{line, err}
		}()
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-l.pending:
		l.pending = nil
		if res.err != nil && (res.err != io.EOF || res.line == "") {
			return "", res.err
		}
		return strings.TrimRight(res.line, "\r\n"), nil
	}
}
