package core

import (
	"context"
	"io"
	"time"

	"sshdeck/internal/backend"
	"sshdeck/internal/retry"
	"sshdeck/util"
)

// Watcher follows a daemon's event stream.  *backend.Remote
// satisfies it.
type Watcher interface {
	Watch(ctx context.Context, fn func(backend.StreamMessage)) error
}

// WatchMode prints session start/close events as the daemon reports
// them, reconnecting with backoff when the stream drops.
type WatchMode struct {
	Watcher Watcher
	Out     io.Writer
	Logger  *util.Logger
	// Backoff overrides the reconnect policy.
	Backoff *retry.Backoff
	// Now stamps each line; defaults to time.Now.
	Now func() time.Time
}

func (m *WatchMode) Run(ctx context.Context) error {
	b := retry.WatchBackoff()
	if m.Backoff != nil {
		copied := *m.Backoff
		b = &copied
	}
	b.OnRetry = func(_ int, err error, wait time.Duration) {
		m.Logger.Warn("event stream lost: %v; reconnecting in %s", err, wait.Round(time.Millisecond))
	}

	p := newPrinter(stdout(m.Out))
	err := b.Do(ctx, func(int) error {
		err := m.Watcher.Watch(ctx, func(msg backend.StreamMessage) { m.print(p, msg) })
		if isClientError(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *WatchMode) print(p *printer, msg backend.StreamMessage) {
	now := time.Now
	if m.Now != nil {
		now = m.Now
	}
	stamp := p.dim(now().Format("15:04:05"))

	switch msg.Type {
	case backend.StreamSnapshot:
		p.printf("%s %d active session(s)\n", stamp, len(msg.Sessions))
		if len(msg.Sessions) > 0 {
			p.infos(msg.Sessions)
		}
	case string(backend.EventStarted), string(backend.EventClosed):
		if msg.Session == nil {
			return
		}
		mark := "+"
		if msg.Type == string(backend.EventClosed) {
			mark = "-"
		}
		p.printf("%s %s %d %s@%s\n", stamp, mark, msg.Session.ID, msg.Session.User, msg.Session.Addr)
	default:
		m.Logger.Debug("ignoring %q frame", msg.Type)
	}
}
