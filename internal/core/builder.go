package core

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"sshdeck/config"
	"sshdeck/internal/backend"
	"sshdeck/internal/metrics"
	"sshdeck/internal/registry"
	"sshdeck/internal/retry"
	"sshdeck/internal/server"
	"sshdeck/util"
)

// Invocation is a parsed command line: the command and its operands.
type Invocation struct {
	Command string
	Args    []string
}

// Env carries the process streams.  Nil fields default to the os
// streams.
type Env struct {
	In     io.Reader
	Out    io.Writer
	ErrOut io.Writer
}

func (e Env) withDefaults() Env {
	if e.In == nil {
		e.In = os.Stdin
	}
	if e.Out == nil {
		e.Out = os.Stdout
	}
	if e.ErrOut == nil {
		e.ErrOut = os.Stderr
	}
	return e
}

// remoteOnly commands act on sessions that outlive the process, which
// only a daemon has.
var remoteOnly = map[string]bool{
	CmdList:   true,
	CmdClose:  true,
	CmdIfaces: true,
	CmdWatch:  true,
}

// Build constructs the Mode for inv from the given configuration.
// Nothing is dialed until the mode runs.
func Build(cfg *config.Config, inv Invocation, env Env, logger *util.Logger) (Mode, error) {
	env = env.withDefaults()
	if inv.Command == "" {
		inv.Command = CmdShell
	}

	if remoteOnly[inv.Command] && !cfg.IsRemote() {
		return nil, fmt.Errorf("%s needs --backend: sessions of an in-process pool end when sshdeck exits", inv.Command)
	}

	switch inv.Command {
	case CmdShell:
		if err := wantArgs(inv, 0); err != nil {
			return nil, err
		}
		return buildShell(cfg, env, logger)
	case CmdServe:
		if err := wantArgs(inv, 0); err != nil {
			return nil, err
		}
		return buildServe(cfg, env, logger)
	case CmdList:
		if err := wantArgs(inv, 0); err != nil {
			return nil, err
		}
		d, err := newDeck(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return &ListMode{Registry: d.registry(cfg), Out: env.Out}, nil
	case CmdConnect:
		if err := wantArgs(inv, 1); err != nil {
			return nil, err
		}
		target, err := config.ParseTarget(inv.Args[0])
		if err != nil {
			return nil, err
		}
		d, err := newDeck(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return &ConnectMode{
			Registry: d.registry(cfg),
			Target:   target,
			Password: passwordPrompter(cfg, env),
			Local:    !cfg.IsRemote(),
			Close:    d.close,
			Out:      env.Out,
			Logger:   logger,
		}, nil
	case CmdClose:
		id, err := sessionArg(inv)
		if err != nil {
			return nil, err
		}
		d, err := newDeck(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return &CloseMode{Closer: d.deck, ID: id, Out: env.Out}, nil
	case CmdIfaces:
		id, err := sessionArg(inv)
		if err != nil {
			return nil, err
		}
		d, err := newDeck(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return &IfacesMode{Executor: d.deck, ID: id, Out: env.Out}, nil
	case CmdWatch:
		if err := wantArgs(inv, 0); err != nil {
			return nil, err
		}
		d, err := newDeck(cfg, env, logger)
		if err != nil {
			return nil, err
		}
		return &WatchMode{Watcher: d.remote, Out: env.Out, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown command %q (use --help for usage)", inv.Command)
	}
}

// ── mode builders ────────────────────────────────────────────────────

func buildShell(cfg *config.Config, env Env, logger *util.Logger) (Mode, error) {
	d, err := newDeck(cfg, env, logger)
	if err != nil {
		return nil, err
	}
	m := &ShellMode{
		Registry:        d.registry(cfg),
		Deck:            d.deck,
		Remote:          d.remote,
		Metrics:         d.metrics,
		HydrateAttempts: cfg.HydrateAttempts,
		Close:           d.close,
		In:              env.In,
		Out:             env.Out,
		Logger:          logger,
	}
	// Without a terminal, or with --password-stdin, the shell reads
	// passwords from the same line stream as commands.
	if f, ok := env.In.(*os.File); ok && IsTerminal(f) && !cfg.PasswordStdin {
		m.Password = TerminalPrompter(f, env.ErrOut)
	}
	return m, nil
}

func buildServe(cfg *config.Config, env Env, logger *util.Logger) (Mode, error) {
	if cfg.IsRemote() {
		return nil, fmt.Errorf("serve hosts the session pool itself; drop --backend")
	}
	d, err := newDeck(cfg, env, logger)
	if err != nil {
		return nil, err
	}
	srv := server.New(d.pool, server.Options{
		AuthToken:  cfg.AuthToken,
		StartRate:  cfg.StartRate,
		StartBurst: cfg.StartBurst,
		Metrics:    d.metrics,
		Logger:     logger,
	})
	if cfg.AuthToken == "" {
		logger.Warn("serving without --token: anyone who can reach %s can open sessions", cfg.Listen)
	}
	return &ServeMode{
		Server:  srv,
		Address: cfg.Listen,
		Close:   d.close,
		Logger:  logger,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// deck is the backend chosen by the config, with whichever concrete
// type backs it.
type deck struct {
	deck    Deck
	pool    *backend.Pool   // local only
	remote  *backend.Remote // remote only
	metrics *metrics.Collector
	logger  *util.Logger
	close   func() error
}

func newDeck(cfg *config.Config, env Env, logger *util.Logger) (*deck, error) {
	d := &deck{metrics: metrics.New(), logger: logger}

	if cfg.IsRemote() {
		remote, err := backend.NewRemote(cfg.Backend, backend.RemoteOptions{
			Token:   cfg.AuthToken,
			Timeout: cfg.RequestTimeout,
			Retries: 2,
			Breaker: &retry.BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
				OnStateChange: func(from, to retry.State) {
					logger.Verbose("backend circuit %s → %s", from, to)
				},
			},
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		d.deck, d.remote = remote, remote
		d.close = func() error { return nil }
		return d, nil
	}

	auth := backend.AuthConfig{
		KeyPath:       cfg.KeyPath,
		UseAgent:      cfg.UseAgent,
		StrictHostKey: cfg.StrictHostKey,
		KnownHosts:    cfg.KnownHostsPath,
	}
	if f, ok := env.In.(*os.File); ok && IsTerminal(f) {
		auth.Passphrase = passphraseFunc(TerminalPrompter(f, env.ErrOut))
	}
	d.pool = backend.NewPool(backend.PoolOptions{
		Auth:        auth,
		ConnTimeout: cfg.ConnTimeout,
		KeepAlive:   cfg.KeepAlive(),
		Logger:      logger,
		Metrics:     d.metrics,
	})
	d.deck = d.pool
	d.close = d.pool.Close
	return d, nil
}

func (d *deck) registry(cfg *config.Config) *registry.Registry {
	timeout := cfg.ConnTimeout
	if d.remote != nil {
		timeout = cfg.RequestTimeout
	}
	return registry.New(d.deck, registry.Options{
		ConnectTimeout: timeout,
		Logger:         d.logger,
		Metrics:        d.metrics,
	})
}

// passwordPrompter picks how one-shot commands read a password.
func passwordPrompter(cfg *config.Config, env Env) Prompter {
	if cfg.PasswordStdin {
		return LinePrompter(bufio.NewReader(env.In))
	}
	if f, ok := env.In.(*os.File); ok {
		return TerminalPrompter(f, env.ErrOut)
	}
	return LinePrompter(bufio.NewReader(env.In))
}

func wantArgs(inv Invocation, n int) error {
	if len(inv.Args) != n {
		return fmt.Errorf("%s takes %d argument(s), got %d", inv.Command, n, len(inv.Args))
	}
	return nil
}

func sessionArg(inv Invocation) (uint64, error) {
	if err := wantArgs(inv, 1); err != nil {
		return 0, err
	}
	return config.ParseSessionID(inv.Args[0])
}
