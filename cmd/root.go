// Package cmd wires up the CLI flags and dispatches to the core modes.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"sshdeck/config"
	"sshdeck/internal/core"
	"sshdeck/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X sshdeck/cmd.version=2.0.0"
var version = "0.3.0" //nolint:gochecknoglobals

// Execute parses args and runs the selected sshdeck command.
func Execute(ctx context.Context, args []string) error {
	return run(ctx, args, core.Env{})
}

func run(ctx context.Context, args []string, env core.Env) error {
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.ErrOut == nil {
		env.ErrOut = os.Stderr
	}

	// Precedence: defaults < config file < environment < flags.
	cfg := config.New()
	if err := config.LoadFile(cfg, scanConfigFlag(args)); err != nil {
		return err
	}
	config.LoadFromEnv(cfg)

	fs, opts := newFlagSet(cfg)
	fs.SetOutput(env.ErrOut)
	fs.Usage = func() { printUsage(env.ErrOut, fs) }

	// ── parse ────────────────────────────────────────────────────
	envVerbose := cfg.Verbose
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !fs.Changed("verbose") {
		cfg.Verbose = envVerbose
	}

	if opts.help {
		printUsage(env.ErrOut, fs)
		return nil
	}
	if opts.version {
		fmt.Fprintf(env.Out, "sshdeck %s\n", version)
		return nil
	}

	inv := core.Invocation{Command: core.CmdShell}
	if rest := fs.Args(); len(rest) > 0 {
		inv = core.Invocation{Command: rest[0], Args: rest[1:]}
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}

	// ── build and run ────────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(env.ErrOut)
	if cfg.ConfigFile != "" {
		logger.Debug("loaded %s", cfg.ConfigFile)
	}

	mode, err := core.Build(cfg, inv, env, logger)
	if err != nil {
		return err
	}
	if cfg.DryRun {
		fmt.Fprintf(env.Out, "dry run: %s\n", describe(cfg, inv))
		return nil
	}
	return mode.Run(ctx)
}

// ── flags ────────────────────────────────────────────────────────────

type cliOpts struct {
	help, version bool
}

// newFlagSet binds every flag to cfg.  Each flag defaults to the value
// already in cfg, so only flags given on the command line override the
// file and environment.
func newFlagSet(cfg *config.Config) (*flag.FlagSet, *cliOpts) {
	fs := flag.NewFlagSet("sshdeck", flag.ContinueOnError)
	fs.SortFlags = false
	opts := &cliOpts{}

	// ── backend ──────────────────────────────────────────────────
	fs.StringVarP(&cfg.Backend, "backend", "b", cfg.Backend, "Daemon URL (default: in-process SSH pool)")
	fs.StringVar(&cfg.AuthToken, "token", cfg.AuthToken, "Bearer token for the daemon (serve: required of clients)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-request timeout against the daemon")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (default "+config.DefaultFilePath()+")")

	// ── SSH ──────────────────────────────────────────────────────
	fs.DurationVarP(&cfg.ConnTimeout, "timeout", "w", cfg.ConnTimeout, "SSH connect timeout")
	fs.StringVar(&cfg.KeyPath, "ssh-key", cfg.KeyPath, "SSH private key file")
	fs.BoolVar(&cfg.UseAgent, "ssh-agent", cfg.UseAgent, "Use the SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify host keys against known_hosts")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")
	fs.IntVar(&cfg.KeepAliveInterval, "keepalive", cfg.KeepAliveInterval, "SSH keepalive interval in seconds (0 disables)")

	// ── daemon ───────────────────────────────────────────────────
	fs.StringVarP(&cfg.Listen, "listen", "l", cfg.Listen, "Address `sshdeck serve` listens on")
	fs.Float64Var(&cfg.StartRate, "start-rate", cfg.StartRate, "Session starts per second per client (0 = unlimited)")
	fs.IntVar(&cfg.StartBurst, "start-burst", cfg.StartBurst, "Burst allowance for --start-rate")

	// ── shell ────────────────────────────────────────────────────
	fs.IntVar(&cfg.HydrateAttempts, "hydrate-attempts", cfg.HydrateAttempts, "Attempts to load active sessions at startup")
	fs.BoolVar(&cfg.PasswordStdin, "password-stdin", cfg.PasswordStdin, "Read passwords from stdin lines instead of the terminal")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", cfg.DryRun, "Validate the configuration and exit")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	fs.BoolVarP(&opts.help, "help", "h", false, "Show this help")

	return fs, opts
}

// scanConfigFlag finds --config before the full parse, since the file
// has to be loaded before flag defaults are taken from cfg.
func scanConfigFlag(args []string) string {
	for i, a := range args {
		if a == "--" {
			break
		}
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// describe summarises what a dry run would have done.
func describe(cfg *config.Config, inv core.Invocation) string {
	where := "in-process pool"
	if cfg.IsRemote() {
		where = "daemon " + cfg.Backend
	}
	s := inv.Command
	if len(inv.Args) > 0 {
		s += " " + strings.Join(inv.Args, " ")
	}
	if inv.Command == core.CmdServe {
		return fmt.Sprintf("%s on %s", s, cfg.Listen)
	}
	return fmt.Sprintf("%s via %s", s, where)
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, `sshdeck v%s

Keep a deck of authenticated SSH sessions and run commands on them.

Usage:
  sshdeck [options] [shell]                   Interactive session shell
  sshdeck [options] serve                     Host the session pool over HTTP
  sshdeck [options] connect user@host[:port]  Open one session, print its id
  sshdeck -b URL list                         List active sessions
  sshdeck -b URL close ID                     Close a session
  sshdeck -b URL ifaces ID                    Show the host's interfaces
  sshdeck -b URL watch                        Follow session start/close

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(w, `
Environment:
  SSHDECK_BACKEND, SSHDECK_TOKEN, SSHDECK_TIMEOUT, SSHDECK_SSH_KEY, ...
  override the config file; flags override both.

Examples:
  sshdeck serve --token s3cret                Run the daemon
  sshdeck -b http://127.0.0.1:7722 --token s3cret
  echo pw | sshdeck --password-stdin connect root@10.0.0.5
`)
}
