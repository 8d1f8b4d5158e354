// Package core is the orchestration layer.  It composes the registry,
// a session backend and the presentation into complete operational
// modes and provides a builder that selects the right mode from a
// Config and a command.
//
// Architecture layers (bottom → top):
//
//	backend  →  session  →  registry  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between
// the parsed command line and the running program.
package core

import (
	"context"

	"sshdeck/internal/backend"
)

// Mode represents a complete operational mode of sshdeck (the
// interactive shell, the daemon, or a one-shot command).  Each mode
// owns its full lifecycle from backend setup to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

// Deck is the backend surface the modes drive: starting, listing,
// closing and running commands on sessions.  Both *backend.Pool and
// *backend.Remote satisfy it.
type Deck interface {
	backend.Backend
	backend.Closer
	backend.Executor
}

// Command names accepted by Build.
const (
	CmdShell   = "shell"
	CmdServe   = "serve"
	CmdList    = "list"
	CmdConnect = "connect"
	CmdClose   = "close"
	CmdIfaces  = "ifaces"
	CmdWatch   = "watch"
)
