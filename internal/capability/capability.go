// Package capability runs portable queries against a live session.
// Remote hosts differ in which tools they ship, so each query is a set
// of candidate commands: every candidate carries a cheap probe that
// tells whether the host supports it, and the first supported
// candidate is run and its output parsed.
package capability

import (
	"context"
	"fmt"

	"sshdeck/internal/backend"
	ncerr "sshdeck/internal/errors"
)

// ErrUnsupported means no candidate's probe succeeded on the host.
var ErrUnsupported = ncerr.New("no supported command on remote host")

// Command is one concrete way of answering a query.
type Command[T any] struct {
	// Probe is run first; Supported inspects its output.  A probe that
	// exits non-zero counts as unsupported.
	Probe     string
	Supported func(probeOutput string) bool

	// Run produces the output handed to Parse.
	Run   string
	Parse func(output string) (T, error)
}

// Execute tries candidates in order on session id and returns the
// parsed result of the first one the host supports.
func Execute[T any](ctx context.Context, ex backend.Executor, id uint64, candidates ...Command[T]) (T, error) {
	var zero T
	for _, c := range candidates {
		probe, err := ex.Exec(ctx, id, c.Probe)
		if err != nil {
			if ctx.Err() != nil {
				return zero, ctx.Err()
			}
			if ncerr.Is(err, ncerr.ErrUnknownSession) {
				return zero, err
			}
			continue
		}
		if !c.Supported(probe) {
			continue
		}

		out, err := ex.Exec(ctx, id, c.Run)
		if err != nil {
			return zero, fmt.Errorf("%s: %w", c.Run, err)
		}
		v, err := c.Parse(out)
		if err != nil {
			return zero, fmt.Errorf("parsing %s output: %w", c.Run, err)
		}
		return v, nil
	}
	return zero, ErrUnsupported
}
