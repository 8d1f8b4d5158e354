package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"sshdeck/config"
	"sshdeck/internal/backend"
	"sshdeck/internal/capability"
	"sshdeck/internal/registry"
	"sshdeck/util"
)

// ── list ─────────────────────────────────────────────────────────────

// ListMode prints the sessions the backend reports as active.
type ListMode struct {
	Registry *registry.Registry
	Out      io.Writer
}

func (m *ListMode) Run(ctx context.Context) error {
	defer m.Registry.Close()
	if err := m.Registry.Hydrate(ctx); err != nil {
		return err
	}
	newPrinter(stdout(m.Out)).sessions(m.Registry.List())
	return nil
}

// ── connect ──────────────────────────────────────────────────────────

// ConnectMode opens one session and prints its ID.
type ConnectMode struct {
	Registry *registry.Registry
	Target   config.Target
	Password Prompter
	// Local is set when the session lives in this process and so ends
	// with it.
	Local  bool
	Close  func() error
	Out    io.Writer
	Logger *util.Logger
}

func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Registry.Close()
	if m.Close != nil {
		defer m.Close() //nolint:errcheck
	}

	password, err := m.Password(fmt.Sprintf("%s's password: ", m.Target))
	if err != nil {
		return err
	}
	s, err := m.Registry.ConnectAt(ctx, m.Target.Host, m.Target.Port, m.Target.User, password)
	if err != nil {
		return err
	}
	if m.Local {
		m.Logger.Info("%s authenticated; the session closes when sshdeck exits (use `sshdeck serve` to keep it)", s)
	}
	fmt.Fprintln(stdout(m.Out), s.ID())
	return nil
}

// ── close ────────────────────────────────────────────────────────────

// CloseMode disconnects one session on the backend.
type CloseMode struct {
	Closer backend.Closer
	ID     uint64
	Out    io.Writer
}

func (m *CloseMode) Run(ctx context.Context) error {
	if err := m.Closer.CloseSession(ctx, m.ID); err != nil {
		return err
	}
	fmt.Fprintf(stdout(m.Out), "closed %d\n", m.ID)
	return nil
}

// ── ifaces ───────────────────────────────────────────────────────────

// IfacesMode prints the network interfaces of the host behind a
// session.
type IfacesMode struct {
	Executor backend.Executor
	ID       uint64
	Out      io.Writer
}

func (m *IfacesMode) Run(ctx context.Context) error {
	list, err := capability.ListInterfaces(ctx, m.Executor, m.ID)
	if errors.Is(err, capability.ErrUnsupported) {
		return fmt.Errorf("session %d: %w", m.ID, err)
	}
	if err != nil {
		return err
	}
	newPrinter(stdout(m.Out)).interfaces(list)
	return nil
}

func stdout(w io.Writer) io.Writer {
	if w != nil {
		return w
	}
	return os.Stdout
}
