package core

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"sshdeck/internal/backend"
	"sshdeck/internal/capability"
	"sshdeck/internal/session"
)

// ── palette ──────────────────────────────────────────────────────────

var (
	colorConnected = lipgloss.Color("#22c55e")
	colorPending   = lipgloss.Color("#7c3aed")
	colorFailed    = lipgloss.Color("#dc2626")
	colorIdle      = lipgloss.Color("#6b7280")
	colorDimmed    = lipgloss.Color("#6b7280")
)

// printer renders listings on one writer.  The lipgloss renderer is
// bound to that writer, so colors are dropped when it is not a
// terminal.
type printer struct {
	out io.Writer
	r   *lipgloss.Renderer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, r: lipgloss.NewRenderer(out)}
}

func (p *printer) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.out, p.r.NewStyle().Foreground(colorFailed).Render("error: "+msg))
}

func (p *printer) dim(s string) string {
	return p.r.NewStyle().Foreground(colorDimmed).Render(s)
}

// table lays rows out in padded columns under a bold header.
func (p *printer) table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	head := p.r.NewStyle().Bold(true)
	cells := make([]string, len(header))
	for i, h := range header {
		cells[i] = head.Width(widths[i] + 2).Render(h)
	}
	fmt.Fprintln(p.out, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))

	for _, row := range rows {
		for i, cell := range row {
			cells[i] = p.r.NewStyle().Width(widths[i] + 2).Render(cell)
		}
		fmt.Fprintln(p.out, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
}

func (p *printer) status(s session.Status) string {
	color := colorIdle
	switch s {
	case session.StatusConnected:
		color = colorConnected
	case session.StatusPending:
		color = colorPending
	case session.StatusFailed:
		color = colorFailed
	}
	return p.r.NewStyle().Foreground(color).Render(s.String())
}

// ── listings ─────────────────────────────────────────────────────────

// sessions prints the registry view: a 1-based row number the shell
// commands refer to, then ID, status and target.
func (p *printer) sessions(list []*session.Session) {
	if len(list) == 0 {
		p.printf("%s\n", p.dim("no sessions"))
		return
	}
	rows := make([][]string, 0, len(list))
	for i, s := range list {
		lastErr := ""
		if s.Status() == session.StatusFailed {
			if err := s.LastError(); err != nil {
				lastErr = err.Error()
			}
		}
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			s.ID().String(),
			p.status(s.Status()),
			s.String(),
			lastErr,
		})
	}
	p.table([]string{"#", "ID", "STATUS", "TARGET", "ERROR"}, rows)
}

// infos prints raw backend records.
func (p *printer) infos(list []backend.SessionInfo) {
	if len(list) == 0 {
		p.printf("%s\n", p.dim("no active sessions"))
		return
	}
	rows := make([][]string, 0, len(list))
	for _, info := range list {
		rows = append(rows, []string{strconv.FormatUint(info.ID, 10), info.User, info.Addr.String()})
	}
	p.table([]string{"ID", "USER", "ADDRESS"}, rows)
}

func (p *printer) interfaces(list []capability.Interface) {
	if len(list) == 0 {
		p.printf("%s\n", p.dim("no interfaces"))
		return
	}
	rows := make([][]string, 0, len(list))
	for _, iface := range list {
		cidr := ""
		if iface.CIDR.IsValid() {
			cidr = iface.CIDR.String()
		}
		rows = append(rows, []string{iface.Name, iface.State, iface.MAC.String(), cidr})
	}
	p.table([]string{"NAME", "STATE", "MAC", "CIDR"}, rows)
}
