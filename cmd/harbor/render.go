package main

import (
	"os"

	"harbor/pkg/protocol"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Theme defines the visual styling for harbor's terminal output.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default theme for harbor output.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// isStdoutTTY reports whether stdout is an interactive terminal.
// Piped output gets plain text.
func isStdoutTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// renderer styles strings when stdout is a TTY and passes them through
// otherwise, so scripted consumers see plain text.
type renderer struct {
	theme Theme
	tty   bool
}

func newRenderer() *renderer {
	return &renderer{theme: DefaultTheme(), tty: isStdoutTTY()}
}

func (r *renderer) paint(s string, c lipgloss.Color) string {
	if !r.tty {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func (r *renderer) header(s string) string {
	if !r.tty {
		return s
	}
	return lipgloss.NewStyle().Bold(true).Foreground(r.theme.Primary).Render(s)
}

func (r *renderer) muted(s string) string { return r.paint(s, r.theme.Muted) }

// agentStatus colors an agent status by severity.
func (r *renderer) agentStatus(s protocol.AgentStatus) string {
	switch s {
	case protocol.AgentActive:
		return r.paint(string(s), r.theme.Success)
	case protocol.AgentIdle:
		return r.paint(string(s), r.theme.Warning)
	case protocol.AgentFailed:
		return r.paint(string(s), r.theme.Error)
	default:
		return r.muted(string(s))
	}
}

// risk colors a conflict risk level.
func (r *renderer) risk(c protocol.ConflictRisk) string {
	switch c {
	case protocol.RiskCritical, protocol.RiskHigh:
		return r.paint(string(c), r.theme.Error)
	case protocol.RiskMedium:
		return r.paint(string(c), r.theme.Warning)
	case protocol.RiskLow:
		return r.paint(string(c), r.theme.Success)
	default:
		return r.muted(string(c))
	}
}

// batchStatus colors a batch lifecycle state.
func (r *renderer) batchStatus(s protocol.BatchStatus) string {
	switch s {
	case protocol.BatchCompleted:
		return r.paint(string(s), r.theme.Success)
	case protocol.BatchFailed:
		return r.paint(string(s), r.theme.Error)
	case protocol.BatchExecuting:
		return r.paint(string(s), r.theme.Warning)
	default:
		return r.muted(string(s))
	}
}
