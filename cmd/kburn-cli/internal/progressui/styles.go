// Package progressui renders the single-operation progress view the CLI
// shows while a burn step runs.
package progressui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.Color("#28A745")
	colorError   = lipgloss.Color("#DC3545")
	colorInfo    = lipgloss.Color("#17A2B8")
	colorMuted   = lipgloss.Color("#6C757D")
)

const (
	symbolSuccess = "✓"
	symbolError   = "✗"
)

type styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Muted   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(colorInfo),
		Success: lipgloss.NewStyle().Foreground(colorSuccess),
		Error:   lipgloss.NewStyle().Foreground(colorError).Bold(true),
		Info:    lipgloss.NewStyle().Foreground(colorInfo),
		Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	}
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}
	d = d.Round(time.Second)
	return d.String()
}
