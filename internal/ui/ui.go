// Package ui holds the terminal styling helpers shared by the tds
// subcommands.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderSuccess styles success markers.
func RenderSuccess(s string) string { return successStyle.Render(s) }

// RenderWarn styles warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles errors.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderMuted styles secondary detail.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader styles section headers.
func RenderHeader(s string) string { return headerStyle.Render(s) }
