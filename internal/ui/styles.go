// Package ui renders CLI output: colored status markers, sync status
// badges, structured output formats, and the interactive resolution form.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/taskcal/taskcal/internal/schema"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"})
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"})
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// IsTerminal reports whether stream (stdin or stdout) is an interactive
// terminal.
func IsTerminal(stream any) bool {
	f, ok := stream.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// DisableColor turns off ANSI styling for all Render functions.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted values such as ids.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary information.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section header.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// RenderStatus colors a sync status by how much attention it needs.
func RenderStatus(status schema.SyncStatus) string {
	s := string(status)
	switch status {
	case schema.StatusInSync:
		return RenderPass(s)
	case schema.StatusConflict, schema.StatusSyncFailed:
		return RenderFail(s)
	case "":
		return RenderMuted("NOT_SYNCED")
	}
	return RenderWarn(s)
}
