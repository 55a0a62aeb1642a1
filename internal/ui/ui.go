// Package ui renders status glyphs and labels for posd's terminal output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	renderer = newRenderer(os.Stdout)

	passStyle   = renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = renderer.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	failStyle   = renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	accentStyle = renderer.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle  = renderer.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = renderer.NewStyle().Bold(true).Underline(true)
)

// ColorEnabled reports whether w should receive ANSI colour: it must be a
// terminal and NO_COLOR must be unset.
func ColorEnabled(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newRenderer(w io.Writer) *lipgloss.Renderer {
	r := lipgloss.NewRenderer(w)
	if !ColorEnabled(w) {
		r.SetColorProfile(termenv.Ascii)
	}
	return r
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderHeader(s string) string { return headerStyle.Render(s) }
