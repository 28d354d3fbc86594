package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/randalmurphal/orcflow/internal/db"
	orcerrors "github.com/randalmurphal/orcflow/internal/errors"
)

// styles holds the CLI's terminal styling. With color disabled every style
// renders text unchanged.
type styles struct {
	Title   lipgloss.Style
	Subtle  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Running lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{Title: plain, Subtle: plain, Success: plain, Warning: plain, Error: plain, Running: plain}
	}
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		Subtle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Running: lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	}
}

// colorEnabled reports whether w is a terminal that should get colors.
// NO_COLOR disables color everywhere.
func colorEnabled(w io.Writer, disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// status renders a run or step status in its color.
func (s styles) status(status string) string {
	switch status {
	case string(db.RunCompleted):
		return s.Success.Render(status)
	case string(db.RunFailed), string(db.RunCancelled):
		return s.Error.Render(status)
	case string(db.RunRunning):
		return s.Running.Render(status)
	case string(db.RunPaused), string(db.DefinitionArchived):
		return s.Warning.Render(status)
	default:
		return s.Subtle.Render(status)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printError writes err, with the why and fix of an OrcError when present.
func printError(w io.Writer, err error, st styles) {
	if oe := orcerrors.AsOrcError(err); oe != nil {
		fmt.Fprintf(w, "%s %s\n", st.Error.Render("error:"), oe.What)
		if oe.Why != "" {
			fmt.Fprintf(w, "  %s\n", oe.Why)
		}
		if oe.Cause != nil {
			fmt.Fprintf(w, "  %s\n", st.Subtle.Render(oe.Cause.Error()))
		}
		if oe.Fix != "" {
			fmt.Fprintf(w, "  %s %s\n", st.Subtle.Render("fix:"), oe.Fix)
		}
		return
	}
	fmt.Fprintf(w, "%s %v\n", st.Error.Render("error:"), err)
}

// table writes aligned rows. Column widths ignore styling, so styled cells
// belong in the last column.
func table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths)-1 && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(cell)
			b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
	line(header)
	for _, row := range rows {
		line(row)
	}
}
