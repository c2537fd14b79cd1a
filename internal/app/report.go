package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"rewind/internal/rewind"
)

const gutter = 2

type reportStyles struct {
	ok, warn, fail, muted lipgloss.Style
}

// newReportStyles binds the styles to w so colors are only emitted when w
// is a terminal.
func newReportStyles(w io.Writer) reportStyles {
	re := lipgloss.NewRenderer(w)
	return reportStyles{
		ok:    re.NewStyle().Foreground(lipgloss.Color("#2CD7C7")),
		warn:  re.NewStyle().Foreground(lipgloss.Color("#F4D03F")),
		fail:  re.NewStyle().Foreground(lipgloss.Color("#E74C3C")).Bold(true),
		muted: re.NewStyle().Foreground(lipgloss.Color("#2C4A54")),
	}
}

func (s reportStyles) status(st rewind.PhaseStatus) string {
	switch st {
	case rewind.StatusOK:
		return s.ok.Render(string(st))
	case rewind.StatusWarning, rewind.StatusSkipped:
		return s.warn.Render(string(st))
	default:
		return s.fail.Render(string(st))
	}
}

// WriteReport prints the phase-by-phase outcome of an operation followed by
// the per-stack results and the one-line summary.
func WriteReport(w io.Writer, r *rewind.Report) error {
	st := newReportStyles(w)
	fmt.Fprintf(w, "%s %s: %s\n", r.Operation, r.RunID, r.Outcome())

	phaseCol, statusCol := 0, 0
	for _, p := range r.Phases {
		phaseCol = max(phaseCol, lipgloss.Width(string(p.Phase)))
		statusCol = max(statusCol, lipgloss.Width(string(p.Status)))
	}
	phaseCol += gutter
	statusCol += gutter
	cell := lipgloss.NewStyle().Width(phaseCol)
	detail := strings.Repeat(" ", 2+phaseCol+statusCol)

	for _, p := range r.Phases {
		fmt.Fprintf(w, "  %s%s\n", cell.Render(string(p.Phase)), st.status(p.Status))
		for _, m := range p.Messages {
			fmt.Fprintf(w, "%s%s\n", detail, st.muted.Render(m))
		}
		if p.Err != nil {
			fmt.Fprintf(w, "%s%s\n", detail, st.fail.Render("error: "+p.Err.Error()))
		}
	}

	if len(r.Stacks) > 0 {
		fmt.Fprintln(w, "stacks:")
		nameCol := 0
		for _, s := range r.Stacks {
			nameCol = max(nameCol, lipgloss.Width(s.Name))
		}
		name := lipgloss.NewStyle().Width(nameCol + gutter)
		for _, s := range r.Stacks {
			state := st.ok.Render("running")
			switch {
			case s.Err != nil:
				state = st.fail.Render("failed: " + s.Err.Error())
			case !s.Up:
				state = st.warn.Render("not running")
			}
			fmt.Fprintf(w, "  %s%s\n", name.Render(s.Name), state)
		}
	}

	_, err := fmt.Fprintf(w, "result: %s\n", r.Summary())
	return err
}
