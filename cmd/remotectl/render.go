package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/andrej220/remotectl/pkg/remote"
	"github.com/andrej220/remotectl/pkg/runbook"
	"github.com/charmbracelet/lipgloss"
)

// tailLines is how much captured output a failure shows.
const tailLines = 20

// renderer writes human progress to stderr. Runs on several targets report
// concurrently, so every write holds mu.
type renderer struct {
	mu sync.Mutex
	w  io.Writer

	ok, bad, warn, dim, bold lipgloss.Style
}

func newRenderer(w io.Writer) *renderer {
	r := lipgloss.NewRenderer(w)
	return &renderer{
		w:    w,
		ok:   r.NewStyle().Foreground(lipgloss.Color("2")),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		warn: r.NewStyle().Foreground(lipgloss.Color("3")),
		dim:  r.NewStyle().Faint(true),
		bold: r.NewStyle().Bold(true),
	}
}

func (r *renderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format, args...)
}

func (r *renderer) submitted(h remote.Handle) {
	r.printf("%s %s %s\n", r.dim.Render("submitted"), r.bold.Render(h.Target), r.dim.Render(h.ID))
}

func (r *renderer) polling(last remote.Result, next time.Duration) {
	detail := last.Status.String()
	if last.Detail != "" && last.Detail != detail {
		detail += " (" + last.Detail + ")"
	}
	r.printf("%s %s, next poll in %s\n", r.dim.Render("waiting"), detail, next.Round(time.Millisecond))
}

func (r *renderer) status(s remote.Status) string {
	switch s {
	case remote.StatusSuccess:
		return r.ok.Render(s.String())
	case remote.StatusPending:
		return r.dim.Render(s.String())
	case remote.StatusTimedOut:
		return r.warn.Render(s.String())
	}
	return r.bad.Render(s.String())
}

func (r *renderer) finished(res remote.Result) {
	r.printf("%s %s exit %d\n", r.status(res.Status), res.Handle, res.Code)
}

func (r *renderer) state(s runbook.State) string {
	switch s {
	case runbook.StateSucceeded:
		return r.ok.Render(string(s))
	case runbook.StateFailed:
		return r.bad.Render(string(s))
	case runbook.StateTimedOut:
		return r.warn.Render(string(s))
	}
	return r.dim.Render(string(s))
}

// event prints runbook progress; polling events are left out unless verbose.
func (r *renderer) event(verbose bool) func(runbook.Event) {
	return func(e runbook.Event) {
		switch e.State {
		case runbook.StatePolling:
			if verbose {
				r.printf("%s %s %s\n", r.dim.Render(e.Target), e.Step, r.dim.Render("waiting "+e.Result.Status.String()))
			}
		case runbook.StateSubmitting:
			r.printf("%s %s %s\n", r.dim.Render(e.Target), r.bold.Render(e.Step), r.dim.Render("..."))
		default:
			r.printf("%s %s %s\n", r.dim.Render(e.Target), r.bold.Render(e.Step), r.state(e.State))
		}
	}
}

func (r *renderer) summary(reports []runbook.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rep := range reports {
		done := 0
		for _, st := range rep.Steps {
			if st.State == runbook.StateSucceeded || st.State == runbook.StateSkipped {
				done++
			}
		}
		fmt.Fprintf(r.w, "%-24s %s %d/%d steps %s\n",
			rep.Target, r.state(rep.State), done, len(rep.Steps), r.dim.Render(rep.Finished.Sub(rep.Started).Round(time.Millisecond).String()))
	}
}

func (r *renderer) report(w io.Writer, rep runbook.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(w, "%s %s %s %s", rep.Finished.Format(time.RFC3339), rep.Runbook, rep.Target, r.state(rep.State))
	if rep.Error != "" {
		fmt.Fprintf(w, " %s", r.dim.Render(rep.Error))
	}
	fmt.Fprintln(w)
}

func (r *renderer) errorLine(err error) {
	r.printf("%s %v\n", r.bad.Render("error:"), err)
}

// failure prints the target, the command and the tail of what it printed.
func (r *renderer) failure(f *failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, "%s %v\n", r.bad.Render("error:"), f.Err)
	if f.Target != "" {
		fmt.Fprintf(r.w, "%s %s\n", r.bold.Render("target: "), f.Target)
	}
	if f.Command != "" {
		fmt.Fprintf(r.w, "%s %s\n", r.bold.Render("command:"), indent(f.Command))
	}
	if f.HasLast {
		fmt.Fprintf(r.w, "%s %s exit %d", r.bold.Render("status: "), r.status(f.Last.Status), f.Last.Code)
		if f.Last.Detail != "" {
			fmt.Fprintf(r.w, " (%s)", f.Last.Detail)
		}
		fmt.Fprintln(r.w)
		if out := tail(f.Last.Stdout, tailLines); out != "" {
			fmt.Fprintf(r.w, "%s\n%s\n", r.bold.Render("stdout:"), out)
		}
		if out := tail(f.Last.Stderr, tailLines); out != "" {
			fmt.Fprintf(r.w, "%s\n%s\n", r.bold.Render("stderr:"), out)
		}
	}
	if errors.Is(f.Err, remote.ErrPollTimeout) {
		fmt.Fprintln(r.w, r.warn.Render("remote command may still be running"))
	}
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = append([]string{fmt.Sprintf("... %d lines omitted", len(lines)-n)}, lines[len(lines)-n:]...)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func indent(s string) string {
	s = strings.TrimRight(s, "\n")
	if !strings.Contains(s, "\n") {
		return s
	}
	return "\n  " + strings.ReplaceAll(s, "\n", "\n  ")
}
