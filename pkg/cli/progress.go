package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/briefcast/briefcast/pkg/models"
)

// Styles for the stderr phase progress lines.
var (
	phaseStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF5555"))
	skipStyle  = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#626262"))
)

// phasePrinter renders phase transitions on stderr and keeps the final
// event per phase for the JSON outcome line.
type phasePrinter struct {
	out   io.Writer
	color bool

	mu   sync.Mutex
	last map[string]models.PhaseEvent
}

// newPhasePrinter builds a printer for out, styling only when out is a
// terminal.
func newPhasePrinter(out *os.File) *phasePrinter {
	return &phasePrinter{
		out:   out,
		color: isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()),
		last:  make(map[string]models.PhaseEvent),
	}
}

// Observe implements the orchestrator's event callback.
func (p *phasePrinter) Observe(ev models.PhaseEvent) {
	p.mu.Lock()
	if ev.Status != models.PhaseEventStarting {
		p.last[ev.Phase] = ev
	}
	p.mu.Unlock()

	switch ev.Status {
	case models.PhaseEventStarting:
		fmt.Fprintf(p.out, "==> %s\n", p.style(phaseStyle, ev.Phase))
	case models.PhaseEventCompleted:
		line := p.style(doneStyle, ev.Phase+" done")
		if counts := formatCounts(ev.Counts); counts != "" {
			line += " " + counts
		}
		fmt.Fprintf(p.out, "    %s\n", line)
	case models.PhaseEventFailed:
		fmt.Fprintf(p.out, "    %s: %s\n", p.style(failStyle, ev.Phase+" failed"), ev.Error)
	case models.PhaseEventSkipped:
		fmt.Fprintf(p.out, "    %s (%s)\n", p.style(skipStyle, ev.Phase+" skipped"), ev.Error)
	}
}

// Outcome builds the phase JSON result from the last recorded event,
// falling back to the run error when the phase never got to report.
func (p *phasePrinter) Outcome(phase string, runErr error) models.PhaseResult {
	p.mu.Lock()
	ev, ok := p.last[phase]
	p.mu.Unlock()
	if ok {
		return eventOutcome(ev)
	}

	res := models.PhaseResult{Phase: phase, Success: runErr == nil}
	if runErr != nil {
		res.Error = runErr.Error()
	}
	return res
}

func (p *phasePrinter) style(st lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return st.Render(s)
}

// eventOutcome converts a terminal phase event into the stdout JSON line.
func eventOutcome(ev models.PhaseEvent) models.PhaseResult {
	return models.PhaseResult{
		Success: ev.Status == models.PhaseEventCompleted,
		Phase:   ev.Phase,
		Error:   ev.Error,
		Counts:  ev.Counts,
	}
}

// printOutcome writes the single phase result line to stdout; everything
// human-readable stays on stderr.
func printOutcome(res models.PhaseResult) {
	data, err := json.Marshal(res)
	if err != nil {
		fmt.Fprintf(os.Stderr, "briefcast: failed to encode phase result: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// formatCounts renders a counts map as "(a=1 b=2)" with stable key order.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, counts[k])
	}
	return "(" + strings.Join(parts, " ") + ")"
}
