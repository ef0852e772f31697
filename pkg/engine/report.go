package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Report is the outcome of one run.
type Report struct {
	RunID     string        `json:"run_id"`
	Manifest  string        `json:"manifest,omitempty"`
	State     RunState      `json:"state"`
	ExitCode  int           `json:"exit_code"`
	DryRun    bool          `json:"dry_run"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Results lists every attempted module in plan order.
	Results []ModuleResult `json:"results"`

	// Summary counts results per status.
	Summary Summary `json:"summary"`

	// Errors holds the first failures, up to the configured bound.
	Errors []ErrorContext `json:"errors,omitempty"`

	// NotAttempted lists modules the run never reached.
	NotAttempted []string `json:"not_attempted,omitempty"`

	// AbortReason explains an ABORTED run.
	AbortReason string `json:"abort_reason,omitempty"`

	// Plan is the execution plan, nil when planning failed.
	Plan *ExecutionPlan `json:"-"`

	maxErrors int
}

// Summary counts module results.
type Summary struct {
	Total             int `json:"total"`
	Succeeded         int `json:"succeeded"`
	Failed            int `json:"failed"`
	SkippedFiltered   int `json:"skipped_filtered"`
	SkippedDependency int `json:"skipped_dependency"`
	NoAction          int `json:"no_action"`
	Warnings          int `json:"warnings"`
}

// Skipped returns the number of skipped modules.
func (s Summary) Skipped() int {
	return s.SkippedFiltered + s.SkippedDependency
}

func (r *Report) summarize() {
	limit := r.maxErrors
	if limit <= 0 {
		limit = DefaultMaxErrors
	}

	// an abort reason raised by a module is already listed
	listed := make(map[string]bool, len(r.Errors))
	for _, ec := range r.Errors {
		if ec.Module != "" {
			listed[ec.Module+"/"+string(ec.Class)] = true
		}
	}

	s := Summary{Total: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case ModuleSuccess:
			s.Succeeded++
			if !res.ActionTaken {
				s.NoAction++
			}
		case ModuleFailed:
			s.Failed++
			if res.Error != nil && len(r.Errors) < limit && !listed[res.ModuleID+"/"+string(res.Error.Class)] {
				r.Errors = append(r.Errors, *res.Error)
			}
		case ModuleSkippedFiltered:
			s.SkippedFiltered++
		case ModuleSkippedDependency:
			s.SkippedDependency++
		}
		s.Warnings += len(res.Warnings)
	}
	r.Summary = s
}

// Result returns the result for a module.
func (r *Report) Result(id string) (ModuleResult, bool) {
	for _, res := range r.Results {
		if res.ModuleID == id {
			return res, true
		}
	}
	return ModuleResult{}, false
}

// JSON renders the report as indented JSON.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

var (
	colorGreen  = lipgloss.Color("#22c55e")
	colorRed    = lipgloss.Color("#ef4444")
	colorYellow = lipgloss.Color("#eab308")
	colorBlue   = lipgloss.Color("#3b82f6")
	colorDim    = lipgloss.Color("#6b7280")

	titleStyle   = lipgloss.NewStyle().Bold(true)
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(colorBlue)
	okStyle      = lipgloss.NewStyle().Foreground(colorGreen)
	failStyle    = lipgloss.NewStyle().Foreground(colorRed)
	warnStyle    = lipgloss.NewStyle().Foreground(colorYellow)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

const (
	markOK   = "[OK]"
	markFail = "[!!]"
	markSkip = "[--]"
	markWarn = "[??]"
)

// Render writes a human-readable report. Styling is applied only when color is true.
func (r *Report) Render(w io.Writer, color bool) error {
	paint := func(style lipgloss.Style, s string) string {
		if !color {
			return s
		}
		return style.Render(s)
	}

	var b strings.Builder

	title := "agentbox install"
	if r.Manifest != "" {
		title += ": " + r.Manifest
	}
	if r.DryRun {
		title += " (dry run)"
	}
	b.WriteString(paint(titleStyle, title) + "\n")
	b.WriteString(paint(dimStyle, "run "+r.RunID) + "\n\n")

	phase := -1
	for _, res := range r.Results {
		if res.Phase != phase {
			phase = res.Phase
			name := fmt.Sprintf("Phase %d", phase)
			if r.Plan != nil {
				if e, ok := r.Plan.Entry(res.ModuleID); ok && e.PhaseName != "" {
					name += ": " + e.PhaseName
				}
			}
			b.WriteString(paint(sectionStyle, name) + "\n")
		}
		b.WriteString("  " + statusLine(res, paint) + "\n")
		if r.DryRun && res.Output != "" {
			for _, line := range strings.Split(strings.TrimRight(res.Output, "\n"), "\n") {
				b.WriteString("       " + paint(dimStyle, line) + "\n")
			}
		}
		for _, warning := range res.Warnings {
			b.WriteString("       " + paint(warnStyle, "warning: "+warning) + "\n")
		}
	}
	for _, id := range r.NotAttempted {
		b.WriteString("  " + paint(dimStyle, fmt.Sprintf("%s %s not attempted", markSkip, id)) + "\n")
	}

	if len(r.Errors) > 0 {
		b.WriteString("\n" + paint(sectionStyle, "Errors") + "\n")
		for _, ec := range r.Errors {
			b.WriteString(paint(failStyle, ec.Report()))
		}
		if r.Summary.Failed > len(r.Errors) {
			b.WriteString(paint(dimStyle, fmt.Sprintf("  ... and %d more\n", r.Summary.Failed-len(r.Errors))))
		}
	}

	s := r.Summary
	b.WriteString("\n" + paint(sectionStyle, "Summary") + "\n")
	b.WriteString(fmt.Sprintf("  %d succeeded (%d already installed), %d failed, %d skipped, %d warnings\n",
		s.Succeeded, s.NoAction, s.Failed, s.Skipped(), s.Warnings))

	state := fmt.Sprintf("  state %s, exit code %d, took %s", r.State, r.ExitCode, r.Duration.Round(time.Millisecond))
	switch r.State {
	case RunStateCompleted:
		state = paint(okStyle, state)
	case RunStatePartialFailure:
		state = paint(warnStyle, state)
	default:
		state = paint(failStyle, state)
	}
	b.WriteString(state + "\n")
	if r.AbortReason != "" {
		b.WriteString(paint(failStyle, "  aborted: "+r.AbortReason) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func statusLine(res ModuleResult, paint func(lipgloss.Style, string) string) string {
	switch res.Status {
	case ModuleSuccess:
		note := "installed"
		if !res.ActionTaken {
			note = "no action needed"
		}
		if len(res.Warnings) > 0 {
			return paint(warnStyle, markWarn) + " " + res.ModuleID + paint(dimStyle, " "+note)
		}
		return paint(okStyle, markOK) + " " + res.ModuleID + paint(dimStyle, " "+note)
	case ModuleFailed:
		note := "failed"
		if res.Optional {
			note = "failed (optional)"
		}
		return paint(failStyle, markFail) + " " + res.ModuleID + " " + paint(failStyle, note)
	case ModuleSkippedDependency:
		return paint(dimStyle, markSkip+" "+res.ModuleID+" skipped: dependency did not succeed")
	default:
		return paint(dimStyle, markSkip+" "+res.ModuleID+" skipped")
	}
}
