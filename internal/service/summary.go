package service

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/airsalso/dokodemodoor/internal/audit"
	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/deliverable"
	"github.com/airsalso/dokodemodoor/internal/registry"
)

// SummaryRow is one unit's line in the phase summary.
type SummaryRow struct {
	Unit     string
	Phase    core.PhaseName
	Status   core.UnitStatus
	Attempts int
	CostUSD  float64
	Duration time.Duration
	Verdicts map[string]int
	Error    string
}

// BuildSummary assembles rows in rank order from the session, its metrics
// document (may be nil) and the phase results of the last run.
func BuildSummary(reg *registry.Registry, session *core.Session, metrics *audit.MetricsDocument, phases []*PhaseResult) []SummaryRow {
	errs := make(map[string]string)
	for _, ph := range phases {
		for _, f := range ph.Failed {
			errs[f.Unit] = f.Err.Error()
		}
	}

	rows := make([]SummaryRow, 0, len(reg.Units()))
	for _, u := range reg.Units() {
		row := SummaryRow{
			Unit:   u.Name,
			Phase:  u.Phase,
			Status: session.StatusOf(u.Name),
			Error:  errs[u.Name],
		}
		if metrics != nil {
			if m, ok := metrics.Units[u.Name]; ok {
				row.Attempts = m.Attempts
				row.CostUSD = m.CostUSD
				row.Duration = time.Duration(m.DurationMS) * time.Millisecond
				row.Verdicts = m.Verdicts
			}
		}
		rows = append(rows, row)
	}
	return rows
}

var (
	styleHeader    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	styleCell      = lipgloss.NewStyle().Padding(0, 1)
	styleCompleted = lipgloss.Color("#10B981")
	styleFailed    = lipgloss.Color("#EF4444")
	styleSkipped   = lipgloss.Color("#9CA3AF")
	styleExploited = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
	stylePotential = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
)

// FormatVerdicts renders verdict counts with EXPLOITED and POTENTIAL kept
// apart; false positives are left out.
func FormatVerdicts(v map[string]int) string {
	var parts []string
	if n := v[string(deliverable.VerdictExploited)]; n > 0 {
		parts = append(parts, styleExploited.Render(fmt.Sprintf("EXPLOITED %d", n)))
	}
	if n := v[string(deliverable.VerdictPotential)]; n > 0 {
		parts = append(parts, stylePotential.Render(fmt.Sprintf("POTENTIAL %d", n)))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " / ")
}

// RenderSummary writes rows as a bordered table.
func RenderSummary(w io.Writer, rows []SummaryRow) error {
	r := lipgloss.NewRenderer(w)
	var total float64

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.NewStyle().Foreground(lipgloss.Color("#374151"))).
		Headers("UNIT", "PHASE", "STATUS", "ATTEMPTS", "COST", "DURATION", "VERDICT")

	statusColor := make(map[int]lipgloss.Color, len(rows))
	for i, row := range rows {
		total += row.CostUSD
		switch row.Status {
		case core.UnitCompleted:
			statusColor[i] = styleCompleted
		case core.UnitFailed:
			statusColor[i] = styleFailed
		case core.UnitSkipped:
			statusColor[i] = styleSkipped
		}
		status := string(row.Status)
		if row.Error != "" {
			status += " (" + truncateText(row.Error, 40) + ")"
		}
		t.Row(
			row.Unit,
			string(row.Phase),
			status,
			fmt.Sprintf("%d", row.Attempts),
			fmt.Sprintf("$%.2f", row.CostUSD),
			row.Duration.Round(time.Second).String(),
			FormatVerdicts(row.Verdicts),
		)
	}

	t.StyleFunc(func(row, col int) lipgloss.Style {
		if row == table.HeaderRow {
			return styleHeader
		}
		style := styleCell
		if c, ok := statusColor[row]; ok && col == 2 {
			style = style.Foreground(c)
		}
		return style
	})

	_, err := fmt.Fprintf(w, "%s\nTotal cost: $%.2f\n", t.Render(), total)
	return err
}

func truncateText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
