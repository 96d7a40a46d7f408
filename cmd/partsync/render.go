package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/mechcat/partsync/internal/replica/apply"
	"github.com/mechcat/partsync/internal/replica/ledger"
	replsync "github.com/mechcat/partsync/internal/replica/sync"
	"github.com/mechcat/partsync/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(timeLayout)
}

func statusBadge(s replsync.Status) string {
	switch s {
	case replsync.StatusCompleted, replsync.StatusNothingToDo:
		return ui.RenderPass("✓ " + string(s))
	case replsync.StatusSkipped, replsync.StatusUnavailable:
		return ui.RenderWarn("⚠ " + string(s))
	default:
		return ui.RenderFail("✗ " + string(s))
	}
}

func formatResult(r apply.Result) string {
	return fmt.Sprintf("%d inserted, %d updated, %d deleted, %d skipped", r.Inserted, r.Updated, r.Deleted, r.Skipped)
}

// renderReport prints a run report as a framed summary.
func renderReport(w io.Writer, r *replsync.Report) {
	lines := []string{
		ui.RenderField("Status", statusBadge(r.Status)),
		ui.RenderField("Policy", r.Policy),
		ui.RenderField("Duration", r.Duration().Round(time.Millisecond).String()),
	}

	if r.Policy == "optimistic_interactive" {
		lines = append(lines,
			ui.RenderField("Pending", strconv.Itoa(r.LocalChanges)),
			ui.RenderField("Pushed", strconv.Itoa(r.Pushed)),
			ui.RenderField("Deferred", strconv.Itoa(r.Deferred)),
			ui.RenderField("Failed", strconv.Itoa(r.Failed)),
			ui.RenderField("Conflicts", strconv.Itoa(len(r.Conflicts))),
		)
	} else {
		lines = append(lines,
			ui.RenderField("Window", fmt.Sprintf("%s → %s", formatTime(r.WindowStart), formatTime(r.WindowEnd))),
			ui.RenderField("Changes", fmt.Sprintf("%d local, %d remote", r.LocalChanges, r.RemoteChanges)),
			ui.RenderField("To remote", formatResult(r.AppliedRemote)),
			ui.RenderField("To local", formatResult(r.AppliedLocal)),
			ui.RenderField("Checkpoint", formatTime(r.Checkpoint)),
		)
		for _, d := range r.Discarded {
			lines = append(lines, ui.RenderField("Discarded", ui.RenderWarn(fmt.Sprintf("%s (%s lost, %d entries)", d.Key, d.Loser, d.Entries))))
		}
	}
	if r.Error != "" {
		lines = append(lines, ui.RenderField("Error", ui.RenderFail(r.Error)))
	}

	fmt.Fprintln(w, ui.BoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return ui.HeaderStyle
			}
			return ui.CellStyle
		})
}

// renderEntries prints ledger entries as a table.
func renderEntries(w io.Writer, entries []ledger.Entry) {
	t := newTable("ID", "Time", "Key", "Op", "Base version")
	for _, e := range entries {
		t.Row(strconv.FormatInt(e.ID, 10), formatTime(e.Timestamp), e.Key().String(), string(e.Operation), shortVersion(e.BaseVersion))
	}
	fmt.Fprintln(w, t.Render())
}

// renderConflicts prints conflict log rows as a table.
func renderConflicts(w io.Writer, rows []ledger.ConflictLog) {
	t := newTable("Resolved", "Key", "Resolution", "Local", "Remote")
	for _, row := range rows {
		c := row.Conflict
		t.Row(formatTime(row.ResolvedAt), c.Key().String(), row.Resolution, shortVersion(c.LocalVersion), shortVersion(c.RemoteVersion))
	}
	fmt.Fprintln(w, t.Render())
}

func shortVersion(v string) string {
	if v == "" {
		return "-"
	}
	if i := strings.IndexByte(v, '-'); i > 0 {
		return v[:i]
	}
	return v
}
