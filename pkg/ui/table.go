package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"schoolscraper/pkg/models"
)

// NewTable returns a table writer mirrored to the terminal output
func NewTable() table.Writer {
	mu.Lock()
	w := out
	mu.Unlock()

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	return t
}

// PrintSummary renders a finished run
func PrintSummary(s *models.Summary) {
	if s == nil {
		return
	}

	t := NewTable()
	t.SetTitle("Run " + s.RunID)
	t.AppendRow(table.Row{"State", string(s.State)})
	t.AppendRow(table.Row{"Duration", s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()})
	t.AppendRow(table.Row{"Units processed", s.ProcessedUnits})
	t.AppendRow(table.Row{"Units succeeded", s.SucceededUnits})
	t.AppendRow(table.Row{"Units skipped (done)", s.SkippedUnits})
	t.AppendRow(table.Row{"Units failed", len(s.Failed)})
	t.AppendRow(table.Row{"Records written", s.RecordsWritten})
	t.AppendRow(table.Row{"Malformed rows", s.MalformedRows})
	if s.DetailsWritten > 0 || s.DetailsFailed > 0 {
		t.AppendRow(table.Row{"Detail pages written", s.DetailsWritten})
		t.AppendRow(table.Row{"Detail pages failed", s.DetailsFailed})
	}
	if s.Manifest != "" {
		t.AppendRow(table.Row{"Manifest", s.Manifest})
	}
	if s.FatalError != "" {
		t.AppendRow(table.Row{"Fatal error", s.FatalError})
	}
	t.Render()

	if len(s.Failed) == 0 {
		return
	}

	f := NewTable()
	f.SetTitle("Failed units")
	f.AppendHeader(table.Row{"State", "District", "Status", "Kind", "Attempts", "Reason"})
	for _, u := range s.Failed {
		district := u.Unit.District
		if district == "" {
			district = "-"
		}
		f.AppendRow(table.Row{u.Unit.State, district, string(u.Status), u.ErrorKind, u.Attempts, truncate(u.Reason, 80)})
	}
	f.AppendFooter(table.Row{"", "", "", "", "Total", len(s.Failed)})
	f.Render()
}

// PrintCheckpoints renders completed units grouped by state
func PrintCheckpoints(entries []models.CheckpointEntry) {
	type row struct {
		units   int
		records int
		last    time.Time
	}
	byState := make(map[string]*row)
	var order []string
	for _, e := range entries {
		r, ok := byState[e.Unit.State]
		if !ok {
			r = &row{}
			byState[e.Unit.State] = r
			order = append(order, e.Unit.State)
		}
		r.units++
		r.records += e.RecordCount
		if e.CompletedAt.After(r.last) {
			r.last = e.CompletedAt
		}
	}

	t := NewTable()
	t.AppendHeader(table.Row{"State", "Units done", "Records", "Last completed"})
	total := 0
	for _, state := range order {
		r := byState[state]
		total += r.records
		t.AppendRow(table.Row{state, r.units, r.records, r.last.Local().Format(time.DateTime)})
	}
	t.AppendFooter(table.Row{"Total", len(entries), total, ""})
	t.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n-3])
}
