package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/xtxerr/benchkeeper/internal/alert"
	"github.com/xtxerr/benchkeeper/internal/analysis"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/query"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// =============================================================================
// Styles
// =============================================================================

type styles struct {
	header    lipgloss.Style
	regressed lipgloss.Style
	improved  lipgloss.Style
	muted     lipgloss.Style
	fail      lipgloss.Style
	notify    lipgloss.Style
}

// newStyles renders for w. Writers that are not terminals get plain text.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:    r.NewStyle().Bold(true),
		regressed: r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		improved:  r.NewStyle().Foreground(lipgloss.Color("42")),
		muted:     r.NewStyle().Foreground(lipgloss.Color("241")),
		fail:      r.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		notify:    r.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}

// terminalWidth returns the width of w, or 0 when w is not a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

// =============================================================================
// Generic printers
// =============================================================================

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable pads columns to the widest cell. Widths ignore ANSI styling.
func printTable(w io.Writer, st styles, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		var b strings.Builder
		for i, cell := range cells {
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	line(headers, &st.header)
	for _, row := range rows {
		line(row, nil)
	}
}

func printList(w io.Writer, items []string) {
	for _, item := range items {
		fmt.Fprintln(w, item)
	}
}

// =============================================================================
// Formatting helpers
// =============================================================================

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return humanize.Comma(int64(v))
	}
	return humanize.CommafWithDigits(v, 2)
}

// formatChange renders a ratio as a signed percentage change.
func formatChange(ratio float64) string {
	switch {
	case math.IsInf(ratio, 1):
		return "+inf"
	case math.IsInf(ratio, -1):
		return "-inf"
	case math.IsNaN(ratio):
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", (ratio-1)*100)
}

func truncate(s string, n int) string {
	if n <= 0 || lipgloss.Width(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// =============================================================================
// Domain printers
// =============================================================================

func (a *app) theme() styles {
	return newStyles(a.out)
}

func (a *app) printIngest(suite string, entry types.CommitEntry, res *storage.IngestResult) error {
	if a.opts.jsonOutput {
		return printJSON(a.out, res)
	}
	fmt.Fprintf(a.out, "%s %s to %q (%d measurements)\n",
		entry.Commit.ID, res.Result, suite, len(entry.Measurements))
	a.printVerdictTable(res.Verdicts)
	a.printAction(res.Action)
	return nil
}

func (a *app) printVerdictTable(verdicts []types.Verdict) {
	if len(verdicts) == 0 {
		fmt.Fprintln(a.out, "no baseline yet")
		return
	}
	st := a.theme()
	rows := make([][]string, 0, len(verdicts))
	for _, v := range verdicts {
		class := v.Classification.String()
		switch v.Classification {
		case types.Regressed:
			class = st.regressed.Render(class)
		case types.Improved:
			class = st.improved.Render(class)
		default:
			class = st.muted.Render(class)
		}
		rows = append(rows, []string{
			v.Measurement,
			formatValue(v.Baseline) + " " + v.Unit,
			formatValue(v.Current) + " " + v.Unit,
			formatChange(v.Ratio),
			class,
		})
	}
	printTable(a.out, st, []string{"MEASUREMENT", "BASELINE", "CURRENT", "CHANGE", "VERDICT"}, rows)
}

func (a *app) printAction(action alert.Action) {
	st := a.theme()
	switch action.Kind {
	case alert.Fail:
		fmt.Fprintln(a.out, st.fail.Render("FAIL")+" "+action.Message)
	case alert.Notify:
		fmt.Fprintln(a.out, st.notify.Render("NOTIFY")+" "+action.Message)
	}
}

func (a *app) printEntries(entries []types.CommitEntry) error {
	if a.opts.jsonOutput {
		return printJSON(a.out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(a.out, "no entries")
		return nil
	}

	// The message column takes what is left of the terminal.
	msgWidth := 0
	if width := terminalWidth(a.out); width > 0 {
		msgWidth = max(width-60, 20)
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			truncate(e.Commit.ID, 12),
			e.Tool,
			humanize.Time(e.Date()),
			fmt.Sprint(len(e.Measurements)),
			truncate(firstLine(e.Commit.Message), msgWidth),
		})
	}
	printTable(a.out, a.theme(), []string{"COMMIT", "TOOL", "DATE", "BENCHES", "MESSAGE"}, rows)
	return nil
}

func (a *app) printSummary(s *analysis.Summary) error {
	if a.opts.jsonOutput {
		return printJSON(a.out, s)
	}
	rows := [][]string{
		{"count", humanize.Comma(int64(s.Count))},
		{"mean", formatValue(s.Mean)},
		{"min", formatValue(s.Min)},
		{"max", formatValue(s.Max)},
		{"p50", formatValue(s.P50)},
		{"p90", formatValue(s.P90)},
		{"p99", formatValue(s.P99)},
	}
	title := s.Measurement
	if s.Unit != "" {
		title += " (" + s.Unit + ")"
	}
	fmt.Fprintln(a.out, title)
	printTable(a.out, a.theme(), []string{"STAT", "VALUE"}, rows)
	return nil
}

func (a *app) printQuery(res *query.Result) error {
	if a.opts.jsonOutput {
		return printJSON(a.out, res)
	}
	rows := make([][]string, 0, len(res.Rows))
	for _, r := range res.Rows {
		row := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			row[i] = fmt.Sprint(r[c])
		}
		rows = append(rows, row)
	}
	printTable(a.out, a.theme(), res.Columns, rows)
	if res.Truncated {
		fmt.Fprintln(a.out, a.theme().muted.Render("(truncated)"))
	}
	return nil
}

func (a *app) printExport(res *storage.ExportResult, copied string, size int64) error {
	if a.opts.jsonOutput {
		return printJSON(a.out, res)
	}
	fmt.Fprintf(a.out, "exported %s rows from %d suites in %s\n",
		humanize.Comma(res.Rows), res.Suites, res.Duration.Round(time.Millisecond))
	if copied != "" {
		fmt.Fprintf(a.out, "wrote %s (%s)\n", copied, humanize.Bytes(uint64(size)))
	} else {
		fmt.Fprintf(a.out, "server path %s\n", res.Path)
	}
	return nil
}
