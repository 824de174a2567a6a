package output

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/zhaobenny/haikugate/cli/internal/aggregator"
	"github.com/zhaobenny/haikugate/cli/internal/batch"
	"github.com/zhaobenny/haikugate/internal/artifact"
)

// TableOptions controls table display behavior
type TableOptions struct {
	ForceCompact bool
}

// shouldUseCompact determines if compact mode should be used
func shouldUseCompact(opts TableOptions) bool {
	if opts.ForceCompact {
		return true
	}
	return getTerminalWidth() < compactThreshold
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func rightAlign(cols ...int) []table.ColumnConfig {
	cfgs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		cfgs[i] = table.ColumnConfig{Number: c, Align: text.AlignRight, AlignFooter: text.AlignRight}
	}
	return cfgs
}

// FormatNumber formats a number with thousand separators
func FormatNumber(n int64) string {
	if n == 0 {
		return "0"
	}

	str := fmt.Sprintf("%d", n)
	negative := n < 0
	if negative {
		str = str[1:]
	}

	var b strings.Builder
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}

// FormatCost formats a cost value as currency. Single haikus cost
// fractions of a cent, so small values keep four decimals.
func FormatCost(cost float64) string {
	if cost != 0 && cost < 1 {
		return fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf("$%.2f", cost)
}

var modelPatterns = []*regexp.Regexp{
	// claude-3-5-haiku-20241022 -> haiku-3-5
	regexp.MustCompile(`^claude-([\d-]+)-([a-z]+)-\d{8}$`),
	// claude-haiku-4-5-20251001 -> haiku-4-5
	regexp.MustCompile(`^claude-([a-z]+)-([\d-]+)-\d{8}$`),
}

// shortenModelName converts full model names to short form
func shortenModelName(name string) string {
	if m := modelPatterns[0].FindStringSubmatch(name); m != nil {
		return m[2] + "-" + m[1]
	}
	if m := modelPatterns[1].FindStringSubmatch(name); m != nil {
		return m[1] + "-" + m[2]
	}
	return name
}

func shortenModels(models []string) string {
	out := make([]string, len(models))
	for i, m := range models {
		out[i] = shortenModelName(m)
	}
	return strings.Join(out, ", ")
}

// PrintRows prints aggregated artifact counts as a table
func PrintRows(w io.Writer, rows []aggregator.Row, total aggregator.Row, title string, opts TableOptions) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No haikus found.")
		return
	}

	compact := shouldUseCompact(opts)
	t := newTable(w)
	if compact {
		t.AppendHeader(table.Row{title, "Haikus", "Sources"})
	} else {
		t.AppendHeader(table.Row{title, "Haikus", "Sources", "Models"})
	}
	for _, r := range rows {
		if compact {
			t.AppendRow(table.Row{r.Key, FormatNumber(int64(r.Haikus)), FormatNumber(int64(r.Sources))})
		} else {
			t.AppendRow(table.Row{r.Key, FormatNumber(int64(r.Haikus)), FormatNumber(int64(r.Sources)), shortenModels(r.Models)})
		}
	}
	if len(rows) > 1 {
		t.AppendFooter(table.Row{total.Key, FormatNumber(int64(total.Haikus)), FormatNumber(int64(total.Sources))})
	}
	t.SetColumnConfigs(rightAlign(2, 3))
	t.Render()

	if compact {
		fmt.Fprintln(w, "(Compact mode - expand terminal for full view)")
	}
}

// PrintStats prints collection coverage per language
func PrintStats(w io.Writer, st artifact.Stats, catalogSize int) {
	fmt.Fprintf(w, "Haikus stored: %s across %s sources\n\n", FormatNumber(int64(st.Total)), FormatNumber(int64(st.Sources)))

	langs := make([]string, 0, len(st.Languages))
	for l := range st.Languages {
		langs = append(langs, l)
	}
	sort.Strings(langs)

	t := newTable(w)
	t.AppendHeader(table.Row{"Language", "Haikus", "Covered", "Coverage"})
	for _, l := range langs {
		coverage := "-"
		if catalogSize > 0 {
			coverage = fmt.Sprintf("%.0f%%", float64(st.Covered[l])*100/float64(catalogSize))
		}
		t.AppendRow(table.Row{strings.ToUpper(l), st.Languages[l], fmt.Sprintf("%d/%d", st.Covered[l], catalogSize), coverage})
	}
	t.AppendFooter(table.Row{"Bilingual", "", st.Bilingual, ""})
	t.SetColumnConfigs(rightAlign(2, 3, 4))
	t.Render()

	if len(st.Models) > 0 {
		models := make([]string, 0, len(st.Models))
		for m := range st.Models {
			models = append(models, m)
		}
		sort.Strings(models)

		fmt.Fprintln(w, "\nModels used:")
		for _, m := range models {
			fmt.Fprintf(w, "  - %s (%d)\n", shortenModelName(m), st.Models[m])
		}
	}
}

// PrintEstimate prints the projected cost of a batch
func PrintEstimate(w io.Writer, e batch.Estimate, modelName string) {
	method := "length heuristic"
	if e.Precise {
		method = "count_tokens"
	}

	t := newTable(w)
	t.AppendHeader(table.Row{"Model", "Jobs", "Input", "Output", "Cost"})
	t.AppendRow(table.Row{
		shortenModelName(modelName),
		e.Jobs,
		FormatNumber(int64(e.InputTokens)),
		FormatNumber(int64(e.OutputTokens)),
		FormatCost(e.CostUSD),
	})
	t.SetColumnConfigs(rightAlign(2, 3, 4, 5))
	t.Render()
	fmt.Fprintf(w, "Method: %s\n", method)
}

// PrintSummary prints the outcome of a batch run
func PrintSummary(w io.Writer, s batch.Summary) {
	fmt.Fprintf(w, "\nDone. Generated: %d, Failed: %d", s.Generated, s.Failed)
	if s.Denied > 0 || s.Skipped > 0 {
		fmt.Fprintf(w, ", Denied: %d, Not started: %d", s.Denied, s.Skipped)
	}
	fmt.Fprintln(w)
}

// JSONOutput represents the JSON output structure
type JSONOutput struct {
	Results []aggregator.Row `json:"results"`
	Total   aggregator.Row   `json:"total"`
}

// PrintJSON outputs rows as JSON
func PrintJSON(w io.Writer, rows []aggregator.Row, total aggregator.Row) error {
	if rows == nil {
		rows = []aggregator.Row{}
	}
	return WriteJSON(w, JSONOutput{Results: rows, Total: total})
}

// WriteJSON writes v as indented JSON
func WriteJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
