package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/username/cryptotaxreports/src/compiler"
	"github.com/username/cryptotaxreports/src/models"
)

// printMarkdown renders md for the terminal, falling back to the raw text.
func printMarkdown(md string) {
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err == nil {
		var out string
		if out, err = r.Render(md); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Fprintf(os.Stderr, "warning: cannot render markdown: %v\n", err)
	fmt.Print(md)
}

func totalsTable(t models.Totals) string {
	var b strings.Builder
	b.WriteString("| | |\n|---|---:|\n")
	fmt.Fprintf(&b, "| Transactions | %d |\n", t.TotalTransactions)
	fmt.Fprintf(&b, "| Gains | %s |\n", t.TotalGains.StringFixed(2))
	fmt.Fprintf(&b, "| Losses | %s |\n", t.TotalLosses.StringFixed(2))
	fmt.Fprintf(&b, "| **Net result** | **%s** |\n", t.NetResult.StringFixed(2))
	return b.String()
}

func reportSummary(r *models.ReportRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Report %s\n\n", r.ID)
	fmt.Fprintf(&b, "%s, fiscal year %d, %s. Status **%s** after attempt %d.\n\n", r.ReportType, r.FiscalYear, r.Method, r.Status, r.Attempt)
	if r.Status == models.StatusError {
		fmt.Fprintf(&b, "> %s: %s\n\n", r.ErrorCode, r.ErrorMessage)
	}
	if r.Totals != nil {
		b.WriteString("## Totals\n\n")
		b.WriteString(totalsTable(*r.Totals))
		b.WriteString("\n")
	}
	if len(r.Artifacts) > 0 {
		b.WriteString("## Artifacts\n\n")
		formats := make([]string, 0, len(r.Artifacts))
		for f := range r.Artifacts {
			formats = append(formats, f)
		}
		sort.Strings(formats)
		for _, f := range formats {
			a := r.Artifacts[f]
			fmt.Fprintf(&b, "- `%s` %s (%d bytes)\n", f, a.Key, a.Size)
		}
		b.WriteString("\n")
	}
	if len(r.Warnings) > 0 {
		b.WriteString("## Warnings\n\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "- **%s** %s\n", w.Code, w.Message)
		}
	}
	return b.String()
}

func parsedSummary(name string, p *compiler.ParsedCSV) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)
	fmt.Fprintf(&b, "%d disposals, %d income lines, %d holdings.\n\n", len(p.Disposals), len(p.Income), len(p.Holdings))
	b.WriteString(totalsTable(p.Totals))
	if len(p.AssetTotals) > 0 {
		b.WriteString("\n| Asset | Disposals | Net |\n|---|---:|---:|\n")
		for _, at := range p.AssetTotals {
			fmt.Fprintf(&b, "| %s | %d | %s |\n", at.Asset, at.Disposals, at.Net.StringFixed(2))
		}
	}
	return b.String()
}
