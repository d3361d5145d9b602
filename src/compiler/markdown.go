package compiler

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"text/template"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/username/cryptotaxreports/src/models"
)

//go:embed templates/*.md
var templates embed.FS

func renderMarkdown(r *Report) ([]byte, error) {
	partials := map[string]string{
		"report_header":   "header.md",
		"report_body":     "disposals.md",
		"report_totals":   "totals.md",
		"report_notes":    "notes.md",
		"report_warnings": "warnings.md",
	}
	if r.ReportType != models.ReportModel100 {
		partials["report_body"] = "holdings.md"
	}
	return renderTemplate("report", "report.md", partials, r)
}

// renderTemplate parses a main template and the partials it refers to by
// alias. An empty partial file yields an empty template.
func renderTemplate(name, mainFile string, partials map[string]string, data any) ([]byte, error) {
	mainContent, err := fs.ReadFile(templates, "templates/"+mainFile)
	if err != nil {
		return nil, fmt.Errorf("read template %q: %w", mainFile, err)
	}
	tmpl, err := template.New(name).Funcs(templateFuncs(data)).Parse(string(mainContent))
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", mainFile, err)
	}
	for alias, file := range partials {
		var content []byte
		if file != "" {
			if content, err = fs.ReadFile(templates, "templates/"+file); err != nil {
				return nil, fmt.Errorf("read partial %q: %w", file, err)
			}
		}
		if _, err := tmpl.New(alias).Parse(string(content)); err != nil {
			return nil, fmt.Errorf("parse partial %q for %q: %w", file, alias, err)
		}
	}

	var b bytes.Buffer
	if err := tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return nil, fmt.Errorf("execute template %q: %w", name, err)
	}
	return b.Bytes(), nil
}

func templateFuncs(data any) template.FuncMap {
	cur := "EUR"
	if r, ok := data.(*Report); ok && r.Currency != "" {
		cur = r.Currency
	}
	return template.FuncMap{
		"money": func(d decimal.Decimal) string { return formatMoney(d, cur) },
		"qty":   func(d decimal.Decimal) string { return d.String() },
		"date": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.UTC().Format("2006-01-02")
		},
		"cell": markdownCell,
	}
}

// formatMoney rounds to the currency's minor unit and formats it with the
// currency's grapheme and separators.
func formatMoney(d decimal.Decimal, code string) string {
	cur := *money.New(0, code).Currency()
	minor := d.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// markdownCell escapes characters that would break a table row.
func markdownCell(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '|', '\\', '`', '*', '_', '<', '>', '[', ']':
			b.WriteByte('\\')
		case '\n', '\r':
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
