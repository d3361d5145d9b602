package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/username/cryptotaxreports/src/models"
)

// Artifact is one rendered file.
type Artifact struct {
	Format      string
	ContentType string
	Extension   string
	Data        []byte
}

type renderer struct {
	contentType string
	render      func(r *Report) ([]byte, error)
}

var renderers = map[string]renderer{
	"csv":  {"text/csv; charset=utf-8", renderCSV},
	"json": {"application/json", renderJSON},
	"md":   {"text/markdown; charset=utf-8", renderMarkdown},
	"html": {"text/html; charset=utf-8", renderHTML},
}

// ContentType returns the MIME type of format.
func ContentType(format string) string {
	return renderers[format].contentType
}

// Render writes r in format. Any failure is a report format error.
func Render(r *Report, format string) (*Artifact, error) {
	rd, ok := renderers[format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported format %q", models.ErrReportFormat, format)
	}
	data, err := rd.render(r)
	if err != nil {
		return nil, fmt.Errorf("%w: render %s: %v", models.ErrReportFormat, format, err)
	}
	return &Artifact{Format: format, ContentType: rd.contentType, Extension: format, Data: data}, nil
}

func renderJSON(r *Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
