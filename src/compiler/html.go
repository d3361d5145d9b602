package compiler

import (
	"bytes"
	"fmt"
	"html"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var (
	markdownEngine = goldmark.New(goldmark.WithExtensions(extension.Table))
	htmlPolicy     = bluemonday.UGCPolicy()
)

const htmlPage = `<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body{font-family:Helvetica,Arial,sans-serif;margin:2cm;color:#222}
table{border-collapse:collapse;width:100%%;margin:1em 0}
th,td{border:1px solid #999;padding:4px 6px;font-size:10pt}
td{text-align:right}
@media print{body{margin:1cm}h2{page-break-before:auto}}
</style>
</head>
<body>
%s
</body>
</html>
`

// renderHTML converts the Markdown rendering into a print-ready page. The
// converted body is sanitized because every cell originates from user input.
func renderHTML(r *Report) ([]byte, error) {
	md, err := renderMarkdown(r)
	if err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := markdownEngine.Convert(md, &body); err != nil {
		return nil, fmt.Errorf("convert markdown: %w", err)
	}
	clean := htmlPolicy.SanitizeBytes(body.Bytes())
	title := html.EscapeString(fmt.Sprintf("%s %d", r.FormName, r.FiscalYear))
	return []byte(fmt.Sprintf(htmlPage, title, clean)), nil
}
