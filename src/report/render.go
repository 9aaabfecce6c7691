package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// PageSeparator joins the sections of a multi-page markdown report.
const PageSeparator = "\n\n---\n\n"

// Page is one page of free-form output, Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Markdown renders a general document. A single page is written verbatim.
func Markdown(pages []Page) string {
	if len(pages) == 1 {
		return pages[0].Text
	}
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("## Page %d\n\n%s", p.Number, p.Text))
	}
	return strings.Join(parts, PageSeparator)
}

// HTMLPage is one graded page. Exactly one of Report or Err is set.
type HTMLPage struct {
	Number int
	Image  string // marked image path relative to the report
	Report *GradingReport
	Err    string
}

type HTMLDocument struct {
	Title string
	Pages []HTMLPage
}

type htmlView struct {
	HTMLDocument
	MultiPage bool
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"status": func(s Status) string { return s.String() },
}).Parse(`<!DOCTYPE html>
<html lang="zh">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", "PingFang SC", "Microsoft YaHei", sans-serif; margin: 0; background: #f4f5f7; color: #222; }
main { max-width: 960px; margin: 0 auto; padding: 24px; }
h1 { font-size: 22px; }
section.page { background: #fff; border-radius: 8px; padding: 16px 20px; margin-bottom: 24px; box-shadow: 0 1px 3px rgba(0,0,0,.12); }
.summary { background: #eef3fb; border-left: 4px solid #3b6fd6; padding: 8px 12px; white-space: pre-wrap; }
img.marked { max-width: 100%; border: 1px solid #ddd; margin: 12px 0; }
.card { border: 1px solid #e2e2e2; border-radius: 6px; padding: 10px 12px; margin: 8px 0; }
.card.correct { border-left: 4px solid #2e9d4f; }
.card.incorrect { border-left: 4px solid #d23b3b; }
.card.unknown { border-left: 4px solid #999; }
.card.error { border-left: 4px solid #d23b3b; background: #fff4f4; }
.badge { display: inline-block; font-size: 12px; padding: 1px 8px; border-radius: 10px; color: #fff; margin-right: 8px; }
.badge.correct { background: #2e9d4f; }
.badge.incorrect { background: #d23b3b; }
.badge.unknown { background: #999; }
.qid { font-weight: bold; }
.analysis { white-space: pre-wrap; margin: 6px 0 0; }
</style>
</head>
<body>
<main>
<h1>{{.Title}}</h1>
{{- range .Pages}}
<section class="page" data-page="{{.Number}}">
{{- if $.MultiPage}}
<h2>Page {{.Number}}</h2>
{{- end}}
{{- if .Err}}
<div class="card error"><span class="badge incorrect">error</span><p class="analysis">{{.Err}}</p></div>
{{- else}}
<p class="summary">{{.Report.Summary}}</p>
{{- if .Image}}
<img class="marked" src="{{.Image}}" alt="Page {{.Number}}">
{{- end}}
{{- range .Report.Items}}
<div class="card {{status .Status}}"><span class="badge {{status .Status}}">{{status .Status}}</span><span class="qid">{{.QuestionID}}</span><p class="analysis">{{.Analysis}}</p></div>
{{- end}}
{{- end}}
</section>
{{- end}}
</main>
</body>
</html>
`))

// HTML renders a self-contained report for an exam document.
func HTML(doc HTMLDocument) (string, error) {
	for _, p := range doc.Pages {
		if p.Err == "" && p.Report == nil {
			return "", fmt.Errorf("page %d has neither a report nor an error", p.Number)
		}
	}
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, htmlView{HTMLDocument: doc, MultiPage: len(doc.Pages) > 1}); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}
