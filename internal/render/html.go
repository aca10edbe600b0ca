package render

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"mocktest-ai/internal/models"
)

// paperTemplate lays out a printable mock test: the paper itself, then the
// answer key with solutions. Layout fidelity is best-effort.
var paperTemplate = template.Must(template.New("paper").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.ExamDetails.Title}}</title>
<style>
  body { font-family: Georgia, serif; margin: 2rem auto; max-width: 50rem; color: #1a1a1a; }
  header { text-align: center; border-bottom: 2px solid #1a1a1a; padding-bottom: 1rem; margin-bottom: 1.5rem; }
  header h1 { margin: 0 0 .4rem; }
  .meta { font-size: .95rem; color: #444; }
  section { margin-bottom: 2rem; }
  h2 { border-bottom: 1px solid #999; padding-bottom: .3rem; }
  .question { margin: 1rem 0; }
  .question p { margin: .3rem 0; }
  ol.options { list-style-type: upper-alpha; margin: .3rem 0 .3rem 1.5rem; }
  .answer-key { page-break-before: always; }
  .answer-key .solution { color: #333; font-size: .95rem; margin-left: 1rem; }
</style>
</head>
<body>
<header>
  <h1>{{.ExamDetails.Title}}</h1>
  <div class="meta">
    {{- if .ExamDetails.Subject}}{{.ExamDetails.Subject}}{{end -}}
    {{- if .ExamDetails.TotalQuestions}} &middot; {{.ExamDetails.TotalQuestions}} questions{{end -}}
    {{- if .ExamDetails.TotalMarks}} &middot; {{.ExamDetails.TotalMarks}} marks{{end -}}
    {{- if .ExamDetails.DurationMinutes}} &middot; {{.ExamDetails.DurationMinutes}} minutes{{end -}}
  </div>
</header>
{{range .Sections}}
<section>
  {{if .Name}}<h2>{{.Name}}</h2>{{end}}
  {{range .Questions}}
  <div class="question">
    <p><strong>Q{{.Number}}.</strong> {{.Text}}{{if .Marks}} <em>({{.Marks}} marks)</em>{{end}}</p>
    {{if .Options}}
    <ol class="options">
      {{range .Options}}<li>{{.}}</li>{{end}}
    </ol>
    {{end}}
  </div>
  {{end}}
</section>
{{end}}
<section class="answer-key">
  <h2>Answer Key</h2>
  {{range .Sections}}{{range .Questions}}
  <div class="question">
    <p><strong>Q{{.Number}}.</strong> {{if .Answer}}{{.Answer}}{{else}}&mdash;{{end}}</p>
    {{if .Solution}}<p class="solution">{{.Solution}}</p>{{end}}
  </div>
  {{end}}{{end}}
</section>
</body>
</html>
`))

// HTML renders a document to a printable HTML page.
func HTML(doc *models.MockTest) ([]byte, error) {
	var buf bytes.Buffer
	if err := paperTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("render mock test html: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders a document and writes it under dir, returning the path.
func WriteFile(doc *models.MockTest, dir, name string) (string, error) {
	data, err := HTML(doc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
