package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/avaskys/reportpipe/pipeline"
)

// RenderError is a document-rendering failure. Always permanent.
type RenderError struct {
	Err error
}

func (e *RenderError) Error() string { return fmt.Sprintf("render: %v", e.Err) }
func (e *RenderError) Unwrap() error { return e.Err }

// ReportData is the value a report template executes against.
type ReportData struct {
	Title       string
	GeneratedAt time.Time
	Summary     Summary
	Insights    string
}

// Renderer produces the report document from a template.
type Renderer struct {
	tmpl *template.Template
}

// NewRenderer returns a renderer using the built-in Markdown template.
func NewRenderer() *Renderer {
	return &Renderer{tmpl: template.Must(parseTemplate(defaultTemplate))}
}

// NewRendererFromString parses the given template text.
func NewRendererFromString(text string) (*Renderer, error) {
	tmpl, err := parseTemplate(text)
	if err != nil {
		return nil, &RenderError{Err: err}
	}
	return &Renderer{tmpl: tmpl}, nil
}

// NewRendererFromFile loads the template from path.
func NewRendererFromFile(path string) (*Renderer, error) {
	text, err := os.ReadFile(path)
	if err != nil {
		return nil, &RenderError{Err: err}
	}
	return NewRendererFromString(string(text))
}

func parseTemplate(text string) (*template.Template, error) {
	return template.New("report").Funcs(sprig.FuncMap()).Parse(text)
}

// Render executes the template against the summary and insights.
func (r *Renderer) Render(data ReportData) ([]byte, error) {
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now()
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return nil, &RenderError{Err: err}
	}
	return buf.Bytes(), nil
}

// NewRenderStage returns the render stage: it reads the Summary under
// summaryKey and the narrative under insightKey and outputs the document
// bytes.
func NewRenderStage(name, summaryKey, insightKey, title string, r *Renderer) pipeline.Stage {
	return pipeline.NewStage(name, func(ctx context.Context, ec *pipeline.Context) (any, error) {
		summary, ok := pipeline.Value[Summary](ec, summaryKey)
		if !ok {
			return nil, pipeline.Permanent(&RenderError{
				Err: fmt.Errorf("no summary under key %q", summaryKey),
			})
		}
		insights, ok := pipeline.Value[string](ec, insightKey)
		if !ok {
			return nil, pipeline.Permanent(&RenderError{
				Err: fmt.Errorf("no insights under key %q", insightKey),
			})
		}
		doc, err := r.Render(ReportData{Title: title, Summary: summary, Insights: insights})
		if err != nil {
			return nil, pipeline.Permanent(err)
		}
		return doc, nil
	})
}

const defaultTemplate = `# {{ .Title | default "Data Report" }}

Generated {{ .GeneratedAt | date "2006-01-02 15:04" }}

## Dataset Overview

- Rows: {{ .Summary.Overview.Rows }}
- Columns: {{ .Summary.Overview.Cols }}

## Columns

| Column | Type | Nulls | Unique |
|--------|------|-------|--------|
{{- range .Summary.Columns }}
| {{ .Name }} | {{ .Kind }} | {{ .NullPct }}% | {{ .Unique }} |
{{- end }}

{{- range .Summary.Columns }}
{{- if .Stats }}

### {{ .Name | title }}

mean {{ .Stats.Mean }}, median {{ .Stats.Median }}, std dev {{ .Stats.StdDev }},
range [{{ .Stats.Min }}, {{ .Stats.Max }}], IQR [{{ .Stats.Q1 }}, {{ .Stats.Q3 }}]
{{- end }}
{{- end }}
{{- if .Summary.HighCardinality }}

High-cardinality columns: {{ .Summary.HighCardinality | join ", " }}
{{- end }}

## Insights

{{ .Insights }}
`
