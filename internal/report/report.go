// Package report renders a finished batch as JSON, Markdown, HTML and a
// PDF gallery of the rendered candidates.
package report

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"cameo/internal/batch"
	"cameo/internal/metrics"
)

//go:embed report.tmpl
var markdownTmpl string

var markdownTemplate = template.Must(template.New("report").Funcs(reportFuncs).Parse(markdownTmpl))

var reportFuncs = template.FuncMap{
	"score": func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"usd":   func(v float64) string { return fmt.Sprintf("$%.4f", v) },
	"secs":  func(v float64) string { return fmt.Sprintf("%.1fs", v) },
	"ts":    func(t time.Time) string { return t.Format(time.RFC3339) },
	"anyFailed": func(scenes []Scene) bool {
		for _, s := range scenes {
			if s.Error != "" {
				return true
			}
		}
		return false
	},
}

// Scene is the report view of one scene result. Raw image bytes stay out
// of the report; candidates are referenced by artifact path.
type Scene struct {
	SceneID         string  `json:"scene_id"`
	Title           string  `json:"title,omitempty"`
	Status          string  `json:"status"`
	Similarity      float64 `json:"similarity"`
	Prompt          string  `json:"prompt,omitempty"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	PromptScore     float64 `json:"prompt_score"`
	PromptDegraded  bool    `json:"prompt_degraded,omitempty"`
	Revisions       int     `json:"revisions"`
	AttemptsSpent   int     `json:"attempts_spent"`
	Corrected       bool    `json:"corrected,omitempty"`
	ArtifactRef     string  `json:"artifact_ref,omitempty"`
	ExternalCalls   int     `json:"external_calls"`
	CostUSD         float64 `json:"cost_usd"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Stage aggregates the batch's upstream calls for one capability stage.
type Stage struct {
	Stage    string  `json:"stage"`
	Calls    int     `json:"calls"`
	Failures int     `json:"failures"`
	CostUSD  float64 `json:"cost_usd"`
}

// Report is a self-contained summary of one batch.
type Report struct {
	BatchID       string    `json:"batch_id"`
	Fandom        string    `json:"fandom"`
	Style         string    `json:"style,omitempty"`
	SourceRef     string    `json:"source_ref,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Accepted      int       `json:"accepted"`
	Degraded      int       `json:"degraded"`
	Failed        int       `json:"failed"`
	ExternalCalls int       `json:"external_calls"`
	CostUSD       float64   `json:"cost_usd"`
	Scenes        []Scene   `json:"scenes"`
	Stages        []Stage   `json:"stages,omitempty"`
}

// New builds a report from a batch result and its per-stage call
// breakdown.
func New(res *batch.Result, stages []metrics.StageSummary) *Report {
	r := &Report{
		BatchID:       res.BatchID,
		Fandom:        res.Fandom,
		Style:         res.Style,
		SourceRef:     res.SourceRef,
		StartedAt:     res.StartedAt,
		FinishedAt:    res.FinishedAt,
		Accepted:      res.Accepted,
		Degraded:      res.Degraded,
		Failed:        res.Failed,
		ExternalCalls: res.ExternalCalls,
		CostUSD:       res.CostUSD,
	}
	for _, s := range res.Scenes {
		r.Scenes = append(r.Scenes, Scene{
			SceneID:         s.SceneID,
			Title:           s.Title,
			Status:          string(s.Status),
			Similarity:      s.Similarity,
			Prompt:          s.Prompt.Prompt,
			NegativePrompt:  s.Prompt.NegativePrompt,
			PromptScore:     s.Prompt.Score,
			PromptDegraded:  s.PromptDegraded,
			Revisions:       s.Revisions,
			AttemptsSpent:   s.AttemptsSpent,
			Corrected:       s.Candidate.Corrected,
			ArtifactRef:     s.Candidate.Ref,
			ExternalCalls:   s.ExternalCalls,
			CostUSD:         s.CostUSD,
			DurationSeconds: s.Duration.Seconds(),
			Error:           s.Error,
		})
	}
	for _, st := range stages {
		r.Stages = append(r.Stages, Stage{
			Stage:    st.Stage,
			Calls:    st.Calls,
			Failures: st.Failures,
			CostUSD:  st.CostUSD,
		})
	}
	return r
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() (string, error) {
	var buf bytes.Buffer
	if err := markdownTemplate.Execute(&buf, r); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

// WriteMarkdown writes the Markdown report to path.
func (r *Report) WriteMarkdown(path string) error {
	md, err := r.Markdown()
	if err != nil {
		return err
	}
	return writeFile(path, []byte(md))
}

const htmlShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>%s</title>
<style>
body { font-family: sans-serif; margin: 2rem auto; max-width: 60rem; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; }
</style>
</head>
<body>
%s</body>
</html>
`

// WriteHTML converts the Markdown report into a standalone HTML page.
func (r *Report) WriteHTML(path string) error {
	md, err := r.Markdown()
	if err != nil {
		return err
	}
	var body bytes.Buffer
	conv := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := conv.Convert([]byte(md), &body); err != nil {
		return fmt.Errorf("convert report to HTML: %w", err)
	}
	title := html.EscapeString("Cameo batch " + r.BatchID)
	page := fmt.Sprintf(htmlShell, title, body.String())
	return writeFile(path, []byte(page))
}

// WritePDF assembles the scenes' candidate images into a PDF gallery, one
// image per page in scene order. Scenes whose artifact ref is not a
// readable file are skipped; in-memory artifact refs never are.
func (r *Report) WritePDF(path string) error {
	var images []string
	for _, s := range r.Scenes {
		if s.ArtifactRef == "" {
			continue
		}
		if _, err := os.Stat(s.ArtifactRef); err != nil {
			continue
		}
		images = append(images, s.ArtifactRef)
	}
	if len(images) == 0 {
		return fmt.Errorf("no candidate images on disk for batch %s", r.BatchID)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := api.ImportImagesFile(images, path, nil, nil); err != nil {
		return fmt.Errorf("assemble PDF gallery: %w", err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
