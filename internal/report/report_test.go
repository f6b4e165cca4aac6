package report

import (
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"cameo/internal/batch"
	"cameo/internal/metrics"
	"cameo/internal/refine"
	"cameo/internal/render"
)

func sampleResult() *batch.Result {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	return &batch.Result{
		BatchID:    "batch-1",
		Fandom:     "Dune",
		Style:      "cinematic",
		SourceRef:  "face.jpg",
		StartedAt:  started,
		FinishedAt: started.Add(90 * time.Second),
		Scenes: []batch.SceneResult{
			{
				SceneID: "desert-walk",
				Title:   "Walking the dunes",
				Status:  batch.StatusAccepted,
				Prompt: refine.Revision{
					SceneID: "desert-walk",
					Number:  2,
					Prompt:  "a lone figure crosses the dunes at dusk",
					Score:   0.93,
				},
				Candidate: render.Candidate{
					SceneID: "desert-walk",
					Attempt: 3,
					Ref:     "mem://batch-1/attempt_03.png",
					Score:   0.82,
				},
				Similarity:    0.82,
				Revisions:     2,
				AttemptsSpent: 3,
				ExternalCalls: 10,
				CostUSD:       0.12,
				Duration:      42 * time.Second,
			},
			{
				SceneID:       "throne-room",
				Title:         "Audience with the Emperor",
				Status:        batch.StatusFailed,
				Revisions:     1,
				AttemptsSpent: 3,
				ExternalCalls: 8,
				CostUSD:       0.08,
				Duration:      30 * time.Second,
				Error:         "best similarity 0.30 below acceptable floor 0.50",
			},
		},
		Accepted:      1,
		Failed:        1,
		ExternalCalls: 19,
		CostUSD:       0.2,
	}
}

func sampleStages() []metrics.StageSummary {
	return []metrics.StageSummary{
		{Stage: metrics.StageDraft, Summary: metrics.Summary{Calls: 3, CostUSD: 0.03}},
		{Stage: metrics.StageRender, Summary: metrics.Summary{Calls: 6, Failures: 3, CostUSD: 0.17}},
	}
}

func TestNewMapsResult(t *testing.T) {
	rep := New(sampleResult(), sampleStages())

	if rep.BatchID != "batch-1" {
		t.Errorf("BatchID = %q, want batch-1", rep.BatchID)
	}
	if len(rep.Scenes) != 2 {
		t.Fatalf("len(Scenes) = %d, want 2", len(rep.Scenes))
	}

	first := rep.Scenes[0]
	if first.Status != "accepted" {
		t.Errorf("Scenes[0].Status = %q, want accepted", first.Status)
	}
	if first.PromptScore != 0.93 {
		t.Errorf("Scenes[0].PromptScore = %v, want 0.93", first.PromptScore)
	}
	if first.ArtifactRef != "mem://batch-1/attempt_03.png" {
		t.Errorf("Scenes[0].ArtifactRef = %q", first.ArtifactRef)
	}
	if first.DurationSeconds != 42 {
		t.Errorf("Scenes[0].DurationSeconds = %v, want 42", first.DurationSeconds)
	}

	if len(rep.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(rep.Stages))
	}
	if rep.Stages[1].Stage != metrics.StageRender || rep.Stages[1].Failures != 3 {
		t.Errorf("Stages[1] = %+v", rep.Stages[1])
	}
}

func TestMarkdownListsEveryScene(t *testing.T) {
	rep := New(sampleResult(), sampleStages())

	md, err := rep.Markdown()
	if err != nil {
		t.Fatalf("Markdown: %v", err)
	}

	for _, want := range []string{
		"# Cameo batch batch-1",
		"Dune in cinematic style, 2 scenes.",
		"- Accepted: 1",
		"- Failed: 1",
		"- Total cost: $0.2000",
		"| desert-walk | accepted | 0.82 | 0.93 | 2 | 3 | $0.1200 | 42.0s |",
		"| throne-room | failed |",
		"## Upstream calls",
		"| render | 6 | 3 | $0.1700 |",
		"## Failures",
		"- throne-room: best similarity 0.30 below acceptable floor 0.50",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestMarkdownOmitsEmptySections(t *testing.T) {
	res := sampleResult()
	res.Scenes = res.Scenes[:1]
	res.Failed = 0

	md, err := New(res, nil).Markdown()
	if err != nil {
		t.Fatalf("Markdown: %v", err)
	}
	if strings.Contains(md, "## Upstream calls") {
		t.Error("markdown has stage section without stage data")
	}
	if strings.Contains(md, "## Failures") {
		t.Error("markdown has failure section without failed scenes")
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "report.json")

	if err := New(sampleResult(), sampleStages()).WriteJSON(path); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var got Report
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if got.BatchID != "batch-1" || len(got.Scenes) != 2 {
		t.Errorf("got batch %q with %d scenes", got.BatchID, len(got.Scenes))
	}
	if got.Scenes[0].Similarity != 0.82 {
		t.Errorf("Scenes[0].Similarity = %v, want 0.82", got.Scenes[0].Similarity)
	}
	if strings.Contains(string(data), "\"image\"") {
		t.Error("report JSON carries raw image bytes")
	}
}

func TestWriteHTMLRendersTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.html")

	if err := New(sampleResult(), sampleStages()).WriteHTML(path); err != nil {
		t.Fatalf("WriteHTML: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	page := string(data)
	for _, want := range []string{
		"<title>Cameo batch batch-1</title>",
		"<table>",
		"<td>desert-walk</td>",
		"</html>",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("encode image: %v", err)
	}
}

func TestWritePDFGallery(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "attempt_01.png")
	second := filepath.Join(dir, "attempt_02.png")
	writePNG(t, first)
	writePNG(t, second)

	res := sampleResult()
	res.Scenes[0].Candidate.Ref = first
	res.Scenes[1].Candidate.Ref = second

	path := filepath.Join(dir, "contact_sheet.pdf")
	if err := New(res, nil).WritePDF(path); err != nil {
		t.Fatalf("WritePDF: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open gallery: %v", err)
	}
	defer f.Close()
	pages, err := api.PageCount(f, nil)
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if pages != 2 {
		t.Errorf("pages = %d, want 2", pages)
	}
}

func TestWritePDFSkipsMissingArtifacts(t *testing.T) {
	// Both refs point at in-memory artifacts, so nothing lands in the
	// gallery and the writer refuses to emit an empty PDF.
	err := New(sampleResult(), nil).WritePDF(filepath.Join(t.TempDir(), "gallery.pdf"))
	if err == nil {
		t.Fatal("expected error for batch without on-disk artifacts")
	}
}
