package refine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"cameo/internal/capability"
	"cameo/internal/manifest"
	"cameo/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testManifest() *manifest.Manifest {
	return &manifest.Manifest{
		Fandom: "Dune",
		Style:  "cinematic",
		Face: manifest.FaceProfile{
			Description: "adult with short dark hair",
		},
		Scenes: []manifest.Scene{
			{ID: "desert-walk", Description: "walking a dune ridge at dusk"},
		},
	}
}

func testConfig() Config {
	return Config{
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	}
}

// drafterFunc adapts a function to capability.Drafter so tests can record
// the requests the loop builds.
type drafterFunc func(ctx context.Context, req capability.DraftRequest) (*capability.DraftResult, error)

func (f drafterFunc) Name() string { return "test" }

func (f drafterFunc) DraftPrompt(ctx context.Context, req capability.DraftRequest) (*capability.DraftResult, error) {
	return f(ctx, req)
}

func TestRunAcceptsWhenThresholdMet(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.5, 0.7, 0.6, 0.95}}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateAccepted {
		t.Errorf("expected state %s, got %s", StateAccepted, out.State)
	}
	if out.Degraded {
		t.Error("accepted outcome should not be degraded")
	}
	if out.Best.Number != 4 {
		t.Errorf("expected revision 4 accepted, got %d", out.Best.Number)
	}
	if out.Best.Score != 0.95 {
		t.Errorf("expected best score 0.95, got %v", out.Best.Score)
	}
	if len(out.History) != 4 {
		t.Errorf("expected 4 revisions, got %d", len(out.History))
	}
	if got := drafter.RequestCount(); got != 4 {
		t.Errorf("expected 4 draft calls, got %d", got)
	}
	if got := critic.RequestCount(); got != 4 {
		t.Errorf("expected 4 critique calls, got %d", got)
	}
	if out.ExternalCalls != 8 {
		t.Errorf("expected 8 external calls, got %d", out.ExternalCalls)
	}
}

func TestRunFirstDraftAccepted(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.95}}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.Best.Number != 1 {
		t.Errorf("expected revision 1 accepted, got %d", out.Best.Number)
	}
	if out.ExternalCalls != 2 {
		t.Errorf("expected 2 external calls, got %d", out.ExternalCalls)
	}
	want := []State{StateDrafting, StateCritiquing, StateAccepted}
	if len(out.Trace) != len(want) {
		t.Fatalf("expected trace %v, got %v", want, out.Trace)
	}
	for i := range want {
		if out.Trace[i] != want[i] {
			t.Fatalf("expected trace %v, got %v", want, out.Trace)
		}
	}
}

func TestRunExhaustsAndKeepsBest(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.5, 0.7, 0.6, 0.55, 0.65}}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateExhausted {
		t.Errorf("expected state %s, got %s", StateExhausted, out.State)
	}
	if !out.Degraded {
		t.Error("exhausted outcome should be degraded")
	}
	if out.Best.Number != 2 {
		t.Errorf("expected best revision 2, got %d", out.Best.Number)
	}
	if out.Best.Score != 0.7 {
		t.Errorf("expected best score 0.7, got %v", out.Best.Score)
	}
	if len(out.History) != 5 {
		t.Errorf("expected 5 revisions, got %d", len(out.History))
	}
}

func TestRunTieKeepsFirstRevision(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.7, 0.7, 0.7}}
	loop := NewLoop(drafter, critic, Config{
		MaxRevisions: 3,
		RetryDelay:   time.Millisecond,
		Logger:       testLogger(),
	})

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.Best.Number != 1 {
		t.Errorf("expected first revision to win the tie, got %d", out.Best.Number)
	}
}

func TestRunMaxRevisionsRespected(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.1}}
	loop := NewLoop(drafter, critic, Config{
		MaxRevisions: 2,
		RetryDelay:   time.Millisecond,
		Logger:       testLogger(),
	})

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(out.History) != 2 {
		t.Errorf("expected 2 revisions, got %d", len(out.History))
	}
	if got := drafter.RequestCount(); got != 2 {
		t.Errorf("expected 2 draft calls, got %d", got)
	}
}

func TestRunCriticFailureScoresZero(t *testing.T) {
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{
		Errs:   []error{capability.Permanent("critique_prompt", fmt.Errorf("schema rejected"))},
		Scores: []float64{0.95},
	}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateAccepted {
		t.Errorf("expected state %s, got %s", StateAccepted, out.State)
	}
	if out.History[0].Score != 0 {
		t.Errorf("failed critique should leave score 0, got %v", out.History[0].Score)
	}
	if out.Best.Number != 2 {
		t.Errorf("expected revision 2 accepted, got %d", out.Best.Number)
	}
}

func TestRunAllCritiquesFailStillReturnsBest(t *testing.T) {
	permanent := capability.Permanent("critique_prompt", fmt.Errorf("model refused"))
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Errs: []error{permanent, permanent, permanent}}
	loop := NewLoop(drafter, critic, Config{
		MaxRevisions: 3,
		RetryDelay:   time.Millisecond,
		Logger:       testLogger(),
	})

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("a dead critic should not fail a scene with drafts: %v", err)
	}

	if !out.Degraded {
		t.Error("expected degraded outcome")
	}
	if out.Best.Number != 1 {
		t.Errorf("expected first revision as best, got %d", out.Best.Number)
	}
	if out.Best.Prompt == "" {
		t.Error("best revision should keep its prompt")
	}
}

func TestRunDraftFailureKeepsEarlierBest(t *testing.T) {
	drafter := &capability.MockDrafter{
		Errs: []error{nil, capability.Permanent("draft_prompt", fmt.Errorf("content filter"))},
	}
	critic := &capability.MockCritic{Scores: []float64{0.5}}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if out.State != StateExhausted {
		t.Errorf("expected state %s, got %s", StateExhausted, out.State)
	}
	if out.Best.Number != 1 {
		t.Errorf("expected revision 1 as best, got %d", out.Best.Number)
	}
	if out.Best.Score != 0.5 {
		t.Errorf("expected best score 0.5, got %v", out.Best.Score)
	}
}

func TestRunNoDraftAtAllFails(t *testing.T) {
	drafter := &capability.MockDrafter{
		Errs: []error{capability.Permanent("draft_prompt", fmt.Errorf("invalid api key"))},
	}
	critic := &capability.MockCritic{}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	out, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err == nil {
		t.Fatal("expected error when no revision was ever produced")
	}
	if !capability.IsPermanent(err) {
		t.Errorf("expected permanent cause, got %v", err)
	}
	if len(out.History) != 0 {
		t.Errorf("expected empty history, got %d revisions", len(out.History))
	}
	if got := critic.RequestCount(); got != 0 {
		t.Errorf("critic should never run without a draft, got %d calls", got)
	}
}

func TestRunTransientDraftFailuresBeyondBudgetFail(t *testing.T) {
	transient := capability.Transient("draft_prompt", fmt.Errorf("upstream 503"))
	drafter := &capability.MockDrafter{Errs: []error{transient, transient, transient}}
	critic := &capability.MockCritic{}
	loop := NewLoop(drafter, critic, Config{
		RetryBudget: 3,
		RetryDelay:  time.Millisecond,
		Logger:      testLogger(),
	})

	man := testManifest()
	_, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err == nil {
		t.Fatal("expected error after exhausting the retry budget")
	}
	if !errors.Is(err, capability.ErrBudgetExhausted) {
		t.Errorf("expected budget exhaustion cause, got %v", err)
	}
	if capability.IsPermanent(err) {
		t.Error("budget exhaustion must not read as a permanent upstream error")
	}
	if got := drafter.RequestCount(); got != 3 {
		t.Errorf("expected 3 draft attempts, got %d", got)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	_, err := loop.Run(ctx, man, man.Scenes[0])
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if got := drafter.RequestCount(); got != 0 {
		t.Errorf("cancelled run should make no calls, got %d", got)
	}
}

func TestRunFeedsNotesToNextDraft(t *testing.T) {
	var reqs []capability.DraftRequest
	drafter := drafterFunc(func(ctx context.Context, req capability.DraftRequest) (*capability.DraftResult, error) {
		reqs = append(reqs, req)
		return &capability.DraftResult{Prompt: fmt.Sprintf("draft %d", req.Revision)}, nil
	})
	critic := &capability.MockCritic{
		Scores: []float64{0.4, 0.95},
		Notes:  [][]string{{"mention the lighting"}, nil},
	}
	loop := NewLoop(drafter, critic, testConfig())

	man := testManifest()
	_, err := loop.Run(context.Background(), man, man.Scenes[0])
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(reqs) != 2 {
		t.Fatalf("expected 2 draft requests, got %d", len(reqs))
	}
	first, second := reqs[0], reqs[1]
	if first.PriorPrompt != "" || len(first.PriorNotes) != 0 {
		t.Error("first draft should carry no prior revision")
	}
	if second.Revision != 2 {
		t.Errorf("expected revision 2 in second request, got %d", second.Revision)
	}
	if second.PriorPrompt != "draft 1" {
		t.Errorf("expected prior prompt fed back, got %q", second.PriorPrompt)
	}
	if len(second.PriorNotes) != 1 || second.PriorNotes[0] != "mention the lighting" {
		t.Errorf("expected critic notes fed back, got %v", second.PriorNotes)
	}
}

func TestRunRecordsLedger(t *testing.T) {
	ledger := metrics.NewLedger()
	drafter := &capability.MockDrafter{}
	critic := &capability.MockCritic{Scores: []float64{0.95}}
	loop := NewLoop(drafter, critic, Config{
		BatchID:    "batch-1",
		Ledger:     ledger,
		RetryDelay: time.Millisecond,
		Logger:     testLogger(),
	})

	man := testManifest()
	if _, err := loop.Run(context.Background(), man, man.Scenes[0]); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := ledger.Len(); got != 2 {
		t.Fatalf("expected 2 ledger records, got %d", got)
	}
	records := ledger.Records()
	if records[0].Stage != metrics.StageDraft || records[1].Stage != metrics.StageCritique {
		t.Errorf("unexpected stages: %s, %s", records[0].Stage, records[1].Stage)
	}
	for _, rec := range records {
		if rec.BatchID != "batch-1" || rec.SceneID != "desert-walk" {
			t.Errorf("record missing identifiers: %+v", rec)
		}
		if !rec.Success {
			t.Errorf("expected success record, got %+v", rec)
		}
	}
}
