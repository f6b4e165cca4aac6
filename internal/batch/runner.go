// Package batch orchestrates a full render batch: the source face embeds
// once, then every scene runs its refinement and candidate loops in
// parallel. Scene failures stay isolated; a batch aborts only on
// cancellation or an error the taxonomy cannot classify.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cameo/internal/capability"
	"cameo/internal/identity"
	"cameo/internal/manifest"
	"cameo/internal/metrics"
	"cameo/internal/refine"
	"cameo/internal/render"
)

// Status is the terminal state of one scene.
type Status string

const (
	StatusAccepted         Status = "accepted"
	StatusAcceptedDegraded Status = "accepted_degraded"
	StatusFailed           Status = "failed"
)

// SceneResult is the outcome for one requested scene. Every scene in the
// batch gets exactly one, pass or fail.
type SceneResult struct {
	SceneID        string
	Title          string
	Status         Status
	Prompt         refine.Revision
	PromptDegraded bool
	Candidate      render.Candidate
	Similarity     float64
	Revisions      int
	AttemptsSpent  int
	ExternalCalls  int
	CostUSD        float64
	Duration       time.Duration
	Error          string
}

// Result is the outcome of a whole batch.
type Result struct {
	BatchID       string
	Fandom        string
	Style         string
	SourceRef     string
	StartedAt     time.Time
	FinishedAt    time.Time
	Scenes        []SceneResult
	Accepted      int
	Degraded      int
	Failed        int
	ExternalCalls int
	CostUSD       float64
}

// Config holds the pipeline knobs shared by every scene of a batch.
type Config struct {
	AcceptThreshold         float64
	SimilarityThreshold     float64
	MaxRevisions            int
	MaxAttempts             int
	MinAcceptableSimilarity float64
	RetryBudget             int
	RetryDelay              time.Duration
	ParallelismLimit        int    // concurrent scenes (default 3)
	BatchID                 string // assigned when the artifact store is bound before Run; random otherwise
	Conditioning            capability.Conditioning
	Logger                  *slog.Logger
}

// Runner executes batches against a capability stack.
type Runner struct {
	stack  *capability.Stack
	store  render.ArtifactStore
	ledger *metrics.Ledger
	cfg    Config
	logger *slog.Logger
}

// NewRunner creates a batch runner. The ledger may be shared with other
// runners; records carry the batch ID.
func NewRunner(stack *capability.Stack, store render.ArtifactStore, ledger *metrics.Ledger, cfg Config) *Runner {
	if cfg.ParallelismLimit <= 0 {
		cfg.ParallelismLimit = 3
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if ledger == nil {
		ledger = metrics.NewLedger()
	}
	return &Runner{
		stack:  stack,
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		logger: cfg.Logger,
	}
}

// Ledger returns the runner's call ledger.
func (r *Runner) Ledger() *metrics.Ledger { return r.ledger }

// Run renders every scene in man against the source photo and returns one
// SceneResult per scene. It errors out without a Result only when the
// manifest or stack is unusable, the source photo cannot be embedded, the
// context is cancelled, or a scene hits an unclassifiable error.
func (r *Runner) Run(ctx context.Context, man *manifest.Manifest, sourcePhoto []byte, sourceRef string) (*Result, error) {
	if err := man.Validate(); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := r.stack.Validate(); err != nil {
		return nil, err
	}
	if len(sourcePhoto) == 0 {
		return nil, fmt.Errorf("source photo is empty")
	}

	batchID := r.cfg.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}
	logger := r.logger.With("batch_id", batchID)
	started := time.Now()
	logger.Info("batch started",
		"fandom", man.Fandom, "scenes", len(man.Scenes), "parallelism", r.cfg.ParallelismLimit)

	source, srcCalls, err := r.embedSource(ctx, batchID, sourcePhoto, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("embed source photo: %w", err)
	}

	refineLoop := refine.NewLoop(r.stack.Drafter, r.stack.Critic, refine.Config{
		AcceptThreshold: r.cfg.AcceptThreshold,
		MaxRevisions:    r.cfg.MaxRevisions,
		RetryBudget:     r.cfg.RetryBudget,
		RetryDelay:      r.cfg.RetryDelay,
		BatchID:         batchID,
		Ledger:          r.ledger,
		Logger:          logger,
	})
	renderLoop := render.NewLoop(r.stack.Renderer, r.stack.Embedder, r.stack.Corrector, r.store, render.Config{
		SimilarityThreshold:     r.cfg.SimilarityThreshold,
		MaxAttempts:             r.cfg.MaxAttempts,
		MinAcceptableSimilarity: r.cfg.MinAcceptableSimilarity,
		RetryBudget:             r.cfg.RetryBudget,
		RetryDelay:              r.cfg.RetryDelay,
		Conditioning:            r.cfg.Conditioning,
		BatchID:                 batchID,
		Ledger:                  r.ledger,
		Logger:                  logger,
	})

	results := make([]SceneResult, len(man.Scenes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.ParallelismLimit)
	for i, scene := range man.Scenes {
		g.Go(func() error {
			res, err := r.runScene(gctx, refineLoop, renderLoop, man, scene, source, sourcePhoto)
			if err != nil {
				return err
			}
			res.CostUSD = r.ledger.SceneCost(batchID, scene.ID)
			results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Result{
		BatchID:       batchID,
		Fandom:        man.Fandom,
		Style:         man.Style,
		SourceRef:     sourceRef,
		StartedAt:     started,
		FinishedAt:    time.Now(),
		Scenes:        results,
		ExternalCalls: srcCalls,
		CostUSD:       r.ledger.BatchSummary(batchID).CostUSD,
	}
	for _, res := range results {
		out.ExternalCalls += res.ExternalCalls
		switch res.Status {
		case StatusAccepted:
			out.Accepted++
		case StatusAcceptedDegraded:
			out.Degraded++
		case StatusFailed:
			out.Failed++
		}
	}
	logger.Info("batch finished",
		"accepted", out.Accepted, "degraded", out.Degraded, "failed", out.Failed,
		"external_calls", out.ExternalCalls, "cost_usd", out.CostUSD,
		"elapsed", out.FinishedAt.Sub(out.StartedAt))
	return out, nil
}

// embedSource embeds the source face once for the whole batch.
func (r *Runner) embedSource(ctx context.Context, batchID string, photo []byte, ref string) (identity.Embedding, int, error) {
	calls := 0
	res, err := capability.Call(ctx, r.cfg.RetryBudget, r.cfg.RetryDelay, "embed_face",
		func(ctx context.Context) (*capability.EmbedResult, error) {
			calls++
			return r.stack.Embedder.EmbedFace(ctx, capability.EmbedRequest{Image: photo, Ref: ref})
		})
	usage := capability.Usage{}
	if res != nil {
		usage = res.Usage
	}
	r.ledger.RecordCall(batchID, "", metrics.StageEmbed, usage, err)
	if err != nil {
		return identity.Embedding{}, calls, err
	}
	return res.Embedding, calls, nil
}

func (r *Runner) runScene(ctx context.Context, refineLoop *refine.Loop, renderLoop *render.Loop, man *manifest.Manifest, scene manifest.Scene, source identity.Embedding, sourcePhoto []byte) (*SceneResult, error) {
	started := time.Now()
	res := &SceneResult{SceneID: scene.ID, Title: scene.Title}
	defer func() { res.Duration = time.Since(started) }()

	refOut, err := refineLoop.Run(ctx, man, scene)
	if refOut != nil {
		res.Revisions = len(refOut.History)
		res.ExternalCalls += refOut.ExternalCalls
		res.PromptDegraded = refOut.Degraded
	}
	if err != nil {
		if isAbort(err) {
			return nil, err
		}
		res.Status = StatusFailed
		res.Error = err.Error()
		return res, nil
	}
	res.Prompt = refOut.Best

	renOut, err := renderLoop.Run(ctx, render.Input{
		SceneID:        scene.ID,
		Prompt:         refOut.Best.Prompt,
		NegativePrompt: refOut.Best.NegativePrompt,
		Source:         source,
		SourcePhoto:    sourcePhoto,
	})
	if renOut != nil {
		res.AttemptsSpent = renOut.AttemptsSpent
		res.ExternalCalls += renOut.ExternalCalls
	}
	if err != nil {
		// Candidate loop errors are cancellation or artifact persistence;
		// both take the batch down.
		return nil, err
	}

	switch renOut.State {
	case render.StateFailed:
		res.Status = StatusFailed
		res.Error = renOut.FailureCause.Error()
		return res, nil
	case render.StateAcceptedDegraded:
		res.Status = StatusAcceptedDegraded
	default:
		res.Status = StatusAccepted
	}
	// A prompt that never cleared its own threshold taints the scene even
	// when the render scored well.
	if res.PromptDegraded {
		res.Status = StatusAcceptedDegraded
	}
	res.Candidate = renOut.Best
	res.Similarity = renOut.Best.Score
	return res, nil
}

// isAbort reports whether err must abort the whole batch instead of
// failing a single scene. Classified capability errors and exhausted
// budgets stay scene-local.
func isAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ce *capability.Error
	if errors.As(err, &ce) {
		return false
	}
	return !errors.Is(err, capability.ErrBudgetExhausted)
}
