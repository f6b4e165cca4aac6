// Package render implements the candidate generation loop: render an image
// from an accepted prompt, score its face similarity against the source
// embedding, and correct or re-render until the score clears the threshold
// or the attempt budget runs out. A near-miss best attempt is accepted
// degraded; anything below the floor fails the scene.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"cameo/internal/capability"
	"cameo/internal/identity"
	"cameo/internal/metrics"
)

// State is a phase of the candidate loop.
type State string

const (
	StateRendering        State = "rendering"
	StateScoring          State = "scoring"
	StateCorrecting       State = "correcting"
	StateRetrying         State = "retrying"
	StateAccepted         State = "accepted"
	StateAcceptedDegraded State = "accepted_degraded"
	StateFailed           State = "failed"
)

const defaultReferenceStrength = 0.35

// Candidate is one rendered attempt. Score and Ref track whichever image
// of the attempt scored higher, raw or corrected.
type Candidate struct {
	SceneID        string
	Attempt        int
	Seed           int64
	ProviderRef    string
	Image          []byte
	Ref            string
	Score          float64
	RawRef         string
	RawScore       float64
	CorrectedRef   string
	CorrectedScore float64
	Corrected      bool
}

// Config holds the loop's immutable knobs.
type Config struct {
	SimilarityThreshold     float64 // face similarity that accepts a candidate (default 0.75)
	MaxAttempts             int     // render attempts per scene (default 3)
	MinAcceptableSimilarity float64 // floor below which the scene fails outright (default 0.5)
	RetryBudget             int
	RetryDelay              time.Duration
	Conditioning            capability.Conditioning
	BatchID                 string
	Ledger                  *metrics.Ledger
	Logger                  *slog.Logger
}

// Input is one scene's render job: the accepted prompt plus the source
// identity to hold it to.
type Input struct {
	SceneID        string
	Prompt         string
	NegativePrompt string
	Source         identity.Embedding
	SourcePhoto    []byte
}

// Outcome is the result of one scene's candidate loop. State is always one
// of accepted, accepted_degraded or failed; FailureCause is set only when
// the scene failed.
type Outcome struct {
	Best          Candidate
	Attempts      []Candidate
	Trace         []State
	State         State
	AttemptsSpent int
	ExternalCalls int
	FailureCause  error
}

// Loop drives candidate generation for one scene at a time. A single Loop
// is safe to share across scene goroutines: all run state is local to Run.
type Loop struct {
	renderer  capability.Renderer
	embedder  capability.Embedder
	corrector capability.Corrector
	store     ArtifactStore
	cfg       Config
	logger    *slog.Logger
}

// NewLoop creates a candidate loop. corrector may be nil, in which case
// low-scoring attempts go straight to a retry.
func NewLoop(renderer capability.Renderer, embedder capability.Embedder, corrector capability.Corrector, store ArtifactStore, cfg Config) *Loop {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.75
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MinAcceptableSimilarity <= 0 {
		cfg.MinAcceptableSimilarity = 0.5
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
	return &Loop{
		renderer:  renderer,
		embedder:  embedder,
		corrector: corrector,
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// Run generates a candidate image for in. A failed scene is a valid
// Outcome, not an error; Run returns an error only on cancellation or when
// an artifact cannot be persisted.
func (l *Loop) Run(ctx context.Context, in Input) (*Outcome, error) {
	out := &Outcome{}
	cond := l.cfg.Conditioning
	if cond.ReferenceStrength <= 0 {
		cond.ReferenceStrength = defaultReferenceStrength
	}
	cond.ReferenceImage = in.SourcePhoto

	var best *Candidate
	var lastErr error
	var correctionTried bool
	attempt := 0

	state := StateRendering
	out.Trace = append(out.Trace, state)

	for {
		if err := ctx.Err(); err != nil {
			out.State = state
			return out, err
		}

		switch state {
		case StateRendering:
			attempt++
			out.AttemptsSpent = attempt
			correctionTried = false

			req := capability.RenderRequest{
				SceneID:        in.SceneID,
				Prompt:         in.Prompt,
				NegativePrompt: in.NegativePrompt,
				Conditioning:   cond,
			}
			res, err := capability.Call(ctx, l.cfg.RetryBudget, l.cfg.RetryDelay, "render_image",
				func(ctx context.Context) (*capability.RenderResult, error) {
					out.ExternalCalls++
					return l.renderer.RenderImage(ctx, req)
				})
			l.record(in.SceneID, metrics.StageRender, renderUsage(res), err)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				l.logger.Warn("render failed", "scene_id", in.SceneID, "attempt", attempt, "error", err)
				lastErr = err
				if attempt < l.cfg.MaxAttempts {
					// No score to steer by, so only the seed changes.
					cond.Seed = nil
					state = l.transition(out, StateRetrying)
				} else {
					state = l.finalize(out, best, lastErr)
				}
				continue
			}

			ref, err := l.store.SaveRaw(in.SceneID, attempt, res.Image)
			if err != nil {
				out.State = state
				return out, fmt.Errorf("save raw candidate for scene %s: %w", in.SceneID, err)
			}
			out.Attempts = append(out.Attempts, Candidate{
				SceneID:     in.SceneID,
				Attempt:     attempt,
				Seed:        res.Seed,
				ProviderRef: res.ProviderRef,
				Image:       res.Image,
				Ref:         ref,
				RawRef:      ref,
			})
			state = l.transition(out, StateScoring)

		case StateScoring:
			cur := &out.Attempts[len(out.Attempts)-1]
			score, err := l.score(ctx, out, in, cur.Image, cur.RawRef)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				// An unscorable attempt counts as zero and falls through
				// to correction or a retry.
				l.logger.Warn("similarity scoring failed", "scene_id", in.SceneID, "attempt", attempt, "error", err)
				score = 0
			}
			cur.RawScore = score
			cur.Score = score

			switch {
			case score >= l.cfg.SimilarityThreshold:
				best = updateBest(best, cur)
				state = l.transition(out, StateAccepted)
			case l.corrector != nil && !correctionTried:
				state = l.transition(out, StateCorrecting)
			default:
				best = updateBest(best, cur)
				state = l.nextAttempt(out, attempt, best, lastErr, score, &cond)
			}

		case StateCorrecting:
			cur := &out.Attempts[len(out.Attempts)-1]
			correctionTried = true

			req := capability.CorrectRequest{
				SceneID:    in.SceneID,
				Image:      cur.Image,
				SourceFace: in.SourcePhoto,
			}
			res, err := capability.Call(ctx, l.cfg.RetryBudget, l.cfg.RetryDelay, "correct_face",
				func(ctx context.Context) (*capability.CorrectResult, error) {
					out.ExternalCalls++
					return l.corrector.CorrectFace(ctx, req)
				})
			l.record(in.SceneID, metrics.StageCorrect, correctUsage(res), err)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				l.logger.Warn("face correction failed", "scene_id", in.SceneID, "attempt", attempt, "error", err)
				best = updateBest(best, cur)
				state = l.nextAttempt(out, attempt, best, lastErr, cur.Score, &cond)
				continue
			}

			ref, err := l.store.SaveCorrected(in.SceneID, attempt, res.Image)
			if err != nil {
				out.State = state
				return out, fmt.Errorf("save corrected candidate for scene %s: %w", in.SceneID, err)
			}
			cur.Corrected = true
			cur.CorrectedRef = ref

			score, err := l.score(ctx, out, in, res.Image, ref)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				l.logger.Warn("similarity scoring failed", "scene_id", in.SceneID, "attempt", attempt, "error", err)
				score = 0
			}
			cur.CorrectedScore = score
			// The attempt keeps whichever image scored higher.
			if score > cur.Score {
				cur.Score = score
				cur.Ref = ref
				cur.Image = res.Image
			}

			best = updateBest(best, cur)
			if cur.Score >= l.cfg.SimilarityThreshold {
				state = l.transition(out, StateAccepted)
			} else {
				state = l.nextAttempt(out, attempt, best, lastErr, cur.Score, &cond)
			}

		case StateRetrying:
			state = l.transition(out, StateRendering)

		case StateAccepted:
			out.Best = *best
			out.State = StateAccepted
			l.logger.Info("candidate accepted",
				"scene_id", in.SceneID, "attempt", out.Best.Attempt, "score", out.Best.Score,
				"corrected", out.Best.Corrected)
			return out, nil

		case StateAcceptedDegraded:
			out.Best = *best
			out.State = StateAcceptedDegraded
			l.logger.Warn("attempt budget exhausted, accepting best candidate as degraded",
				"scene_id", in.SceneID, "attempt", out.Best.Attempt, "score", out.Best.Score)
			return out, nil

		case StateFailed:
			out.State = StateFailed
			if best != nil {
				out.Best = *best
				out.FailureCause = fmt.Errorf("best similarity %.2f below acceptable floor %.2f",
					best.Score, l.cfg.MinAcceptableSimilarity)
			} else {
				if lastErr == nil {
					lastErr = fmt.Errorf("no candidate produced")
				}
				out.FailureCause = lastErr
			}
			l.logger.Error("candidate generation failed",
				"scene_id", in.SceneID, "attempts", out.AttemptsSpent, "error", out.FailureCause)
			return out, nil
		}
	}
}

// nextAttempt routes a below-threshold attempt to a retry with retuned
// conditioning, or to the terminal state once attempts are spent.
func (l *Loop) nextAttempt(out *Outcome, attempt int, best *Candidate, lastErr error, score float64, cond *capability.Conditioning) State {
	if attempt < l.cfg.MaxAttempts {
		*cond = retune(*cond, l.cfg.SimilarityThreshold, score)
		return l.transition(out, StateRetrying)
	}
	return l.finalize(out, best, lastErr)
}

func (l *Loop) finalize(out *Outcome, best *Candidate, lastErr error) State {
	if best != nil && best.Score >= l.cfg.MinAcceptableSimilarity {
		return l.transition(out, StateAcceptedDegraded)
	}
	return l.transition(out, StateFailed)
}

func (l *Loop) transition(out *Outcome, next State) State {
	out.Trace = append(out.Trace, next)
	return next
}

// score embeds image and measures cosine similarity against the source.
func (l *Loop) score(ctx context.Context, out *Outcome, in Input, image []byte, ref string) (float64, error) {
	res, err := capability.Call(ctx, l.cfg.RetryBudget, l.cfg.RetryDelay, "embed_face",
		func(ctx context.Context) (*capability.EmbedResult, error) {
			out.ExternalCalls++
			return l.embedder.EmbedFace(ctx, capability.EmbedRequest{Image: image, Ref: ref})
		})
	l.record(in.SceneID, metrics.StageEmbed, embedUsage(res), err)
	if err != nil {
		return 0, err
	}
	score, err := identity.Score(in.Source, res.Embedding)
	if err != nil {
		return 0, fmt.Errorf("similarity for %s: %w", ref, err)
	}
	return score, nil
}

// retune raises the reference strength in proportion to how far the
// attempt fell short and drops the seed so the next render explores.
func retune(c capability.Conditioning, threshold, score float64) capability.Conditioning {
	shortfall := threshold - score
	if shortfall < 0 {
		shortfall = 0
	}
	c.ReferenceStrength = math.Min(1.0, c.ReferenceStrength+0.5*shortfall)
	c.Seed = nil
	return c
}

// updateBest keeps the strictly higher-scoring candidate so the first
// attempt to reach the top score stays the winner.
func updateBest(best, cur *Candidate) *Candidate {
	if best == nil || cur.Score > best.Score {
		snapshot := *cur
		return &snapshot
	}
	return best
}

func (l *Loop) record(sceneID, stage string, usage capability.Usage, err error) {
	if l.cfg.Ledger == nil {
		return
	}
	l.cfg.Ledger.RecordCall(l.cfg.BatchID, sceneID, stage, usage, err)
}

func renderUsage(res *capability.RenderResult) capability.Usage {
	if res == nil {
		return capability.Usage{}
	}
	return res.Usage
}

func correctUsage(res *capability.CorrectResult) capability.Usage {
	if res == nil {
		return capability.Usage{}
	}
	return res.Usage
}

func embedUsage(res *capability.EmbedResult) capability.Usage {
	if res == nil {
		return capability.Usage{}
	}
	return res.Usage
}
