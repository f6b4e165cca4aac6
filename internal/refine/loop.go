// Package refine implements the prompt refinement loop: draft a render
// prompt, have the critic score it, and revise with the critic's notes
// until the score clears the acceptance threshold or the revision budget
// runs out. On exhaustion the best-scoring revision wins, flagged degraded.
package refine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cameo/internal/capability"
	"cameo/internal/manifest"
	"cameo/internal/metrics"
)

// State is a phase of the refinement loop.
type State string

const (
	StateDrafting   State = "drafting"
	StateCritiquing State = "critiquing"
	StateAccepted   State = "accepted"
	StateRevising   State = "revising"
	StateExhausted  State = "exhausted"
)

// Revision is one prompt revision and its critique. Numbers increase
// strictly from 1; a revision is never rewritten once the next one exists.
type Revision struct {
	SceneID        string
	Number         int
	Prompt         string
	NegativePrompt string
	Score          float64
	Notes          []string
}

// Config holds the loop's immutable knobs.
type Config struct {
	AcceptThreshold float64       // critic score that accepts a prompt (default 0.9)
	MaxRevisions    int           // revision budget per scene (default 5)
	RetryBudget     int           // transient retries per external call (default 3)
	RetryDelay      time.Duration // backoff base delay (default 1s)
	BatchID         string
	Ledger          *metrics.Ledger
	Logger          *slog.Logger
}

// Outcome is the result of one scene's refinement.
type Outcome struct {
	Best          Revision
	History       []Revision
	Trace         []State
	State         State
	Degraded      bool
	ExternalCalls int
}

// Loop drives prompt refinement for one scene at a time. A single Loop is
// safe to share across scene goroutines: all run state is local to Run.
type Loop struct {
	drafter capability.Drafter
	critic  capability.Critic
	cfg     Config
	logger  *slog.Logger
}

// NewLoop creates a refinement loop.
func NewLoop(drafter capability.Drafter, critic capability.Critic, cfg Config) *Loop {
	if cfg.AcceptThreshold <= 0 {
		cfg.AcceptThreshold = 0.9
	}
	if cfg.MaxRevisions <= 0 {
		cfg.MaxRevisions = 5
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
		drafter: drafter,
		critic:  critic,
		cfg:     cfg,
		logger:  cfg.Logger,
	}
}

// Run refines a prompt for scene. It returns an error only when the scene
// produced no usable revision at all or the context was cancelled; an
// exhausted budget with at least one revision returns the best revision
// with Degraded set.
func (l *Loop) Run(ctx context.Context, man *manifest.Manifest, scene manifest.Scene) (*Outcome, error) {
	out := &Outcome{}
	var best *Revision
	var prior *Revision
	var lastErr error
	revision := 0

	state := StateDrafting
	out.Trace = append(out.Trace, state)

	for {
		// Cancellation is checked between stages only; an in-flight
		// call always runs to completion or its own timeout.
		if err := ctx.Err(); err != nil {
			out.State = state
			return out, err
		}

		switch state {
		case StateDrafting:
			revision++
			req := capability.DraftRequest{
				Scene:    scene,
				Face:     man.Face,
				Fandom:   man.Fandom,
				Style:    man.Style,
				Revision: revision,
			}
			if prior != nil {
				req.PriorPrompt = prior.Prompt
				req.PriorNotes = prior.Notes
			}

			res, err := capability.Call(ctx, l.cfg.RetryBudget, l.cfg.RetryDelay, "draft_prompt",
				func(ctx context.Context) (*capability.DraftResult, error) {
					out.ExternalCalls++
					return l.drafter.DraftPrompt(ctx, req)
				})
			l.record(scene.ID, metrics.StageDraft, draftUsage(res), err)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				l.logger.Warn("draft failed", "scene_id", scene.ID, "revision", revision, "error", err)
				lastErr = err
				state = l.transition(out, StateExhausted)
				continue
			}

			out.History = append(out.History, Revision{
				SceneID:        scene.ID,
				Number:         revision,
				Prompt:         res.Prompt,
				NegativePrompt: res.NegativePrompt,
			})
			state = l.transition(out, StateCritiquing)

		case StateCritiquing:
			current := &out.History[len(out.History)-1]
			req := capability.CritiqueRequest{
				Scene:          scene,
				Fandom:         man.Fandom,
				Style:          man.Style,
				Prompt:         current.Prompt,
				NegativePrompt: current.NegativePrompt,
			}

			res, err := capability.Call(ctx, l.cfg.RetryBudget, l.cfg.RetryDelay, "critique_prompt",
				func(ctx context.Context) (*capability.CritiqueResult, error) {
					out.ExternalCalls++
					return l.critic.CritiquePrompt(ctx, req)
				})
			l.record(scene.ID, metrics.StageCritique, critiqueUsage(res), err)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					out.State = state
					return out, ctxErr
				}
				// A broken critic leaves the revision at score zero;
				// the scene keeps going on whatever drafts it has.
				l.logger.Warn("critique failed", "scene_id", scene.ID, "revision", current.Number, "error", err)
			} else {
				current.Score = res.Score
				current.Notes = res.Notes
			}

			// Strictly-greater so the first revision to reach the top
			// score stays the winner under a noisy critic.
			if best == nil || current.Score > best.Score {
				snapshot := *current
				best = &snapshot
			}
			snapshot := *current
			prior = &snapshot

			switch {
			case err == nil && current.Score >= l.cfg.AcceptThreshold:
				state = l.transition(out, StateAccepted)
			case revision < l.cfg.MaxRevisions:
				state = l.transition(out, StateRevising)
			default:
				state = l.transition(out, StateExhausted)
			}

		case StateRevising:
			state = l.transition(out, StateDrafting)

		case StateAccepted:
			out.Best = *best
			out.State = StateAccepted
			l.logger.Info("prompt accepted",
				"scene_id", scene.ID, "revision", out.Best.Number, "score", out.Best.Score)
			return out, nil

		case StateExhausted:
			out.State = StateExhausted
			out.Degraded = true
			if best == nil {
				if lastErr == nil {
					lastErr = fmt.Errorf("no revision produced")
				}
				return out, fmt.Errorf("prompt refinement for scene %s: %w", scene.ID, lastErr)
			}
			out.Best = *best
			l.logger.Warn("revision budget exhausted, using best revision",
				"scene_id", scene.ID, "revision", out.Best.Number, "score", out.Best.Score)
			return out, nil
		}
	}
}

func (l *Loop) transition(out *Outcome, next State) State {
	out.Trace = append(out.Trace, next)
	return next
}

func (l *Loop) record(sceneID, stage string, usage capability.Usage, err error) {
	if l.cfg.Ledger == nil {
		return
	}
	l.cfg.Ledger.RecordCall(l.cfg.BatchID, sceneID, stage, usage, err)
}

func draftUsage(res *capability.DraftResult) capability.Usage {
	if res == nil {
		return capability.Usage{}
	}
	return res.Usage
}

func critiqueUsage(res *capability.CritiqueResult) capability.Usage {
	if res == nil {
		return capability.Usage{}
	}
	return res.Usage
}
