// Package capability defines the external capabilities the generation
// pipeline drives: prompt drafting, prompt critique, scene writing, image
// rendering, face correction, and face embedding. Each capability is a
// strategy interface with a hosted implementation and a scripted mock, so
// the control loops never know which backend they are talking to.
package capability

import (
	"context"
	"time"

	"cameo/internal/identity"
	"cameo/internal/manifest"
)

// Usage carries cost and timing attribution for a single external call.
// Every result embeds one so the metrics ledger can account per scene.
type Usage struct {
	Provider string
	Model    string
	CostUSD  float64
	Duration time.Duration
}

// DraftRequest asks for a render prompt for one scene. PriorPrompt and
// PriorNotes carry the previous revision and its critique feedback; both are
// empty on the first draft. Revision is the number the produced draft will
// hold, starting at 1.
type DraftRequest struct {
	Scene       manifest.Scene
	Face        manifest.FaceProfile
	Fandom      string
	Style       string
	Revision    int
	PriorPrompt string
	PriorNotes  []string
	RequestID   string
}

// DraftResult is a drafted prompt pair.
type DraftResult struct {
	Prompt         string
	NegativePrompt string
	Usage          Usage
}

// CritiqueRequest asks for a quality judgment of a drafted prompt.
type CritiqueRequest struct {
	Scene          manifest.Scene
	Fandom         string
	Style          string
	Prompt         string
	NegativePrompt string
	RequestID      string
}

// CritiqueResult is the critic's verdict: a score in [0, 1] and concrete
// improvement notes for the next draft.
type CritiqueResult struct {
	Score float64
	Notes []string
	Usage Usage
}

// Conditioning holds the tunable parameters passed through to the renderer.
// The loops treat them as opaque knobs; only ReferenceStrength is adjusted
// between attempts.
type Conditioning struct {
	ReferenceImage    []byte
	ReferenceStrength float64
	AspectRatio       string
	Resolution        string
	GuidanceScale     float64
	Steps             int
	Seed              *int64
}

// RenderRequest asks for one rendered candidate image.
type RenderRequest struct {
	SceneID        string
	Prompt         string
	NegativePrompt string
	Conditioning   Conditioning
	RequestID      string
}

// RenderResult is a rendered image. ProviderRef is the provider-side URL
// when the backend hosts results; Image always holds the bytes.
type RenderResult struct {
	Image       []byte
	ProviderRef string
	Seed        int64
	Usage       Usage
}

// CorrectRequest asks for a face correction pass over a rendered image:
// identity transfer from the source face plus enhancement, as one transform.
type CorrectRequest struct {
	SceneID    string
	Image      []byte
	SourceFace []byte
	RequestID  string
}

// CorrectResult is the corrected image. Enhanced reports whether the
// enhancement stage ran; a failed enhancement degrades to the swapped image
// rather than failing the correction.
type CorrectResult struct {
	Image    []byte
	Enhanced bool
	Usage    Usage
}

// EmbedRequest asks for a face embedding of an image. Ref identifies the
// image for caching and for the embedding's provenance.
type EmbedRequest struct {
	Image     []byte
	Ref       string
	RequestID string
}

// EmbedResult carries the embedding and the detector's confidence.
type EmbedResult struct {
	Embedding identity.Embedding
	DetScore  float64
	Usage     Usage
}

// ScenesRequest asks the scene writer for a batch of scene descriptions.
// This is a thin single-shot step with no feedback loop.
type ScenesRequest struct {
	Fandom    string
	Style     string
	Face      manifest.FaceProfile
	Count     int
	RequestID string
}

// ScenesResult is the written scene list.
type ScenesResult struct {
	Scenes []manifest.Scene
	Usage  Usage
}

// Drafter writes render prompts.
type Drafter interface {
	DraftPrompt(ctx context.Context, req DraftRequest) (*DraftResult, error)
	Name() string
}

// Critic scores drafted prompts.
type Critic interface {
	CritiquePrompt(ctx context.Context, req CritiqueRequest) (*CritiqueResult, error)
	Name() string
}

// Renderer produces candidate images.
type Renderer interface {
	RenderImage(ctx context.Context, req RenderRequest) (*RenderResult, error)
	Name() string
}

// Corrector applies the face correction transform to a candidate.
type Corrector interface {
	CorrectFace(ctx context.Context, req CorrectRequest) (*CorrectResult, error)
	Name() string
}

// Embedder computes face embeddings.
type Embedder interface {
	EmbedFace(ctx context.Context, req EmbedRequest) (*EmbedResult, error)
	Name() string
}

// SceneWriter produces scene descriptions for a manifest.
type SceneWriter interface {
	WriteScenes(ctx context.Context, req ScenesRequest) (*ScenesResult, error)
	Name() string
}
