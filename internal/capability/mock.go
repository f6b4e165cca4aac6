package capability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"cameo/internal/identity"
	"cameo/internal/manifest"
)

const MockName = "mock"

// The mocks below drive the loop tests: each call consumes the next entry
// of its script. Value scripts repeat their last entry once exhausted; error
// scripts fall back to success so a bounded failure run can be expressed as
// a finite slice.

func scriptString(vals []string, i int) string {
	if len(vals) == 0 {
		return ""
	}
	if i >= len(vals) {
		i = len(vals) - 1
	}
	return vals[i]
}

func scriptFloat(vals []float64, i int) float64 {
	if len(vals) == 0 {
		return 0
	}
	if i >= len(vals) {
		i = len(vals) - 1
	}
	return vals[i]
}

func scriptErr(errs []error, i int) error {
	if i < len(errs) {
		return errs[i]
	}
	return nil
}

func mockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockDrafter is a scripted Drafter.
type MockDrafter struct {
	Latency time.Duration
	Prompts []string
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockDrafter) Name() string { return MockName }

func (m *MockDrafter) DraftPrompt(ctx context.Context, req DraftRequest) (*DraftResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	prompt := scriptString(m.Prompts, idx)
	if prompt == "" {
		prompt = fmt.Sprintf("photorealistic portrait in scene %s, revision %d", req.Scene.ID, req.Revision)
	}
	return &DraftResult{
		Prompt:         prompt,
		NegativePrompt: "cartoon, illustration, deformed face",
		Usage:          Usage{Provider: MockName, CostUSD: 0.001, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockDrafter) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockDrafter) Reset() { m.requestCount.Store(0) }

// MockCritic is a scripted Critic.
type MockCritic struct {
	Latency time.Duration
	Scores  []float64
	Notes   [][]string
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockCritic) Name() string { return MockName }

func (m *MockCritic) CritiquePrompt(ctx context.Context, req CritiqueRequest) (*CritiqueResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	notes := []string{"name the lighting and lens"}
	if len(m.Notes) > 0 {
		j := idx
		if j >= len(m.Notes) {
			j = len(m.Notes) - 1
		}
		notes = m.Notes[j]
	}
	return &CritiqueResult{
		Score: scriptFloat(m.Scores, idx),
		Notes: notes,
		Usage: Usage{Provider: MockName, CostUSD: 0.001, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockCritic) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockCritic) Reset() { m.requestCount.Store(0) }

// MockRenderer is a scripted Renderer. Rendered bytes default to a marker
// naming the scene and the call number so artifacts stay distinguishable.
type MockRenderer struct {
	Latency time.Duration
	Images  [][]byte
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockRenderer) Name() string { return MockName }

func (m *MockRenderer) RenderImage(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	var img []byte
	if idx < len(m.Images) {
		img = m.Images[idx]
	}
	if len(img) == 0 {
		img = fmt.Appendf(nil, "mock-image:%s:%d", req.SceneID, count)
	}
	return &RenderResult{
		Image: img,
		Seed:  count,
		Usage: Usage{Provider: MockName, CostUSD: 0.01, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockRenderer) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockRenderer) Reset() { m.requestCount.Store(0) }

// MockCorrector is a scripted Corrector. Corrected bytes are the input
// prefixed with a marker so tests can tell raw and corrected apart.
type MockCorrector struct {
	Latency time.Duration
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockCorrector) Name() string { return MockName }

func (m *MockCorrector) CorrectFace(ctx context.Context, req CorrectRequest) (*CorrectResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	img := append([]byte("corrected:"), req.Image...)
	return &CorrectResult{
		Image:    img,
		Enhanced: true,
		Usage:    Usage{Provider: MockName, CostUSD: 0.005, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockCorrector) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockCorrector) Reset() { m.requestCount.Store(0) }

// MockEmbedder is a scripted Embedder: each call consumes the next vector.
// With an empty script every image embeds to the same unit vector, which
// scores 1.0 against itself.
type MockEmbedder struct {
	Latency time.Duration
	Vectors [][]float32
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockEmbedder) Name() string { return MockName }

func (m *MockEmbedder) EmbedFace(ctx context.Context, req EmbedRequest) (*EmbedResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	vec := []float32{1, 0}
	if len(m.Vectors) > 0 {
		j := idx
		if j >= len(m.Vectors) {
			j = len(m.Vectors) - 1
		}
		vec = m.Vectors[j]
	}
	return &EmbedResult{
		Embedding: identity.NewEmbedding(vec, req.Ref),
		DetScore:  0.99,
		Usage:     Usage{Provider: MockName, CostUSD: 0, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockEmbedder) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockEmbedder) Reset() { m.requestCount.Store(0) }

// MockSceneWriter is a scripted SceneWriter.
type MockSceneWriter struct {
	Latency time.Duration
	Scenes  []manifest.Scene
	Errs    []error

	requestCount atomic.Int64
}

func (m *MockSceneWriter) Name() string { return MockName }

func (m *MockSceneWriter) WriteScenes(ctx context.Context, req ScenesRequest) (*ScenesResult, error) {
	count := m.requestCount.Add(1)
	idx := int(count) - 1

	if err := mockSleep(ctx, m.Latency); err != nil {
		return nil, err
	}
	if err := scriptErr(m.Errs, idx); err != nil {
		return nil, err
	}

	scenes := m.Scenes
	if len(scenes) == 0 {
		n := req.Count
		if n <= 0 {
			n = 3
		}
		scenes = make([]manifest.Scene, 0, n)
		for i := 1; i <= n; i++ {
			scenes = append(scenes, manifest.Scene{
				ID:          fmt.Sprintf("scene-%d", i),
				Description: fmt.Sprintf("mock scene %d in %s", i, req.Fandom),
			})
		}
	}
	return &ScenesResult{
		Scenes: scenes,
		Usage:  Usage{Provider: MockName, CostUSD: 0.001, Duration: m.Latency},
	}, nil
}

// RequestCount returns the number of calls made.
func (m *MockSceneWriter) RequestCount() int64 { return m.requestCount.Load() }

// Reset resets the call counter.
func (m *MockSceneWriter) Reset() { m.requestCount.Store(0) }

// Verify interfaces
var (
	_ Drafter     = (*MockDrafter)(nil)
	_ Critic      = (*MockCritic)(nil)
	_ Renderer    = (*MockRenderer)(nil)
	_ Corrector   = (*MockCorrector)(nil)
	_ Embedder    = (*MockEmbedder)(nil)
	_ SceneWriter = (*MockSceneWriter)(nil)
)
