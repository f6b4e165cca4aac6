package capability

import (
	"fmt"
	"log/slog"
	"time"
)

// Stack bundles one implementation per capability role. Embedder and
// Corrector are wired by the caller once the face identity service is up;
// NewStack fills the text and render roles from config.
type Stack struct {
	Drafter     Drafter
	Critic      Critic
	SceneWriter SceneWriter
	Renderer    Renderer
	Embedder    Embedder
	Corrector   Corrector
}

// TextRoleConfig mirrors the config file's text provider sections with the
// API key already resolved.
type TextRoleConfig struct {
	Type        string // "openai", "mock"
	Model       string
	APIKey      string
	Temperature float64
	MaxTokens   int
	RateLimit   float64
}

// RenderRoleConfig mirrors the config file's renderer section with the API
// key already resolved.
type RenderRoleConfig struct {
	Type            string // "nanobanana", "mock"
	APIKey          string
	BaseURL         string
	RateLimit       float64
	Timeout         time.Duration
	CostPerImageUSD float64
}

// StackConfig selects the backends for the text and render roles.
type StackConfig struct {
	Drafter     TextRoleConfig
	Critic      TextRoleConfig
	SceneWriter TextRoleConfig
	Renderer    RenderRoleConfig
}

// NewStack builds the text and render capabilities from config.
func NewStack(cfg StackConfig, logger *slog.Logger) (*Stack, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stack{}

	drafter, err := newTextRole("drafter", cfg.Drafter)
	if err != nil {
		return nil, err
	}
	if drafter != nil {
		s.Drafter = drafter
	} else {
		s.Drafter = &MockDrafter{}
	}

	critic, err := newTextRole("critic", cfg.Critic)
	if err != nil {
		return nil, err
	}
	if critic != nil {
		s.Critic = critic
	} else {
		s.Critic = &MockCritic{Scores: []float64{0.95}}
	}

	writer, err := newTextRole("scene_writer", cfg.SceneWriter)
	if err != nil {
		return nil, err
	}
	if writer != nil {
		s.SceneWriter = writer
	} else {
		s.SceneWriter = &MockSceneWriter{}
	}

	switch cfg.Renderer.Type {
	case "nanobanana":
		s.Renderer = NewNanoBananaClient(NanoBananaConfig{
			APIKey:          cfg.Renderer.APIKey,
			BaseURL:         cfg.Renderer.BaseURL,
			Timeout:         cfg.Renderer.Timeout,
			RateLimit:       cfg.Renderer.RateLimit,
			CostPerImageUSD: cfg.Renderer.CostPerImageUSD,
		})
	case "mock", "":
		s.Renderer = &MockRenderer{}
	default:
		return nil, fmt.Errorf("unknown renderer type %q", cfg.Renderer.Type)
	}

	logger.Info("capability stack configured",
		"drafter", s.Drafter.Name(),
		"critic", s.Critic.Name(),
		"scene_writer", s.SceneWriter.Name(),
		"renderer", s.Renderer.Name(),
	)
	return s, nil
}

// newTextRole returns the OpenAI client for a text role, nil for an
// explicit mock, or an error for an unknown type.
func newTextRole(role string, cfg TextRoleConfig) (*OpenAIText, error) {
	switch cfg.Type {
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: openai provider requires an api key", role)
		}
		return NewOpenAIText(OpenAITextConfig{
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			RateLimit:   cfg.RateLimit,
		}), nil
	case "mock", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("%s: unknown provider type %q", role, cfg.Type)
	}
}

// Validate checks the roles a render batch needs are present.
func (s *Stack) Validate() error {
	if s.Drafter == nil {
		return fmt.Errorf("capability stack missing drafter")
	}
	if s.Critic == nil {
		return fmt.Errorf("capability stack missing critic")
	}
	if s.Renderer == nil {
		return fmt.Errorf("capability stack missing renderer")
	}
	if s.Embedder == nil {
		return fmt.Errorf("capability stack missing embedder")
	}
	return nil
}
