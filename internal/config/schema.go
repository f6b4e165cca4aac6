package config

// Config holds cameo configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Providers ProvidersCfg `mapstructure:"providers" yaml:"providers"`
	Pipeline  PipelineCfg  `mapstructure:"pipeline" yaml:"pipeline"`
	FaceID    FaceIDCfg    `mapstructure:"faceid" yaml:"faceid"`
}

// TextProviderCfg configures a text-model role (drafter, critic, scene writer).
type TextProviderCfg struct {
	Type        string  `mapstructure:"type" yaml:"type"`       // "openai", "mock"
	Model       string  `mapstructure:"model" yaml:"model"`     // Model name
	APIKey      string  `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
}

// RenderProviderCfg configures the image renderer.
type RenderProviderCfg struct {
	Type            string  `mapstructure:"type" yaml:"type"`       // "nanobanana", "mock"
	APIKey          string  `mapstructure:"api_key" yaml:"api_key"` // API key (supports ${ENV_VAR} syntax)
	BaseURL         string  `mapstructure:"base_url" yaml:"base_url"`
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // Requests per second
	TimeoutSeconds  int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	CostPerImageUSD float64 `mapstructure:"cost_per_image_usd" yaml:"cost_per_image_usd"`
}

// ProvidersCfg assigns a provider to each pipeline role.
type ProvidersCfg struct {
	Drafter     TextProviderCfg   `mapstructure:"drafter" yaml:"drafter"`
	Critic      TextProviderCfg   `mapstructure:"critic" yaml:"critic"`
	SceneWriter TextProviderCfg   `mapstructure:"scene_writer" yaml:"scene_writer"`
	Renderer    RenderProviderCfg `mapstructure:"renderer" yaml:"renderer"`
}

// PipelineCfg holds the quality-loop knobs.
type PipelineCfg struct {
	// AcceptThreshold is the critic score that accepts a prompt.
	AcceptThreshold float64 `mapstructure:"accept_threshold" yaml:"accept_threshold"`
	// SimilarityThreshold is the face similarity that accepts a candidate.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	// MaxRevisions bounds prompt revisions per scene.
	MaxRevisions int `mapstructure:"max_revisions" yaml:"max_revisions"`
	// MaxAttempts bounds render attempts per scene.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// MinAcceptableSimilarity is the floor below which a scene fails outright.
	MinAcceptableSimilarity float64 `mapstructure:"min_acceptable_similarity" yaml:"min_acceptable_similarity"`
	// TransientRetryBudget bounds retries of one external call.
	TransientRetryBudget int `mapstructure:"transient_retry_budget" yaml:"transient_retry_budget"`
	// RetryBaseDelaySeconds is the initial backoff delay.
	RetryBaseDelaySeconds int `mapstructure:"retry_base_delay_seconds" yaml:"retry_base_delay_seconds"`
	// ParallelismLimit is the number of scenes rendered concurrently.
	ParallelismLimit int `mapstructure:"parallelism_limit" yaml:"parallelism_limit"`
	// ReferenceStrength is the initial identity conditioning strength.
	ReferenceStrength float64 `mapstructure:"reference_strength" yaml:"reference_strength"`
	AspectRatio       string  `mapstructure:"aspect_ratio" yaml:"aspect_ratio"`
	Resolution        string  `mapstructure:"resolution" yaml:"resolution"`
}

// FaceIDCfg holds the face identity sidecar configuration.
type FaceIDCfg struct {
	// ContainerName is the Docker container name (default: cameo-faceid)
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
	// Image is the Docker image to use
	Image string `mapstructure:"image" yaml:"image"`
	// Port is the host port to bind (default: 8470)
	Port string `mapstructure:"port" yaml:"port"`
	// BaseURL points at an already-running service instead of the managed container.
	BaseURL         string  `mapstructure:"base_url" yaml:"base_url"`
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	TimeoutSeconds  int     `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	CacheTTLMinutes int     `mapstructure:"cache_ttl_minutes" yaml:"cache_ttl_minutes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Providers: ProvidersCfg{
			Drafter: TextProviderCfg{
				Type:        "openai",
				Model:       "gpt-4o",
				APIKey:      "${OPENAI_API_KEY}",
				Temperature: 0.8,
				RateLimit:   2.0,
			},
			Critic: TextProviderCfg{
				Type:        "openai",
				Model:       "gpt-4o",
				APIKey:      "${OPENAI_API_KEY}",
				Temperature: 0.2,
				RateLimit:   2.0,
			},
			SceneWriter: TextProviderCfg{
				Type:        "openai",
				Model:       "gpt-4o",
				APIKey:      "${OPENAI_API_KEY}",
				Temperature: 0.9,
				RateLimit:   2.0,
			},
			Renderer: RenderProviderCfg{
				Type:            "nanobanana",
				APIKey:          "${NANOBANANA_API_KEY}",
				RateLimit:       0.5,
				TimeoutSeconds:  180,
				CostPerImageUSD: 0.04,
			},
		},
		Pipeline: PipelineCfg{
			AcceptThreshold:         0.9,
			SimilarityThreshold:     0.75,
			MaxRevisions:            5,
			MaxAttempts:             3,
			MinAcceptableSimilarity: 0.5,
			TransientRetryBudget:    3,
			RetryBaseDelaySeconds:   1,
			ParallelismLimit:        3,
			ReferenceStrength:       0.35,
		},
		FaceID: FaceIDCfg{
			ContainerName:   "cameo-faceid",
			Image:           "ghcr.io/cameo-ai/faceid:latest",
			Port:            "8470",
			RateLimit:       4.0,
			TimeoutSeconds:  60,
			CacheTTLMinutes: 30,
		},
	}
}
