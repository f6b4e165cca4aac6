// Package config loads, defaults, and hot-reloads cameo configuration,
// and maps it onto the capability stack and pipeline runner.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"cameo/internal/batch"
	"cameo/internal/capability"
	"cameo/internal/faceid"
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
}

// NewManager creates a new config manager and loads initial config.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	defaults := DefaultConfig()
	viper.SetDefault("providers", defaults.Providers)
	viper.SetDefault("pipeline", defaults.Pipeline)
	viper.SetDefault("faceid", defaults.FaceID)

	// Environment variables with CAMEO_ prefix
	viper.SetEnvPrefix("CAMEO")
	viper.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.cameo")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	viper.WatchConfig()
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	pattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	return pattern.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToStackConfig converts the config to a format suitable for capability.NewStack.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToStackConfig() capability.StackConfig {
	return capability.StackConfig{
		Drafter:     textRole(c.Providers.Drafter),
		Critic:      textRole(c.Providers.Critic),
		SceneWriter: textRole(c.Providers.SceneWriter),
		Renderer: capability.RenderRoleConfig{
			Type:            c.Providers.Renderer.Type,
			APIKey:          ResolveEnvVars(c.Providers.Renderer.APIKey),
			BaseURL:         c.Providers.Renderer.BaseURL,
			RateLimit:       c.Providers.Renderer.RateLimit,
			Timeout:         time.Duration(c.Providers.Renderer.TimeoutSeconds) * time.Second,
			CostPerImageUSD: c.Providers.Renderer.CostPerImageUSD,
		},
	}
}

func textRole(cfg TextProviderCfg) capability.TextRoleConfig {
	return capability.TextRoleConfig{
		Type:        cfg.Type,
		Model:       cfg.Model,
		APIKey:      ResolveEnvVars(cfg.APIKey),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		RateLimit:   cfg.RateLimit,
	}
}

// ToBatchConfig maps the pipeline knobs onto the batch runner's config.
func (c *Config) ToBatchConfig() batch.Config {
	return batch.Config{
		AcceptThreshold:         c.Pipeline.AcceptThreshold,
		SimilarityThreshold:     c.Pipeline.SimilarityThreshold,
		MaxRevisions:            c.Pipeline.MaxRevisions,
		MaxAttempts:             c.Pipeline.MaxAttempts,
		MinAcceptableSimilarity: c.Pipeline.MinAcceptableSimilarity,
		RetryBudget:             c.Pipeline.TransientRetryBudget,
		RetryDelay:              time.Duration(c.Pipeline.RetryBaseDelaySeconds) * time.Second,
		ParallelismLimit:        c.Pipeline.ParallelismLimit,
		Conditioning: capability.Conditioning{
			ReferenceStrength: c.Pipeline.ReferenceStrength,
			AspectRatio:       c.Pipeline.AspectRatio,
			Resolution:        c.Pipeline.Resolution,
		},
	}
}

// FaceIDClientConfig maps the sidecar section onto the service client config.
func (c *Config) FaceIDClientConfig() faceid.ClientConfig {
	baseURL := c.FaceID.BaseURL
	if baseURL == "" && c.FaceID.Port != "" {
		baseURL = "http://localhost:" + c.FaceID.Port
	}
	return faceid.ClientConfig{
		BaseURL:   baseURL,
		Timeout:   time.Duration(c.FaceID.TimeoutSeconds) * time.Second,
		RateLimit: c.FaceID.RateLimit,
		CacheTTL:  time.Duration(c.FaceID.CacheTTLMinutes) * time.Minute,
	}
}

// FaceIDDockerConfig maps the sidecar section onto the container manager
// config. modelsPath is where downloaded model weights live on the host.
func (c *Config) FaceIDDockerConfig(modelsPath string) faceid.DockerConfig {
	return faceid.DockerConfig{
		ContainerName: c.FaceID.ContainerName,
		Image:         c.FaceID.Image,
		HostPort:      c.FaceID.Port,
		ModelsPath:    modelsPath,
	}
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Cameo configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export OPENAI_API_KEY=xxx NANOBANANA_API_KEY=xxx

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
