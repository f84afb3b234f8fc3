package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// Default returns a configuration with all defaults applied and a
// single unconfigured main model slot. Used by tests and by callers
// running without a config file.
func Default() *Config {
	cfg := &Config{
		Models: map[string]ModelConfig{
			"main": {BaseURL: "http://localhost:11434/v1", ModelName: "unset"},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Generation.Concurrency == 0 {
		cfg.Generation.Concurrency = 3
	}
	if cfg.Generation.MaxSegmentChars == 0 {
		cfg.Generation.MaxSegmentChars = 4000
	}
	if cfg.Generation.MaxCardsPerSegment == 0 {
		cfg.Generation.MaxCardsPerSegment = 5
	}
	if cfg.Generation.DefaultTemplate == "" {
		cfg.Generation.DefaultTemplate = "basic"
	}
	if cfg.Generation.CheckpointInterval == 0 {
		cfg.Generation.CheckpointInterval = 5
	}

	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}
	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		// Unset (0) means 3 retries; explicit -1 means unlimited.
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	if cfg.Store.MaxImageBytes == 0 {
		cfg.Store.MaxImageBytes = 5 << 20
	}
	if cfg.Store.MaxFileBytes == 0 {
		cfg.Store.MaxFileBytes = 20 << 20
	}

	if cfg.Export.DeckName == "" {
		cfg.Export.DeckName = "CardForge"
	}
	if cfg.Export.NoteType == "" {
		cfg.Export.NoteType = "Basic"
	}
	if cfg.Export.AnkiConnectURL == "" {
		cfg.Export.AnkiConnectURL = "http://127.0.0.1:8765"
	}
	if cfg.Export.OutputDir == "" {
		cfg.Export.OutputDir = "output"
	}

	if cfg.PromptTemplates.CardGeneration == "" {
		cfg.PromptTemplates.CardGeneration = DefaultCardTemplate()
	}
	if cfg.PromptTemplates.ClozeGeneration == "" {
		cfg.PromptTemplates.ClozeGeneration = DefaultClozeTemplate()
	}
	if cfg.PromptTemplates.ContentAnalysis == "" {
		cfg.PromptTemplates.ContentAnalysis = DefaultAnalysisTemplate()
	}
}
