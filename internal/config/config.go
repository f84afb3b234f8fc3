package config

import (
	"fmt"
	"os"
	"strings"
)

// Config represents the complete application configuration
type Config struct {
	Generation      GenerationConfig       `toml:"generation"`
	Models          map[string]ModelConfig `toml:"models"`
	PromptTemplates PromptTemplates        `toml:"prompt_templates"`
	Store           StoreConfig            `toml:"store"`
	Export          ExportConfig           `toml:"export"`
}

// GenerationConfig holds generation-specific settings
type GenerationConfig struct {
	Concurrency         int    `toml:"concurrency"`           // Workers per document (default 3)
	MaxSegmentChars     int    `toml:"max_segment_chars"`     // Segment size cap (default 4000)
	MaxCardsPerSegment  int    `toml:"max_cards_per_segment"` // Cards requested per segment (default 5)
	MaxCards            int    `toml:"max_cards"`             // Overall card cap (0 = unlimited)
	DefaultTemplate     string `toml:"default_template"`      // Template id (default "basic")
	EnableCheckpointing bool   `toml:"enable_checkpointing"`
	CheckpointInterval  int    `toml:"checkpoint_interval"` // Save every N completed tasks (default 5)
	ResumeFromSession   string `toml:"resume_from_session"` // Session directory to resume from
}

// ModelConfig represents configuration for a single model endpoint
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`          // 0 = default 3, -1 = unlimited
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"` // 0 = default 120
	UseJSONMode        bool    `toml:"use_json_mode"`
	Enabled            bool    `toml:"enabled"` // Only used for the analyzer model
}

// PromptTemplates holds the customizable prompt templates
type PromptTemplates struct {
	CardGeneration  string `toml:"card_generation"`
	ClozeGeneration string `toml:"cloze_generation"`
	ContentAnalysis string `toml:"content_analysis"`
	SystemPrompt    string `toml:"system_prompt"`
}

// StoreConfig bounds the resource store
type StoreConfig struct {
	MaxImageBytes int64 `toml:"max_image_bytes"` // default 5 MiB
	MaxFileBytes  int64 `toml:"max_file_bytes"`  // default 20 MiB
}

// ExportConfig holds export defaults
type ExportConfig struct {
	DeckName       string `toml:"deck_name"`        // default "CardForge"
	NoteType       string `toml:"note_type"`        // default "Basic"
	AnkiConnectURL string `toml:"anki_connect_url"` // default http://127.0.0.1:8765
	OutputDir      string `toml:"output_dir"`       // default "output"
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

// GetAPIKey returns the API key for a base URL, falling back to the
// catch-all CARDFORGE_API_KEY.
func (s *Secrets) GetAPIKey(baseURL string) string {
	if key, ok := s.APIKeys[normalizeProvider(baseURL)]; ok {
		return key
	}
	return s.APIKeys["default"]
}

const (
	// MaxConcurrency is the maximum allowed worker concurrency per document
	MaxConcurrency = 64
	// MaxCardsPerSegmentLimit is the maximum cards requested per segment
	MaxCardsPerSegmentLimit = 50
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Generation.Concurrency < 1 {
		return fmt.Errorf("generation.concurrency must be at least 1")
	}
	if c.Generation.Concurrency > MaxConcurrency {
		return fmt.Errorf("generation.concurrency must not exceed %d (got %d)", MaxConcurrency, c.Generation.Concurrency)
	}
	if c.Generation.MaxSegmentChars < 200 {
		return fmt.Errorf("generation.max_segment_chars must be at least 200 (got %d)", c.Generation.MaxSegmentChars)
	}
	if c.Generation.MaxCardsPerSegment < 1 || c.Generation.MaxCardsPerSegment > MaxCardsPerSegmentLimit {
		return fmt.Errorf("generation.max_cards_per_segment must be between 1 and %d (got %d)", MaxCardsPerSegmentLimit, c.Generation.MaxCardsPerSegment)
	}
	if c.Generation.CheckpointInterval < 1 {
		return fmt.Errorf("generation.checkpoint_interval must be at least 1")
	}

	mainModel, ok := c.Models["main"]
	if !ok {
		return fmt.Errorf("models.main is required")
	}
	if mainModel.BaseURL == "" {
		return fmt.Errorf("models.main.base_url is required")
	}
	if mainModel.ModelName == "" {
		return fmt.Errorf("models.main.model_name is required")
	}
	for name, m := range c.Models {
		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("models.%s.temperature must be between 0 and 2 (got %g)", name, m.Temperature)
		}
		if m.RateLimitPerMinute < 1 {
			return fmt.Errorf("models.%s.rate_limit_per_minute must be at least 1", name)
		}
	}

	if c.Store.MaxImageBytes > c.Store.MaxFileBytes {
		return fmt.Errorf("store.max_image_bytes must not exceed store.max_file_bytes")
	}

	if c.Export.DeckName == "" {
		return fmt.Errorf("export.deck_name must not be empty")
	}

	return nil
}

// LoadSecrets reads API keys from the environment. Provider-specific
// keys use the CARDFORGE_API_KEY_<PROVIDER> convention where provider
// is the base URL host with dots and dashes mapped to underscores.
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{APIKeys: make(map[string]string)}

	if key := os.Getenv("CARDFORGE_API_KEY"); key != "" {
		secrets.APIKeys["default"] = key
	}

	const prefix = "CARDFORGE_API_KEY_"
	for _, env := range os.Environ() {
		kv := strings.SplitN(env, "=", 2)
		if len(kv) != 2 || !strings.HasPrefix(kv[0], prefix) {
			continue
		}
		provider := strings.ToLower(strings.TrimPrefix(kv[0], prefix))
		if provider != "" && kv[1] != "" {
			secrets.APIKeys[provider] = kv[1]
		}
	}

	return secrets, nil
}

func normalizeProvider(baseURL string) string {
	host := baseURL
	if idx := strings.Index(host, "://"); idx != -1 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/:"); idx != -1 {
		host = host[:idx]
	}
	host = strings.ReplaceAll(host, ".", "_")
	host = strings.ReplaceAll(host, "-", "_")
	return strings.ToLower(host)
}
