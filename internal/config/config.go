// Package config loads the gitteach.yaml configuration file with defaults
// and environment overrides. API keys never live in the YAML file; they are
// taken from the environment at load time.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mauro3422/gitteach/internal/embedding"
)

// ConfigFileName is looked up in the workspace directory.
const ConfigFileName = "gitteach.yaml"

// Config is the root configuration.
type Config struct {
	// Workspace is the working directory holding .gitteach/ state.
	Workspace string `yaml:"workspace"`
	// Owner is the account whose repositories are analyzed.
	Owner string `yaml:"owner"`
	// MaxFilesPerRepo caps analyzable files per repository. <= 0 disables.
	MaxFilesPerRepo int `yaml:"max_files_per_repo"`

	Inference InferenceConfig  `yaml:"inference"`
	Embedding embedding.Config `yaml:"embedding"`
	Admission AdmissionConfig  `yaml:"admission"`
	Workers   WorkersConfig    `yaml:"workers"`
	Store     StoreConfig      `yaml:"store"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// InferenceConfig selects and configures the completion provider.
type InferenceConfig struct {
	// Provider: "gemini" or "openai"
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// Endpoint applies to the openai provider only.
	Endpoint string `yaml:"endpoint"`
	// APIKey comes from the environment, never from YAML.
	APIKey string `yaml:"-"`
	// SecondaryModel serves compaction; empty falls back to Model.
	SecondaryModel string `yaml:"secondary_model"`
}

// AdmissionConfig bounds inference concurrency.
type AdmissionConfig struct {
	Capacity int `yaml:"capacity"`
}

// WorkersConfig sizes the analysis pool.
type WorkersConfig struct {
	NumWorkers          int  `yaml:"num_workers"`
	ClaimSize           int  `yaml:"claim_size"`
	IgnorePriorityFloor bool `yaml:"ignore_priority_floor"`
}

// StoreConfig locates the KV database.
type StoreConfig struct {
	// Path relative to the workspace; absolute paths win.
	Path string `yaml:"path"`
}

// LoggingConfig seeds the file logger. A .gitteach/config.json, when
// present, overrides these values so debug logging can be toggled without
// editing the main config.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workspace:       ".",
		MaxFilesPerRepo: 200,
		Inference: InferenceConfig{
			Provider: "gemini",
			Model:    "gemini-2.5-flash",
			Endpoint: "http://localhost:8080/v1",
		},
		Embedding: embedding.DefaultConfig(),
		Admission: AdmissionConfig{Capacity: 3},
		Workers: WorkersConfig{
			NumWorkers: 4,
			ClaimSize:  8,
		},
		Store:   StoreConfig{Path: filepath.Join(".gitteach", "gitteach.db")},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from the workspace, overlaying defaults. A
// missing file is not an error; the defaults plus environment apply.
func Load(workspace string) (*Config, error) {
	cfg := DefaultConfig()
	if workspace != "" {
		cfg.Workspace = workspace
	}

	path := filepath.Join(cfg.Workspace, ConfigFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded config.
func applyEnv(cfg *Config) {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Inference.Provider == "gemini" {
		cfg.Inference.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Inference.Provider == "openai" {
		cfg.Inference.APIKey = key
	}
	if key := os.Getenv("GITTEACH_API_KEY"); key != "" {
		cfg.Inference.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" && cfg.Embedding.Provider == "genai" {
		cfg.Embedding.GenAIAPIKey = key
	}
	if owner := os.Getenv("GITTEACH_OWNER"); owner != "" {
		cfg.Owner = owner
	}
}

func validate(cfg *Config) error {
	switch cfg.Inference.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unknown inference provider: %q (use 'gemini' or 'openai')", cfg.Inference.Provider)
	}
	if cfg.Admission.Capacity <= 0 {
		return fmt.Errorf("admission capacity must be positive, got %d", cfg.Admission.Capacity)
	}
	if cfg.Workers.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be positive, got %d", cfg.Workers.NumWorkers)
	}
	return nil
}

// StorePath resolves the KV database path against the workspace.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(c.Workspace, c.Store.Path)
}
