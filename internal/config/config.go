// Package config assembles the pipeline's explicit configuration: one struct
// constructed at startup and passed down. No component reads the process
// environment ad hoc; overrides are applied here, once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pulmocode/internal/auditcmp"
	"pulmocode/internal/correct"
	"pulmocode/internal/derive"
)

// EvidenceConfig tunes the verifier.
type EvidenceConfig struct {
	// SimilarityFloor is the fuzzy-match acceptance threshold shared by the
	// verifier and the proposal gate.
	SimilarityFloor float64 `yaml:"similarity_floor"`
}

// ServicesConfig locates the external collaborators.
type ServicesConfig struct {
	ExtractorURL      string        `yaml:"extractor_url"`
	ClassifierURL     string        `yaml:"classifier_url"`
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
	ExtractorTimeout  time.Duration `yaml:"extractor_timeout"`
	JudgeAPIKey       string        `yaml:"judge_api_key"`
	JudgeModel        string        `yaml:"judge_model"`
	// MaxConcurrentCalls bounds in-flight external calls across the whole
	// orchestrator via a semaphore at the call boundary.
	MaxConcurrentCalls int64 `yaml:"max_concurrent_calls"`
}

// StorageConfig locates local artifacts.
type StorageConfig struct {
	CachePath         string `yaml:"cache_path"`
	CorrectionLogPath string `yaml:"correction_log_path"`
}

// Config is the full pipeline configuration.
type Config struct {
	Debug      bool             `yaml:"debug"`
	Workers    int              `yaml:"workers"`
	Evidence   EvidenceConfig   `yaml:"evidence"`
	Derive     derive.Config    `yaml:"derive"`
	Audit      auditcmp.Config  `yaml:"audit"`
	Correction correct.Config   `yaml:"correction"`
	Services   ServicesConfig   `yaml:"services"`
	Storage    StorageConfig    `yaml:"storage"`
}

// Default returns the shipping configuration.
func Default() Config {
	return Config{
		Workers: 4,
		Evidence: EvidenceConfig{
			SimilarityFloor: 0.85,
		},
		Derive:     derive.DefaultConfig(),
		Audit:      auditcmp.DefaultConfig(),
		Correction: correct.DefaultConfig(),
		Services: ServicesConfig{
			ClassifierTimeout:  20 * time.Second,
			ExtractorTimeout:   60 * time.Second,
			JudgeModel:         "gemini-2.5-flash",
			MaxConcurrentCalls: 4,
		},
		Storage: StorageConfig{
			CachePath:         "pulmocode_cache.db",
			CorrectionLogPath: "pulmocode_corrections.jsonl",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps PULMOCODE_* variables onto the config. Secrets arrive this
// way in deployment; everything else is a convenience for local runs.
func (c *Config) applyEnv() {
	if v := os.Getenv("PULMOCODE_EXTRACTOR_URL"); v != "" {
		c.Services.ExtractorURL = v
	}
	if v := os.Getenv("PULMOCODE_CLASSIFIER_URL"); v != "" {
		c.Services.ClassifierURL = v
	}
	if v := os.Getenv("PULMOCODE_JUDGE_API_KEY"); v != "" {
		c.Services.JudgeAPIKey = v
	}
	if v := os.Getenv("PULMOCODE_JUDGE_MODEL"); v != "" {
		c.Services.JudgeModel = v
	}
	if v := os.Getenv("PULMOCODE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("PULMOCODE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("PULMOCODE_CACHE_PATH"); v != "" {
		c.Storage.CachePath = v
	}
	if v := os.Getenv("PULMOCODE_CORRECTION_LOG"); v != "" {
		c.Storage.CorrectionLogPath = v
	}
}

// Validate rejects configurations that would make the pipeline misbehave
// silently.
func (c *Config) Validate() error {
	if c.Evidence.SimilarityFloor <= 0 || c.Evidence.SimilarityFloor > 1 {
		return fmt.Errorf("evidence.similarity_floor must be in (0, 1], got %v", c.Evidence.SimilarityFloor)
	}
	if c.Audit.HighConfFloor < c.Audit.GrayZoneFloor {
		return fmt.Errorf("audit.high_conf_floor (%v) must be >= audit.gray_zone_floor (%v)",
			c.Audit.HighConfFloor, c.Audit.GrayZoneFloor)
	}
	if c.Correction.MaxAccepted < 0 {
		return fmt.Errorf("correction.max_accepted must be >= 0")
	}
	if c.Services.MaxConcurrentCalls <= 0 {
		return fmt.Errorf("services.max_concurrent_calls must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	return nil
}
