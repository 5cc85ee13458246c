package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tailscale/hujson"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, strips comments, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before stripping, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	standardized, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("standardize config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a Config with every default applied, for hosts running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogLevel == "" {
		cfg.Events.LogLevel = "info"
	}

	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = Duration(300 * time.Second)
	}
	if cfg.Checkpoint.RetentionDays == 0 {
		cfg.Checkpoint.RetentionDays = 7
	}
	if cfg.Checkpoint.CompressionAlgo == "" {
		cfg.Checkpoint.CompressionAlgo = "zstd"
	}
	if cfg.Checkpoint.CompressionLvl == 0 {
		cfg.Checkpoint.CompressionLvl = 6
	}

	if cfg.Supervision.MaxRestarts == 0 {
		cfg.Supervision.MaxRestarts = 5
	}
	if cfg.Supervision.WindowSize == 0 {
		cfg.Supervision.WindowSize = Duration(60 * time.Second)
	}
	if cfg.Supervision.BackoffKind == "" {
		cfg.Supervision.BackoffKind = "exponential"
	}
	if cfg.Supervision.BackoffBase == 0 {
		cfg.Supervision.BackoffBase = Duration(time.Second)
	}
	if cfg.Supervision.BackoffCap == 0 {
		cfg.Supervision.BackoffCap = Duration(60 * time.Second)
	}

	if cfg.Resources.MaxConcurrentRequests == 0 {
		cfg.Resources.MaxConcurrentRequests = 4
	}
	if cfg.Resources.MaxContextTokens == 0 {
		cfg.Resources.MaxContextTokens = 1_000_000
	}
	if cfg.Resources.MaxQueuedTasks == 0 {
		cfg.Resources.MaxQueuedTasks = 1000
	}
	if cfg.Resources.MaxCheckpointSize == 0 {
		cfg.Resources.MaxCheckpointSize = 2 << 30
	}
	if cfg.Resources.MemoryWarning == 0 {
		cfg.Resources.MemoryWarning = 0.70
	}
	if cfg.Resources.MemoryCritical == 0 {
		cfg.Resources.MemoryCritical = 0.85
	}
	if cfg.Resources.MemoryEmergency == 0 {
		cfg.Resources.MemoryEmergency = 0.95
	}
	if cfg.Resources.DiskMax == 0 {
		cfg.Resources.DiskMax = 0.85
	}
	if cfg.Resources.GPUTemperatureThreshold == 0 {
		cfg.Resources.GPUTemperatureThreshold = 85
	}

	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1_000_000
	}
	if cfg.LLM.CompressionStrategy == "" {
		cfg.LLM.CompressionStrategy = "hierarchical"
	}
	if cfg.LLM.CompressionThreshold == 0 {
		cfg.LLM.CompressionThreshold = 10
	}
	if cfg.LLM.QueueMaxConcurrent == 0 {
		cfg.LLM.QueueMaxConcurrent = 4
	}

	// Default MaxConcurrent for providers
	for name, p := range cfg.Models.Providers {
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 1
			cfg.Models.Providers[name] = p
		}
	}
	// Auth resolution is deferred to models.ResolveAuth() at model init time.
}
