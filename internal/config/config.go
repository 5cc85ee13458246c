package config

import "time"

// Config is the root configuration for Ozzie.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Models  ModelsConfig  `json:"models"`
	Events  EventsConfig  `json:"events"`

	Checkpoint  CheckpointConfig  `json:"checkpoint"`
	Supervision SupervisionConfig `json:"supervision"`
	Resources   ResourcesConfig   `json:"resources"`
	LLM         LLMConfig         `json:"llm"`
}

// CheckpointConfig configures the hierarchical checkpoint engine.
type CheckpointConfig struct {
	Interval        Duration       `json:"interval,omitempty"`         // default 300s
	RetentionDays   int            `json:"retention_days,omitempty"`   // default 7
	CompressionAlgo string         `json:"compression_algo,omitempty"` // "zstd" (default) | "gzip" | "none"
	CompressionLvl  int            `json:"compression_level,omitempty"`
	Levels          map[string]LevelConfig `json:"levels,omitempty"`
}

// LevelConfig configures one checkpoint level's trigger interval and
// retention count; Interval is 0 for event-driven levels.
type LevelConfig struct {
	Interval  Duration `json:"interval,omitempty"`
	Retention int      `json:"retention,omitempty"`
}

// SupervisionConfig configures restart intensity and backoff for the
// supervisor and self-healing layer.
type SupervisionConfig struct {
	MaxRestarts  int      `json:"max_restarts,omitempty"`   // default 5
	WindowSize   Duration `json:"window_size,omitempty"`    // default 60s
	BackoffKind  string   `json:"backoff_kind,omitempty"`   // "fixed" | "linear" | "exponential" (default)
	BackoffBase  Duration `json:"backoff_base,omitempty"`   // default 1s
	BackoffCap   Duration `json:"backoff_cap,omitempty"`    // default 60s
	BackoffMult  float64  `json:"backoff_mult,omitempty"`   // for "linear"
}

// ResourcesConfig configures the resource & inference governor's pressure
// thresholds and base quotas.
type ResourcesConfig struct {
	GPUTemperatureThreshold float64 `json:"gpu_temperature_threshold,omitempty"` // default 85 (Celsius)
	MemoryWarning           float64 `json:"memory_warning,omitempty"`            // default 0.70
	MemoryCritical          float64 `json:"memory_critical,omitempty"`           // default 0.85
	MemoryEmergency         float64 `json:"memory_emergency,omitempty"`          // default 0.95
	DiskMax                 float64 `json:"disk_max,omitempty"`                  // default 0.85

	MaxConcurrentRequests int   `json:"max_concurrent_requests,omitempty"` // default 4
	MaxContextTokens      int   `json:"max_context_tokens,omitempty"`      // default 1_000_000
	MaxQueuedTasks        int   `json:"max_queued_tasks,omitempty"`        // default 1000
	MaxCheckpointSize     int64 `json:"max_checkpoint_size,omitempty"`     // default 2GB
}

// LLMConfig configures the context window manager and inference queue.
type LLMConfig struct {
	MaxTokens            int    `json:"max_tokens,omitempty"`            // default 1_000_000
	CompressionStrategy  string `json:"compression_strategy,omitempty"`  // "hierarchical" (default) | "sliding_window" | "selective" | "hybrid"
	CompressionThreshold int    `json:"compression_threshold,omitempty"` // summary interval N for Hierarchical(N), default 10
	QueueMaxConcurrent   int    `json:"queue_max_concurrent,omitempty"`  // default 4
	EnablePreemption     *bool  `json:"enable_preemption,omitempty"`     // default true
}

// IsPreemptionEnabled returns true if preemption is enabled (default: true).
func (c LLMConfig) IsPreemptionEnabled() bool {
	if c.EnablePreemption == nil {
		return true
	}
	return *c.EnablePreemption
}

// GatewayConfig binds the health endpoint.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver    string         `json:"driver"` // "anthropic", "openai"
	Model     string         `json:"model"`
	BaseURL   string         `json:"base_url,omitempty"`
	Auth      AuthConfig     `json:"auth"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	ContextWindow int            `json:"context_window,omitempty"` // total context window in tokens (0 = driver default)
	MaxConcurrent int            `json:"max_concurrent,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Tier          string         `json:"tier,omitempty"` // "small" | "medium" | "large" (auto-detected if empty)
	Timeout   Duration       `json:"timeout,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token (e.g. Claude Code token)
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"` // "debug" | "info" | "warn" | "error" (default: "info")
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
