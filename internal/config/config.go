// Package config loads and validates the daemon configuration. Files may be
// YAML, JSON or TOML, chosen by extension; unknown keys are rejected at
// startup rather than silently ignored.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from strings like "90s" or "5m"
// in any of the supported formats.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig tunes native context construction.
type EngineConfig struct {
	// ContextSize is the token window per loaded context (0 = engine default).
	ContextSize int `json:"context_size" yaml:"context_size" toml:"context_size"`
	// Threads used for inference (0 = engine default).
	Threads int `json:"threads" yaml:"threads" toml:"threads"`
}

// CORSConfig enables cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
}

// Config holds every recognized runtime option. Construct with Default and
// overlay a file via Load; Validate before use.
type Config struct {
	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir    string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DBPath       string `json:"db_path" yaml:"db_path" toml:"db_path"`
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// MemoryBudgetMB bounds the estimated bytes of loaded models; 0 is
	// unlimited. MemoryMarginMB is kept free under the budget.
	MemoryBudgetMB int `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`

	// MaxQueueDepth is the per-model waiting bound; submissions past it are
	// rejected as busy. MaxConcurrency is the generation slots per model;
	// generation on one native context stays serialized regardless.
	MaxQueueDepth  int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency" toml:"max_concurrency"`

	// RequestTimeout bounds a generation when the request carries none.
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`

	// StreamBuffer is the per-request token buffer; a consumer falling a
	// full buffer behind fails the request with overflow.
	StreamBuffer int `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`

	HubBaseURL string `json:"hub_base_url" yaml:"hub_base_url" toml:"hub_base_url"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	Engine EngineConfig `json:"engine" yaml:"engine" toml:"engine"`
	CORS   CORSConfig   `json:"cors" yaml:"cors" toml:"cors"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Addr:           ":8090",
		ModelsDir:      "~/models/llm",
		DBPath:         "~/.local/share/inferd/inferd.db",
		MaxQueueDepth:  32,
		MaxConcurrency: 1,
		RequestTimeout: Duration(5 * time.Minute),
		StreamBuffer:   256,
		LogLevel:       "info",
	}
}

// Load reads a configuration file over the defaults, strictly: an unknown or
// misspelled key fails the load. Supported extensions: .yaml/.yml, .json,
// .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

var logLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true,
}

// Validate rejects out-of-range values so misconfiguration fails at startup,
// not at first use.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if strings.TrimSpace(c.ModelsDir) == "" {
		return fmt.Errorf("models_dir must not be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.MemoryBudgetMB < 0 {
		return fmt.Errorf("memory_budget_mb must be >= 0, got %d", c.MemoryBudgetMB)
	}
	if c.MemoryMarginMB < 0 {
		return fmt.Errorf("memory_margin_mb must be >= 0, got %d", c.MemoryMarginMB)
	}
	if c.MemoryBudgetMB > 0 && c.MemoryMarginMB >= c.MemoryBudgetMB {
		return fmt.Errorf("memory_margin_mb (%d) must be below memory_budget_mb (%d)",
			c.MemoryMarginMB, c.MemoryBudgetMB)
	}
	if c.MaxQueueDepth <= 0 {
		return fmt.Errorf("max_queue_depth must be > 0, got %d", c.MaxQueueDepth)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be > 0, got %d", c.MaxConcurrency)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.StreamBuffer <= 0 {
		return fmt.Errorf("stream_buffer must be > 0, got %d", c.StreamBuffer)
	}
	if c.Engine.ContextSize < 0 {
		return fmt.Errorf("engine.context_size must be >= 0, got %d", c.Engine.ContextSize)
	}
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must be >= 0, got %d", c.Engine.Threads)
	}
	if !logLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of trace/debug/info/warn/error/off, got %q", c.LogLevel)
	}
	if c.CORS.Enabled && len(c.CORS.Origins) == 0 {
		return fmt.Errorf("cors.enabled requires at least one origin")
	}
	return nil
}
