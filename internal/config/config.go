// Package config provides configuration loading for ravend.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the ravend daemon.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	LLM       LLMConfig       `koanf:"llm"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// LLMConfig holds the external model capability settings.
type LLMConfig struct {
	// Provider selects the capability backend: "anthropic", "openai",
	// or "heuristic" (deterministic, no network, no API key).
	Provider string `koanf:"provider"`
	APIKey   Secret `koanf:"api_key"`
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`
	// Timeout bounds a single capability call; exceeded calls surface
	// as an unavailable error, never a hang.
	Timeout Duration `koanf:"timeout"`
	// RateLimit is requests per second allowed against the provider.
	RateLimit float64 `koanf:"rate_limit"`
}

// KnowledgeConfig tunes the Ask/Remember pipeline.
type KnowledgeConfig struct {
	// PreviewTTL is how long a remember preview stays confirmable.
	PreviewTTL Duration `koanf:"preview_ttl"`
	// EscalationThreshold is the Ask confidence below which the
	// response suggests posting a team question.
	EscalationThreshold float64 `koanf:"escalation_threshold"`
	// SimilarityThreshold is the token-overlap score at or above which
	// two free-text facts are treated as duplicates.
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
}

// LoggingConfig holds logging settings (parsed into logging.Config at startup).
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
	// Protocol is "grpc" or "http" for the OTLP exporters.
	Protocol string `koanf:"protocol"`
	Endpoint string `koanf:"endpoint"`
	Insecure bool   `koanf:"insecure"`
}

// applyDefaults fills in zero values with production defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9340
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "ravend.db"
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = Duration(5 * time.Second)
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "heuristic"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(30 * time.Second)
	}
	if cfg.LLM.RateLimit == 0 {
		cfg.LLM.RateLimit = 2.0
	}
	if cfg.Knowledge.PreviewTTL == 0 {
		cfg.Knowledge.PreviewTTL = Duration(10 * time.Minute)
	}
	if cfg.Knowledge.EscalationThreshold == 0 {
		cfg.Knowledge.EscalationThreshold = 0.5
	}
	if cfg.Knowledge.SimilarityThreshold == 0 {
		cfg.Knowledge.SimilarityThreshold = 0.85
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ravend"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai":
		if !c.LLM.APIKey.IsSet() {
			return fmt.Errorf("llm provider %q requires an api_key", c.LLM.Provider)
		}
	case "heuristic":
	default:
		return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
	}
	if c.Knowledge.EscalationThreshold < 0 || c.Knowledge.EscalationThreshold > 1 {
		return fmt.Errorf("escalation_threshold must be in [0,1], got %f", c.Knowledge.EscalationThreshold)
	}
	if c.Knowledge.SimilarityThreshold <= 0 || c.Knowledge.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be in (0,1], got %f", c.Knowledge.SimilarityThreshold)
	}
	if c.Knowledge.PreviewTTL.Duration() < time.Second {
		return fmt.Errorf("preview_ttl must be at least 1s, got %s", c.Knowledge.PreviewTTL.Duration())
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
		}
	}
	return nil
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
