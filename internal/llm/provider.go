package llm

import (
	"fmt"
	"time"
)

// Config holds model backend settings.
type Config struct {
	// Provider is "anthropic", "openai", or "heuristic".
	Provider  string
	APIKey    string
	Model     string
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64
}

// New creates a capability from configuration.
func New(cfg Config) (Capability, error) {
	switch cfg.Provider {
	case "", "heuristic":
		return NewHeuristic(), nil
	case "anthropic":
		c, err := newAnthropicClient(cfg)
		if err != nil {
			return nil, err
		}
		return &modelCapability{c: c}, nil
	case "openai":
		c, err := newOpenAIClient(cfg)
		if err != nil {
			return nil, err
		}
		return &modelCapability{c: c}, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
