// Package ask implements the read path: answer a question from the
// current facts of a scope. Asking never mutates the store, so
// retries and polling are safe.
package ask

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
)

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// DefaultEscalationThreshold is the confidence below which escalation
// to a human is suggested.
const DefaultEscalationThreshold = 0.5

// maxContextFacts caps how many facts are handed to the capability.
const maxContextFacts = 200

// Response is the engine's answer to one question.
type Response struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`

	// FactsUsed are the current facts the answer was grounded on.
	FactsUsed []*knowledge.Fact `json:"factsUsed"`

	SuggestedFollowups []string `json:"suggestedFollowups,omitempty"`

	// EscalationSuggested is set when confidence falls below the
	// engine's threshold; the caller decides whether to open a
	// team question.
	EscalationSuggested bool `json:"escalationSuggested"`
}

// Engine answers questions over scoped knowledge.
type Engine struct {
	store      *knowledge.Store
	capability llm.Capability
	logger     *logging.Logger
	threshold  float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithEscalationThreshold overrides the confidence threshold below
// which escalation is suggested.
func WithEscalationThreshold(threshold float64) Option {
	return func(e *Engine) {
		if threshold >= 0 && threshold <= 1 {
			e.threshold = threshold
		}
	}
}

// NewEngine creates an ask engine.
func NewEngine(store *knowledge.Store, capability llm.Capability, logger *logging.Logger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge store cannot be nil")
	}
	if capability == nil {
		return nil, fmt.Errorf("llm capability cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Engine{
		store:      store,
		capability: capability,
		logger:     logger,
		threshold:  DefaultEscalationThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Ask answers a question from the scope's current facts.
func (e *Engine) Ask(ctx context.Context, scopeID, question string) (*Response, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}

	facts, err := e.store.Query(ctx, scopeID, knowledge.Filters{Limit: maxContextFacts})
	if err != nil {
		return nil, fmt.Errorf("loading facts: %w", err)
	}

	contents := make([]string, len(facts))
	for i, f := range facts {
		contents[i] = f.Content
	}

	result, err := e.capability.Answer(ctx, question, contents)
	if err != nil {
		return nil, fmt.Errorf("answering question: %w", err)
	}

	resp := &Response{
		Answer:              result.Answer,
		Confidence:          result.Confidence,
		FactsUsed:           facts,
		SuggestedFollowups:  result.Followups,
		EscalationSuggested: result.Confidence < e.threshold,
	}

	e.logger.Debug(ctx, "question answered",
		zap.String("scope_id", scopeID),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("facts", len(facts)),
		zap.Bool("escalation_suggested", resp.EscalationSuggested))

	return resp, nil
}
