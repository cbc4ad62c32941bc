// Package llm provides the external model capability consumed by the
// knowledge pipeline: fact extraction, grounded question answering,
// and follow-up generation.
//
// The capability is opaque to callers. Backends are an Anthropic or
// OpenAI HTTP client, or a deterministic heuristic that needs no
// network and no API key. Provider failures surface as ErrUnavailable
// so callers can distinguish "retry later" from validation errors.
package llm

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the capability backend could not be
// reached or did not produce a usable response. Retryable by the
// caller with backoff.
var ErrUnavailable = errors.New("llm capability unavailable")

// ExtractedFact is a candidate fact pulled out of a statement.
// Entity/attribute/value are empty for free-text facts.
type ExtractedFact struct {
	Content     string  `json:"content"`
	EntityType  string  `json:"entityType,omitempty"`
	EntityName  string  `json:"entityName,omitempty"`
	Attribute   string  `json:"attribute,omitempty"`
	Value       string  `json:"value,omitempty"`
	Category    string  `json:"category,omitempty"`
	Confidence  float64 `json:"confidence"`
	SourceQuote string  `json:"sourceQuote,omitempty"`
}

// HasKey reports whether the fact carries a structured
// (entity, attribute) key.
func (f ExtractedFact) HasKey() bool {
	return f.EntityName != "" && f.Attribute != ""
}

// AskResult is the model's answer to a question over a fact set.
type AskResult struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Followups  []string `json:"followups,omitempty"`
}

// QA is one question/answer exchange, used as prior context when
// generating new questions under a learning objective.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Capability is the model surface ravend depends on.
type Capability interface {
	// Extract parses an assertion into candidate facts.
	Extract(ctx context.Context, statement string) ([]ExtractedFact, error)

	// Answer responds to a question given the current facts of a
	// scope, with a confidence in [0,1].
	Answer(ctx context.Context, question string, facts []string) (*AskResult, error)

	// FollowUp generates one follow-up question for an answered Q&A pair.
	FollowUp(ctx context.Context, question, answer string) (string, error)

	// ObjectiveQuestion generates the next research question for a
	// learning objective, given prior exchanges under it.
	ObjectiveQuestion(ctx context.Context, title, description string, prior []QA) (string, error)

	// Summarize produces a short summary of text.
	Summarize(ctx context.Context, text string) (string, error)
}

// retryableError marks transient transport failures.
type retryableError struct {
	err error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

func isRetryableError(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}
