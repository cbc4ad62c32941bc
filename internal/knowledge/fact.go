package knowledge

import (
	"errors"
	"strings"
	"time"
)

// Common errors for fact store operations.
var (
	ErrFactNotFound            = errors.New("fact not found")
	ErrEmptyScopeID            = errors.New("scope ID cannot be empty")
	ErrEmptyContent            = errors.New("fact content cannot be empty")
	ErrInvalidConfidence       = errors.New("confidence must be between 0.0 and 1.0")
	ErrUnresolvedContradiction = errors.New("contradiction requires an explicit resolution")
	ErrUnknownResolution       = errors.New("unknown conflict resolution")
)

// SourceType records where a fact came from.
type SourceType string

const (
	SourceConversation  SourceType = "conversation"
	SourceDocument      SourceType = "document"
	SourceManual        SourceType = "manual"
	SourceIntegration   SourceType = "integration"
	SourceUserStatement SourceType = "user_statement"
)

// Fact is a unit of team knowledge with provenance.
//
// Facts are append-mostly: an update inserts a new fact and marks the
// prior one superseded, so history is preserved. A fact is "current"
// when SupersededBy is nil and ValidUntil is nil or in the future; at
// most one current fact exists per (scope, entity, attribute) key,
// enforced by a partial unique index.
type Fact struct {
	ID      string `json:"id"`
	TeamID  string `json:"teamId"`
	ScopeID string `json:"scopeId"`

	// Content is the human-readable statement of the fact.
	Content string `json:"content"`

	// EntityName/Attribute/Value form the structured key when present.
	// Free-text facts leave them empty.
	EntityType string `json:"entityType,omitempty"`
	EntityName string `json:"entityName,omitempty"`
	Attribute  string `json:"attribute,omitempty"`
	Value      string `json:"value,omitempty"`
	Category   string `json:"category,omitempty"`

	// ConfidenceScore is extraction reliability in [0,1].
	ConfidenceScore float64 `json:"confidenceScore"`

	SourceType  SourceType `json:"sourceType"`
	SourceID    *string    `json:"sourceId,omitempty"`
	SourceQuote *string    `json:"sourceQuote,omitempty"`
	SourceURL   *string    `json:"sourceUrl,omitempty"`

	CreatedBy    string     `json:"createdBy"`
	ValidFrom    time.Time  `json:"validFrom"`
	ValidUntil   *time.Time `json:"validUntil,omitempty"`
	SupersededBy *string    `json:"supersededBy,omitempty"`
}

// IsCurrent reports whether the fact is live at time now.
func (f *Fact) IsCurrent(now time.Time) bool {
	if f.SupersededBy != nil {
		return false
	}
	if f.ValidUntil != nil && !f.ValidUntil.After(now) {
		return false
	}
	return true
}

// HasKey reports whether the fact carries a structured key.
func (f *Fact) HasKey() bool {
	return f.EntityName != "" && f.Attribute != ""
}

// entityKey normalizes (entity, attribute) into the stored key:
// case-insensitive, whitespace-trimmed. Returns "" for free-text facts.
func entityKey(entityName, attribute string) string {
	entity := strings.ToLower(strings.TrimSpace(entityName))
	attr := strings.ToLower(strings.TrimSpace(attribute))
	if entity == "" || attr == "" {
		return ""
	}
	return entity + "|" + attr
}
