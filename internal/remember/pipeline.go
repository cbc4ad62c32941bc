// Package remember implements the two-phase write path for knowledge:
// Preview extracts candidate facts and classifies conflicts without
// persisting anything; Confirm materializes the reviewed batch
// atomically. Previews are held in memory with a TTL and swept by a
// background janitor.
package remember

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
)

// Common errors for the remember pipeline.
var (
	ErrEmptyStatement  = errors.New("statement cannot be empty")
	ErrPreviewNotFound = errors.New("preview not found")
	ErrPreviewExpired  = errors.New("preview has expired")
	ErrPreviewClosed   = errors.New("preview is not awaiting confirmation")
	ErrNoFacts         = errors.New("no facts could be extracted from the statement")
)

// DefaultPreviewTTL is how long an unconfirmed preview stays valid.
const DefaultPreviewTTL = 10 * time.Minute

// janitorInterval is how often expired previews are swept.
const janitorInterval = time.Minute

// Status is the lifecycle state of a preview.
type Status string

const (
	// StatusDrafting: awaiting confirm or cancel.
	StatusDrafting Status = "drafting"
	// StatusConfirmed: materialized into the fact store.
	StatusConfirmed Status = "confirmed"
	// StatusCancelled: discarded without writing.
	StatusCancelled Status = "cancelled"
)

// PreviewFact pairs one extracted candidate with its conflict
// judgment, if any.
type PreviewFact struct {
	Fact     llm.ExtractedFact       `json:"fact"`
	Conflict *knowledge.FactConflict `json:"conflict,omitempty"`
}

// Preview is the result of phase one: everything the caller needs to
// review before committing, and nothing persisted yet.
type Preview struct {
	ID        string        `json:"id"`
	TeamID    string        `json:"teamId"`
	ScopeID   string        `json:"scopeId"`
	CreatedBy string        `json:"createdBy"`
	Statement string        `json:"statement"`
	Facts     []PreviewFact `json:"facts"`

	// LooksLikeQuestion flags statements that read as questions, a
	// sign the caller meant to Ask instead of Remember. Advisory
	// only; confirm still works.
	LooksLikeQuestion bool `json:"looksLikeQuestion"`

	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PreviewParams describes one Remember request.
type PreviewParams struct {
	TeamID     string
	ScopeID    string
	CreatedBy  string
	Statement  string
	SourceType knowledge.SourceType
	SourceID   *string
	SourceURL  *string
}

// ConfirmResult reports what a confirmed preview wrote.
type ConfirmResult struct {
	PreviewID string            `json:"previewId"`
	Created   []*knowledge.Fact `json:"created"`
	Unchanged []*knowledge.Fact `json:"unchanged"`
	Skipped   int               `json:"skipped"`
}

type previewEntry struct {
	preview *Preview
	params  PreviewParams
}

// Pipeline drives the preview/confirm write path.
type Pipeline struct {
	store      *knowledge.Store
	capability llm.Capability
	logger     *logging.Logger
	ttl        time.Duration

	mu       sync.Mutex
	previews map[string]*previewEntry

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPreviewTTL overrides how long previews stay confirmable.
func WithPreviewTTL(ttl time.Duration) Option {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// NewPipeline creates a remember pipeline.
func NewPipeline(store *knowledge.Store, capability llm.Capability, logger *logging.Logger, opts ...Option) (*Pipeline, error) {
	if store == nil {
		return nil, fmt.Errorf("knowledge store cannot be nil")
	}
	if capability == nil {
		return nil, fmt.Errorf("llm capability cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pipeline{
		store:      store,
		capability: capability,
		logger:     logger,
		ttl:        DefaultPreviewTTL,
		previews:   make(map[string]*previewEntry),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Preview extracts candidate facts from a statement and classifies
// each against the scope's current knowledge. Nothing is persisted;
// the preview expires unless confirmed within the TTL.
func (p *Pipeline) Preview(ctx context.Context, params PreviewParams) (*Preview, error) {
	if strings.TrimSpace(params.Statement) == "" {
		return nil, ErrEmptyStatement
	}
	if params.ScopeID == "" {
		return nil, knowledge.ErrEmptyScopeID
	}

	extracted, err := p.capability.Extract(ctx, params.Statement)
	if err != nil {
		return nil, fmt.Errorf("extracting facts: %w", err)
	}
	if len(extracted) == 0 {
		return nil, ErrNoFacts
	}

	facts := make([]PreviewFact, 0, len(extracted))
	for _, ef := range extracted {
		conflicts, err := p.store.DetectConflicts(ctx, params.ScopeID, ef)
		if err != nil {
			return nil, fmt.Errorf("detecting conflicts: %w", err)
		}
		pf := PreviewFact{Fact: ef}
		if len(conflicts) > 0 {
			pf.Conflict = &conflicts[0]
		}
		facts = append(facts, pf)
	}

	now := time.Now().UTC()
	preview := &Preview{
		ID:                uuid.New().String(),
		TeamID:            params.TeamID,
		ScopeID:           params.ScopeID,
		CreatedBy:         params.CreatedBy,
		Statement:         params.Statement,
		Facts:             facts,
		LooksLikeQuestion: looksLikeQuestion(params.Statement),
		Status:            StatusDrafting,
		CreatedAt:         now,
		ExpiresAt:         now.Add(p.ttl),
	}

	p.mu.Lock()
	p.previews[preview.ID] = &previewEntry{preview: preview, params: params}
	p.mu.Unlock()

	p.logger.Info(ctx, "remember preview created",
		zap.String("preview_id", preview.ID),
		zap.String("scope_id", params.ScopeID),
		zap.Int("facts", len(facts)),
		zap.Bool("looks_like_question", preview.LooksLikeQuestion))

	return preview, nil
}

// Confirm materializes a drafted preview. Resolutions map fact
// indexes to decisions for contradiction conflicts; any contradiction
// left undecided aborts the confirm with no writes. A preview
// confirms at most once.
func (p *Pipeline) Confirm(ctx context.Context, previewID string, resolutions map[int]knowledge.Resolution) (*ConfirmResult, error) {
	p.mu.Lock()
	entry, ok := p.previews[previewID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrPreviewNotFound
	}
	preview := entry.preview
	if preview.Status != StatusDrafting {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: status %s", ErrPreviewClosed, preview.Status)
	}
	if time.Now().After(preview.ExpiresAt) {
		p.mu.Unlock()
		return nil, ErrPreviewExpired
	}
	// Claim the preview so a concurrent confirm cannot double-write.
	preview.Status = StatusConfirmed
	p.mu.Unlock()

	items := make([]knowledge.MaterializeItem, 0, len(preview.Facts))
	for i, pf := range preview.Facts {
		items = append(items, knowledge.MaterializeItem{
			Fact:       pf.Fact,
			Conflict:   pf.Conflict,
			Resolution: resolutions[i],
		})
	}

	result, err := p.store.Materialize(ctx, knowledge.MaterializeParams{
		TeamID:     preview.TeamID,
		ScopeID:    preview.ScopeID,
		CreatedBy:  preview.CreatedBy,
		SourceType: entry.params.SourceType,
		SourceID:   entry.params.SourceID,
		SourceURL:  entry.params.SourceURL,
	}, items)
	if err != nil {
		// Release the claim: the caller can retry with resolutions.
		p.mu.Lock()
		preview.Status = StatusDrafting
		p.mu.Unlock()
		return nil, err
	}

	p.logger.Info(ctx, "remember preview confirmed",
		zap.String("preview_id", previewID),
		zap.String("scope_id", preview.ScopeID),
		zap.Int("created", len(result.Created)),
		zap.Int("skipped", result.Skipped))

	return &ConfirmResult{
		PreviewID: previewID,
		Created:   result.Created,
		Unchanged: result.Unchanged,
		Skipped:   result.Skipped,
	}, nil
}

// Cancel discards a drafted preview. Idempotent on a preview that is
// already terminal.
func (p *Pipeline) Cancel(ctx context.Context, previewID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.previews[previewID]
	if !ok {
		return ErrPreviewNotFound
	}
	if entry.preview.Status != StatusDrafting {
		return nil
	}
	entry.preview.Status = StatusCancelled

	p.logger.Debug(ctx, "remember preview cancelled", zap.String("preview_id", previewID))
	return nil
}

// Get returns a held preview by ID.
func (p *Pipeline) Get(previewID string) (*Preview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.previews[previewID]
	if !ok {
		return nil, ErrPreviewNotFound
	}
	if time.Now().After(entry.preview.ExpiresAt) {
		return nil, ErrPreviewExpired
	}
	return entry.preview, nil
}

// Start launches the expiry janitor. Stop with Stop.
func (p *Pipeline) Start() {
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.sweep()
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// sweep drops expired previews.
func (p *Pipeline) sweep() {
	now := time.Now()

	p.mu.Lock()
	var expired int
	for id, entry := range p.previews {
		if now.After(entry.preview.ExpiresAt) {
			delete(p.previews, id)
			expired++
		}
	}
	p.mu.Unlock()

	if expired > 0 {
		p.logger.Debug(context.Background(), "expired previews swept", zap.Int("count", expired))
	}
}

var interrogativePattern = regexp.MustCompile(`(?i)^(what|who|whom|whose|when|where|why|how|which|is|are|was|were|do|does|did|can|could|should|would|will)\b`)

// looksLikeQuestion flags statements that read as questions.
func looksLikeQuestion(statement string) bool {
	s := strings.TrimSpace(statement)
	if strings.HasSuffix(s, "?") {
		return true
	}
	return interrogativePattern.MatchString(s)
}
