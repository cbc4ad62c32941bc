// Package knowledge is the structured-fact repository: scoped storage
// with supersession chains, and conflict detection of candidate facts
// against prior knowledge.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/storage"
)

// DefaultSimilarityThreshold is the free-text Jaccard score at or
// above which two facts are treated as duplicates.
const DefaultSimilarityThreshold = 0.85

// Store provides fact persistence and conflict detection for one database.
type Store struct {
	db                  *storage.DB
	logger              *logging.Logger
	similarityThreshold float64

	factCounter     metric.Int64Counter
	conflictCounter metric.Int64Counter
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSimilarityThreshold overrides the free-text duplicate threshold.
func WithSimilarityThreshold(threshold float64) StoreOption {
	return func(s *Store) {
		if threshold > 0 && threshold <= 1 {
			s.similarityThreshold = threshold
		}
	}
}

// NewStore creates a fact store.
func NewStore(db *storage.DB, logger *logging.Logger, opts ...StoreOption) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Store{
		db:                  db,
		logger:              logger,
		similarityThreshold: DefaultSimilarityThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s, nil
}

// Filters narrows a Query. Zero values mean "no filter".
type Filters struct {
	EntityName string
	Attribute  string
	Category   string
	SourceType SourceType
	Limit      int
}

const factColumns = `id, team_id, scope_id, content, entity_type, entity_name, attribute,
	value, category, confidence_score, source_type, source_id, source_quote, source_url,
	created_by, valid_from, valid_until, superseded_by`

// Query returns the current facts of one scope. Descendant scopes are
// never included implicitly; callers aggregate across scopes when they
// mean to.
func (s *Store) Query(ctx context.Context, scopeID string, filters Filters) ([]*Fact, error) {
	if scopeID == "" {
		return nil, ErrEmptyScopeID
	}

	query := `SELECT ` + factColumns + ` FROM facts
		WHERE scope_id = ?
		  AND superseded_by IS NULL
		  AND (valid_until IS NULL OR valid_until > ?)`
	args := []any{scopeID, time.Now().UTC().Format(time.RFC3339)}

	if filters.EntityName != "" {
		query += ` AND LOWER(TRIM(entity_name)) = ?`
		args = append(args, strings.ToLower(strings.TrimSpace(filters.EntityName)))
	}
	if filters.Attribute != "" {
		query += ` AND LOWER(TRIM(attribute)) = ?`
		args = append(args, strings.ToLower(strings.TrimSpace(filters.Attribute)))
	}
	if filters.Category != "" {
		query += ` AND category = ?`
		args = append(args, filters.Category)
	}
	if filters.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, string(filters.SourceType))
	}
	query += ` ORDER BY valid_from, id`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying facts: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

// Get retrieves a fact by ID, current or not.
func (s *Store) Get(ctx context.Context, factID string) (*Fact, error) {
	row := s.db.SQL().QueryRowContext(ctx,
		`SELECT `+factColumns+` FROM facts WHERE id = ?`, factID)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFactNotFound
	}
	return f, err
}

// DetectConflicts classifies a candidate against the scope's current
// facts. Structured candidates are matched on the normalized
// (entity, attribute) key; free-text candidates are compared against
// other free-text facts by deterministic token similarity.
func (s *Store) DetectConflicts(ctx context.Context, scopeID string, candidate llm.ExtractedFact) ([]FactConflict, error) {
	if scopeID == "" {
		return nil, ErrEmptyScopeID
	}

	if key := entityKey(candidate.EntityName, candidate.Attribute); key != "" {
		existing, err := s.currentByKey(ctx, scopeID, key)
		if err != nil {
			if errors.Is(err, ErrFactNotFound) {
				return nil, nil
			}
			return nil, err
		}
		conflictType, explanation := classifyValues(existing.Value, candidate.Value)
		conflicts := []FactConflict{{
			ExistingFactID: existing.ID,
			ConflictType:   conflictType,
			Explanation:    explanation,
		}}
		s.recordConflicts(ctx, conflicts)
		return conflicts, nil
	}

	// Free-text candidate: similarity sweep over free-text facts.
	facts, err := s.Query(ctx, scopeID, Filters{})
	if err != nil {
		return nil, err
	}

	var conflicts []FactConflict
	for _, f := range facts {
		if f.HasKey() {
			continue
		}
		if textSimilarity(f.Content, candidate.Content) >= s.similarityThreshold {
			conflicts = append(conflicts, FactConflict{
				ExistingFactID: f.ID,
				ConflictType:   ConflictDuplicate,
				Explanation:    "restates an existing note",
			})
		}
	}
	s.recordConflicts(ctx, conflicts)
	return conflicts, nil
}

// currentByKey returns the single current fact for a normalized key.
// Currency here is the same predicate Query uses, so a fact visible
// to readers is always visible to conflict detection too.
func (s *Store) currentByKey(ctx context.Context, scopeID, key string) (*Fact, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE scope_id = ? AND entity_key = ?
		  AND superseded_by IS NULL
		  AND (valid_until IS NULL OR valid_until > ?)`,
		scopeID, key, time.Now().UTC().Format(time.RFC3339))
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFactNotFound
	}
	return f, err
}

// Resolution is the caller's decision for a contradiction conflict.
type Resolution string

const (
	// ResolutionAcceptNew supersedes the existing fact with the candidate.
	ResolutionAcceptNew Resolution = "accept_new"

	// ResolutionKeepOld keeps the existing fact and drops the candidate.
	ResolutionKeepOld Resolution = "keep_old"

	// ResolutionSkip drops the candidate without touching the existing fact.
	ResolutionSkip Resolution = "skip"
)

// MaterializeItem is one candidate fact with its primary conflict (if
// any) and, for contradictions, the caller's decision.
type MaterializeItem struct {
	Fact       llm.ExtractedFact
	Conflict   *FactConflict
	Resolution Resolution
}

// MaterializeParams describes one materialization batch.
type MaterializeParams struct {
	TeamID     string
	ScopeID    string
	CreatedBy  string
	SourceType SourceType
	SourceID   *string
	SourceURL  *string
}

// MaterializeResult reports what one batch did.
type MaterializeResult struct {
	// Created holds newly inserted facts (including supersessions).
	Created []*Fact
	// Unchanged holds existing facts returned for duplicate candidates.
	Unchanged []*Fact
	// Skipped counts candidates dropped by resolution.
	Skipped int
}

// Materialize writes a batch of candidates in one transaction.
//
// Duplicates are no-ops returning the existing fact. Updates supersede
// the prior fact. Contradictions require an explicit Resolution;
// silently picking a side is a correctness bug, so a missing decision
// aborts the whole batch.
func (s *Store) Materialize(ctx context.Context, params MaterializeParams, items []MaterializeItem) (*MaterializeResult, error) {
	if params.ScopeID == "" {
		return nil, ErrEmptyScopeID
	}
	if params.SourceType == "" {
		params.SourceType = SourceUserStatement
	}

	// Validate up front: no partial batches on bad input.
	for _, item := range items {
		if item.Conflict == nil {
			continue
		}
		if item.Conflict.ConflictType == ConflictContradiction {
			switch item.Resolution {
			case ResolutionAcceptNew, ResolutionKeepOld, ResolutionSkip:
			case "":
				return nil, fmt.Errorf("%w: existing fact %s", ErrUnresolvedContradiction, item.Conflict.ExistingFactID)
			default:
				return nil, fmt.Errorf("%w: %q", ErrUnknownResolution, item.Resolution)
			}
		}
	}

	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result := &MaterializeResult{}
	now := time.Now().UTC()

	for _, item := range items {
		switch {
		case item.Conflict == nil:
			f, err := s.insertFact(ctx, tx, params, item.Fact, now)
			if err != nil {
				return nil, err
			}
			result.Created = append(result.Created, f)

		case item.Conflict.ConflictType == ConflictDuplicate:
			existing, err := s.Get(ctx, item.Conflict.ExistingFactID)
			if err != nil {
				return nil, fmt.Errorf("resolving duplicate: %w", err)
			}
			result.Unchanged = append(result.Unchanged, existing)

		case item.Conflict.ConflictType == ConflictUpdate:
			f, err := s.supersede(ctx, tx, params, item.Fact, item.Conflict.ExistingFactID, now)
			if err != nil {
				return nil, err
			}
			result.Created = append(result.Created, f)

		case item.Conflict.ConflictType == ConflictContradiction:
			switch item.Resolution {
			case ResolutionAcceptNew:
				f, err := s.supersede(ctx, tx, params, item.Fact, item.Conflict.ExistingFactID, now)
				if err != nil {
					return nil, err
				}
				result.Created = append(result.Created, f)
			case ResolutionKeepOld:
				existing, err := s.Get(ctx, item.Conflict.ExistingFactID)
				if err != nil {
					return nil, fmt.Errorf("resolving keep-old: %w", err)
				}
				result.Unchanged = append(result.Unchanged, existing)
				result.Skipped++
			case ResolutionSkip:
				result.Skipped++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing materialization: %w", err)
	}

	s.recordMaterialized(ctx, result)
	s.logger.Info(ctx, "facts materialized",
		zap.String("scope_id", params.ScopeID),
		zap.Int("created", len(result.Created)),
		zap.Int("unchanged", len(result.Unchanged)),
		zap.Int("skipped", result.Skipped))

	return result, nil
}

// insertFact writes a new current fact inside tx.
func (s *Store) insertFact(ctx context.Context, tx *sql.Tx, params MaterializeParams, ef llm.ExtractedFact, now time.Time) (*Fact, error) {
	return s.insertFactRow(ctx, tx, factFromExtracted(params, ef, now))
}

// supersede marks the prior fact and inserts its replacement. Runs
// inside the batch transaction so readers never observe two current
// facts for one key, nor zero.
func (s *Store) supersede(ctx context.Context, tx *sql.Tx, params MaterializeParams, ef llm.ExtractedFact, priorID string, now time.Time) (*Fact, error) {
	f := factFromExtracted(params, ef, now)

	res, err := tx.ExecContext(ctx, `
		UPDATE facts SET superseded_by = ?
		WHERE id = ? AND superseded_by IS NULL`,
		f.ID, priorID)
	if err != nil {
		return nil, fmt.Errorf("marking fact superseded: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking supersession: %w", err)
	}
	if affected == 0 {
		// The prior fact vanished or was superseded between preview
		// and confirm. Refuse rather than fork the chain.
		return nil, fmt.Errorf("%w: fact %s is no longer current", ErrFactNotFound, priorID)
	}

	if _, err := s.insertFactRow(ctx, tx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) insertFactRow(ctx context.Context, tx *sql.Tx, f *Fact) (*Fact, error) {
	var key any
	if k := entityKey(f.EntityName, f.Attribute); k != "" {
		key = k
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO facts (id, team_id, scope_id, content, entity_type, entity_name,
			attribute, value, category, entity_key, confidence_score, source_type,
			source_id, source_quote, source_url, created_by, valid_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.TeamID, f.ScopeID, f.Content, nullable(f.EntityType), nullable(f.EntityName),
		nullable(f.Attribute), nullable(f.Value), nullable(f.Category), key,
		f.ConfidenceScore, string(f.SourceType), f.SourceID, f.SourceQuote, f.SourceURL,
		f.CreatedBy, f.ValidFrom.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting fact: %w", err)
	}
	return f, nil
}

// Invalidate ends a fact's validity without replacement (logical delete).
func (s *Store) Invalidate(ctx context.Context, factID string) error {
	res, err := s.db.SQL().ExecContext(ctx, `
		UPDATE facts SET valid_until = ?
		WHERE id = ? AND superseded_by IS NULL AND valid_until IS NULL`,
		time.Now().UTC().Format(time.RFC3339), factID)
	if err != nil {
		return fmt.Errorf("invalidating fact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrFactNotFound
	}
	return nil
}

// History returns the supersession chain ending at the current fact
// for a (entity, attribute) key, oldest first.
func (s *Store) History(ctx context.Context, scopeID, entityName, attribute string) ([]*Fact, error) {
	key := entityKey(entityName, attribute)
	if key == "" {
		return nil, fmt.Errorf("history requires a structured key")
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE scope_id = ? AND entity_key = ?
		ORDER BY valid_from, id`, scopeID, key)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var facts []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func factFromExtracted(params MaterializeParams, ef llm.ExtractedFact, now time.Time) *Fact {
	confidence := ef.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	f := &Fact{
		ID:              uuid.New().String(),
		TeamID:          params.TeamID,
		ScopeID:         params.ScopeID,
		Content:         ef.Content,
		EntityType:      ef.EntityType,
		EntityName:      ef.EntityName,
		Attribute:       ef.Attribute,
		Value:           ef.Value,
		Category:        ef.Category,
		ConfidenceScore: confidence,
		SourceType:      params.SourceType,
		SourceID:        params.SourceID,
		SourceURL:       params.SourceURL,
		CreatedBy:       params.CreatedBy,
		ValidFrom:       now,
	}
	if ef.SourceQuote != "" {
		quote := ef.SourceQuote
		f.SourceQuote = &quote
	}
	return f
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFact(row rowScanner) (*Fact, error) {
	var (
		f                                        Fact
		entityType, entityName, attribute, value sql.NullString
		category                                 sql.NullString
		sourceType, validFrom                    string
		validUntil                               sql.NullString
	)
	err := row.Scan(&f.ID, &f.TeamID, &f.ScopeID, &f.Content, &entityType, &entityName,
		&attribute, &value, &category, &f.ConfidenceScore, &sourceType, &f.SourceID,
		&f.SourceQuote, &f.SourceURL, &f.CreatedBy, &validFrom, &validUntil, &f.SupersededBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning fact: %w", err)
	}

	f.EntityType = entityType.String
	f.EntityName = entityName.String
	f.Attribute = attribute.String
	f.Value = value.String
	f.Category = category.String
	f.SourceType = SourceType(sourceType)
	if t, err := time.Parse(time.RFC3339, validFrom); err == nil {
		f.ValidFrom = t
	}
	if validUntil.Valid {
		if t, err := time.Parse(time.RFC3339, validUntil.String); err == nil {
			f.ValidUntil = &t
		}
	}
	return &f, nil
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
