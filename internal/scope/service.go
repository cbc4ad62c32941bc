// Package scope manages the hierarchical namespace of knowledge
// boundaries: one team root, project scopes beneath it, and per-user
// private scopes coupled to public scopes.
package scope

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/storage"
)

// Service provides scope tree operations.
type Service struct {
	db     *storage.DB
	logger *logging.Logger
}

// NewService creates a scope service.
func NewService(db *storage.DB, logger *logging.Logger) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{db: db, logger: logger}, nil
}

// CreateScope creates a scope in the team's tree.
//
// With parentScopeID == "" the new scope is the team root; a team may
// have only one. Otherwise the parent must exist, belong to the same
// team, and be public. Private scopes are never created here — see
// GetOrCreatePrivateScope.
func (s *Service) CreateScope(ctx context.Context, teamID, parentScopeID, name, description string) (*Scope, error) {
	if teamID == "" {
		return nil, ErrEmptyTeamID
	}
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	scopeType := TypeTeam
	var parent *Scope
	if parentScopeID != "" {
		var err error
		parent, err = s.Get(ctx, parentScopeID)
		if err != nil {
			if errors.Is(err, ErrScopeNotFound) {
				return nil, fmt.Errorf("%w: parent %s does not exist", ErrInvalidParent, parentScopeID)
			}
			return nil, err
		}
		if parent.TeamID != teamID {
			return nil, fmt.Errorf("%w: parent belongs to another team", ErrInvalidParent)
		}
		if !parent.IsPublic() {
			return nil, fmt.Errorf("%w: cannot nest under a private scope", ErrInvalidParent)
		}
		scopeType = TypeProject
	}

	sc := &Scope{
		ID:          uuid.New().String(),
		TeamID:      teamID,
		Type:        scopeType,
		Name:        strings.TrimSpace(name),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if parent != nil {
		sc.ParentScopeID = &parent.ID
	}

	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO scopes (id, team_id, parent_scope_id, type, name, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.TeamID, sc.ParentScopeID, string(sc.Type), sc.Name, sc.Description,
		sc.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if scopeType == TypeTeam && isUniqueViolation(err) {
			return nil, ErrRootExists
		}
		return nil, fmt.Errorf("creating scope: %w", err)
	}

	s.logger.Info(ctx, "scope created",
		zap.String("scope_id", sc.ID),
		zap.String("team_id", teamID),
		zap.String("type", string(scopeType)))

	return sc, nil
}

// Get retrieves a scope by ID.
func (s *Service) Get(ctx context.Context, scopeID string) (*Scope, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT id, team_id, parent_scope_id, type, owner_id, coupled_scope_id,
		       name, description, summary, created_at
		FROM scopes WHERE id = ?`, scopeID)
	return scanScope(row)
}

// GetOrCreatePrivateScope returns the caller's private shadow of a
// public scope, creating it on first use.
//
// Idempotent and safe under concurrent first-time callers: the
// coupling table's primary key is the upsert target, so racing
// creators converge on a single private scope.
func (s *Service) GetOrCreatePrivateScope(ctx context.Context, teamID, ownerID, coupledScopeID string) (*Scope, error) {
	if teamID == "" {
		return nil, ErrEmptyTeamID
	}
	if ownerID == "" {
		return nil, ErrEmptyOwnerID
	}

	coupled, err := s.Get(ctx, coupledScopeID)
	if err != nil {
		return nil, err
	}
	if coupled.TeamID != teamID {
		return nil, fmt.Errorf("%w: coupled scope belongs to another team", ErrInvalidParent)
	}
	if !coupled.IsPublic() {
		return nil, ErrNotPublicScope
	}

	if existing, err := s.lookupPrivate(ctx, ownerID, coupledScopeID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrScopeNotFound) {
		return nil, err
	}

	sc := &Scope{
		ID:             uuid.New().String(),
		TeamID:         teamID,
		ParentScopeID:  coupled.ParentScopeID,
		Type:           TypePrivate,
		OwnerID:        &ownerID,
		CoupledScopeID: &coupledScopeID,
		Name:           fmt.Sprintf("%s (private: %s)", coupled.Name, ownerID),
		Description:    fmt.Sprintf("Private notes shadowing %s", coupled.Name),
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scopes (id, team_id, parent_scope_id, type, owner_id, coupled_scope_id, name, description, created_at)
		VALUES (?, ?, ?, 'private', ?, ?, ?, ?, ?)`,
		sc.ID, sc.TeamID, sc.ParentScopeID, ownerID, coupledScopeID, sc.Name, sc.Description,
		sc.CreatedAt.Format(time.RFC3339),
	); err != nil {
		return nil, fmt.Errorf("creating private scope: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO scope_couplings (owner_id, coupled_scope_id, private_scope_id)
		VALUES (?, ?, ?)
		ON CONFLICT (owner_id, coupled_scope_id) DO NOTHING`,
		ownerID, coupledScopeID, sc.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("registering coupling: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking coupling insert: %w", err)
	}
	if inserted == 0 {
		// Lost the race: another caller registered the coupling first.
		// Drop our scope row and return theirs.
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return nil, fmt.Errorf("rolling back losing creator: %w", err)
		}
		return s.lookupPrivate(ctx, ownerID, coupledScopeID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing private scope: %w", err)
	}

	s.logger.Info(ctx, "private scope created",
		zap.String("scope_id", sc.ID),
		zap.String("owner_id", ownerID),
		zap.String("coupled_scope_id", coupledScopeID))

	return sc, nil
}

// lookupPrivate resolves the private scope for (owner, coupled scope).
func (s *Service) lookupPrivate(ctx context.Context, ownerID, coupledScopeID string) (*Scope, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT s.id, s.team_id, s.parent_scope_id, s.type, s.owner_id, s.coupled_scope_id,
		       s.name, s.description, s.summary, s.created_at
		FROM scope_couplings c
		JOIN scopes s ON s.id = c.private_scope_id
		WHERE c.owner_id = ? AND c.coupled_scope_id = ?`,
		ownerID, coupledScopeID)
	return scanScope(row)
}

// UpdateScope updates name, description, summary, and optionally the
// parent. Reparenting onto itself or a descendant is rejected.
func (s *Service) UpdateScope(ctx context.Context, scopeID string, name, description *string, summary *string, newParentID *string) (*Scope, error) {
	sc, err := s.Get(ctx, scopeID)
	if err != nil {
		return nil, err
	}

	if newParentID != nil {
		if *newParentID == scopeID {
			return nil, fmt.Errorf("%w: scope cannot be its own parent", ErrInvalidParent)
		}
		if sc.Type == TypeTeam {
			return nil, fmt.Errorf("%w: the team root cannot be reparented", ErrInvalidParent)
		}
		parent, err := s.Get(ctx, *newParentID)
		if err != nil {
			if errors.Is(err, ErrScopeNotFound) {
				return nil, fmt.Errorf("%w: parent %s does not exist", ErrInvalidParent, *newParentID)
			}
			return nil, err
		}
		if parent.TeamID != sc.TeamID {
			return nil, fmt.Errorf("%w: parent belongs to another team", ErrInvalidParent)
		}
		if !parent.IsPublic() {
			return nil, fmt.Errorf("%w: cannot nest under a private scope", ErrInvalidParent)
		}
		onPath, err := s.isDescendant(ctx, scopeID, *newParentID)
		if err != nil {
			return nil, err
		}
		if onPath {
			return nil, fmt.Errorf("%w: reparenting would create a cycle", ErrInvalidParent)
		}
		sc.ParentScopeID = newParentID
	}
	if name != nil {
		if strings.TrimSpace(*name) == "" {
			return nil, ErrEmptyName
		}
		sc.Name = strings.TrimSpace(*name)
	}
	if description != nil {
		sc.Description = *description
	}
	if summary != nil {
		sc.Summary = summary
	}

	_, err = s.db.SQL().ExecContext(ctx, `
		UPDATE scopes SET name = ?, description = ?, summary = ?, parent_scope_id = ?
		WHERE id = ?`,
		sc.Name, sc.Description, sc.Summary, sc.ParentScopeID, sc.ID)
	if err != nil {
		return nil, fmt.Errorf("updating scope: %w", err)
	}
	return sc, nil
}

// DeleteScope deletes a scope, its descendant scopes, private scopes
// coupled to any deleted public scope, and (via foreign keys) all the
// facts, questions, and objectives they contain. Destructive and not
// reversible: callers confirm before invoking this.
func (s *Service) DeleteScope(ctx context.Context, scopeID string) error {
	if _, err := s.Get(ctx, scopeID); err != nil {
		return err
	}

	tx, err := s.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	// Tree children fall out via the parent foreign key; coupled
	// private scopes are siblings, so delete them explicitly for the
	// whole subtree.
	res, err := tx.ExecContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM scopes WHERE id = ?
			UNION ALL
			SELECT s.id FROM scopes s JOIN subtree st ON s.parent_scope_id = st.id
		)
		DELETE FROM scopes WHERE id IN (
			SELECT private_scope_id FROM scope_couplings WHERE coupled_scope_id IN (SELECT id FROM subtree)
			UNION
			SELECT id FROM subtree
		)`, scopeID)
	if err != nil {
		return fmt.Errorf("deleting scope subtree: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scope delete: %w", err)
	}

	s.logger.Info(ctx, "scope deleted",
		zap.String("scope_id", scopeID),
		zap.Int64("scopes_removed", deleted))
	return nil
}

// ResolveVisibleScopes returns every public scope in the team plus the
// user's own private scopes. Another user's private scopes are never
// included.
func (s *Service) ResolveVisibleScopes(ctx context.Context, teamID, userID string) ([]*Scope, error) {
	if teamID == "" {
		return nil, ErrEmptyTeamID
	}

	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, team_id, parent_scope_id, type, owner_id, coupled_scope_id,
		       name, description, summary, created_at
		FROM scopes
		WHERE team_id = ? AND (type != 'private' OR owner_id = ?)
		ORDER BY created_at, id`, teamID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolving visible scopes: %w", err)
	}
	defer rows.Close()

	var scopes []*Scope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// Authorize returns ErrPermissionDenied when userID reads a private
// scope they do not own. Public scopes are readable team-wide.
func (s *Service) Authorize(ctx context.Context, scopeID, userID string) (*Scope, error) {
	sc, err := s.Get(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	if sc.Type == TypePrivate && (sc.OwnerID == nil || *sc.OwnerID != userID) {
		return nil, ErrPermissionDenied
	}
	return sc, nil
}

// Path returns the breadcrumb from the team root down to scopeID.
func (s *Service) Path(ctx context.Context, scopeID string) ([]*Scope, error) {
	var path []*Scope
	id := scopeID
	for i := 0; i < 64; i++ { // depth guard against corrupted trees
		sc, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		path = append([]*Scope{sc}, path...)
		if sc.ParentScopeID == nil {
			return path, nil
		}
		id = *sc.ParentScopeID
	}
	return nil, fmt.Errorf("scope tree too deep resolving path for %s", scopeID)
}

// isDescendant reports whether candidate lies in the subtree rooted at rootID.
func (s *Service) isDescendant(ctx context.Context, rootID, candidate string) (bool, error) {
	var n int
	err := s.db.SQL().QueryRowContext(ctx, `
		WITH RECURSIVE subtree(id) AS (
			SELECT id FROM scopes WHERE id = ?
			UNION ALL
			SELECT s.id FROM scopes s JOIN subtree st ON s.parent_scope_id = st.id
		)
		SELECT COUNT(*) FROM subtree WHERE id = ?`, rootID, candidate).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking descendants: %w", err)
	}
	return n > 0, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanScope(row rowScanner) (*Scope, error) {
	var (
		sc        Scope
		typ       string
		createdAt string
	)
	err := row.Scan(&sc.ID, &sc.TeamID, &sc.ParentScopeID, &typ, &sc.OwnerID,
		&sc.CoupledScopeID, &sc.Name, &sc.Description, &sc.Summary, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning scope: %w", err)
	}
	sc.Type = Type(typ)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sc.CreatedAt = t
	}
	return &sc, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
