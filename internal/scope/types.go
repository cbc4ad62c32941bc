package scope

import (
	"errors"
	"time"
)

// Validation and lifecycle errors.
var (
	ErrEmptyTeamID      = errors.New("team ID cannot be empty")
	ErrEmptyName        = errors.New("scope name cannot be empty")
	ErrEmptyOwnerID     = errors.New("owner ID cannot be empty")
	ErrScopeNotFound    = errors.New("scope not found")
	ErrInvalidParent    = errors.New("invalid parent scope")
	ErrRootExists       = errors.New("team already has a root scope")
	ErrNotPublicScope   = errors.New("coupled scope must be a team or project scope")
	ErrPermissionDenied = errors.New("scope is private to another user")
)

// Type is the kind of knowledge boundary a scope represents.
type Type string

const (
	// TypeTeam is the single root scope of a team.
	TypeTeam Type = "team"

	// TypeProject is a public scope under the team root.
	TypeProject Type = "project"

	// TypePrivate is a per-user shadow of a public scope. It is a
	// sibling of its coupled scope, not a tree child of it.
	TypePrivate Type = "private"
)

// Scope is a knowledge-visibility boundary. Scopes form a tree rooted
// at the team scope; private scopes hang off the tree as shadows of
// the public scope they are coupled to.
type Scope struct {
	ID            string  `json:"id"`
	TeamID        string  `json:"teamId"`
	ParentScopeID *string `json:"parentScopeId,omitempty"`
	Type          Type    `json:"type"`

	// OwnerID and CoupledScopeID are set on private scopes only.
	OwnerID        *string `json:"ownerId,omitempty"`
	CoupledScopeID *string `json:"coupledScopeId,omitempty"`

	Name        string    `json:"name"`
	Description string    `json:"description"`
	Summary     *string   `json:"summary,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// IsPublic reports whether facts in this scope are visible team-wide.
func (s *Scope) IsPublic() bool {
	return s.Type == TypeTeam || s.Type == TypeProject
}
