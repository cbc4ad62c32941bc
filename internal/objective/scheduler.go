// Package objective implements bounded, raven-driven research loops.
// A learning objective carries a question budget; the scheduler
// decides whether raven may author another team question under it and
// generates replacements when questions are rejected. The budget is a
// hard cap: exhausting it is an expected quiet stop, never an error.
package objective

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/storage"
)

// Common errors for learning objective operations.
var (
	ErrObjectiveNotFound  = errors.New("learning objective not found")
	ErrEmptyTitle         = errors.New("objective title cannot be empty")
	ErrInvalidStatus      = errors.New("invalid objective status")
	ErrObjectiveCompleted = errors.New("objective is completed and cannot be reactivated")
	ErrInvalidBudget      = errors.New("max questions must be positive")
)

// ObjectiveStatus is the lifecycle state of a learning objective.
type ObjectiveStatus string

const (
	// StatusActive: raven may generate questions (budget allowing).
	StatusActive ObjectiveStatus = "active"
	// StatusPaused: generation suspended; resumable.
	StatusPaused ObjectiveStatus = "paused"
	// StatusCompleted: terminal. A completed objective never
	// generates again, even if a later write tries to flip it back.
	StatusCompleted ObjectiveStatus = "completed"
)

// LearningObjective is one budgeted research topic.
type LearningObjective struct {
	ID          string  `json:"id"`
	TeamID      string  `json:"teamId"`
	ScopeID     *string `json:"scopeId,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`

	Status ObjectiveStatus `json:"status"`

	// AssignedTo names a human owner; nil means raven drives the
	// objective and the question budget applies.
	AssignedTo *string `json:"assignedTo,omitempty"`

	MaxQuestions   int `json:"maxQuestions"`
	QuestionsAsked int `json:"questionsAsked"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QuestionPoster creates team questions. Satisfied by the escalation
// manager.
type QuestionPoster interface {
	PostQuestion(ctx context.Context, params escalation.PostParams) (*escalation.TeamQuestion, error)
}

// Scheduler owns learning objective state and the question budget.
type Scheduler struct {
	db         *storage.DB
	poster     QuestionPoster
	capability llm.Capability
	logger     *logging.Logger
}

// NewScheduler creates a learning objective scheduler.
func NewScheduler(db *storage.DB, poster QuestionPoster, capability llm.Capability, logger *logging.Logger) (*Scheduler, error) {
	if db == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if poster == nil {
		return nil, fmt.Errorf("question poster cannot be nil")
	}
	if capability == nil {
		return nil, fmt.Errorf("llm capability cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{db: db, poster: poster, capability: capability, logger: logger}, nil
}

// CreateParams describes one new learning objective.
type CreateParams struct {
	TeamID       string
	ScopeID      *string
	Title        string
	Description  string
	AssignedTo   *string
	MaxQuestions int
}

// Create stores a new active objective.
func (s *Scheduler) Create(ctx context.Context, params CreateParams) (*LearningObjective, error) {
	if strings.TrimSpace(params.Title) == "" {
		return nil, ErrEmptyTitle
	}
	if params.MaxQuestions <= 0 {
		return nil, ErrInvalidBudget
	}

	now := time.Now().UTC()
	obj := &LearningObjective{
		ID:           uuid.New().String(),
		TeamID:       params.TeamID,
		ScopeID:      params.ScopeID,
		Title:        params.Title,
		Description:  params.Description,
		Status:       StatusActive,
		AssignedTo:   params.AssignedTo,
		MaxQuestions: params.MaxQuestions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.SQL().ExecContext(ctx, `
		INSERT INTO learning_objectives (id, team_id, scope_id, title, description,
			status, assigned_to, max_questions, questions_asked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		obj.ID, obj.TeamID, obj.ScopeID, obj.Title, obj.Description,
		string(obj.Status), obj.AssignedTo, obj.MaxQuestions,
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting learning objective: %w", err)
	}

	s.logger.Info(ctx, "learning objective created",
		zap.String("objective_id", obj.ID),
		zap.String("title", obj.Title),
		zap.Int("max_questions", obj.MaxQuestions))

	return obj, nil
}

// Get retrieves an objective by ID.
func (s *Scheduler) Get(ctx context.Context, objectiveID string) (*LearningObjective, error) {
	row := s.db.SQL().QueryRowContext(ctx, `
		SELECT id, team_id, scope_id, title, description, status, assigned_to,
			max_questions, questions_asked, created_at, updated_at
		FROM learning_objectives WHERE id = ?`, objectiveID)
	return scanObjective(row)
}

// CanAskMore reports whether raven may author another question under
// the objective: active, raven-driven, budget remaining.
func (s *Scheduler) CanAskMore(ctx context.Context, objectiveID string) (bool, error) {
	obj, err := s.Get(ctx, objectiveID)
	if err != nil {
		return false, err
	}
	return obj.Status == StatusActive &&
		obj.AssignedTo == nil &&
		obj.QuestionsAsked < obj.MaxQuestions, nil
}

// ClaimQuestion spends one unit of the objective's question budget.
// The claim is a conditional increment, so concurrent claimers can
// never push past MaxQuestions. Returns false when the objective is
// inactive, human-assigned, or drained; every raven-authored question
// linked to an objective must hold a claim.
func (s *Scheduler) ClaimQuestion(ctx context.Context, objectiveID string) (bool, error) {
	res, err := s.db.SQL().ExecContext(ctx, `
		UPDATE learning_objectives
		SET questions_asked = questions_asked + 1, updated_at = ?
		WHERE id = ? AND status = 'active' AND assigned_to IS NULL
		  AND questions_asked < max_questions`,
		time.Now().UTC().Format(time.RFC3339), objectiveID)
	if err != nil {
		return false, fmt.Errorf("claiming question budget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ReleaseQuestion undoes a claimed increment after the question it was
// claimed for failed to post.
func (s *Scheduler) ReleaseQuestion(ctx context.Context, objectiveID string) {
	s.releaseBudget(ctx, objectiveID)
}

// GenerateReplacement authors the objective's next question, if the
// budget allows. A drained budget is a no-op.
func (s *Scheduler) GenerateReplacement(ctx context.Context, objectiveID string) error {
	obj, err := s.Get(ctx, objectiveID)
	if err != nil {
		return err
	}

	claimed, err := s.ClaimQuestion(ctx, objectiveID)
	if err != nil {
		return err
	}
	if !claimed {
		s.logger.Debug(ctx, "objective budget exhausted or inactive",
			zap.String("objective_id", objectiveID))
		return nil
	}

	prior, err := s.priorExchanges(ctx, objectiveID)
	if err != nil {
		s.releaseBudget(ctx, objectiveID)
		return err
	}

	question, err := s.capability.ObjectiveQuestion(ctx, obj.Title, obj.Description, prior)
	if err != nil {
		s.releaseBudget(ctx, objectiveID)
		return fmt.Errorf("generating objective question: %w", err)
	}

	// Replacements are siblings: no parent question, raven-authored.
	if _, err := s.poster.PostQuestion(ctx, escalation.PostParams{
		TeamID:              obj.TeamID,
		ScopeID:             obj.ScopeID,
		AskedBy:             "raven",
		AskedByRaven:        true,
		Question:            question,
		LearningObjectiveID: &obj.ID,
	}); err != nil {
		s.releaseBudget(ctx, objectiveID)
		return fmt.Errorf("posting objective question: %w", err)
	}

	s.logger.Info(ctx, "objective question generated",
		zap.String("objective_id", objectiveID),
		zap.Int("questions_asked", obj.QuestionsAsked+1),
		zap.Int("max_questions", obj.MaxQuestions))

	return nil
}

// releaseBudget undoes a claimed increment after a failed generation.
func (s *Scheduler) releaseBudget(ctx context.Context, objectiveID string) {
	_, err := s.db.SQL().ExecContext(ctx, `
		UPDATE learning_objectives
		SET questions_asked = questions_asked - 1
		WHERE id = ? AND questions_asked > 0`, objectiveID)
	if err != nil {
		s.logger.Error(ctx, "releasing question budget failed",
			zap.String("objective_id", objectiveID), zap.Error(err))
	}
}

// priorExchanges loads the Q&A history under an objective, oldest
// first, as context for the next question.
func (s *Scheduler) priorExchanges(ctx context.Context, objectiveID string) ([]llm.QA, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT question, answer FROM team_questions
		WHERE learning_objective_id = ?
		ORDER BY created_at, id`, objectiveID)
	if err != nil {
		return nil, fmt.Errorf("loading objective history: %w", err)
	}
	defer rows.Close()

	var prior []llm.QA
	for rows.Next() {
		var (
			question string
			answer   sql.NullString
		)
		if err := rows.Scan(&question, &answer); err != nil {
			return nil, fmt.Errorf("scanning objective history: %w", err)
		}
		prior = append(prior, llm.QA{Question: question, Answer: answer.String})
	}
	return prior, rows.Err()
}

// UpdateParams carries partial updates; nil fields are unchanged.
type UpdateParams struct {
	Title        *string
	Description  *string
	Status       *ObjectiveStatus
	MaxQuestions *int
}

// Update applies changes to an objective. Completed is terminal: any
// status write on a completed objective is rejected, so a completed
// objective can never resurrect and resume asking.
func (s *Scheduler) Update(ctx context.Context, objectiveID string, params UpdateParams) (*LearningObjective, error) {
	obj, err := s.Get(ctx, objectiveID)
	if err != nil {
		return nil, err
	}

	if params.Status != nil {
		switch *params.Status {
		case StatusActive, StatusPaused, StatusCompleted:
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *params.Status)
		}
		if obj.Status == StatusCompleted && *params.Status != StatusCompleted {
			return nil, ErrObjectiveCompleted
		}
	}
	if params.MaxQuestions != nil && *params.MaxQuestions <= 0 {
		return nil, ErrInvalidBudget
	}

	set := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	if params.Title != nil {
		if strings.TrimSpace(*params.Title) == "" {
			return nil, ErrEmptyTitle
		}
		set = append(set, "title = ?")
		args = append(args, *params.Title)
	}
	if params.Description != nil {
		set = append(set, "description = ?")
		args = append(args, *params.Description)
	}
	if params.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*params.Status))
	}
	if params.MaxQuestions != nil {
		set = append(set, "max_questions = ?")
		args = append(args, *params.MaxQuestions)
	}
	args = append(args, objectiveID)

	query := "UPDATE learning_objectives SET " + strings.Join(set, ", ") + " WHERE id = ?"
	if params.Status != nil && obj.Status != StatusCompleted {
		// Guard against a concurrent completion landing between the
		// read and this write.
		query += " AND status != 'completed'"
	}
	res, err := s.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating learning objective: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 && params.Status != nil {
		return nil, ErrObjectiveCompleted
	}

	return s.Get(ctx, objectiveID)
}

// List returns a team's objectives, newest first.
func (s *Scheduler) List(ctx context.Context, teamID string) ([]*LearningObjective, error) {
	rows, err := s.db.SQL().QueryContext(ctx, `
		SELECT id, team_id, scope_id, title, description, status, assigned_to,
			max_questions, questions_asked, created_at, updated_at
		FROM learning_objectives WHERE team_id = ?
		ORDER BY created_at DESC, id`, teamID)
	if err != nil {
		return nil, fmt.Errorf("listing learning objectives: %w", err)
	}
	defer rows.Close()

	var objectives []*LearningObjective
	for rows.Next() {
		obj, err := scanObjective(rows)
		if err != nil {
			return nil, err
		}
		objectives = append(objectives, obj)
	}
	return objectives, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObjective(row rowScanner) (*LearningObjective, error) {
	var (
		obj                  LearningObjective
		description          sql.NullString
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&obj.ID, &obj.TeamID, &obj.ScopeID, &obj.Title, &description,
		&status, &obj.AssignedTo, &obj.MaxQuestions, &obj.QuestionsAsked,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrObjectiveNotFound
		}
		return nil, fmt.Errorf("scanning learning objective: %w", err)
	}
	obj.Description = description.String
	obj.Status = ObjectiveStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		obj.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		obj.UpdatedAt = t
	}
	return &obj, nil
}
