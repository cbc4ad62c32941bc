package escalation

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

	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/storage"
)

// ReplacementScheduler is the learning objective scheduler as seen
// from this package; set after construction to break the mutual
// dependency between the two. Any raven-authored question linked to
// an objective must hold a budget claim, follow-ups included.
type ReplacementScheduler interface {
	GenerateReplacement(ctx context.Context, objectiveID string) error
	ClaimQuestion(ctx context.Context, objectiveID string) (bool, error)
	ReleaseQuestion(ctx context.Context, objectiveID string)
}

// Manager owns the team question lifecycle.
type Manager struct {
	db         *storage.DB
	pipeline   *remember.Pipeline
	capability llm.Capability
	logger     *logging.Logger
	scheduler  ReplacementScheduler

	questionCounter   metric.Int64Counter
	transitionCounter metric.Int64Counter
}

// NewManager creates an escalation manager.
func NewManager(db *storage.DB, pipeline *remember.Pipeline, capability llm.Capability, logger *logging.Logger) (*Manager, error) {
	if db == nil {
		return nil, fmt.Errorf("storage cannot be nil")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("remember pipeline cannot be nil")
	}
	if capability == nil {
		return nil, fmt.Errorf("llm capability cannot be nil")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		db:         db,
		pipeline:   pipeline,
		capability: capability,
		logger:     logger,
	}
	m.initMetrics()
	return m, nil
}

// SetScheduler wires the replacement scheduler. Without one, rejected
// raven questions simply close.
func (m *Manager) SetScheduler(s ReplacementScheduler) {
	m.scheduler = s
}

// PostParams describes one new team question.
type PostParams struct {
	TeamID              string
	ScopeID             *string
	AskedBy             string
	AskedByRaven        bool
	Question            string
	AIAnswer            *string
	AIConfidence        float64
	ParentQuestionID    *string
	LearningObjectiveID *string
}

// PostQuestion creates a team question. Questions always start open.
func (m *Manager) PostQuestion(ctx context.Context, params PostParams) (*TeamQuestion, error) {
	if strings.TrimSpace(params.Question) == "" {
		return nil, ErrEmptyQuestion
	}
	if params.TeamID == "" {
		return nil, fmt.Errorf("team ID cannot be empty")
	}

	now := time.Now().UTC()
	q := &TeamQuestion{
		ID:                  uuid.New().String(),
		TeamID:              params.TeamID,
		ScopeID:             params.ScopeID,
		AskedBy:             params.AskedBy,
		AskedByRaven:        params.AskedByRaven,
		Question:            params.Question,
		AIAnswer:            params.AIAnswer,
		AIConfidence:        params.AIConfidence,
		Status:              StatusOpen,
		ParentQuestionID:    params.ParentQuestionID,
		LearningObjectiveID: params.LearningObjectiveID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	_, err := m.db.SQL().ExecContext(ctx, `
		INSERT INTO team_questions (id, team_id, scope_id, asked_by, asked_by_raven,
			question, ai_answer, ai_confidence, status, parent_question_id,
			learning_objective_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.TeamID, q.ScopeID, q.AskedBy, q.AskedByRaven, q.Question,
		q.AIAnswer, q.AIConfidence, string(q.Status), q.ParentQuestionID,
		q.LearningObjectiveID, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("inserting team question: %w", err)
	}

	m.recordQuestion(ctx, q.AskedByRaven)
	m.logger.Info(ctx, "team question posted",
		zap.String("question_id", q.ID),
		zap.String("team_id", q.TeamID),
		zap.Bool("asked_by_raven", q.AskedByRaven))

	return q, nil
}

// Get retrieves a team question by ID.
func (m *Manager) Get(ctx context.Context, questionID string) (*TeamQuestion, error) {
	row := m.db.SQL().QueryRowContext(ctx,
		questionSelect+` WHERE id = ?`, questionID)
	q, err := scanQuestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQuestionNotFound
	}
	return q, err
}

// List returns a team's questions, optionally filtered by status,
// newest first.
func (m *Manager) List(ctx context.Context, teamID string, status QuestionStatus) ([]*TeamQuestion, error) {
	query := questionSelect + ` WHERE team_id = ?`
	args := []any{teamID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := m.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing team questions: %w", err)
	}
	defer rows.Close()

	var questions []*TeamQuestion
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// AnswerOutcome reports an answered question and, when knowledge
// capture was requested, whether the capture landed. A capture
// failure never rolls back the answer.
type AnswerOutcome struct {
	Question *TeamQuestion `json:"question"`

	// CaptureErr is non-nil when addToKnowledge was requested and
	// the remember pipeline could not store the answer.
	CaptureErr error `json:"-"`
}

// Answer records a human answer on an open question. With
// addToKnowledge, the answer text is fed through the remember
// pipeline attributed to the answering user; the question transitions
// to answered regardless, and any capture failure is surfaced in the
// outcome rather than swallowed.
func (m *Manager) Answer(ctx context.Context, questionID, answeredBy, answerText string, addToKnowledge bool) (*AnswerOutcome, error) {
	if strings.TrimSpace(answerText) == "" {
		return nil, ErrEmptyAnswer
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := m.db.SQL().ExecContext(ctx, `
		UPDATE team_questions
		SET status = 'answered', answer = ?, answered_by = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		answerText, answeredBy, now, questionID)
	if err != nil {
		return nil, fmt.Errorf("answering question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		q, err := m.Get(ctx, questionID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: status %s", ErrNotOpen, q.Status)
	}

	q, err := m.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}

	outcome := &AnswerOutcome{Question: q}
	if addToKnowledge {
		outcome.CaptureErr = m.captureAnswer(ctx, q, answeredBy, answerText)
		if outcome.CaptureErr != nil {
			m.logger.Warn(ctx, "knowledge capture failed for answered question",
				zap.String("question_id", questionID),
				zap.Error(outcome.CaptureErr))
		}
	}

	m.recordTransition(ctx, "answered")
	m.logger.Info(ctx, "team question answered",
		zap.String("question_id", questionID),
		zap.Bool("add_to_knowledge", addToKnowledge))

	return outcome, nil
}

// captureAnswer pushes an answer through the remember pipeline into
// the question's scope (or the team root when the question has none).
func (m *Manager) captureAnswer(ctx context.Context, q *TeamQuestion, answeredBy, answerText string) error {
	scopeID, err := m.resolveScope(ctx, q)
	if err != nil {
		return err
	}

	preview, err := m.pipeline.Preview(ctx, remember.PreviewParams{
		TeamID:     q.TeamID,
		ScopeID:    scopeID,
		CreatedBy:  answeredBy,
		Statement:  answerText,
		SourceType: knowledge.SourceConversation,
		SourceID:   &q.ID,
	})
	if err != nil {
		return fmt.Errorf("previewing answer capture: %w", err)
	}

	// Auto-confirm only resolves the trivial cases; a contradiction
	// needs a human and is reported back as a capture failure.
	if _, err := m.pipeline.Confirm(ctx, preview.ID, nil); err != nil {
		_ = m.pipeline.Cancel(ctx, preview.ID)
		return fmt.Errorf("confirming answer capture: %w", err)
	}
	return nil
}

// resolveScope picks the scope an answer's knowledge lands in.
func (m *Manager) resolveScope(ctx context.Context, q *TeamQuestion) (string, error) {
	if q.ScopeID != nil {
		return *q.ScopeID, nil
	}
	var rootID string
	err := m.db.SQL().QueryRowContext(ctx,
		`SELECT id FROM scopes WHERE team_id = ? AND type = 'team'`, q.TeamID).Scan(&rootID)
	if err != nil {
		return "", fmt.Errorf("resolving team root scope: %w", err)
	}
	return rootID, nil
}

// AskFollowUp has raven generate a follow-up for an answered question
// and posts it as a new open child question. Fails on a question that
// has not been answered.
func (m *Manager) AskFollowUp(ctx context.Context, questionID string) (*TeamQuestion, error) {
	parent, err := m.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if parent.Status != StatusAnswered {
		return nil, fmt.Errorf("%w: status %s", ErrNotAnswered, parent.Status)
	}

	followUp, err := m.capability.FollowUp(ctx, parent.Question, *parent.Answer)
	if err != nil {
		return nil, fmt.Errorf("generating follow-up: %w", err)
	}

	// A follow-up stays linked to the parent's objective only if the
	// objective's budget can cover it; otherwise it posts unlinked so
	// the budget bound holds across every raven-authored question.
	var objectiveID *string
	if parent.LearningObjectiveID != nil && m.scheduler != nil {
		claimed, err := m.scheduler.ClaimQuestion(ctx, *parent.LearningObjectiveID)
		if err != nil {
			return nil, fmt.Errorf("claiming follow-up budget: %w", err)
		}
		if claimed {
			objectiveID = parent.LearningObjectiveID
		}
	}

	q, err := m.PostQuestion(ctx, PostParams{
		TeamID:              parent.TeamID,
		ScopeID:             parent.ScopeID,
		AskedBy:             "raven",
		AskedByRaven:        true,
		Question:            followUp,
		ParentQuestionID:    &parent.ID,
		LearningObjectiveID: objectiveID,
	})
	if err != nil {
		if objectiveID != nil {
			m.scheduler.ReleaseQuestion(ctx, *objectiveID)
		}
		return nil, err
	}
	return q, nil
}

// Reject closes an open raven-authored question with a reason. A
// human-authored question cannot be rejected, only answered or
// closed. If the question belongs to a learning objective, the
// scheduler is asked for a replacement; a drained budget is a quiet
// stop, not an error.
func (m *Manager) Reject(ctx context.Context, questionID, reason string) (*TeamQuestion, error) {
	q, err := m.Get(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if !q.AskedByRaven {
		return nil, ErrNotRavenAuthored
	}
	if q.Status != StatusOpen {
		return nil, fmt.Errorf("%w: status %s", ErrNotOpen, q.Status)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var reasonVal any
	if strings.TrimSpace(reason) != "" {
		reasonVal = reason
	}
	res, err := m.db.SQL().ExecContext(ctx, `
		UPDATE team_questions
		SET status = 'closed', rejection_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		reasonVal, now, questionID)
	if err != nil {
		return nil, fmt.Errorf("rejecting question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: question was closed concurrently", ErrNotOpen)
	}

	m.recordTransition(ctx, "rejected")
	m.logger.Info(ctx, "raven question rejected",
		zap.String("question_id", questionID),
		zap.String("reason", reason))

	if q.LearningObjectiveID != nil && m.scheduler != nil {
		if err := m.scheduler.GenerateReplacement(ctx, *q.LearningObjectiveID); err != nil {
			m.logger.Warn(ctx, "replacement generation failed",
				zap.String("objective_id", *q.LearningObjectiveID),
				zap.Error(err))
		}
	}

	return m.Get(ctx, questionID)
}

// Close closes an open or answered question without an answer change.
func (m *Manager) Close(ctx context.Context, questionID string) (*TeamQuestion, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := m.db.SQL().ExecContext(ctx, `
		UPDATE team_questions SET status = 'closed', updated_at = ?
		WHERE id = ? AND status IN ('open', 'answered')`,
		now, questionID)
	if err != nil {
		return nil, fmt.Errorf("closing question: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := m.Get(ctx, questionID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: already closed", ErrNotOpen)
	}
	m.recordTransition(ctx, "closed")
	return m.Get(ctx, questionID)
}

const questionSelect = `SELECT id, team_id, scope_id, asked_by, asked_by_raven, question,
	ai_answer, ai_confidence, status, answer, answered_by, rejection_reason,
	parent_question_id, learning_objective_id, created_at, updated_at
	FROM team_questions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(row rowScanner) (*TeamQuestion, error) {
	var (
		q                    TeamQuestion
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&q.ID, &q.TeamID, &q.ScopeID, &q.AskedBy, &q.AskedByRaven,
		&q.Question, &q.AIAnswer, &q.AIConfidence, &status, &q.Answer, &q.AnsweredBy,
		&q.RejectionReason, &q.ParentQuestionID, &q.LearningObjectiveID,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning team question: %w", err)
	}
	q.Status = QuestionStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		q.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		q.UpdatedAt = t
	}
	return &q, nil
}
