// Package escalation manages team questions: human-escalation
// tickets opened when the AI cannot answer with enough confidence, or
// when a user asks for a human directly. Raven may author its own
// questions under a learning objective; humans may reject those with
// a reason.
package escalation

import (
	"errors"
	"time"
)

// Common errors for team question operations.
var (
	ErrQuestionNotFound = errors.New("team question not found")
	ErrEmptyQuestion    = errors.New("question text cannot be empty")
	ErrEmptyAnswer      = errors.New("answer text cannot be empty")
	ErrNotOpen          = errors.New("question is not open")
	ErrNotAnswered      = errors.New("question has not been answered")
	ErrNotRavenAuthored = errors.New("only raven-authored questions can be rejected")
)

// QuestionStatus is the lifecycle state of a team question.
type QuestionStatus string

const (
	// StatusOpen: awaiting a human answer.
	StatusOpen QuestionStatus = "open"
	// StatusAnswered: a human answered; follow-ups allowed.
	StatusAnswered QuestionStatus = "answered"
	// StatusClosed: terminal, by direct close or rejection.
	StatusClosed QuestionStatus = "closed"
)

// TeamQuestion is one escalation ticket. Follow-ups form a tree via
// ParentQuestionID.
type TeamQuestion struct {
	ID      string  `json:"id"`
	TeamID  string  `json:"teamId"`
	ScopeID *string `json:"scopeId,omitempty"`

	AskedBy      string `json:"askedBy"`
	AskedByRaven bool   `json:"askedByRaven"`
	Question     string `json:"question"`

	// AIAnswer/AIConfidence record what the engine said before the
	// escalation, so answerers see why it was raised.
	AIAnswer     *string `json:"aiAnswer,omitempty"`
	AIConfidence float64 `json:"aiConfidence"`

	Status     QuestionStatus `json:"status"`
	Answer     *string        `json:"answer,omitempty"`
	AnsweredBy *string        `json:"answeredBy,omitempty"`

	RejectionReason *string `json:"rejectionReason,omitempty"`

	ParentQuestionID    *string `json:"parentQuestionId,omitempty"`
	LearningObjectiveID *string `json:"learningObjectiveId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
