package escalation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/storage"
)

type testEnv struct {
	manager *Manager
	store   *knowledge.Store
	db      *storage.DB
	scopeID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "ravend.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	scopeID := uuid.New().String()
	_, err = db.SQL().Exec(`
		INSERT INTO scopes (id, team_id, type, name, created_at)
		VALUES (?, 'team-1', 'team', 'Engineering', ?)`,
		scopeID, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	store, err := knowledge.NewStore(db, logging.NewNop())
	require.NoError(t, err)
	capability := llm.NewHeuristic()
	pipeline, err := remember.NewPipeline(store, capability, logging.NewNop())
	require.NoError(t, err)
	manager, err := NewManager(db, pipeline, capability, logging.NewNop())
	require.NoError(t, err)

	return &testEnv{manager: manager, store: store, db: db, scopeID: scopeID}
}

func (e *testEnv) post(t *testing.T, params PostParams) *TeamQuestion {
	t.Helper()
	if params.TeamID == "" {
		params.TeamID = "team-1"
	}
	if params.AskedBy == "" {
		params.AskedBy = "user-1"
	}
	q, err := e.manager.PostQuestion(context.Background(), params)
	require.NoError(t, err)
	return q
}

func TestManager_PostQuestionStartsOpen(t *testing.T) {
	env := newTestEnv(t)

	aiAnswer := "I don't have any recorded knowledge about that."
	q := env.post(t, PostParams{
		Question:     "Who owns the billing service?",
		AIAnswer:     &aiAnswer,
		AIConfidence: 0.1,
	})
	assert.Equal(t, StatusOpen, q.Status)
	assert.False(t, q.AskedByRaven)

	got, err := env.manager.Get(context.Background(), q.ID)
	require.NoError(t, err)
	assert.Equal(t, q.Question, got.Question)
	require.NotNil(t, got.AIAnswer)
	assert.Equal(t, aiAnswer, *got.AIAnswer)
}

func TestManager_PostQuestionValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.PostQuestion(context.Background(), PostParams{
		TeamID: "team-1", AskedBy: "user-1", Question: "   ",
	})
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestManager_AnswerTransitionsAndCaptures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := env.post(t, PostParams{Question: "What is the API rate limit?", ScopeID: &env.scopeID})

	outcome, err := env.manager.Answer(ctx, q.ID, "user-2", "Our API's rate limit is 100/min.", true)
	require.NoError(t, err)
	assert.NoError(t, outcome.CaptureErr)
	assert.Equal(t, StatusAnswered, outcome.Question.Status)
	require.NotNil(t, outcome.Question.AnsweredBy)
	assert.Equal(t, "user-2", *outcome.Question.AnsweredBy)

	// The answer landed as knowledge, attributed to the answerer.
	facts, err := env.store.Query(ctx, env.scopeID, knowledge.Filters{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "user-2", facts[0].CreatedBy)
	assert.Equal(t, knowledge.SourceConversation, facts[0].SourceType)
}

func TestManager_AnswerWithoutCapture(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := env.post(t, PostParams{Question: "What is the API rate limit?", ScopeID: &env.scopeID})

	outcome, err := env.manager.Answer(ctx, q.ID, "user-2", "Our API's rate limit is 100/min.", false)
	require.NoError(t, err)
	assert.NoError(t, outcome.CaptureErr)

	facts, err := env.store.Query(ctx, env.scopeID, knowledge.Filters{})
	require.NoError(t, err)
	assert.Empty(t, facts)
}

func TestManager_CaptureFailureDoesNotRollBackAnswer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Seed a fact the answer will contradict; auto-confirm cannot
	// resolve a contradiction, so capture fails.
	_, err := env.store.Materialize(ctx, knowledge.MaterializeParams{
		TeamID: "team-1", ScopeID: env.scopeID, CreatedBy: "user-1",
	}, []knowledge.MaterializeItem{{Fact: llm.ExtractedFact{
		Content:    "Our API's rate limit is 500/min.",
		EntityName: "API",
		Attribute:  "rate limit",
		Value:      "500/min",
		Confidence: 0.9,
	}}})
	require.NoError(t, err)

	q := env.post(t, PostParams{Question: "What is the API rate limit?", ScopeID: &env.scopeID})

	outcome, err := env.manager.Answer(ctx, q.ID, "user-2", "Our API's rate limit is 100/min.", true)
	require.NoError(t, err)
	assert.Error(t, outcome.CaptureErr)
	assert.Equal(t, StatusAnswered, outcome.Question.Status)

	// The contradicting fact is untouched.
	facts, err := env.store.Query(ctx, env.scopeID, knowledge.Filters{})
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "500/min", facts[0].Value)
}

func TestManager_AnswerRejectsNonOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := env.post(t, PostParams{Question: "What is the deploy cadence?"})
	_, err := env.manager.Answer(ctx, q.ID, "user-2", "Weekly.", false)
	require.NoError(t, err)

	_, err = env.manager.Answer(ctx, q.ID, "user-3", "Daily.", false)
	assert.ErrorIs(t, err, ErrNotOpen)

	_, err = env.manager.Answer(ctx, "missing", "user-2", "Weekly.", false)
	assert.ErrorIs(t, err, ErrQuestionNotFound)
}

func TestManager_AskFollowUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := env.post(t, PostParams{Question: "What is the deploy cadence?", ScopeID: &env.scopeID})

	// Follow-ups require an answered parent.
	_, err := env.manager.AskFollowUp(ctx, q.ID)
	assert.ErrorIs(t, err, ErrNotAnswered)

	_, err = env.manager.Answer(ctx, q.ID, "user-2", "Weekly, on Tuesdays.", false)
	require.NoError(t, err)

	child, err := env.manager.AskFollowUp(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, child.Status)
	assert.True(t, child.AskedByRaven)
	require.NotNil(t, child.ParentQuestionID)
	assert.Equal(t, q.ID, *child.ParentQuestionID)
	assert.NotEmpty(t, child.Question)
}

func TestManager_RejectOnlyRavenAuthoredOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	human := env.post(t, PostParams{Question: "What is the deploy cadence?"})
	_, err := env.manager.Reject(ctx, human.ID, "not useful")
	assert.ErrorIs(t, err, ErrNotRavenAuthored)

	raven := env.post(t, PostParams{Question: "What changed recently?", AskedByRaven: true, AskedBy: "raven"})
	rejected, err := env.manager.Reject(ctx, raven.ID, "too vague")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, rejected.Status)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "too vague", *rejected.RejectionReason)

	// Rejecting twice fails on the state, not the authorship.
	_, err = env.manager.Reject(ctx, raven.ID, "again")
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestManager_ListByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q1 := env.post(t, PostParams{Question: "First?"})
	env.post(t, PostParams{Question: "Second?"})
	_, err := env.manager.Answer(ctx, q1.ID, "user-2", "An answer.", false)
	require.NoError(t, err)

	open, err := env.manager.List(ctx, "team-1", StatusOpen)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	all, err := env.manager.List(ctx, "team-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestManager_Close(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	q := env.post(t, PostParams{Question: "Stale question?"})
	closed, err := env.manager.Close(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, closed.Status)

	_, err = env.manager.Close(ctx, q.ID)
	assert.ErrorIs(t, err, ErrNotOpen)
}
