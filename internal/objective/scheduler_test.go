package objective

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/storage"
)

func newTestScheduler(t *testing.T) (*Scheduler, *escalation.Manager, *storage.DB) {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "ravend.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.SQL().Exec(`
		INSERT INTO scopes (id, team_id, type, name, created_at)
		VALUES (?, 'team-1', 'team', 'Engineering', ?)`,
		uuid.New().String(), time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, err)

	store, err := knowledge.NewStore(db, logging.NewNop())
	require.NoError(t, err)
	capability := llm.NewHeuristic()
	pipeline, err := remember.NewPipeline(store, capability, logging.NewNop())
	require.NoError(t, err)
	manager, err := escalation.NewManager(db, pipeline, capability, logging.NewNop())
	require.NoError(t, err)
	scheduler, err := NewScheduler(db, manager, capability, logging.NewNop())
	require.NoError(t, err)
	manager.SetScheduler(scheduler)

	return scheduler, manager, db
}

func createObjective(t *testing.T, s *Scheduler, maxQuestions int) *LearningObjective {
	t.Helper()
	obj, err := s.Create(context.Background(), CreateParams{
		TeamID:       "team-1",
		Title:        "database migrations",
		Description:  "how the team runs schema changes",
		MaxQuestions: maxQuestions,
	})
	require.NoError(t, err)
	return obj
}

func TestScheduler_CreateValidation(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t)
	ctx := context.Background()

	_, err := scheduler.Create(ctx, CreateParams{TeamID: "team-1", Title: " ", MaxQuestions: 3})
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, err = scheduler.Create(ctx, CreateParams{TeamID: "team-1", Title: "topic", MaxQuestions: 0})
	assert.ErrorIs(t, err, ErrInvalidBudget)
}

func TestScheduler_GenerateReplacementPostsSibling(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 5)
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))

	questions, err := manager.List(ctx, "team-1", escalation.StatusOpen)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	q := questions[0]
	assert.True(t, q.AskedByRaven)
	assert.Nil(t, q.ParentQuestionID)
	require.NotNil(t, q.LearningObjectiveID)
	assert.Equal(t, obj.ID, *q.LearningObjectiveID)

	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuestionsAsked)
}

func TestScheduler_BudgetBound(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	const maxQuestions = 5
	obj := createObjective(t, scheduler, maxQuestions)

	// Reject every generated question; each rejection triggers a
	// replacement until the budget drains. The loop runs well past
	// the budget to prove the cap holds.
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	for i := 0; i < maxQuestions*3; i++ {
		open, err := manager.List(ctx, "team-1", escalation.StatusOpen)
		require.NoError(t, err)
		if len(open) == 0 {
			break
		}
		_, err = manager.Reject(ctx, open[0].ID, "not relevant")
		require.NoError(t, err)
	}

	// Never more than maxQuestions raven questions in total.
	var total int
	all, err := manager.List(ctx, "team-1", "")
	require.NoError(t, err)
	for _, q := range all {
		if q.AskedByRaven {
			total++
		}
	}
	assert.Equal(t, maxQuestions, total)

	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, maxQuestions, got.QuestionsAsked)

	// Budget exhaustion is a quiet no-op, not an error.
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	got, err = scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, maxQuestions, got.QuestionsAsked)
}

func TestScheduler_FollowUpHoldsBudget(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 1)
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))

	open, err := manager.List(ctx, "team-1", escalation.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = manager.Answer(ctx, open[0].ID, "user-1", "We run migrations every Tuesday.", false)
	require.NoError(t, err)

	// The budget is spent, so the follow-up posts without the
	// objective link and the objective never exceeds one question.
	child, err := manager.AskFollowUp(ctx, open[0].ID)
	require.NoError(t, err)
	assert.True(t, child.AskedByRaven)
	assert.Nil(t, child.LearningObjectiveID)

	var underObjective int
	all, err := manager.List(ctx, "team-1", "")
	require.NoError(t, err)
	for _, q := range all {
		if q.AskedByRaven && q.LearningObjectiveID != nil && *q.LearningObjectiveID == obj.ID {
			underObjective++
		}
	}
	assert.Equal(t, 1, underObjective)

	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.QuestionsAsked)
}

func TestScheduler_FollowUpSpendsRemainingBudget(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 2)
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))

	open, err := manager.List(ctx, "team-1", escalation.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = manager.Answer(ctx, open[0].ID, "user-1", "We run migrations every Tuesday.", false)
	require.NoError(t, err)

	// With budget left, the follow-up keeps the objective link and
	// consumes a slot like any other raven question.
	child, err := manager.AskFollowUp(ctx, open[0].ID)
	require.NoError(t, err)
	require.NotNil(t, child.LearningObjectiveID)
	assert.Equal(t, obj.ID, *child.LearningObjectiveID)

	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.QuestionsAsked)

	// The spent slot counts against replacements too.
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	got, err = scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.QuestionsAsked)
}

func TestScheduler_RejectFlow(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 5)

	// Two questions asked so far.
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))

	open, err := manager.List(ctx, "team-1", escalation.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 2)

	rejected, err := manager.Reject(ctx, open[0].ID, "duplicate of existing knowledge")
	require.NoError(t, err)
	assert.Equal(t, escalation.StatusClosed, rejected.Status)

	// The rejection consumed budget slot three and produced a
	// sibling replacement, not a child.
	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.QuestionsAsked)

	open, err = manager.List(ctx, "team-1", escalation.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 2)
	for _, q := range open {
		assert.True(t, q.AskedByRaven)
		assert.Nil(t, q.ParentQuestionID)
	}
}

func TestScheduler_CanAskMore(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 1)

	ok, err := scheduler.CanAskMore(ctx, obj.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))

	ok, err = scheduler.CanAskMore(ctx, obj.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduler_HumanAssignedObjectiveNeverGenerates(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	owner := "user-7"
	obj, err := scheduler.Create(ctx, CreateParams{
		TeamID:       "team-1",
		Title:        "incident response",
		AssignedTo:   &owner,
		MaxQuestions: 5,
	})
	require.NoError(t, err)

	ok, err := scheduler.CanAskMore(ctx, obj.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	questions, err := manager.List(ctx, "team-1", "")
	require.NoError(t, err)
	assert.Empty(t, questions)
}

func TestScheduler_PausedBlocksGeneration(t *testing.T) {
	scheduler, manager, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 5)
	paused := StatusPaused
	_, err := scheduler.Update(ctx, obj.ID, UpdateParams{Status: &paused})
	require.NoError(t, err)

	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	questions, err := manager.List(ctx, "team-1", "")
	require.NoError(t, err)
	assert.Empty(t, questions)

	// Pausing is reversible.
	active := StatusActive
	_, err = scheduler.Update(ctx, obj.ID, UpdateParams{Status: &active})
	require.NoError(t, err)

	ok, err := scheduler.CanAskMore(ctx, obj.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScheduler_CompletedIsTerminal(t *testing.T) {
	scheduler, _, _ := newTestScheduler(t)
	ctx := context.Background()

	obj := createObjective(t, scheduler, 5)
	completed := StatusCompleted
	_, err := scheduler.Update(ctx, obj.ID, UpdateParams{Status: &completed})
	require.NoError(t, err)

	// Reactivation is rejected, not coerced.
	active := StatusActive
	_, err = scheduler.Update(ctx, obj.ID, UpdateParams{Status: &active})
	assert.ErrorIs(t, err, ErrObjectiveCompleted)

	ok, err := scheduler.CanAskMore(ctx, obj.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, scheduler.GenerateReplacement(ctx, obj.ID))
	got, err := scheduler.Get(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.QuestionsAsked)
}
