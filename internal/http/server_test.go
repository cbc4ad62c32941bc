package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvidlabs/ravend/internal/ask"
	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/objective"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/scope"
	"github.com/corvidlabs/ravend/internal/storage"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "ravend.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logging.NewNop()
	capability := llm.NewHeuristic()

	scopes, err := scope.NewService(db, logger)
	require.NoError(t, err)
	store, err := knowledge.NewStore(db, logger)
	require.NoError(t, err)
	pipeline, err := remember.NewPipeline(store, capability, logger)
	require.NoError(t, err)
	engine, err := ask.NewEngine(store, capability, logger)
	require.NoError(t, err)
	manager, err := escalation.NewManager(db, pipeline, capability, logger)
	require.NoError(t, err)
	scheduler, err := objective.NewScheduler(db, manager, capability, logger)
	require.NoError(t, err)
	manager.SetScheduler(scheduler)

	server, err := NewServer(Services{
		Scopes:     scopes,
		Remember:   pipeline,
		Ask:        engine,
		Escalation: manager,
		Objectives: scheduler,
		Store:      db,
	}, logger, nil)
	require.NoError(t, err)
	return server
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echoHeaderContentType, "application/json")
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

const echoHeaderContentType = "Content-Type"

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func createRootScope(t *testing.T, server *Server) scope.Scope {
	t.Helper()
	rec := doJSON(t, server, http.MethodPost, "/api/v1/scopes", CreateScopeRequest{
		TeamID: "team-1",
		Name:   "Engineering",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[scope.Scope](t, rec)
}

func TestServer_Health(t *testing.T) {
	server := newTestServer(t)

	rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
}

func TestServer_ScopeLifecycle(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	// A second root for the same team conflicts.
	rec := doJSON(t, server, http.MethodPost, "/api/v1/scopes", CreateScopeRequest{
		TeamID: "team-1", Name: "Another Root",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/scopes", CreateScopeRequest{
		TeamID: "team-1", ParentScopeID: root.ID, Name: "Billing",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	child := decode[scope.Scope](t, rec)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/scopes/"+child.ID+"?userId=alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/scopes/"+child.ID+"/path", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	path := decode[[]scope.Scope](t, rec)
	require.Len(t, path, 2)
	assert.Equal(t, root.ID, path[0].ID)

	rec = doJSON(t, server, http.MethodDelete, "/api/v1/scopes/"+child.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/scopes/"+child.ID+"?userId=alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_PrivateScopeVisibility(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/scopes/private", PrivateScopeRequest{
		TeamID: "team-1", OwnerID: "alice", CoupledScopeID: root.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	private := decode[scope.Scope](t, rec)

	// Idempotent: same key returns the same scope.
	rec = doJSON(t, server, http.MethodPost, "/api/v1/scopes/private", PrivateScopeRequest{
		TeamID: "team-1", OwnerID: "alice", CoupledScopeID: root.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, private.ID, decode[scope.Scope](t, rec).ID)

	// Bob never sees Alice's private scope.
	rec = doJSON(t, server, http.MethodGet, "/api/v1/scopes?teamId=team-1&userId=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, sc := range decode[[]scope.Scope](t, rec) {
		assert.NotEqual(t, private.ID, sc.ID)
	}
}

func TestServer_RememberFlow(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/remember/preview", PreviewRememberRequest{
		TeamID: "team-1", ScopeID: root.ID, UserID: "alice",
		Statement: "Our API's rate limit is 100/min.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[remember.Preview](t, rec)
	require.Len(t, preview.Facts, 1)
	assert.Equal(t, "API", preview.Facts[0].Fact.EntityName)
	assert.False(t, preview.LooksLikeQuestion)

	rec = doJSON(t, server, http.MethodPost,
		fmt.Sprintf("/api/v1/remember/%s/confirm", preview.ID), ConfirmRememberRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[remember.ConfirmResult](t, rec)
	assert.Len(t, result.Created, 1)

	// Confirming again is a state conflict.
	rec = doJSON(t, server, http.MethodPost,
		fmt.Sprintf("/api/v1/remember/%s/confirm", preview.ID), ConfirmRememberRequest{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// The fact is now askable.
	rec = doJSON(t, server, http.MethodPost, "/api/v1/ask", AskRequest{
		ScopeID: root.ID, UserID: "alice", Question: "what is the API rate limit?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	answer := decode[ask.Response](t, rec)
	assert.Contains(t, answer.Answer, "100/min")
}

func TestServer_RememberCancelAndMissing(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/remember/preview", PreviewRememberRequest{
		TeamID: "team-1", ScopeID: root.ID, UserID: "alice",
		Statement: "Deploys happen weekly.",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[remember.Preview](t, rec)

	rec = doJSON(t, server, http.MethodPost,
		fmt.Sprintf("/api/v1/remember/%s/cancel", preview.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/remember/missing/confirm", ConfirmRememberRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_QuestionFlow(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/questions", CreateQuestionRequest{
		TeamID: "team-1", ScopeID: &root.ID, AskedBy: "alice",
		Question: "What is the deploy cadence?", AIConfidence: 0.2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	q := decode[escalation.TeamQuestion](t, rec)
	assert.Equal(t, escalation.StatusOpen, q.Status)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/questions/"+q.ID+"/answer", AnswerQuestionRequest{
		AnsweredBy: "bob", Answer: "Our deploy cadence is weekly.", AddToKnowledge: true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	answered := decode[AnswerQuestionResponse](t, rec)
	assert.Equal(t, escalation.StatusAnswered, answered.Question.Status)
	assert.Empty(t, answered.CaptureError)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/questions/"+q.ID+"/follow-up", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	followUp := decode[escalation.TeamQuestion](t, rec)
	assert.True(t, followUp.AskedByRaven)

	// Rejecting the raven follow-up succeeds; rejecting a human
	// question is a conflict.
	rec = doJSON(t, server, http.MethodPost, "/api/v1/questions/"+followUp.ID+"/reject",
		RejectQuestionRequest{Reason: "not useful"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/questions/"+q.ID+"/reject",
		RejectQuestionRequest{Reason: "nope"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ObjectiveFlow(t *testing.T) {
	server := newTestServer(t)
	createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/objectives", CreateObjectiveRequest{
		TeamID: "team-1", Title: "onboarding gaps", MaxQuestions: 2,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	obj := decode[objective.LearningObjective](t, rec)
	assert.Equal(t, objective.StatusActive, obj.Status)

	completed := objective.StatusCompleted
	rec = doJSON(t, server, http.MethodPatch, "/api/v1/objectives/"+obj.ID,
		UpdateObjectiveRequest{Status: &completed})
	require.Equal(t, http.StatusOK, rec.Code)

	// Reactivating a completed objective conflicts.
	active := objective.StatusActive
	rec = doJSON(t, server, http.MethodPatch, "/api/v1/objectives/"+obj.ID,
		UpdateObjectiveRequest{Status: &active})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ValidationErrors(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/ask", AskRequest{
		ScopeID: root.ID, UserID: "alice", Question: "  ",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Identity is mandatory on ask.
	rec = doJSON(t, server, http.MethodPost, "/api/v1/ask", AskRequest{
		ScopeID: root.ID, Question: "what is the API rate limit?",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, server, http.MethodGet, "/api/v1/questions", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_PrivateScopeAccessControl(t *testing.T) {
	server := newTestServer(t)
	root := createRootScope(t, server)

	rec := doJSON(t, server, http.MethodPost, "/api/v1/scopes/private", PrivateScopeRequest{
		TeamID: "team-1", OwnerID: "alice", CoupledScopeID: root.ID,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	private := decode[scope.Scope](t, rec)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/remember/preview", PreviewRememberRequest{
		TeamID: "team-1", ScopeID: private.ID, UserID: "alice",
		Statement: "Our severance policy is 12 weeks.",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	preview := decode[remember.Preview](t, rec)
	rec = doJSON(t, server, http.MethodPost,
		fmt.Sprintf("/api/v1/remember/%s/confirm", preview.ID), ConfirmRememberRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	// Only the owner can read the scope or ask against it.
	rec = doJSON(t, server, http.MethodGet, "/api/v1/scopes/"+private.ID+"?userId=bob", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/ask", AskRequest{
		ScopeID: private.ID, UserID: "bob", Question: "what is the severance policy?",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/remember/preview", PreviewRememberRequest{
		TeamID: "team-1", ScopeID: private.ID, UserID: "bob",
		Statement: "The severance policy is 2 weeks.",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, server, http.MethodPost, "/api/v1/ask", AskRequest{
		ScopeID: private.ID, UserID: "alice", Question: "what is the severance policy?",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	answer := decode[ask.Response](t, rec)
	assert.Contains(t, answer.Answer, "12 weeks")
}

func TestServer_Shutdown(t *testing.T) {
	server := newTestServer(t)
	assert.NoError(t, server.Shutdown(context.Background()))
}
