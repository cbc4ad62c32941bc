package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/objective"
	"github.com/corvidlabs/ravend/internal/remember"
)

// CreateScopeRequest is the body for POST /api/v1/scopes.
type CreateScopeRequest struct {
	TeamID        string `json:"teamId"`
	ParentScopeID string `json:"parentScopeId,omitempty"`
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
}

func (s *Server) handleCreateScope(c echo.Context) error {
	var req CreateScopeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := s.svc.Scopes.CreateScope(c.Request().Context(), req.TeamID, req.ParentScopeID, req.Name, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sc)
}

func (s *Server) handleGetScope(c echo.Context) error {
	userID := c.QueryParam("userId")
	if userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	sc, err := s.svc.Scopes.Authorize(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

func (s *Server) handleScopePath(c echo.Context) error {
	path, err := s.svc.Scopes.Path(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, path)
}

func (s *Server) handleResolveVisibleScopes(c echo.Context) error {
	teamID := c.QueryParam("teamId")
	userID := c.QueryParam("userId")
	if teamID == "" || userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "teamId and userId are required")
	}
	scopes, err := s.svc.Scopes.ResolveVisibleScopes(c.Request().Context(), teamID, userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, scopes)
}

// UpdateScopeRequest is the body for PATCH /api/v1/scopes/:id. Nil
// fields are unchanged.
type UpdateScopeRequest struct {
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Summary       *string `json:"summary,omitempty"`
	ParentScopeID *string `json:"parentScopeId,omitempty"`
}

func (s *Server) handleUpdateScope(c echo.Context) error {
	var req UpdateScopeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := s.svc.Scopes.UpdateScope(c.Request().Context(), c.Param("id"),
		req.Name, req.Description, req.Summary, req.ParentScopeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

func (s *Server) handleDeleteScope(c echo.Context) error {
	if err := s.svc.Scopes.DeleteScope(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// PrivateScopeRequest is the body for POST /api/v1/scopes/private.
type PrivateScopeRequest struct {
	TeamID         string `json:"teamId"`
	OwnerID        string `json:"ownerId"`
	CoupledScopeID string `json:"coupledScopeId"`
}

func (s *Server) handleGetOrCreatePrivateScope(c echo.Context) error {
	var req PrivateScopeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sc, err := s.svc.Scopes.GetOrCreatePrivateScope(c.Request().Context(), req.TeamID, req.OwnerID, req.CoupledScopeID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sc)
}

// PreviewRememberRequest is the body for POST /api/v1/remember/preview.
type PreviewRememberRequest struct {
	TeamID    string  `json:"teamId"`
	ScopeID   string  `json:"scopeId"`
	UserID    string  `json:"userId"`
	Statement string  `json:"statement"`
	SourceURL *string `json:"sourceUrl,omitempty"`
}

func (s *Server) handlePreviewRemember(c echo.Context) error {
	var req PreviewRememberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if _, err := s.svc.Scopes.Authorize(c.Request().Context(), req.ScopeID, req.UserID); err != nil {
		return err
	}
	preview, err := s.svc.Remember.Preview(c.Request().Context(), remember.PreviewParams{
		TeamID:     req.TeamID,
		ScopeID:    req.ScopeID,
		CreatedBy:  req.UserID,
		Statement:  req.Statement,
		SourceType: knowledge.SourceUserStatement,
		SourceURL:  req.SourceURL,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}

func (s *Server) handleGetPreview(c echo.Context) error {
	preview, err := s.svc.Remember.Get(c.Param("previewId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, preview)
}

// ConfirmRememberRequest is the body for POST /api/v1/remember/:previewId/confirm.
// Resolutions map fact indexes (as returned by preview) to decisions
// for contradiction conflicts; SkipFactIndexes drops facts outright.
type ConfirmRememberRequest struct {
	Resolutions     map[int]knowledge.Resolution `json:"resolutions,omitempty"`
	SkipFactIndexes []int                        `json:"skipFactIndexes,omitempty"`
}

func (s *Server) handleConfirmRemember(c echo.Context) error {
	var req ConfirmRememberRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resolutions := req.Resolutions
	if len(req.SkipFactIndexes) > 0 {
		if resolutions == nil {
			resolutions = make(map[int]knowledge.Resolution, len(req.SkipFactIndexes))
		}
		for _, idx := range req.SkipFactIndexes {
			resolutions[idx] = knowledge.ResolutionSkip
		}
	}
	result, err := s.svc.Remember.Confirm(c.Request().Context(), c.Param("previewId"), resolutions)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleCancelRemember(c echo.Context) error {
	if err := s.svc.Remember.Cancel(c.Request().Context(), c.Param("previewId")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// AskRequest is the body for POST /api/v1/ask.
type AskRequest struct {
	ScopeID  string `json:"scopeId"`
	UserID   string `json:"userId"`
	Question string `json:"question"`
}

func (s *Server) handleAsk(c echo.Context) error {
	var req AskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}
	if _, err := s.svc.Scopes.Authorize(c.Request().Context(), req.ScopeID, req.UserID); err != nil {
		return err
	}
	resp, err := s.svc.Ask.Ask(c.Request().Context(), req.ScopeID, req.Question)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// CreateQuestionRequest is the body for POST /api/v1/questions.
type CreateQuestionRequest struct {
	TeamID       string  `json:"teamId"`
	ScopeID      *string `json:"scopeId,omitempty"`
	AskedBy      string  `json:"askedBy"`
	Question     string  `json:"question"`
	AIAnswer     *string `json:"aiAnswer,omitempty"`
	AIConfidence float64 `json:"aiConfidence"`
}

func (s *Server) handleCreateQuestion(c echo.Context) error {
	var req CreateQuestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	q, err := s.svc.Escalation.PostQuestion(c.Request().Context(), escalation.PostParams{
		TeamID:       req.TeamID,
		ScopeID:      req.ScopeID,
		AskedBy:      req.AskedBy,
		Question:     req.Question,
		AIAnswer:     req.AIAnswer,
		AIConfidence: req.AIConfidence,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, q)
}

func (s *Server) handleListQuestions(c echo.Context) error {
	teamID := c.QueryParam("teamId")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "teamId is required")
	}
	questions, err := s.svc.Escalation.List(c.Request().Context(), teamID,
		escalation.QuestionStatus(c.QueryParam("status")))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, questions)
}

func (s *Server) handleGetQuestion(c echo.Context) error {
	q, err := s.svc.Escalation.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

// AnswerQuestionRequest is the body for POST /api/v1/questions/:id/answer.
type AnswerQuestionRequest struct {
	AnsweredBy     string `json:"answeredBy"`
	Answer         string `json:"answer"`
	AddToKnowledge bool   `json:"addToKnowledge"`
}

// AnswerQuestionResponse reports the transition and, separately, any
// knowledge-capture failure.
type AnswerQuestionResponse struct {
	Question     *escalation.TeamQuestion `json:"question"`
	CaptureError string                   `json:"captureError,omitempty"`
}

func (s *Server) handleAnswerQuestion(c echo.Context) error {
	var req AnswerQuestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	outcome, err := s.svc.Escalation.Answer(c.Request().Context(), c.Param("id"),
		req.AnsweredBy, req.Answer, req.AddToKnowledge)
	if err != nil {
		return err
	}
	resp := AnswerQuestionResponse{Question: outcome.Question}
	if outcome.CaptureErr != nil {
		resp.CaptureError = outcome.CaptureErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAskFollowUp(c echo.Context) error {
	q, err := s.svc.Escalation.AskFollowUp(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, q)
}

// RejectQuestionRequest is the body for POST /api/v1/questions/:id/reject.
type RejectQuestionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRejectQuestion(c echo.Context) error {
	var req RejectQuestionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	q, err := s.svc.Escalation.Reject(c.Request().Context(), c.Param("id"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

func (s *Server) handleCloseQuestion(c echo.Context) error {
	q, err := s.svc.Escalation.Close(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}

// CreateObjectiveRequest is the body for POST /api/v1/objectives.
type CreateObjectiveRequest struct {
	TeamID       string  `json:"teamId"`
	ScopeID      *string `json:"scopeId,omitempty"`
	Title        string  `json:"title"`
	Description  string  `json:"description,omitempty"`
	AssignedTo   *string `json:"assignedTo,omitempty"`
	MaxQuestions int     `json:"maxQuestions"`
}

func (s *Server) handleCreateObjective(c echo.Context) error {
	var req CreateObjectiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	obj, err := s.svc.Objectives.Create(c.Request().Context(), objective.CreateParams{
		TeamID:       req.TeamID,
		ScopeID:      req.ScopeID,
		Title:        req.Title,
		Description:  req.Description,
		AssignedTo:   req.AssignedTo,
		MaxQuestions: req.MaxQuestions,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, obj)
}

func (s *Server) handleListObjectives(c echo.Context) error {
	teamID := c.QueryParam("teamId")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "teamId is required")
	}
	objectives, err := s.svc.Objectives.List(c.Request().Context(), teamID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, objectives)
}

func (s *Server) handleGetObjective(c echo.Context) error {
	obj, err := s.svc.Objectives.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj)
}

// UpdateObjectiveRequest is the body for PATCH /api/v1/objectives/:id.
// Nil fields are unchanged.
type UpdateObjectiveRequest struct {
	Title        *string                    `json:"title,omitempty"`
	Description  *string                    `json:"description,omitempty"`
	Status       *objective.ObjectiveStatus `json:"status,omitempty"`
	MaxQuestions *int                       `json:"maxQuestions,omitempty"`
}

func (s *Server) handleUpdateObjective(c echo.Context) error {
	var req UpdateObjectiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	obj, err := s.svc.Objectives.Update(c.Request().Context(), c.Param("id"), objective.UpdateParams{
		Title:        req.Title,
		Description:  req.Description,
		Status:       req.Status,
		MaxQuestions: req.MaxQuestions,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, obj)
}
