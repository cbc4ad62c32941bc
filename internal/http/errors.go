package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/corvidlabs/ravend/internal/ask"
	"github.com/corvidlabs/ravend/internal/escalation"
	"github.com/corvidlabs/ravend/internal/knowledge"
	"github.com/corvidlabs/ravend/internal/llm"
	"github.com/corvidlabs/ravend/internal/logging"
	"github.com/corvidlabs/ravend/internal/objective"
	"github.com/corvidlabs/ravend/internal/remember"
	"github.com/corvidlabs/ravend/internal/scope"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes. State-machine
// violations are conflicts, not bad requests: the request was well
// formed but arrived at the wrong moment.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scope.ErrScopeNotFound),
		errors.Is(err, knowledge.ErrFactNotFound),
		errors.Is(err, remember.ErrPreviewNotFound),
		errors.Is(err, escalation.ErrQuestionNotFound),
		errors.Is(err, objective.ErrObjectiveNotFound):
		return http.StatusNotFound

	case errors.Is(err, scope.ErrPermissionDenied):
		return http.StatusForbidden

	case errors.Is(err, remember.ErrPreviewExpired):
		return http.StatusGone

	case errors.Is(err, remember.ErrPreviewClosed),
		errors.Is(err, escalation.ErrNotOpen),
		errors.Is(err, escalation.ErrNotAnswered),
		errors.Is(err, escalation.ErrNotRavenAuthored),
		errors.Is(err, objective.ErrObjectiveCompleted),
		errors.Is(err, knowledge.ErrUnresolvedContradiction),
		errors.Is(err, scope.ErrRootExists):
		return http.StatusConflict

	case errors.Is(err, llm.ErrUnavailable):
		return http.StatusServiceUnavailable

	case errors.Is(err, scope.ErrInvalidParent),
		errors.Is(err, scope.ErrNotPublicScope),
		errors.Is(err, scope.ErrEmptyTeamID),
		errors.Is(err, scope.ErrEmptyName),
		errors.Is(err, scope.ErrEmptyOwnerID),
		errors.Is(err, knowledge.ErrEmptyScopeID),
		errors.Is(err, knowledge.ErrUnknownResolution),
		errors.Is(err, remember.ErrEmptyStatement),
		errors.Is(err, remember.ErrNoFacts),
		errors.Is(err, ask.ErrEmptyQuestion),
		errors.Is(err, escalation.ErrEmptyQuestion),
		errors.Is(err, escalation.ErrEmptyAnswer),
		errors.Is(err, objective.ErrEmptyTitle),
		errors.Is(err, objective.ErrInvalidStatus),
		errors.Is(err, objective.ErrInvalidBudget):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// errorHandler renders domain errors as JSON with mapped statuses.
func errorHandler(logger *logging.Logger, e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			e.DefaultHTTPErrorHandler(err, c)
			return
		}

		status := statusFor(err)
		if status == http.StatusInternalServerError {
			logger.Error(c.Request().Context(), "request failed",
				zap.String("uri", c.Request().RequestURI),
				zap.Error(err))
		}
		if !c.Response().Committed {
			_ = c.JSON(status, ErrorResponse{Error: err.Error()})
		}
	}
}
