package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/store"
)

// planFeedbackHandler handles POST /api/loops/:id/plan/feedback. Clears the
// ready flag and runs another planning round with the feedback as the prompt.
func (s *Server) planFeedbackHandler(c *echo.Context) error {
	id := c.Param("id")
	var req PlanFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Feedback) == "" {
		return s.renderError(c, store.NewValidationError("feedback", "required"))
	}
	if err := s.manager.SendPlanFeedback(c.Request().Context(), id, req.Feedback); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// planAcceptHandler handles POST /api/loops/:id/plan/accept. Suspending the
// plan session, the loop proceeds into its regular execution run.
func (s *Server) planAcceptHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.manager.AcceptPlan(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// planDiscardHandler handles POST /api/loops/:id/plan/discard.
func (s *Server) planDiscardHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.manager.DiscardPlan(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// pendingHandler handles POST /api/loops/:id/pending. Model validation runs
// before the status check, so a bad model is rejected even on loops that
// could not accept an injection anyway.
func (s *Server) pendingHandler(c *echo.Context) error {
	id := c.Param("id")
	var req PendingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" && req.Model == nil {
		return s.renderError(c, store.NewValidationError("message", "message or model is required"))
	}
	if err := s.manager.InjectPending(c.Request().Context(), id, req.Message, req.Model); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// chatMessageHandler handles POST /api/loops/:id/chat/message.
func (s *Server) chatMessageHandler(c *echo.Context) error {
	id := c.Param("id")
	var req ChatMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return s.renderError(c, store.NewValidationError("message", "required"))
	}
	if err := s.manager.SendChatMessage(c.Request().Context(), id, req.Message); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}
