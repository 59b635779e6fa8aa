package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/manager"
	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// bindBody binds a JSON body, tolerating an empty body for endpoints where
// every field is optional.
func bindBody(c *echo.Context, v any) error {
	if c.Request().Body == nil || c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}

// createLoopHandler handles POST /api/loops. Chat loops start their first
// turn immediately; regular loops wait for an explicit start unless created
// as drafts.
func (s *Server) createLoopHandler(c *echo.Context) error {
	var req CreateLoopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WorkspaceID == "" {
		return s.renderError(c, store.NewValidationError("workspaceId", "required"))
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return s.renderError(c, store.NewValidationError("prompt", "required"))
	}

	opts := manager.CreateLoopOptions{
		WorkspaceID:            req.WorkspaceID,
		Prompt:                 req.Prompt,
		Name:                   req.Name,
		Mode:                   models.LoopMode(req.Mode),
		Draft:                  req.Draft,
		PlanMode:               req.PlanMode,
		ClearPlanningFolder:    req.ClearPlanningFolder,
		StopPattern:            req.StopPattern,
		MaxIterations:          req.MaxIterations,
		MaxConsecutiveErrors:   req.MaxConsecutiveErrors,
		ActivityTimeoutSeconds: req.ActivityTimeoutSeconds,
		Model:                  req.Model,
		BranchPrefix:           req.BranchPrefix,
		CommitScope:            req.CommitScope,
		BaseBranch:             req.BaseBranch,
		GenerateName:           req.GenerateName,
	}

	var (
		lp  *models.Loop
		err error
	)
	if opts.Mode == models.ModeChat {
		lp, err = s.manager.CreateChat(c.Request().Context(), opts)
	} else {
		lp, err = s.manager.CreateLoop(c.Request().Context(), opts)
	}
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusCreated, lp)
}

// listLoopsHandler handles GET /api/loops. The workspaceId query parameter
// narrows the listing to one workspace.
func (s *Server) listLoopsHandler(c *echo.Context) error {
	loops, err := s.manager.ListLoops(c.Request().Context(), c.QueryParam("workspaceId"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, loops)
}

// getLoopHandler handles GET /api/loops/:id.
func (s *Server) getLoopHandler(c *echo.Context) error {
	lp, err := s.manager.GetLoop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, lp)
}

// updateLoopHandler handles PUT /api/loops/:id. Draft loops accept arbitrary
// config updates; any other status is restricted to the pending prompt and
// model, which the engine consumes on its next iteration.
func (s *Server) updateLoopHandler(c *echo.Context) error {
	id := c.Param("id")
	var req UpdateLoopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if len(req.Updates) > 0 {
		lp, err := s.manager.UpdateDraft(c.Request().Context(), id, req.Updates)
		if err != nil {
			return s.renderError(c, err)
		}
		return c.JSON(http.StatusOK, lp)
	}

	if req.PendingPrompt == "" && req.PendingModel == nil {
		return s.renderError(c, store.NewValidationError("updates", "nothing to update"))
	}
	if err := s.manager.InjectPending(c.Request().Context(), id, req.PendingPrompt, req.PendingModel); err != nil {
		return s.renderError(c, err)
	}
	lp, err := s.manager.GetLoop(c.Request().Context(), id)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, lp)
}

// deleteLoopHandler handles DELETE /api/loops/:id. Soft delete: the loop row
// survives with status deleted and the worktree is kept for inspection.
func (s *Server) deleteLoopHandler(c *echo.Context) error {
	if err := s.manager.DeleteLoop(c.Request().Context(), c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// loopJSON re-reads the loop and writes it as the response body. Action
// handlers share it so the caller always gets the post-action state.
func (s *Server) loopJSON(c *echo.Context, id string) error {
	lp, err := s.manager.GetLoop(c.Request().Context(), id)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, lp)
}

// startLoopHandler handles POST /api/loops/:id/start.
func (s *Server) startLoopHandler(c *echo.Context) error {
	id := c.Param("id")
	var req StartLoopRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	opts := manager.StartOptions{HandleUncommitted: req.HandleUncommitted}
	if err := s.manager.StartLoop(c.Request().Context(), id, opts); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// stopLoopHandler handles POST /api/loops/:id/stop.
func (s *Server) stopLoopHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.manager.StopLoop(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// acceptLoopHandler handles POST /api/loops/:id/accept. Merges the working
// branch back into the original branch.
func (s *Server) acceptLoopHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.manager.AcceptLoop(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// pushLoopHandler handles POST /api/loops/:id/push. Returns the sync result;
// when conflicts are found the push continues asynchronously after the
// resolution session finishes.
func (s *Server) pushLoopHandler(c *echo.Context) error {
	result, err := s.manager.PushLoop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// updateBranchHandler handles POST /api/loops/:id/update-branch.
func (s *Server) updateBranchHandler(c *echo.Context) error {
	result, err := s.manager.UpdateBranch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// discardLoopHandler handles POST /api/loops/:id/discard. Removes the
// worktree and working branch.
func (s *Server) discardLoopHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.manager.DiscardLoop(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}

// purgeLoopHandler handles POST /api/loops/:id/purge. Hard delete of a loop
// that already reached merged, pushed, or deleted.
func (s *Server) purgeLoopHandler(c *echo.Context) error {
	if err := s.manager.PurgeLoop(c.Request().Context(), c.Param("id")); err != nil {
		return s.renderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// startDraftHandler handles POST /api/loops/:id/draft/start.
func (s *Server) startDraftHandler(c *echo.Context) error {
	id := c.Param("id")
	var req StartDraftRequest
	if err := bindBody(c, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.manager.StartDraft(c.Request().Context(), id, req.PlanMode); err != nil {
		return s.renderError(c, err)
	}
	return s.loopJSON(c, id)
}
