package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/models"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// checkServerSettings validates workspace server settings against the
// remote-only policy and fills the default mode.
func (s *Server) checkServerSettings(settings *models.ServerSettings) error {
	if settings.Mode == "" {
		settings.Mode = models.ServerModeSpawn
		if s.remoteOnly {
			settings.Mode = models.ServerModeConnect
		}
	}
	if !settings.Mode.IsValid() {
		return store.NewValidationError("serverSettings.mode", "unknown mode")
	}
	if s.remoteOnly && settings.Mode == models.ServerModeSpawn {
		return store.NewValidationError("serverSettings.mode", "spawn mode is disabled on this server")
	}
	if settings.Mode == models.ServerModeConnect && settings.Hostname == "" {
		return store.NewValidationError("serverSettings.hostname", "required for connect mode")
	}
	return nil
}

// createWorkspaceHandler handles POST /api/workspaces. A directory owns at
// most one workspace; on a duplicate the existing workspace rides along with
// the 409 so the UI can offer to open it instead.
func (s *Server) createWorkspaceHandler(c *echo.Context) error {
	var req CreateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	settings := models.ServerSettings{}
	if req.ServerSettings != nil {
		settings = *req.ServerSettings
	}
	if err := s.checkServerSettings(&settings); err != nil {
		return s.renderError(c, err)
	}

	ws, err := s.stores.Workspaces.CreateWorkspace(c.Request().Context(), &models.Workspace{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Directory:      req.Directory,
		ServerSettings: settings,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) && ws != nil {
			return c.JSON(http.StatusConflict, WorkspaceConflictResponse{
				Error:             "already_exists",
				ExistingWorkspace: ws,
			})
		}
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusCreated, ws)
}

// listWorkspacesHandler handles GET /api/workspaces.
func (s *Server) listWorkspacesHandler(c *echo.Context) error {
	workspaces, err := s.stores.Workspaces.ListWorkspaces(c.Request().Context())
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, workspaces)
}

// getWorkspaceHandler handles GET /api/workspaces/:id.
func (s *Server) getWorkspaceHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

// updateWorkspaceHandler handles PUT /api/workspaces/:id. Changing server
// settings resets the cached backend so the next operation reconnects with
// the new settings.
func (s *Server) updateWorkspaceHandler(c *echo.Context) error {
	id := c.Param("id")
	var req UpdateWorkspaceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), id)
	if err != nil {
		return s.renderError(c, err)
	}
	if req.Name != "" {
		ws.Name = req.Name
	}
	// A workspace is bound to its directory for life; loops reference it by
	// absolute path. Create a new workspace to track another directory.
	if req.Directory != "" && req.Directory != ws.Directory {
		return s.renderError(c, store.NewValidationError("directory", "cannot be changed"))
	}
	settingsChanged := false
	if req.ServerSettings != nil {
		settings := *req.ServerSettings
		if err := s.checkServerSettings(&settings); err != nil {
			return s.renderError(c, err)
		}
		ws.ServerSettings = settings
		settingsChanged = true
	}

	if err := s.stores.Workspaces.UpdateWorkspace(c.Request().Context(), ws); err != nil {
		return s.renderError(c, err)
	}
	if settingsChanged {
		s.backends.Reset(id)
	}
	return c.JSON(http.StatusOK, ws)
}

// deleteWorkspaceHandler handles DELETE /api/workspaces/:id. Loops cascade.
func (s *Server) deleteWorkspaceHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.stores.Workspaces.DeleteWorkspace(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	s.backends.Reset(id)
	return c.NoContent(http.StatusNoContent)
}

// getServerSettingsHandler handles GET /api/workspaces/:id/server-settings.
func (s *Server) getServerSettingsHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, ws.ServerSettings)
}

// updateServerSettingsHandler handles PUT /api/workspaces/:id/server-settings.
func (s *Server) updateServerSettingsHandler(c *echo.Context) error {
	id := c.Param("id")
	var settings models.ServerSettings
	if err := c.Bind(&settings); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.checkServerSettings(&settings); err != nil {
		return s.renderError(c, err)
	}

	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), id)
	if err != nil {
		return s.renderError(c, err)
	}
	ws.ServerSettings = settings
	if err := s.stores.Workspaces.UpdateWorkspace(c.Request().Context(), ws); err != nil {
		return s.renderError(c, err)
	}
	s.backends.Reset(id)
	return c.JSON(http.StatusOK, ws.ServerSettings)
}

// workspaceStatusHandler handles GET /api/workspaces/:id/status. Connects to
// the workspace's agent backend (reusing a cached connection when there is
// one) and reports reachability plus the available models. Connection
// failures are a 200 with connected=false, not an error: the workspace
// itself is fine.
func (s *Server) workspaceStatusHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}

	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	be, err := s.backends.ForWorkspace(reqCtx, ws)
	if err != nil {
		_, kind := errorKind(err)
		return c.JSON(http.StatusOK, WorkspaceStatusResponse{Connected: false, Error: kind})
	}

	resp := WorkspaceStatusResponse{
		Connected: be.IsConnected(),
		Backend:   be.Name(),
		ServerURL: be.ServerURL(),
	}
	if infos, err := be.ListModels(reqCtx); err == nil {
		resp.Models = infos
	}
	return c.JSON(http.StatusOK, resp)
}

// resetWorkspaceHandler handles POST /api/workspaces/:id/reset. Drops the
// cached backend connection; the next operation reconnects from scratch.
func (s *Server) resetWorkspaceHandler(c *echo.Context) error {
	id := c.Param("id")
	if _, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), id); err != nil {
		return s.renderError(c, err)
	}
	s.backends.Reset(id)
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}
