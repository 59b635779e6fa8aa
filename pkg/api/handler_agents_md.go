package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/store"
)

const (
	agentsMDFileName = "AGENTS.md"

	guidanceBegin = "<!-- ralpher:guidance:begin -->"
	guidanceEnd   = "<!-- ralpher:guidance:end -->"
)

// readAgentsMD loads a workspace's AGENTS.md. A missing file is not an
// error; a file that exists but cannot be read is.
func readAgentsMD(dir string) (content string, exists bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, agentsMDFileName))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", true, err
	}
	return string(data), true, nil
}

// mergeGuidance splices the guidance block into the existing content. An
// existing managed block is replaced in place; otherwise the block is
// appended, keeping hand-written content untouched.
func mergeGuidance(existing, guidance string) string {
	block := guidanceBegin + "\n" + strings.TrimSpace(guidance) + "\n" + guidanceEnd

	begin := strings.Index(existing, guidanceBegin)
	end := strings.Index(existing, guidanceEnd)
	if begin >= 0 && end > begin {
		return existing[:begin] + block + existing[end+len(guidanceEnd):]
	}

	trimmed := strings.TrimRight(existing, "\n")
	if trimmed == "" {
		return block + "\n"
	}
	return trimmed + "\n\n" + block + "\n"
}

// getAgentsMDHandler handles GET /api/workspaces/:id/agents-md.
func (s *Server) getAgentsMDHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	content, exists, err := readAgentsMD(ws.Directory)
	if err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, AgentsMDResponse{Exists: exists, Content: content})
}

// previewAgentsMDHandler handles POST /api/workspaces/:id/agents-md/preview.
// Returns what optimize would write, without touching the file.
func (s *Server) previewAgentsMDHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	var req AgentsMDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return s.renderError(c, store.NewValidationError("content", "required"))
	}

	existing, exists, err := readAgentsMD(ws.Directory)
	if err != nil {
		return s.renderError(c, err)
	}
	merged := mergeGuidance(existing, req.Content)
	return c.JSON(http.StatusOK, AgentsMDResponse{Exists: exists, Content: merged})
}

// optimizeAgentsMDHandler handles POST /api/workspaces/:id/agents-md/optimize.
// Same merge as preview, but the result is written back to the workspace.
func (s *Server) optimizeAgentsMDHandler(c *echo.Context) error {
	ws, err := s.stores.Workspaces.GetWorkspace(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.renderError(c, err)
	}
	var req AgentsMDRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Content) == "" {
		return s.renderError(c, store.NewValidationError("content", "required"))
	}

	existing, _, err := readAgentsMD(ws.Directory)
	if err != nil {
		return s.renderError(c, err)
	}
	merged := mergeGuidance(existing, req.Content)
	if err := os.WriteFile(filepath.Join(ws.Directory, agentsMDFileName), []byte(merged), 0o644); err != nil {
		return s.renderError(c, err)
	}
	return c.JSON(http.StatusOK, AgentsMDResponse{Exists: true, Content: merged})
}
