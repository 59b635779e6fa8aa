// Package api exposes the loop orchestrator over HTTP and WebSocket.
package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/database"
	"github.com/ralphlabs/ralpher/pkg/events"
	"github.com/ralphlabs/ralpher/pkg/manager"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// Server holds the handler dependencies. All loop mutations go through the
// manager; reads go through the manager too so live engine state overlays
// the persisted rows.
type Server struct {
	manager     *manager.Manager
	stores      *store.Stores
	backends    *backend.Manager
	connManager *events.ConnectionManager
	dbClient    *database.Client

	// remoteOnly rejects spawn-mode workspace settings.
	remoteOnly bool
}

// NewServer creates the API server.
func NewServer(mgr *manager.Manager, stores *store.Stores, backends *backend.Manager, connManager *events.ConnectionManager, dbClient *database.Client, remoteOnly bool) *Server {
	return &Server{
		manager:     mgr,
		stores:      stores,
		backends:    backends,
		connManager: connManager,
		dbClient:    dbClient,
		remoteOnly:  remoteOnly,
	}
}

// RegisterRoutes attaches every handler to the echo instance.
func (s *Server) RegisterRoutes(e *echo.Echo) {
	e.Use(securityHeaders())

	e.GET("/api/health", s.healthHandler)
	e.GET("/api/ws", s.wsHandler)

	e.POST("/api/loops", s.createLoopHandler)
	e.GET("/api/loops", s.listLoopsHandler)
	e.GET("/api/loops/:id", s.getLoopHandler)
	e.PUT("/api/loops/:id", s.updateLoopHandler)
	e.DELETE("/api/loops/:id", s.deleteLoopHandler)

	e.POST("/api/loops/:id/start", s.startLoopHandler)
	e.POST("/api/loops/:id/stop", s.stopLoopHandler)
	e.POST("/api/loops/:id/accept", s.acceptLoopHandler)
	e.POST("/api/loops/:id/push", s.pushLoopHandler)
	e.POST("/api/loops/:id/update-branch", s.updateBranchHandler)
	e.POST("/api/loops/:id/discard", s.discardLoopHandler)
	e.POST("/api/loops/:id/purge", s.purgeLoopHandler)
	e.POST("/api/loops/:id/draft/start", s.startDraftHandler)

	e.POST("/api/loops/:id/plan/feedback", s.planFeedbackHandler)
	e.POST("/api/loops/:id/plan/accept", s.planAcceptHandler)
	e.POST("/api/loops/:id/plan/discard", s.planDiscardHandler)
	e.POST("/api/loops/:id/pending", s.pendingHandler)
	e.POST("/api/loops/:id/chat/message", s.chatMessageHandler)

	e.GET("/api/loops/:id/review-comments", s.listReviewCommentsHandler)
	e.POST("/api/loops/:id/review-comments", s.addReviewCommentHandler)
	e.POST("/api/review-comments/:id/address", s.addressReviewCommentHandler)

	e.POST("/api/workspaces", s.createWorkspaceHandler)
	e.GET("/api/workspaces", s.listWorkspacesHandler)
	e.GET("/api/workspaces/:id", s.getWorkspaceHandler)
	e.PUT("/api/workspaces/:id", s.updateWorkspaceHandler)
	e.DELETE("/api/workspaces/:id", s.deleteWorkspaceHandler)
	e.GET("/api/workspaces/:id/server-settings", s.getServerSettingsHandler)
	e.PUT("/api/workspaces/:id/server-settings", s.updateServerSettingsHandler)
	e.GET("/api/workspaces/:id/status", s.workspaceStatusHandler)
	e.POST("/api/workspaces/:id/reset", s.resetWorkspaceHandler)

	e.GET("/api/workspaces/:id/agents-md", s.getAgentsMDHandler)
	e.POST("/api/workspaces/:id/agents-md/preview", s.previewAgentsMDHandler)
	e.POST("/api/workspaces/:id/agents-md/optimize", s.optimizeAgentsMDHandler)
}
