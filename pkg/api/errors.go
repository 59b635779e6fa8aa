package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/loop"
	"github.com/ralphlabs/ralpher/pkg/manager"
	"github.com/ralphlabs/ralpher/pkg/store"
)

// ErrorResponse is the wire shape of every error the API returns. Error is
// the machine-readable kind; Message carries detail when there is any.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// errorKind classifies a service-layer error into its wire kind and HTTP
// status. Unrecognized errors become 500 internal.
func errorKind(err error) (int, string) {
	var validErr *store.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, "validation_failed"
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"

	case errors.Is(err, manager.ErrAlreadyInProgress):
		return http.StatusConflict, "already_in_progress"
	case errors.Is(err, manager.ErrNotDraft):
		return http.StatusBadRequest, "not_draft"
	case errors.Is(err, manager.ErrNotRunning):
		return http.StatusBadRequest, "not_running"
	case errors.Is(err, manager.ErrNotStartable):
		return http.StatusBadRequest, "not_startable"
	case errors.Is(err, manager.ErrUncommittedChanges):
		return http.StatusConflict, "uncommitted_changes"
	case errors.Is(err, manager.ErrPushFailed):
		return http.StatusConflict, "push_failed"
	case errors.Is(err, manager.ErrUpdateBranchFailed):
		return http.StatusConflict, "update_branch_failed"
	case errors.Is(err, manager.ErrAcceptFailed):
		return http.StatusConflict, "accept_failed"
	case errors.Is(err, manager.ErrDiscardFailed):
		return http.StatusConflict, "discard_failed"

	case errors.Is(err, loop.ErrNotPlanning):
		return http.StatusBadRequest, "not_planning"
	case errors.Is(err, loop.ErrPlanNotReady):
		return http.StatusBadRequest, "plan_not_ready"
	case errors.Is(err, loop.ErrChatUnavailable):
		return http.StatusConflict, "chat_unavailable"

	case errors.Is(err, backend.ErrModelNotEnabled):
		return http.StatusConflict, "model_not_enabled"
	case errors.Is(err, backend.ErrModelNotFound):
		return http.StatusConflict, "model_not_found"
	case errors.Is(err, backend.ErrProviderNotFound):
		return http.StatusConflict, "provider_not_found"
	case errors.Is(err, backend.ErrConnectionFailed):
		return http.StatusBadGateway, "connection_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "connection_timeout"
	}

	return http.StatusInternalServerError, "internal"
}

// renderError writes the mapped error response. Internal errors are logged;
// expected rejections are not.
func (s *Server) renderError(c *echo.Context, err error) error {
	status, kind := errorKind(err)

	resp := ErrorResponse{Error: kind}
	if kind == "internal" {
		slog.Error("Unexpected service error", "error", err)
	} else {
		resp.Message = err.Error()
	}
	return c.JSON(status, resp)
}
