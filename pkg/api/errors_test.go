package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ralphlabs/ralpher/pkg/backend"
	"github.com/ralphlabs/ralpher/pkg/loop"
	"github.com/ralphlabs/ralpher/pkg/manager"
	"github.com/ralphlabs/ralpher/pkg/store"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"validation", store.NewValidationError("name", "required"), http.StatusBadRequest, "validation_failed"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped not found", fmt.Errorf("loading loop: %w", store.ErrNotFound), http.StatusNotFound, "not_found"},
		{"already exists", store.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{"already in progress", manager.ErrAlreadyInProgress, http.StatusConflict, "already_in_progress"},
		{"not draft", manager.ErrNotDraft, http.StatusBadRequest, "not_draft"},
		{"not running", manager.ErrNotRunning, http.StatusBadRequest, "not_running"},
		{"not startable", manager.ErrNotStartable, http.StatusBadRequest, "not_startable"},
		{"uncommitted changes", manager.ErrUncommittedChanges, http.StatusConflict, "uncommitted_changes"},
		{"push failed", manager.ErrPushFailed, http.StatusConflict, "push_failed"},
		{"update branch failed", manager.ErrUpdateBranchFailed, http.StatusConflict, "update_branch_failed"},
		{"accept failed", manager.ErrAcceptFailed, http.StatusConflict, "accept_failed"},
		{"discard failed", manager.ErrDiscardFailed, http.StatusConflict, "discard_failed"},
		{"not planning", loop.ErrNotPlanning, http.StatusBadRequest, "not_planning"},
		{"plan not ready", loop.ErrPlanNotReady, http.StatusBadRequest, "plan_not_ready"},
		{"chat unavailable", loop.ErrChatUnavailable, http.StatusConflict, "chat_unavailable"},
		{"model not enabled", backend.ErrModelNotEnabled, http.StatusConflict, "model_not_enabled"},
		{"model not found", backend.ErrModelNotFound, http.StatusConflict, "model_not_found"},
		{"provider not found", backend.ErrProviderNotFound, http.StatusConflict, "provider_not_found"},
		{"connection failed", backend.ErrConnectionFailed, http.StatusBadGateway, "connection_failed"},
		{"connection timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, "connection_timeout"},
		{"unexpected", errors.New("disk on fire"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, kind := errorKind(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantKind, kind)
		})
	}
}
