package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/scheduler"
	"github.com/dentaldesk/syncd/pkg/response"
)

// SyncHandler handles sync status and the manual queue controls.
type SyncHandler struct {
	engine    *syncpkg.SyncEngine
	queue     *queue.SyncQueue
	scheduler *scheduler.Scheduler
	stager    Stager
	validate  *validator.Validate
}

// NewSyncHandler creates a new SyncHandler. stager may be nil.
func NewSyncHandler(engine *syncpkg.SyncEngine, q *queue.SyncQueue, s *scheduler.Scheduler, stager Stager, validate *validator.Validate) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		queue:     q,
		scheduler: s,
		stager:    stager,
		validate:  validate,
	}
}

// GetStatus handles GET /sync/status
// Returns engine status, last sync time, connectivity and queue statistics.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.scheduler.GetStatus(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, status)
}

// SyncNow handles POST /sync/now
// Runs a forced drain and waits for it. A drain already in progress answers
// 409 and schedules a rerun.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.scheduler.SyncNow(r.Context())
	if result == nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, result)
}

type onlineRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// SetOnline handles POST /sync/online
// The UI reports connectivity changes; going online starts a drain.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decode(r, h.validate, &req); err != nil {
		response.FromError(w, err)
		return
	}
	h.scheduler.SetOnlineStatus(*req.Online)
	response.Success(w, map[string]bool{"online": h.scheduler.IsOnline()})
}

// ListQueue handles GET /sync/queue
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	actions, err := h.queue.ListPending(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	if actions == nil {
		actions = []*models.QueuedAction{}
	}
	response.Success(w, actions)
}

// ClearQueue handles DELETE /sync/queue?confirm=true
// Irreversibly removes every queued action and conflict.
func (h *SyncHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		response.FromError(w, apperrors.New(apperrors.ErrConfirmRequired,
			"clearing the queue discards unsynced changes; repeat with confirm=true"))
		return
	}

	removed, err := h.engine.ClearQueue(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]int{"removed": removed})
}

// Requeue handles POST /sync/queue/{id}/requeue
// An empty body retries the action as is; a body carrying kind and payload
// replaces the payload first.
func (h *SyncHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var payload models.Payload
	if r.ContentLength != 0 {
		var req payloadRequest
		if err := decode(r, h.validate, &req); err != nil {
			response.FromError(w, err)
			return
		}
		p, err := req.decode()
		if err != nil {
			response.FromError(w, err)
			return
		}
		payload = p
	}

	release, err := stage(h.stager, payload)
	if err != nil {
		response.FromError(w, err)
		return
	}
	defer release()

	var action *models.QueuedAction
	err = locked(h.engine.Locker(), func() error {
		var err error
		action, err = h.queue.Requeue(r.Context(), id, payload)
		return err
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, action)
}

// Discard handles DELETE /sync/queue/{id}
func (h *SyncHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := locked(h.engine.Locker(), func() error {
		return h.queue.Discard(r.Context(), id)
	})
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, map[string]string{"discarded": id})
}
