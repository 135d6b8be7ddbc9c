package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/pkg/response"
)

// Stager copies the files an action references into durable storage. The
// copies stay pinned until release is called.
type Stager interface {
	Stage(payload models.Payload) (release func(), err error)
}

// ActionHandler records UI mutations in the queue.
type ActionHandler struct {
	queue    *queue.SyncQueue
	stager   Stager
	validate *validator.Validate
}

// NewActionHandler creates a new ActionHandler. stager may be nil.
func NewActionHandler(q *queue.SyncQueue, stager Stager, validate *validator.Validate) *ActionHandler {
	return &ActionHandler{queue: q, stager: stager, validate: validate}
}

type enqueueRequest struct {
	payloadRequest
	// BaseVersion is the remote version the UI edited; zero takes the
	// cached version.
	BaseVersion int64 `json:"base_version" validate:"gte=0"`
}

// Enqueue handles POST /actions
// The action is durable once this returns; replay happens in the background.
func (h *ActionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, h.validate, &req); err != nil {
		response.FromError(w, err)
		return
	}

	payload, err := req.decode()
	if err != nil {
		response.FromError(w, err)
		return
	}

	release, err := stage(h.stager, payload)
	if err != nil {
		response.FromError(w, err)
		return
	}
	defer release()

	action, err := h.queue.Enqueue(r.Context(), payload, req.BaseVersion)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Created(w, action)
}
