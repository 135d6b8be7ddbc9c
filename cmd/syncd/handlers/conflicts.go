package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/conflict"
	"github.com/dentaldesk/syncd/pkg/response"
)

// ConflictHandler exposes the conflict resolution surface.
type ConflictHandler struct {
	resolver *conflict.Resolver
	stager   Stager
	validate *validator.Validate
}

// NewConflictHandler creates a new ConflictHandler. stager may be nil.
func NewConflictHandler(resolver *conflict.Resolver, stager Stager, validate *validator.Validate) *ConflictHandler {
	return &ConflictHandler{resolver: resolver, stager: stager, validate: validate}
}

// List handles GET /sync/conflicts
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	conflicts, err := h.resolver.ListConflicts(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, conflicts)
}

// Get handles GET /sync/conflicts/{id}
func (h *ConflictHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.resolver.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, c)
}

// History handles GET /sync/conflicts/history
func (h *ConflictHandler) History(w http.ResponseWriter, r *http.Request) {
	logs, err := h.resolver.History(r.Context())
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, logs)
}

type resolveRequest struct {
	Resolution models.Resolution `json:"resolution" validate:"required,oneof=KeepLocal KeepRemote Merged"`
	Merged     *payloadRequest   `json:"merged,omitempty" validate:"required_if=Resolution Merged"`
}

// Resolve handles POST /sync/conflicts/{id}/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, h.validate, &req); err != nil {
		response.FromError(w, err)
		return
	}

	var merged models.Payload
	if req.Resolution == models.Merged {
		p, err := req.Merged.decode()
		if err != nil {
			response.FromError(w, err)
			return
		}
		merged = p
	}

	release, err := stage(h.stager, merged)
	if err != nil {
		response.FromError(w, err)
		return
	}
	defer release()

	entry, err := h.resolver.Resolve(r.Context(), mux.Vars(r)["id"], req.Resolution, merged)
	if err != nil {
		response.FromError(w, err)
		return
	}
	response.Success(w, entry)
}
