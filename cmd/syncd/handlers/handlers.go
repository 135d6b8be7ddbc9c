// Package handlers provides the REST API of the local sync daemon.
package handlers

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/conflict"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/scheduler"
	"github.com/dentaldesk/syncd/pkg/response"
)

// Deps are the components the handlers operate on.
type Deps struct {
	Engine    *syncpkg.SyncEngine
	Queue     *queue.SyncQueue
	Resolver  *conflict.Resolver
	Scheduler *scheduler.Scheduler
	// Staging, when set, copies attachments before a payload is queued or
	// replaces a queued one.
	Staging Stager
}

// RegisterRoutes mounts every handler under /api/v1.
func RegisterRoutes(r *mux.Router, deps Deps) {
	validate := models.Validator()
	actions := NewActionHandler(deps.Queue, deps.Staging, validate)
	syncH := NewSyncHandler(deps.Engine, deps.Queue, deps.Scheduler, deps.Staging, validate)
	conflicts := NewConflictHandler(deps.Resolver, deps.Staging, validate)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", Health).Methods(http.MethodGet)

	api.HandleFunc("/actions", actions.Enqueue).Methods(http.MethodPost)

	api.HandleFunc("/sync/status", syncH.GetStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/now", syncH.SyncNow).Methods(http.MethodPost)
	api.HandleFunc("/sync/online", syncH.SetOnline).Methods(http.MethodPost)
	api.HandleFunc("/sync/queue", syncH.ListQueue).Methods(http.MethodGet)
	api.HandleFunc("/sync/queue", syncH.ClearQueue).Methods(http.MethodDelete)
	api.HandleFunc("/sync/queue/{id}/requeue", syncH.Requeue).Methods(http.MethodPost)
	api.HandleFunc("/sync/queue/{id}", syncH.Discard).Methods(http.MethodDelete)

	api.HandleFunc("/sync/conflicts", conflicts.List).Methods(http.MethodGet)
	api.HandleFunc("/sync/conflicts/history", conflicts.History).Methods(http.MethodGet)
	api.HandleFunc("/sync/conflicts/{id}", conflicts.Get).Methods(http.MethodGet)
	api.HandleFunc("/sync/conflicts/{id}/resolve", conflicts.Resolve).Methods(http.MethodPost)
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]string{"status": "ok", "service": "syncd"})
}

// payloadRequest is an action payload tagged with its kind.
type payloadRequest struct {
	Kind    models.ActionKind `json:"kind" validate:"required"`
	Payload json.RawMessage   `json:"payload" validate:"required"`
}

func (p *payloadRequest) decode() (models.Payload, error) {
	payload, err := models.DecodePayload(p.Kind, p.Payload)
	if err != nil {
		return nil, err
	}
	if err := models.ValidatePayload(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decode reads a JSON body into dst and validates it.
func decode(r *http.Request, validate *validator.Validate, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	if err := validate.Struct(dst); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request", err)
	}
	return nil
}

// stage stages p when a stager is configured. The returned func releases
// the staged files once p is committed.
func stage(s Stager, p models.Payload) (func(), error) {
	if s == nil || p == nil {
		return func() {}, nil
	}
	return s.Stage(p)
}

// locked runs fn under l.
func locked(l sync.Locker, fn func() error) error {
	l.Lock()
	defer l.Unlock()
	return fn()
}
