// Package remote defines the hosted document service the sync engine
// replays actions against, with CouchDB and in-memory implementations.
package remote

import (
	"context"
	"encoding/json"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
)

// Document is the remote state of one entity.
type Document struct {
	EntityType models.EntityType `json:"type"`
	ID         string            `json:"entity_id"`
	Version    int64             `json:"version"`
	Payload    json.RawMessage   `json:"data"`
	// LastActionID is the id of the queued action that produced this
	// version, used to recognize redelivered actions.
	LastActionID string `json:"last_action_id,omitempty"`
}

// Key returns the document key, e.g. "patient:P1".
func (d *Document) Key() string {
	return models.EntityKey(d.EntityType, d.ID)
}

// Remote is the hosted document service.
//
// Errors carry codes from internal/errors: NotFound for absent documents,
// VersionConflict when expectedVersion no longer matches, ValidationRejected
// when the service refuses the payload, and TransientNetwork for everything
// worth retrying.
type Remote interface {
	Fetch(ctx context.Context, t models.EntityType, id string) (*Document, error)
	Create(ctx context.Context, t models.EntityType, id string, body interface{}, actionID string) (*Document, error)
	Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expectedVersion int64, actionID string) (*Document, error)
	Ping(ctx context.Context) error
}

// mergePatch overlays the top-level fields of patch onto base.
func mergePatch(base json.RawMessage, patch interface{}) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(base) > 0 && string(base) != "null" {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternal, "decode remote document", err)
		}
	}

	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "encode patch", err)
	}
	changes := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &changes); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "patch must be an object", err)
	}
	for k, v := range changes {
		fields[k] = v
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode merged document", err)
	}
	return merged, nil
}
