package models

import (
	"encoding/json"
	"strings"
	"time"
)

// CachedEntity is the last known remote snapshot of an entity.
type CachedEntity struct {
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Version      int64           `json:"version"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	LastActionID string          `json:"last_action_id,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the entity's store key.
func (e *CachedEntity) Key() string {
	return EntityKey(e.EntityType, e.EntityID)
}

// EntityKey builds the key shared by the cache, conflicts and remote
// documents, e.g. "patient:P1".
func EntityKey(t EntityType, id string) string {
	return strings.ToLower(string(t)) + ":" + id
}
