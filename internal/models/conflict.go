package models

import (
	"encoding/json"
	"time"
)

// Resolution is a human decision on a conflict.
type Resolution string

const (
	KeepLocal  Resolution = "KeepLocal"
	KeepRemote Resolution = "KeepRemote"
	Merged     Resolution = "Merged"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == KeepLocal || r == KeepRemote || r == Merged
}

// ConflictRecord captures a divergence between the version an action was
// based on and the remote's version at apply time.
type ConflictRecord struct {
	ID            string          `json:"id"`
	ActionID      string          `json:"action_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	BaseVersion   int64           `json:"base_version"`
	RemoteVersion int64           `json:"remote_version"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	DetectedAt    time.Time       `json:"detected_at"`
	Resolved      bool            `json:"resolved"`
	Resolution    Resolution      `json:"resolution,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// EntityKey returns the store key of the conflicting entity.
func (c *ConflictRecord) EntityKey() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// RemoteMissing reports whether the remote document did not exist when the
// conflict was detected.
func (c *ConflictRecord) RemoteMissing() bool {
	return c.RemoteVersion == 0
}

// ConflictLog is the audit entry written when a conflict is resolved.
type ConflictLog struct {
	ID            string     `json:"id"`
	ConflictID    string     `json:"conflict_id"`
	ActionID      string     `json:"action_id"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	BaseVersion   int64      `json:"base_version"`
	RemoteVersion int64      `json:"remote_version"`
	Resolution    Resolution `json:"resolution"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    time.Time  `json:"resolved_at"`
}
