package models

import (
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

// ActionKind tags a queued action's payload variant.
type ActionKind string

const (
	KindCreateAppointment ActionKind = "CreateAppointment"
	KindUpdateAppointment ActionKind = "UpdateAppointment"
	KindUpdatePatient     ActionKind = "UpdatePatient"
	KindRegisterPatient   ActionKind = "RegisterPatient"
	KindUpdateStatus      ActionKind = "UpdateStatus"
)

// AllKinds lists every action kind in a stable order.
var AllKinds = []ActionKind{
	KindRegisterPatient,
	KindUpdatePatient,
	KindCreateAppointment,
	KindUpdateAppointment,
	KindUpdateStatus,
}

// IsCreate reports whether the kind creates a new remote document.
// Creates skip the remote version fetch.
func (k ActionKind) IsCreate() bool {
	return k == KindRegisterPatient || k == KindCreateAppointment
}

// Payload is the strongly shaped body of a queued action.
type Payload interface {
	Kind() ActionKind
	EntityType() EntityType
	EntityID() string
	// Body is the value written to the remote document: a full record for
	// creates, a field patch for updates.
	Body() interface{}
}

// AttachmentCarrier is implemented by payloads that reference files which must
// be uploaded before the mutation is submitted.
type AttachmentCarrier interface {
	Attachments() []Attachment
}

// ActionStatus is the retry state of a queued action.
type ActionStatus string

const (
	ActionPending  ActionStatus = "pending"
	ActionPoisoned ActionStatus = "poisoned"
)

// QueuedAction is a durable, not yet confirmed mutation.
type QueuedAction struct {
	ID          string       `json:"id"`
	Kind        ActionKind   `json:"kind"`
	Payload     Payload      `json:"-"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
	BaseVersion int64        `json:"base_version"`
	Attempts    int          `json:"attempts"`
	Status      ActionStatus `json:"status"`
	NextRetryAt time.Time    `json:"next_retry_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	PoisonedAt  time.Time    `json:"poisoned_at,omitempty"`
}

// EntityType returns the payload's target entity type.
func (a *QueuedAction) EntityType() EntityType {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.EntityType()
}

// EntityID returns the payload's target entity id.
func (a *QueuedAction) EntityID() string {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.EntityID()
}

// EntityKey returns the store key of the action's target entity.
func (a *QueuedAction) EntityKey() string {
	return EntityKey(a.EntityType(), a.EntityID())
}

// IsPoisoned reports whether the action is excluded from automatic retry.
func (a *QueuedAction) IsPoisoned() bool {
	return a.Status == ActionPoisoned
}

// IsDue reports whether the action's backoff deadline has passed.
func (a *QueuedAction) IsDue(now time.Time) bool {
	return a.NextRetryAt.IsZero() || !now.Before(a.NextRetryAt)
}

type queuedActionJSON struct {
	ID          string          `json:"id"`
	Kind        ActionKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	BaseVersion int64           `json:"base_version"`
	Attempts    int             `json:"attempts"`
	Status      ActionStatus    `json:"status"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	PoisonedAt  *time.Time      `json:"poisoned_at,omitempty"`
}

// MarshalJSON encodes the action with its payload under "payload".
func (a QueuedAction) MarshalJSON() ([]byte, error) {
	if a.Payload == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "action has no payload")
	}
	raw, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", a.Kind, err)
	}
	return json.Marshal(queuedActionJSON{
		ID:          a.ID,
		Kind:        a.Payload.Kind(),
		Payload:     raw,
		EnqueuedAt:  a.EnqueuedAt,
		BaseVersion: a.BaseVersion,
		Attempts:    a.Attempts,
		Status:      a.Status,
		NextRetryAt: timePtr(a.NextRetryAt),
		LastError:   a.LastError,
		PoisonedAt:  timePtr(a.PoisonedAt),
	})
}

// UnmarshalJSON decodes the payload variant selected by "kind".
func (a *QueuedAction) UnmarshalJSON(data []byte) error {
	var raw queuedActionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Kind, raw.Payload)
	if err != nil {
		return err
	}
	*a = QueuedAction{
		ID:          raw.ID,
		Kind:        raw.Kind,
		Payload:     payload,
		EnqueuedAt:  raw.EnqueuedAt,
		BaseVersion: raw.BaseVersion,
		Attempts:    raw.Attempts,
		Status:      raw.Status,
		LastError:   raw.LastError,
	}
	if raw.NextRetryAt != nil {
		a.NextRetryAt = *raw.NextRetryAt
	}
	if raw.PoisonedAt != nil {
		a.PoisonedAt = *raw.PoisonedAt
	}
	if a.Status == "" {
		a.Status = ActionPending
	}
	return nil
}

// NewPayload returns an empty payload of the given kind.
func NewPayload(kind ActionKind) (Payload, error) {
	switch kind {
	case KindRegisterPatient:
		return &RegisterPatient{}, nil
	case KindUpdatePatient:
		return &UpdatePatient{}, nil
	case KindCreateAppointment:
		return &CreateAppointment{}, nil
	case KindUpdateAppointment:
		return &UpdateAppointment{}, nil
	case KindUpdateStatus:
		return &UpdateStatus{}, nil
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown action kind %q", kind)
	}
}

// DecodePayload decodes raw JSON into the payload variant for kind.
func DecodePayload(kind ActionKind, raw json.RawMessage) (Payload, error) {
	payload, err := NewPayload(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "%s payload is empty", kind)
	}
	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("decode %s payload", kind), err)
	}
	return payload, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
