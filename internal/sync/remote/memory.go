package remote

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
)

// Call records one successful mutation against a Memory remote.
type Call struct {
	Op       string // create or update
	Key      string
	ActionID string
	Version  int64
}

// Memory is an in-process Remote with failure and latency injection. It
// backs tests and offline demos.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]*Document
	failures []error
	calls    []Call
	fetches  int
	latency  time.Duration
	offline  bool
}

// NewMemory creates an empty Memory remote.
func NewMemory() *Memory {
	return &Memory{docs: make(map[string]*Document)}
}

// Seed stores doc as the current remote state, replacing any previous one.
func (m *Memory) Seed(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := doc
	m.docs[d.Key()] = &d
}

// Document returns a copy of the stored document, or nil.
func (m *Memory) Document(t models.EntityType, id string) *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[models.EntityKey(t, id)]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// FailNext makes the next len(errs) calls fail with errs in order. A call is
// any of Fetch, Create, Update or Ping.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	m.failures = append(m.failures, errs...)
	m.mu.Unlock()
}

// SetOffline makes every call fail with TransientNetwork until reset.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

// SetLatency delays every call. The delay honours context cancellation.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Calls returns the successful mutations in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Fetches returns how many Fetch calls were made.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// enter applies latency then injected failures.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.ErrTransientNetwork, op, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return apperrors.New(apperrors.ErrTransientNetwork, op+": remote unreachable")
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

// Fetch implements Remote.
func (m *Memory) Fetch(ctx context.Context, t models.EntityType, id string) (*Document, error) {
	if err := m.enter(ctx, "fetch"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++

	d, ok := m.docs[models.EntityKey(t, id)]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s not found", models.EntityKey(t, id))
	}
	cp := *d
	return &cp, nil
}

// Create implements Remote.
func (m *Memory) Create(ctx context.Context, t models.EntityType, id string, body interface{}, actionID string) (*Document, error) {
	if err := m.enter(ctx, "create"); err != nil {
		return nil, err
	}
	payload, err := mergePatch(nil, body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.EntityKey(t, id)
	if existing, ok := m.docs[key]; ok {
		if existing.LastActionID == actionID {
			cp := *existing
			return &cp, nil
		}
		return nil, apperrors.Newf(apperrors.ErrVersionConflict, "%s already exists", key)
	}

	d := &Document{EntityType: t, ID: id, Version: 1, Payload: payload, LastActionID: actionID}
	m.docs[key] = d
	m.calls = append(m.calls, Call{Op: "create", Key: key, ActionID: actionID, Version: 1})
	cp := *d
	return &cp, nil
}

// Update implements Remote.
func (m *Memory) Update(ctx context.Context, t models.EntityType, id string, patch interface{}, expectedVersion int64, actionID string) (*Document, error) {
	if err := m.enter(ctx, "update"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	key := models.EntityKey(t, id)
	d, ok := m.docs[key]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s not found", key)
	}
	if d.Version != expectedVersion {
		return nil, apperrors.Newf(apperrors.ErrVersionConflict,
			"%s is at version %d, expected %d", key, d.Version, expectedVersion)
	}

	merged, err := mergePatch(d.Payload, patch)
	if err != nil {
		return nil, err
	}
	d.Payload = merged
	d.Version++
	d.LastActionID = actionID
	m.calls = append(m.calls, Call{Op: "update", Key: key, ActionID: actionID, Version: d.Version})
	cp := *d
	return &cp, nil
}

// Ping implements Remote.
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, "ping")
}

// Payload decodes the stored document payload into a map, for assertions.
func (m *Memory) Payload(t models.EntityType, id string) map[string]interface{} {
	d := m.Document(t, id)
	if d == nil {
		return nil
	}
	var out map[string]interface{}
	json.Unmarshal(d.Payload, &out)
	return out
}

var (
	_ Remote = (*Memory)(nil)
	_ Remote = (*CouchDB)(nil)
)
