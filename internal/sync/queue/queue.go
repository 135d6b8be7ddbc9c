// Package queue provides the durable action queue for offline mutations.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentaldesk/syncd/internal/db"
	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
)

// DefaultMaxSize bounds the number of queued actions.
const DefaultMaxSize = 10000

// SyncQueue is an ordered log of pending mutations kept in the local store.
// Enqueue never touches the network.
type SyncQueue struct {
	store   db.Store
	maxSize int

	// mu serializes capacity checks with inserts.
	mu sync.Mutex

	hookMu    sync.RWMutex
	onEnqueue func()

	now func() time.Time
}

// Option configures a SyncQueue.
type Option func(*SyncQueue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *SyncQueue) { q.now = now }
}

// NewSyncQueue creates a queue over store holding at most maxSize actions.
// A maxSize of zero or less uses DefaultMaxSize.
func NewSyncQueue(store db.Store, maxSize int, opts ...Option) *SyncQueue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &SyncQueue{
		store:   store,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetOnEnqueue registers the hook fired after every successful enqueue or
// requeue, normally the sync engine's drain trigger.
func (q *SyncQueue) SetOnEnqueue(fn func()) {
	q.hookMu.Lock()
	q.onEnqueue = fn
	q.hookMu.Unlock()
}

func (q *SyncQueue) fireEnqueue() {
	q.hookMu.RLock()
	fn := q.onEnqueue
	q.hookMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Enqueue validates payload and appends it to the queue. A zero baseVersion
// is filled from the cached entity version; creates must leave it zero.
//
// The version lookup, capacity check and insert commit in one transaction,
// so a drain that rebases the entity meanwhile either sees the new action or
// has already updated the cache it reads.
func (q *SyncQueue) Enqueue(ctx context.Context, payload models.Payload, baseVersion int64) (*models.QueuedAction, error) {
	if err := models.ValidatePayload(payload); err != nil {
		return nil, err
	}
	if payload.Kind().IsCreate() && baseVersion != 0 {
		return nil, apperrors.Newf(apperrors.ErrInvalid,
			"%s creates a new document and takes no base version (got %d)", payload.Kind(), baseVersion)
	}

	action := &models.QueuedAction{
		ID:          uuid.New().String(),
		Kind:        payload.Kind(),
		Payload:     payload,
		EnqueuedAt:  q.now().UTC(),
		BaseVersion: baseVersion,
		Status:      models.ActionPending,
	}

	q.mu.Lock()
	err := q.store.WithTx(ctx, func(tx db.Records) error {
		if action.BaseVersion == 0 && !action.Kind.IsCreate() {
			version, err := cachedVersion(ctx, tx, payload.EntityType(), payload.EntityID())
			if err != nil {
				return err
			}
			action.BaseVersion = version
		}
		records, err := tx.GetAll(ctx, db.ActionQueue)
		if err != nil {
			return err
		}
		if len(records) >= q.maxSize {
			return apperrors.Newf(apperrors.ErrQueueFull, "queue is full (max size: %d)", q.maxSize)
		}
		return tx.Put(ctx, db.ActionQueue, action.ID, action)
	})
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logging.Info("queue: enqueued action", map[string]interface{}{
		"action_id":    action.ID,
		"kind":         action.Kind,
		"entity":       action.EntityKey(),
		"base_version": action.BaseVersion,
	})

	q.fireEnqueue()
	return action, nil
}

func cachedVersion(ctx context.Context, r db.Records, t models.EntityType, id string) (int64, error) {
	var cached models.CachedEntity
	err := r.Get(ctx, db.CachedEntities, models.EntityKey(t, id), &cached)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cached.Version, nil
}

// PeekOptions narrows PeekNext.
type PeekOptions struct {
	// EntityID restricts the result to one entity id.
	EntityID string
	// Skip holds entity keys the caller already gave up on this cycle.
	Skip map[string]bool
	// Now is the reference time for backoff deadlines; zero means the
	// queue's clock.
	Now time.Time
	// IgnoreBackoff treats waiting actions as due. Poisoned actions still
	// block their entity.
	IgnoreBackoff bool
}

// PeekNext returns the oldest action that may be applied now, or nil.
//
// An entity is blocked while it has an unresolved conflict, or while an
// earlier action of it is poisoned or waiting for its retry deadline. Later
// actions of a blocked entity are left in place so per-entity order holds;
// unrelated entities keep draining.
func (q *SyncQueue) PeekNext(ctx context.Context, opts PeekOptions) (*models.QueuedAction, error) {
	now := opts.Now
	if now.IsZero() {
		now = q.now()
	}

	actions, err := q.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	blocked, err := q.conflictedEntities(ctx)
	if err != nil {
		return nil, err
	}
	for key := range opts.Skip {
		blocked[key] = true
	}

	for _, a := range actions {
		key := a.EntityKey()
		if blocked[key] {
			continue
		}
		if a.IsPoisoned() || (!opts.IgnoreBackoff && !a.IsDue(now)) {
			blocked[key] = true
			continue
		}
		if opts.EntityID != "" && a.EntityID() != opts.EntityID {
			continue
		}
		return a, nil
	}
	return nil, nil
}

// BlockedEntities returns the entity keys that currently have an unresolved
// conflict.
func (q *SyncQueue) BlockedEntities(ctx context.Context) (map[string]bool, error) {
	return q.conflictedEntities(ctx)
}

func (q *SyncQueue) conflictedEntities(ctx context.Context) (map[string]bool, error) {
	records, err := q.store.GetAll(ctx, db.SyncConflicts)
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]bool, len(records))
	for _, r := range records {
		var c models.ConflictRecord
		if err := r.Decode(&c); err != nil {
			return nil, err
		}
		if !c.Resolved {
			blocked[c.EntityKey()] = true
		}
	}
	return blocked, nil
}

// ListPending returns every queued action in enqueue order, including
// poisoned ones. It has no side effects.
func (q *SyncQueue) ListPending(ctx context.Context) ([]*models.QueuedAction, error) {
	records, err := q.store.GetAll(ctx, db.ActionQueue)
	if err != nil {
		return nil, err
	}
	actions := make([]*models.QueuedAction, 0, len(records))
	for _, r := range records {
		a := &models.QueuedAction{}
		if err := r.Decode(a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Get returns one queued action.
func (q *SyncQueue) Get(ctx context.Context, id string) (*models.QueuedAction, error) {
	a := &models.QueuedAction{}
	if err := q.store.Get(ctx, db.ActionQueue, id, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update rewrites an action in place, keeping its queue position.
func (q *SyncQueue) Update(ctx context.Context, a *models.QueuedAction) error {
	if _, err := q.Get(ctx, a.ID); err != nil {
		return err
	}
	return q.store.Put(ctx, db.ActionQueue, a.ID, a)
}

// Remove deletes an action after its remote application was confirmed.
func (q *SyncQueue) Remove(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	if err := q.store.Delete(ctx, db.ActionQueue, id); err != nil {
		return err
	}
	logging.Debug("queue: removed action", map[string]interface{}{"action_id": id})
	return nil
}

// Discard deletes an action on explicit user request.
func (q *SyncQueue) Discard(ctx context.Context, id string) error {
	a, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, db.ActionQueue, id); err != nil {
		return err
	}
	logging.Warn("queue: action discarded by user", map[string]interface{}{
		"action_id": id,
		"kind":      a.Kind,
		"entity":    a.EntityKey(),
		"status":    a.Status,
	})
	return nil
}

// Requeue returns a poisoned or backing-off action to automatic retry with a
// fresh attempt count. A non-nil payload replaces the action's payload and
// must target the same kind and entity.
func (q *SyncQueue) Requeue(ctx context.Context, id string, payload models.Payload) (*models.QueuedAction, error) {
	a, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if payload != nil {
		if err := models.ValidatePayload(payload); err != nil {
			return nil, err
		}
		if payload.Kind() != a.Kind || payload.EntityID() != a.EntityID() {
			return nil, apperrors.Newf(apperrors.ErrInvalid,
				"edited payload must be a %s for %s", a.Kind, a.EntityKey())
		}
		a.Payload = payload
	}

	a.Status = models.ActionPending
	a.Attempts = 0
	a.NextRetryAt = time.Time{}
	a.PoisonedAt = time.Time{}
	a.LastError = ""

	if err := q.store.Put(ctx, db.ActionQueue, a.ID, a); err != nil {
		return nil, err
	}

	logging.Info("queue: action requeued", map[string]interface{}{
		"action_id": a.ID,
		"edited":    payload != nil,
	})

	q.fireEnqueue()
	return a, nil
}

// Clear removes every queued action and every conflict. The removal is
// irreversible.
func (q *SyncQueue) Clear(ctx context.Context) (int, error) {
	var removed int
	err := q.store.WithTx(ctx, func(tx db.Records) error {
		records, err := tx.GetAll(ctx, db.ActionQueue)
		if err != nil {
			return err
		}
		removed = len(records)
		if err := tx.Clear(ctx, db.ActionQueue); err != nil {
			return err
		}
		return tx.Clear(ctx, db.SyncConflicts)
	})
	if err != nil {
		return 0, err
	}

	logging.Warn("queue: cleared", map[string]interface{}{"removed": removed})
	return removed, nil
}

// Size returns the number of queued actions.
func (q *SyncQueue) Size(ctx context.Context) (int, error) {
	records, err := q.store.GetAll(ctx, db.ActionQueue)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Stats summarizes the queue.
type Stats struct {
	Total    int `json:"total"`
	Ready    int `json:"ready"`
	Waiting  int `json:"waiting"`
	Blocked  int `json:"blocked"`
	Poisoned int `json:"poisoned"`
}

// GetStats returns queue statistics. Actions behind a conflict count as
// blocked regardless of their own state.
func (q *SyncQueue) GetStats(ctx context.Context) (Stats, error) {
	actions, err := q.ListPending(ctx)
	if err != nil {
		return Stats{}, err
	}
	blocked, err := q.conflictedEntities(ctx)
	if err != nil {
		return Stats{}, err
	}

	now := q.now()
	var s Stats
	for _, a := range actions {
		s.Total++
		switch {
		case a.IsPoisoned():
			s.Poisoned++
		case blocked[a.EntityKey()]:
			s.Blocked++
		case !a.IsDue(now):
			s.Waiting++
		default:
			s.Ready++
		}
	}
	return s, nil
}
