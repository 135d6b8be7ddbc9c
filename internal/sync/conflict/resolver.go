// Package conflict detects version conflicts and applies the human
// decisions that resolve them.
package conflict

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dentaldesk/syncd/internal/db"
	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

// NewRecord builds an unresolved conflict between action and doc. A nil doc
// means the remote document does not exist.
func NewRecord(action *models.QueuedAction, doc *remote.Document, now time.Time) (*models.ConflictRecord, error) {
	local, err := json.Marshal(action.Payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "encode local payload", err)
	}
	record := &models.ConflictRecord{
		ID:           uuid.New().String(),
		ActionID:     action.ID,
		EntityType:   action.EntityType(),
		EntityID:     action.EntityID(),
		BaseVersion:  action.BaseVersion,
		LocalPayload: local,
		DetectedAt:   now.UTC(),
	}
	if doc != nil {
		record.RemoteVersion = doc.Version
		record.RemotePayload = doc.Payload
	}
	return record, nil
}

// Detect returns a conflict when the remote version differs from the
// version the action was based on, and nil when they match.
func Detect(action *models.QueuedAction, doc *remote.Document, now time.Time) (*models.ConflictRecord, error) {
	var remoteVersion int64
	if doc != nil {
		remoteVersion = doc.Version
	}
	if remoteVersion == action.BaseVersion {
		return nil, nil
	}
	return NewRecord(action, doc, now)
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithOnResolved sets the hook fired after a resolution commits, normally
// the engine's drain trigger.
func WithOnResolved(fn func()) Option {
	return func(r *Resolver) { r.onResolved = fn }
}

// Resolver lists conflicts and applies resolutions.
type Resolver struct {
	store db.Store
	// lock is the engine's drain lock.
	lock       sync.Locker
	onResolved func()
	now        func() time.Time
}

// NewResolver creates a Resolver. lock must be the drain lock of the engine
// replaying the same store.
func NewResolver(store db.Store, lock sync.Locker, opts ...Option) *Resolver {
	r := &Resolver{
		store: store,
		lock:  lock,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ListConflicts returns unresolved conflicts in detection order.
func (r *Resolver) ListConflicts(ctx context.Context) ([]*models.ConflictRecord, error) {
	records, err := r.store.GetAll(ctx, db.SyncConflicts)
	if err != nil {
		return nil, err
	}
	conflicts := make([]*models.ConflictRecord, 0, len(records))
	for _, rec := range records {
		c := &models.ConflictRecord{}
		if err := rec.Decode(c); err != nil {
			return nil, err
		}
		if !c.Resolved {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

// Get returns one conflict.
func (r *Resolver) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	c := &models.ConflictRecord{}
	if err := r.store.Get(ctx, db.SyncConflicts, id, c); err != nil {
		return nil, err
	}
	return c, nil
}

// History returns the audit entries of resolved conflicts, oldest first.
func (r *Resolver) History(ctx context.Context) ([]*models.ConflictLog, error) {
	records, err := r.store.GetAll(ctx, db.ConflictLog)
	if err != nil {
		return nil, err
	}
	logs := make([]*models.ConflictLog, 0, len(records))
	for _, rec := range records {
		l := &models.ConflictLog{}
		if err := rec.Decode(l); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// Resolve applies decision to the conflict and deletes it.
//
// KeepLocal rebases the queued action onto the remote version. KeepRemote
// discards the action and caches the remote snapshot. Merged replaces the
// action's payload with merged, which must target the same entity, and
// rebases it. The action keeps its queue position in every case but
// KeepRemote. Everything commits in one transaction under the drain lock.
func (r *Resolver) Resolve(ctx context.Context, id string, decision models.Resolution, merged models.Payload) (*models.ConflictLog, error) {
	if !decision.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution %q", decision)
	}
	if decision == models.Merged {
		if err := models.ValidatePayload(merged); err != nil {
			return nil, err
		}
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	var entry *models.ConflictLog
	err := r.store.WithTx(ctx, func(tx db.Records) error {
		c := &models.ConflictRecord{}
		if err := tx.Get(ctx, db.SyncConflicts, id, c); err != nil {
			return err
		}

		action := &models.QueuedAction{}
		err := tx.Get(ctx, db.ActionQueue, c.ActionID, action)
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
			if decision != models.KeepRemote {
				return apperrors.Newf(apperrors.ErrNotFound,
					"queued action %s no longer exists, only KeepRemote applies", c.ActionID)
			}
			action = nil
		case err != nil:
			return err
		}

		now := r.now().UTC()
		switch decision {
		case models.KeepLocal:
			if err := keepLocal(ctx, tx, c, action); err != nil {
				return err
			}
		case models.KeepRemote:
			if err := keepRemote(ctx, tx, c, action, now); err != nil {
				return err
			}
		case models.Merged:
			if merged.EntityType() != c.EntityType || merged.EntityID() != c.EntityID {
				return apperrors.Newf(apperrors.ErrInvalid,
					"merged payload must target %s", c.EntityKey())
			}
			action.Kind = merged.Kind()
			action.Payload = merged
			if err := keepLocal(ctx, tx, c, action); err != nil {
				return err
			}
		}

		if err := tx.Delete(ctx, db.SyncConflicts, c.ID); err != nil {
			return err
		}
		entry = &models.ConflictLog{
			ID:            uuid.New().String(),
			ConflictID:    c.ID,
			ActionID:      c.ActionID,
			EntityType:    c.EntityType,
			EntityID:      c.EntityID,
			BaseVersion:   c.BaseVersion,
			RemoteVersion: c.RemoteVersion,
			Resolution:    decision,
			DetectedAt:    c.DetectedAt,
			ResolvedAt:    now,
		}
		return tx.Put(ctx, db.ConflictLog, entry.ID, entry)
	})
	if err != nil {
		return nil, err
	}

	logging.Info("conflict: resolved", map[string]interface{}{
		"conflict_id":    entry.ConflictID,
		"action_id":      entry.ActionID,
		"entity":         models.EntityKey(entry.EntityType, entry.EntityID),
		"resolution":     decision,
		"base_version":   entry.BaseVersion,
		"remote_version": entry.RemoteVersion,
	})

	if r.onResolved != nil {
		r.onResolved()
	}
	return entry, nil
}

// keepLocal rebases action, and later actions of the entity built on the
// same stale version, onto the remote version.
func keepLocal(ctx context.Context, tx db.Records, c *models.ConflictRecord, action *models.QueuedAction) error {
	records, err := tx.GetAll(ctx, db.ActionQueue)
	if err != nil {
		return err
	}
	for _, rec := range records {
		a := &models.QueuedAction{}
		if err := rec.Decode(a); err != nil {
			return err
		}
		if a.ID == action.ID || a.EntityKey() != c.EntityKey() || a.BaseVersion != c.BaseVersion {
			continue
		}
		a.BaseVersion = c.RemoteVersion
		if err := tx.Put(ctx, db.ActionQueue, a.ID, a); err != nil {
			return err
		}
	}

	action.BaseVersion = c.RemoteVersion
	action.Attempts = 0
	action.Status = models.ActionPending
	action.NextRetryAt = time.Time{}
	action.PoisonedAt = time.Time{}
	action.LastError = ""
	return tx.Put(ctx, db.ActionQueue, action.ID, action)
}

// keepRemote drops the action and adopts the remote snapshot.
func keepRemote(ctx context.Context, tx db.Records, c *models.ConflictRecord, action *models.QueuedAction, now time.Time) error {
	if action != nil {
		if err := tx.Delete(ctx, db.ActionQueue, action.ID); err != nil {
			return err
		}
	}

	key := c.EntityKey()
	if c.RemoteMissing() {
		return tx.Delete(ctx, db.CachedEntities, key)
	}
	entity := &models.CachedEntity{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Version:    c.RemoteVersion,
		Payload:    c.RemotePayload,
		UpdatedAt:  now,
	}
	return tx.Put(ctx, db.CachedEntities, key, entity)
}
