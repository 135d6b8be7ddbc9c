package sync

import (
	"context"
	"sync"
	"time"

	"github.com/dentaldesk/syncd/internal/db"
	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/conflict"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/remote"
	"github.com/dentaldesk/syncd/internal/sync/s3"
)

// Config tunes retries and remote calls.
type Config struct {
	// MaxAttempts is the number of failed attempts after which an action
	// is poisoned.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CallTimeout bounds each remote or object storage call.
	CallTimeout time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  60 * time.Second,
		CallTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = d.BackoffMax
		if c.BackoffMax < c.BackoffBase {
			c.BackoffMax = c.BackoffBase
		}
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Timer is a pending scheduled call.
type Timer interface {
	Stop() bool
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithUploader sets the attachment uploader. Without one, attachments are
// not uploaded.
func WithUploader(u s3.Uploader) Option {
	return func(e *SyncEngine) { e.uploader = u }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) { e.now = now }
}

// WithJitter overrides the backoff jitter.
func WithJitter(jitter func(time.Duration) time.Duration) Option {
	return func(e *SyncEngine) { e.jitter = jitter }
}

// WithAfterFunc overrides how backoff retries are scheduled.
func WithAfterFunc(fn func(time.Duration, func()) Timer) Option {
	return func(e *SyncEngine) { e.afterFunc = fn }
}

// WithObserver registers an observer at construction.
func WithObserver(o Observer) Option {
	return func(e *SyncEngine) { e.observers = append(e.observers, o) }
}

type stepOutcome int

const (
	outcomeEmpty stepOutcome = iota
	outcomeApplied
	outcomeConflict
	outcomePoisoned
	outcomeRetry
	outcomeStorage
)

// SyncEngine drains the action queue against the remote service, one
// action at a time.
type SyncEngine struct {
	store    db.Store
	queue    *queue.SyncQueue
	remote   remote.Remote
	uploader s3.Uploader
	cfg      Config

	now       func() time.Time
	jitter    func(time.Duration) time.Duration
	afterFunc func(time.Duration, func()) Timer

	// applyMu is the drain lock. It is held while one action is applied
	// and by anything else that rewrites queued actions or conflicts.
	applyMu sync.Mutex

	mu         sync.Mutex
	status     SyncStatus
	rerun      bool
	online     bool
	closed     bool
	lastSync   *time.Time
	lastErr    error
	retryAt    time.Time
	retryTimer Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	obsMu     sync.RWMutex
	observers []Observer
}

// NewSyncEngine creates an engine over the queue and remote and registers
// itself as the queue's enqueue hook. The engine starts believing it is
// online. A nil remote keeps it offline for good: actions stay queued and
// forced drains fail with SYNC_NOT_CONFIGURED.
func NewSyncEngine(store db.Store, q *queue.SyncQueue, r remote.Remote, cfg Config, opts ...Option) *SyncEngine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &SyncEngine{
		store:  store,
		queue:  q,
		remote: r,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		jitter: fullJitter,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		status: SyncStatusIdle,
		online: r != nil,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	q.SetOnEnqueue(func() { e.Trigger() })
	return e
}

// AddObserver registers o for engine events.
func (e *SyncEngine) AddObserver(o Observer) {
	e.obsMu.Lock()
	e.observers = append(e.observers, o)
	e.obsMu.Unlock()
}

func (e *SyncEngine) notify(fn func(Observer)) {
	e.obsMu.RLock()
	observers := append([]Observer(nil), e.observers...)
	e.obsMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// Locker returns the drain lock. Holders may rewrite queued actions and
// conflicts without racing an in-flight apply.
func (e *SyncEngine) Locker() sync.Locker {
	return &e.applyMu
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == SyncStatusDraining {
		return SyncStatusDraining
	}
	if !e.online {
		return SyncStatusOffline
	}
	return SyncStatusIdle
}

// LastSync returns the end time of the last cycle that finished without error.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the error that stopped the last cycle.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingChanges returns the number of queued actions, or 0 when the store
// cannot be read.
func (e *SyncEngine) PendingChanges() int {
	n, err := e.queue.Size(context.Background())
	if err != nil {
		return 0
	}
	return n
}

// IsOnline reports the connectivity belief.
func (e *SyncEngine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline updates the connectivity belief. Regaining connectivity
// triggers a drain.
func (e *SyncEngine) SetOnline(online bool) {
	if online && e.remote == nil {
		logging.Debug("sync: no remote configured, staying offline")
		return
	}
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	switch {
	case online && !was:
		logging.Info("sync: connectivity regained")
		e.Trigger()
	case !online && was:
		logging.Info("sync: connectivity lost")
	}
}

// Trigger starts an asynchronous drain when the engine is idle and believed
// online. A trigger during a running cycle schedules exactly one rerun. It
// reports whether a new cycle was started.
func (e *SyncEngine) Trigger() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.online {
		return false
	}
	if e.status == SyncStatusDraining {
		e.rerun = true
		return false
	}
	e.status = SyncStatusDraining
	e.wg.Add(1)
	go e.run()
	return true
}

func (e *SyncEngine) run() {
	defer e.wg.Done()
	e.drain(e.ctx, false)
	e.finishCycle()
}

// finishCycle starts the coalesced rerun or returns the engine to idle.
func (e *SyncEngine) finishCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rerun && !e.closed && e.online {
		e.rerun = false
		e.wg.Add(1)
		go e.run()
		return
	}
	e.rerun = false
	e.status = SyncStatusIdle
}

// Drain runs one forced cycle synchronously. A forced cycle ignores the
// online belief and backoff deadlines; poisoned actions and conflicts still
// block their entities. While another cycle runs, a rerun is scheduled and
// SYNC_IN_PROGRESS is returned.
//
// ctx cancellation stops the cycle between actions. An in-flight remote
// call runs to completion or its own timeout.
func (e *SyncEngine) Drain(ctx context.Context) (*DrainResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "sync engine is closed")
	}
	if e.remote == nil {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "no remote service configured")
	}
	if e.status == SyncStatusDraining {
		e.rerun = true
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	e.status = SyncStatusDraining
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	result, err := e.drain(ctx, true)
	e.finishCycle()
	return result, err
}

// ClearQueue removes every queued action and conflict under the drain lock
// and cancels any pending retry. It returns the number of removed actions.
func (e *SyncEngine) ClearQueue(ctx context.Context) (int, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	n, err := e.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	e.stopRetryLocked()
	e.mu.Unlock()
	return n, nil
}

// Close stops scheduling, cancels a running cycle between actions and waits
// for it to finish.
func (e *SyncEngine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.stopRetryLocked()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

func (e *SyncEngine) drain(ctx context.Context, force bool) (*DrainResult, error) {
	result := &DrainResult{StartTime: e.now(), Forced: force}
	e.notify(func(o Observer) { o.DrainStarted() })
	logging.Debug("sync: drain started", map[string]interface{}{"forced": force})

	var cycleErr error
loop:
	for {
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}
		if !force && !e.IsOnline() {
			break
		}

		outcome, err := e.step(ctx, force)
		switch outcome {
		case outcomeEmpty:
			break loop
		case outcomeApplied:
			result.Applied++
		case outcomeConflict:
			result.Conflicts++
		case outcomePoisoned:
			result.Poisoned++
		case outcomeRetry:
			result.Retrying++
			cycleErr = err
			break loop
		case outcomeStorage:
			cycleErr = err
			logging.Error("sync: local store failed during drain", err)
			e.scheduleRetry(e.cfg.BackoffBase)
			break loop
		}
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if n, err := e.queue.Size(context.WithoutCancel(ctx)); err == nil {
		result.Remaining = n
	}

	e.mu.Lock()
	e.lastErr = cycleErr
	if cycleErr != nil {
		result.Error = cycleErr.Error()
	} else {
		end := result.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	logging.Info("sync: drain completed", map[string]interface{}{
		"applied":   result.Applied,
		"conflicts": result.Conflicts,
		"poisoned":  result.Poisoned,
		"retrying":  result.Retrying,
		"remaining": result.Remaining,
		"cancelled": result.Cancelled,
		"duration":  result.Duration.String(),
	})
	e.notify(func(o Observer) { o.DrainCompleted(*result) })
	return result, cycleErr
}

// step applies the next eligible action under the drain lock.
func (e *SyncEngine) step(ctx context.Context, force bool) (stepOutcome, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	// Local store work is never abandoned halfway.
	ctx = context.WithoutCancel(ctx)

	action, err := e.queue.PeekNext(ctx, queue.PeekOptions{IgnoreBackoff: force})
	if err != nil {
		return outcomeStorage, err
	}
	if action == nil {
		return outcomeEmpty, nil
	}
	return e.apply(ctx, action)
}

// createsDocument reports whether the action is submitted as a create. A
// create kept over an existing remote document carries that document's
// version and is submitted as a full-body update.
func createsDocument(action *models.QueuedAction) bool {
	return action.Kind.IsCreate() && action.BaseVersion == 0
}

func (e *SyncEngine) apply(ctx context.Context, action *models.QueuedAction) (stepOutcome, error) {
	if !createsDocument(action) {
		doc, err := e.fetch(ctx, action)
		if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return e.fail(ctx, action, err)
		}
		if doc != nil && doc.LastActionID == action.ID {
			logging.Info("sync: action already applied remotely", map[string]interface{}{
				"action_id": action.ID,
				"entity":    action.EntityKey(),
				"version":   doc.Version,
			})
			return e.succeed(ctx, action, doc)
		}
		record, err := conflict.Detect(action, doc, e.now())
		if err != nil {
			return e.fail(ctx, action, err)
		}
		if record != nil {
			return e.recordConflict(ctx, action, doc, record)
		}
	}

	err := e.call(ctx, func(cctx context.Context) error {
		return s3.UploadAll(cctx, e.uploader, action.Payload)
	})
	if err != nil {
		return e.fail(ctx, action, err)
	}

	doc, err := e.submit(ctx, action)
	switch {
	case err == nil:
		return e.succeed(ctx, action, doc)
	case apperrors.Is(err, apperrors.ErrVersionConflict):
		return e.submitConflict(ctx, action, err)
	case apperrors.Is(err, apperrors.ErrNotFound):
		return e.fail(ctx, action, apperrors.Wrap(apperrors.ErrValidationRejected,
			"update target does not exist remotely", err))
	default:
		return e.fail(ctx, action, err)
	}
}

// call runs fn with the per-call timeout, detached from ctx cancellation.
func (e *SyncEngine) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CallTimeout)
	defer cancel()

	err := fn(cctx)
	if err != nil && cctx.Err() != nil && apperrors.CodeOf(err) == apperrors.ErrInternal {
		err = apperrors.Wrap(apperrors.ErrTransientNetwork, "remote call timed out", err)
	}
	return err
}

func (e *SyncEngine) fetch(ctx context.Context, action *models.QueuedAction) (*remote.Document, error) {
	var doc *remote.Document
	err := e.call(ctx, func(cctx context.Context) error {
		var err error
		doc, err = e.remote.Fetch(cctx, action.EntityType(), action.EntityID())
		return err
	})
	return doc, err
}

func (e *SyncEngine) submit(ctx context.Context, action *models.QueuedAction) (*remote.Document, error) {
	var doc *remote.Document
	err := e.call(ctx, func(cctx context.Context) error {
		var err error
		if createsDocument(action) {
			doc, err = e.remote.Create(cctx, action.EntityType(), action.EntityID(),
				action.Payload.Body(), action.ID)
		} else {
			doc, err = e.remote.Update(cctx, action.EntityType(), action.EntityID(),
				action.Payload.Body(), action.BaseVersion, action.ID)
		}
		return err
	})
	return doc, err
}

// submitConflict handles a VersionConflict answer to a submit by recording
// a conflict against the remote state at that moment.
func (e *SyncEngine) submitConflict(ctx context.Context, action *models.QueuedAction, cause error) (stepOutcome, error) {
	doc, err := e.fetch(ctx, action)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return e.fail(ctx, action, err)
	}
	if doc != nil && doc.LastActionID == action.ID {
		return e.succeed(ctx, action, doc)
	}
	record, err := conflict.Detect(action, doc, e.now())
	if err == nil && record == nil {
		record, err = conflict.NewRecord(action, doc, e.now())
	}
	if err != nil {
		return e.fail(ctx, action, err)
	}
	logging.Debug("sync: remote refused submit", map[string]interface{}{
		"action_id": action.ID,
		"error":     cause.Error(),
	})
	return e.recordConflict(ctx, action, doc, record)
}

// succeed removes the action, caches the remote result and rebases later
// actions of the entity in one transaction.
func (e *SyncEngine) succeed(ctx context.Context, action *models.QueuedAction, doc *remote.Document) (stepOutcome, error) {
	entity := &models.CachedEntity{
		EntityType:   action.EntityType(),
		EntityID:     action.EntityID(),
		Version:      doc.Version,
		Payload:      doc.Payload,
		LastActionID: action.ID,
		UpdatedAt:    e.now(),
	}
	err := e.store.WithTx(ctx, func(tx db.Records) error {
		if err := tx.Delete(ctx, db.ActionQueue, action.ID); err != nil {
			return err
		}
		if err := tx.Put(ctx, db.CachedEntities, entity.Key(), entity); err != nil {
			return err
		}
		return rebase(ctx, tx, action, doc.Version)
	})
	if err != nil {
		return outcomeStorage, err
	}

	logging.Info("sync: action applied", map[string]interface{}{
		"action_id": action.ID,
		"kind":      action.Kind,
		"entity":    action.EntityKey(),
		"version":   doc.Version,
	})
	e.notify(func(o Observer) { o.ActionApplied(action, doc) })
	return outcomeApplied, nil
}

// rebase moves later actions of the applied entity that shared its base
// version onto the version the remote just produced.
func rebase(ctx context.Context, tx db.Records, applied *models.QueuedAction, version int64) error {
	records, err := tx.GetAll(ctx, db.ActionQueue)
	if err != nil {
		return err
	}
	for _, r := range records {
		a := &models.QueuedAction{}
		if err := r.Decode(a); err != nil {
			return err
		}
		if a.EntityKey() != applied.EntityKey() || a.BaseVersion != applied.BaseVersion {
			continue
		}
		a.BaseVersion = version
		if err := tx.Put(ctx, db.ActionQueue, a.ID, a); err != nil {
			return err
		}
	}
	return nil
}

// recordConflict stores the conflict and refreshes the cached snapshot. The
// action stays queued and its entity is blocked until resolution.
func (e *SyncEngine) recordConflict(ctx context.Context, action *models.QueuedAction, doc *remote.Document, record *models.ConflictRecord) (stepOutcome, error) {
	err := e.store.WithTx(ctx, func(tx db.Records) error {
		if err := tx.Put(ctx, db.SyncConflicts, record.ID, record); err != nil {
			return err
		}
		if doc == nil {
			return nil
		}
		entity := &models.CachedEntity{
			EntityType:   action.EntityType(),
			EntityID:     action.EntityID(),
			Version:      doc.Version,
			Payload:      doc.Payload,
			LastActionID: doc.LastActionID,
			UpdatedAt:    e.now(),
		}
		return tx.Put(ctx, db.CachedEntities, entity.Key(), entity)
	})
	if err != nil {
		return outcomeStorage, err
	}

	logging.Warn("sync: conflict detected", map[string]interface{}{
		"conflict_id":    record.ID,
		"action_id":      action.ID,
		"entity":         action.EntityKey(),
		"base_version":   record.BaseVersion,
		"remote_version": record.RemoteVersion,
	})
	e.notify(func(o Observer) { o.ConflictDetected(record) })
	return outcomeConflict, nil
}

// fail records a failed attempt. Rejections poison the action at once;
// anything else is retried with backoff until MaxAttempts.
func (e *SyncEngine) fail(ctx context.Context, action *models.QueuedAction, cause error) (stepOutcome, error) {
	action.Attempts++
	action.LastError = cause.Error()

	code := apperrors.CodeOf(cause)
	if code == apperrors.ErrValidationRejected || code == apperrors.ErrInvalid {
		return e.poison(ctx, action, cause)
	}
	if action.Attempts >= e.cfg.MaxAttempts {
		return e.poison(ctx, action, cause)
	}

	delay := backoffDelay(action.Attempts, e.cfg.BackoffBase, e.cfg.BackoffMax, e.jitter)
	action.NextRetryAt = e.now().Add(delay)
	if err := e.queue.Update(ctx, action); err != nil {
		return outcomeStorage, err
	}

	logging.ErrorWithCode("sync: apply failed, retry scheduled", string(code), cause, map[string]interface{}{
		"action_id": action.ID,
		"entity":    action.EntityKey(),
		"attempts":  action.Attempts,
		"delay":     delay.String(),
	})
	e.scheduleRetry(delay)
	return outcomeRetry, cause
}

func (e *SyncEngine) poison(ctx context.Context, action *models.QueuedAction, cause error) (stepOutcome, error) {
	action.Status = models.ActionPoisoned
	action.PoisonedAt = e.now()
	action.NextRetryAt = time.Time{}
	if err := e.queue.Update(ctx, action); err != nil {
		return outcomeStorage, err
	}

	logging.ErrorWithCode("sync: action poisoned", string(apperrors.ErrPoisoned), cause, map[string]interface{}{
		"action_id": action.ID,
		"kind":      action.Kind,
		"entity":    action.EntityKey(),
		"attempts":  action.Attempts,
	})
	e.notify(func(o Observer) { o.ActionPoisoned(action) })
	return outcomePoisoned, nil
}

// scheduleRetry arranges a trigger after delay unless an earlier one is
// already pending.
func (e *SyncEngine) scheduleRetry(delay time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	at := e.now().Add(delay)
	if e.retryTimer != nil {
		if !e.retryAt.After(at) {
			return
		}
		e.retryTimer.Stop()
	}
	e.retryAt = at
	e.retryTimer = e.afterFunc(delay, e.retryFired)
}

func (e *SyncEngine) retryFired() {
	e.mu.Lock()
	e.retryTimer = nil
	e.retryAt = time.Time{}
	e.mu.Unlock()
	e.Trigger()
}

func (e *SyncEngine) stopRetryLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
		e.retryAt = time.Time{}
	}
}
