// Package sync provides the engine that replays queued actions against the
// remote document service.
package sync

import (
	"context"
	"time"

	"github.com/dentaldesk/syncd/internal/models"
	"github.com/dentaldesk/syncd/internal/sync/remote"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Drain runs one forced cycle synchronously.
	Drain(ctx context.Context) (*DrainResult, error)

	// Trigger starts an asynchronous cycle if the engine is idle and online.
	Trigger() bool

	// SetOnline updates the connectivity belief.
	SetOnline(online bool)

	// IsOnline reports the connectivity belief.
	IsOnline() bool

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last cycle that finished without error.
	LastSync() *time.Time

	// PendingChanges returns the number of queued actions.
	PendingChanges() int

	// LastError returns the error that stopped the last cycle, if any.
	LastError() error
}

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle     SyncStatus = "idle"
	SyncStatusDraining SyncStatus = "draining"
	SyncStatusOffline  SyncStatus = "offline"
)

// DrainResult summarizes one drain cycle.
type DrainResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Forced    bool          `json:"forced"`
	Applied   int           `json:"applied"`
	Conflicts int           `json:"conflicts"`
	Poisoned  int           `json:"poisoned"`
	Retrying  int           `json:"retrying"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Remaining int           `json:"remaining"`
	Error     string        `json:"error,omitempty"`
}

// Observer receives engine events. Methods are called from the draining
// goroutine and must not block.
type Observer interface {
	DrainStarted()
	DrainCompleted(result DrainResult)
	ActionApplied(action *models.QueuedAction, doc *remote.Document)
	ConflictDetected(record *models.ConflictRecord)
	ActionPoisoned(action *models.QueuedAction)
}

// BaseObserver implements Observer with no-ops, for embedding.
type BaseObserver struct{}

func (BaseObserver) DrainStarted()                                        {}
func (BaseObserver) DrainCompleted(DrainResult)                           {}
func (BaseObserver) ActionApplied(*models.QueuedAction, *remote.Document) {}
func (BaseObserver) ConflictDetected(*models.ConflictRecord)              {}
func (BaseObserver) ActionPoisoned(*models.QueuedAction)                  {}

var _ SyncEngineInterface = (*SyncEngine)(nil)
