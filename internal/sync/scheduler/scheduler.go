// Package scheduler provides the background triggers of the sync engine:
// the periodic drain and the connectivity probe.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/logging"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/queue"
)

// Pinger checks whether the remote service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	queue         *queue.SyncQueue
	prober        Pinger
	syncInterval  time.Duration
	probeInterval time.Duration
	probeTimeout  time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.RWMutex
	isRunning     bool
	lastProbe     time.Time
	lastProbeErr  error
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // Periodic drain while online with a non-empty queue (default: 30 seconds)
	ProbeInterval time.Duration // Connectivity probe period; zero disables probing (default: 10 seconds)
	ProbeTimeout  time.Duration // Bound on one probe (default: 5 seconds)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  30 * time.Second,
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// NewScheduler creates a new Scheduler. prober may be nil, in which case
// connectivity is only changed through SetOnlineStatus.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.SyncQueue, prober Pinger, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	syncInterval := config.SyncInterval
	if syncInterval <= 0 {
		syncInterval = defaults.SyncInterval
	}
	probeTimeout := config.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = defaults.ProbeTimeout
	}

	return &Scheduler{
		engine:        engine,
		queue:         q,
		prober:        prober,
		syncInterval:  syncInterval,
		probeInterval: config.ProbeInterval,
		probeTimeout:  probeTimeout,
		stopCh:        make(chan struct{}),
	}
}

// Start starts the background loops. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx)

	if s.prober != nil && s.probeInterval > 0 {
		s.wg.Add(1)
		go s.probeLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop stops the background loops and waits for them. A stopped scheduler
// cannot be restarted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus forwards a connectivity change to the engine, which
// drains when connectivity is regained.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	wasOnline := s.engine.IsOnline()
	s.engine.SetOnline(isOnline)

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
	}
}

// periodicSyncLoop triggers a drain every interval while online and work
// is queued.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.engine.IsOnline() {
		return
	}
	n, err := s.queue.Size(ctx)
	if err != nil {
		logging.ErrorWithCode("Periodic sync could not read the queue", string(errors.CodeOf(err)), err)
		return
	}
	if n == 0 {
		return
	}
	if !s.engine.Trigger() {
		logging.Debug("Sync already in progress, skipping", nil)
	}
}

// probeLoop pings the remote every probe interval and updates the
// connectivity belief.
func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.probe(ctx)
		}
	}
}

func (s *Scheduler) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	err := s.prober.Ping(probeCtx)

	s.mu.Lock()
	s.lastProbe = time.Now()
	s.lastProbeErr = err
	s.mu.Unlock()

	if err != nil && s.engine.IsOnline() {
		logging.Warn("Connectivity probe failed", map[string]interface{}{
			"error": err.Error(),
			"code":  errors.CodeOf(err),
		})
	}
	s.SetOnlineStatus(err == nil)
}

// TriggerSync starts an asynchronous drain.
// Returns true if a cycle was started, false if one was running (a rerun is
// then scheduled) or the engine is offline.
func (s *Scheduler) TriggerSync() bool {
	return s.engine.Trigger()
}

// SchedulerStatus is a snapshot of the scheduler and the engine it drives.
type SchedulerStatus struct {
	IsRunning    bool               `json:"is_running"`
	IsOnline     bool               `json:"is_online"`
	EngineStatus syncpkg.SyncStatus `json:"engine_status"`
	LastSyncTime *time.Time         `json:"last_sync_time,omitempty"`
	LastError    string             `json:"last_error,omitempty"`
	LastProbe    *time.Time         `json:"last_probe,omitempty"`
	ProbeError   string             `json:"probe_error,omitempty"`
	PendingItems int                `json:"pending_items"`
	QueueStats   queue.Stats        `json:"queue_stats"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
	}
	if !s.lastProbe.IsZero() {
		probed := s.lastProbe
		status.LastProbe = &probed
	}
	if s.lastProbeErr != nil {
		status.ProbeError = s.lastProbeErr.Error()
	}
	s.mu.RUnlock()

	status.IsOnline = s.engine.IsOnline()
	status.EngineStatus = s.engine.Status()
	status.LastSyncTime = s.engine.LastSync()
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}

	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		return status, err
	}
	status.QueueStats = stats
	status.PendingItems = stats.Total
	return status, nil
}

// SyncNow runs a forced drain and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.DrainResult, error) {
	result, err := s.engine.Drain(ctx)
	if result == nil {
		return nil, err
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"applied":   result.Applied,
			"conflicts": result.Conflicts,
			"poisoned":  result.Poisoned,
			"remaining": result.Remaining,
		})
	return result, err
}

// IsOnline returns the engine's connectivity belief.
func (s *Scheduler) IsOnline() bool {
	return s.engine.IsOnline()
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
