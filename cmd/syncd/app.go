package main

import (
	"context"
	"path/filepath"

	"github.com/dentaldesk/syncd/internal/config"
	"github.com/dentaldesk/syncd/internal/db"
	"github.com/dentaldesk/syncd/internal/logging"
	"github.com/dentaldesk/syncd/internal/notify"
	syncpkg "github.com/dentaldesk/syncd/internal/sync"
	"github.com/dentaldesk/syncd/internal/sync/conflict"
	"github.com/dentaldesk/syncd/internal/sync/queue"
	"github.com/dentaldesk/syncd/internal/sync/remote"
	"github.com/dentaldesk/syncd/internal/sync/s3"
	"github.com/dentaldesk/syncd/internal/sync/scheduler"
	"github.com/dentaldesk/syncd/internal/sync/storage"
)

// app holds the wired components of one data directory.
type app struct {
	cfg       *config.Config
	store     *db.SQLStore
	queue     *queue.SyncQueue
	remote    remote.Remote
	engine    *syncpkg.SyncEngine
	resolver  *conflict.Resolver
	scheduler *scheduler.Scheduler
	notifier  *notify.Notifier
	staging   *storage.AttachmentStore
	closers   []func() error
}

// newApp opens the store and connects the configured services. Services
// that are not configured are skipped. Without CouchDB actions are still
// queued but never replayed: the engine stays offline and forced drains
// fail with SYNC_NOT_CONFIGURED.
func newApp(ctx context.Context, cfg *config.Config, opener *db.Opener) (*app, error) {
	a := &app{cfg: cfg}

	store, err := opener.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.queue = queue.NewSyncQueue(store, cfg.Sync.QueueMaxSize)
	a.staging = storage.NewAttachmentStore(filepath.Join(cfg.Store.DataDir, "attachments"), a.queue)

	if cfg.Couch.Enabled() {
		couch, err := remote.NewCouchDB(ctx, remote.CouchConfig{
			URL:      cfg.Couch.URL,
			User:     cfg.Couch.User,
			Password: cfg.Couch.Password,
			Database: cfg.Couch.Database,
			EnsureDB: cfg.Couch.EnsureDB,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.remote = couch
		a.closers = append(a.closers, couch.Close)
	} else {
		logging.Warn("COUCHDB_URL not set, queued actions will not be replayed")
	}

	opts := []syncpkg.Option{syncpkg.WithObserver(a.staging)}
	if cfg.Objects.Enabled() {
		uploader, err := s3.NewMinIOUploader(&s3.MinIOConfig{
			Endpoint:   cfg.Objects.Endpoint,
			BucketName: cfg.Objects.Bucket,
			AccessKey:  cfg.Objects.AccessKey,
			SecretKey:  cfg.Objects.SecretKey,
			UseSSL:     cfg.Objects.UseSSL,
			Region:     cfg.Objects.Region,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, syncpkg.WithUploader(uploader))
	}

	if cfg.SMS.GatewayURL != "" {
		var dedupe notify.Dedupe
		if cfg.Redis.URL != "" {
			rd, err := notify.NewRedisDedupe(cfg.Redis.URL, cfg.Redis.DedupTTL)
			if err != nil {
				logging.Warn("redis unavailable, sms dedupe kept in memory", map[string]interface{}{
					"error": err.Error(),
				})
			} else {
				dedupe = rd
				a.closers = append(a.closers, rd.Close)
			}
		}
		if dedupe == nil {
			dedupe = notify.NewMemoryDedupe(cfg.Redis.DedupTTL)
		}
		gateway := notify.NewHTTPGateway(notify.GatewayConfig{
			URL:    cfg.SMS.GatewayURL,
			APIKey: cfg.SMS.APIKey,
			From:   cfg.SMS.From,
		})
		a.notifier = notify.NewNotifier(gateway, dedupe, cfg.SMS.ClinicName)
		opts = append(opts, syncpkg.WithObserver(a.notifier))
	}

	a.engine = syncpkg.NewSyncEngine(store, a.queue, a.remote, syncpkg.Config{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffMax:  cfg.Sync.BackoffMax,
		CallTimeout: cfg.Sync.CallTimeout,
	}, opts...)

	a.resolver = conflict.NewResolver(store, a.engine.Locker(),
		conflict.WithOnResolved(func() { a.engine.Trigger() }))

	a.scheduler = scheduler.NewScheduler(a.engine, a.queue, a.remote, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.SyncInterval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		ProbeTimeout:  cfg.Sync.CallTimeout,
	})
	return a, nil
}

// Close stops background work and releases connections in reverse order.
func (a *app) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.notifier != nil {
		a.notifier.Wait()
	}

	var firstErr error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
