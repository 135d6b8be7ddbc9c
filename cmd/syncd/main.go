// Package main provides syncd, the local daemon that keeps the clinic UI's
// mutations durable offline and replays them to the clinic database.
// The UI talks to it over REST/WebSocket on the loopback interface; the
// same binary carries the operator commands.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/dentaldesk/syncd/cmd/syncd/handlers"
	"github.com/dentaldesk/syncd/internal/config"
	"github.com/dentaldesk/syncd/internal/db"
	"github.com/dentaldesk/syncd/internal/logging"
)

var dataDirFlag string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Offline action queue and sync daemon for the clinic app",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "local store directory (overrides SYNCD_DATA_DIR)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSyncCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newQueueCmd())
	root.AddCommand(newConflictsCmd())
	return root
}

// loadConfig reads the configuration and sets up logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dataDirFlag != "" {
		cfg.Store.DataDir = dataDirFlag
	}
	logging.Setup(logging.Options{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
	})
	return cfg, nil
}

// withApp runs fn against a freshly wired app and closes it afterwards.
// Operator commands run with the engine offline so nothing drains behind
// their back; serve keeps it online.
func withApp(ctx context.Context, online bool, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	opener := db.NewOpener()
	defer opener.Close()

	a, err := newApp(ctx, cfg, opener)
	if err != nil {
		return err
	}
	defer a.Close()
	if !online {
		a.engine.SetOnline(false)
	}
	return fn(a)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon and its local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, true, func(a *app) error {
				return serve(ctx, a)
			})
		},
	}
}

// serve runs the HTTP server until ctx is cancelled, then shuts down.
func serve(ctx context.Context, a *app) error {
	hub := NewWSHub()
	defer hub.Close()
	a.engine.AddObserver(hub)

	router := mux.NewRouter()
	handlers.RegisterRoutes(router, handlers.Deps{
		Engine:    a.engine,
		Queue:     a.queue,
		Resolver:  a.resolver,
		Scheduler: a.scheduler,
		Staging:   a.staging,
	})
	router.HandleFunc("/ws", HandleWebSocket(hub))
	router.Use(requestLogger)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if _, err := a.staging.Sweep(ctx); err != nil {
		logging.Warn("attachment sweep failed", map[string]interface{}{"error": err.Error()})
	}
	a.scheduler.Start(ctx)
	// Replay whatever was left from the previous run.
	a.engine.Trigger()

	errCh := make(chan error, 1)
	go func() {
		logging.Info("syncd listening", map[string]interface{}{
			"addr":     a.cfg.Server.Addr,
			"data_dir": a.cfg.Store.DataDir,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logging.Info("syncd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requestLogger logs each API request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug("http request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}
