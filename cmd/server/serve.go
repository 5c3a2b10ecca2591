package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync-server/internal/handler"
	"fieldsync-server/internal/middleware"
	"fieldsync-server/internal/ratelimit"
	"fieldsync-server/internal/repository"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	created, err := repository.EnsureSchema(ctx, a.couch, a.cfg.Database.Name)
	if err != nil {
		return err
	}
	if created {
		a.log.WithField("database", a.cfg.Database.Name).Info("created database")
	}

	if local, ok := a.limiter.(*ratelimit.LocalLimiter); ok {
		go local.Cleanup(ctx)
	}
	go a.purge.Loop(ctx, a.cfg.Sync.PurgeInterval)

	addr := fmt.Sprintf("%s:%s", a.cfg.Server.Host, a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: a.cfg.Sync.BatchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.WithFields(logrus.Fields{
			"addr": addr,
			"env":  a.cfg.Server.Env,
		}).Info("starting fieldsync server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	a.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.log.Info("server stopped gracefully")
	return nil
}

func (a *app) router() http.Handler {
	syncHandler := handler.NewSyncHandler(a.sync, a.log)

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(a.log))
	r.Use(middleware.CORSMiddleware(a.cfg.CORS))

	r.HandleFunc("/health", a.healthHandler).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1/sync").Subrouter()
	api.Use(middleware.AuthMiddleware(a.cfg.JWT.Secret))

	// Mutating routes need an active device and user.
	write := api.NewRoute().Subrouter()
	write.Use(middleware.DeviceGuard(a.access, false, a.log))
	write.Handle("/push", middleware.RateLimit(a.limiter, ratelimit.ClassPush, a.log)(http.HandlerFunc(syncHandler.Push))).
		Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/ack", syncHandler.Acknowledge).Methods(http.MethodPost, http.MethodOptions)
	write.HandleFunc("/bootstrap", syncHandler.Bootstrap).Methods(http.MethodPost, http.MethodOptions)

	// Read routes report device status, so revoked devices get through.
	read := api.NewRoute().Subrouter()
	read.Use(middleware.DeviceGuard(a.access, true, a.log))
	read.Handle("/pull", middleware.RateLimit(a.limiter, ratelimit.ClassPull, a.log)(http.HandlerFunc(syncHandler.Pull))).
		Methods(http.MethodGet, http.MethodOptions)
	read.HandleFunc("/status", syncHandler.Status).Methods(http.MethodGet, http.MethodOptions)
	read.HandleFunc("/unacknowledged", syncHandler.Unacknowledged).Methods(http.MethodGet, http.MethodOptions)

	return r
}

func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	couch := "ok"

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := a.couch.DBExists(ctx, a.cfg.Database.Name); err != nil {
		couch = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%q,"service":"fieldsync-server","couchdb":%q}`, http.StatusText(status), couch)
}
