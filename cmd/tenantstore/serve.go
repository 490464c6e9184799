package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"

	"tenantstore/internal/api"
	"tenantstore/internal/auth"
	"tenantstore/internal/config"
	"tenantstore/internal/documents"
	"tenantstore/internal/executor"
	"tenantstore/internal/logger"
	"tenantstore/internal/metrics"
	"tenantstore/internal/projects"
	"tenantstore/internal/security"
	"tenantstore/internal/services"
	"tenantstore/internal/storage"
	"tenantstore/internal/store"
	"tenantstore/internal/tasks"
	"tenantstore/internal/triggers"
)

const shutdownTimeout = 15 * time.Second

// flagKeys maps serve flags to config keys.
var flagKeys = map[string]string{
	"port":      "server.port",
	"backend":   "store.backend",
	"sqlite":    "store.sqlite_path",
	"log-level": "logging.level",
	"scheduler": "tasks.scheduler",
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("port", "", "HTTP port")
	f.String("backend", "", "store backend (sqlite, turso, mongo)")
	f.String("sqlite", "", "SQLite database path")
	f.String("log-level", "", "log level (DEBUG, INFO, WARN, ERROR, PRODUCTION)")
	f.Bool("scheduler", true, "run scheduled tasks")
}

func runServe(cmd *cobra.Command, args []string) error {
	v, err := config.New(configFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		if fl := cmd.Flags().Lookup(name); fl != nil && fl.Changed {
			if err := v.BindPFlag(key, fl); err != nil {
				return err
			}
		}
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger.Initialize(cfg.Logging.Level, logger.Format(strings.ToUpper(cfg.Logging.Format)))
	log := logger.GetLogger().Sugar()
	defer logger.GetLogger().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer engine.Close()
	log.Infow("Store opened", "backend", cfg.Store.Backend, "store", engine.Description())

	ps := projects.New(engine, cfg.Projects.CacheTTL)
	if _, err := ps.EnsurePublic(ctx, cfg.Projects.Public); err != nil {
		return err
	}

	docs := documents.New(engine, security.New(engine), ps, documents.WithPublicProject(cfg.Projects.Public))
	registry, err := tasks.New(engine, cfg.Projects.Public)
	if err != nil {
		return err
	}

	var objects services.ObjectStore
	st, err := storage.New(ctx, cfg.Storage)
	switch {
	case err == nil:
		objects = st
	case errors.Is(err, storage.ErrNotConfigured):
		log.Infow("Object storage not configured, the storage service is disabled")
	default:
		return err
	}
	svcs := services.NewSet(services.Config{
		HTTPTimeout: cfg.Services.HTTPTimeout,
		SMSDryRun:   cfg.Services.SMSDryRun,
		EmailDryRun: cfg.Services.EmailDryRun,
	}, objects)

	runner, err := executor.New(registry, docs, svcs, executor.Config{
		Timeout:   cfg.Tasks.Timeout,
		MaxDepth:  cfg.Tasks.MaxDepth,
		CacheSize: cfg.Tasks.CacheSize,
	})
	if err != nil {
		return err
	}

	dispatcher := triggers.NewDispatcher(registry, runner)
	docs.OnWrite(dispatcher.Handle)

	if cfg.Tasks.Scheduler {
		scheduler := triggers.NewScheduler(registry, runner)
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
		registry.OnChange(func(ctx context.Context) {
			if err := scheduler.Sync(ctx); err != nil {
				log.Errorw("Failed to resync schedules", "error", err)
			}
		})
	}

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	health.AddReadinessCheck("store", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return engine.Ping(pingCtx)
	})

	a := api.New(ps, auth.New(engine, cfg.Auth.TokenTTL), docs, registry, runner)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Handle("/live", health)
	r.Handle("/ready", health)
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/", a.Routes())

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("tenantstore starting", "addr", "http://localhost:"+cfg.Server.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Graceful shutdown failed", "error", err)
	}
	dispatcher.Wait()
	return nil
}
