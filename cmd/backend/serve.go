package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"volseg/internal/config"
	"volseg/internal/db"
	"volseg/internal/models"
	"volseg/internal/pipeline"
	"volseg/internal/runs"
	"volseg/internal/server"
	"volseg/internal/storage"
	"volseg/internal/workspace"
)

const shutdownTimeout = 10 * time.Second

func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the HTTP server. Configuration comes from VOLSEG_* environment
variables, optionally seeded from a dotenv file. When DATABASE_URL is set
run history is kept in PostgreSQL and migrations are applied on start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			for _, w := range config.Warnings() {
				log.Warn().Msg(w)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides VOLSEG_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := log.Logger.With().Str("component", "backend").Logger()
	ctx = logger.WithContext(ctx)
	build := buildInfo(cfg)

	metrics := server.NewMetrics(server.NewRegistry())

	var err error

	if cfg.ModelsDir, err = filepath.Abs(cfg.ModelsDir); err != nil {
		return err
	}
	registry, err := loadRegistry(cfg)
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}
	if cfg.ModelsFile != "" {
		go func() {
			if err := models.Watch(ctx, registry, cfg.ModelsFile, cfg.ModelsDir); err != nil {
				logger.Error().Err(err).Msg("models_watch_failed")
			}
		}()
	}

	execRunner, err := pipeline.NewExecRunner(cfg.PipelineCmd, cfg.PipelineTimeout)
	if err != nil {
		return err
	}
	execRunner.Dir = cfg.PipelineDir
	runner := pipeline.NewBreakerRunner(execRunner, pipeline.BreakerSettings{
		MaxFailures:   cfg.BreakerMaxFailures,
		OpenTimeout:   cfg.BreakerOpenTimeout,
		OnStateChange: metrics.SetBreakerState,
	})

	var (
		store  runs.Store = runs.NewMemoryStore()
		dbConn *sql.DB
	)
	if cfg.DatabaseURL != "" {
		dbConn, err = db.OpenDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer func() { _ = dbConn.Close() }()

		logger.Info().Msg("running_migrations")
		if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Msg("migrations_complete")
		store = runs.NewPostgresStore(dbConn)
	}

	var mirror server.ArchiveMirror
	if cfg.S3.Enabled() {
		as, err := storage.NewArchiveStore(ctx, cfg.S3)
		if err != nil {
			return fmt.Errorf("archive storage: %w", err)
		}
		mirror = as
		logger.Info().Str("bucket", as.Bucket()).Msg("archive_mirror_enabled")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	ws := workspace.NewManager(cfg.DataDir)

	janitor := cfg.Janitor
	janitor.OnRemove = metrics.JobRemoved
	go ws.RunJanitor(ctx, janitor)

	srv := server.New(server.Config{
		Addr:              cfg.Addr,
		Version:           build.Version,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		RateLimitRPS:      cfg.RateLimitRPS,
		RateLimitBurst:    cfg.RateLimitBurst,
	}, server.Deps{
		Workspace: ws,
		Models:    registry,
		Runner:    runner,
		Runs:      store,
		Archive:   mirror,
		DB:        dbConn,
		Metrics:   metrics,
		Logger:    &logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Addr).
			Str("version", build.Version).
			Str("commit", build.Commit).
			Str("data_dir", cfg.DataDir).
			Msg("starting")
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info().Msg("shutdown_complete")
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
