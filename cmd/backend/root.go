package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"volseg/internal/config"
	"volseg/internal/db"
	"volseg/internal/logging"
	"volseg/internal/models"
	"volseg/internal/pipeline"
)

const (
	FlagEnvFile  = "env-file"
	FlagLogLevel = "log-level"

	DefaultEnvFile = ".env"
)

// RootCmd creates the root command and registers every subcommand.
func RootCmd() *cobra.Command {
	r := &cobra.Command{
		Use:           "volseg",
		Short:         "volseg serves volumetric segmentation over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			envFile, _ := cmd.Flags().GetString(FlagEnvFile)
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			opts := logging.OptionsFromEnv()
			if lvl, _ := cmd.Flags().GetString(FlagLogLevel); lvl != "" {
				opts.Level = lvl
			}
			logging.Init(opts)
			return nil
		},
	}

	r.PersistentFlags().String(FlagEnvFile, DefaultEnvFile, "dotenv file loaded before reading the environment")
	r.PersistentFlags().String(FlagLogLevel, "", "log level. debug|info|warn|error (overrides VOLSEG_LOG_LEVEL)")

	r.AddCommand(
		ServeCmd(),
		MigrateCmd(),
		InferCmd(),
		ModelsCmd(),
		VersionCmd(),
	)
	return r
}

// buildInfo prefers link-time values over the environment.
func buildInfo(cfg config.Config) config.BuildInfo {
	b := cfg.Build
	if version != "" {
		b.Version = version
	}
	if commit != "" {
		b.Commit = commit
	}
	return b
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and commit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			b := buildInfo(cfg)
			fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\nCommit: %s\n", b.Version, b.Commit)
			return nil
		},
	}
}

func MigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply run history database migrations",
		Long:  "Apply every pending migration to the database named by DATABASE_URL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			log.Info().Msg("running_migrations")
			if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			v, dirty, err := db.MigrationVersion(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			log.Info().Uint("version", v).Bool("dirty", dirty).Msg("migrations_complete")
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}
}

// loadRegistry builds the model registry from VOLSEG_MODELS_FILE when set,
// otherwise the two stock models.
// loadRegistry builds the model registry. Checkpoints resolve against the
// absolute models dir since the pipeline may run from another directory.
func loadRegistry(cfg config.Config) (*models.Registry, error) {
	dir, err := filepath.Abs(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	if cfg.ModelsFile == "" {
		return models.NewDefaultRegistry(dir, cfg.ModelStrict), nil
	}
	return models.LoadFile(cfg.ModelsFile, dir, cfg.ModelStrict)
}

func ModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the configured segmentation models",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"fallback": reg.Fallback(),
				"strict":   reg.Strict(),
				"models":   reg.List(),
			})
		},
	}
}

func InferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run the pipeline over a directory without the HTTP server",
		Example: `  volseg infer --model 0 --in ./uploads --out ./outputs
  volseg infer --model 1 --in /data/ct --out /data/labels --timeout 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			modelID, _ := cmd.Flags().GetString("model")
			in, _ := cmd.Flags().GetString("in")
			out, _ := cmd.Flags().GetString("out")
			// The pipeline may run from VOLSEG_PIPELINE_DIR.
			if in, err = filepath.Abs(in); err != nil {
				return err
			}
			if out, err = filepath.Abs(out); err != nil {
				return err
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout <= 0 {
				timeout = cfg.PipelineTimeout
			}

			reg, err := loadRegistry(cfg)
			if err != nil {
				return err
			}
			spec, err := reg.Select(modelID)
			if err != nil {
				return err
			}

			runner, err := pipeline.NewExecRunner(cfg.PipelineCmd, timeout)
			if err != nil {
				return err
			}
			runner.Dir = cfg.PipelineDir

			if err := os.MkdirAll(out, 0o755); err != nil {
				return fmt.Errorf("create output dir: %w", err)
			}

			start := time.Now()
			res, err := runner.Infer(cmd.Context(), pipeline.Request{
				Model:      spec,
				Transforms: pipeline.DefaultChain(),
				InputDir:   in,
				OutputDir:  out,
			})
			if err != nil {
				return err
			}
			log.Info().
				Str("model", spec.Architecture).
				Strs("outputs", res.Outputs).
				Dur("duration", time.Since(start)).
				Msg("inference_done")
			for _, o := range res.Outputs {
				fmt.Fprintln(cmd.OutOrStdout(), o)
			}
			return nil
		},
	}

	cmd.Flags().String("model", "0", "model id")
	cmd.Flags().String("in", "", "directory with input volumes")
	cmd.Flags().String("out", "", "directory for label maps")
	cmd.Flags().Duration("timeout", 0, "pipeline timeout (default VOLSEG_PIPELINE_TIMEOUT)")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
