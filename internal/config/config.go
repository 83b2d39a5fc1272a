// Package config loads the service configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"volseg/internal/storage"
	"volseg/internal/workspace"
)

// BuildInfo is injected at build time or from VOLSEG_VERSION / VOLSEG_COMMIT.
type BuildInfo struct {
	Version string
	Commit  string
}

type Config struct {
	Addr  string
	Build BuildInfo

	DataDir     string
	ModelsDir   string
	ModelsFile  string
	ModelStrict bool

	PipelineCmd        string
	PipelineDir        string
	PipelineTimeout    time.Duration
	MaxConcurrentRuns  int64
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration

	MaxUploadBytes int64
	RateLimitRPS   float64
	RateLimitBurst int

	DatabaseURL string
	S3          storage.Config
	Janitor     workspace.JanitorConfig
}

// LoadDotEnv loads path (default ".env") into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Load validates the environment and builds a Config.
func Load() (Config, error) {
	if err := Validate(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Addr: getenvDefault("VOLSEG_ADDR", ":8080"),
		Build: BuildInfo{
			Version: getenvDefault("VOLSEG_VERSION", "dev"),
			Commit:  getenvDefault("VOLSEG_COMMIT", "unknown"),
		},
		DataDir:     getenvDefault("VOLSEG_DATA_DIR", "."),
		ModelsDir:   getenvDefault("VOLSEG_MODELS_DIR", "models"),
		ModelsFile:  os.Getenv("VOLSEG_MODELS_FILE"),
		ModelStrict: os.Getenv("VOLSEG_MODEL_STRICT") == "true",

		PipelineCmd: getenvDefault("VOLSEG_PIPELINE_CMD", "python3 pipeline.py"),
		PipelineDir: os.Getenv("VOLSEG_PIPELINE_DIR"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		S3:          storage.ConfigFromEnv(),
		Janitor:     workspace.JanitorConfigFromEnv(),
	}

	cfg.PipelineTimeout = durationDefault("VOLSEG_PIPELINE_TIMEOUT", 30*time.Minute)
	cfg.BreakerOpenTimeout = durationDefault("VOLSEG_BREAKER_OPEN_TIMEOUT", 30*time.Second)
	cfg.MaxConcurrentRuns = int64(intDefault("VOLSEG_MAX_CONCURRENT_RUNS", 1))
	cfg.BreakerMaxFailures = uint32(intDefault("VOLSEG_BREAKER_MAX_FAILURES", 3))
	cfg.MaxUploadBytes = int64(intDefault("VOLSEG_MAX_UPLOAD_BYTES", 0))
	cfg.RateLimitBurst = intDefault("VOLSEG_RATE_LIMIT_BURST", 20)

	cfg.RateLimitRPS = 10
	if v := os.Getenv("VOLSEG_RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("VOLSEG_RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}

	return cfg, nil
}

// getenvDefault reads an environment variable and returns a default value if not set.
func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func durationDefault(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func intDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
