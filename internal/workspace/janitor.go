package workspace

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// JanitorConfig holds configuration for the stale job sweeper.
type JanitorConfig struct {
	Enabled  bool
	Interval time.Duration
	MaxAge   time.Duration
	Clock    clockwork.Clock
	// OnRemove is called with the id of every job removed; may be nil.
	OnRemove func(id string)
}

// JanitorConfigFromEnv reads VOLSEG_JANITOR_ENABLED, VOLSEG_JANITOR_INTERVAL
// and VOLSEG_JOB_MAX_AGE (or VOLSEG_JOB_MAX_AGE_HOURS).
func JanitorConfigFromEnv() JanitorConfig {
	enabled := os.Getenv("VOLSEG_JANITOR_ENABLED") != "false"

	interval := 10 * time.Minute
	if v := os.Getenv("VOLSEG_JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	maxAge := 24 * time.Hour
	if v := os.Getenv("VOLSEG_JOB_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}
	if v := os.Getenv("VOLSEG_JOB_MAX_AGE_HOURS"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			maxAge = time.Duration(hours) * time.Hour
		}
	}

	return JanitorConfig{Enabled: enabled, Interval: interval, MaxAge: maxAge}
}

// RunJanitor periodically removes named jobs whose directory tree has not
// changed for MaxAge. It blocks until ctx is cancelled. The default job is
// never touched.
func (m *Manager) RunJanitor(ctx context.Context, cfg JanitorConfig) {
	logger := zerolog.Ctx(ctx).With().Str("component", "janitor").Logger()
	if !cfg.Enabled {
		logger.Info().Msg("disabled")
		return
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	logger.Info().Dur("interval", cfg.Interval).Dur("max_age", cfg.MaxAge).Msg("starting")

	ticker := cfg.Clock.NewTicker(cfg.Interval)
	defer ticker.Stop()

	m.Sweep(ctx, cfg)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting_down")
			return
		case <-ticker.Chan():
			m.Sweep(ctx, cfg)
		}
	}
}

// Sweep performs one janitor pass and returns the number of removed jobs.
func (m *Manager) Sweep(ctx context.Context, cfg JanitorConfig) int {
	logger := zerolog.Ctx(ctx).With().Str("component", "janitor").Logger()
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	start := clock.Now()
	cutoff := start.Add(-cfg.MaxAge)

	ids, err := m.JobIDs()
	if err != nil {
		logger.Error().Err(err).Msg("list_jobs_failed")
		return 0
	}

	removed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		last, err := m.LastActivity(id)
		if err != nil {
			logger.Warn().Err(err).Str("job_id", id).Msg("stat_job_failed")
			continue
		}
		if !last.Before(cutoff) {
			continue
		}

		logger.Info().Str("job_id", id).Dur("idle", start.Sub(last)).Msg("removing_stale_job")
		if err := m.Remove(m.job(id)); err != nil {
			logger.Error().Err(err).Str("job_id", id).Msg("remove_job_failed")
			continue
		}
		removed++
		if cfg.OnRemove != nil {
			cfg.OnRemove(id)
		}
	}

	logger.Debug().Int("removed", removed).Int64("duration_ms", clock.Since(start).Milliseconds()).Msg("sweep_complete")
	return removed
}
