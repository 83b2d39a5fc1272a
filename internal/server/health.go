package server

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// breakerStater is implemented by runners guarded by a circuit breaker.
type breakerStater interface {
	State() gobreaker.State
}

// HandleHealth provides a detailed health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady reports whether the service can take work: the data root is
// reachable and, when configured, the database answers.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if c := s.checkWorkspaceHealth(); c.Status == ComponentStatusDown {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": c.Message})
		return
	}
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "message": "database unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// HandleLive provides a liveness probe (is the process running?)
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp:  time.Now(),
		Version:    s.cfg.Version,
		Components: make(map[string]ComponentHealth),
	}

	health.Components["workspace"] = s.checkWorkspaceHealth()
	health.Components["models"] = s.checkModelsHealth()
	if bs, ok := s.deps.Runner.(breakerStater); ok {
		health.Components["pipeline"] = checkBreakerHealth(bs)
	}
	if s.deps.DB != nil {
		health.Components["database"] = s.checkDatabaseHealth(ctx)
	}
	if s.deps.Archive != nil {
		health.Components["archive"] = s.checkArchiveHealth(ctx)
	}

	health.Status = determineOverallHealth(health.Components)
	return health
}

// checkWorkspaceHealth verifies the data root exists and is a directory.
func (s *Server) checkWorkspaceHealth() ComponentHealth {
	root := s.deps.Workspace.Root()
	info, err := os.Stat(root)
	if err != nil {
		return ComponentHealth{Status: ComponentStatusDown, Message: "data root unavailable: " + err.Error()}
	}
	if !info.IsDir() {
		return ComponentHealth{Status: ComponentStatusDown, Message: "data root is not a directory"}
	}
	return ComponentHealth{
		Status:  ComponentStatusUp,
		Message: "workspace healthy",
		Details: map[string]any{"root": root, "inference_slots": s.cfg.MaxConcurrentRuns},
	}
}

// checkModelsHealth reports which checkpoints are missing on disk. Missing
// checkpoints degrade rather than fail: the pipeline may resolve them from
// its own working directory.
func (s *Server) checkModelsHealth() ComponentHealth {
	specs := s.deps.Models.List()
	var missing []string
	for _, spec := range specs {
		if _, err := os.Stat(spec.Checkpoint); err != nil {
			missing = append(missing, spec.Checkpoint)
		}
	}
	details := map[string]any{"models": len(specs), "missing_checkpoints": missing}
	if len(missing) > 0 {
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "checkpoints missing", Details: details}
	}
	return ComponentHealth{Status: ComponentStatusUp, Message: "models healthy", Details: details}
}

func checkBreakerHealth(bs breakerStater) ComponentHealth {
	state := bs.State()
	switch state {
	case gobreaker.StateOpen:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "pipeline circuit open"}
	case gobreaker.StateHalfOpen:
		return ComponentHealth{Status: ComponentStatusDegraded, Message: "pipeline circuit half-open"}
	default:
		return ComponentHealth{Status: ComponentStatusUp, Message: "pipeline healthy"}
	}
}

// checkDatabaseHealth checks PostgreSQL connectivity and performance
func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.deps.DB.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()
	stats := s.deps.DB.Stats()
	details := map[string]any{
		"open_connections": stats.OpenConnections,
		"in_use":           stats.InUse,
		"idle":             stats.Idle,
		"wait_count":       stats.WaitCount,
		"wait_duration_ms": stats.WaitDuration.Milliseconds(),
	}

	status := ComponentStatusUp
	message := "database healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "database latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   details,
	}
}

// checkArchiveHealth checks the object storage bucket. The mirror is
// optional, so a failure only degrades the service.
func (s *Server) checkArchiveHealth(ctx context.Context) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.deps.Archive.Ping(ctx); err != nil {
		return ComponentHealth{
			Status:  ComponentStatusDegraded,
			Message: "archive storage unavailable: " + err.Error(),
		}
	}

	latency := time.Since(start).Milliseconds()
	status := ComponentStatusUp
	message := "archive storage healthy"
	if latency > 2000 {
		status = ComponentStatusDegraded
		message = "archive storage latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   map[string]string{"bucket": s.deps.Archive.Bucket()},
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int
	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
