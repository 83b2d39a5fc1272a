package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"volseg/internal/models"
	"volseg/internal/pipeline"
	"volseg/internal/runs"
	"volseg/internal/workspace"
)

// Config holds the HTTP-facing settings.
type Config struct {
	Addr    string // e.g. ":8080"
	Version string

	MaxUploadBytes    int64 // 0 disables the limit
	MaxConcurrentRuns int64
	RateLimitRPS      float64 // <= 0 disables rate limiting
	RateLimitBurst    int

	// TempDir receives download archives; empty means os.TempDir().
	TempDir string

	// MultipartMemory bounds the multipart body held in memory before parts
	// spill to temporary files; 0 means 32 MiB.
	MultipartMemory int64
}

// ArchiveMirror stores a copy of every downloaded archive.
type ArchiveMirror interface {
	PutArchive(ctx context.Context, jobID, localPath string, at time.Time) (string, error)
	Ping(ctx context.Context) error
	Bucket() string
}

// Deps are the collaborators the handlers work with. Workspace, Models and
// Runner are required.
type Deps struct {
	Workspace *workspace.Manager
	Models    *models.Registry
	Runner    pipeline.Runner
	Runs      runs.Store    // defaults to an in-memory store
	Archive   ArchiveMirror // nil disables mirroring
	DB        *sql.DB       // optional, only used by health checks
	Metrics   *Metrics      // defaults to metrics on a private registry
	Logger    *zerolog.Logger
}

type Server struct {
	cfg  Config
	deps Deps

	sem     *semaphore.Weighted
	limiter *rateLimiter
	log     zerolog.Logger

	handler    http.Handler
	httpServer *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.MultipartMemory <= 0 {
		cfg.MultipartMemory = multipartMemory
	}
	if deps.Runs == nil {
		deps.Runs = runs.NewMemoryStore()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		sem:  semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		log:  log.Logger,
	}
	if deps.Logger != nil {
		s.log = *deps.Logger
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		s.limiter.onLimited = deps.Metrics.RateLimitedTotal.Inc
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /run", s.handleRun)
	mux.HandleFunc("GET /download", s.handleDownload)

	mux.HandleFunc("POST /jobs", s.handleCreateJob)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("DELETE /jobs/{id}", s.handleDeleteJob)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /models", s.handleModels)

	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /health/live", s.HandleLive)
	mux.HandleFunc("GET /health/ready", s.HandleReady)
	mux.Handle("GET /metrics", deps.Metrics.Handler())

	// Wrap middleware: requestID -> recover -> logging -> security -> rate limit -> compression -> metrics -> mux
	var handler http.Handler = mux
	handler = deps.Metrics.middleware(handler)
	handler = compressionMiddleware(handler)
	if s.limiter != nil {
		handler = s.limiter.middleware(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoverMiddleware(handler)
	handler = s.requestIDMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// resolveJob reads job_id from the query string or form and answers 404
// for unknown jobs.
func (s *Server) resolveJob(w http.ResponseWriter, r *http.Request) (workspace.Job, bool) {
	job, err := s.deps.Workspace.Resolve(r.FormValue("job_id"))
	if err != nil {
		if errors.Is(err, workspace.ErrUnknownJob) {
			http.Error(w, "job not found", http.StatusNotFound)
			return workspace.Job{}, false
		}
		http.Error(w, "workspace error", http.StatusInternalServerError)
		return workspace.Job{}, false
	}
	return job, true
}

// lockJob serialises work on job. A job removed while the request waited
// for the lock is reported as not found.
func (s *Server) lockJob(w http.ResponseWriter, job workspace.Job) (func(), bool) {
	unlock, err := s.deps.Workspace.Lock(job)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil, false
	}
	return unlock, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(msg))
}
