package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"volseg/internal/runs"
	"volseg/internal/workspace"
)

type jobResp struct {
	ID      string       `json:"id"`
	Uploads []string     `json:"uploads"`
	Outputs []string     `json:"outputs"`
	LastRun *runs.Record `json:"last_run,omitempty"`
}

// handleCreateJob handles POST /jobs and returns the new job id. Passing
// it as job_id to /upload, /run and /download keeps the job's files apart
// from every other job.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Workspace.Create()
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("create_job_failed")
		http.Error(w, "workspace error", http.StatusInternalServerError)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("job_id", job.ID).Msg("job_created")
	w.Header().Set("Location", "/jobs/"+job.ID)
	writeJSON(w, http.StatusCreated, jobResp{ID: job.ID, Uploads: []string{}, Outputs: []string{}})
}

// handleGetJob handles GET /jobs/{id}: the files waiting in the job's upload
// and output areas plus its latest run.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}

	uploads, err := workspace.Uploads(job)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	outputs, err := workspace.Outputs(job)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	resp := jobResp{ID: job.ID, Uploads: nonNil(uploads), Outputs: nonNil(outputs)}
	last, err := s.deps.Runs.Latest(r.Context(), job.ID)
	switch {
	case err == nil:
		resp.LastRun = &last
	case !errors.Is(err, runs.ErrNotFound):
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("job_id", job.ID).Msg("run_history_latest_failed")
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeleteJob handles DELETE /jobs/{id}, removing the job's files.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobFromPath(w, r)
	if !ok {
		return
	}
	if err := s.deps.Workspace.Remove(job); err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("job_id", job.ID).Msg("remove_job_failed")
		http.Error(w, "workspace error", http.StatusInternalServerError)
		return
	}
	zerolog.Ctx(r.Context()).Info().Str("job_id", job.ID).Msg("job_removed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobFromPath(w http.ResponseWriter, r *http.Request) (workspace.Job, bool) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "job not found", http.StatusNotFound)
		return workspace.Job{}, false
	}
	job, err := s.deps.Workspace.Resolve(id)
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

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
