package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"volseg/internal/runs"
)

const historyWriteTimeout = 5 * time.Second

// historyContext detaches run history writes from the request so a client
// that hangs up mid-inference does not leave a record in the running state.
func historyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), historyWriteTimeout)
}

// handleListRuns handles GET /runs. job_id narrows the list to one job; an
// empty job_id selects the shared workspace. limit caps the result.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f runs.Filter
	if q.Has("job_id") {
		id := q.Get("job_id")
		if id != "" {
			parsed, err := uuid.Parse(id)
			if err != nil {
				http.Error(w, "bad job_id", http.StatusBadRequest)
				return
			}
			id = parsed.String()
		}
		f.JobID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Runs.List(r.Context(), f)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("run_history_list_failed")
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []runs.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

// handleGetRun handles GET /runs/{id}.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	rec, err := s.deps.Runs.Get(r.Context(), id.String())
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("run_history_get_failed")
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleModels handles GET /models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"fallback": s.deps.Models.Fallback(),
		"strict":   s.deps.Models.Strict(),
		"models":   s.deps.Models.List(),
	})
}
