package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"volseg/internal/models"
	"volseg/internal/pipeline"
	"volseg/internal/runs"
	"volseg/internal/workspace"
)

// handleRun handles POST /run. It runs the selected model over everything
// in the job's upload area, writes results to the output area and then
// deletes the upload area, whether or not inference succeeded.
//
// Required field: model_id ("0" selects UNETR, anything else SWINUNETR
// unless the registry says otherwise)
// Optional field: job_id
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if err := s.parseForm(r); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}
	if _, ok := r.Form["model_id"]; !ok {
		http.Error(w, "Model ID not provided", http.StatusBadRequest)
		return
	}
	modelID := r.Form.Get("model_id")

	spec, err := s.deps.Models.Select(modelID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownModel) {
			http.Error(w, "Unknown model ID", http.StatusBadRequest)
			return
		}
		http.Error(w, "model registry error", http.StatusInternalServerError)
		return
	}

	job, ok := s.resolveJob(w, r)
	if !ok {
		return
	}

	unlock, ok := s.lockJob(w, job)
	if !ok {
		return
	}
	defer unlock()

	inputs, err := workspace.Uploads(job)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("list_uploads_failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if len(inputs) == 0 {
		writeText(w, "No files uploaded for inference")
		return
	}

	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		s.deps.Metrics.InferenceRunsTotal.WithLabelValues(spec.Architecture, outcomeRejected).Inc()
		http.Error(w, "inference capacity exhausted", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	// From here on the upload area is consumed, whatever the outcome.
	defer func() {
		if err := workspace.RemoveUploads(job); err != nil {
			logger.Error().Err(err).Str("job_id", job.ID).Msg("remove_uploads_failed")
		}
	}()

	if err := workspace.EnsureOutputDir(job); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("create_output_dir_failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	rec := runs.Record{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		ModelKey:     spec.Key,
		Architecture: spec.Architecture,
		Status:       runs.StatusRunning,
		Inputs:       inputs,
		StartedAt:    time.Now().UTC(),
	}
	hctx, cancel := historyContext(r.Context())
	err = s.deps.Runs.Create(hctx, rec)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("run_id", rec.ID).Msg("run_history_create_failed")
	}
	runLog := logger.With().
		Str("run_id", rec.ID).
		Str("job_id", job.ID).
		Str("model", spec.Architecture).
		Logger()
	runLog.Info().Strs("inputs", inputs).Msg("inference_started")

	s.deps.Metrics.InferenceInFlight.Inc()
	start := time.Now()
	_, inferErr := s.deps.Runner.Infer(r.Context(), pipeline.Request{
		Model:      spec,
		Transforms: pipeline.DefaultChain(),
		InputDir:   job.UploadDir,
		OutputDir:  job.OutputDir,
	})
	elapsed := time.Since(start)
	s.deps.Metrics.InferenceInFlight.Dec()
	s.deps.Metrics.InferenceDuration.WithLabelValues(spec.Architecture).Observe(elapsed.Seconds())

	outputs, listErr := workspace.Outputs(job)
	if listErr != nil {
		runLog.Error().Err(listErr).Msg("list_outputs_failed")
	}

	status, errMsg := runs.StatusSucceeded, ""
	if inferErr != nil {
		status, errMsg = runs.StatusFailed, inferErr.Error()
	}
	hctx, cancel = historyContext(r.Context())
	err = s.deps.Runs.Finish(hctx, rec.ID, status, outputs, errMsg, time.Now().UTC())
	cancel()
	if err != nil {
		runLog.Warn().Err(err).Msg("run_history_finish_failed")
	}

	if inferErr != nil {
		runLog.Error().Err(inferErr).Dur("duration", elapsed).Msg("inference_failed")
		if errors.Is(inferErr, gobreaker.ErrOpenState) || errors.Is(inferErr, gobreaker.ErrTooManyRequests) {
			s.deps.Metrics.InferenceRunsTotal.WithLabelValues(spec.Architecture, outcomeRejected).Inc()
			http.Error(w, "inference unavailable", http.StatusServiceUnavailable)
			return
		}
		s.deps.Metrics.InferenceRunsTotal.WithLabelValues(spec.Architecture, outcomeFailed).Inc()
		http.Error(w, "inference failed", http.StatusBadGateway)
		return
	}
	if listErr != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	s.deps.Metrics.InferenceRunsTotal.WithLabelValues(spec.Architecture, outcomeSucceeded).Inc()
	runLog.Info().Strs("outputs", outputs).Dur("duration", elapsed).Msg("inference_done")

	w.Header().Set("X-Run-Id", rec.ID)
	writeText(w, "Inference done. Output files: "+strings.Join(outputs, ", "))
}
