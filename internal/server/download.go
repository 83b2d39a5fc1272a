package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"volseg/internal/runs"
	"volseg/internal/workspace"
)

// archiveName is the attachment name offered to the client.
func archiveName(job workspace.Job) string {
	if job.Default() {
		return "outputs.zip"
	}
	return job.ID + ".zip"
}

// handleDownload handles GET /download. It zips the job's output area,
// empties it and streams the archive back. A second download without an
// intervening run finds nothing to send.
//
// Optional query parameter: job_id
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	job, ok := s.resolveJob(w, r)
	if !ok {
		return
	}

	unlock, ok := s.lockJob(w, job)
	if !ok {
		return
	}
	defer unlock()

	outputs, err := workspace.Outputs(job)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("list_outputs_failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if len(outputs) == 0 {
		writeText(w, "No output files available for download")
		return
	}

	path, size, err := workspace.ArchiveOutputs(job, s.cfg.TempDir)
	if err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("archive_failed")
		http.Error(w, "archive error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = os.Remove(path) }()

	if err := workspace.ClearOutputs(job); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID).Msg("clear_outputs_failed")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	s.mirrorArchive(r.Context(), logger, job, path)
	hctx, cancel := historyContext(r.Context())
	err = s.deps.Runs.MarkDownloaded(hctx, job.ID)
	cancel()
	if err != nil && !errors.Is(err, runs.ErrNotFound) {
		logger.Warn().Err(err).Str("job_id", job.ID).Msg("run_history_mark_downloaded_failed")
	}

	f, err := os.Open(path)
	if err != nil {
		logger.Error().Err(err).Msg("open_archive_failed")
		http.Error(w, "archive error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, archiveName(job)))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, f)
	if err != nil {
		logger.Warn().Err(err).Int64("bytes", n).Msg("download_interrupted")
		return
	}
	s.deps.Metrics.DownloadsTotal.Inc()
	s.deps.Metrics.DownloadBytesTotal.Add(float64(n))
	logger.Info().Str("job_id", job.ID).Strs("files", outputs).Int64("bytes", n).Msg("outputs_downloaded")
}

// mirrorArchive copies the archive to object storage when configured.
// Failures are logged and counted but never fail the download.
func (s *Server) mirrorArchive(ctx context.Context, logger *zerolog.Logger, job workspace.Job, path string) {
	if s.deps.Archive == nil {
		return
	}
	// The outputs are already cleared; the mirror must finish even if the
	// client goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
	defer cancel()

	key, err := s.deps.Archive.PutArchive(ctx, job.ID, path, time.Now().UTC())
	if err != nil {
		s.deps.Metrics.ArchiveMirrorErrors.Inc()
		logger.Error().Err(err).Str("job_id", job.ID).Msg("archive_mirror_failed")
		return
	}
	logger.Info().Str("bucket", s.deps.Archive.Bucket()).Str("object_key", key).Msg("archive_mirrored")
}
