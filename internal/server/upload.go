package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"volseg/internal/workspace"
)

const multipartMemory = 32 << 20

// parseForm parses urlencoded and multipart bodies. A request without a
// multipart body is not an error. Callers remove r.MultipartForm when done.
func (s *Server) parseForm(r *http.Request) error {
	err := r.ParseMultipartForm(s.cfg.MultipartMemory)
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return err
	}
	return nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe) || strings.Contains(err.Error(), "request body too large")
}

// handleUpload handles POST /upload. Every multipart part named "file" is
// written to the job's upload area under its client supplied name,
// replacing any file of the same name.
//
// Optional field: job_id (defaults to the shared workspace)
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := s.parseForm(r); err != nil {
		if isTooLarge(err) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	job, ok := s.resolveJob(w, r)
	if !ok {
		return
	}

	files := r.MultipartForm
	if files == nil || len(files.File["file"]) == 0 {
		writeText(w, "No files provided")
		return
	}

	unlock, ok := s.lockJob(w, job)
	if !ok {
		return
	}
	defer unlock()

	paths := make([]string, 0, len(files.File["file"]))
	for _, fh := range files.File["file"] {
		f, err := fh.Open()
		if err != nil {
			http.Error(w, "bad multipart", http.StatusBadRequest)
			return
		}
		path, n, err := workspace.SaveUpload(job, fh.Filename, f)
		_ = f.Close()
		if err != nil {
			if errors.Is(err, workspace.ErrInvalidName) {
				http.Error(w, "invalid file name", http.StatusBadRequest)
				return
			}
			logger.Error().Err(err).Str("job_id", job.ID).Msg("save_upload_failed")
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		s.deps.Metrics.UploadedFilesTotal.Inc()
		s.deps.Metrics.UploadedBytesTotal.Add(float64(n))
		paths = append(paths, path)
	}

	logger.Info().Str("job_id", job.ID).Int("files", len(paths)).Msg("files_uploaded")
	if !job.Default() {
		w.Header().Set("X-Job-Id", job.ID)
	}
	writeText(w, "Files uploaded successfully: "+strings.Join(paths, ", "))
}
