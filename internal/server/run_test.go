package server

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volseg/internal/models"
	"volseg/internal/pipeline"
	"volseg/internal/runs"
	"volseg/internal/workspace"
)

func TestRun_MissingModelID(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(runRequest("", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Model ID not provided\n", rr.Body.String())

	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)
	rr = env.do(runRequest("", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	assert.Empty(t, env.runner.calls())
	names, err := workspace.ListDir(filepath.Join(env.root, workspace.UploadDirName))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.nii.gz"}, names, "uploads survive a refused run")
}

func TestRun_NoUploads(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(runRequest("", ptr("0")))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "No files uploaded for inference", rr.Body.String())
	assert.Empty(t, env.runner.calls())

	_, err := os.Stat(filepath.Join(env.root, workspace.OutputDirName))
	assert.True(t, os.IsNotExist(err), "output directory must not be created")
}

func TestRun_ModelSelection(t *testing.T) {
	tests := []struct {
		modelID    string
		arch       string
		checkpoint string
	}{
		{modelID: "0", arch: "UNETR", checkpoint: filepath.Join("models", "unetr.pth")},
		{modelID: "1", arch: "SWINUNETR", checkpoint: filepath.Join("models", "swinunetr.pth")},
		{modelID: "x", arch: "SWINUNETR", checkpoint: filepath.Join("models", "swinunetr.pth")},
		{modelID: "", arch: "SWINUNETR", checkpoint: filepath.Join("models", "swinunetr.pth")},
		{modelID: "00", arch: "SWINUNETR", checkpoint: filepath.Join("models", "swinunetr.pth")},
	}

	for _, tt := range tests {
		t.Run("model_id="+tt.modelID, func(t *testing.T) {
			env := newTestEnv(t)
			require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

			rr := env.do(runRequest("", ptr(tt.modelID)))
			require.Equal(t, http.StatusOK, rr.Code)

			calls := env.runner.calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.arch, calls[0].Model.Architecture)
			assert.Equal(t, tt.checkpoint, calls[0].Model.Checkpoint)
			assert.Equal(t, models.DefaultLabels, calls[0].Model.Labels)
			assert.Equal(t, models.DefaultModality, calls[0].Model.Modality)
			assert.Equal(t, pipeline.DefaultChain().Names(), calls[0].Transforms.Names())
		})
	}
}

func TestRun_StrictModeRefusesUnknownModel(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Models = models.NewDefaultRegistry("models", true) })
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	rr := env.do(runRequest("", ptr("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, env.runner.calls())

	rr = env.do(runRequest("", ptr("1")))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRun_Success(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"}, upload{"b.nii.gz", "B"})).Code)

	rr := env.do(runRequest("", ptr("0")))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Inference done. Output files: a_seg.nii.gz, b_seg.nii.gz", rr.Body.String())

	_, err := os.Stat(filepath.Join(env.root, workspace.UploadDirName))
	assert.True(t, os.IsNotExist(err), "upload directory must be removed")

	calls := env.runner.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, filepath.Join(env.root, workspace.UploadDirName), calls[0].InputDir)
	assert.Equal(t, filepath.Join(env.root, workspace.OutputDirName), calls[0].OutputDir)

	runID := rr.Header().Get("X-Run-Id")
	rec, err := env.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, rec.Status)
	assert.Equal(t, "0", rec.ModelKey)
	assert.Equal(t, []string{"a.nii.gz", "b.nii.gz"}, rec.Inputs)
	assert.Equal(t, []string{"a_seg.nii.gz", "b_seg.nii.gz"}, rec.Outputs)
	assert.NotNil(t, rec.FinishedAt)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InferenceRunsTotal.WithLabelValues("UNETR", outcomeSucceeded)))
}

func TestRun_PipelineFailureStillRemovesUploads(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = errors.New("checkpoint not found")
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	rr := env.do(runRequest("", ptr("1")))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "inference failed\n", rr.Body.String())

	_, err := os.Stat(filepath.Join(env.root, workspace.UploadDirName))
	assert.True(t, os.IsNotExist(err), "upload directory must be removed on failure")

	outputs, err := workspace.ListDir(filepath.Join(env.root, workspace.OutputDirName))
	require.NoError(t, err)
	assert.Equal(t, []string{"a_seg.nii.gz"}, outputs, "partial outputs are kept")

	list, err := env.store.List(context.Background(), runs.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, runs.StatusFailed, list[0].Status)
	assert.Equal(t, "checkpoint not found", list[0].Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.InferenceRunsTotal.WithLabelValues("SWINUNETR", outcomeFailed)))
}

func TestRun_BreakerOpen(t *testing.T) {
	env := newTestEnv(t)
	env.runner.err = gobreaker.ErrOpenState
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	rr := env.do(runRequest("", ptr("0")))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRun_CapacityExhausted(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	require.NoError(t, env.srv.sem.Acquire(context.Background(), 1))
	defer env.srv.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rr := env.do(runRequest("", ptr("0")).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Empty(t, env.runner.calls())

	names, err := workspace.ListDir(filepath.Join(env.root, workspace.UploadDirName))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.nii.gz"}, names, "rejected runs keep their uploads")
}

func TestRun_MultipartForm(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("model_id", "0"))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/run", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := env.do(req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, env.runner.calls(), 1)
	assert.Equal(t, "UNETR", env.runner.calls()[0].Model.Architecture)
}

func TestRun_MultipartSpillIsRemoved(t *testing.T) {
	env := newTestEnv(t, func(c *Config, _ *Deps) { c.MultipartMemory = 16 })
	spill := t.TempDir()
	t.Setenv("TMPDIR", spill)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("model_id", "0"))
	fw, err := mw.CreateFormFile("notes", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte("x"), 4096))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/run", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rr := env.do(req)
	require.Equal(t, http.StatusOK, rr.Code)

	left, err := os.ReadDir(spill)
	require.NoError(t, err)
	assert.Empty(t, left, "spilled multipart parts must be removed")
}

// ctxStore refuses writes on a finished context, as a database driver does.
type ctxStore struct {
	*runs.MemoryStore
}

func (s ctxStore) Create(ctx context.Context, rec runs.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Create(ctx, rec)
}

func (s ctxStore) Finish(ctx context.Context, id string, status runs.Status, outputs []string, errMsg string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Finish(ctx, id, status, outputs, errMsg, at)
}

func (s ctxStore) MarkDownloaded(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.MarkDownloaded(ctx, jobID)
}

type runnerFunc func(ctx context.Context, req pipeline.Request) (pipeline.Result, error)

func (f runnerFunc) Infer(ctx context.Context, req pipeline.Request) (pipeline.Result, error) {
	return f(ctx, req)
}

func TestRun_ClientGoneStillFinishesRecord(t *testing.T) {
	store := ctxStore{runs.NewMemoryStore()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, func(_ *Config, d *Deps) {
		d.Runs = store
		d.Runner = runnerFunc(func(ctx context.Context, _ pipeline.Request) (pipeline.Result, error) {
			cancel()
			<-ctx.Done()
			return pipeline.Result{}, ctx.Err()
		})
	})
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)

	env.do(runRequest("", ptr("0")).WithContext(ctx))

	recs, err := store.List(context.Background(), runs.Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, runs.StatusFailed, recs[0].Status)
	assert.NotNil(t, recs[0].FinishedAt)
}

func TestDownload_ClientGoneStillMarksDownloaded(t *testing.T) {
	store := ctxStore{runs.NewMemoryStore()}
	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Runs = store })
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)
	rr := env.do(runRequest("", ptr("0")))
	require.Equal(t, http.StatusOK, rr.Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.do(downloadRequest("").WithContext(ctx))

	rec, err := store.Get(context.Background(), rr.Header().Get("X-Run-Id"))
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
}
