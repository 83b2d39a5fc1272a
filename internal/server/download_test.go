package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volseg/internal/runs"
	"volseg/internal/workspace"
)

func zipEntries(t *testing.T, body []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(data)
	}
	return out
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestDownload_ReturnsArchiveOnce(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"}, upload{"b.nii.gz", "B"})).Code)
	require.Equal(t, http.StatusOK, env.do(runRequest("", ptr("0"))).Code)

	rr := env.do(downloadRequest(""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/zip", rr.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="outputs.zip"`, rr.Header().Get("Content-Disposition"))

	entries := zipEntries(t, rr.Body.Bytes())
	assert.Equal(t, []string{"a_seg.nii.gz", "b_seg.nii.gz"}, keys(entries))
	assert.Equal(t, "labels of a.nii.gz", entries["a_seg.nii.gz"])

	names, err := workspace.ListDir(filepath.Join(env.root, workspace.OutputDirName))
	require.NoError(t, err)
	assert.Empty(t, names, "output directory must be emptied")

	rr = env.do(downloadRequest(""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "No output files available for download", rr.Body.String())

	tmp, err := os.ReadDir(env.tmp)
	require.NoError(t, err)
	assert.Empty(t, tmp, "temporary archive must be removed")

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.DownloadsTotal))
}

func TestDownload_NothingToDownload(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(downloadRequest(""))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "No output files available for download", rr.Body.String())
}

func TestDownload_IncludesSubdirectories(t *testing.T) {
	env := newTestEnv(t)
	out := filepath.Join(env.root, workspace.OutputDirName)
	require.NoError(t, os.MkdirAll(filepath.Join(out, "case1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(out, "case1", "seg.nii.gz"), []byte("s"), 0o644))

	rr := env.do(downloadRequest(""))
	require.Equal(t, http.StatusOK, rr.Code)
	entries := zipEntries(t, rr.Body.Bytes())
	assert.Equal(t, "s", entries["case1/seg.nii.gz"])

	names, err := workspace.ListDir(out)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDownload_MarksRunDownloaded(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)
	rr := env.do(runRequest("", ptr("0")))
	require.Equal(t, http.StatusOK, rr.Code)
	runID := rr.Header().Get("X-Run-Id")

	require.Equal(t, http.StatusOK, env.do(downloadRequest("")).Code)

	rec, err := env.store.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.True(t, rec.Downloaded)
}

func TestDownload_MirrorsArchive(t *testing.T) {
	mirror := &fakeMirror{}
	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Archive = mirror })
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, workspace.OutputDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, workspace.OutputDirName, "x.nii.gz"), []byte("x"), 0o644))

	require.Equal(t, http.StatusOK, env.do(downloadRequest("")).Code)
	assert.Equal(t, []string{""}, mirror.jobs)
}

func TestDownload_MirrorFailureIsNotFatal(t *testing.T) {
	mirror := &fakeMirror{err: errors.New("bucket gone")}
	env := newTestEnv(t, func(_ *Config, d *Deps) { d.Archive = mirror })
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, workspace.OutputDirName), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, workspace.OutputDirName, "x.nii.gz"), []byte("x"), 0o644))

	rr := env.do(downloadRequest(""))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]string{"x.nii.gz": "x"}, zipEntries(t, rr.Body.Bytes()))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.ArchiveMirrorErrors))
}

func TestDownload_UnknownJob(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(downloadRequest("2b1c9a56-5d4e-4a57-9d65-0c1f4f2e8a10"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestFullCycle_DefaultJob(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, env.do(uploadRequest(t, "", upload{"a.nii.gz", "A"})).Code)
		require.Equal(t, http.StatusOK, env.do(runRequest("", ptr("0"))).Code)
		rr := env.do(downloadRequest(""))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, []string{"a_seg.nii.gz"}, keys(zipEntries(t, rr.Body.Bytes())))
	}

	list, err := env.store.List(context.Background(), runs.Filter{})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
