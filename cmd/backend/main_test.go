package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"volseg/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := RootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandStructure(t *testing.T) {
	root := RootCmd()
	assert.Equal(t, "volseg", root.Use)

	for _, name := range []string{"serve", "migrate", "infer", "models", "version"} {
		t.Run(name, func(t *testing.T) {
			cmd, _, err := root.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, cmd.Name())
			assert.NotEmpty(t, cmd.Short)
		})
	}
}

func TestVersionCmd(t *testing.T) {
	t.Setenv("VOLSEG_VERSION", "1.2.3")
	t.Setenv("VOLSEG_COMMIT", "abc")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "Version: 1.2.3\nCommit: abc\n", out)
}

func TestVersionCmd_InvalidConfig(t *testing.T) {
	t.Setenv("VOLSEG_LOG_FORMAT", "xml")

	_, err := execute(t, "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VOLSEG_LOG_FORMAT")
}

func TestModelsCmd(t *testing.T) {
	out, err := execute(t, "models")
	require.NoError(t, err)

	var resp struct {
		Fallback string `json:"fallback"`
		Strict   bool   `json:"strict"`
		Models   []struct {
			Key          string `json:"key"`
			Architecture string `json:"architecture"`
		} `json:"models"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "1", resp.Fallback)
	assert.False(t, resp.Strict)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "UNETR", resp.Models[0].Architecture)
	assert.Equal(t, "SWINUNETR", resp.Models[1].Architecture)
}

func TestMigrateCmd_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestInferCmd(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "pipeline.sh")
	require.NoError(t, os.WriteFile(script, []byte("cat > /dev/null\necho '{\"outputs\":[\"a_seg.nii.gz\"]}'\n"), 0o755))
	t.Setenv("VOLSEG_PIPELINE_CMD", "sh "+script)

	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(in, 0o755))

	stdout, err := execute(t, "infer", "--model", "0", "--in", in, "--out", out)
	require.NoError(t, err)
	assert.Equal(t, "a_seg.nii.gz", strings.TrimSpace(stdout))

	info, err := os.Stat(out)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestInferCmd_RelativeDirsWithPipelineDir(t *testing.T) {
	work := t.TempDir()
	pipeDir := t.TempDir()
	script := filepath.Join(pipeDir, "pipeline.sh")
	require.NoError(t, os.WriteFile(script, []byte(`req=$(cat)
d=$(printf '%s' "$req" | sed -n 's/.*"data_folder":"\([^"]*\)".*/\1/p')
[ -d "$d" ] || { echo "data_folder $d not found in $(pwd)" >&2; exit 1; }
echo '{"outputs":["a_seg.nii.gz"]}'
`), 0o755))
	t.Setenv("VOLSEG_PIPELINE_CMD", "sh "+script)
	t.Setenv("VOLSEG_PIPELINE_DIR", pipeDir)

	require.NoError(t, os.MkdirAll(filepath.Join(work, "in"), 0o755))
	t.Chdir(work)

	stdout, err := execute(t, "infer", "--model", "0", "--in", "in", "--out", "out")
	require.NoError(t, err)
	assert.Equal(t, "a_seg.nii.gz", strings.TrimSpace(stdout))
	assert.DirExists(t, filepath.Join(work, "out"))
}

func TestInferCmd_StrictUnknownModel(t *testing.T) {
	t.Setenv("VOLSEG_MODEL_STRICT", "true")
	dir := t.TempDir()

	_, err := execute(t, "infer", "--model", "x", "--in", dir, "--out", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown model")
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	t.Setenv("VOLSEG_DATA_DIR", t.TempDir())
	t.Setenv("VOLSEG_JANITOR_ENABLED", "false")

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestBuildInfo(t *testing.T) {
	cfg := config.Config{Build: config.BuildInfo{Version: "env", Commit: "env"}}
	assert.Equal(t, config.BuildInfo{Version: "env", Commit: "env"}, buildInfo(cfg))

	version, commit = "1.0.0", "deadbeef"
	t.Cleanup(func() { version, commit = "", "" })
	assert.Equal(t, config.BuildInfo{Version: "1.0.0", Commit: "deadbeef"}, buildInfo(cfg))
}
