package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_Select(t *testing.T) {
	r := NewDefaultRegistry("models", false)

	tests := []struct {
		name     string
		key      string
		wantArch string
		wantCkpt string
	}{
		{"zero selects UNETR", "0", "UNETR", filepath.Join("models", "unetr.pth")},
		{"one selects SWINUNETR", "1", "SWINUNETR", filepath.Join("models", "swinunetr.pth")},
		{"unknown falls back", "x", "SWINUNETR", filepath.Join("models", "swinunetr.pth")},
		{"empty falls back", "", "SWINUNETR", filepath.Join("models", "swinunetr.pth")},
		{"padded zero is not zero", " 0", "SWINUNETR", filepath.Join("models", "swinunetr.pth")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := r.Select(tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.wantArch, spec.Architecture)
			assert.Equal(t, tt.wantCkpt, spec.Checkpoint)
			assert.Equal(t, 1, spec.Modality)
			assert.Equal(t, 14, spec.Labels)
		})
	}
}

func TestDefaultRegistry_StrictRefusesUnknown(t *testing.T) {
	r := NewDefaultRegistry("models", true)

	_, err := r.Select("x")
	require.ErrorIs(t, err, ErrUnknownModel)

	spec, err := r.Select("0")
	require.NoError(t, err)
	assert.Equal(t, "UNETR", spec.Architecture)
}

func TestNewRegistry_Validation(t *testing.T) {
	good := Spec{Key: "a", Architecture: "UNETR", Checkpoint: "a.pth", Modality: 1, Labels: 14}

	_, err := NewRegistry(nil, "a", false)
	assert.Error(t, err)

	_, err = NewRegistry([]Spec{good, good}, "a", false)
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewRegistry([]Spec{good}, "b", false)
	assert.ErrorContains(t, err, "fallback")

	bad := good
	bad.Checkpoint = ""
	_, err = NewRegistry([]Spec{bad}, "a", false)
	assert.ErrorContains(t, err, "checkpoint")

	r, err := NewRegistry([]Spec{good}, "a", false)
	require.NoError(t, err)
	assert.Equal(t, "a", r.Fallback())
	assert.False(t, r.Strict())
}

func TestRegistry_ListSorted(t *testing.T) {
	r := NewDefaultRegistry("m", false)
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "0", list[0].Key)
	assert.Equal(t, "1", list[1].Key)
}

const registryYAML = `fallback: seg
models:
  - key: "0"
    architecture: UNETR
    checkpoint: unetr.pth
  - key: seg
    architecture: SEGRESNET
    checkpoint: /abs/segresnet.pth
    labels: 3
`

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	r, err := LoadFile(path, "ckpt", false)
	require.NoError(t, err)

	spec, err := r.Select("0")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("ckpt", "unetr.pth"), spec.Checkpoint)
	assert.Equal(t, DefaultLabels, spec.Labels)
	assert.Equal(t, DefaultModality, spec.Modality)

	spec, err = r.Select("nope")
	require.NoError(t, err)
	assert.Equal(t, "SEGRESNET", spec.Architecture)
	assert.Equal(t, "/abs/segresnet.pth", spec.Checkpoint)
	assert.Equal(t, 3, spec.Labels)
}

func TestLoadFile_UnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("modles: []\n"), 0o644))

	_, err := LoadFile(path, "", false)
	assert.Error(t, err)
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: [\n"), 0o644))

	r := NewDefaultRegistry("models", false)
	require.Error(t, r.Reload(path, "models"))

	spec, err := r.Select("0")
	require.NoError(t, err)
	assert.Equal(t, "UNETR", spec.Architecture)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	r, err := LoadFile(path, dir, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, r, path, dir) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	updated := `fallback: "0"
models:
  - key: "0"
    architecture: DYNUNET
    checkpoint: dynunet.pth
`
	// The watcher may not be registered yet on the first write, so keep
	// rewriting until the reload is observed.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(updated), 0o644)
		spec, err := r.Select("0")
		return err == nil && spec.Architecture == "DYNUNET"
	}, 5*time.Second, 50*time.Millisecond)
}
