// Package models holds the enumerated set of segmentation model
// configurations the service can hand to the inference pipeline.
package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// ErrUnknownModel is returned by strict lookups for keys that are not registered.
var ErrUnknownModel = errors.New("unknown model")

const (
	DefaultModality = 1
	DefaultLabels   = 14
)

// Spec describes one pretrained model as the pipeline expects it.
type Spec struct {
	Key          string `yaml:"key" json:"key"`
	Architecture string `yaml:"architecture" json:"architecture"`
	Checkpoint   string `yaml:"checkpoint" json:"checkpoint"`
	Modality     int    `yaml:"modality" json:"modality"`
	Labels       int    `yaml:"labels" json:"labels"`
}

func (s Spec) validate() error {
	if s.Key == "" {
		return errors.New("model key is empty")
	}
	if s.Architecture == "" {
		return fmt.Errorf("model %q: architecture is empty", s.Key)
	}
	if s.Checkpoint == "" {
		return fmt.Errorf("model %q: checkpoint is empty", s.Key)
	}
	if s.Modality <= 0 || s.Labels <= 0 {
		return fmt.Errorf("model %q: modality and labels must be positive", s.Key)
	}
	return nil
}

// Registry maps model keys to specs. Lookups of unregistered keys resolve
// to the fallback model unless the registry is strict.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	fallback string
	strict   bool
}

// DefaultSpecs returns the two stock configurations, checkpoints resolved
// under modelsDir.
func DefaultSpecs(modelsDir string) []Spec {
	return []Spec{
		{
			Key:          "0",
			Architecture: "UNETR",
			Checkpoint:   filepath.Join(modelsDir, "unetr.pth"),
			Modality:     DefaultModality,
			Labels:       DefaultLabels,
		},
		{
			Key:          "1",
			Architecture: "SWINUNETR",
			Checkpoint:   filepath.Join(modelsDir, "swinunetr.pth"),
			Modality:     DefaultModality,
			Labels:       DefaultLabels,
		},
	}
}

// NewRegistry validates specs and builds a registry. fallback must name one
// of the specs.
func NewRegistry(specs []Spec, fallback string, strict bool) (*Registry, error) {
	r := &Registry{strict: strict}
	if err := r.Replace(specs, fallback); err != nil {
		return nil, err
	}
	return r, nil
}

// NewDefaultRegistry returns the stock registry: "0" selects UNETR and every
// other key falls back to SWINUNETR unless strict is set.
func NewDefaultRegistry(modelsDir string, strict bool) *Registry {
	r, err := NewRegistry(DefaultSpecs(modelsDir), "1", strict)
	if err != nil {
		panic(err)
	}
	return r
}

// Replace swaps the registered specs atomically.
func (r *Registry) Replace(specs []Spec, fallback string) error {
	if len(specs) == 0 {
		return errors.New("registry needs at least one model")
	}
	m := make(map[string]Spec, len(specs))
	for _, s := range specs {
		if err := s.validate(); err != nil {
			return err
		}
		if _, dup := m[s.Key]; dup {
			return fmt.Errorf("duplicate model key %q", s.Key)
		}
		m[s.Key] = s
	}
	if _, ok := m[fallback]; !ok {
		return fmt.Errorf("fallback model %q is not registered", fallback)
	}

	r.mu.Lock()
	r.specs = m
	r.fallback = fallback
	r.mu.Unlock()
	return nil
}

// Select resolves a client-supplied model id.
func (r *Registry) Select(key string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.specs[key]; ok {
		return s, nil
	}
	if r.strict {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownModel, key)
	}
	return r.specs[r.fallback], nil
}

// Strict reports whether unknown keys are refused.
func (r *Registry) Strict() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strict
}

// Fallback returns the key used for unrecognised ids in lenient mode.
func (r *Registry) Fallback() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// List returns all specs ordered by key.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
