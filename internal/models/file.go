package models

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File is the on-disk registry format:
//
//	fallback: "1"
//	models:
//	  - key: "0"
//	    architecture: UNETR
//	    checkpoint: unetr.pth
//	    modality: 1
//	    labels: 14
type File struct {
	Fallback string `yaml:"fallback"`
	Models   []Spec `yaml:"models"`
}

// ReadFile parses a registry file. Relative checkpoints are resolved under
// modelsDir; zero modality and labels take the stock defaults.
func ReadFile(path, modelsDir string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read models file: %w", err)
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("parse models file %s: %w", path, err)
	}

	for i := range f.Models {
		m := &f.Models[i]
		if m.Checkpoint != "" && !filepath.IsAbs(m.Checkpoint) {
			m.Checkpoint = filepath.Join(modelsDir, m.Checkpoint)
		}
		if m.Modality == 0 {
			m.Modality = DefaultModality
		}
		if m.Labels == 0 {
			m.Labels = DefaultLabels
		}
	}
	if f.Fallback == "" && len(f.Models) > 0 {
		f.Fallback = f.Models[len(f.Models)-1].Key
	}
	return f, nil
}

// LoadFile builds a registry from a registry file.
func LoadFile(path, modelsDir string, strict bool) (*Registry, error) {
	f, err := ReadFile(path, modelsDir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(f.Models, f.Fallback, strict)
}

// Reload re-reads path into r. On error r keeps its previous contents.
func (r *Registry) Reload(path, modelsDir string) error {
	f, err := ReadFile(path, modelsDir)
	if err != nil {
		return err
	}
	return r.Replace(f.Models, f.Fallback)
}
