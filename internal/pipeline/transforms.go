package pipeline

import (
	"errors"
	"fmt"
)

// ImageKey is the dictionary key the transform chain operates on.
const ImageKey = "image"

// Step is one named preprocessing transform applied by the pipeline to
// keyed image dictionaries. Params are passed through verbatim.
type Step struct {
	Name   string         `json:"name"`
	Keys   []string       `json:"keys"`
	Params map[string]any `json:"params,omitempty"`
}

// Chain is an ordered list of transform steps.
type Chain []Step

// DefaultChain is the preprocessing applied before every inference:
// load, channel-first, RAS orientation, resample to 1.5x1.5x2.0 mm,
// window intensities [-175, 250] into [0, 1], crop to foreground.
func DefaultChain() Chain {
	keys := []string{ImageKey}
	return Chain{
		{Name: "LoadImaged", Keys: keys},
		{Name: "EnsureChannelFirstd", Keys: keys},
		{Name: "Orientationd", Keys: keys, Params: map[string]any{"axcodes": "RAS"}},
		{Name: "Spacingd", Keys: keys, Params: map[string]any{
			"pixdim": []float64{1.5, 1.5, 2.0},
			"mode":   "bilinear",
		}},
		{Name: "ScaleIntensityRanged", Keys: keys, Params: map[string]any{
			"a_min": -175.0,
			"a_max": 250.0,
			"b_min": 0.0,
			"b_max": 1.0,
			"clip":  true,
		}},
		{Name: "CropForegroundd", Keys: keys, Params: map[string]any{"source_key": ImageKey}},
	}
}

// Validate checks the chain is non-empty and every step is named and keyed.
func (c Chain) Validate() error {
	if len(c) == 0 {
		return errors.New("transform chain is empty")
	}
	for i, s := range c {
		if s.Name == "" {
			return fmt.Errorf("transform %d has no name", i)
		}
		if len(s.Keys) == 0 {
			return fmt.Errorf("transform %d (%s) has no keys", i, s.Name)
		}
	}
	return nil
}

// Names returns the step names in order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, s := range c {
		out[i] = s.Name
	}
	return out
}
