// Package pipeline adapts the external preprocessing and inference
// toolkit. The toolkit runs as a subprocess that receives a JSON request
// on stdin and reports the produced files as JSON on stdout.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"volseg/internal/models"
)

// Request is everything the pipeline needs for one inference run.
type Request struct {
	Model      models.Spec
	Transforms Chain
	InputDir   string
	OutputDir  string
}

// Result lists the files the pipeline reported writing, relative to OutputDir.
type Result struct {
	Outputs []string `json:"outputs"`
}

// Runner executes inference over every file of Request.InputDir.
type Runner interface {
	Infer(ctx context.Context, req Request) (Result, error)
}

// wireRequest is the JSON document written to the subprocess stdin.
type wireRequest struct {
	ModelType    string `json:"model_type"`
	Modality     int    `json:"modality"`
	NumOfLabels  int    `json:"num_of_labels"`
	ModelPath    string `json:"model_path"`
	DataFolder   string `json:"data_folder"`
	OutputFolder string `json:"output_folder"`
	Transforms   Chain  `json:"transforms"`
}

func (r Request) validate() error {
	if r.InputDir == "" || r.OutputDir == "" {
		return errors.New("input and output directories are required")
	}
	if r.Model.Architecture == "" || r.Model.Checkpoint == "" {
		return errors.New("model architecture and checkpoint are required")
	}
	return r.Transforms.Validate()
}

// ExecRunner runs the pipeline as an external command.
type ExecRunner struct {
	Command []string
	Dir     string
	Timeout time.Duration
	Env     []string
}

// NewExecRunner splits command on whitespace, e.g. "python3 pipeline.py".
func NewExecRunner(command string, timeout time.Duration) (*ExecRunner, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, errors.New("pipeline command is empty")
	}
	return &ExecRunner{Command: fields, Timeout: timeout}, nil
}

// Infer starts the subprocess and waits for it. Cancelling ctx kills it.
func (e *ExecRunner) Infer(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(wireRequest{
		ModelType:    req.Model.Architecture,
		Modality:     req.Model.Modality,
		NumOfLabels:  req.Model.Labels,
		ModelPath:    req.Model.Checkpoint,
		DataFolder:   req.InputDir,
		OutputFolder: req.OutputDir,
		Transforms:   req.Transforms,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode pipeline request: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("pipeline aborted: %w", ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 2048 {
			msg = msg[len(msg)-2048:]
		}
		if msg != "" {
			return Result{}, fmt.Errorf("pipeline failed: %w: %s", err, msg)
		}
		return Result{}, fmt.Errorf("pipeline failed: %w", err)
	}

	var res Result
	if trimmed := bytes.TrimSpace(out); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return Result{}, fmt.Errorf("pipeline output not json: %w", err)
		}
	}
	return res, nil
}
