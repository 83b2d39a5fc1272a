// Package runs keeps the history of inference runs: which job ran which
// model over which inputs, and how it ended.
package runs

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is one inference run.
type Record struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	ModelKey     string     `json:"model_key"`
	Architecture string     `json:"architecture"`
	Status       Status     `json:"status"`
	Inputs       []string   `json:"inputs"`
	Outputs      []string   `json:"outputs"`
	Error        string     `json:"error,omitempty"`
	Downloaded   bool       `json:"downloaded"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Filter narrows List. A nil JobID lists every job; a pointer to "" lists
// the default job only.
type Filter struct {
	JobID *string
	Limit int
}

// Store persists run records.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Finish(ctx context.Context, id string, status Status, outputs []string, errMsg string, at time.Time) error
	MarkDownloaded(ctx context.Context, jobID string) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Latest(ctx context.Context, jobID string) (Record, error)
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return defaultListLimit
	}
	return f.Limit
}
