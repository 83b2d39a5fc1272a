package runs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the Store used when no database is configured. History
// is lost on restart.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = clone(rec)
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, id string, status Status, outputs []string, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Outputs = append([]string(nil), outputs...)
	rec.Error = errMsg
	rec.FinishedAt = &at
	s.recs[id] = rec
	return nil
}

// MarkDownloaded flags the most recent succeeded run of jobID.
func (s *MemoryStore) MarkDownloaded(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Record
	for id := range s.recs {
		rec := s.recs[id]
		if rec.JobID != jobID || rec.Status != StatusSucceeded {
			continue
		}
		if latest == nil || rec.StartedAt.After(latest.StartedAt) {
			r := rec
			latest = &r
		}
	}
	if latest == nil {
		return ErrNotFound
	}
	latest.Downloaded = true
	s.recs[latest.ID] = *latest
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return clone(rec), nil
}

// List returns matching records, newest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	out := make([]Record, 0, len(s.recs))
	for _, rec := range s.recs {
		if f.JobID != nil && rec.JobID != *f.JobID {
			continue
		}
		out = append(out, clone(rec))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (s *MemoryStore) Latest(ctx context.Context, jobID string) (Record, error) {
	recs, err := s.List(ctx, Filter{JobID: &jobID, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

func clone(r Record) Record {
	r.Inputs = append([]string(nil), r.Inputs...)
	r.Outputs = append([]string(nil), r.Outputs...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		r.FinishedAt = &t
	}
	return r
}
