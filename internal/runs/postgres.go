package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists run records in the inference_runs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectColumns = `id, job_id, model_key, architecture, status, inputs, outputs,
	error, downloaded, started_at, finished_at`

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	inputs, err := encodeList(rec.Inputs)
	if err != nil {
		return err
	}
	outputs, err := encodeList(rec.Outputs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO inference_runs (id, job_id, model_key, architecture, status, inputs, outputs, error, downloaded, started_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)
	`, rec.ID, rec.JobID, rec.ModelKey, rec.Architecture, string(rec.Status), inputs, outputs, rec.Error, rec.Downloaded, rec.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finish(ctx context.Context, id string, status Status, outputs []string, errMsg string, at time.Time) error {
	out, err := encodeList(outputs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_runs
		SET status = $2, outputs = $3::jsonb, error = $4, finished_at = $5
		WHERE id = $1
	`, id, string(status), out, errMsg, at.UTC())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) MarkDownloaded(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inference_runs SET downloaded = TRUE
		WHERE id = (
			SELECT id FROM inference_runs
			WHERE job_id = $1 AND status = 'succeeded'
			ORDER BY started_at DESC
			LIMIT 1
		)
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark downloaded: %w", err)
	}
	return expectOne(res)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM inference_runs WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if f.JobID != nil {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM inference_runs
			WHERE job_id = $1 ORDER BY started_at DESC LIMIT $2`, *f.JobID, f.limit())
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM inference_runs
			ORDER BY started_at DESC LIMIT $1`, f.limit())
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, jobID string) (Record, error) {
	recs, err := s.List(ctx, Filter{JobID: &jobID, Limit: 1})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		rec             Record
		status          string
		inputs, outputs []byte
		finished        sql.NullTime
	)
	err := sc.Scan(&rec.ID, &rec.JobID, &rec.ModelKey, &rec.Architecture, &status,
		&inputs, &outputs, &rec.Error, &rec.Downloaded, &rec.StartedAt, &finished)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	if err := json.Unmarshal(inputs, &rec.Inputs); err != nil {
		return Record{}, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(outputs, &rec.Outputs); err != nil {
		return Record{}, fmt.Errorf("decode outputs: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return rec, nil
}

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
