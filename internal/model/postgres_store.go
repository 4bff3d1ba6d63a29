package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/fraudwatch/internal/isoforest"
)

// PostgresRunStore is a PostgreSQL-backed RunStore. The forest and
// calibration payloads are stored as JSONB alongside the run metadata so a
// restarted server can reload the active model without retraining.
type PostgresRunStore struct {
	db *sql.DB
}

// NewPostgresRunStore creates a run store backed by db.
func NewPostgresRunStore(db *sql.DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// Migrate creates the model_runs table if needed.
func (s *PostgresRunStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS model_runs (
			run_id          VARCHAR(64) PRIMARY KEY,
			trained_at      TIMESTAMPTZ NOT NULL,
			corpus_size     INTEGER NOT NULL,
			corpus_from     TIMESTAMPTZ NOT NULL,
			corpus_to       TIMESTAMPTZ NOT NULL,
			percentile      DOUBLE PRECISION NOT NULL,
			feature_columns JSONB NOT NULL,
			params          JSONB NOT NULL,
			payload         JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_model_runs_trained_at ON model_runs(trained_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate model_runs: %w", err)
	}
	return nil
}

// runPayload bundles the heavyweight parts of a run for the JSONB column.
type runPayload struct {
	Forest      *isoforest.Forest     `json:"forest"`
	Calibration isoforest.Calibration `json:"calibration"`
}

// Save stores the run, replacing any previous row with the same id.
func (s *PostgresRunStore) Save(ctx context.Context, run *Run) error {
	cols, err := json.Marshal(run.FeatureColumns)
	if err != nil {
		return fmt.Errorf("marshal feature columns: %w", err)
	}
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	payload, err := json.Marshal(runPayload{Forest: run.Forest, Calibration: run.Calibration})
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_runs
			(run_id, trained_at, corpus_size, corpus_from, corpus_to, percentile, feature_columns, params, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			trained_at = EXCLUDED.trained_at,
			corpus_size = EXCLUDED.corpus_size,
			corpus_from = EXCLUDED.corpus_from,
			corpus_to = EXCLUDED.corpus_to,
			percentile = EXCLUDED.percentile,
			feature_columns = EXCLUDED.feature_columns,
			params = EXCLUDED.params,
			payload = EXCLUDED.payload`,
		run.ID, run.TrainedAt.UTC(), run.CorpusSize, run.CorpusFrom.UTC(), run.CorpusTo.UTC(),
		run.Percentile, cols, params, payload,
	)
	if err != nil {
		return fmt.Errorf("save model run: %w", err)
	}
	return nil
}

// Get returns the run by id, including its forest payload.
func (s *PostgresRunStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, trained_at, corpus_size, corpus_from, corpus_to, percentile, feature_columns, params, payload
		FROM model_runs WHERE run_id = $1`, id)
	return scanRun(row)
}

// Latest returns the most recent run.
func (s *PostgresRunStore) Latest(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, trained_at, corpus_size, corpus_from, corpus_to, percentile, feature_columns, params, payload
		FROM model_runs ORDER BY trained_at DESC, run_id DESC LIMIT 1`)
	return scanRun(row)
}

// List returns run metadata, newest first.
func (s *PostgresRunStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, trained_at, corpus_size, corpus_from, corpus_to, percentile, feature_columns, params
		FROM model_runs ORDER BY trained_at DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list model runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var trainedAt, from, to time.Time
		var cols, params []byte
		if err := rows.Scan(&sum.ID, &trainedAt, &sum.CorpusSize, &from, &to,
			&sum.Percentile, &cols, &params); err != nil {
			return nil, fmt.Errorf("scan model run: %w", err)
		}
		sum.TrainedAt = trainedAt.UTC()
		sum.CorpusFrom = from.UTC()
		sum.CorpusTo = to.UTC()
		if err := json.Unmarshal(cols, &sum.FeatureColumns); err != nil {
			return nil, fmt.Errorf("decode feature columns: %w", err)
		}
		if err := json.Unmarshal(params, &sum.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func scanRun(row *sql.Row) (*Run, error) {
	var run Run
	var trainedAt, from, to time.Time
	var cols, params, payload []byte
	err := row.Scan(&run.ID, &trainedAt, &run.CorpusSize, &from, &to,
		&run.Percentile, &cols, &params, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan model run: %w", err)
	}
	run.TrainedAt = trainedAt.UTC()
	run.CorpusFrom = from.UTC()
	run.CorpusTo = to.UTC()
	if err := json.Unmarshal(cols, &run.FeatureColumns); err != nil {
		return nil, fmt.Errorf("decode feature columns: %w", err)
	}
	if err := json.Unmarshal(params, &run.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	var body runPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode run payload: %w", err)
	}
	run.Forest = body.Forest
	run.Calibration = body.Calibration
	return &run, nil
}
