package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmarkov/fraudwatch/internal/pagination"
	"github.com/tmarkov/fraudwatch/internal/reasons"
)

// PostgresRecordStore is a PostgreSQL-backed RecordStore.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a record store backed by db.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// Migrate creates the score_records table if needed.
func (s *PostgresRecordStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS score_records (
			record_id    VARCHAR(64) PRIMARY KEY,
			event_id     VARCHAR(64) NOT NULL UNIQUE,
			entity_id    VARCHAR(64) NOT NULL,
			model_run_id VARCHAR(64) NOT NULL,
			raw_score    DOUBLE PRECISION NOT NULL,
			risk_score   DOUBLE PRECISION NOT NULL,
			flagged      BOOLEAN NOT NULL,
			features     JSONB NOT NULL,
			reasons      JSONB NOT NULL,
			scored_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_score_records_entity_scored ON score_records(entity_id, scored_at DESC);
		CREATE INDEX IF NOT EXISTS idx_score_records_flagged ON score_records(flagged, scored_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate score_records: %w", err)
	}
	return nil
}

// Save stores the record, replacing any earlier record for the same event.
func (s *PostgresRecordStore) Save(ctx context.Context, rec *Record) error {
	feats, err := json.Marshal(rec.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}
	rs, err := json.Marshal(rec.Reasons)
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_records
			(record_id, event_id, entity_id, model_run_id, raw_score, risk_score, flagged, features, reasons, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			record_id = EXCLUDED.record_id,
			model_run_id = EXCLUDED.model_run_id,
			raw_score = EXCLUDED.raw_score,
			risk_score = EXCLUDED.risk_score,
			flagged = EXCLUDED.flagged,
			features = EXCLUDED.features,
			reasons = EXCLUDED.reasons,
			scored_at = EXCLUDED.scored_at`,
		rec.ID, rec.EventID, rec.EntityID, rec.ModelRunID,
		rec.RawScore, rec.RiskScore, rec.Flagged, feats, rs, rec.ScoredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save score record: %w", err)
	}
	return nil
}

// GetByEventID returns the record for an event.
func (s *PostgresRecordStore) GetByEventID(ctx context.Context, eventID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_id, event_id, entity_id, model_run_id, raw_score, risk_score, flagged, features, reasons, scored_at
		FROM score_records WHERE event_id = $1`, eventID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// List returns records matching the query, newest first.
func (s *PostgresRecordStore) List(ctx context.Context, q RecordQuery) ([]*Record, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	cursor, err := pagination.Decode(q.Cursor)
	if err != nil {
		return nil, "", err
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = "+arg(q.EntityID))
	}
	if q.FlaggedOnly {
		where = append(where, "flagged")
	}
	if q.MinRisk > 0 {
		where = append(where, "risk_score >= "+arg(q.MinRisk))
	}
	if !q.From.IsZero() {
		where = append(where, "scored_at >= "+arg(q.From.UTC()))
	}
	if !q.To.IsZero() {
		where = append(where, "scored_at < "+arg(q.To.UTC()))
	}
	if cursor != nil {
		where = append(where, fmt.Sprintf("(scored_at, record_id) < (%s, %s)",
			arg(cursor.Timestamp), arg(cursor.ID)))
	}

	query := `
		SELECT record_id, event_id, entity_id, model_run_id, raw_score, risk_score, flagged, features, reasons, scored_at
		FROM score_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scored_at DESC, record_id DESC LIMIT " + arg(limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("list score records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	page, next, _ := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.ScoredAt, r.ID
	})
	return page, next, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var feats, rs []byte
	var scoredAt time.Time
	err := row.Scan(&rec.ID, &rec.EventID, &rec.EntityID, &rec.ModelRunID,
		&rec.RawScore, &rec.RiskScore, &rec.Flagged, &feats, &rs, &scoredAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(feats, &rec.Features); err != nil {
		return nil, fmt.Errorf("decode features: %w", err)
	}
	if err := json.Unmarshal(rs, &rec.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	if rec.Reasons == nil {
		rec.Reasons = []reasons.Reason{}
	}
	rec.ScoredAt = scoredAt.UTC()
	return &rec, nil
}
