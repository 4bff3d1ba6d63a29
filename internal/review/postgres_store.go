package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore is a PostgreSQL-backed review store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a review store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the review_items table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS review_items (
			review_id    VARCHAR(64) PRIMARY KEY,
			record_id    VARCHAR(64) NOT NULL,
			event_id     VARCHAR(64) NOT NULL,
			entity_id    VARCHAR(64) NOT NULL,
			risk_score   DOUBLE PRECISION NOT NULL,
			reason_codes JSONB NOT NULL,
			state        VARCHAR(32) NOT NULL DEFAULT 'pending',
			notes        TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			resolved_at  TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_review_items_state ON review_items(state, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_review_items_entity ON review_items(entity_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate review_items: %w", err)
	}
	return nil
}

// Create stores the item.
func (s *PostgresStore) Create(ctx context.Context, item *Item) error {
	codes, err := json.Marshal(item.ReasonCodes)
	if err != nil {
		return fmt.Errorf("marshal reason codes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO review_items
			(review_id, record_id, event_id, entity_id, risk_score, reason_codes, state, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.RecordID, item.EventID, item.EntityID, item.RiskScore,
		codes, item.State, item.Notes, item.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create review item: %w", err)
	}
	return nil
}

// Get returns the item by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT review_id, record_id, event_id, entity_id, risk_score, reason_codes, state, notes, created_at, resolved_at
		FROM review_items WHERE review_id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// List returns items matching the query, newest first.
func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Item, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		where []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.State != "" {
		where = append(where, "state = "+arg(string(q.State)))
	}
	if q.EntityID != "" {
		where = append(where, "entity_id = "+arg(q.EntityID))
	}

	query := `
		SELECT review_id, record_id, event_id, entity_id, risk_score, reason_codes, state, notes, created_at, resolved_at
		FROM review_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, review_id DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Resolve transitions a pending item to a terminal state. The state guard is
// in the UPDATE itself so concurrent resolutions cannot both win.
func (s *PostgresStore) Resolve(ctx context.Context, id string, state State, notes string, at time.Time) (*Item, error) {
	if !ValidResolution(state) {
		return nil, ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE review_items
		SET state = $1, notes = $2, resolved_at = $3
		WHERE review_id = $4 AND state = 'pending'`,
		string(state), notes, at.UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve review item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("resolve review item: %w", err)
	}
	if n == 0 {
		// Distinguish missing from already resolved.
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.Get(ctx, id)
}

// CountPending returns the number of pending items.
func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM review_items WHERE state = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending review items: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var codes []byte
	var state string
	var createdAt time.Time
	var resolvedAt sql.NullTime
	err := row.Scan(&item.ID, &item.RecordID, &item.EventID, &item.EntityID,
		&item.RiskScore, &codes, &state, &item.Notes, &createdAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(codes, &item.ReasonCodes); err != nil {
		return nil, fmt.Errorf("decode reason codes: %w", err)
	}
	item.State = State(state)
	item.CreatedAt = createdAt.UTC()
	if resolvedAt.Valid {
		ts := resolvedAt.Time.UTC()
		item.ResolvedAt = &ts
	}
	return &item, nil
}
