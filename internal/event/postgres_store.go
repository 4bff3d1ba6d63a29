package event

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the events table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			event_id     VARCHAR(64) PRIMARY KEY,
			entity_id    VARCHAR(64) NOT NULL,
			merchant_id  VARCHAR(64) NOT NULL,
			device_id    VARCHAR(128) NOT NULL,
			ip           VARCHAR(64) NOT NULL,
			amount       DOUBLE PRECISION NOT NULL CHECK (amount >= 0),
			currency     VARCHAR(8) NOT NULL DEFAULT 'USD',
			ts           TIMESTAMPTZ NOT NULL,
			lat          DOUBLE PRECISION NOT NULL,
			lon          DOUBLE PRECISION NOT NULL,
			channel      VARCHAR(32) NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_events_entity_ts
			ON events (entity_id, ts DESC);

		CREATE INDEX IF NOT EXISTS idx_events_ts
			ON events (ts);
	`)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, ev *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, entity_id, merchant_id, device_id, ip, amount, currency, ts, lat, lon, channel)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		ev.ID, ev.EntityID, ev.MerchantID, ev.DeviceID, ev.IP,
		ev.Amount, ev.Currency, ev.Timestamp.UTC(), ev.Lat, ev.Lon, ev.Channel,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrDuplicate
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, entity_id, merchant_id, device_id, ip, amount, currency, ts, lat, lon, channel
		FROM events WHERE event_id = $1
	`, id)

	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ev, err
}

func (s *PostgresStore) List(ctx context.Context, q Query) ([]*Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, entity_id, merchant_id, device_id, ip, amount, currency, ts, lat, lon, channel
		FROM events WHERE 1=1`
	args := []interface{}{}

	if q.EntityID != "" {
		args = append(args, q.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) ListRange(ctx context.Context, from, to time.Time) ([]*Event, error) {
	query := `
		SELECT event_id, entity_id, merchant_id, device_id, ip, amount, currency, ts, lat, lon, channel
		FROM events WHERE 1=1`
	args := []interface{}{}

	if !from.IsZero() {
		args = append(args, from.UTC())
		query += fmt.Sprintf(" AND ts >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to.UTC())
		query += fmt.Sprintf(" AND ts < $%d", len(args))
	}
	query += " ORDER BY ts ASC"

	return s.queryEvents(ctx, query, args...)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...interface{}) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var ev Event
	var ts time.Time
	err := row.Scan(&ev.ID, &ev.EntityID, &ev.MerchantID, &ev.DeviceID, &ev.IP,
		&ev.Amount, &ev.Currency, &ts, &ev.Lat, &ev.Lon, &ev.Channel)
	if err != nil {
		return nil, err
	}
	ev.Timestamp = ts.UTC()
	return &ev, nil
}
