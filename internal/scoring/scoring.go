// Package scoring runs the end-to-end pipeline for each transaction event:
// validate, snapshot the entity's prior state, engineer features, score with
// the active model, calibrate to a risk score, attach explanations, then
// commit the event to history and persist the record. Flagged records fan
// out to the review queue, webhooks, and realtime subscribers.
package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/tmarkov/fraudwatch/internal/features"
	"github.com/tmarkov/fraudwatch/internal/reasons"
)

// ErrRecordNotFound is returned when no score record exists for an event.
var ErrRecordNotFound = errors.New("score record not found")

// Record is the immutable outcome of scoring one event.
type Record struct {
	ID         string           `json:"recordId"`
	EventID    string           `json:"eventId"`
	EntityID   string           `json:"entityId"`
	ModelRunID string           `json:"modelRunId"`
	RawScore   float64          `json:"rawScore"`
	RiskScore  float64          `json:"riskScore"`
	Flagged    bool             `json:"flagged"`
	Features   features.Vector  `json:"features"`
	Reasons    []reasons.Reason `json:"reasons"`
	ScoredAt   time.Time        `json:"scoredAt"`
}

// RecordQuery filters score record listings. Records are returned newest
// first; Cursor resumes after a previous page.
type RecordQuery struct {
	EntityID    string
	FlaggedOnly bool
	MinRisk     float64
	From        time.Time
	To          time.Time
	Limit       int
	Cursor      string
}

// RecordStore persists score records.
type RecordStore interface {
	Save(ctx context.Context, rec *Record) error
	// GetByEventID returns the record for an event, or ErrRecordNotFound.
	GetByEventID(ctx context.Context, eventID string) (*Record, error)
	// List returns records matching the query, newest first, with an opaque
	// cursor for the next page.
	List(ctx context.Context, q RecordQuery) ([]*Record, string, error)
}
