// Package event defines the immutable transaction event record and its
// durable append-only storage.
//
// Events are the raw input to the scoring pipeline: one record per card
// transaction, identified by a caller-assigned event id. Duplicate delivery
// of the same id is tolerated everywhere downstream (at-least-once ingestion).
package event

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmarkov/fraudwatch/internal/validation"
)

// ErrDuplicate is returned by Append when an event with the same id already
// exists. Callers treat it as idempotent success.
var ErrDuplicate = errors.New("event already ingested")

// ErrNotFound is returned when an event id is unknown.
var ErrNotFound = errors.New("event not found")

// Event is a single immutable transaction record.
type Event struct {
	ID         string    `json:"eventId"`
	EntityID   string    `json:"entityId"` // account whose behavior is tracked
	MerchantID string    `json:"merchantId"`
	DeviceID   string    `json:"deviceId"`
	IP         string    `json:"ip"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	Timestamp  time.Time `json:"timestamp"` // UTC
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Channel    string    `json:"channel,omitempty"` // web, mobile, pos
}

// ValidationError describes a malformed event field. Requests failing
// validation are rejected before touching any entity state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks required fields and coordinate sanity.
func (e *Event) Validate() error {
	if !validation.IsValidID(e.ID) {
		return &ValidationError{Field: "eventId", Reason: "is required and must be a short identifier"}
	}
	if !validation.IsValidID(e.EntityID) {
		return &ValidationError{Field: "entityId", Reason: "is required and must be a short identifier"}
	}
	if !validation.IsValidID(e.MerchantID) {
		return &ValidationError{Field: "merchantId", Reason: "is required and must be a short identifier"}
	}
	if e.DeviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "is required"}
	}
	if !validation.IsValidIP(e.IP) {
		return &ValidationError{Field: "ip", Reason: "must be a valid IP address"}
	}
	if !validation.IsFinite(e.Amount) || e.Amount < 0 {
		return &ValidationError{Field: "amount", Reason: "must be a finite non-negative number"}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if !validation.IsValidLatitude(e.Lat) {
		return &ValidationError{Field: "lat", Reason: "must be a finite latitude in [-90, 90]"}
	}
	if !validation.IsValidLongitude(e.Lon) {
		return &ValidationError{Field: "lon", Reason: "must be a finite longitude in [-180, 180]"}
	}
	return nil
}

// Query filters event listings.
type Query struct {
	EntityID string
	From     time.Time // zero = unbounded
	To       time.Time // zero = unbounded
	Limit    int
}

// Store is the durable append-only event log. Implementations must reject
// duplicate ids with ErrDuplicate and never mutate stored events.
type Store interface {
	Append(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// List returns events matching the query, newest first.
	List(ctx context.Context, q Query) ([]*Event, error)
	// ListRange returns all events in [from, to), oldest first. Used to build
	// training corpora and replay entity history.
	ListRange(ctx context.Context, from, to time.Time) ([]*Event, error)
}
