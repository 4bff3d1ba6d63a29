// Package review implements the analyst review queue for flagged score
// records. Items start pending and are resolved exactly once into a terminal
// disposition.
package review

import (
	"context"
	"errors"
	"time"
)

// State is the disposition state of a review item.
type State string

const (
	StatePending        State = "pending"
	StateConfirmedFraud State = "confirmed_fraud"
	StateFalsePositive  State = "false_positive"
	StateDismissed      State = "dismissed"
)

// terminalStates are the valid resolution targets.
var terminalStates = map[State]bool{
	StateConfirmedFraud: true,
	StateFalsePositive:  true,
	StateDismissed:      true,
}

// ValidResolution reports whether s is a terminal disposition.
func ValidResolution(s State) bool {
	return terminalStates[s]
}

var (
	// ErrNotFound is returned when a review item does not exist.
	ErrNotFound = errors.New("review item not found")
	// ErrAlreadyResolved is returned when resolving a non-pending item.
	ErrAlreadyResolved = errors.New("review item already resolved")
	// ErrInvalidState is returned for resolution targets that are not
	// terminal dispositions.
	ErrInvalidState = errors.New("invalid review state")
)

// Item is one flagged score awaiting (or holding) an analyst disposition.
type Item struct {
	ID          string     `json:"id"`
	RecordID    string     `json:"recordId"`
	EventID     string     `json:"eventId"`
	EntityID    string     `json:"entityId"`
	RiskScore   float64    `json:"riskScore"`
	ReasonCodes []string   `json:"reasonCodes"`
	State       State      `json:"state"`
	Notes       string     `json:"notes,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
}

// Query filters review listings.
type Query struct {
	State    State
	EntityID string
	Limit    int
}

// Store persists review items.
type Store interface {
	Create(ctx context.Context, item *Item) error
	Get(ctx context.Context, id string) (*Item, error)
	// List returns items matching the query, newest first.
	List(ctx context.Context, q Query) ([]*Item, error)
	// Resolve transitions a pending item to a terminal state. Returns
	// ErrAlreadyResolved when the item is not pending.
	Resolve(ctx context.Context, id string, state State, notes string, at time.Time) (*Item, error)
	// CountPending returns the number of pending items.
	CountPending(ctx context.Context) (int, error)
}
