// Package webhooks delivers fraud alert notifications to external services.
//
// Consumers register webhook URLs to receive notifications about:
// - Flagged score records
// - Model retrains
// - Review queue dispositions
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tmarkov/fraudwatch/internal/syncutil"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventScoreFlagged   EventType = "score.flagged"
	EventModelRetrained EventType = "model.retrained"
	EventReviewResolved EventType = "review.resolved"
)

// maxConsecutiveFailures disables a subscription after this many delivery
// failures in a row.
const maxConsecutiveFailures = 10

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends webhook events. Concurrent deliveries to the same
// subscription serialize their state updates through a per-subscription lock
// so failure counts are never lost.
type Dispatcher struct {
	store  Store
	client *http.Client
	subMu  syncutil.ShardedMutex
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Dispatch sends an event to all active subscribers of its type
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking the scoring path
		go d.send(ctx, sub, event)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	// Dispatch returns before deliveries finish, so the dispatching request's
	// context may already be cancelled by the time the POST goes out. Detach
	// from it; the client timeout bounds the delivery.
	ctx = context.WithoutCancel(ctx)

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fraudwatch-Event", string(event.Type))
	req.Header.Set("X-Fraudwatch-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-Fraudwatch-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// updateSuccess and updateError are read-modify-write sections on the stored
// subscription: they re-read current state under the per-subscription lock so
// concurrent deliveries never lose a failure increment.
func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	unlock := d.subMu.Lock(sub.ID)
	defer unlock()
	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return // deleted mid-flight
	}
	now := time.Now()
	cur.LastSuccess = &now
	cur.LastError = ""
	cur.ConsecutiveFailures = 0
	d.store.Update(ctx, cur)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	unlock := d.subMu.Lock(sub.ID)
	defer unlock()
	cur, err := d.store.Get(ctx, sub.ID)
	if err != nil {
		return
	}
	cur.LastError = errMsg
	cur.ConsecutiveFailures++
	if cur.ConsecutiveFailures >= maxConsecutiveFailures {
		cur.Active = false
	}
	d.store.Update(ctx, cur)
}

// MemoryStore is an in-memory implementation for testing. Subscriptions are
// copied at the boundary so callers never share mutable state with the store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func copySubscription(sub *Subscription) *Subscription {
	cp := *sub
	cp.Events = append([]EventType(nil), sub.Events...)
	if sub.LastSuccess != nil {
		ts := *sub.LastSuccess
		cp.LastSuccess = &ts
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySubscription(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return copySubscription(sub), nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, copySubscription(sub))
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, copySubscription(sub))
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySubscription(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
