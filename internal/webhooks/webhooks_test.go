package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	body    []byte
	headers http.Header
	count   int
}

func newCaptureServer(status int) (*httptest.Server, *captured) {
	cap := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cap.mu.Lock()
		cap.body = body
		cap.headers = r.Header.Clone()
		cap.count++
		cap.mu.Unlock()
		w.WriteHeader(status)
	}))
	return srv, cap
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatchDeliversSignedPayload(t *testing.T) {
	srv, cap := newCaptureServer(http.StatusOK)
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Secret: "topsecret",
		Events: []EventType{EventScoreFlagged},
		Active: true,
	}))

	d := NewDispatcher(store)
	event := &Event{
		ID:        "evt_1",
		Type:      EventScoreFlagged,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"riskScore": 97.5},
	}
	require.NoError(t, d.Dispatch(context.Background(), event))

	waitFor(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.count == 1
	})

	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Equal(t, "score.flagged", cap.headers.Get("X-Fraudwatch-Event"))

	mac := hmac.New(sha256.New, []byte("topsecret"))
	mac.Write(cap.body)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), cap.headers.Get("X-Fraudwatch-Signature"))

	var got Event
	require.NoError(t, json.Unmarshal(cap.body, &got))
	assert.Equal(t, EventScoreFlagged, got.Type)
	assert.Equal(t, 97.5, got.Data["riskScore"])
}

func TestDispatchSkipsOtherEventTypes(t *testing.T) {
	srv, cap := newCaptureServer(http.StatusOK)
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Events: []EventType{EventModelRetrained},
		Active: true,
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "evt_1", Type: EventScoreFlagged, Timestamp: time.Now(),
	}))

	time.Sleep(100 * time.Millisecond)
	cap.mu.Lock()
	defer cap.mu.Unlock()
	assert.Zero(t, cap.count)
}

func TestRepeatedFailuresDisableSubscription(t *testing.T) {
	srv, _ := newCaptureServer(http.StatusInternalServerError)
	defer srv.Close()

	store := NewMemoryStore()
	sub := &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Events: []EventType{EventScoreFlagged},
		Active: true,
	}
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store)
	for i := 0; i < maxConsecutiveFailures; i++ {
		require.NoError(t, d.Dispatch(context.Background(), &Event{
			ID: "evt_1", Type: EventScoreFlagged, Timestamp: time.Now(),
		}))
		waitFor(t, func() bool {
			got, err := store.Get(context.Background(), "wh_1")
			return err == nil && got.ConsecutiveFailures == i+1
		})
	}

	got, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Contains(t, got.LastError, "status 500")
}

func TestEmitterDeliversAfterEmitReturns(t *testing.T) {
	// A slow subscriber: delivery is still in flight when the emit call has
	// long since returned, so it must not ride on the emit call's lifetime.
	cap := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		body, _ := io.ReadAll(r.Body)
		cap.mu.Lock()
		cap.body = body
		cap.count++
		cap.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Events: []EventType{EventScoreFlagged},
		Active: true,
	}))

	e := NewEmitter(NewDispatcher(store), slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.EmitScoreFlagged("score_1", "evt_1", "acct_1", "run_1", 97.5, []string{"NEW_DEVICE"})

	waitFor(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.count == 1
	})

	got, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.NotNil(t, got.LastSuccess)
	assert.Empty(t, got.LastError)
	assert.Zero(t, got.ConsecutiveFailures)

	cap.mu.Lock()
	defer cap.mu.Unlock()
	var gotEvent Event
	require.NoError(t, json.Unmarshal(cap.body, &gotEvent))
	assert.Equal(t, "score_1", gotEvent.Data["recordId"])
}

func TestDispatchSurvivesCallerCancellation(t *testing.T) {
	srv, cap := newCaptureServer(http.StatusOK)
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Events: []EventType{EventScoreFlagged},
		Active: true,
	}))

	d := NewDispatcher(store)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Dispatch(ctx, &Event{
		ID: "evt_1", Type: EventScoreFlagged, Timestamp: time.Now(),
	}))
	cancel() // the dispatching request ends; delivery must complete anyway

	waitFor(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.count == 1
	})

	got, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.NotContains(t, got.LastError, "context canceled")
}

func TestConcurrentDeliveryFailuresAllCounted(t *testing.T) {
	srv, _ := newCaptureServer(http.StatusInternalServerError)
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:     "wh_1",
		URL:    srv.URL,
		Events: []EventType{EventScoreFlagged},
		Active: true,
	}))

	d := NewDispatcher(store)
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Dispatch(context.Background(), &Event{
			ID: "evt_1", Type: EventScoreFlagged, Timestamp: time.Now(),
		}))
	}

	// Five deliveries race on the same subscription; every failure must land.
	waitFor(t, func() bool {
		got, err := store.Get(context.Background(), "wh_1")
		return err == nil && got.ConsecutiveFailures == 5
	})

	got, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.True(t, got.Active)
}

func TestDeliverySuccessResetsFailures(t *testing.T) {
	srv, cap := newCaptureServer(http.StatusOK)
	defer srv.Close()

	store := NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &Subscription{
		ID:                  "wh_1",
		URL:                 srv.URL,
		Events:              []EventType{EventScoreFlagged},
		Active:              true,
		ConsecutiveFailures: 5,
		LastError:           "status 500",
	}))

	d := NewDispatcher(store)
	require.NoError(t, d.Dispatch(context.Background(), &Event{
		ID: "evt_1", Type: EventScoreFlagged, Timestamp: time.Now(),
	}))

	waitFor(t, func() bool {
		cap.mu.Lock()
		defer cap.mu.Unlock()
		return cap.count == 1
	})
	waitFor(t, func() bool {
		got, err := store.Get(context.Background(), "wh_1")
		return err == nil && got.ConsecutiveFailures == 0
	})

	got, err := store.Get(context.Background(), "wh_1")
	require.NoError(t, err)
	assert.Empty(t, got.LastError)
	assert.NotNil(t, got.LastSuccess)
}
