package model

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/isoforest"
)

var corpusStart = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

// seedEvents loads n plausible card transactions for a handful of entities.
func seedEvents(t *testing.T, store event.Store, n int) {
	t.Helper()
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < n; i++ {
		ev := &event.Event{
			ID:         fmt.Sprintf("evt_seed%04d", i),
			EntityID:   fmt.Sprintf("acct_%d", i%5),
			MerchantID: fmt.Sprintf("m_%d", rng.Intn(8)),
			DeviceID:   fmt.Sprintf("dev_%d", i%5),
			IP:         fmt.Sprintf("203.0.113.%d", i%5+1),
			Amount:     10 + rng.Float64()*90,
			Currency:   "USD",
			Timestamp:  corpusStart.Add(time.Duration(i) * 7 * time.Minute),
			Lat:        40.7 + rng.Float64()*0.01,
			Lon:        -74.0 + rng.Float64()*0.01,
		}
		require.NoError(t, store.Append(context.Background(), ev))
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestActiveBeforeTraining(t *testing.T) {
	m := NewManager(event.NewMemoryStore(), NewMemoryRunStore(), WithLogger(testLogger()))
	_, err := m.Active()
	assert.ErrorIs(t, err, ErrNoActiveModel)
	assert.Empty(t, m.ActiveID())
}

func TestRetrainRejectsSmallCorpus(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 10)
	m := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))

	_, err := m.Retrain(context.Background())
	assert.True(t, isoforest.IsInsufficientData(err))

	_, err = m.Active()
	assert.ErrorIs(t, err, ErrNoActiveModel)
}

func TestRetrainActivatesAndPersists(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 80)
	runs := NewMemoryRunStore()
	m := NewManager(events, runs, WithLogger(testLogger()))

	run, err := m.Retrain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 80, run.CorpusSize)
	assert.Equal(t, 95.0, run.Percentile)
	assert.Len(t, run.Calibration.Scores, 80)
	assert.NotNil(t, run.Forest)
	assert.Contains(t, run.ID, "run_")

	active, err := m.Active()
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)

	saved, err := runs.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.CorpusSize, saved.CorpusSize)
}

func TestRetrainSwapsActiveRun(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 60)
	m := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))

	first, err := m.Retrain(context.Background())
	require.NoError(t, err)
	second, err := m.Retrain(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second.ID, m.ActiveID())
}

func TestRetrainFailureKeepsActiveRun(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 60)
	runs := &failingRunStore{RunStore: NewMemoryRunStore()}
	m := NewManager(events, runs, WithLogger(testLogger()))

	first, err := m.Retrain(context.Background())
	require.NoError(t, err)

	runs.fail = true
	_, err = m.Retrain(context.Background())
	require.Error(t, err)
	assert.Equal(t, first.ID, m.ActiveID())
}

func TestRetrainIsDeterministic(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 60)

	m1 := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))
	m2 := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))
	r1, err := m1.Retrain(context.Background())
	require.NoError(t, err)
	r2, err := m2.Retrain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, r1.Calibration.Scores, r2.Calibration.Scores)
}

func TestRestore(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 60)
	runs := NewMemoryRunStore()

	m1 := NewManager(events, runs, WithLogger(testLogger()))
	run, err := m1.Retrain(context.Background())
	require.NoError(t, err)

	m2 := NewManager(events, runs, WithLogger(testLogger()))
	require.NoError(t, m2.Restore(context.Background()))
	assert.Equal(t, run.ID, m2.ActiveID())

	// Restoring with no persisted runs is not an error.
	m3 := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))
	require.NoError(t, m3.Restore(context.Background()))
	assert.Empty(t, m3.ActiveID())
}

type failingRunStore struct {
	RunStore
	fail bool
}

func (s *failingRunStore) Save(ctx context.Context, run *Run) error {
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	return s.RunStore.Save(ctx, run)
}

func TestRetrainTimer(t *testing.T) {
	events := event.NewMemoryStore()
	seedEvents(t, events, 60)
	m := NewManager(events, NewMemoryRunStore(), WithLogger(testLogger()))

	timer := NewRetrainTimer(m, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for m.ActiveID() == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.NotEmpty(t, m.ActiveID())

	timer.Stop()
	for timer.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, timer.Running())
}
