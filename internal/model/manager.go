package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/features"
	"github.com/tmarkov/fraudwatch/internal/history"
	"github.com/tmarkov/fraudwatch/internal/idgen"
	"github.com/tmarkov/fraudwatch/internal/isoforest"
)

// Manager owns the active model run. Scoring reads the active run through an
// atomic pointer, so a retrain swaps models without blocking in-flight
// scores, and a failed retrain leaves the previous run serving.
type Manager struct {
	events     event.Store
	runs       RunStore
	historyCfg history.Config
	params     isoforest.Params
	minRows    int
	percentile float64
	logger     *slog.Logger

	active atomic.Pointer[Run]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithParams overrides the forest hyperparameters.
func WithParams(p isoforest.Params) ManagerOption {
	return func(m *Manager) { m.params = p }
}

// WithMinTrainingRows overrides the minimum corpus size.
func WithMinTrainingRows(n int) ManagerOption {
	return func(m *Manager) { m.minRows = n }
}

// WithFlagPercentile overrides the flagging percentile recorded on new runs.
func WithFlagPercentile(p float64) ManagerOption {
	return func(m *Manager) { m.percentile = p }
}

// WithHistoryConfig overrides the history bounds used during corpus replay.
// Must match the bounds of the live history store or replayed features will
// not line up with live ones.
func WithHistoryConfig(cfg history.Config) ManagerOption {
	return func(m *Manager) { m.historyCfg = cfg }
}

// NewManager creates a model manager. No run is active until Retrain or
// Restore succeeds.
func NewManager(events event.Store, runs RunStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		events:     events,
		runs:       runs,
		historyCfg: history.DefaultConfig(),
		params:     isoforest.DefaultParams(),
		minRows:    50,
		percentile: 95,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Active returns the current run, or ErrNoActiveModel.
func (m *Manager) Active() (*Run, error) {
	run := m.active.Load()
	if run == nil {
		return nil, ErrNoActiveModel
	}
	return run, nil
}

// ActiveID returns the active run id, or empty when no model is active.
func (m *Manager) ActiveID() string {
	if run := m.active.Load(); run != nil {
		return run.ID
	}
	return ""
}

// Restore loads the most recent persisted run and activates it. Missing runs
// are not an error: the server simply starts unscored.
func (m *Manager) Restore(ctx context.Context) error {
	run, err := m.runs.Latest(ctx)
	if err != nil {
		if err == ErrRunNotFound {
			m.logger.Info("no persisted model run to restore")
			return nil
		}
		return fmt.Errorf("restore model run: %w", err)
	}
	if run.Forest == nil {
		return fmt.Errorf("restore model run %s: missing forest payload", run.ID)
	}
	m.active.Store(run)
	m.logger.Info("restored model run",
		"runId", run.ID, "trainedAt", run.TrainedAt, "corpusSize", run.CorpusSize)
	return nil
}

// RetrainOption tunes one retrain attempt without changing manager defaults.
type RetrainOption func(*retrainSettings)

type retrainSettings struct {
	from, to   time.Time
	percentile float64
}

// WithCorpusRange restricts training to events in [from, to). Zero bounds
// are unbounded.
func WithCorpusRange(from, to time.Time) RetrainOption {
	return func(s *retrainSettings) { s.from, s.to = from, to }
}

// WithRunPercentile overrides the flagging percentile for this run only.
func WithRunPercentile(p float64) RetrainOption {
	return func(s *retrainSettings) { s.percentile = p }
}

// Retrain builds a feature corpus from the event history, fits a fresh
// forest, calibrates it against the corpus's own scores, persists the run,
// and atomically activates it. On any failure the previously active run
// keeps serving.
func (m *Manager) Retrain(ctx context.Context, opts ...RetrainOption) (*Run, error) {
	started := time.Now()

	settings := retrainSettings{percentile: m.percentile}
	for _, opt := range opts {
		opt(&settings)
	}

	corpus, from, to, err := m.buildCorpus(ctx, settings.from, settings.to)
	if err != nil {
		return nil, err
	}
	if len(corpus) < m.minRows {
		return nil, fmt.Errorf("%w: have %d events, need %d",
			isoforest.ErrInsufficientData, len(corpus), m.minRows)
	}

	forest, err := isoforest.Train(corpus, m.params)
	if err != nil {
		return nil, fmt.Errorf("train forest: %w", err)
	}

	scores := make([]float64, len(corpus))
	for i, row := range corpus {
		scores[i] = forest.Score(row)
	}

	run := &Run{
		ID:             idgen.WithPrefix("run_"),
		TrainedAt:      time.Now().UTC(),
		CorpusSize:     len(corpus),
		CorpusFrom:     from,
		CorpusTo:       to,
		Percentile:     settings.percentile,
		FeatureColumns: features.Columns,
		Params:         m.params,
		Forest:         forest,
		Calibration:    isoforest.NewCalibration(scores),
	}

	if err := m.runs.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("persist model run: %w", err)
	}
	m.active.Store(run)

	m.logger.Info("model retrained",
		"runId", run.ID,
		"corpusSize", run.CorpusSize,
		"durationMs", time.Since(started).Milliseconds(),
	)
	return run, nil
}

// buildCorpus replays the event history in timestamp order through a fresh
// set of entity profiles, computing each event's features from strictly
// prior state. This reproduces the exact vectors live scoring would have
// produced for those events.
func (m *Manager) buildCorpus(ctx context.Context, from, to time.Time) ([][]float64, time.Time, time.Time, error) {
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}
	events, err := m.events.ListRange(ctx, from, to)
	if err != nil {
		return nil, time.Time{}, time.Time{}, fmt.Errorf("load training events: %w", err)
	}
	if len(events) == 0 {
		return nil, time.Time{}, time.Time{}, nil
	}

	replay := history.NewStore(m.historyCfg)
	corpus := make([][]float64, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return nil, time.Time{}, time.Time{}, err
		}
		profile := replay.Snapshot(ev.EntityID)
		corpus = append(corpus, features.Compute(*ev, profile).Values())
		if err := replay.Append(ev.EntityID, *ev); err != nil && err != event.ErrDuplicate {
			return nil, time.Time{}, time.Time{}, fmt.Errorf("replay event %s: %w", ev.ID, err)
		}
	}
	return corpus, events[0].Timestamp, events[len(events)-1].Timestamp, nil
}
