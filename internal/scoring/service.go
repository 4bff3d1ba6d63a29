package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/features"
	"github.com/tmarkov/fraudwatch/internal/history"
	"github.com/tmarkov/fraudwatch/internal/idgen"
	"github.com/tmarkov/fraudwatch/internal/isoforest"
	"github.com/tmarkov/fraudwatch/internal/metrics"
	"github.com/tmarkov/fraudwatch/internal/model"
	"github.com/tmarkov/fraudwatch/internal/realtime"
	"github.com/tmarkov/fraudwatch/internal/reasons"
	"github.com/tmarkov/fraudwatch/internal/review"
	"github.com/tmarkov/fraudwatch/internal/traces"
	"github.com/tmarkov/fraudwatch/internal/webhooks"
)

// Service runs the scoring pipeline. Per entity, the snapshot-score-append
// sequence is a single critical section under the entity lock, so an
// entity's events always score against exactly the state left by its prior
// events regardless of request concurrency.
type Service struct {
	events  event.Store
	records RecordStore
	history *history.Store
	manager *model.Manager
	reviews review.Store

	emitter *webhooks.Emitter
	hub     *realtime.Hub

	reasonsCfg reasons.Config
	topReasons int
	logger     *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithReasonsConfig overrides the explanation rule thresholds.
func WithReasonsConfig(cfg reasons.Config) Option {
	return func(s *Service) { s.reasonsCfg = cfg }
}

// WithTopReasons caps how many reasons a record carries.
func WithTopReasons(n int) Option {
	return func(s *Service) { s.topReasons = n }
}

// WithEmitter sets the webhook emitter for flagged-score notifications.
func WithEmitter(e *webhooks.Emitter) Option {
	return func(s *Service) { s.emitter = e }
}

// WithHub sets the realtime hub for score streaming.
func WithHub(h *realtime.Hub) Option {
	return func(s *Service) { s.hub = h }
}

// NewService creates the scoring service.
func NewService(
	events event.Store,
	records RecordStore,
	hist *history.Store,
	manager *model.Manager,
	reviews review.Store,
	opts ...Option,
) *Service {
	s := &Service{
		events:     events,
		records:    records,
		history:    hist,
		manager:    manager,
		reviews:    reviews,
		reasonsCfg: reasons.DefaultConfig(),
		topReasons: 3,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates and persists the event, updates the entity's rolling
// state, and scores the event against the active model.
//
// The returned record is nil with a nil error when no model is active yet:
// the event still counts toward history and future training corpora.
//
// Duplicate deliveries return the original record together with
// event.ErrDuplicate so callers can respond idempotently.
func (s *Service) Ingest(ctx context.Context, ev *event.Event) (*Record, error) {
	if err := ev.Validate(); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	started := time.Now()

	ctx, span := traces.StartSpan(ctx, "scoring.ingest",
		traces.EventID(ev.ID), traces.EntityID(ev.EntityID))
	defer span.End()

	if err := s.events.Append(ctx, ev); err != nil {
		if errors.Is(err, event.ErrDuplicate) {
			metrics.EventsIngestedTotal.WithLabelValues("duplicate").Inc()
			rec, recErr := s.records.GetByEventID(ctx, ev.ID)
			if recErr != nil {
				return nil, event.ErrDuplicate
			}
			return rec, event.ErrDuplicate
		}
		metrics.EventsIngestedTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("persist event: %w", err)
	}
	metrics.EventsIngestedTotal.WithLabelValues("accepted").Inc()

	// Capture the active run outside the lock; a retrain mid-request swaps
	// the pointer but this event scores consistently against one run.
	run, runErr := s.manager.Active()

	unlock, err := s.history.Acquire(ctx, ev.EntityID)
	if err != nil {
		return nil, fmt.Errorf("acquire entity lock: %w", err)
	}
	profile := s.history.Snapshot(ev.EntityID)
	vec := features.Compute(*ev, profile)

	var rec *Record
	if runErr == nil {
		raw := run.Forest.Score(vec.Values())
		risk := run.Calibration.RiskScore(raw)
		rec = &Record{
			ID:         idgen.WithPrefix("score_"),
			EventID:    ev.ID,
			EntityID:   ev.EntityID,
			ModelRunID: run.ID,
			RawScore:   raw,
			RiskScore:  risk,
			Flagged:    isoforest.Flagged(risk, run.Percentile),
			Features:   vec,
			Reasons:    reasons.Top(reasons.Evaluate(*ev, vec, profile, s.reasonsCfg), s.topReasons),
			ScoredAt:   time.Now().UTC(),
		}
		if rec.Reasons == nil {
			rec.Reasons = []reasons.Reason{}
		}
	}

	if err := s.history.Append(ev.EntityID, *ev); err != nil && !errors.Is(err, event.ErrDuplicate) {
		unlock()
		return nil, fmt.Errorf("append entity history: %w", err)
	}
	unlock()
	metrics.TrackedEntities.Set(float64(s.history.Entities()))

	if rec == nil {
		s.logger.Debug("event ingested unscored", "eventId", ev.ID, "entityId", ev.EntityID)
		return nil, nil
	}

	span.SetAttributes(traces.ModelRunID(run.ID), traces.RiskScore(rec.RiskScore), traces.Flagged(rec.Flagged))

	if err := s.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist score record: %w", err)
	}
	metrics.ScoresTotal.WithLabelValues(fmt.Sprintf("%t", rec.Flagged)).Inc()
	metrics.ScoringDuration.Observe(time.Since(started).Seconds())

	if rec.Flagged {
		s.fanOutFlagged(ctx, rec)
	}
	if s.hub != nil {
		s.hub.BroadcastScore(map[string]interface{}{
			"recordId":  rec.ID,
			"eventId":   rec.EventID,
			"entityId":  rec.EntityID,
			"riskScore": rec.RiskScore,
			"flagged":   rec.Flagged,
		})
	}
	return rec, nil
}

// fanOutFlagged enqueues the record for analyst review and emits alert
// notifications. Fan-out failures are logged, never surfaced: the score
// itself is already committed.
func (s *Service) fanOutFlagged(ctx context.Context, rec *Record) {
	codes := make([]string, len(rec.Reasons))
	for i, r := range rec.Reasons {
		codes[i] = r.Code
	}

	item := &review.Item{
		ID:          idgen.WithPrefix("rev_"),
		RecordID:    rec.ID,
		EventID:     rec.EventID,
		EntityID:    rec.EntityID,
		RiskScore:   rec.RiskScore,
		ReasonCodes: codes,
		State:       review.StatePending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.reviews.Create(ctx, item); err != nil {
		s.logger.Warn("failed to enqueue review item",
			"recordId", rec.ID, "error", err)
	} else if pending, err := s.reviews.CountPending(ctx); err == nil {
		metrics.ReviewPending.Set(float64(pending))
	}

	s.emitter.EmitScoreFlagged(rec.ID, rec.EventID, rec.EntityID, rec.ModelRunID, rec.RiskScore, codes)

	s.logger.Info("event flagged",
		"eventId", rec.EventID,
		"entityId", rec.EntityID,
		"riskScore", rec.RiskScore,
		"reasons", codes,
	)
}

// Rescore recomputes the score for an already-ingested event against the
// currently active model, replacing any stored record for it. The entity's
// profile as of the event is reconstructed by replaying the event log, so a
// rescore after retraining yields the same features with the new model's
// scoring. Rescoring does not re-trigger review or alert fan-out.
func (s *Service) Rescore(ctx context.Context, eventID string) (*Record, error) {
	run, err := s.manager.Active()
	if err != nil {
		return nil, err
	}
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "scoring.rescore",
		traces.EventID(ev.ID), traces.EntityID(ev.EntityID), traces.ModelRunID(run.ID))
	defer span.End()

	priors, err := s.events.ListRange(ctx, time.Time{}, ev.Timestamp.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("load entity history: %w", err)
	}
	replay := history.NewStore(s.history.Config())
	for _, prior := range priors {
		if prior.EntityID != ev.EntityID || prior.ID == ev.ID {
			continue
		}
		if err := replay.Append(prior.EntityID, *prior); err != nil && !errors.Is(err, event.ErrDuplicate) {
			return nil, fmt.Errorf("replay event %s: %w", prior.ID, err)
		}
	}
	profile := replay.Snapshot(ev.EntityID)
	vec := features.Compute(*ev, profile)

	raw := run.Forest.Score(vec.Values())
	risk := run.Calibration.RiskScore(raw)
	rec := &Record{
		ID:         idgen.WithPrefix("score_"),
		EventID:    ev.ID,
		EntityID:   ev.EntityID,
		ModelRunID: run.ID,
		RawScore:   raw,
		RiskScore:  risk,
		Flagged:    isoforest.Flagged(risk, run.Percentile),
		Features:   vec,
		Reasons:    reasons.Top(reasons.Evaluate(*ev, vec, profile, s.reasonsCfg), s.topReasons),
		ScoredAt:   time.Now().UTC(),
	}
	if rec.Reasons == nil {
		rec.Reasons = []reasons.Reason{}
	}
	if err := s.records.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist score record: %w", err)
	}
	return rec, nil
}

// GetScore returns the stored record for an event, or ErrRecordNotFound.
func (s *Service) GetScore(ctx context.Context, eventID string) (*Record, error) {
	return s.records.GetByEventID(ctx, eventID)
}

// ListScores returns score records matching the query.
func (s *Service) ListScores(ctx context.Context, q RecordQuery) ([]*Record, string, error) {
	return s.records.List(ctx, q)
}

// GetEvent returns a stored event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	return s.events.Get(ctx, id)
}

// ListEvents returns stored events matching the query, newest first.
func (s *Service) ListEvents(ctx context.Context, q event.Query) ([]*event.Event, error) {
	return s.events.List(ctx, q)
}

// Profile returns the current rolling profile of an entity. The entity lock
// is held for the copy so a concurrent ingest cannot mutate the profile
// mid-read.
func (s *Service) Profile(ctx context.Context, entityID string) (*history.Profile, error) {
	release, err := s.history.Acquire(ctx, entityID)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.history.Snapshot(entityID), nil
}
