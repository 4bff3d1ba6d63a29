package model

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tmarkov/fraudwatch/internal/isoforest"
	"github.com/tmarkov/fraudwatch/internal/metrics"
)

// RetrainTimer periodically retrains the model in the background so the
// active run tracks drift in the event corpus.
type RetrainTimer struct {
	manager   *Manager
	interval  time.Duration
	logger    *slog.Logger
	onRetrain func(*Run)
	stop      chan struct{}
	running   atomic.Bool
}

// NewRetrainTimer creates a retrain worker. Interval must be positive.
func NewRetrainTimer(manager *Manager, interval time.Duration, logger *slog.Logger) *RetrainTimer {
	return &RetrainTimer{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnRetrain registers a callback invoked after each successful scheduled
// retrain, before the next tick. Set before Start.
func (t *RetrainTimer) OnRetrain(fn func(*Run)) {
	t.onRetrain = fn
}

// Running reports whether the timer loop is actively running.
func (t *RetrainTimer) Running() bool {
	return t.running.Load()
}

// Start begins the retrain loop. Call in a goroutine.
func (t *RetrainTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRetrain(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *RetrainTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RetrainTimer) safeRetrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retrain timer", "panic", fmt.Sprint(r))
			metrics.RetrainsTotal.WithLabelValues("panic").Inc()
		}
	}()

	run, err := t.manager.Retrain(ctx)
	if err != nil {
		// An undersized corpus is expected on fresh deployments; keep the
		// previous model serving and try again next tick.
		if isoforest.IsInsufficientData(err) {
			t.logger.Debug("skipping scheduled retrain", "reason", err)
			metrics.RetrainsTotal.WithLabelValues("skipped").Inc()
			return
		}
		t.logger.Warn("scheduled retrain failed", "error", err)
		metrics.RetrainsTotal.WithLabelValues("failed").Inc()
		return
	}
	metrics.RetrainsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveModelCorpusSize.Set(float64(run.CorpusSize))
	if t.onRetrain != nil {
		t.onRetrain(run)
	}
}
