package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tmarkov/fraudwatch/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fraudwatch",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit pipeline events. All methods are
// fire-and-forget: errors are logged but never returned, so scoring never
// blocks on a slow subscriber.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// EmitScoreFlagged emits a score.flagged event.
func (e *Emitter) EmitScoreFlagged(recordID, eventID, entityID, modelRunID string, riskScore float64, reasonCodes []string) {
	e.emit(EventScoreFlagged, map[string]interface{}{
		"recordId":   recordID,
		"eventId":    eventID,
		"entityId":   entityID,
		"modelRunId": modelRunID,
		"riskScore":  riskScore,
		"reasons":    reasonCodes,
	})
}

// EmitModelRetrained emits a model.retrained event.
func (e *Emitter) EmitModelRetrained(runID string, corpusSize int, trainedAt time.Time) {
	e.emit(EventModelRetrained, map[string]interface{}{
		"runId":      runID,
		"corpusSize": corpusSize,
		"trainedAt":  trainedAt,
	})
}

// EmitReviewResolved emits a review.resolved event.
func (e *Emitter) EmitReviewResolved(reviewID, recordID, state, notes string) {
	e.emit(EventReviewResolved, map[string]interface{}{
		"reviewId": reviewID,
		"recordId": recordID,
		"state":    state,
		"notes":    notes,
	})
}
