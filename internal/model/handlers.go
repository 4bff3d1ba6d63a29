package model

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tmarkov/fraudwatch/internal/isoforest"
	"github.com/tmarkov/fraudwatch/internal/metrics"
	"github.com/tmarkov/fraudwatch/internal/realtime"
	"github.com/tmarkov/fraudwatch/internal/webhooks"
)

// Handler exposes model lifecycle endpoints.
type Handler struct {
	manager *Manager
	runs    RunStore
	emitter *webhooks.Emitter
	hub     *realtime.Hub
}

// NewHandler creates a model handler. The emitter and hub may be nil.
func NewHandler(manager *Manager, runs RunStore, emitter *webhooks.Emitter, hub *realtime.Hub) *Handler {
	return &Handler{manager: manager, runs: runs, emitter: emitter, hub: hub}
}

// RegisterRoutes sets up model lifecycle routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/models/retrain", h.Retrain)
	r.GET("/models", h.ListRuns)
	r.GET("/models/active", h.GetActive)
	r.GET("/models/:runId", h.GetRun)
}

// Retrain handles POST /v1/models/retrain
//
// Training is synchronous: the request blocks until the new model is active
// or the attempt is rejected. A rejected attempt never disturbs the
// currently active model. Optional query parameters: percentile overrides
// the flagging percentile for this run; from/to (RFC 3339) bound the
// training corpus.
func (h *Handler) Retrain(c *gin.Context) {
	var opts []RetrainOption
	if raw := c.Query("percentile"); raw != "" {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p <= 0 || p > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_percentile",
				"message": "percentile must be a number in (0, 100]",
			})
			return
		}
		opts = append(opts, WithRunPercentile(p))
	}
	var from, to time.Time
	for name, dst := range map[string]*time.Time{"from": &from, "to": &to} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_" + name,
				"message": name + " must be an RFC 3339 timestamp",
			})
			return
		}
		*dst = ts.UTC()
	}
	if !from.IsZero() || !to.IsZero() {
		opts = append(opts, WithCorpusRange(from, to))
	}

	run, err := h.manager.Retrain(c.Request.Context(), opts...)
	if err != nil {
		if isoforest.IsInsufficientData(err) {
			metrics.RetrainsTotal.WithLabelValues("skipped").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_data",
				"message": err.Error(),
			})
			return
		}
		metrics.RetrainsTotal.WithLabelValues("failed").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "retrain_failed",
			"message": "Model training failed; the previous model remains active",
		})
		return
	}
	metrics.RetrainsTotal.WithLabelValues("ok").Inc()
	metrics.ActiveModelCorpusSize.Set(float64(run.CorpusSize))

	h.emitter.EmitModelRetrained(run.ID, run.CorpusSize, run.TrainedAt)
	if h.hub != nil {
		h.hub.BroadcastModelRetrained(map[string]interface{}{
			"runId":      run.ID,
			"corpusSize": run.CorpusSize,
			"percentile": run.Percentile,
			"trainedAt":  run.TrainedAt,
		})
	}
	c.JSON(http.StatusCreated, run.Summarize(true))
}

// ListRuns handles GET /v1/models
func (h *Handler) ListRuns(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 100",
			})
			return
		}
		limit = n
	}

	summaries, err := h.runs.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list model runs",
		})
		return
	}
	activeID := h.manager.ActiveID()
	for i := range summaries {
		summaries[i].Active = summaries[i].ID == activeID
	}
	c.JSON(http.StatusOK, gin.H{"runs": summaries, "count": len(summaries)})
}

// GetActive handles GET /v1/models/active
func (h *Handler) GetActive(c *gin.Context) {
	run, err := h.manager.Active()
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "no_active_model",
			"message": "No model has been trained yet",
		})
		return
	}
	c.JSON(http.StatusOK, run.Summarize(true))
}

// GetRun handles GET /v1/models/:runId
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), c.Param("runId"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Model run not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load model run",
		})
		return
	}
	c.JSON(http.StatusOK, run.Summarize(run.ID == h.manager.ActiveID()))
}
