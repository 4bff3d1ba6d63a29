package scoring

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tmarkov/fraudwatch/internal/event"
	"github.com/tmarkov/fraudwatch/internal/model"
)

// Handler exposes the ingestion and scoring HTTP surface.
type Handler struct {
	svc *Service
}

// NewHandler creates a scoring handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up ingestion and score routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/events", h.IngestEvent)
	r.GET("/events", h.ListEvents)
	r.GET("/events/:eventId", h.GetEvent)
	r.POST("/score", h.ScoreEvent)
	r.POST("/score/:eventId", h.RescoreEvent)
	r.GET("/score/:eventId", h.GetScore)
	r.GET("/scores", h.ListScores)
	r.GET("/entities/:entityId/profile", h.GetProfile)
}

// IngestEvent handles POST /v1/events
func (h *Handler) IngestEvent(c *gin.Context) {
	var ev event.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a valid transaction event",
		})
		return
	}

	rec, err := h.svc.Ingest(c.Request.Context(), &ev)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrDuplicate):
		// Idempotent redelivery: return whatever the first delivery produced.
		resp := gin.H{"eventId": ev.ID, "duplicate": true}
		if rec != nil {
			resp["record"] = rec
		}
		c.JSON(http.StatusOK, resp)
		return
	case event.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingest_failed",
			"message": "Failed to ingest event",
		})
		return
	}

	if rec == nil {
		// Accepted into history but no model is trained yet.
		c.JSON(http.StatusAccepted, gin.H{
			"eventId": ev.ID,
			"scored":  false,
			"message": "Event accepted; no active model to score against",
		})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ScoreEvent handles POST /v1/score
//
// Ingest-and-score in one call for callers that require an immediate verdict:
// the event goes through the same pipeline as POST /v1/events, but a missing
// model is a conflict rather than a deferred acceptance.
func (h *Handler) ScoreEvent(c *gin.Context) {
	var ev event.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a valid transaction event",
		})
		return
	}

	rec, err := h.svc.Ingest(c.Request.Context(), &ev)
	switch {
	case err == nil:
	case errors.Is(err, event.ErrDuplicate):
		resp := gin.H{"eventId": ev.ID, "duplicate": true}
		if rec != nil {
			resp["record"] = rec
		}
		c.JSON(http.StatusOK, resp)
		return
	case event.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ingest_failed",
			"message": "Failed to ingest event",
		})
		return
	}

	if rec == nil {
		// The event was still recorded, so a later retrain covers it.
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_active_model",
			"message": "No active model; event was recorded but not scored",
		})
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// RescoreEvent handles POST /v1/score/:eventId
func (h *Handler) RescoreEvent(c *gin.Context) {
	rec, err := h.svc.Rescore(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNoActiveModel):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_active_model",
				"message": "No active model to rescore against",
			})
		case errors.Is(err, event.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Event not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "rescore_failed",
				"message": "Failed to rescore event",
			})
		}
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetEvent handles GET /v1/events/:eventId
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.svc.GetEvent(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		if errors.Is(err, event.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Event not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load event",
		})
		return
	}
	c.JSON(http.StatusOK, ev)
}

// ListEvents handles GET /v1/events
func (h *Handler) ListEvents(c *gin.Context) {
	q := event.Query{EntityID: c.Query("entityId")}
	var ok bool
	if q.Limit, ok = parseLimit(c, 100); !ok {
		return
	}
	if q.From, ok = parseTime(c, "from"); !ok {
		return
	}
	if q.To, ok = parseTime(c, "to"); !ok {
		return
	}

	events, err := h.svc.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list events",
		})
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetScore handles GET /v1/score/:eventId
func (h *Handler) GetScore(c *gin.Context) {
	rec, err := h.svc.GetScore(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No score recorded for this event",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load score",
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListScores handles GET /v1/scores
func (h *Handler) ListScores(c *gin.Context) {
	q := RecordQuery{
		EntityID: c.Query("entityId"),
		Cursor:   c.Query("cursor"),
	}
	var ok bool
	if q.Limit, ok = parseLimit(c, 50); !ok {
		return
	}
	if q.From, ok = parseTime(c, "from"); !ok {
		return
	}
	if q.To, ok = parseTime(c, "to"); !ok {
		return
	}
	if flagged := c.Query("flagged"); flagged != "" {
		b, err := strconv.ParseBool(flagged)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_flagged",
				"message": "flagged must be true or false",
			})
			return
		}
		q.FlaggedOnly = b
	}
	if minRisk := c.Query("minRisk"); minRisk != "" {
		f, err := strconv.ParseFloat(minRisk, 64)
		if err != nil || f < 0 || f > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_min_risk",
				"message": "minRisk must be a number between 0 and 100",
			})
			return
		}
		q.MinRisk = f
	}

	records, next, err := h.svc.ListScores(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list score records",
		})
		return
	}
	if records == nil {
		records = []*Record{}
	}
	resp := gin.H{"records": records, "count": len(records)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// GetProfile handles GET /v1/entities/:entityId/profile
func (h *Handler) GetProfile(c *gin.Context) {
	p, err := h.svc.Profile(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "profile_failed",
			"message": "Failed to load entity profile",
		})
		return
	}
	median, samples := p.MedianRecentAmount()
	resp := gin.H{
		"entityId":           c.Param("entityId"),
		"eventCount":         len(p.Events),
		"windowCount":        p.WindowCount,
		"windowSpend":        p.WindowSpend,
		"distinctMerchants":  len(p.Merchants),
		"distinctDevices":    len(p.Devices),
		"distinctIPs":        len(p.IPs),
		"medianRecentAmount": median,
		"recentAmountCount":  samples,
	}
	if last := p.Last(); last != nil {
		resp["lastEventAt"] = last.Timestamp
	}
	c.JSON(http.StatusOK, resp)
}

func parseLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be between 1 and 1000",
		})
		return 0, false
	}
	return n, true
}

func parseTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_" + name,
			"message": name + " must be an RFC 3339 timestamp",
		})
		return time.Time{}, false
	}
	return t.UTC(), true
}
