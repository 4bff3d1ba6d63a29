package review

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tmarkov/fraudwatch/internal/metrics"
	"github.com/tmarkov/fraudwatch/internal/webhooks"
)

// Handler provides HTTP endpoints for the review queue.
type Handler struct {
	store   Store
	emitter *webhooks.Emitter
}

// NewHandler creates a review handler. The emitter may be nil.
func NewHandler(store Store, emitter *webhooks.Emitter) *Handler {
	return &Handler{store: store, emitter: emitter}
}

// RegisterRoutes sets up review queue routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/review", h.ListItems)
	r.GET("/review/:reviewId", h.GetItem)
	r.POST("/review/:reviewId/resolve", h.ResolveItem)
}

// ListItems handles GET /v1/review
func (h *Handler) ListItems(c *gin.Context) {
	q := Query{
		State:    State(c.Query("state")),
		EntityID: c.Query("entityId"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a positive integer",
			})
			return
		}
		q.Limit = n
	}
	if q.State != "" && q.State != StatePending && !ValidResolution(q.State) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_state",
			"message": "Unknown review state: " + string(q.State),
		})
		return
	}

	items, err := h.store.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list review items",
		})
		return
	}
	if items == nil {
		items = []*Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

// GetItem handles GET /v1/review/:reviewId
func (h *Handler) GetItem(c *gin.Context) {
	item, err := h.store.Get(c.Request.Context(), c.Param("reviewId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Review item not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load review item",
		})
		return
	}
	c.JSON(http.StatusOK, item)
}

// ResolveRequest is the body of POST /v1/review/:reviewId/resolve.
type ResolveRequest struct {
	State string `json:"state" binding:"required"`
	Notes string `json:"notes"`
}

// ResolveItem handles POST /v1/review/:reviewId/resolve
func (h *Handler) ResolveItem(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	item, err := h.store.Resolve(c.Request.Context(), c.Param("reviewId"),
		State(req.State), req.Notes, time.Now())
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_state",
				"message": "State must be confirmed_fraud, false_positive, or dismissed",
			})
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Review item not found",
			})
		case errors.Is(err, ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_resolved",
				"message": "Review item has already been resolved",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "resolve_failed",
				"message": "Failed to resolve review item",
			})
		}
		return
	}

	if pending, err := h.store.CountPending(c.Request.Context()); err == nil {
		metrics.ReviewPending.Set(float64(pending))
	}
	h.emitter.EmitReviewResolved(item.ID, item.RecordID, string(item.State), item.Notes)

	c.JSON(http.StatusOK, item)
}
