package notify

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for an account's notifications.
type Handler struct {
	store Store
}

// NewHandler creates a new notification handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up notification routes (auth required).
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.GET("/notifications/unseen", h.Unseen)
	r.POST("/notifications/:category/seen", h.MarkSeen)
}

// List handles GET /v1/notifications?category=deal&limit=50
func (h *Handler) List(c *gin.Context) {
	account := c.GetString("authWallet")

	var category Category
	if raw := c.Query("category"); raw != "" {
		parsed, err := ParseCategory(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
			return
		}
		category = parsed
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	items, err := h.store.ListByAccount(c.Request.Context(), account, category, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list notifications"})
		return
	}
	if items == nil {
		items = []*Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": items, "count": len(items)})
}

// Unseen handles GET /v1/notifications/unseen
func (h *Handler) Unseen(c *gin.Context) {
	counts, err := h.store.CountUnseen(c.Request.Context(), c.GetString("authWallet"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to count notifications"})
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"unseen": counts, "total": total})
}

// MarkSeen handles POST /v1/notifications/:category/seen
func (h *Handler) MarkSeen(c *gin.Context) {
	category, err := ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
		return
	}
	n, err := h.store.MarkSeen(c.Request.Context(), c.GetString("authWallet"), category)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}
