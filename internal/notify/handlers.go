package notify

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
)

// Handler provides HTTP endpoints for the notification feed.
type Handler struct {
	notify *Service
	logger *slog.Logger
}

// NewHandler creates a notification handler.
func NewHandler(notify *Service, logger *slog.Logger) *Handler {
	return &Handler{notify: notify, logger: logger}
}

// RegisterRoutes sets up feed routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/notifications", h.List)
	r.GET("/users/:id/notifications/unread", h.UnreadCount)
	r.POST("/users/:id/notifications/:nid/read", h.MarkRead)
}

// List handles GET /users/:id/notifications with cursor pagination.
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	notifications, err := h.notify.List(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		h.logger.Error("failed to list notifications", "user", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "notification_error",
			"message": "Failed to list notifications",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(notifications, limit, func(n *Notification) (time.Time, string) {
		return n.CreatedAt, n.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"notifications": page,
		"nextCursor":    next,
		"hasMore":       hasMore,
	})
}

// UnreadCount handles GET /users/:id/notifications/unread.
func (h *Handler) UnreadCount(c *gin.Context) {
	count, err := h.notify.UnreadCount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "notification_error",
			"message": "Failed to count notifications",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": count})
}

// MarkRead handles POST /users/:id/notifications/:nid/read.
func (h *Handler) MarkRead(c *gin.Context) {
	err := h.notify.MarkRead(c.Request.Context(), c.Param("nid"), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "notification_not_found",
				"message": "No such notification for this user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "notification_error",
			"message": "Failed to mark notification read",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"read": true})
}
