package catalog

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
	"github.com/yusufizzetmurat/timebank/internal/validation"
)

// Handler provides HTTP endpoints for service listings.
type Handler struct {
	catalog *Catalog
	logger  *slog.Logger
}

// NewHandler creates a catalog handler.
func NewHandler(catalog *Catalog, logger *slog.Logger) *Handler {
	return &Handler{catalog: catalog, logger: logger}
}

// RegisterRoutes sets up listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/services", h.PublishService)
	r.GET("/services", h.ListServices)
	r.GET("/services/:id", h.GetService)
	r.PATCH("/services/:id/status", h.SetStatus)
}

// PublishRequest creates a new listing.
type PublishRequest struct {
	OwnerID         string `json:"ownerId" binding:"required"`
	Type            string `json:"type" binding:"required"`
	Title           string `json:"title" binding:"required"`
	Description     string `json:"description"`
	Duration        string `json:"duration" binding:"required"`
	MaxParticipants int    `json:"maxParticipants"`
}

// PublishService handles POST /services.
func (h *Handler) PublishService(c *gin.Context) {
	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidUserID(req.OwnerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "ownerId must be 1-64 characters of [a-zA-Z0-9_.-]",
		})
		return
	}

	duration, err := hours.Parse(req.Duration)
	if err != nil || !duration.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_duration",
			"message": "duration must be positive hours with at most two decimals",
		})
		return
	}

	svc, err := h.catalog.Publish(c.Request.Context(), &Service{
		OwnerID:         req.OwnerID,
		Type:            ServiceType(req.Type),
		Title:           req.Title,
		Description:     req.Description,
		Duration:        duration,
		MaxParticipants: req.MaxParticipants,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidService) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_service",
				"message": "type must be offer or need, with a title and positive duration",
			})
			return
		}
		h.logger.Error("failed to publish service", "owner", req.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_error",
			"message": "Failed to publish service",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"service": svc})
}

// GetService handles GET /services/:id.
func (h *Handler) GetService(c *gin.Context) {
	svc, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "service_not_found",
				"message": "No service with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_error",
			"message": "Failed to retrieve service",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": svc})
}

// ListServices handles GET /services with optional filters and cursor pagination.
func (h *Handler) ListServices(c *gin.Context) {
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

	q := Query{
		OwnerID: c.Query("owner"),
		Type:    ServiceType(c.Query("type")),
		Status:  ServiceStatus(c.Query("status")),
		Cursor:  cursor,
		Limit:   limit + 1,
	}

	services, err := h.catalog.List(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_error",
			"message": "Failed to list services",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(services, limit, func(s *Service) (time.Time, string) {
		return s.CreatedAt, s.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"services":   page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// StatusRequest changes a listing's lifecycle state.
type StatusRequest struct {
	CallerID string `json:"callerId" binding:"required"`
	Status   string `json:"status" binding:"required"`
}

// SetStatus handles PATCH /services/:id/status.
func (h *Handler) SetStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	svc, err := h.catalog.SetStatus(c.Request.Context(), c.Param("id"), req.CallerID, ServiceStatus(req.Status))
	if err != nil {
		switch {
		case errors.Is(err, ErrServiceNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "service_not_found",
				"message": "No service with this ID",
			})
		case errors.Is(err, ErrNotOwner):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "not_owner",
				"message": "Only the owner can change a service's status",
			})
		case errors.Is(err, ErrInvalidService):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "Status must be active, paused, or archived; archived is final",
			})
		default:
			h.logger.Error("failed to set service status", "service", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "catalog_error",
				"message": "Failed to update service status",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"service": svc})
}
