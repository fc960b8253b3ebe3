package exchange

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yusufizzetmurat/timebank/internal/catalog"
	"github.com/yusufizzetmurat/timebank/internal/hours"
	"github.com/yusufizzetmurat/timebank/internal/ledger"
	"github.com/yusufizzetmurat/timebank/internal/pagination"
	"github.com/yusufizzetmurat/timebank/internal/validation"
)

// Handler provides HTTP endpoints for handshakes.
type Handler struct {
	exchange *Exchange
	logger   *slog.Logger
}

// NewHandler creates an exchange handler.
func NewHandler(exchange *Exchange, logger *slog.Logger) *Handler {
	return &Handler{exchange: exchange, logger: logger}
}

// RegisterRoutes sets up member-facing handshake routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/services/:id/interest", h.ExpressInterest)
	r.GET("/services/:id/interest/check", h.CheckInterest)
	r.GET("/services/:id/handshakes", h.ListByService)
	r.GET("/users/:id/handshakes", h.ListByUser)
	r.GET("/handshakes/:id", h.GetHandshake)
	r.PUT("/handshakes/:id/agreement", h.SetAgreement)
	r.POST("/handshakes/:id/approve", h.Approve)
	r.POST("/handshakes/:id/deny", h.Deny)
	r.POST("/handshakes/:id/confirm", h.ConfirmCompletion)
	r.PATCH("/handshakes/:id/hours", h.AdjustHours)
	r.POST("/handshakes/:id/cancel", h.Cancel)
	r.POST("/handshakes/:id/report", h.Report)
}

// RegisterAdminRoutes sets up moderation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/handshakes/:id/resolve", h.Resolve)
}

// respondError maps domain errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrHandshakeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "handshake_not_found", "message": "No handshake with this ID"})
	case errors.Is(err, catalog.ErrServiceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "service_not_found", "message": "No service with this ID"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "One of the parties has no account"})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_participant", "message": "This action belongs to another party"})
	case errors.Is(err, ErrServiceNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "service_not_active", "message": "The service is not accepting requests"})
	case errors.Is(err, ErrOwnService):
		c.JSON(http.StatusConflict, gin.H{"error": "own_service", "message": "You cannot request your own service"})
	case errors.Is(err, ErrDuplicateInterest):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_interest", "message": "You already have an open handshake for this service"})
	case errors.Is(err, ErrCapacityReached):
		c.JSON(http.StatusConflict, gin.H{"error": "capacity_reached", "message": "The service has no open slots"})
	case errors.Is(err, ErrPendingQueueFull):
		c.JSON(http.StatusConflict, gin.H{"error": "pending_queue_full", "message": "The service has too many pending requests"})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_balance", "message": "The payer cannot cover these hours"})
	case errors.Is(err, ErrAgreementMissing):
		c.JSON(http.StatusConflict, gin.H{"error": "agreement_missing", "message": "Agreement details must be set first"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "The handshake does not allow this action"})
	case errors.Is(err, ErrInvalidHours):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hours", "message": "Hours must be positive with at most two decimals"})
	default:
		h.logger.Error("handshake operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "exchange_error", "message": "The operation failed"})
	}
}

type actorRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

func bindActor(c *gin.Context) (string, bool) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidUserID(req.ActorID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId is required",
		})
		return "", false
	}
	return req.ActorID, true
}

// InterestRequest expresses interest in a service.
type InterestRequest struct {
	RequesterID string `json:"requesterId" binding:"required"`
}

// ExpressInterest handles POST /services/:id/interest.
func (h *Handler) ExpressInterest(c *gin.Context) {
	var req InterestRequest
	if err := c.ShouldBindJSON(&req); err != nil || !validation.IsValidUserID(req.RequesterID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requesterId is required",
		})
		return
	}

	hs, err := h.exchange.ExpressInterest(c.Request.Context(), c.Param("id"), req.RequesterID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"handshake": hs})
}

// CheckInterest handles GET /services/:id/interest/check?requester=...
func (h *Handler) CheckInterest(c *gin.Context) {
	requester := c.Query("requester")
	if !validation.IsValidUserID(requester) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requester query parameter is required",
		})
		return
	}

	result, err := h.exchange.CheckInterest(c.Request.Context(), c.Param("id"), requester)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// GetHandshake handles GET /handshakes/:id.
func (h *Handler) GetHandshake(c *gin.Context) {
	hs, err := h.exchange.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// ListByUser handles GET /users/:id/handshakes with cursor pagination.
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Cursor is malformed"})
		return
	}

	handshakes, err := h.exchange.ListByUser(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		h.respondError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(handshakes, limit, func(hs *Handshake) (time.Time, string) {
		return hs.CreatedAt, hs.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"handshakes": page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ListByService handles GET /services/:id/handshakes?status=...
func (h *Handler) ListByService(c *gin.Context) {
	handshakes, err := h.exchange.ListByService(c.Request.Context(), c.Param("id"), Status(c.Query("status")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshakes": handshakes})
}

// AgreementRequest records the exchange details.
type AgreementRequest struct {
	ActorID     string    `json:"actorId" binding:"required"`
	Location    string    `json:"location" binding:"required"`
	ScheduledAt time.Time `json:"scheduledAt" binding:"required"`
	Hours       string    `json:"hours"`
}

// SetAgreement handles PUT /handshakes/:id/agreement.
func (h *Handler) SetAgreement(c *gin.Context) {
	var req AgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId, location, and scheduledAt are required",
		})
		return
	}

	agr := Agreement{Location: req.Location, ScheduledAt: req.ScheduledAt}
	if req.Hours != "" {
		amount, err := hours.Parse(req.Hours)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hours", "message": "Hours must have at most two decimals"})
			return
		}
		agr.Hours = &amount
	}

	hs, err := h.exchange.SetAgreement(c.Request.Context(), c.Param("id"), req.ActorID, agr)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Approve handles POST /handshakes/:id/approve.
func (h *Handler) Approve(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	hs, err := h.exchange.Approve(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Deny handles POST /handshakes/:id/deny.
func (h *Handler) Deny(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	hs, err := h.exchange.Deny(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// ConfirmRequest flags completion, optionally revising the final hours.
type ConfirmRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Hours   string `json:"hours"`
}

// ConfirmCompletion handles POST /handshakes/:id/confirm.
func (h *Handler) ConfirmCompletion(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actorId is required"})
		return
	}

	var finalHours *hours.Amount
	if req.Hours != "" {
		amount, err := hours.Parse(req.Hours)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hours", "message": "Hours must have at most two decimals"})
			return
		}
		finalHours = &amount
	}

	hs, err := h.exchange.ConfirmCompletion(c.Request.Context(), c.Param("id"), req.ActorID, finalHours)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// AdjustRequest revises the agreed hours.
type AdjustRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Hours   string `json:"hours" binding:"required"`
}

// AdjustHours handles PATCH /handshakes/:id/hours.
func (h *Handler) AdjustHours(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actorId and hours are required"})
		return
	}

	amount, err := hours.Parse(req.Hours)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hours", "message": "Hours must have at most two decimals"})
		return
	}

	hs, err := h.exchange.AdjustHours(c.Request.Context(), c.Param("id"), req.ActorID, amount)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// Cancel handles POST /handshakes/:id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	actor, ok := bindActor(c)
	if !ok {
		return
	}
	hs, err := h.exchange.Cancel(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// ReportRequest flags a handshake for moderation.
type ReportRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
}

// Report handles POST /handshakes/:id/report.
func (h *Handler) Report(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "actorId and reason are required"})
		return
	}

	hs, err := h.exchange.Report(c.Request.Context(), c.Param("id"), req.ActorID, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}

// ResolveRequest applies a moderation outcome.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

// Resolve handles POST /admin/handshakes/:id/resolve.
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "outcome is required"})
		return
	}

	outcome := Outcome(req.Outcome)
	switch outcome {
	case OutcomeRefund, OutcomeSettle, OutcomePause:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_outcome",
			"message": "outcome must be refund, settle, or pause",
		})
		return
	}

	hs, err := h.exchange.Resolve(c.Request.Context(), c.Param("id"), outcome)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handshake": hs})
}
