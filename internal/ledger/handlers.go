package ledger

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

// Handler provides HTTP endpoints for accounts and the entry log.
type Handler struct {
	ledger   *Ledger
	starting hours.Amount
	logger   *slog.Logger
}

// NewHandler creates a ledger handler. New accounts open with the given
// starting balance.
func NewHandler(ledger *Ledger, starting hours.Amount, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, starting: starting, logger: logger}
}

// RegisterRoutes sets up member-facing account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.OpenAccount)
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
	r.GET("/accounts/:id/audit", h.AuditAccount)
	r.GET("/handshakes/:id/entries", h.EntriesForHandshake)
}

// RegisterAdminRoutes sets up moderation/operations routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
	r.POST("/admin/adjustments", h.Adjust)
}

// OpenRequest creates a new account.
type OpenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// OpenAccount handles POST /accounts.
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_user_id",
			"message": "userId must be 1-64 characters of [a-zA-Z0-9_.-]",
		})
		return
	}

	acc, err := h.ledger.Open(c.Request.Context(), req.UserID, h.starting)
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "account_exists",
				"message": "An account for this user already exists",
			})
			return
		}
		h.logger.Error("failed to open account", "user", req.UserID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "account_error",
			"message": "Failed to open account",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": acc})
}

// GetBalance handles GET /accounts/:id/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	acc, err := h.ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No account for this user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc})
}

// GetHistory handles GET /accounts/:id/ledger with cursor pagination.
func (h *Handler) GetHistory(c *gin.Context) {
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

	// Fetch one extra row to learn whether another page exists.
	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// AuditAccount handles GET /accounts/:id/audit.
func (h *Handler) AuditAccount(c *gin.Context) {
	result, err := h.ledger.VerifyAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "No account for this user",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_error",
			"message": "Failed to audit account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// EntriesForHandshake handles GET /handshakes/:id/entries.
func (h *Handler) EntriesForHandshake(c *gin.Context) {
	entries, err := h.ledger.EntriesForHandshake(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve handshake entries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Reconcile handles GET /admin/reconcile.
func (h *Handler) Reconcile(c *gin.Context) {
	results, err := h.ledger.VerifyAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_error",
			"message": err.Error(),
		})
		return
	}

	if c.Query("discrepancies") == "true" {
		var filtered []*AuditResult
		for _, r := range results {
			if !r.Match {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

// AdjustRequest is one or more administrative adjustments.
type AdjustRequest struct {
	Adjustments []adjustLine `json:"adjustments" binding:"required,min=1,dive"`
}

type adjustLine struct {
	UserID      string `json:"userId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// Adjust handles POST /admin/adjustments. All lines apply atomically.
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	adjustments := make([]Adjustment, 0, len(req.Adjustments))
	for _, line := range req.Adjustments {
		amount, err := hours.Parse(line.Amount)
		if err != nil || amount.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amounts must be non-zero hours with at most two decimals",
			})
			return
		}
		adjustments = append(adjustments, Adjustment{
			UserID:      line.UserID,
			Amount:      amount,
			Description: validation.SanitizeString(line.Description, 500),
		})
	}

	entries, err := h.ledger.BatchAdjust(c.Request.Context(), adjustments)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "One of the adjusted accounts does not exist",
			})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "insufficient_balance",
				"message": "An adjustment would push a balance below the floor",
			})
		default:
			h.logger.Error("batch adjustment failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "adjustment_error",
				"message": "Failed to apply adjustments",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
