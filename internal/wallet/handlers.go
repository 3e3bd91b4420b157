package wallet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	svc *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/balance", h.GetBalance)
	r.GET("/users/:id/ledger", h.GetHistory)
	r.POST("/holds", h.CreateHold)
	r.POST("/holds/:id/settle", h.SettleHold)
	r.POST("/holds/:id/release", h.ReleaseHold)
	r.POST("/transfers", h.RecordTransfer)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": "Wallet balance cannot cover this operation"})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No such record"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive integer"})
	case errors.Is(err, ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Pagination cursor is malformed"})
	case errors.Is(err, ErrLockTimeout):
		// Transient: the operation is idempotent, so the caller can retry.
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Busy, try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": err.Error()})
	}
}

// GetBalance handles GET /users/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	w, err := h.svc.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w, "spendable": w.Balance - w.HeldBalance})
}

// GetHistory handles GET /users/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l, ok := c.GetQuery("limit"); ok {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	txns, next, err := h.svc.GetHistory(c.Request.Context(), c.Param("id"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"transactions": txns, "count": len(txns)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type createHoldRequest struct {
	UserID string `json:"userId" binding:"required"`
	Amount int64  `json:"amount" binding:"required"`
}

// CreateHold handles POST /holds
func (h *Handler) CreateHold(c *gin.Context) {
	var req createHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	hold, err := h.svc.CreateHold(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"hold": hold})
}

type settleHoldRequest struct {
	PayeeUserID  string `json:"payeeUserId" binding:"required"`
	ActualCharge int64  `json:"actualCharge"`
	Type         string `json:"type"`
	Description  string `json:"description"`
}

// SettleHold handles POST /holds/:id/settle
func (h *Handler) SettleHold(c *gin.Context) {
	var req settleHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	debitType, creditType := TypeCallPayment, TypeCallEarnings
	if req.Type == "group_room" {
		debitType, creditType = TypeGroupRoomPayment, TypeGroupRoomEarnings
	}
	res, err := h.svc.SettleHold(c.Request.Context(), c.Param("id"), req.PayeeUserID, req.ActualCharge, debitType, creditType, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charged": res.Charged, "alreadySettled": res.AlreadySettled})
}

// ReleaseHold handles POST /holds/:id/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	if err := h.svc.ReleaseHold(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

type transferRequest struct {
	FromUserID     string `json:"fromUserId" binding:"required"`
	ToUserID       string `json:"toUserId" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	Type           string `json:"type" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
	Description    string `json:"description"`
}

// RecordTransfer handles POST /transfers (tips, unlocks, admin refunds).
func (h *Handler) RecordTransfer(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.RecordTransfer(c.Request.Context(), req.FromUserID, req.ToUserID, req.Amount, TxType(req.Type), req.IdempotencyKey, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyApplied {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"debitId": res.DebitID, "creditId": res.CreditID, "alreadyApplied": res.AlreadyApplied})
}
