package booking

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// Handler provides HTTP endpoints for bookings.
type Handler struct {
	svc *Service
}

// NewHandler creates a new booking handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up booking routes. The authenticated caller is
// supplied by the platform gateway in X-User-ID.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.Create)
	r.GET("/bookings/:id", h.Get)
	r.POST("/bookings/:id/cancel", h.Cancel)
}

func callerID(c *gin.Context) (string, bool) {
	id := c.GetHeader("X-User-ID")
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "X-User-ID header required"})
		return "", false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAlreadyCancelled), errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, wallet.ErrDuplicateIdempotencyKey):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrNotBookingParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, wallet.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, wallet.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Busy, try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "booking_error", "message": err.Error()})
	}
}

type createBookingRequest struct {
	CreatorID       string    `json:"creatorId" binding:"required"`
	ScheduledStart  time.Time `json:"scheduledStart" binding:"required"`
	DurationMinutes int       `json:"durationMinutes" binding:"required"`
	PriceCoins      int64     `json:"priceCoins" binding:"required"`
	IdempotencyKey  string    `json:"idempotencyKey"`
}

// Create handles POST /bookings
func (h *Handler) Create(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	b, err := h.svc.Create(c.Request.Context(), caller, req.CreatorID,
		req.ScheduledStart, req.DurationMinutes, req.PriceCoins, req.IdempotencyKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

// Get handles GET /bookings/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	var req cancelBookingRequest
	_ = c.ShouldBindJSON(&req)
	res, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), caller, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
