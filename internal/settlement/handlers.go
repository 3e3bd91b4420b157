package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/starlit-live/walletcore/internal/wallet"
)

// Handler provides HTTP endpoints for group rooms.
type Handler struct {
	svc *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up room routes. The authenticated caller is supplied
// by the platform gateway in X-User-ID.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/rooms", h.CreateRoom)
	r.GET("/rooms/:id", h.GetRoom)
	r.POST("/rooms/:id/join", h.Join)
	r.POST("/rooms/:id/leave", h.Leave)
	r.POST("/rooms/:id/kick", h.Kick)
	r.POST("/rooms/:id/end", h.End)
	r.POST("/rooms/:id/heartbeat", h.Heartbeat)
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
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrRoomClosed), errors.Is(err, ErrAlreadyJoined),
		errors.Is(err, ErrOwnerCannotJoin), errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrNotRoomOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_participant", "message": err.Error()})
	case errors.Is(err, wallet.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Busy, try again"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_error", "message": err.Error()})
	}
}

type createRoomRequest struct {
	Title      string `json:"title"`
	PriceType  string `json:"priceType" binding:"required"`
	PriceCoins int64  `json:"priceCoins" binding:"required"`
}

// CreateRoom handles POST /rooms
func (h *Handler) CreateRoom(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	room, err := h.svc.CreateRoom(c.Request.Context(), caller, req.Title, PriceType(req.PriceType), req.PriceCoins)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"room": room})
}

// GetRoom handles GET /rooms/:id
func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.svc.GetRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// Join handles POST /rooms/:id/join
func (h *Handler) Join(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	p, err := h.svc.Join(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"participant": p})
}

// Leave handles POST /rooms/:id/leave
func (h *Handler) Leave(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	res, err := h.svc.Leave(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charged": res.Charged, "alreadySettled": res.AlreadySettled})
}

type kickRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// Kick handles POST /rooms/:id/kick
func (h *Handler) Kick(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	var req kickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	res, err := h.svc.Kick(c.Request.Context(), c.Param("id"), caller, req.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"charged": res.Charged, "alreadySettled": res.AlreadySettled})
}

// End handles POST /rooms/:id/end
func (h *Handler) End(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	if err := h.svc.End(c.Request.Context(), c.Param("id"), caller); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

// Heartbeat handles POST /rooms/:id/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	if err := h.svc.Heartbeat(c.Request.Context(), c.Param("id"), caller); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
