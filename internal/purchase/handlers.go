package purchase

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/starlit-live/walletcore/internal/logging"
	"github.com/starlit-live/walletcore/internal/security"
)

// Handler provides HTTP endpoints for coin purchases.
type Handler struct {
	svc *Service
}

// NewHandler creates a purchase handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/purchases/packages", h.Packages)
	r.POST("/purchases/checkout", h.Checkout)
	r.POST("/purchases/webhook", h.Webhook)
}

// Packages handles GET /purchases/packages
func (h *Handler) Packages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": h.svc.Packages()})
}

type checkoutRequest struct {
	PackageID  string `json:"packageId" binding:"required"`
	SuccessURL string `json:"successUrl" binding:"required"`
	CancelURL  string `json:"cancelUrl" binding:"required"`
}

// Checkout handles POST /purchases/checkout
func (h *Handler) Checkout(c *gin.Context) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "X-User-ID header required"})
		return
	}
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	// Redirect targets are caller-supplied; reject internal hosts outright.
	for _, u := range []string{req.SuccessURL, req.CancelURL} {
		if err := security.ValidateEndpointURL(u); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_redirect_url", "message": err.Error()})
			return
		}
	}
	url, err := h.svc.CreateCheckout(c.Request.Context(), userID, req.PackageID, req.SuccessURL, req.CancelURL)
	if err != nil {
		if errors.Is(err, ErrUnknownPackage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_package", "message": err.Error()})
			return
		}
		if errors.Is(err, ErrStripeUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider_unavailable", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "checkout_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkoutUrl": url})
}

// Webhook handles POST /purchases/webhook. Stripe retries on non-2xx, so
// verification failures return 400 while processing failures return 500.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if err := h.svc.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		logging.L(c.Request.Context()).Warn("webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook_rejected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
