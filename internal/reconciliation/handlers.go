package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the admin reconciliation trigger.
type Handler struct {
	svc *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.Reconcile)
}

// Reconcile handles POST /admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	res, err := h.svc.ReconcileAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
