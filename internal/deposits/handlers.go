package deposits

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/respond"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for deposit status and reconciliation.
type Handler struct {
	monitor *Monitor
}

// NewHandler creates a new deposits handler.
func NewHandler(monitor *Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// RegisterRoutes sets up public deposit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id/deposits", h.GetStatus)
}

// RegisterProtectedRoutes sets up routes that need a verified wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows/:id/deposits", h.Record)
}

// GetStatus handles GET /v1/escrows/:id/deposits
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (*Status, error) {
		return h.monitor.CheckDepositStatus(c.Request.Context(), c.Param("id"))
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, st)
}

// Record handles POST /v1/escrows/:id/deposits. A party asks for its
// deposit to be checked now instead of waiting for the next scan.
func (h *Handler) Record(c *gin.Context) {
	ctx := c.Request.Context()
	e, err := h.monitor.escrows.Get(ctx, c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if _, ok := e.PartyOf(validation.NormalizeAddress(auth.Wallet(c))); !ok {
		respond.Error(c, escrow.ErrNotParty)
		return
	}

	next, recorded, err := h.monitor.Reconcile(ctx, e.ID)
	if err != nil {
		respond.Error(c, err)
		return
	}
	st, err := h.monitor.status(ctx, next)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"escrow": next, "deposits": st, "recorded": recorded})
}
