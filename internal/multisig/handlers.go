package multisig

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/respond"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for multi-sig detection and signing.
type Handler struct {
	service *Service
}

// NewHandler creates a new multi-sig handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public multi-sig routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/multisig/:address", validation.AddressParamMiddleware(), h.Detect)
	r.GET("/multisig/transactions/:txid", h.GetTransaction)
}

// RegisterProtectedRoutes sets up routes that need a verified wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/multisig/transactions/:txid/sign", h.Sign)
	r.GET("/multisig/transactions/:txid/can-sign", h.CanSign)
}

// Detect handles GET /v1/multisig/:address
func (h *Handler) Detect(c *gin.Context) {
	info, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (Info, error) {
		return h.service.Detect(c.Request.Context(), c.Param("address"))
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, info)
}

// GetTransaction handles GET /v1/multisig/transactions/:txid
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("txid"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, tx)
}

// Sign handles POST /v1/multisig/transactions/:txid/sign
func (h *Handler) Sign(c *gin.Context) {
	tx, err := h.service.RecordSignature(c.Request.Context(), c.Param("txid"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, tx)
}

// CanSign handles GET /v1/multisig/transactions/:txid/can-sign
func (h *Handler) CanSign(c *gin.Context) {
	ok, err := h.service.CanSign(c.Request.Context(), c.Param("txid"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"canSign": ok})
}
