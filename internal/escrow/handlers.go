package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/respond"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/validation"
)

var errInvalidBody = errs.Validation("invalid_request", "invalid request body")

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/wallets/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up routes that need a verified wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/confirm", h.Confirm)
	r.POST("/escrows/:id/cancel", h.Cancel)

	r.POST("/escrows/:id/milestones/:mid/submit", h.SubmitWork)
	r.POST("/escrows/:id/milestones/:mid/approve", h.ApproveMilestone)
	r.POST("/escrows/:id/milestones/:mid/dispute", h.DisputeMilestone)

	r.POST("/escrows/:id/disputes", h.RaiseDispute)
	r.GET("/escrows/:id/disputes", h.ListDisputes)
	r.POST("/escrows/:id/evidence", h.SubmitEvidence)
	r.GET("/escrows/:id/evidence", h.ListEvidence)

	r.POST("/escrows/:id/cancellations", h.RequestCancellation)
	r.GET("/cancellations/:cid", h.GetCancellation)
	r.POST("/cancellations/:cid/approve", h.ApproveCancellation)
	r.POST("/cancellations/:cid/reject", h.RejectCancellation)
}

// RegisterAdminRoutes sets up admin routes. r must already require an
// admin wallet.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/escrows/:id/release", h.AdminRelease)
	r.POST("/admin/escrows/:id/refund", h.AdminRefund)
	r.GET("/admin/escrows/:id/actions", h.ListAdminActions)
	r.POST("/admin/disputes/:did/resolve", h.ResolveDispute)
	r.POST("/admin/disputes/:did/triage", h.TriageDispute)
	r.POST("/admin/disputes/:did/close", h.CloseDispute)
}

// escrowView is an escrow with its child records, as returned by status
// queries.
type escrowView struct {
	*Escrow
	Milestones []*Milestone `json:"milestones,omitempty"`
	Transfers  []*Transfer  `json:"transfers,omitempty"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	if validation.NormalizeAddress(req.BuyerWallet) != validation.NormalizeAddress(auth.Wallet(c)) {
		respond.Error(c, errs.Unauthorized("buyer_required", "authenticated wallet must be the buyer"))
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	view := escrowView{Escrow: e}
	if e.Type == TypeSimpleBuyer {
		view.Milestones, _ = h.service.Milestones(c.Request.Context(), e.ID)
	}
	respond.OK(c, http.StatusCreated, view)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	e, err := h.service.Get(ctx, c.Param("id"))
	if err != nil {
		respond.Error(c, err)
		return
	}
	view := escrowView{Escrow: e}
	if e.Type == TypeSimpleBuyer {
		if view.Milestones, err = h.service.Milestones(ctx, e.ID); err != nil {
			respond.Error(c, err)
			return
		}
	}
	if view.Transfers, err = h.service.Transfers(ctx, e.ID); err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, view)
}

// ListEscrows handles GET /v1/wallets/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	items, next, err := h.service.ListByWallet(c.Request.Context(), c.Param("address"), c.Query("cursor"), limit)
	if err != nil {
		respond.Error(c, err)
		return
	}
	if items == nil {
		items = []*Escrow{}
	}
	respond.OK(c, http.StatusOK, gin.H{
		"escrows":    items,
		"count":      len(items),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// Confirm handles POST /v1/escrows/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	out, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (*Outcome, error) {
		return h.service.Confirm(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	})
	writeOutcome(c, out, err)
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	e, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (*Escrow, error) {
		return h.service.Cancel(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// SubmitWork handles POST /v1/escrows/:id/milestones/:mid/submit
func (h *Handler) SubmitWork(c *gin.Context) {
	var req SubmitWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	m, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (*Milestone, error) {
		return h.service.SubmitWork(c.Request.Context(), c.Param("id"), c.Param("mid"), auth.Wallet(c), req)
	})
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, m)
}

// ApproveMilestone handles POST /v1/escrows/:id/milestones/:mid/approve
func (h *Handler) ApproveMilestone(c *gin.Context) {
	out, err := retry.Value(c.Request.Context(), retry.DefaultPolicy, func() (*Outcome, error) {
		return h.service.ApproveMilestone(c.Request.Context(), c.Param("id"), c.Param("mid"), auth.Wallet(c))
	})
	writeOutcome(c, out, err)
}

// writeOutcome answers 202 when the action waits on multi-sig signatures.
func writeOutcome(c *gin.Context, out *Outcome, err error) {
	if err != nil {
		respond.Error(c, err)
		return
	}
	status := http.StatusOK
	if out.MultiSig != nil {
		status = http.StatusAccepted
	}
	respond.OK(c, status, out)
}

// DisputeMilestone handles POST /v1/escrows/:id/milestones/:mid/dispute
func (h *Handler) DisputeMilestone(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	req.MilestoneID = c.Param("mid")
	h.raiseDispute(c, req)
}

// RaiseDispute handles POST /v1/escrows/:id/disputes
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	h.raiseDispute(c, req)
}

func (h *Handler) raiseDispute(c *gin.Context, req DisputeRequest) {
	d, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.Wallet(c), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, d)
}

// ListDisputes handles GET /v1/escrows/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	ds, err := h.service.ListDisputes(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if ds == nil {
		ds = []*Dispute{}
	}
	respond.OK(c, http.StatusOK, gin.H{"disputes": ds, "count": len(ds)})
}

// SubmitEvidence handles POST /v1/escrows/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	ev, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), auth.Wallet(c), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, ev)
}

// ListEvidence handles GET /v1/escrows/:id/evidence
func (h *Handler) ListEvidence(c *gin.Context) {
	evs, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if evs == nil {
		evs = []*Evidence{}
	}
	respond.OK(c, http.StatusOK, gin.H{"evidence": evs, "count": len(evs)})
}

type cancellationBody struct {
	Reason string `json:"reason"`
}

// RequestCancellation handles POST /v1/escrows/:id/cancellations
func (h *Handler) RequestCancellation(c *gin.Context) {
	var req cancellationBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	cr, err := h.service.RequestCancellation(c.Request.Context(), c.Param("id"), auth.Wallet(c), req.Reason)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, cr)
}

// GetCancellation handles GET /v1/cancellations/:cid
func (h *Handler) GetCancellation(c *gin.Context) {
	cr, err := h.service.GetCancellation(c.Request.Context(), c.Param("cid"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, cr)
}

// ApproveCancellation handles POST /v1/cancellations/:cid/approve
func (h *Handler) ApproveCancellation(c *gin.Context) {
	cr, e, err := h.service.ApproveCancellation(c.Request.Context(), c.Param("cid"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"cancellation": cr, "escrow": e})
}

// RejectCancellation handles POST /v1/cancellations/:cid/reject
func (h *Handler) RejectCancellation(c *gin.Context) {
	cr, err := h.service.RejectCancellation(c.Request.Context(), c.Param("cid"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, cr)
}

type adminBody struct {
	Notes    string   `json:"notes"`
	Priority Priority `json:"priority"`
}

// AdminRelease handles POST /v1/admin/escrows/:id/release
func (h *Handler) AdminRelease(c *gin.Context) {
	var req adminBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	e, err := h.service.AdminRelease(c.Request.Context(), c.Param("id"), auth.Wallet(c), req.Notes)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// AdminRefund handles POST /v1/admin/escrows/:id/refund
func (h *Handler) AdminRefund(c *gin.Context) {
	var req adminBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	e, err := h.service.AdminRefund(c.Request.Context(), c.Param("id"), auth.Wallet(c), req.Notes)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// ListAdminActions handles GET /v1/admin/escrows/:id/actions
func (h *Handler) ListAdminActions(c *gin.Context) {
	acts, err := h.service.ListAdminActions(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		respond.Error(c, err)
		return
	}
	if acts == nil {
		acts = []*AdminAction{}
	}
	respond.OK(c, http.StatusOK, gin.H{"actions": acts, "count": len(acts)})
}

// ResolveDispute handles POST /v1/admin/disputes/:did/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	e, err := h.service.ResolveDispute(c.Request.Context(), c.Param("did"), auth.Wallet(c), req)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}

// TriageDispute handles POST /v1/admin/disputes/:did/triage
func (h *Handler) TriageDispute(c *gin.Context) {
	var req adminBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	d, err := h.service.TriageDispute(c.Request.Context(), c.Param("did"), auth.Wallet(c), req.Priority, req.Notes)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, d)
}

// CloseDispute handles POST /v1/admin/disputes/:did/close
func (h *Handler) CloseDispute(c *gin.Context) {
	var req adminBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.Error(c, errInvalidBody)
		return
	}
	e, err := h.service.CloseDispute(c.Request.Context(), c.Param("did"), auth.Wallet(c), req.Notes)
	if err != nil {
		respond.Error(c, err)
		return
	}
	respond.OK(c, http.StatusOK, e)
}
