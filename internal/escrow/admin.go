package escrow

import (
	"context"
	"errors"
	"strings"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// ResolveDispute executes an admin ruling on an active dispute. The audit
// record is written before any funds move.
func (s *Service) ResolveDispute(ctx context.Context, disputeID, adminWallet string, req ResolveRequest) (_ *Escrow, err error) {
	ctx = logging.With(ctx, "disputeId", disputeID)
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.DisputeID(disputeID), traces.Wallet(adminWallet))
	defer func() { traces.End(span, err) }()

	adminWallet = validation.NormalizeAddress(adminWallet)
	if !s.isAdmin(adminWallet) {
		return nil, ErrAdminRequired
	}
	if err := requireNotes(req.Notes); err != nil {
		return nil, err
	}
	if req.Decision == DecisionClose {
		return s.CloseDispute(ctx, disputeID, adminWallet, req.Notes)
	}

	d, e, err := s.loadActiveDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	ctx = logging.With(ctx, "escrowId", e.ID)
	if e.Status != StatusDisputed {
		return nil, errs.State("escrow_not_disputed", "escrow is not frozen by this dispute")
	}

	act := &AdminAction{
		ID:          idgen.WithPrefix(idgen.PrefixAdminAction),
		EscrowID:    e.ID,
		DisputeID:   d.ID,
		MilestoneID: d.MilestoneID,
		AdminWallet: adminWallet,
		Action:      "resolve_dispute",
		Decision:    req.Decision,
		Notes:       validation.SanitizeString(strings.TrimSpace(req.Notes), 2000),
		SplitSeller: amount.Zero,
		SplitBuyer:  amount.Zero,
		CreatedAt:   s.now(),
	}
	switch req.Decision {
	case DecisionRelease, DecisionRefund:
	case DecisionSplit:
		if act.SplitSeller, err = parseSplit("seller_amount", req.SellerAmount); err != nil {
			return nil, err
		}
		if act.SplitBuyer, err = parseSplit("buyer_amount", req.BuyerAmount); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Validation("invalid_decision", "decision must be release_to_seller, refund_to_buyer, split or close")
	}

	a := action{kind: actionResolve, ref: act.ID}
	if _, err := s.planResolution(ctx, e, a, d, act); err != nil {
		return nil, err
	}
	if err := s.store.CreateAdminAction(ctx, act); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("admin ruling recorded", "adminActionId", act.ID, "decision", act.Decision,
		"admin", adminWallet, "milestoneId", act.MilestoneID)

	next, err := s.settle(ctx, e, a, nil)
	if err != nil {
		return nil, err
	}
	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	return next, nil
}

func requireNotes(notes string) error {
	if strings.TrimSpace(notes) == "" {
		return errs.Validation("notes_required", "admin decisions need justification notes")
	}
	return nil
}

func parseSplit(field, value string) (amount.Units, error) {
	if strings.TrimSpace(value) == "" {
		return amount.Zero, nil
	}
	u, err := amount.ParseUnits(strings.TrimSpace(value))
	if err != nil {
		return amount.Zero, errs.Validation("invalid_"+field, field+" must be an integer amount in smallest units")
	}
	return u, nil
}

func (s *Service) loadActiveDispute(ctx context.Context, disputeID string) (*Dispute, *Escrow, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, nil, err
	}
	if !d.Status.Active() {
		return nil, nil, errs.State("dispute_not_active", "dispute is already "+string(d.Status))
	}
	e, err := s.store.GetEscrow(ctx, d.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	if e.Status == StatusReleasing {
		return nil, nil, ErrReleasing
	}
	return d, e, nil
}

// AdminRelease rules the escrow's active dispute in the seller's favour.
func (s *Service) AdminRelease(ctx context.Context, id, adminWallet, notes string) (*Escrow, error) {
	return s.ruleActive(ctx, id, adminWallet, ResolveRequest{Decision: DecisionRelease, Notes: notes})
}

// AdminRefund rules the escrow's active dispute in the buyer's favour.
func (s *Service) AdminRefund(ctx context.Context, id, adminWallet, notes string) (*Escrow, error) {
	return s.ruleActive(ctx, id, adminWallet, ResolveRequest{Decision: DecisionRefund, Notes: notes})
}

func (s *Service) ruleActive(ctx context.Context, id, adminWallet string, req ResolveRequest) (*Escrow, error) {
	if !s.isAdmin(validation.NormalizeAddress(adminWallet)) {
		return nil, ErrAdminRequired
	}
	d, err := s.store.ActiveDispute(ctx, id)
	if errors.Is(err, ErrDisputeNotFound) {
		if _, gerr := s.store.GetEscrow(ctx, id); gerr != nil {
			return nil, gerr
		}
		return nil, errs.State("escrow_not_disputed", "admin release and refund require an active dispute")
	}
	if err != nil {
		return nil, err
	}
	return s.ResolveDispute(ctx, d.ID, adminWallet, req)
}

// TriageDispute marks a dispute under review and sets its priority.
func (s *Service) TriageDispute(ctx context.Context, disputeID, adminWallet string, priority Priority, notes string) (*Dispute, error) {
	adminWallet = validation.NormalizeAddress(adminWallet)
	if !s.isAdmin(adminWallet) {
		return nil, ErrAdminRequired
	}
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return nil, errs.Validation("invalid_priority", "priority must be low, normal, high or urgent")
	}
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if !d.Status.Active() {
		return nil, errs.State("dispute_not_active", "dispute is already "+string(d.Status))
	}

	d.Status = DisputeUnderReview
	d.Priority = priority
	d.UpdatedAt = s.now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	if err := s.store.CreateAdminAction(ctx, &AdminAction{
		ID:          idgen.WithPrefix(idgen.PrefixAdminAction),
		EscrowID:    d.EscrowID,
		DisputeID:   d.ID,
		MilestoneID: d.MilestoneID,
		AdminWallet: adminWallet,
		Action:      "triage_dispute",
		Notes:       validation.SanitizeString(notes, 2000),
		SplitSeller: amount.Zero,
		SplitBuyer:  amount.Zero,
		CreatedAt:   s.now(),
	}); err != nil {
		logging.L(ctx).Error("failed to record triage", "disputeId", d.ID, "error", err)
	}
	return d, nil
}

// CloseDispute ends a dispute without moving funds and returns the escrow
// and milestone to the status they had when it was raised.
func (s *Service) CloseDispute(ctx context.Context, disputeID, adminWallet, notes string) (*Escrow, error) {
	adminWallet = validation.NormalizeAddress(adminWallet)
	if !s.isAdmin(adminWallet) {
		return nil, ErrAdminRequired
	}
	if err := requireNotes(notes); err != nil {
		return nil, err
	}
	d, e, err := s.loadActiveDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	ctx = logging.With(ctx, "escrowId", e.ID, "disputeId", d.ID)

	act := &AdminAction{
		ID:          idgen.WithPrefix(idgen.PrefixAdminAction),
		EscrowID:    e.ID,
		DisputeID:   d.ID,
		MilestoneID: d.MilestoneID,
		AdminWallet: adminWallet,
		Action:      "close_dispute",
		Decision:    DecisionClose,
		Notes:       validation.SanitizeString(notes, 2000),
		SplitSeller: amount.Zero,
		SplitBuyer:  amount.Zero,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateAdminAction(ctx, act); err != nil {
		return nil, err
	}

	now := s.now()
	if e.Status == StatusDisputed {
		next := e.clone()
		next.Status = d.EscrowPriorStatus
		next.UpdatedAt = now
		if err := s.store.UpdateEscrow(ctx, next); err != nil {
			return nil, err
		}
		e = next
	}

	d.Status = DisputeClosed
	d.Resolution = string(DecisionClose)
	d.ResolvedBy = adminWallet
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	if d.MilestoneID != "" && d.MilestonePriorStatus != "" {
		s.revertMilestone(ctx, d.MilestoneID, MilestoneDisputed, d.MilestonePriorStatus)
	}

	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	logging.L(ctx).Info("dispute closed", "admin", adminWallet, "status", e.Status)
	s.notify(e, notify.EventDisputeClosed, map[string]any{"disputeId": d.ID})
	return e, nil
}

// ListAdminActions returns an escrow's audit trail to admins.
func (s *Service) ListAdminActions(ctx context.Context, id, adminWallet string) ([]*AdminAction, error) {
	if !s.isAdmin(validation.NormalizeAddress(adminWallet)) {
		return nil, ErrAdminRequired
	}
	if _, err := s.store.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAdminActions(ctx, id)
}
