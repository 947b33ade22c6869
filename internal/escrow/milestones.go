package escrow

import (
	"context"
	"errors"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/multisig"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// SubmitWork records the seller's delivery for a pending milestone.
func (s *Service) SubmitWork(ctx context.Context, id, milestoneID, wallet string, req SubmitWorkRequest) (_ *Milestone, err error) {
	ctx = logging.With(ctx, "escrowId", id, "milestoneId", milestoneID)
	ctx, span := traces.StartSpan(ctx, "escrow.SubmitWork", traces.EscrowID(id), traces.MilestoneID(milestoneID))
	defer func() { traces.End(span, err) }()

	e, m, err := s.loadMilestone(ctx, id, milestoneID)
	if err != nil {
		return nil, err
	}
	if validation.NormalizeAddress(wallet) != e.SellerWallet {
		return nil, errs.Unauthorized("seller_only", "only the seller can submit work")
	}
	if err := guardMutable(e); err != nil {
		return nil, err
	}
	if e.Status != StatusActive {
		return nil, errs.State("escrow_not_active", "escrow must be funded before work is submitted")
	}
	if m.Status != MilestonePending {
		return nil, errs.State("milestone_not_pending", "work was already submitted for this milestone")
	}

	urls := make([]string, 0, len(req.EvidenceURLs))
	for _, u := range req.EvidenceURLs {
		if verr := validation.ValidURL("evidence_urls", u)(); verr != nil {
			return nil, validation.ValidationErrors{*verr}.Err()
		}
		urls = append(urls, u)
	}

	now := s.now()
	m.Status = MilestoneWorkSubmitted
	m.SellerNotes = validation.SanitizeString(req.Notes, 2000)
	m.SellerEvidenceURLs = urls
	m.SellerSubmittedAt = &now
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("milestone work submitted")
	s.notify(e, notify.EventMilestoneSubmitted, map[string]any{"milestoneId": m.ID})
	return m, nil
}

// ApproveMilestone releases one milestone's funds to the seller. Approval
// is sequential: every earlier milestone must already be settled.
func (s *Service) ApproveMilestone(ctx context.Context, id, milestoneID, wallet string) (_ *Outcome, err error) {
	ctx = logging.With(ctx, "escrowId", id, "milestoneId", milestoneID)
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveMilestone", traces.EscrowID(id), traces.MilestoneID(milestoneID))
	defer func() { traces.End(span, err) }()

	e, m, err := s.loadMilestone(ctx, id, milestoneID)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	party, ok := e.PartyOf(wallet)
	if !ok {
		return nil, ErrNotParty
	}
	if err := s.guardApprovable(ctx, e, m, party); err != nil {
		return nil, err
	}

	if tx, err := s.gate(ctx, e, m.ID, wallet, multisig.IntentApproveMilestone); err != nil || tx != nil {
		if err != nil {
			return nil, err
		}
		return &Outcome{Escrow: e, Milestone: m, MultiSig: tx}, nil
	}

	next, err := s.applyApprove(ctx, e, m)
	if err != nil {
		return nil, err
	}
	released, err := s.store.GetMilestone(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Escrow: next, Milestone: released}, nil
}

func (s *Service) loadMilestone(ctx context.Context, id, milestoneID string) (*Escrow, *Milestone, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if e.Type != TypeSimpleBuyer {
		return nil, nil, errs.State("milestones_not_applicable", "only simple_buyer escrows have milestones")
	}
	m, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	if m.EscrowID != e.ID {
		return nil, nil, ErrMilestoneNotFound
	}
	return e, m, nil
}

func (s *Service) guardApprovable(ctx context.Context, e *Escrow, m *Milestone, party Party) error {
	if party != PartyBuyer {
		return errs.Unauthorized("buyer_only", "only the buyer can approve a milestone")
	}
	if err := guardMutable(e); err != nil {
		return err
	}
	if e.Status != StatusActive {
		return errs.State("escrow_not_active", "escrow must be funded before milestones are approved")
	}
	switch m.Status {
	case MilestoneWorkSubmitted:
	case MilestoneReleased:
		return errs.State("milestone_already_released", "milestone was already released")
	case MilestonePending:
		return errs.State("work_not_submitted", "the seller has not submitted work for this milestone")
	default:
		return errs.State("milestone_not_approvable", "milestone is "+string(m.Status))
	}

	all, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return err
	}
	for _, prev := range all {
		if prev.Order < m.Order && !prev.Status.Terminal() {
			return errs.State("milestone_out_of_order", "earlier milestones must be released first")
		}
	}
	return nil
}

// applyApprove marks m approved and settles it. A settlement that could
// not move funds puts the milestone back to work_submitted.
func (s *Service) applyApprove(ctx context.Context, e *Escrow, m *Milestone) (*Escrow, error) {
	approved := m.clone()
	approved.Status = MilestoneApproved
	approved.UpdatedAt = s.now()
	if err := s.store.UpdateMilestone(ctx, approved); err != nil {
		return nil, err
	}

	a := action{kind: actionMilestone, ref: m.ID}
	next, err := s.settle(ctx, e, a, nil)
	if err == nil {
		return next, nil
	}

	if cur, gerr := s.store.GetEscrow(ctx, e.ID); gerr == nil && cur.Status != StatusReleasing {
		s.revertMilestone(ctx, m.ID, MilestoneApproved, MilestoneWorkSubmitted)
	}
	return nil, err
}

// revertMilestone moves a milestone from one status back to another, if it
// is still in from.
func (s *Service) revertMilestone(ctx context.Context, id string, from, to MilestoneStatus) {
	m, err := s.store.GetMilestone(ctx, id)
	if err != nil || m.Status != from {
		return
	}
	m.Status = to
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMilestone(ctx, m); err != nil && !errors.Is(err, ErrMilestoneConflict) {
		logging.L(ctx).Error("failed to revert milestone", "milestoneId", id, "error", err)
	}
}
