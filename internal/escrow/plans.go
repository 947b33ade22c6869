package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/notify"
)

// planFor rebuilds the plan of a pending action. Plans only read state, so
// a rerun after a crash yields the same legs.
func (s *Service) planFor(ctx context.Context, e *Escrow, a action) (*plan, error) {
	switch a.kind {
	case actionRelease, actionTimeoutRelease:
		return s.planRelease(ctx, e, a, e.PriorStatus)
	case actionSwap:
		return s.planSwap(e)
	case actionMilestone:
		m, err := s.store.GetMilestone(ctx, a.ref)
		if err != nil {
			return nil, err
		}
		all, err := s.store.ListMilestones(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return s.planMilestones(ctx, e, a, []*Milestone{m}, all, e.PriorStatus)
	case actionTimeoutRefund:
		return s.planRefund(ctx, e, a, StatusRefunded)
	case actionCancel:
		return s.planRefund(ctx, e, a, StatusCancelled)
	case actionMutualCancel:
		p, err := s.planRefund(ctx, e, a, StatusCancelled)
		if err != nil {
			return nil, err
		}
		refund := p.finalize
		p.finalize = func(ctx context.Context, next *Escrow) error {
			if err := refund(ctx, next); err != nil {
				return err
			}
			return s.markCancellationExecuted(ctx, a.ref)
		}
		return p, nil
	case actionResolve:
		act, err := s.store.GetAdminAction(ctx, a.ref)
		if err != nil {
			return nil, err
		}
		d, err := s.store.GetDispute(ctx, act.DisputeID)
		if err != nil {
			return nil, err
		}
		return s.planResolution(ctx, e, a, d, act)
	}
	return nil, errs.New(errs.KindInternal, "unknown_settlement_action", fmt.Sprintf("unknown settlement action %q", a))
}

func (s *Service) builder() *legBuilder {
	return &legBuilder{fees: s.fees}
}

// planRelease pays the seller everything still owed.
func (s *Service) planRelease(ctx context.Context, e *Escrow, a action, restore Status) (*plan, error) {
	switch e.Type {
	case TypeAtomicSwap:
		return s.planSwap(e)
	case TypeSimpleBuyer:
		all, err := s.store.ListMilestones(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		return s.planMilestones(ctx, e, a, remaining(all, a), all, restore)
	}
	if !e.Funded() {
		return nil, errs.State("escrow_not_funded", "escrow has no funds to release")
	}

	b := s.builder()
	// The seller's whole deposit, security and any overpayment, travels
	// with the payout and carries no platform fee.
	if err := b.payout(TransferRelease, e.SellerWallet, e.Token, e.BuyerAmount, e.SellerDepositAmount, true, ""); err != nil {
		return nil, err
	}
	b.refund(TransferExcess, e.BuyerWallet, e.Token, e.BuyerDepositAmount.Sub(e.BuyerAmount), false)
	return &plan{
		legs: b.legs,
		finalize: func(_ context.Context, next *Escrow) error {
			next.Status = StatusCompleted
			return nil
		},
	}, nil
}

// planSwap exchanges both deposits, each net of its own fees.
func (s *Service) planSwap(e *Escrow) (*plan, error) {
	if !e.BuyerDeposited || !e.SellerDeposited {
		return nil, errs.State("swap_not_funded", "atomic swap needs both deposits")
	}
	b := s.builder()
	if err := b.payout(TransferSwapSeller, e.SellerWallet, e.Token, e.BuyerAmount, amount.Zero, true, ""); err != nil {
		return nil, err
	}
	if err := b.payout(TransferSwapBuyer, e.BuyerWallet, e.SellerToken, e.SellerAmount, amount.Zero, true, ""); err != nil {
		return nil, err
	}
	b.refund(TransferExcess, e.BuyerWallet, e.Token, e.BuyerDepositAmount.Sub(e.BuyerAmount), false)
	b.refund(TransferExcess, e.SellerWallet, e.SellerToken, e.SellerDepositAmount.Sub(e.SellerAmount), false)
	return &plan{
		legs: b.legs,
		finalize: func(_ context.Context, next *Escrow) error {
			next.Status = StatusCompleted
			return nil
		},
	}, nil
}

// planMilestones releases ms to the seller. The settlement that leaves no
// milestone open also returns the buyer's overpayment.
func (s *Service) planMilestones(ctx context.Context, e *Escrow, a action, ms, all []*Milestone, restore Status) (*plan, error) {
	if len(ms) == 0 {
		return nil, errs.State("no_milestones_to_release", "every milestone is already settled")
	}
	final := lastOpen(ms, all)
	gross := amount.Zero
	for _, m := range ms {
		gross = gross.Add(m.Amount)
	}
	mid := ""
	if len(ms) == 1 {
		mid = ms[0].ID
	}

	b := s.builder()
	if err := b.payout(TransferRelease, e.SellerWallet, e.Token, gross, amount.Zero, final, mid); err != nil {
		return nil, err
	}
	if final {
		b.refund(TransferExcess, e.BuyerWallet, e.Token, e.BuyerDepositAmount.Sub(e.BuyerAmount), false)
	}
	return &plan{
		legs: b.legs,
		finalize: func(ctx context.Context, next *Escrow) error {
			for _, m := range ms {
				if err := s.settleMilestone(ctx, m.ID, MilestoneReleased, a); err != nil {
					return err
				}
			}
			return s.statusAfterMilestones(ctx, next, restore)
		},
		after: func(next *Escrow) {
			for _, m := range ms {
				s.notify(next, notify.EventMilestoneReleased, map[string]any{
					"milestoneId": m.ID, "amount": m.Amount.String(),
				})
			}
		},
	}, nil
}

// planRefund returns every unreleased deposit to its depositor. An escrow
// that holds nothing ends cancelled rather than refunded.
func (s *Service) planRefund(ctx context.Context, e *Escrow, a action, status Status) (*plan, error) {
	b := s.builder()
	var milestones []*Milestone

	if e.Type == TypeSimpleBuyer {
		all, err := s.store.ListMilestones(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		milestones = remaining(all, a)
		if e.BuyerDeposited {
			gross := e.BuyerDepositAmount.Sub(settledBefore(all, a))
			if !b.refund(TransferRefund, e.BuyerWallet, e.Token, gross, true) {
				logging.L(ctx).Warn("buyer refund does not cover network fees, left in custody", "gross", gross.String())
			}
		}
	} else {
		sameToken := e.SellerDepositToken() == e.Token
		if e.BuyerDeposited {
			final := !(e.SellerDeposited && sameToken)
			if !b.refund(TransferRefund, e.BuyerWallet, e.Token, e.BuyerDepositAmount, final) {
				logging.L(ctx).Warn("buyer refund does not cover network fees, left in custody",
					"gross", e.BuyerDepositAmount.String())
			}
		}
		if e.SellerDeposited {
			if !b.refund(TransferRefund, e.SellerWallet, e.SellerDepositToken(), e.SellerDepositAmount, true) {
				logging.L(ctx).Warn("seller refund does not cover network fees, left in custody",
					"gross", e.SellerDepositAmount.String())
			}
		}
	}

	if !e.HasDeposits() {
		status = StatusCancelled
	}
	return &plan{
		legs: b.legs,
		finalize: func(ctx context.Context, next *Escrow) error {
			for _, m := range milestones {
				if err := s.settleMilestone(ctx, m.ID, MilestoneCancelled, a); err != nil {
					return err
				}
			}
			next.Status = status
			return nil
		},
	}, nil
}

// planResolution executes an admin ruling and resolves its dispute.
func (s *Service) planResolution(ctx context.Context, e *Escrow, a action, d *Dispute, act *AdminAction) (*plan, error) {
	var (
		p   *plan
		err error
	)
	if act.MilestoneID != "" {
		p, err = s.planMilestoneRuling(ctx, e, a, d, act)
	} else {
		p, err = s.planEscrowRuling(ctx, e, a, d, act)
	}
	if err != nil {
		return nil, err
	}

	ruling := p.finalize
	p.finalize = func(ctx context.Context, next *Escrow) error {
		if err := ruling(ctx, next); err != nil {
			return err
		}
		next.Resolution = string(act.Decision)
		return s.markDisputeResolved(ctx, d.ID, act)
	}
	p.event = notify.EventDisputeResolved
	return p, nil
}

func (s *Service) planMilestoneRuling(ctx context.Context, e *Escrow, a action, d *Dispute, act *AdminAction) (*plan, error) {
	m, err := s.store.GetMilestone(ctx, act.MilestoneID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	restore := d.EscrowPriorStatus

	switch act.Decision {
	case DecisionRelease:
		return s.planMilestones(ctx, e, a, []*Milestone{m}, all, restore)

	case DecisionRefund:
		final := lastOpen([]*Milestone{m}, all)
		gross := m.Amount
		if final {
			gross = gross.Add(e.BuyerDepositAmount.Sub(e.BuyerAmount))
		}
		b := s.builder()
		if !b.refund(TransferRefund, e.BuyerWallet, e.Token, gross, final) {
			logging.L(ctx).Warn("milestone refund does not cover network fees, left in custody", "gross", gross.String())
		}
		return &plan{
			legs: b.legs,
			finalize: func(ctx context.Context, next *Escrow) error {
				if err := s.settleMilestone(ctx, m.ID, MilestoneCancelled, a); err != nil {
					return err
				}
				return s.statusAfterMilestones(ctx, next, restore)
			},
		}, nil

	case DecisionSplit:
		if _, err := s.checkSplit(ctx, e, d, a, act.SplitSeller, act.SplitBuyer); err != nil {
			return nil, err
		}
		b := s.builder()
		b.exact(TransferSplitSeller, e.SellerWallet, e.Token, act.SplitSeller, m.ID)
		b.exact(TransferSplitBuyer, e.BuyerWallet, e.Token, act.SplitBuyer, m.ID)
		settled := MilestoneCancelled
		if act.SplitSeller.IsPositive() {
			settled = MilestoneReleased
		}
		return &plan{
			legs: b.legs,
			finalize: func(ctx context.Context, next *Escrow) error {
				if err := s.settleMilestone(ctx, m.ID, settled, a); err != nil {
					return err
				}
				return s.statusAfterMilestones(ctx, next, restore)
			},
		}, nil
	}
	return nil, errs.Validation("invalid_decision", fmt.Sprintf("decision %q does not move funds", act.Decision))
}

func (s *Service) planEscrowRuling(ctx context.Context, e *Escrow, a action, d *Dispute, act *AdminAction) (*plan, error) {
	switch act.Decision {
	case DecisionRelease:
		return s.planRelease(ctx, e, a, d.EscrowPriorStatus)
	case DecisionRefund:
		return s.planRefund(ctx, e, a, StatusRefunded)
	case DecisionSplit:
		if _, err := s.checkSplit(ctx, e, d, a, act.SplitSeller, act.SplitBuyer); err != nil {
			return nil, err
		}
		var open []*Milestone
		if e.Type == TypeSimpleBuyer {
			all, err := s.store.ListMilestones(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			open = remaining(all, a)
		}
		b := s.builder()
		b.exact(TransferSplitSeller, e.SellerWallet, e.Token, act.SplitSeller, "")
		b.exact(TransferSplitBuyer, e.BuyerWallet, e.Token, act.SplitBuyer, "")
		status, settled := StatusRefunded, MilestoneCancelled
		if act.SplitSeller.IsPositive() {
			status, settled = StatusCompleted, MilestoneReleased
		}
		return &plan{
			legs: b.legs,
			finalize: func(ctx context.Context, next *Escrow) error {
				for _, m := range open {
					if err := s.settleMilestone(ctx, m.ID, settled, a); err != nil {
						return err
					}
				}
				next.Status = status
				return nil
			},
		}, nil
	}
	return nil, errs.Validation("invalid_decision", fmt.Sprintf("decision %q does not move funds", act.Decision))
}

// SplitAvailable is the amount a split ruling on d must distribute: the
// custody funds in the dispute's scope after network fees and, for the
// settlement that empties custody, the reserve.
func (s *Service) SplitAvailable(ctx context.Context, e *Escrow, d *Dispute, payoutLegs int) (amount.Units, error) {
	return s.splitAvailable(ctx, e, d, action{kind: actionResolve}, payoutLegs)
}

func (s *Service) splitAvailable(ctx context.Context, e *Escrow, d *Dispute, a action, payoutLegs int) (amount.Units, error) {
	gross, final, err := s.splitScope(ctx, e, d, a)
	if err != nil {
		return amount.Zero, err
	}
	br, err := s.fees.Compute(fees.Scope{Gross: gross, PayoutLegs: payoutLegs, Final: final, NoFee: true})
	if err != nil {
		return amount.Zero, err
	}
	return br.Net, nil
}

func (s *Service) splitScope(ctx context.Context, e *Escrow, d *Dispute, a action) (amount.Units, bool, error) {
	switch {
	case e.Type == TypeAtomicSwap:
		return amount.Zero, false, errs.Validation("split_unsupported", "atomic swaps cannot be split")
	case !e.HasDeposits():
		return amount.Zero, false, errs.State("escrow_not_funded", "escrow holds no funds to split")
	case e.Type == TypeTraditional:
		return e.BuyerDepositAmount.Add(e.SellerDepositAmount), true, nil
	}

	all, err := s.store.ListMilestones(ctx, e.ID)
	if err != nil {
		return amount.Zero, false, err
	}
	if d.MilestoneID == "" {
		return e.BuyerDepositAmount.Sub(settledBefore(all, a)), true, nil
	}
	for _, m := range all {
		if m.ID != d.MilestoneID {
			continue
		}
		final := lastOpen([]*Milestone{m}, all)
		gross := m.Amount
		if final {
			gross = gross.Add(e.BuyerDepositAmount.Sub(e.BuyerAmount))
		}
		return gross, final, nil
	}
	return amount.Zero, false, ErrMilestoneNotFound
}

// checkSplit verifies the admin's pair distributes exactly what the
// dispute's scope holds.
func (s *Service) checkSplit(ctx context.Context, e *Escrow, d *Dispute, a action, seller, buyer amount.Units) (amount.Units, error) {
	if seller.Sign() < 0 || buyer.Sign() < 0 {
		return amount.Zero, errs.Validation("invalid_split_amount", "split amounts must not be negative")
	}
	legs := 0
	for _, part := range []amount.Units{seller, buyer} {
		if part.IsPositive() {
			legs++
		}
	}
	if legs == 0 {
		return amount.Zero, errs.Validation("split_empty", "a split must pay at least one party")
	}
	available, err := s.splitAvailable(ctx, e, d, a, legs)
	if err != nil {
		return amount.Zero, err
	}
	if !seller.Add(buyer).Equal(available) {
		return available, errs.Validation("split_sum_mismatch", fmt.Sprintf(
			"sellerAmount + buyerAmount must equal %s, the funds available after fees", available))
	}
	return available, nil
}

// settleMilestone moves a milestone to its settled status on behalf of a.
// Repeating it for the same action is a no-op.
func (s *Service) settleMilestone(ctx context.Context, id string, status MilestoneStatus, a action) error {
	m, err := s.store.GetMilestone(ctx, id)
	if err != nil {
		return err
	}
	if m.Status == status && m.SettledBy == a.String() {
		return nil
	}
	now := s.now()
	m.Status = status
	m.SettledBy = a.String()
	if status == MilestoneReleased {
		m.ReleasedAt = &now
	}
	m.UpdatedAt = now
	return s.store.UpdateMilestone(ctx, m)
}

// statusAfterMilestones completes the escrow once every milestone is
// settled and otherwise returns it to restore.
func (s *Service) statusAfterMilestones(ctx context.Context, next *Escrow, restore Status) error {
	all, err := s.store.ListMilestones(ctx, next.ID)
	if err != nil {
		return err
	}
	released := false
	for _, m := range all {
		if !m.Status.Terminal() {
			next.Status = restore
			return nil
		}
		if m.Status == MilestoneReleased {
			released = true
		}
	}
	if released {
		next.Status = StatusCompleted
	} else {
		next.Status = StatusRefunded
	}
	return nil
}

func (s *Service) markCancellationExecuted(ctx context.Context, id string) error {
	c, err := s.store.GetCancellation(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == CancellationExecuted {
		return nil
	}
	now := s.now()
	c.Status = CancellationExecuted
	c.ExecutedAt = &now
	c.UpdatedAt = now
	return s.store.UpdateCancellation(ctx, c)
}

func (s *Service) markDisputeResolved(ctx context.Context, id string, act *AdminAction) error {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return err
	}
	if d.Status == DisputeResolved {
		return nil
	}
	now := s.now()
	d.Status = DisputeResolved
	d.Resolution = string(act.Decision)
	d.ResolvedBy = act.AdminWallet
	d.ResolvedAt = &now
	d.UpdatedAt = now
	return s.store.UpdateDispute(ctx, d)
}

// remaining returns the milestones a settles: those still open plus those a
// itself already settled on an earlier attempt.
func remaining(all []*Milestone, a action) []*Milestone {
	var out []*Milestone
	for _, m := range all {
		if !m.Status.Terminal() || m.SettledBy == a.String() {
			out = append(out, m)
		}
	}
	return out
}

// settledBefore sums the milestones settlements other than a already paid
// out of custody. A milestone cancelled by a ruling went back to the buyer,
// so it counts as much as a released one.
func settledBefore(all []*Milestone, a action) amount.Units {
	sum := amount.Zero
	for _, m := range all {
		if m.Status.Terminal() && m.SettledBy != a.String() {
			sum = sum.Add(m.Amount)
		}
	}
	return sum
}

// lastOpen reports whether settling ms leaves no milestone open.
func lastOpen(ms, all []*Milestone) bool {
	in := make(map[string]bool, len(ms))
	for _, m := range ms {
		in[m.ID] = true
	}
	for _, m := range all {
		if !in[m.ID] && !m.Status.Terminal() {
			return false
		}
	}
	return true
}
