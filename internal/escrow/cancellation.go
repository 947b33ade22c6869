package escrow

import (
	"context"
	"slices"
	"strings"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Cancel abandons an escrow before it is funded. A party may cancel alone
// only while the counterparty has deposited nothing; its own deposit is
// refunded.
func (s *Service) Cancel(ctx context.Context, id, wallet string) (_ *Escrow, err error) {
	ctx = logging.With(ctx, "escrowId", id)
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id), traces.Wallet(wallet))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	party, ok := e.PartyOf(validation.NormalizeAddress(wallet))
	if !ok {
		return nil, ErrNotParty
	}
	if err := guardMutable(e); err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusCreated, StatusBuyerDeposited, StatusSellerDeposited:
	default:
		return nil, errs.State("escrow_funded", "a funded escrow needs mutual cancellation")
	}
	if e.Deposited(otherParty(party)) {
		return nil, errs.State("counterparty_deposited", "the counterparty has deposited; request mutual cancellation")
	}

	if !e.HasDeposits() {
		return s.cancelUnfunded(ctx, e, "cancelled")
	}
	return s.settle(ctx, e, action{kind: actionCancel}, nil)
}

// cancelUnfunded closes an escrow that holds nothing, without a settlement.
func (s *Service) cancelUnfunded(ctx context.Context, e *Escrow, outcome string) (*Escrow, error) {
	now := s.now()
	next := e.clone()
	next.Status = StatusCancelled
	next.UpdatedAt = now
	next.CompletedAt = &now
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	logging.L(ctx).Info("escrow cancelled", "outcome", outcome)
	s.notify(next, notify.EventEscrowCancelled, map[string]any{"outcome": outcome})
	return next, nil
}

// RequestCancellation proposes abandoning an escrow. The counterparty must
// approve it.
func (s *Service) RequestCancellation(ctx context.Context, id, wallet, reason string) (*CancellationRequest, error) {
	ctx = logging.With(ctx, "escrowId", id)
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	party, ok := e.PartyOf(wallet)
	if !ok {
		return nil, ErrNotParty
	}
	if err := guardMutable(e); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if verrs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 1000),
	); len(verrs) > 0 {
		return nil, verrs.Err()
	}

	now := s.now()
	c := &CancellationRequest{
		ID:              idgen.WithPrefix(idgen.PrefixCancellation),
		EscrowID:        e.ID,
		RequestorWallet: wallet,
		Reason:          validation.SanitizeString(reason, 1000),
		Status:          CancellationPending,
		Approvals:       []string{wallet},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateCancellation(ctx, c); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("cancellation requested", "cancellationId", c.ID, "party", party)
	s.notify(e, notify.EventCancellationRequested, map[string]any{
		"cancellationId": c.ID, "requestor": wallet, "counterparty": e.Counterparty(party),
	})
	return c, nil
}

// ApproveCancellation records the counterparty's approval and cancels the
// escrow, refunding every deposit.
func (s *Service) ApproveCancellation(ctx context.Context, cancellationID, wallet string) (_ *CancellationRequest, _ *Escrow, err error) {
	ctx = logging.With(ctx, "cancellationId", cancellationID)
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveCancellation", traces.Wallet(wallet))
	defer func() { traces.End(span, err) }()

	c, e, err := s.loadCancellation(ctx, cancellationID)
	if err != nil {
		return nil, nil, err
	}
	ctx = logging.With(ctx, "escrowId", e.ID)
	wallet = validation.NormalizeAddress(wallet)
	if _, ok := e.PartyOf(wallet); !ok {
		return nil, nil, ErrNotParty
	}
	if c.Status != CancellationPending {
		return nil, nil, errs.State("cancellation_not_pending", "cancellation request is already "+string(c.Status))
	}
	if wallet == c.RequestorWallet || slices.Contains(c.Approvals, wallet) {
		return nil, nil, errs.Unauthorized("counterparty_approval_required", "the counterparty must approve the cancellation")
	}
	if err := guardMutable(e); err != nil {
		return nil, nil, err
	}

	c.Approvals = append(c.Approvals, wallet)
	c.Status = CancellationApproved
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCancellation(ctx, c); err != nil {
		return nil, nil, err
	}

	if !e.HasDeposits() {
		next, err := s.cancelUnfunded(ctx, e, "mutual")
		if err != nil {
			s.reopenCancellation(ctx, c.ID)
			return nil, nil, err
		}
		if err := s.markCancellationExecuted(ctx, c.ID); err != nil {
			logging.L(ctx).Error("failed to mark cancellation executed", "error", err)
		}
		c, _ = s.store.GetCancellation(ctx, c.ID)
		return c, next, nil
	}

	next, err := s.settle(ctx, e, action{kind: actionMutualCancel, ref: c.ID}, nil)
	if err != nil {
		if cur, gerr := s.store.GetEscrow(ctx, e.ID); gerr == nil && cur.Status != StatusReleasing {
			s.reopenCancellation(ctx, c.ID)
		}
		return nil, nil, err
	}
	c, err = s.store.GetCancellation(ctx, c.ID)
	if err != nil {
		return nil, nil, err
	}
	return c, next, nil
}

// reopenCancellation returns an approved request to pending after its
// settlement was reverted.
func (s *Service) reopenCancellation(ctx context.Context, id string) {
	c, err := s.store.GetCancellation(ctx, id)
	if err != nil || c.Status != CancellationApproved {
		return
	}
	c.Status = CancellationPending
	c.Approvals = []string{c.RequestorWallet}
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCancellation(ctx, c); err != nil {
		logging.L(ctx).Error("failed to reopen cancellation", "cancellationId", id, "error", err)
	}
}

// RejectCancellation declines a pending request. The counterparty rejects;
// the requestor withdraws.
func (s *Service) RejectCancellation(ctx context.Context, cancellationID, wallet string) (*CancellationRequest, error) {
	c, e, err := s.loadCancellation(ctx, cancellationID)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	if _, ok := e.PartyOf(wallet); !ok {
		return nil, ErrNotParty
	}
	if c.Status != CancellationPending {
		return nil, errs.State("cancellation_not_pending", "cancellation request is already "+string(c.Status))
	}
	c.Status = CancellationRejected
	c.UpdatedAt = s.now()
	if err := s.store.UpdateCancellation(ctx, c); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("cancellation rejected", "escrowId", e.ID, "cancellationId", c.ID, "by", wallet)
	s.notify(e, notify.EventCancellationRejected, map[string]any{"cancellationId": c.ID, "by": wallet})
	return c, nil
}

// GetCancellation returns a cancellation request to the escrow's parties
// and admins.
func (s *Service) GetCancellation(ctx context.Context, cancellationID, wallet string) (*CancellationRequest, error) {
	c, err := s.store.GetCancellation(ctx, cancellationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeViewer(ctx, c.EscrowID, wallet); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) loadCancellation(ctx context.Context, id string) (*CancellationRequest, *Escrow, error) {
	c, err := s.store.GetCancellation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	e, err := s.store.GetEscrow(ctx, c.EscrowID)
	if err != nil {
		return nil, nil, err
	}
	return c, e, nil
}
