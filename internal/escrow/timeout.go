package escrow

import (
	"context"
	"errors"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
)

// HandleTimeout applies the expiry policy to one escrow. Escrows that are
// not yet expired, or are settled, disputed or releasing, are returned
// unchanged, so repeated and overlapping invocations are safe. An escrow
// that is not funded refunds whatever its custody wallet holds, recorded or
// not.
func (s *Service) HandleTimeout(ctx context.Context, id string) (_ *Escrow, err error) {
	ctx = logging.With(ctx, "escrowId", id)
	ctx, span := traces.StartSpan(ctx, "escrow.HandleTimeout", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if guardMutable(e) != nil || now.Before(e.ExpiresAt) {
		return e, nil
	}

	var stranded []Attribution
	if !e.Funded() {
		if stranded, err = s.strandedDeposits(ctx, e); err != nil {
			return nil, err
		}
	}

	var (
		next    *Escrow
		outcome string
	)
	switch {
	case e.Type == TypeAtomicSwap && e.Funded():
		outcome = "swap_executed"
		next, err = s.settle(ctx, e, action{kind: actionSwap}, nil)
	case !e.HasDeposits() && len(stranded) == 0:
		outcome = "cancelled"
		next, err = s.cancelUnfunded(ctx, e, "expired")
	case !e.Funded():
		outcome = "refunded"
		for _, a := range stranded {
			logging.L(ctx).Warn("refunding unrecorded custody balance", "party", a.Party, "amount", a.Amount.String())
		}
		next, err = s.settle(ctx, e, action{kind: actionTimeoutRefund}, func(marked *Escrow) {
			credit(marked, stranded)
		})
	case s.policy.FundedPolicy == PolicyReleaseSeller:
		if now.Before(e.ExpiresAt.Add(s.policy.Grace)) {
			return e, nil
		}
		outcome = "released"
		next, err = s.settle(ctx, e, action{kind: actionTimeoutRelease}, nil)
	default:
		outcome = "refunded"
		next, err = s.settle(ctx, e, action{kind: actionTimeoutRefund}, nil)
	}
	if err != nil {
		metrics.TimeoutsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.TimeoutsTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("expired escrow settled", "outcome", outcome, "status", next.Status)
	s.notify(next, notify.EventEscrowExpired, map[string]any{"outcome": outcome})
	return next, nil
}

// strandedDeposits reads e's custody balances and attributes what recorded
// deposits do not account for to the parties that never deposited.
func (s *Service) strandedDeposits(ctx context.Context, e *Escrow) ([]Attribution, error) {
	symbols := []string{e.Token}
	if e.RequiresSellerDeposit() && e.SellerDepositToken() != e.Token {
		symbols = append(symbols, e.SellerDepositToken())
	}

	var out []Attribution
	for _, sym := range symbols {
		token, err := s.tokens.Lookup(sym)
		if err != nil {
			return nil, err
		}
		available, err := s.ledger.Balance(ctx, e.CustodyAddress, token)
		if err != nil {
			return nil, err
		}
		if e.BuyerDeposited && e.Token == sym {
			available = available.Sub(e.BuyerDepositAmount)
		}
		if e.SellerDeposited && e.SellerDepositToken() == sym {
			available = available.Sub(e.SellerDepositAmount)
		}
		for _, a := range e.Attribute(sym, available) {
			if a.Amount.IsPositive() {
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// credit records stranded balances as the parties' deposits so the refund
// plan returns them.
func credit(e *Escrow, stranded []Attribution) {
	for _, a := range stranded {
		if a.Party == PartyBuyer {
			e.BuyerDeposited = true
			e.BuyerDepositAmount = a.Amount
		} else {
			e.SellerDeposited = true
			e.SellerDepositAmount = a.Amount
		}
	}
}

// ProcessExpired applies HandleTimeout to every expired escrow. A lost race
// with another scan or a party's action is not an error.
func (s *Service) ProcessExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, s.now(), 100)
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, e := range expired {
		if ctx.Err() != nil {
			return handled, ctx.Err()
		}
		if _, err := s.HandleTimeout(ctx, e.ID); err != nil {
			if errors.Is(err, errs.ErrConflict) {
				s.logger.Debug("timeout lost race", "escrowId", e.ID)
				continue
			}
			s.logger.Warn("failed to handle expired escrow", "escrowId", e.ID, "error", err)
			continue
		}
		handled++
	}
	return handled, nil
}
