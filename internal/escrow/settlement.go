package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
)

// Settlement actions recorded in Escrow.PendingAction while releasing.
const (
	actionRelease        = "release"
	actionSwap           = "swap"
	actionMilestone      = "milestone"
	actionTimeoutRefund  = "timeout_refund"
	actionTimeoutRelease = "timeout_release"
	actionCancel         = "cancel"
	actionMutualCancel   = "mutual_cancel"
	actionResolve        = "resolve"
)

// action identifies one settlement; ref names the milestone, admin action
// or cancellation it settles.
type action struct {
	kind string
	ref  string
}

func (a action) String() string {
	if a.ref == "" {
		return a.kind
	}
	return a.kind + ":" + a.ref
}

func parseAction(s string) action {
	kind, ref, _ := strings.Cut(s, ":")
	return action{kind: kind, ref: ref}
}

// transferPrefix is the reference prefix shared by every leg of a.
func transferPrefix(escrowID string, a action) string {
	return escrowID + ":" + a.String() + ":"
}

// leg is one planned ledger transfer out of custody.
type leg struct {
	kind        TransferKind
	to          string
	token       string
	amount      amount.Units
	milestoneID string
}

// plan is what a settlement moves and how the escrow looks afterwards.
type plan struct {
	legs []leg
	// finalize moves next to its settled state once every leg is
	// confirmed. It may update child records and must tolerate reruns.
	finalize func(ctx context.Context, next *Escrow) error
	// after runs once the final state is committed.
	after func(next *Escrow)
	// event is sent in addition to the terminal status event.
	event notify.EventType
}

// settle is the only path that moves funds. It marks e releasing, records
// and executes the legs of a, then commits the final state. mark applies
// extra field changes in the same write as the marker.
func (s *Service) settle(ctx context.Context, e *Escrow, a action, mark func(*Escrow)) (_ *Escrow, err error) {
	ctx = logging.With(ctx, "escrowId", e.ID, "action", a.String())
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.EscrowID(e.ID), traces.Action(a.kind))
	defer func() { traces.End(span, err) }()

	next := e.clone()
	if mark != nil {
		mark(next)
	}
	next.PriorStatus = e.Status
	next.Status = StatusReleasing
	next.PendingAction = a.String()
	next.UpdatedAt = s.now()
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("settlement started", "priorStatus", e.Status)
	return s.drive(ctx, next)
}

// drive runs the pending action of a releasing escrow to completion. It is
// safe to rerun: confirmed legs are skipped and submitted ones re-confirmed.
func (s *Service) drive(ctx context.Context, e *Escrow) (*Escrow, error) {
	a := parseAction(e.PendingAction)
	start := time.Now()

	p, err := s.planFor(ctx, e, a)
	if err != nil {
		return nil, s.abort(ctx, e, a, err)
	}
	transfers, err := s.recordLegs(ctx, e, a, p.legs)
	if err != nil {
		return nil, s.abort(ctx, e, a, err)
	}
	if err := s.executeLegs(ctx, e, transfers); err != nil {
		return nil, s.abort(ctx, e, a, err)
	}

	next := e.clone()
	if err := p.finalize(ctx, next); err != nil {
		return nil, s.abort(ctx, e, a, err)
	}
	now := s.now()
	next.PendingAction = ""
	next.PriorStatus = ""
	next.UpdatedAt = now
	if next.Status.Terminal() && next.CompletedAt == nil {
		next.CompletedAt = &now
	}
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		logging.Critical(ctx, "settlement legs confirmed but final state not committed", "error", err)
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(a.kind, "success").Inc()
	metrics.SettlementDuration.WithLabelValues(a.kind).Observe(time.Since(start).Seconds())
	metrics.EscrowTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	if next.Status.Terminal() {
		metrics.EscrowDuration.Observe(now.Sub(next.CreatedAt).Seconds())
	}
	logging.L(ctx).Info("settlement completed", "status", next.Status, "legs", len(transfers))

	if p.after != nil {
		p.after(next)
	}
	data := map[string]any{"action": a.kind, "transfers": len(transfers)}
	if p.event != "" {
		s.notify(next, p.event, data)
	}
	if ev := terminalEvent(next.Status); ev != "" {
		s.notify(next, ev, data)
	}
	return next, nil
}

func terminalEvent(st Status) notify.EventType {
	switch st {
	case StatusCompleted:
		return notify.EventEscrowCompleted
	case StatusRefunded:
		return notify.EventEscrowRefunded
	case StatusCancelled:
		return notify.EventEscrowCancelled
	}
	return ""
}

// abort handles a settlement that could not finish. Once any leg may have
// moved funds the marker stays so the settlement is resumed, never
// abandoned. Otherwise the marker is reverted and the operation can be
// retried.
func (s *Service) abort(ctx context.Context, e *Escrow, a action, cause error) error {
	metrics.SettlementsTotal.WithLabelValues(a.kind, "error").Inc()

	moved := false
	transfers, err := s.store.ListTransfers(ctx, e.ID, transferPrefix(e.ID, a))
	if err != nil {
		moved = true
	}
	for _, t := range transfers {
		if t.Status == TransferSubmitted || t.Status == TransferConfirmed {
			moved = true
		}
	}

	if moved {
		logging.L(ctx).Warn("settlement incomplete, will resume", "error", cause)
		s.notify(e, notify.EventSettlementFailed, map[string]any{"action": a.kind, "resumable": true})
		return cause
	}

	next := e.clone()
	next.Status = e.PriorStatus
	next.PendingAction = ""
	next.PriorStatus = ""
	next.UpdatedAt = s.now()
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		logging.Critical(ctx, "failed to revert releasing marker", "error", err, "cause", cause)
		return cause
	}
	logging.L(ctx).Warn("settlement failed, marker reverted", "error", cause, "status", next.Status)
	return cause
}

// recordLegs persists the planned legs under their deterministic
// references. Legs already recorded keep their row; rows that never moved
// funds take the current plan's amounts.
func (s *Service) recordLegs(ctx context.Context, e *Escrow, a action, legs []leg) ([]*Transfer, error) {
	prefix := transferPrefix(e.ID, a)
	existing, err := s.store.ListTransfers(ctx, e.ID, prefix)
	if err != nil {
		return nil, err
	}
	byLeg := make(map[int]*Transfer, len(existing))
	for _, t := range existing {
		byLeg[t.Leg] = t
	}

	now := s.now()
	out := make([]*Transfer, 0, len(legs))
	for i, l := range legs {
		if t, ok := byLeg[i]; ok {
			if (t.Status == TransferPlanned || t.Status == TransferFailed) &&
				(t.ToWallet != l.to || t.Token != l.token || !t.Amount.Equal(l.amount)) {
				t.Kind, t.ToWallet, t.Token, t.Amount = l.kind, l.to, l.token, l.amount
				t.UpdatedAt = now
				if err := s.store.UpdateTransfer(ctx, t, t.Status); err != nil {
					return nil, err
				}
			}
			out = append(out, t)
			continue
		}
		t := &Transfer{
			ID:          idgen.WithPrefix(idgen.PrefixTransfer),
			EscrowID:    e.ID,
			MilestoneID: l.milestoneID,
			Reference:   fmt.Sprintf("%s%d", prefix, i),
			Leg:         i,
			Kind:        l.kind,
			ToWallet:    l.to,
			Token:       l.token,
			Amount:      l.amount,
			Status:      TransferPlanned,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateTransfer(ctx, t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) executeLegs(ctx context.Context, e *Escrow, transfers []*Transfer) error {
	var kp *custody.Keypair
	for _, t := range transfers {
		switch t.Status {
		case TransferConfirmed:
			continue
		case TransferSubmitted:
			if t.Signature == "" {
				logging.Critical(ctx, "transfer claimed without a recorded signature, reconcile against the ledger",
					"reference", t.Reference, "to", t.ToWallet, "amount", t.Amount.String(), "token", t.Token)
				return errs.New(errs.KindInternal, "transfer_signature_missing", "transfer outcome unknown, manual reconciliation required")
			}
			live, err := s.rebroadcast(ctx, t)
			if err != nil {
				return err
			}
			if live {
				done, err := s.confirmLeg(ctx, t)
				if err != nil {
					return err
				}
				if done {
					continue
				}
			}
		}

		if kp == nil {
			var err error
			if kp, err = s.vault.Open(e.CustodyAddress, e.CustodySecret); err != nil {
				logging.Critical(ctx, "custody key cannot be opened", "error", err)
				return errs.Wrap(errs.KindInternal, "custody_unavailable", err, "custody key unavailable")
			}
		}
		if err := s.submitLeg(ctx, kp, t); err != nil {
			return err
		}
	}
	return nil
}

// submitLeg claims t, submits it and waits for confirmation.
func (s *Service) submitLeg(ctx context.Context, kp *custody.Keypair, t *Transfer) error {
	token, err := s.tokens.Lookup(t.Token)
	if err != nil {
		return err
	}

	from := t.Status
	t.Status = TransferSubmitted
	t.Signature = ""
	t.RawTx = nil
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTransfer(ctx, t, from); err != nil {
		return err
	}
	if p, ok := s.ledger.(ledger.Presigner); ok {
		return s.submitPresigned(ctx, p, kp, token, t)
	}

	sig, err := s.ledger.Transfer(ctx, kp, t.ToWallet, token, t.Amount)
	if err != nil && ledger.Rejected(err) {
		return s.failLeg(ctx, t, err)
	}
	if err != nil && sig == "" {
		// The ledger may have applied it. The claim stays so the leg is
		// never paid twice.
		metrics.TransfersTotal.WithLabelValues(string(t.Kind), "unknown").Inc()
		logging.Critical(ctx, "transfer outcome unknown, reconcile against the ledger",
			"reference", t.Reference, "to", t.ToWallet, "amount", t.Amount.String(), "token", t.Token, "error", err)
		return errs.Wrap(errs.KindInternal, "transfer_outcome_unknown", err, "transfer outcome unknown, manual reconciliation required")
	}
	if err != nil {
		logging.L(ctx).Warn("transfer submission unacknowledged, confirming by signature",
			"reference", t.Reference, "signature", sig, "error", err)
	}

	t.Signature = sig
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
		logging.Critical(ctx, "transfer submitted but signature not recorded",
			"reference", t.Reference, "signature", sig, "error", err)
		return err
	}
	logging.L(ctx).Info("transfer submitted", "reference", t.Reference, "kind", t.Kind,
		"to", t.ToWallet, "amount", t.Amount.String(), "token", t.Token, "signature", sig)
	return s.awaitLeg(ctx, t)
}

// submitPresigned records the signed payload on t before broadcasting it,
// so a broadcast that never reached the ledger is resent verbatim.
func (s *Service) submitPresigned(ctx context.Context, p ledger.Presigner, kp *custody.Keypair, token ledger.Token, t *Transfer) error {
	signed, err := p.Sign(ctx, kp, t.ToWallet, token, t.Amount)
	if err != nil {
		return s.failLeg(ctx, t, err)
	}
	t.Signature = signed.Signature
	t.RawTx = signed.Raw
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
		// Nothing was broadcast yet.
		return s.failLeg(ctx, t, err)
	}

	if err := p.Broadcast(ctx, signed.Raw); err != nil {
		if ledger.Rejected(err) || errors.Is(err, ledger.ErrStaleNonce) {
			return s.failLeg(ctx, t, err)
		}
		logging.L(ctx).Warn("broadcast unacknowledged, confirming by signature",
			"reference", t.Reference, "signature", t.Signature, "error", err)
	}
	logging.L(ctx).Info("transfer submitted", "reference", t.Reference, "kind", t.Kind,
		"to", t.ToWallet, "amount", t.Amount.String(), "token", t.Token, "signature", t.Signature)
	return s.awaitLeg(ctx, t)
}

// rebroadcast resends the signed payload of a submitted leg, which is a
// no-op for a payload the ledger already holds. It reports false when the
// payload's nonce went to another transaction, so it can never land; the
// leg is then freed for resubmission.
func (s *Service) rebroadcast(ctx context.Context, t *Transfer) (bool, error) {
	p, ok := s.ledger.(ledger.Presigner)
	if !ok || len(t.RawTx) == 0 {
		return true, nil
	}
	err := p.Broadcast(ctx, t.RawTx)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ledger.ErrStaleNonce) {
		logging.L(ctx).Warn("rebroadcast failed", "reference", t.Reference, "signature", t.Signature, "error", err)
		return true, nil
	}

	// The nonce is used: either by this payload, which then has a receipt,
	// or by another one.
	status, err := s.ledger.Confirm(ctx, t.Signature)
	if err != nil || status != ledger.TxPending {
		return true, nil
	}
	t.Status = TransferFailed
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
		return false, err
	}
	metrics.TransfersTotal.WithLabelValues(string(t.Kind), "superseded").Inc()
	logging.L(ctx).Warn("signed transfer superseded, resubmitting", "reference", t.Reference, "signature", t.Signature)
	return false, nil
}

// failLeg releases the claim on a leg the ledger definitively did not take.
func (s *Service) failLeg(ctx context.Context, t *Transfer, cause error) error {
	metrics.TransfersTotal.WithLabelValues(string(t.Kind), "error").Inc()
	t.Status = TransferFailed
	t.UpdatedAt = s.now()
	if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
		logging.L(ctx).Error("failed to release transfer claim", "reference", t.Reference, "error", err)
	}
	logging.L(ctx).Warn("transfer rejected by ledger", "reference", t.Reference, "error", cause)
	return cause
}

// awaitLeg waits for a freshly submitted leg.
func (s *Service) awaitLeg(ctx context.Context, t *Transfer) error {
	done, err := s.confirmLeg(ctx, t)
	if err != nil {
		return err
	}
	if !done {
		return errs.New(errs.KindNetwork, "transfer_reverted", "transfer failed on-chain, will resubmit")
	}
	return nil
}

// confirmLeg waits for t's signature. It reports false when the ledger
// definitively says the transfer failed, which moves no funds and frees the
// leg for resubmission. Any other outcome leaves the leg submitted.
func (s *Service) confirmLeg(ctx context.Context, t *Transfer) (bool, error) {
	status, err := ledger.AwaitConfirmation(ctx, s.ledger, t.Signature, s.policy.ConfirmTimeout)
	switch status {
	case ledger.TxConfirmed:
		t.Status = TransferConfirmed
		t.UpdatedAt = s.now()
		if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
			return false, err
		}
		metrics.TransfersTotal.WithLabelValues(string(t.Kind), "success").Inc()
		return true, nil
	case ledger.TxFailed:
		if err != nil {
			return false, err
		}
		t.Status = TransferFailed
		t.UpdatedAt = s.now()
		if err := s.store.UpdateTransfer(ctx, t, TransferSubmitted); err != nil {
			return false, err
		}
		metrics.TransfersTotal.WithLabelValues(string(t.Kind), "failed").Inc()
		logging.L(ctx).Warn("transfer failed on-chain", "reference", t.Reference, "signature", t.Signature)
		return false, nil
	}
	if err == nil {
		err = errs.New(errs.KindNetwork, "confirmation_pending", "transfer not yet confirmed")
	}
	return false, err
}

// legBuilder accumulates the legs of a plan.
type legBuilder struct {
	fees *fees.Handler
	legs []leg
}

// payout pays gross net of fees to to, plus extra funds that carry no fee
// of their own, and the platform fee to the treasury.
func (b *legBuilder) payout(kind TransferKind, to, token string, gross, extra amount.Units, final bool, milestoneID string) error {
	br, err := b.fees.Compute(fees.Scope{Gross: gross, PayoutLegs: 1, Final: final})
	if err != nil {
		return err
	}
	b.add(leg{kind: kind, to: to, token: token, amount: br.Net.Add(extra), milestoneID: milestoneID})
	if br.PlatformFee.IsPositive() {
		b.add(leg{kind: TransferFee, to: b.fees.Treasury(token), token: token, amount: br.PlatformFee, milestoneID: milestoneID})
	}
	return nil
}

// refund returns gross to to, net of its network fee. Amounts that do not
// cover the fee are left in custody and reported as false.
func (b *legBuilder) refund(kind TransferKind, to, token string, gross amount.Units, final bool) bool {
	if !gross.IsPositive() {
		return false
	}
	br, err := b.fees.Compute(fees.Scope{Gross: gross, PayoutLegs: 1, Final: final, NoFee: true})
	if err != nil {
		return false
	}
	b.add(leg{kind: kind, to: to, token: token, amount: br.Net})
	return true
}

// exact pays amt as is; the caller already accounted for fees.
func (b *legBuilder) exact(kind TransferKind, to, token string, amt amount.Units, milestoneID string) {
	if amt.IsPositive() {
		b.add(leg{kind: kind, to: to, token: token, amount: amt, milestoneID: milestoneID})
	}
}

func (b *legBuilder) add(l leg) {
	b.legs = append(b.legs, l)
}

// Resume drives a releasing escrow's pending settlement to completion.
func (s *Service) Resume(ctx context.Context, id string) (*Escrow, error) {
	ctx = logging.With(ctx, "escrowId", id)
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusReleasing {
		return e, nil
	}
	ctx = logging.With(ctx, "action", e.PendingAction)
	logging.L(ctx).Info("resuming settlement")
	return s.drive(ctx, e)
}

// ResumeStale resumes every settlement left releasing longer than the
// policy's StaleAfter.
func (s *Service) ResumeStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListStaleReleasing(ctx, s.now().Add(-s.policy.StaleAfter), 100)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, e := range stale {
		if _, err := s.Resume(ctx, e.ID); err != nil {
			if !errors.Is(err, ErrVersionConflict) {
				s.logger.Warn("resume failed", "escrowId", e.ID, "error", err)
			}
			continue
		}
		resumed++
	}
	return resumed, nil
}
