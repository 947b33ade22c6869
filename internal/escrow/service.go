package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/multisig"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// FundedPolicy decides a funded but unsettled escrow at expiry.
type FundedPolicy string

const (
	PolicyRefundBuyer   FundedPolicy = "refund_buyer"
	PolicyReleaseSeller FundedPolicy = "release_seller"
)

// Policy holds the service's time bounds and timeout behaviour.
type Policy struct {
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	FundedPolicy   FundedPolicy
	Grace          time.Duration // release_seller waits this long past expiry
	ConfirmTimeout time.Duration // bound on each ledger confirmation wait
	StaleAfter     time.Duration // releasing markers older than this are resumed
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MinTimeout:     time.Hour,
		MaxTimeout:     720 * time.Hour,
		DefaultTimeout: 72 * time.Hour,
		FundedPolicy:   PolicyRefundBuyer,
		Grace:          24 * time.Hour,
		ConfirmTimeout: 2 * time.Minute,
		StaleAfter:     10 * time.Minute,
	}
}

// AdminChecker identifies admin wallets.
type AdminChecker interface {
	IsAdmin(wallet string) bool
}

// MultiSigGate decides whether a party's action must wait for multi-sig
// signatures. A nil transaction means proceed.
type MultiSigGate interface {
	Gate(ctx context.Context, req multisig.Request) (*multisig.Transaction, error)
}

// Service implements the escrow state machine and settlement engine. It
// holds no mutable escrow state; the store's version column is the only
// concurrency fence.
type Service struct {
	store    Store
	ledger   ledger.Client
	tokens   *ledger.Registry
	vault    *custody.Vault
	fees     *fees.Handler
	policy   Policy
	admins   AdminChecker
	notifier *notify.Notifier
	multisig MultiSigGate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, client ledger.Client, tokens *ledger.Registry, vault *custody.Vault, feeHandler *fees.Handler, policy Policy) *Service {
	return &Service{
		store:  store,
		ledger: client,
		tokens: tokens,
		vault:  vault,
		fees:   feeHandler,
		policy: policy,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// WithAdmins sets the admin allowlist.
func (s *Service) WithAdmins(a AdminChecker) *Service {
	s.admins = a
	return s
}

// WithNotifier adds a notification dispatcher.
func (s *Service) WithNotifier(n *notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithMultiSig enables multi-sig gating of confirmations and approvals.
func (s *Service) WithMultiSig(g MultiSigGate) *Service {
	s.multisig = g
	return s
}

// WithLogger sets the fallback logger for background work.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the configured policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// Create validates req, generates a custody keypair and persists the
// escrow with status created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create", traces.Wallet(req.BuyerWallet))
	defer func() { traces.End(span, err) }()

	if req.Type == "" {
		req.Type = TypeTraditional
	}
	if !req.Type.Valid() {
		return nil, errs.Validation("invalid_escrow_type", "escrowType must be traditional, simple_buyer or atomic_swap")
	}
	if verrs := validation.Validate(
		validation.ValidAddress("buyer_wallet", req.BuyerWallet),
		validation.ValidAddress("seller_wallet", req.SellerWallet),
		validation.Required("token", req.Token),
		validation.MaxLength("description", req.Description, 2000),
	); len(verrs) > 0 {
		return nil, verrs.Err()
	}

	buyer := validation.NormalizeAddress(req.BuyerWallet)
	seller := validation.NormalizeAddress(req.SellerWallet)
	if buyer == seller {
		return nil, errs.Validation("same_party", "buyer and seller must be different wallets")
	}

	token, err := s.tokens.Lookup(req.Token)
	if err != nil {
		return nil, err
	}
	buyerAmount, err := parseAmount("buyer_amount", req.BuyerAmount, token)
	if err != nil {
		return nil, err
	}
	if !buyerAmount.IsPositive() {
		return nil, errs.Validation("invalid_buyer_amount", "buyerAmount must be greater than zero")
	}

	sellerToken := token
	if req.Type == TypeAtomicSwap {
		if req.SellerToken == "" {
			return nil, errs.Validation("seller_token_required", "atomic swaps need a sellerToken")
		}
		if sellerToken, err = s.tokens.Lookup(req.SellerToken); err != nil {
			return nil, err
		}
		if sellerToken.Symbol == token.Symbol {
			return nil, errs.Validation("same_token", "atomic swap tokens must differ")
		}
	} else if req.SellerToken != "" {
		return nil, errs.Validation("seller_token_unsupported", "sellerToken is only valid for atomic swaps")
	}

	sellerAmount := amount.Zero
	if req.SellerAmount != "" {
		if sellerAmount, err = parseAmount("seller_amount", req.SellerAmount, sellerToken); err != nil {
			return nil, err
		}
	}
	switch req.Type {
	case TypeAtomicSwap:
		if !sellerAmount.IsPositive() {
			return nil, errs.Validation("invalid_seller_amount", "atomic swaps need a positive sellerAmount")
		}
	case TypeSimpleBuyer:
		if sellerAmount.IsPositive() {
			return nil, errs.Validation("seller_amount_unsupported", "simple_buyer escrows take no seller deposit")
		}
	}

	if req.Type != TypeSimpleBuyer && len(req.Milestones) > 0 {
		return nil, errs.Validation("milestones_unsupported", "milestones are only valid for simple_buyer escrows")
	}

	timeout := s.policy.DefaultTimeout
	if req.TimeoutHours != 0 {
		timeout = time.Duration(req.TimeoutHours) * time.Hour
	}
	if timeout < s.policy.MinTimeout || timeout > s.policy.MaxTimeout {
		return nil, errs.Validation("timeout_out_of_bounds", fmt.Sprintf(
			"timeoutHours must be between %d and %d", int(s.policy.MinTimeout.Hours()), int(s.policy.MaxTimeout.Hours())))
	}

	now := s.now()
	e := &Escrow{
		ID:           idgen.WithPrefix(idgen.PrefixEscrow),
		Type:         req.Type,
		BuyerWallet:  buyer,
		SellerWallet: seller,
		BuyerAmount:  buyerAmount,
		SellerAmount: sellerAmount,
		Token:        token.Symbol,
		Status:       StatusCreated,
		Description:  validation.SanitizeString(req.Description, 2000),
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(timeout),
	}
	if req.Type == TypeAtomicSwap {
		e.SellerToken = sellerToken.Symbol
	}

	var milestones []*Milestone
	if req.Type == TypeSimpleBuyer {
		if milestones, err = buildMilestones(e, req.Milestones, now); err != nil {
			return nil, err
		}
	}

	kp, sealed, err := s.vault.Generate()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "custody_generation_failed", err, "failed to generate custody wallet")
	}
	e.CustodyAddress = kp.Address()
	e.CustodySecret = sealed

	if err := s.store.CreateEscrow(ctx, e, milestones); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowsCreatedTotal.WithLabelValues(string(e.Type)).Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusCreated)).Inc()
	logging.L(ctx).Info("escrow created", "escrowId", e.ID, "type", e.Type, "custody", e.CustodyAddress)
	s.notify(e, notify.EventEscrowCreated, map[string]any{
		"buyer": e.BuyerWallet, "seller": e.SellerWallet, "custodyAddress": e.CustodyAddress,
	})
	return e, nil
}

func parseAmount(field, value string, token ledger.Token) (amount.Units, error) {
	if verr := validation.ValidAmount(field, value, token.Decimals)(); verr != nil {
		return amount.Zero, validation.ValidationErrors{*verr}.Err()
	}
	u, err := amount.ParseDecimal(value, token.Decimals)
	if err != nil {
		return amount.Zero, errs.Validation("invalid_"+field, err.Error())
	}
	return u, nil
}

// buildMilestones converts percentage milestones into smallest-unit amounts.
// Each amount is floored; the last milestone takes the remainder so the
// amounts sum to the buyer amount exactly.
func buildMilestones(e *Escrow, reqs []MilestoneRequest, now time.Time) ([]*Milestone, error) {
	if len(reqs) == 0 {
		return nil, errs.Validation("milestones_required", "simple_buyer escrows need at least one milestone")
	}
	hundred := decimal.NewFromInt(100)
	var total int64
	out := make([]*Milestone, 0, len(reqs))
	allocated := amount.Zero
	for i, r := range reqs {
		pct, err := decimal.NewFromString(strings.TrimSpace(r.Percentage))
		if err != nil {
			return nil, errs.Validation("invalid_percentage", fmt.Sprintf("milestone %d: percentage is not a number", i+1))
		}
		if !pct.Round(2).Equal(pct) {
			return nil, errs.Validation("invalid_percentage", fmt.Sprintf("milestone %d: at most two decimal places", i+1))
		}
		if !pct.IsPositive() || pct.GreaterThan(hundred) {
			return nil, errs.Validation("invalid_percentage", fmt.Sprintf("milestone %d: percentage must be in (0, 100]", i+1))
		}
		bp := pct.Mul(hundred).IntPart()
		total += bp

		m := &Milestone{
			ID:          idgen.WithPrefix(idgen.PrefixMilestone),
			EscrowID:    e.ID,
			Description: validation.SanitizeString(r.Description, 1000),
			Percentage:  pct.String(),
			BasisPoints: bp,
			Amount:      e.BuyerAmount.MulDiv(bp, fees.MaxBPS),
			Status:      MilestonePending,
			Order:       i + 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		allocated = allocated.Add(m.Amount)
		out = append(out, m)
	}
	if total != fees.MaxBPS {
		return nil, errs.Validation("percentages_must_sum_to_100", "milestone percentages must sum to exactly 100")
	}
	last := out[len(out)-1]
	last.Amount = last.Amount.Add(e.BuyerAmount.Sub(allocated))
	for _, m := range out {
		if !m.Amount.IsPositive() {
			return nil, errs.Validation("milestone_amount_zero", "a milestone rounds to zero; use fewer milestones or a larger amount")
		}
	}
	return out, nil
}

// Get returns an escrow.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// Milestones returns an escrow's milestones in release order.
func (s *Service) Milestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	return s.store.ListMilestones(ctx, escrowID)
}

// Transfers returns the ledger legs recorded for an escrow.
func (s *Service) Transfers(ctx context.Context, escrowID string) ([]*Transfer, error) {
	return s.store.ListTransfers(ctx, escrowID, escrowID+":")
}

// ListByWallet returns one page of escrows where wallet is a party.
func (s *Service) ListByWallet(ctx context.Context, wallet, cursor string, limit int) ([]*Escrow, string, error) {
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 || limit > pagination.MaxLimit {
		limit = pagination.DefaultLimit
	}
	items, err := s.store.ListByWallet(ctx, validation.NormalizeAddress(wallet), c, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(items, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// ListAwaitingDeposits returns escrows the deposit monitor should observe.
func (s *Service) ListAwaitingDeposits(ctx context.Context, limit int) ([]*Escrow, error) {
	return s.store.ListAwaitingDeposits(ctx, limit)
}

// RecordDeposit applies a deposit the monitor observed on-chain. Recording
// an already recorded deposit is a no-op.
func (s *Service) RecordDeposit(ctx context.Context, id string, party Party, observed amount.Units) (_ *Escrow, err error) {
	ctx = logging.With(ctx, "escrowId", id)
	ctx, span := traces.StartSpan(ctx, "escrow.RecordDeposit", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := guardMutable(e); err != nil {
		return nil, err
	}
	if e.Deposited(party) {
		return e, nil
	}
	if party == PartySeller && !e.RequiresSellerDeposit() {
		return e, nil
	}
	switch e.Status {
	case StatusCreated, StatusBuyerDeposited, StatusSellerDeposited:
	default:
		return e, nil
	}

	expected := e.BuyerAmount
	if party == PartySeller {
		expected = e.SellerAmount
	}
	if observed.LessThan(expected) {
		return nil, errs.New(errs.KindInsufficientFunds, "deposit_insufficient",
			fmt.Sprintf("observed %s, expected at least %s", observed, expected))
	}

	next := e.clone()
	now := s.now()
	if party == PartyBuyer {
		next.BuyerDeposited = true
		next.BuyerDepositAmount = observed
	} else {
		next.SellerDeposited = true
		next.SellerDepositAmount = observed
	}
	switch {
	case next.Funded() && next.Type == TypeSimpleBuyer:
		next.Status = StatusActive
		next.FundedAt = &now
	case next.Funded():
		next.Status = StatusFullyFunded
		next.FundedAt = &now
	case party == PartyBuyer:
		next.Status = StatusBuyerDeposited
	default:
		next.Status = StatusSellerDeposited
	}
	next.UpdatedAt = now
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		return nil, err
	}

	metrics.DepositsRecordedTotal.WithLabelValues(string(party)).Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	logging.L(ctx).Info("deposit recorded", "party", party, "observed", observed.String(), "status", next.Status)
	s.notify(next, notify.EventDepositRecorded, map[string]any{"party": party, "amount": observed.String()})
	if next.FundedAt != nil {
		s.notify(next, notify.EventEscrowFunded, nil)
	}

	if next.Type == TypeAtomicSwap && next.Status == StatusFullyFunded {
		swapped, err := s.settle(ctx, next, action{kind: actionSwap}, nil)
		if err != nil {
			logging.L(ctx).Warn("atomic swap execution failed, will retry", "error", err)
			return s.store.GetEscrow(ctx, id)
		}
		return swapped, nil
	}
	return next, nil
}

// ExecuteSwap exchanges a fully funded atomic swap. Escrows in any other
// state are returned unchanged.
func (s *Service) ExecuteSwap(ctx context.Context, id string) (*Escrow, error) {
	ctx = logging.With(ctx, "escrowId", id)
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Type != TypeAtomicSwap || e.Status != StatusFullyFunded {
		return e, nil
	}
	return s.settle(ctx, e, action{kind: actionSwap}, nil)
}

// Confirm records party confirmation of a traditional escrow. The second
// confirmation releases funds to the seller. A multi-sig party gets a pending
// transaction instead.
func (s *Service) Confirm(ctx context.Context, id, wallet string) (_ *Outcome, err error) {
	ctx = logging.With(ctx, "escrowId", id)
	ctx, span := traces.StartSpan(ctx, "escrow.Confirm", traces.EscrowID(id), traces.Wallet(wallet))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	party, ok := e.PartyOf(wallet)
	if !ok {
		return nil, ErrNotParty
	}
	if err := guardConfirmable(e); err != nil {
		return nil, err
	}
	if confirmedBy(e, party) && !confirmedBy(e, otherParty(party)) {
		return &Outcome{Escrow: e}, nil
	}

	if tx, err := s.gate(ctx, e, "", wallet, multisig.IntentConfirmRelease); err != nil || tx != nil {
		if err != nil {
			return nil, err
		}
		return &Outcome{Escrow: e, MultiSig: tx}, nil
	}

	next, err := s.applyConfirm(ctx, e, party)
	if err != nil {
		return nil, err
	}
	return &Outcome{Escrow: next}, nil
}

func guardConfirmable(e *Escrow) error {
	if err := guardMutable(e); err != nil {
		return err
	}
	if e.Type != TypeTraditional {
		return errs.State("confirm_not_applicable", fmt.Sprintf("%s escrows are not settled by confirmation", e.Type))
	}
	if e.Status != StatusFullyFunded {
		return errs.State("escrow_not_funded", "escrow must be fully funded before confirmation")
	}
	return nil
}

func confirmedBy(e *Escrow, p Party) bool {
	if p == PartyBuyer {
		return e.BuyerConfirmed
	}
	return e.SellerConfirmed
}

func otherParty(p Party) Party {
	if p == PartyBuyer {
		return PartySeller
	}
	return PartyBuyer
}

func (s *Service) applyConfirm(ctx context.Context, e *Escrow, party Party) (*Escrow, error) {
	mark := func(n *Escrow) {
		if party == PartyBuyer {
			n.BuyerConfirmed = true
		} else {
			n.SellerConfirmed = true
		}
	}

	// Both flags may already be set when an earlier release was reverted.
	if confirmedBy(e, otherParty(party)) {
		return s.settle(ctx, e, action{kind: actionRelease}, mark)
	}

	next := e.clone()
	mark(next)
	next.UpdatedAt = s.now()
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("escrow confirmed", "party", party)
	s.notify(next, notify.EventEscrowConfirmed, map[string]any{"party": party})
	return next, nil
}

// gate asks the multi-sig gate whether wallet's action must collect
// signatures first.
func (s *Service) gate(ctx context.Context, e *Escrow, milestoneID, wallet string, intent multisig.Intent) (*multisig.Transaction, error) {
	if s.multisig == nil {
		return nil, nil
	}
	tx, err := s.multisig.Gate(ctx, multisig.Request{
		EscrowID:    e.ID,
		MilestoneID: milestoneID,
		Wallet:      wallet,
		Intent:      intent,
		ExpiresAt:   e.ExpiresAt,
	})
	if err != nil {
		return nil, err
	}
	if tx != nil {
		s.notify(e, notify.EventMultiSigPending, map[string]any{
			"txId": tx.ID, "wallet": wallet, "intent": intent, "threshold": tx.Threshold,
		})
	}
	return tx, nil
}

// ExecuteMultiSig implements multisig.Executor. Intents that already took
// effect are a no-op.
func (s *Service) ExecuteMultiSig(ctx context.Context, tx *multisig.Transaction) error {
	ctx = logging.With(ctx, "escrowId", tx.EscrowID)
	e, err := s.store.GetEscrow(ctx, tx.EscrowID)
	if err != nil {
		return err
	}
	party, ok := e.PartyOf(tx.Wallet)
	if !ok {
		return ErrNotParty
	}

	switch tx.Intent {
	case multisig.IntentConfirmRelease:
		if e.Status == StatusCompleted || (confirmedBy(e, party) && !confirmedBy(e, otherParty(party))) {
			return nil
		}
		if err := guardConfirmable(e); err != nil {
			return err
		}
		if _, err := s.applyConfirm(ctx, e, party); err != nil {
			return err
		}
	case multisig.IntentApproveMilestone:
		m, err := s.store.GetMilestone(ctx, tx.MilestoneID)
		if err != nil {
			return err
		}
		if m.Status == MilestoneReleased {
			return nil
		}
		if err := s.guardApprovable(ctx, e, m, party); err != nil {
			return err
		}
		if _, err := s.applyApprove(ctx, e, m); err != nil {
			return err
		}
	default:
		return errs.Validation("unknown_intent", fmt.Sprintf("unknown multi-sig intent %q", tx.Intent))
	}
	s.notify(e, notify.EventMultiSigExecuted, map[string]any{"txId": tx.ID, "intent": tx.Intent})
	return nil
}

// guardMutable rejects terminal, disputed and releasing escrows.
func guardMutable(e *Escrow) error {
	switch {
	case e.Status.Terminal():
		return ErrTerminal
	case e.Status == StatusDisputed:
		return ErrDisputed
	case e.Status == StatusReleasing:
		return ErrReleasing
	}
	return nil
}

func (s *Service) isAdmin(wallet string) bool {
	return s.admins != nil && s.admins.IsAdmin(wallet)
}

// notify dispatches asynchronously; it never blocks the caller.
func (s *Service) notify(e *Escrow, t notify.EventType, data map[string]any) {
	if s.notifier == nil {
		return
	}
	payload := map[string]any{
		"status": e.Status,
		"buyer":  e.BuyerWallet,
		"seller": e.SellerWallet,
	}
	for k, v := range data {
		payload[k] = v
	}
	s.notifier.Notify(e.ID, t, payload)
}
