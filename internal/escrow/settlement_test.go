package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/notify"
)

var errLedgerDown = errs.Network(errors.New("rpc unreachable"), "transfer submission failed")

func (env *testEnv) createSwap(t *testing.T) *Escrow {
	t.Helper()
	e, err := env.svc.Create(context.Background(), CreateRequest{
		Type:         TypeAtomicSwap,
		BuyerWallet:  buyer,
		SellerWallet: seller,
		BuyerAmount:  "100",
		SellerAmount: "1",
		Token:        "USDC",
		SellerToken:  "WETH",
	})
	require.NoError(t, err)
	return e
}

func TestAtomicSwap_ExecutesWhenBothDeposit(t *testing.T) {
	env := newTestEnv(t)
	e := env.createSwap(t)
	assert.Equal(t, "1000000000000000000", e.SellerAmount.String())

	e = env.deposit(t, e, PartyBuyer, usdc, 100_000_000)
	assert.Equal(t, StatusBuyerDeposited, e.Status)
	assert.Empty(t, env.ledger.Transfers())

	e = env.deposit(t, e, PartySeller, weth, 1_000_000_000_000_000_000)
	assert.Equal(t, StatusCompleted, e.Status)

	assert.Equal(t, int64(98_998_020), env.balance(t, seller, usdc))
	assert.Equal(t, int64(999_980), env.balance(t, treasury, usdc))
	assert.Equal(t, int64(989_999_999_999_998_020), env.balance(t, buyer, weth))
	assert.Equal(t, int64(9_999_999_999_999_980), env.balance(t, treasury, weth))
	assert.Equal(t, int64(0), env.balance(t, e.CustodyAddress, usdc))
	assert.Equal(t, int64(0), env.balance(t, e.CustodyAddress, weth))

	transfers, err := env.svc.Transfers(context.Background(), e.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 4)
	assert.Equal(t, TransferSwapSeller, transfers[0].Kind)
	assert.Equal(t, TransferSwapBuyer, transfers[2].Kind)
	assert.Equal(t, "WETH", transfers[2].Token)
}

func TestAtomicSwap_RetriedAfterFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.createSwap(t)
	env.deposit(t, e, PartyBuyer, usdc, 100_000_000)

	env.ledger.FailNext(errLedgerDown)
	e = env.deposit(t, e, PartySeller, weth, 1_000_000_000_000_000_000)
	assert.Equal(t, StatusFullyFunded, e.Status)

	e, err := env.svc.ExecuteSwap(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, e.Status)
	assert.Len(t, env.ledger.Transfers(), 4)

	again, err := env.svc.ExecuteSwap(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Version, again.Version)
}

func TestAtomicSwap_TimeoutRefundsOneSide(t *testing.T) {
	env := newTestEnv(t)
	e := env.createSwap(t)
	env.deposit(t, e, PartySeller, weth, 1_000_000_000_000_000_000)

	env.clock.Advance(73 * time.Hour)
	got, err := env.svc.HandleTimeout(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(1_000_000_000_000_000_000-networkFee), env.balance(t, seller, weth))
}

func TestSettlement_TransferReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.NoError(t, err)

	transfers, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, transfers, 2)
	for i, tr := range transfers {
		assert.Equal(t, fmt.Sprintf("%s:release:%d", e.ID, i), tr.Reference)
		assert.Equal(t, i, tr.Leg)
	}
}

// A ledger failure before any leg moved reverts the marker; the same
// confirmation can then be retried.
func TestSettlement_RevertThenRetryConfirm(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.FailNext(errLedgerDown)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrNetwork))

	reverted, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, reverted.Status)
	assert.Empty(t, reverted.PendingAction)
	assert.Empty(t, env.ledger.Transfers())

	out, err := env.svc.Confirm(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Escrow.Status)
	assert.Len(t, env.ledger.Transfers(), 2)
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

// Once a leg moved funds the marker stays; resuming finishes the remaining
// legs without repeating the confirmed one.
func TestSettlement_ResumeAfterPartialLegs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.FailTransfersTo(treasury, errLedgerDown)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)

	stuck, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleasing, stuck.Status)
	assert.Equal(t, actionRelease, stuck.PendingAction)
	require.Len(t, env.ledger.Transfers(), 1)

	// Every mutation is refused while the marker is set.
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	assert.ErrorIs(t, err, ErrReleasing)
	_, err = env.svc.RaiseDispute(ctx, e.ID, buyer, validDispute)
	assert.ErrorIs(t, err, ErrReleasing)
	env.clock.Advance(48 * time.Hour)
	got, err := env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleasing, got.Status)

	env.ledger.FailTransfersTo(treasury, nil)
	done, err := env.svc.Resume(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	toSeller := 0
	for _, tr := range env.ledger.Transfers() {
		if tr.To == seller {
			toSeller++
		}
	}
	assert.Equal(t, 1, toSeller)
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
	assert.Equal(t, int64(99_980), env.balance(t, treasury, usdc))

	events := env.events()
	assert.Contains(t, events, notify.EventSettlementFailed)
	assert.Contains(t, events, notify.EventEscrowCompleted)
}

func TestSettlement_ResumeStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.FailTransfersTo(treasury, errLedgerDown)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	env.ledger.FailTransfersTo(treasury, nil)

	n, err := env.svc.ResumeStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "marker is not stale yet")

	env.clock.Advance(11 * time.Minute)
	n, err = env.svc.ResumeStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

// A transfer whose confirmation times out may still land, so it is
// re-confirmed on resume rather than resubmitted.
func TestSettlement_PendingConfirmationNotResubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.SetPendingChecks(1_000)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))

	transfers, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, transfers)
	assert.Equal(t, TransferSubmitted, transfers[0].Status)
	assert.True(t, strings.HasPrefix(transfers[0].Signature, "sim_"))

	env.ledger.SetPendingChecks(0)
	done, err := env.svc.Resume(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Len(t, env.ledger.Transfers(), 2)
}

func TestResume_NotReleasingIsNoop(t *testing.T) {
	env := newTestEnv(t)
	e := env.fundedTraditional(t)

	got, err := env.svc.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Version, got.Version)
}

func (env *testEnv) paymentsTo(wallet string) int {
	n := 0
	for _, tr := range env.ledger.Transfers() {
		if tr.To == wallet {
			n++
		}
	}
	return n
}

// A transfer the ledger applied without acknowledging must never be paid
// again. With no signature it is left for manual reconciliation.
func TestSettlement_UnacknowledgedTransferNotRepaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.LoseNextResponse(false)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	assert.False(t, errs.Retryable(err))

	stuck, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReleasing, stuck.Status)

	transfers, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, transfers)
	assert.Equal(t, TransferSubmitted, transfers[0].Status)
	assert.Empty(t, transfers[0].Signature)

	_, err = env.svc.Confirm(ctx, e.ID, seller)
	assert.ErrorIs(t, err, ErrReleasing)
	_, err = env.svc.Resume(ctx, e.ID)
	require.Error(t, err)
	env.clock.Advance(11 * time.Minute)
	n, err := env.svc.ResumeStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, env.paymentsTo(seller))
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

// When the signature survives a lost response the leg is confirmed by
// signature and the settlement finishes with a single payout.
func TestSettlement_UnacknowledgedTransferConfirmedBySignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.LoseNextResponse(true)
	out, err := env.svc.Confirm(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Escrow.Status)

	assert.Equal(t, 1, env.paymentsTo(seller))
	assert.Len(t, env.ledger.Transfers(), 2)
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

// A confirmation query that errors says nothing about the transfer, so the
// leg stays submitted and is re-confirmed rather than resubmitted.
func TestSettlement_ConfirmErrorKeepsLegSubmitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.ledger.FailConfirms(errs.NotFound("transaction_not_found", "receipt lookup failed"))
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)

	transfers, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, transfers)
	assert.Equal(t, TransferSubmitted, transfers[0].Status)
	assert.NotEmpty(t, transfers[0].Signature)

	env.ledger.FailConfirms(nil)
	done, err := env.svc.Resume(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, env.paymentsTo(seller))
	assert.Len(t, env.ledger.Transfers(), 2)
}

// presignedLedger signs transfers ahead of broadcast on top of the simulated
// ledger. A dropped broadcast never reaches it.
type presignedLedger struct {
	*ledger.Simulated

	mu      sync.Mutex
	intents map[string]presignedIntent // by signature
	landed  map[string]string          // signature -> simulated signature
	drop    int
	stale   map[string]bool // signatures whose nonce went to another payload
}

type presignedIntent struct {
	from  *custody.Keypair
	to    string
	token ledger.Token
	amt   amount.Units
}

var _ ledger.Presigner = (*presignedLedger)(nil)

func newPresignedLedger(sim *ledger.Simulated) *presignedLedger {
	return &presignedLedger{
		Simulated: sim,
		intents:   make(map[string]presignedIntent),
		landed:    make(map[string]string),
		stale:     make(map[string]bool),
	}
}

// DropNextBroadcasts loses the next n broadcasts in transit.
func (p *presignedLedger) DropNextBroadcasts(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = n
}

// Supersede marks every unlanded payload as having lost its nonce.
func (p *presignedLedger) Supersede() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sig := range p.intents {
		if _, ok := p.landed[sig]; !ok {
			p.stale[sig] = true
		}
	}
}

func (p *presignedLedger) Sign(_ context.Context, from *custody.Keypair, to string, token ledger.Token, amt amount.Units) (ledger.Signed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sig := "pre_" + idgen.Hex(16)
	p.intents[sig] = presignedIntent{from: from, to: to, token: token, amt: amt}
	return ledger.Signed{Signature: sig, Raw: []byte(sig)}, nil
}

func (p *presignedLedger) Broadcast(ctx context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sig := string(raw)
	if _, ok := p.landed[sig]; ok {
		return nil
	}
	if p.stale[sig] {
		return ledger.ErrStaleNonce
	}
	if p.drop > 0 {
		p.drop--
		return errs.Network(errors.New("dial tcp: connection refused"), "transaction submission failed")
	}
	in, ok := p.intents[sig]
	if !ok {
		return ledger.NotSubmitted(errs.Validation("invalid_transaction", "unknown payload"))
	}
	simSig, err := p.Simulated.Transfer(ctx, in.from, in.to, in.token, in.amt)
	if err != nil {
		return err
	}
	p.landed[sig] = simSig
	return nil
}

func (p *presignedLedger) Confirm(ctx context.Context, signature string) (ledger.TxStatus, error) {
	p.mu.Lock()
	simSig, landed := p.landed[signature]
	_, signed := p.intents[signature]
	p.mu.Unlock()
	switch {
	case landed:
		return p.Simulated.Confirm(ctx, simSig)
	case signed:
		return ledger.TxPending, nil
	}
	return p.Simulated.Confirm(ctx, signature)
}

// A broadcast lost before reaching the ledger leaves the leg submitted with
// its payload; resuming sends the same payload and pays once.
func TestSettlement_DroppedBroadcastResentOnResume(t *testing.T) {
	env := newTestEnv(t, withPresigner())
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.presigned.DropNextBroadcasts(1)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))

	transfers, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, transfers)
	assert.Equal(t, TransferSubmitted, transfers[0].Status)
	assert.NotEmpty(t, transfers[0].Signature)
	assert.Zero(t, env.paymentsTo(seller))

	done, err := env.svc.Resume(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, env.paymentsTo(seller))
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

// A payload whose nonce went to another transaction can never land, so the
// leg is signed afresh.
func TestSettlement_SupersededPayloadResigned(t *testing.T) {
	env := newTestEnv(t, withPresigner())
	ctx := context.Background()
	e := env.fundedTraditional(t)
	_, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)

	env.presigned.DropNextBroadcasts(1)
	_, err = env.svc.Confirm(ctx, e.ID, seller)
	require.Error(t, err)
	before, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	require.NotEmpty(t, before)

	env.presigned.Supersede()
	done, err := env.svc.Resume(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, env.paymentsTo(seller))

	after, err := env.svc.Transfers(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferConfirmed, after[0].Status)
	assert.NotEqual(t, before[0].Signature, after[0].Signature)
}
