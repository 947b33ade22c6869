package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/notify"
)

func TestCancel_Unfunded(t *testing.T) {
	env := newTestEnv(t)
	e := env.createTraditional(t, "10", "")

	got, err := env.svc.Cancel(context.Background(), e.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Empty(t, env.ledger.Transfers())
	assert.Contains(t, env.events(), notify.EventEscrowCancelled)
}

func TestCancel_RefundsOwnDeposit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.createTraditional(t, "10", "2")
	env.deposit(t, e, PartyBuyer, usdc, 10_000_000)

	_, err := env.svc.Cancel(ctx, e.ID, seller)
	requireInvariant(t, err, "counterparty_deposited")

	got, err := env.svc.Cancel(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, int64(9_999_000), env.balance(t, buyer, usdc))
}

func TestCancel_FundedNeedsMutual(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)

	_, err := env.svc.Cancel(ctx, e.ID, buyer)
	requireInvariant(t, err, "escrow_funded")
	_, err = env.svc.Cancel(ctx, e.ID, stranger)
	assert.ErrorIs(t, err, ErrNotParty)
}

func TestMutualCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)

	c, err := env.svc.RequestCancellation(ctx, e.ID, buyer, "project cancelled")
	require.NoError(t, err)
	assert.Equal(t, CancellationPending, c.Status)
	assert.Equal(t, []string{buyer}, c.Approvals)

	_, err = env.svc.RequestCancellation(ctx, e.ID, seller, "me too")
	assert.ErrorIs(t, err, ErrPendingCancellation)

	_, _, err = env.svc.ApproveCancellation(ctx, c.ID, buyer)
	requireInvariant(t, err, "counterparty_approval_required")
	_, _, err = env.svc.ApproveCancellation(ctx, c.ID, stranger)
	assert.ErrorIs(t, err, ErrNotParty)

	approved, next, err := env.svc.ApproveCancellation(ctx, c.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, CancellationExecuted, approved.Status)
	assert.NotNil(t, approved.ExecutedAt)
	assert.ElementsMatch(t, []string{buyer, seller}, approved.Approvals)
	assert.Equal(t, StatusCancelled, next.Status)
	assert.Equal(t, int64(9_999_000), env.balance(t, buyer, usdc))
	assert.Equal(t, int64(0), env.balance(t, e.CustodyAddress, usdc))

	_, _, err = env.svc.ApproveCancellation(ctx, c.ID, seller)
	requireInvariant(t, err, "cancellation_not_pending")
}

func TestMutualCancellation_RefundsBothDeposits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.createTraditional(t, "10", "2")
	env.deposit(t, e, PartyBuyer, usdc, 10_000_000)
	env.deposit(t, e, PartySeller, usdc, 2_000_000)

	c, err := env.svc.RequestCancellation(ctx, e.ID, seller, "cannot deliver")
	require.NoError(t, err)
	_, next, err := env.svc.ApproveCancellation(ctx, c.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, next.Status)
	assert.Equal(t, int64(9_999_000), env.balance(t, buyer, usdc))
	assert.Equal(t, int64(1_999_000), env.balance(t, seller, usdc))
}

func TestRejectCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)

	_, err := env.svc.RequestCancellation(ctx, e.ID, buyer, "  ")
	requireInvariant(t, err, "invalid_reason")

	c, err := env.svc.RequestCancellation(ctx, e.ID, buyer, "changed plans")
	require.NoError(t, err)
	rejected, err := env.svc.RejectCancellation(ctx, c.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, CancellationRejected, rejected.Status)

	_, _, err = env.svc.ApproveCancellation(ctx, c.ID, seller)
	requireInvariant(t, err, "cancellation_not_pending")

	// A rejected request does not block a new one.
	_, err = env.svc.RequestCancellation(ctx, e.ID, seller, "second try")
	require.NoError(t, err)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
	assert.Contains(t, env.events(), notify.EventCancellationRejected)
}

func TestMutualCancellation_RevertReopensRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)

	c, err := env.svc.RequestCancellation(ctx, e.ID, buyer, "abandon")
	require.NoError(t, err)

	env.ledger.SetOffline(true)
	_, _, err = env.svc.ApproveCancellation(ctx, c.ID, seller)
	require.Error(t, err)
	env.ledger.SetOffline(false)

	reopened, err := env.svc.GetCancellation(ctx, c.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, CancellationPending, reopened.Status)
	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)

	_, next, err := env.svc.ApproveCancellation(ctx, c.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, next.Status)
	_, err = env.svc.GetCancellation(ctx, c.ID, stranger)
	assert.ErrorIs(t, err, ErrNotParty)
}
