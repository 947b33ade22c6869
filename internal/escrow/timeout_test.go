package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/notify"
)

func TestHandleTimeout_NotYetExpired(t *testing.T) {
	env := newTestEnv(t)
	e := env.fundedTraditional(t)

	env.clock.Advance(23 * time.Hour)
	got, err := env.svc.HandleTimeout(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status)
	assert.Equal(t, e.Version, got.Version)
}

func TestHandleTimeout_UnfundedCancelled(t *testing.T) {
	env := newTestEnv(t)
	e := env.createTraditional(t, "10", "")

	env.clock.Advance(25 * time.Hour)
	got, err := env.svc.HandleTimeout(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, env.ledger.Transfers())
}

// A partially funded escrow refunds the party that deposited once it
// expires; repeating the timeout changes nothing.
func TestHandleTimeout_PartialRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e, err := env.svc.Create(ctx, CreateRequest{
		BuyerWallet: buyer, SellerWallet: seller, BuyerAmount: "5", SellerAmount: "1",
		Token: "USDC", TimeoutHours: 1,
	})
	require.NoError(t, err)
	e = env.deposit(t, e, PartyBuyer, usdc, 5_000_000)
	require.Equal(t, StatusBuyerDeposited, e.Status)

	env.clock.Advance(61 * time.Minute)
	got, err := env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(4_999_000), env.balance(t, buyer, usdc))

	again, err := env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)
	assert.Len(t, env.ledger.Transfers(), 1)

	assert.Contains(t, env.events(), notify.EventEscrowExpired)
}

// Custody balances the deposit monitor never recorded are still returned
// at expiry, attributed to the party that owed them.
func TestHandleTimeout_RefundsUnrecordedBalances(t *testing.T) {
	for _, tc := range []struct {
		name          string
		sellerAmount  string
		credited      int64
		buyer, seller int64
	}{
		{name: "seller security first", sellerAmount: "2", credited: 2_000_000, seller: 2_000_000 - networkFee},
		{name: "buyer underpaid", credited: 5_000_000, buyer: 5_000_000 - networkFee},
		{name: "buyer underpaid with security owed", sellerAmount: "2", credited: 5_000_000, buyer: 5_000_000 - networkFee},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			e := env.createTraditional(t, "10", tc.sellerAmount)
			env.ledger.Credit(e.CustodyAddress, usdc, amount.New(tc.credited))

			env.clock.Advance(25 * time.Hour)
			got, err := env.svc.HandleTimeout(context.Background(), e.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusRefunded, got.Status)
			assert.Equal(t, tc.buyer, env.balance(t, buyer, usdc))
			assert.Equal(t, tc.seller, env.balance(t, seller, usdc))
			assert.Zero(t, env.balance(t, e.CustodyAddress, usdc))
		})
	}
}

func TestHandleTimeout_LedgerUnavailableLeavesEscrow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.createTraditional(t, "10", "")

	env.clock.Advance(25 * time.Hour)
	env.ledger.SetOffline(true)
	_, err := env.svc.HandleTimeout(ctx, e.ID)
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
	env.ledger.SetOffline(false)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, got.Status)
}

func TestHandleTimeout_FundedRefundsByDefault(t *testing.T) {
	env := newTestEnv(t)
	e := env.fundedTraditional(t)

	env.clock.Advance(25 * time.Hour)
	got, err := env.svc.HandleTimeout(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(9_999_000), env.balance(t, buyer, usdc))
}

func TestHandleTimeout_ReleaseSellerAfterGrace(t *testing.T) {
	env := newTestEnv(t, withFundedPolicy(PolicyReleaseSeller))
	ctx := context.Background()
	e := env.fundedTraditional(t)

	env.clock.Advance(25 * time.Hour)
	got, err := env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, got.Status, "grace period still running")

	env.clock.Advance(24 * time.Hour)
	got, err = env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

func TestHandleTimeout_MilestonesRefundUnreleased(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e, ms := env.fundedMilestones(t)
	env.submitAndApprove(t, e, ms[0])

	env.clock.Advance(73 * time.Hour)
	got, err := env.svc.HandleTimeout(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.Equal(t, int64(1_000_000-networkFee), env.balance(t, buyer, usdc))
	assert.Equal(t, int64(0), env.balance(t, e.CustodyAddress, usdc))

	all, err := env.svc.Milestones(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneReleased, all[0].Status)
	assert.Equal(t, MilestoneCancelled, all[1].Status)
}

// Overlapping timeout runs move funds exactly once.
func TestHandleTimeout_ConcurrentExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.fundedTraditional(t)
	env.clock.Advance(25 * time.Hour)

	const workers = 8
	var (
		wg      sync.WaitGroup
		results = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.svc.HandleTimeout(ctx, e.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		if err != nil {
			assert.True(t, errors.Is(err, errs.ErrConflict), "unexpected error: %v", err)
		}
	}
	assert.Len(t, env.ledger.Transfers(), 1)

	got, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
}

func TestProcessExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	funded := env.fundedTraditional(t)
	unfunded := env.createTraditional(t, "1", "")
	_, d := env.disputed(t)

	env.clock.Advance(25 * time.Hour)
	n, err := env.svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := env.svc.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	got, err = env.svc.Get(ctx, unfunded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	got, err = env.svc.Get(ctx, d.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, got.Status)

	n, err = env.svc.ProcessExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
