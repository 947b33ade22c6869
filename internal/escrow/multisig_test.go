package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/kv"
	"github.com/mbd888/escrowd/internal/multisig"
)

var safeOwners = []string{
	"0x0000000000000000000000000000000000000a01",
	"0x0000000000000000000000000000000000000a02",
	"0x0000000000000000000000000000000000000a03",
}

// withSafeBuyer makes the buyer a 2-of-3 multi-sig.
func (env *testEnv) withSafeBuyer(t *testing.T) *multisig.Service {
	t.Helper()
	registry := multisig.StaticRegistry{
		buyer: {Provider: multisig.ProviderSafe, Threshold: 2, Owners: safeOwners},
	}
	ms := multisig.NewService(multisig.NewMemoryStore(), multisig.NewDetector(registry, kv.NewMemory(), 0), nil)
	ms.SetExecutor(env.svc)
	env.svc.WithMultiSig(ms)
	return ms
}

func TestMultiSig_ConfirmWaitsForThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ms := env.withSafeBuyer(t)
	e := env.fundedTraditional(t)

	out, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)
	require.NotNil(t, out.MultiSig)
	assert.Equal(t, 2, out.MultiSig.Threshold)
	assert.Equal(t, multisig.IntentConfirmRelease, out.MultiSig.Intent)
	assert.False(t, out.Escrow.BuyerConfirmed)

	// Asking again returns the same pending transaction.
	again, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, out.MultiSig.ID, again.MultiSig.ID)

	// The seller is a plain wallet and confirms directly.
	sellerOut, err := env.svc.Confirm(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Nil(t, sellerOut.MultiSig)
	assert.True(t, sellerOut.Escrow.SellerConfirmed)

	ok, err := ms.CanSign(ctx, out.MultiSig.ID, safeOwners[0])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = ms.CanSign(ctx, out.MultiSig.ID, stranger)
	require.NoError(t, err)
	assert.False(t, ok)

	tx, err := ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[0])
	require.NoError(t, err)
	assert.Equal(t, multisig.StatusPending, tx.Status)
	_, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[0])
	assert.ErrorIs(t, err, multisig.ErrDuplicate)

	cur, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, cur.Status)

	tx, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[2])
	require.NoError(t, err)
	assert.Equal(t, multisig.StatusExecuted, tx.Status)

	done, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(9_898_020), env.balance(t, seller, usdc))
}

func TestMultiSig_MilestoneApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ms := env.withSafeBuyer(t)
	e, milestones := env.fundedMilestones(t)

	_, err := env.svc.SubmitWork(ctx, e.ID, milestones[0].ID, seller, SubmitWorkRequest{})
	require.NoError(t, err)
	out, err := env.svc.ApproveMilestone(ctx, e.ID, milestones[0].ID, buyer)
	require.NoError(t, err)
	require.NotNil(t, out.MultiSig)
	assert.Equal(t, milestones[0].ID, out.MultiSig.MilestoneID)
	assert.Empty(t, env.ledger.Transfers())

	_, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[1])
	require.NoError(t, err)
	_, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[2])
	require.NoError(t, err)

	m, err := env.store.GetMilestone(ctx, milestones[0].ID)
	require.NoError(t, err)
	assert.Equal(t, MilestoneReleased, m.Status)
	assert.Equal(t, int64(988_020), env.balance(t, seller, usdc))
}

// Execution that fails is retried by the sweep once the escrow can settle.
func TestMultiSig_SweepRetriesFailedExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ms := env.withSafeBuyer(t)
	e := env.fundedTraditional(t)

	_, err := env.svc.Confirm(ctx, e.ID, seller)
	require.NoError(t, err)
	out, err := env.svc.Confirm(ctx, e.ID, buyer)
	require.NoError(t, err)
	require.NotNil(t, out.MultiSig)

	env.ledger.FailNext(errLedgerDown)
	_, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[0])
	require.NoError(t, err)
	_, err = ms.RecordSignature(ctx, out.MultiSig.ID, safeOwners[1])
	require.Error(t, err)

	cur, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFullyFunded, cur.Status)

	abandoned, executed, err := ms.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, abandoned)
	assert.Equal(t, 1, executed)

	done, err := env.svc.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}
