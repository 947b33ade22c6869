//go:build integration

package multisig

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/testutil"
)

func newPendingTx(escrowID string, now time.Time) *Transaction {
	return &Transaction{
		ID:         idgen.WithPrefix(idgen.PrefixMultiSig),
		EscrowID:   escrowID,
		Wallet:     safeWallet,
		Provider:   ProviderSafe,
		Intent:     IntentConfirmRelease,
		Threshold:  2,
		Signers:    []string{ownerA, ownerB, ownerC},
		Signatures: []string{},
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  now.Add(DefaultWindow),
	}
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx := newPendingTx("esc_pg", now)
	require.NoError(t, store.Create(ctx, tx))

	found, err := store.FindPending(ctx, "esc_pg", "", safeWallet, IntentConfirmRelease)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, found.ID)
	assert.Equal(t, []string{ownerA, ownerB, ownerC}, found.Signers)

	_, err = store.FindPending(ctx, "esc_pg", "ms_1", safeWallet, IntentApproveMilestone)
	assert.ErrorIs(t, err, ErrNotFound)

	stale := *found
	found.Signatures = append(found.Signatures, ownerA)
	require.NoError(t, store.Update(ctx, found))
	stale.Signatures = []string{ownerB}
	assert.ErrorIs(t, store.Update(ctx, &stale), ErrVersionChanged)

	executed := now.Add(time.Minute)
	found.Status = StatusExecuted
	found.ExecutedAt = &executed
	require.NoError(t, store.Update(ctx, found))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, []string{ownerA}, got.Signatures)
	require.NotNil(t, got.ExecutedAt)
	assert.Equal(t, int64(2), got.Version)

	pending, err := store.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = store.Get(ctx, "msig_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, &Transaction{ID: "msig_missing"}), ErrNotFound)
}
