package deposits

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/escrow"
)

func TestTimer_RecordsDeposits(t *testing.T) {
	env := newTestEnv(t)
	e := env.create(t, escrow.CreateRequest{BuyerAmount: "1"})
	env.sim.Credit(e.CustodyAddress, usdc, amount.New(1_000_000))

	timer := NewTimer(env.monitor, 10*time.Millisecond, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		return env.get(t, e.ID).Status == escrow.StatusFullyFunded
	}, 2*time.Second, 10*time.Millisecond)

	timer.Stop()
	require.Eventually(t, func() bool { return !timer.Running() }, time.Second, 5*time.Millisecond)
	assert.False(t, timer.Running())
}
