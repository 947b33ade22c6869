package multisig

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/kv"
)

type countingProber struct {
	calls atomic.Int32
	inner Prober
}

func (c *countingProber) Probe(ctx context.Context, wallet string) (Info, error) {
	c.calls.Add(1)
	return c.inner.Probe(ctx, wallet)
}

func TestStaticRegistry(t *testing.T) {
	r := StaticRegistry{safeWallet: {Provider: ProviderSafe, Threshold: 2, Owners: []string{ownerA, ownerB}}}

	info, err := r.Probe(context.Background(), safeWallet)
	require.NoError(t, err)
	assert.True(t, info.IsMultiSig)
	assert.Equal(t, safeWallet, info.Wallet)
	assert.Equal(t, 2, info.TotalSigners)

	info, err = r.Probe(context.Background(), plainWallet)
	require.NoError(t, err)
	assert.False(t, info.IsMultiSig)
	assert.Equal(t, plainWallet, info.Wallet)
}

func TestDetector_CachesResults(t *testing.T) {
	prober := &countingProber{inner: StaticRegistry{
		safeWallet: {Provider: ProviderSafe, Threshold: 2, Owners: []string{ownerA, ownerB}},
	}}
	cache := kv.NewMemory()
	d := NewDetector(prober, cache, time.Minute)
	ctx := context.Background()

	first, err := d.Detect(ctx, "0x5AFE00000000000000000000000000000000CAFE")
	require.NoError(t, err)
	assert.True(t, first.IsMultiSig)

	second, err := d.Detect(ctx, safeWallet)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), prober.calls.Load())

	raw, ok, err := cache.Get(ctx, "msig:"+safeWallet)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, raw, `"threshold":2`)

	_, err = d.Detect(ctx, plainWallet)
	require.NoError(t, err)
	_, err = d.Detect(ctx, plainWallet)
	require.NoError(t, err)
	assert.Equal(t, int32(2), prober.calls.Load(), "plain results are cached too")
}

func TestDetector_NoCache(t *testing.T) {
	prober := &countingProber{inner: StaticRegistry{}}
	d := NewDetector(prober, nil, 0)

	for i := 0; i < 3; i++ {
		_, err := d.Detect(context.Background(), plainWallet)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), prober.calls.Load())
}

// fakeChain answers CodeAt and the two Safe calls from canned values.
type fakeChain struct {
	code      []byte
	codeErr   error
	threshold *big.Int
	owners    []common.Address
	callErr   error
	abi       abi.ABI
}

func newFakeChain(t *testing.T) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(safeABI))
	require.NoError(t, err)
	return &fakeChain{abi: parsed}
}

func (f *fakeChain) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return f.code, f.codeErr
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch {
	case bytes.HasPrefix(msg.Data, f.abi.Methods["getThreshold"].ID):
		return f.abi.Methods["getThreshold"].Outputs.Pack(f.threshold)
	case bytes.HasPrefix(msg.Data, f.abi.Methods["getOwners"].ID):
		return f.abi.Methods["getOwners"].Outputs.Pack(f.owners)
	}
	return nil, errors.New("execution reverted")
}

func TestSafeProber_DetectsSafe(t *testing.T) {
	chain := newFakeChain(t)
	chain.code = []byte{0x60, 0x80}
	chain.threshold = big.NewInt(2)
	chain.owners = []common.Address{
		common.HexToAddress(ownerA), common.HexToAddress(ownerB), common.HexToAddress(ownerC),
	}
	p, err := NewSafeProber(chain)
	require.NoError(t, err)

	info, err := p.Probe(context.Background(), safeWallet)
	require.NoError(t, err)
	assert.True(t, info.IsMultiSig)
	assert.Equal(t, ProviderSafe, info.Provider)
	assert.Equal(t, 2, info.Threshold)
	assert.Equal(t, 3, info.TotalSigners)
	assert.Equal(t, []string{ownerA, ownerB, ownerC}, info.Owners)
}

func TestSafeProber_PlainWallets(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeChain)
	}{
		{"no code", func(f *fakeChain) {}},
		{"calls revert", func(f *fakeChain) {
			f.code = []byte{0x01}
			f.callErr = errors.New("execution reverted")
		}},
		{"zero threshold", func(f *fakeChain) {
			f.code = []byte{0x01}
			f.threshold = big.NewInt(0)
			f.owners = []common.Address{common.HexToAddress(ownerA)}
		}},
		{"threshold above owners", func(f *fakeChain) {
			f.code = []byte{0x01}
			f.threshold = big.NewInt(3)
			f.owners = []common.Address{common.HexToAddress(ownerA), common.HexToAddress(ownerB)}
		}},
		{"no owners", func(f *fakeChain) {
			f.code = []byte{0x01}
			f.threshold = big.NewInt(1)
			f.owners = []common.Address{}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain(t)
			tt.setup(chain)
			p, err := NewSafeProber(chain)
			require.NoError(t, err)

			info, err := p.Probe(context.Background(), plainWallet)
			require.NoError(t, err)
			assert.False(t, info.IsMultiSig)
		})
	}
}

func TestSafeProber_CodeLookupFailure(t *testing.T) {
	chain := newFakeChain(t)
	chain.codeErr = errors.New("dial tcp: connection refused")
	p, err := NewSafeProber(chain)
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), safeWallet)
	require.Error(t, err)
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
}

func TestSafeProber_CallTransportFailure(t *testing.T) {
	chain := newFakeChain(t)
	chain.code = []byte{0x60, 0x80}
	chain.callErr = errors.New("read tcp 10.0.0.1:8545: i/o timeout")
	p, err := NewSafeProber(chain)
	require.NoError(t, err)

	_, err = p.Probe(context.Background(), safeWallet)
	require.Error(t, err)
	assert.Equal(t, errs.KindNetwork, errs.KindOf(err))
}

// A failed lookup is not remembered: once the node answers again the Safe
// is recognized.
func TestDetector_FailureNotCached(t *testing.T) {
	chain := newFakeChain(t)
	chain.code = []byte{0x60, 0x80}
	chain.threshold = big.NewInt(2)
	chain.owners = []common.Address{common.HexToAddress(ownerA), common.HexToAddress(ownerB)}
	chain.callErr = errors.New("dial tcp: connection refused")
	p, err := NewSafeProber(chain)
	require.NoError(t, err)

	cache := kv.NewMemory()
	d := NewDetector(p, cache, time.Minute)
	ctx := context.Background()

	_, err = d.Detect(ctx, safeWallet)
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
	_, ok, err := cache.Get(ctx, "msig:"+safeWallet)
	require.NoError(t, err)
	assert.False(t, ok)

	chain.callErr = nil
	info, err := d.Detect(ctx, safeWallet)
	require.NoError(t, err)
	assert.True(t, info.IsMultiSig)
	assert.Equal(t, 2, info.Threshold)
}
