package multisig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/kv"
)

// ProviderSafe identifies Safe-style (Gnosis) multi-sig accounts.
const ProviderSafe = "safe"

// DefaultCacheTTL bounds how long a detection result is reused.
const DefaultCacheTTL = 10 * time.Minute

// The two read-only calls every Safe exposes.
const safeABI = `[
	{"constant":true,"inputs":[],"name":"getThreshold","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"getOwners","outputs":[{"name":"","type":"address[]"}],"type":"function"}
]`

// Prober inspects a wallet on-chain.
type Prober interface {
	Probe(ctx context.Context, wallet string) (Info, error)
}

// ContractCaller is the subset of ethclient.Client the Safe prober needs.
type ContractCaller interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SafeProber recognizes Safe-style accounts by their threshold and owner
// calls. Accounts without code, or whose code rejects the calls, are plain
// wallets. A node that cannot be reached is an error, never a plain wallet.
type SafeProber struct {
	client ContractCaller
	abi    abi.ABI
}

// NewSafeProber creates a prober on client.
func NewSafeProber(client ContractCaller) (*SafeProber, error) {
	parsed, err := abi.JSON(strings.NewReader(safeABI))
	if err != nil {
		return nil, fmt.Errorf("multisig: parse Safe ABI: %w", err)
	}
	return &SafeProber{client: client, abi: parsed}, nil
}

// Probe implements Prober.
func (p *SafeProber) Probe(ctx context.Context, wallet string) (Info, error) {
	info := Info{Wallet: wallet}
	addr := common.HexToAddress(wallet)

	code, err := p.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return info, errs.Network(err, "multi-sig code lookup failed")
	}
	if len(code) == 0 {
		return info, nil
	}

	threshold, err := p.call(ctx, addr, "getThreshold")
	if errors.Is(err, errNotSafe) {
		return info, nil
	}
	if err != nil {
		return info, err
	}
	owners, err := p.call(ctx, addr, "getOwners")
	if errors.Is(err, errNotSafe) {
		return info, nil
	}
	if err != nil {
		return info, err
	}

	t, ok := threshold[0].(*big.Int)
	if !ok || !t.IsInt64() || t.Sign() <= 0 {
		return info, nil
	}
	addrs, ok := owners[0].([]common.Address)
	if !ok || len(addrs) == 0 || t.Int64() > int64(len(addrs)) {
		return info, nil
	}

	info.IsMultiSig = true
	info.Provider = ProviderSafe
	info.Threshold = int(t.Int64())
	info.TotalSigners = len(addrs)
	for _, a := range addrs {
		info.Owners = append(info.Owners, strings.ToLower(a.Hex()))
	}
	return info, nil
}

// errNotSafe marks a contract that answered but does not behave like a Safe.
var errNotSafe = errors.New("multisig: not a Safe contract")

// call runs a read-only Safe method. A revert or an undecodable answer is
// errNotSafe; failing to reach the node is a network error.
func (p *SafeProber) call(ctx context.Context, to common.Address, method string) ([]any, error) {
	data, err := p.abi.Pack(method)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "abi_pack_failed", err, "pack "+method)
	}
	res, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		if reverted(err) {
			return nil, errNotSafe
		}
		return nil, errs.Network(err, fmt.Sprintf("multi-sig %s call failed", method))
	}
	out, err := p.abi.Unpack(method, res)
	if err != nil || len(out) == 0 {
		return nil, errNotSafe
	}
	return out, nil
}

// reverted reports whether err is the contract refusing the call rather
// than the node being unreachable.
func reverted(err error) bool {
	var rerr rpc.Error
	if errors.As(err, &rerr) && rerr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// StaticRegistry is a fixed set of known multi-sig wallets, for development
// and tests. Unknown wallets are plain wallets.
type StaticRegistry map[string]Info

// Probe implements Prober.
func (r StaticRegistry) Probe(_ context.Context, wallet string) (Info, error) {
	if info, ok := r[wallet]; ok {
		info.Wallet = wallet
		info.IsMultiSig = true
		info.TotalSigners = len(info.Owners)
		return info, nil
	}
	return Info{Wallet: wallet}, nil
}

// Detector answers detect(wallet), caching results on the shared KV.
type Detector struct {
	prober Prober
	cache  kv.Store
	ttl    time.Duration
}

// NewDetector creates a detector. A nil cache disables caching.
func NewDetector(prober Prober, cache kv.Store, ttl time.Duration) *Detector {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Detector{prober: prober, cache: cache, ttl: ttl}
}

// Detect reports whether wallet is a multi-sig and, if so, its owner set.
func (d *Detector) Detect(ctx context.Context, wallet string) (Info, error) {
	wallet = strings.ToLower(wallet)
	key := "msig:" + wallet

	if d.cache != nil {
		if raw, ok, err := d.cache.Get(ctx, key); err == nil && ok {
			var info Info
			if json.Unmarshal([]byte(raw), &info) == nil {
				return info, nil
			}
		}
	}

	info, err := d.prober.Probe(ctx, wallet)
	if err != nil {
		return Info{}, err
	}

	if d.cache != nil {
		if raw, err := json.Marshal(info); err == nil {
			_ = d.cache.Set(ctx, key, string(raw), d.ttl)
		}
	}
	return info, nil
}
