// Package deposits watches escrow custody wallets and records the deposits
// it observes there.
package deposits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/kv"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

const (
	// DefaultWorkers bounds concurrent escrow checks within one scan.
	DefaultWorkers = 8
	// DefaultBatch is how many awaiting escrows one scan inspects.
	DefaultBatch = 200
	// DefaultCacheTTL bounds how long an observed balance is reused.
	DefaultCacheTTL = 5 * time.Second
)

// PartyStatus is one party's deposit as seen on the ledger.
type PartyStatus struct {
	Party      escrow.Party `json:"party"`
	Wallet     string       `json:"wallet"`
	Token      string       `json:"token"`
	Expected   amount.Units `json:"expected"`
	Observed   amount.Units `json:"observed"`
	Recorded   bool         `json:"recorded"`
	Sufficient bool         `json:"sufficient"`
}

// Status is the deposit picture of one escrow.
type Status struct {
	EscrowID       string        `json:"escrowId"`
	EscrowStatus   escrow.Status `json:"escrowStatus"`
	CustodyAddress string        `json:"custodyAddress"`
	Parties        []PartyStatus `json:"parties"`
	Sufficient     bool          `json:"sufficient"` // every required deposit is covered
}

// ScanResult summarizes one scan pass.
type ScanResult struct {
	Checked  int `json:"checked"`
	Recorded int `json:"recorded"`
	Swapped  int `json:"swapped"`
	Failed   int `json:"failed"`
}

// Monitor reconciles custody balances against expected deposits.
type Monitor struct {
	escrows  *escrow.Service
	ledger   ledger.Client
	tokens   *ledger.Registry
	cache    kv.Store
	cacheTTL time.Duration
	workers  int
	batch    int
	locks    *syncutil.KeyLock
	logger   *slog.Logger
}

// NewMonitor creates a deposit monitor.
func NewMonitor(escrows *escrow.Service, client ledger.Client, tokens *ledger.Registry, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		escrows: escrows,
		ledger:  client,
		tokens:  tokens,
		workers: DefaultWorkers,
		batch:   DefaultBatch,
		locks:   syncutil.NewKeyLock(syncutil.DefaultShards),
		logger:  logger,
	}
}

// WithCache caches observed balances on cache for ttl, so overlapping scans
// share one RPC per custody wallet and token.
func (m *Monitor) WithCache(cache kv.Store, ttl time.Duration) *Monitor {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	m.cache = cache
	m.cacheTTL = ttl
	return m
}

// WithWorkers sets the scan concurrency.
func (m *Monitor) WithWorkers(n int) *Monitor {
	if n > 0 {
		m.workers = n
	}
	return m
}

// CheckDepositStatus reports expected and observed deposits per party.
func (m *Monitor) CheckDepositStatus(ctx context.Context, id string) (*Status, error) {
	e, err := m.escrows.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.status(ctx, e)
}

func (m *Monitor) status(ctx context.Context, e *escrow.Escrow) (*Status, error) {
	st := &Status{EscrowID: e.ID, EscrowStatus: e.Status, CustodyAddress: e.CustodyAddress, Sufficient: true}

	required := []escrow.Party{escrow.PartyBuyer}
	if e.RequiresSellerDeposit() {
		required = append(required, escrow.PartySeller)
	}

	// Parties sharing a token share the custody balance. Recorded deposits
	// are taken out first and the rest is attributed by escrow.Attribute.
	byToken := make(map[string][]escrow.Party)
	var order []string
	for _, p := range required {
		sym := tokenOf(e, p)
		if _, ok := byToken[sym]; !ok {
			order = append(order, sym)
		}
		byToken[sym] = append(byToken[sym], p)
	}

	for _, sym := range order {
		token, err := m.tokens.Lookup(sym)
		if err != nil {
			return nil, err
		}
		balance, err := m.balance(ctx, e.CustodyAddress, token)
		if err != nil {
			return nil, err
		}

		parties := byToken[sym]
		available := balance
		for _, p := range parties {
			if e.Deposited(p) {
				available = available.Sub(recordedAmount(e, p))
			}
		}
		attributed := make(map[escrow.Party]amount.Units, len(parties))
		for _, a := range e.Attribute(sym, available) {
			attributed[a.Party] = a.Amount
		}

		for _, p := range parties {
			ps := PartyStatus{Party: p, Wallet: walletOf(e, p), Token: sym, Expected: e.Expected(p)}
			if e.Deposited(p) {
				ps.Observed = recordedAmount(e, p)
				ps.Recorded = true
				ps.Sufficient = true
				st.Parties = append(st.Parties, ps)
				continue
			}
			ps.Observed = attributed[p]
			ps.Sufficient = !ps.Observed.LessThan(ps.Expected)
			if !ps.Sufficient {
				st.Sufficient = false
			}
			st.Parties = append(st.Parties, ps)
		}
	}
	return st, nil
}

// Reconcile records every sufficient deposit of one escrow, and retries the
// exchange of a funded atomic swap.
func (m *Monitor) Reconcile(ctx context.Context, id string) (*escrow.Escrow, int, error) {
	e, err := m.escrows.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	next, recorded, _, err := m.reconcile(ctx, e)
	return next, recorded, err
}

// reconcile holds the escrow's key lock, so a scan and a party's request in
// this process never record the same deposit at once. Across replicas the
// version check decides.
func (m *Monitor) reconcile(ctx context.Context, e *escrow.Escrow) (_ *escrow.Escrow, recorded int, swapped bool, err error) {
	unlock, err := m.locks.Lock(ctx, e.ID)
	if err != nil {
		return nil, 0, false, err
	}
	defer unlock()
	if fresh, err := m.escrows.Get(ctx, e.ID); err == nil {
		e = fresh
	}

	ctx = logging.With(ctx, "escrowId", e.ID)
	ctx, span := traces.StartSpan(ctx, "deposits.Reconcile", traces.EscrowID(e.ID))
	defer func() { traces.End(span, err) }()

	if e.Type == escrow.TypeAtomicSwap && e.Status == escrow.StatusFullyFunded {
		next, err := m.escrows.ExecuteSwap(ctx, e.ID)
		return next, 0, completedSwap(next), err
	}
	switch e.Status {
	case escrow.StatusCreated, escrow.StatusBuyerDeposited, escrow.StatusSellerDeposited:
	default:
		return e, 0, false, nil
	}

	st, err := m.status(ctx, e)
	if err != nil {
		return nil, 0, false, err
	}
	for _, ps := range st.Parties {
		if ps.Recorded || !ps.Sufficient {
			continue
		}
		next, err := m.escrows.RecordDeposit(ctx, e.ID, ps.Party, ps.Observed)
		if err != nil {
			return nil, recorded, false, err
		}
		m.forget(ctx, e.CustodyAddress, ps.Token)
		e = next
		recorded++
	}
	return e, recorded, recorded > 0 && completedSwap(e), nil
}

func completedSwap(e *escrow.Escrow) bool {
	return e != nil && e.Type == escrow.TypeAtomicSwap && e.Status == escrow.StatusCompleted
}

// Scan reconciles every escrow awaiting deposits. It is safe to run
// concurrently with itself: recording is idempotent and a lost version race
// is left to the winner.
func (m *Monitor) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	pending, err := m.escrows.ListAwaitingDeposits(ctx, m.batch)
	if err != nil {
		metrics.DepositScansTotal.WithLabelValues("error").Inc()
		return res, err
	}

	results := make([]ScanResult, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for i, e := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = m.scanOne(gctx, e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.DepositScansTotal.WithLabelValues("cancelled").Inc()
		return res, err
	}

	for _, r := range results {
		res.Checked += r.Checked
		res.Recorded += r.Recorded
		res.Swapped += r.Swapped
		res.Failed += r.Failed
	}
	metrics.DepositScansTotal.WithLabelValues("ok").Inc()
	return res, nil
}

func (m *Monitor) scanOne(ctx context.Context, e *escrow.Escrow) ScanResult {
	res := ScanResult{Checked: 1}
	_, recorded, swapped, err := m.reconcile(ctx, e)
	res.Recorded = recorded
	switch {
	case err == nil:
		if swapped {
			res.Swapped = 1
		}
	case errors.Is(err, errs.ErrConflict):
		// Another replica or request moved the escrow first.
	default:
		res.Failed = 1
		m.logger.Warn("deposit reconciliation failed", "escrowId", e.ID, "error", err)
	}
	return res
}

func (m *Monitor) balance(ctx context.Context, address string, token ledger.Token) (amount.Units, error) {
	key := balanceKey(address, token.Symbol)
	if m.cache != nil {
		if raw, ok, err := m.cache.Get(ctx, key); err == nil && ok {
			if u, err := amount.ParseUnits(raw); err == nil {
				return u, nil
			}
		}
	}
	b, err := m.ledger.Balance(ctx, address, token)
	if err != nil {
		return amount.Zero, err
	}
	if m.cache != nil {
		_ = m.cache.Set(ctx, key, b.String(), m.cacheTTL)
	}
	return b, nil
}

func (m *Monitor) forget(ctx context.Context, address, symbol string) {
	if m.cache != nil {
		_ = m.cache.Delete(ctx, balanceKey(address, symbol))
	}
}

func balanceKey(address, symbol string) string {
	return fmt.Sprintf("bal:%s:%s", address, symbol)
}

func tokenOf(e *escrow.Escrow, p escrow.Party) string {
	if p == escrow.PartySeller {
		return e.SellerDepositToken()
	}
	return e.Token
}

func walletOf(e *escrow.Escrow, p escrow.Party) string {
	if p == escrow.PartySeller {
		return e.SellerWallet
	}
	return e.BuyerWallet
}

func recordedAmount(e *escrow.Escrow, p escrow.Party) amount.Units {
	if p == escrow.PartySeller {
		return e.SellerDepositAmount
	}
	return e.BuyerDepositAmount
}
