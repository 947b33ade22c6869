// Package fees computes platform and network fees for settlement legs.
package fees

import (
	"fmt"
	"strings"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/errs"
)

// MaxBPS is 100% in basis points.
const MaxBPS = 10_000

// Config holds fee parameters. All amounts are in the settled token's
// smallest unit.
type Config struct {
	PlatformFeeBPS  int64
	MinGross        amount.Units // platform fee is skipped below this gross
	NetworkFee      amount.Units // per ledger leg, paid from custody
	Reserve         amount.Units // left in custody to keep the account alive
	Treasury        string
	TreasuryByToken map[string]string // symbol -> wallet, overrides Treasury
}

// Breakdown is the result of a fee computation.
type Breakdown struct {
	Gross         amount.Units `json:"gross"`
	Legs          int          `json:"legs"`
	NetworkFees   amount.Units `json:"networkFees"`
	Reserve       amount.Units `json:"reserve"`
	Distributable amount.Units `json:"distributable"`
	PlatformFee   amount.Units `json:"platformFee"`
	Net           amount.Units `json:"net"`
}

// Handler applies a fee Config.
type Handler struct {
	cfg Config
}

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.PlatformFeeBPS < 0 || cfg.PlatformFeeBPS > MaxBPS {
		return nil, fmt.Errorf("fees: platform fee %d bps out of range", cfg.PlatformFeeBPS)
	}
	if cfg.NetworkFee.Sign() < 0 || cfg.Reserve.Sign() < 0 || cfg.MinGross.Sign() < 0 {
		return nil, fmt.Errorf("fees: negative fee parameter")
	}
	if cfg.PlatformFeeBPS > 0 && cfg.Treasury == "" && len(cfg.TreasuryByToken) == 0 {
		return nil, fmt.Errorf("fees: treasury wallet required when platform fee is set")
	}
	by := make(map[string]string, len(cfg.TreasuryByToken))
	for sym, w := range cfg.TreasuryByToken {
		by[strings.ToUpper(sym)] = strings.ToLower(w)
	}
	cfg.TreasuryByToken = by
	cfg.Treasury = strings.ToLower(cfg.Treasury)
	return &Handler{cfg: cfg}, nil
}

// Scope describes one settlement computation.
type Scope struct {
	Gross      amount.Units
	PayoutLegs int  // recipients of Net, at least 1
	Final      bool // withhold the custody reserve; set on the settlement that empties custody
	NoFee      bool // refunds and admin splits carry no platform fee
}

// Compute splits scope.Gross across its payout legs. When a platform fee
// applies, one extra leg is charged for the treasury transfer.
func (h *Handler) Compute(s Scope) (Breakdown, error) {
	if s.PayoutLegs < 1 {
		s.PayoutLegs = 1
	}
	if !s.NoFee {
		b, err := h.compute(s, s.PayoutLegs+1, true)
		if err == nil && b.PlatformFee.IsPositive() {
			return b, nil
		}
	}
	return h.compute(s, s.PayoutLegs, false)
}

func (h *Handler) compute(s Scope, legs int, charge bool) (Breakdown, error) {
	b := Breakdown{
		Gross:       s.Gross,
		Legs:        legs,
		NetworkFees: h.cfg.NetworkFee.MulInt(int64(legs)),
	}
	if s.Final {
		b.Reserve = h.cfg.Reserve
	}
	b.Distributable = s.Gross.Sub(b.NetworkFees).Sub(b.Reserve)
	if !b.Distributable.IsPositive() {
		return b, errs.InsufficientFunds(fmt.Sprintf(
			"gross %s does not cover %d network fees and reserve", s.Gross, legs))
	}
	if charge && h.cfg.PlatformFeeBPS > 0 && !s.Gross.LessThan(h.cfg.MinGross) {
		b.PlatformFee = b.Distributable.MulDiv(h.cfg.PlatformFeeBPS, MaxBPS)
	}
	b.Net = b.Distributable.Sub(b.PlatformFee)
	return b, nil
}

// BPS returns the platform fee in basis points.
func (h *Handler) BPS() int64 { return h.cfg.PlatformFeeBPS }

// Treasury returns the fee wallet for token.
func (h *Handler) Treasury(token string) string {
	if w, ok := h.cfg.TreasuryByToken[strings.ToUpper(token)]; ok {
		return w
	}
	return h.cfg.Treasury
}

// NetworkFee returns the per-leg network fee.
func (h *Handler) NetworkFee() amount.Units { return h.cfg.NetworkFee }

// Reserve returns the custody reserve.
func (h *Handler) Reserve() amount.Units { return h.cfg.Reserve }
