// Package ledger is the settlement layer's view of the chain: balances,
// transfers signed by custody keypairs, and confirmation status.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/errs"
)

// TxStatus is the confirmation state of a submitted transfer.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// Token describes a transferable asset. An empty Contract is the chain's
// native asset.
type Token struct {
	Symbol   string `json:"symbol"`
	Decimals int32  `json:"decimals"`
	Contract string `json:"contract,omitempty"`
}

// Native reports whether the token is the chain's native asset.
func (t Token) Native() bool { return t.Contract == "" }

// Client is the external ledger.
//
// Transfer returns the transaction signature whenever one was assigned, even
// alongside an error: a broadcast whose response was lost may still land.
// Only errors for which Rejected reports true guarantee that nothing
// reached the ledger.
type Client interface {
	Balance(ctx context.Context, address string, token Token) (amount.Units, error)
	Transfer(ctx context.Context, from *custody.Keypair, to string, token Token, amt amount.Units) (string, error)
	Confirm(ctx context.Context, signature string) (TxStatus, error)
}

// Signed is a transfer signed but not necessarily broadcast.
type Signed struct {
	Signature string
	Raw       []byte // the exact payload Broadcast sends
}

// Presigner is implemented by ledgers that sign transfers ahead of the
// broadcast. The raw payload can be persisted first and sent again
// verbatim until it lands, so a broadcast lost before reaching the ledger
// is recovered without signing a second transfer.
type Presigner interface {
	Sign(ctx context.Context, from *custody.Keypair, to string, token Token, amt amount.Units) (Signed, error)
	// Broadcast sends raw. A payload the ledger already holds is not an
	// error.
	Broadcast(ctx context.Context, raw []byte) error
}

// ErrStaleNonce is matched by broadcasts the ledger refused because the
// sender's nonce was already used. A payload refused this way either
// already landed or can never land.
var ErrStaleNonce = errs.Conflict("nonce_too_low", "sender nonce already used")

// ErrNotSubmitted is matched by transfer errors raised before anything was
// broadcast.
var ErrNotSubmitted = errors.New("ledger: transfer not submitted")

type unsent struct{ err error }

func (u *unsent) Error() string   { return u.err.Error() }
func (u *unsent) Unwrap() []error { return []error{u.err, ErrNotSubmitted} }

// NotSubmitted marks err as raised before the transfer left this process.
// The kind of err is kept.
func NotSubmitted(err error) error {
	if err == nil {
		return nil
	}
	return &unsent{err: err}
}

// Rejected reports whether a Transfer error guarantees that no funds moved,
// so the same transfer may be submitted again. Every other error leaves the
// outcome unknown.
func Rejected(err error) bool {
	if errors.Is(err, ErrNotSubmitted) {
		return true
	}
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindInsufficientFunds:
		return true
	}
	return false
}

// Registry holds the tokens escrows may be denominated in.
type Registry struct {
	tokens map[string]Token
}

// NewRegistry builds a registry from tokens. Symbols are case-insensitive.
func NewRegistry(tokens ...Token) *Registry {
	r := &Registry{tokens: make(map[string]Token, len(tokens))}
	for _, t := range tokens {
		t.Symbol = strings.ToUpper(t.Symbol)
		t.Contract = strings.ToLower(t.Contract)
		r.tokens[t.Symbol] = t
	}
	return r
}

// ParseRegistry parses "SYM:decimals[:contract],..." (the TOKENS env format).
func ParseRegistry(raw string) (*Registry, error) {
	var tokens []Token
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("ledger: invalid token %q", item)
		}
		dec, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil || dec < 0 || dec > 36 {
			return nil, fmt.Errorf("ledger: invalid decimals in %q", item)
		}
		t := Token{Symbol: parts[0], Decimals: int32(dec)}
		if len(parts) == 3 {
			t.Contract = parts[2]
		}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("ledger: no tokens configured")
	}
	return NewRegistry(tokens...), nil
}

// Lookup returns the token for symbol.
func (r *Registry) Lookup(symbol string) (Token, error) {
	t, ok := r.tokens[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Token{}, errs.Validation("unsupported_token", fmt.Sprintf("token %q is not supported", symbol))
	}
	return t, nil
}

// Symbols returns the registered symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.tokens))
	for s := range r.tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ConfirmPollInterval is the delay between Confirm calls in AwaitConfirmation.
var ConfirmPollInterval = 2 * time.Second

// AwaitConfirmation polls c until signature is confirmed or failed, or until
// timeout elapses. TxFailed is only returned with a nil error, on the
// ledger's own verdict. Any error, a timeout included, comes back with
// TxPending: the transfer may still land, so callers must re-confirm rather
// than resubmit.
func AwaitConfirmation(ctx context.Context, c Client, signature string, timeout time.Duration) (TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.Confirm(ctx, signature)
		if err == nil && status != TxPending {
			return status, nil
		}
		if err != nil && !errs.Retryable(err) {
			return TxPending, err
		}

		select {
		case <-ctx.Done():
			return TxPending, errs.Network(ctx.Err(), fmt.Sprintf("confirmation of %s timed out", signature))
		case <-ticker.C:
		}
	}
}
