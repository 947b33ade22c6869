// Package auth authenticates API callers by wallet signature.
//
// Authentication model:
//   - Read endpoints are public
//   - Mutations require X-Wallet-Address, X-Wallet-Timestamp and
//     X-Wallet-Signature (EIP-191 over Message(address, timestamp))
//   - Admin endpoints additionally require the wallet to be on the AdminList
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
)

// DefaultMaxSkew bounds how old or how far in the future a signed timestamp
// may be.
const DefaultMaxSkew = 5 * time.Minute

// Verifier checks wallet signatures.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a verifier. A non-positive maxSkew uses DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now}
}

// Authenticate returns the lower-case wallet address proven by signature.
func (v *Verifier) Authenticate(address, timestamp, signature string) (string, error) {
	if address == "" || timestamp == "" || signature == "" {
		return "", errs.New(errs.KindUnauthenticated, "signature_required", "wallet signature headers required")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", errs.New(errs.KindUnauthenticated, "invalid_timestamp", "timestamp must be unix seconds")
	}
	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return "", errs.New(errs.KindUnauthenticated, "stale_signature", "signed timestamp outside allowed window")
	}

	recovered, err := RecoverAddress(Message(address, ts), signature)
	if err != nil {
		return "", errs.Wrap(errs.KindUnauthenticated, "invalid_signature", err, "signature could not be verified")
	}
	if !strings.EqualFold(recovered, address) {
		return "", errs.New(errs.KindUnauthenticated, "invalid_signature", "signature does not match wallet")
	}
	return recovered, nil
}

// AdminList is the set of wallets allowed to resolve disputes.
type AdminList struct {
	wallets map[string]struct{}
}

// NewAdminList builds an allowlist from wallets.
func NewAdminList(wallets ...string) *AdminList {
	l := &AdminList{wallets: make(map[string]struct{}, len(wallets))}
	for _, w := range wallets {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			l.wallets[w] = struct{}{}
		}
	}
	return l
}

// IsAdmin reports whether wallet is an admin.
func (l *AdminList) IsAdmin(wallet string) bool {
	if l == nil {
		return false
	}
	_, ok := l.wallets[strings.ToLower(wallet)]
	return ok
}
