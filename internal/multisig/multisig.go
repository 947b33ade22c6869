// Package multisig detects multi-signature party wallets and collects the
// owner signatures they need before an escrow action on their behalf takes
// effect.
package multisig

import (
	"context"
	"slices"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
)

var (
	ErrNotFound       = errs.NotFound("multisig_transaction_not_found", "multi-sig transaction not found")
	ErrNotOwner       = errs.Unauthorized("multisig_not_owner", "wallet is not an owner of the multi-sig")
	ErrDuplicate      = errs.Conflict("multisig_duplicate_signature", "wallet has already signed")
	ErrNotPending     = errs.State("multisig_not_pending", "multi-sig transaction is no longer pending")
	ErrExpired        = errs.State("multisig_expired", "multi-sig transaction has expired")
	ErrVersionChanged = errs.Conflict("multisig_version_changed", "multi-sig transaction was modified concurrently")
)

// Intent is the escrow action a transaction authorizes.
type Intent string

const (
	IntentConfirmRelease   Intent = "confirm_release"
	IntentApproveMilestone Intent = "approve_milestone"
)

// Status is the lifecycle of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusAbandoned Status = "abandoned"
)

// Info is the detection result for one wallet.
type Info struct {
	Wallet       string   `json:"wallet"`
	IsMultiSig   bool     `json:"isMultiSig"`
	Provider     string   `json:"provider,omitempty"`
	Threshold    int      `json:"threshold,omitempty"`
	TotalSigners int      `json:"totalSigners,omitempty"`
	Owners       []string `json:"owners,omitempty"`
}

// Transaction is an escrow action awaiting threshold signatures.
type Transaction struct {
	ID          string     `json:"id"`
	EscrowID    string     `json:"escrowId"`
	MilestoneID string     `json:"milestoneId,omitempty"`
	Wallet      string     `json:"wallet"`
	Provider    string     `json:"provider"`
	Intent      Intent     `json:"intent"`
	Threshold   int        `json:"threshold"`
	Signers     []string   `json:"signers"`
	Signatures  []string   `json:"signatures"`
	Status      Status     `json:"status"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ExecutedAt  *time.Time `json:"executedAt,omitempty"`
}

// Ready reports whether enough owners have signed.
func (t *Transaction) Ready() bool {
	return len(t.Signatures) >= t.Threshold
}

// IsSigner reports whether wallet is one of the owners.
func (t *Transaction) IsSigner(wallet string) bool {
	return slices.Contains(t.Signers, wallet)
}

// HasSigned reports whether wallet has already signed.
func (t *Transaction) HasSigned(wallet string) bool {
	return slices.Contains(t.Signatures, wallet)
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Signers = append([]string(nil), t.Signers...)
	cp.Signatures = append([]string(nil), t.Signatures...)
	if t.ExecutedAt != nil {
		at := *t.ExecutedAt
		cp.ExecutedAt = &at
	}
	return &cp
}

// Request asks for an escrow action by a party wallet.
type Request struct {
	EscrowID    string
	MilestoneID string
	Wallet      string
	Intent      Intent
	ExpiresAt   time.Time
}

// Executor applies a transaction's intent once its threshold is reached.
// The escrow service implements it.
type Executor interface {
	ExecuteMultiSig(ctx context.Context, tx *Transaction) error
}
