// Package escrow implements custodial settlement for on-chain payments.
//
// Funds sit in a per-escrow custody keypair until the contract settles:
//  1. Create → fresh custody wallet, status created
//  2. Deposits observed on-chain → buyer_deposited / seller_deposited → fully_funded (or active)
//  3. Both parties confirm, or the buyer approves each milestone → funds released to the seller
//  4. A party disputes → frozen until an admin resolves or closes the dispute
//  5. Expiry → timeout policy refunds or releases
//
// Every status change is a compare-and-swap on the contract's version, and
// every ledger movement goes through the releasing marker in settlement.go.
package escrow

import (
	"time"

	"github.com/mbd888/escrowd/internal/amount"
	"github.com/mbd888/escrowd/internal/multisig"
)

// Type is the agreement shape of an escrow.
type Type string

const (
	TypeTraditional Type = "traditional"  // buyer pays, seller optionally posts security
	TypeSimpleBuyer Type = "simple_buyer" // buyer pays, released per milestone
	TypeAtomicSwap  Type = "atomic_swap"  // both sides deposit, exchanged together
)

// Valid reports whether t is a known escrow type.
func (t Type) Valid() bool {
	switch t {
	case TypeTraditional, TypeSimpleBuyer, TypeAtomicSwap:
		return true
	}
	return false
}

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated         Status = "created"
	StatusBuyerDeposited  Status = "buyer_deposited"
	StatusSellerDeposited Status = "seller_deposited"
	StatusFullyFunded     Status = "fully_funded"
	StatusActive          Status = "active"    // simple_buyer, funded
	StatusReleasing       Status = "releasing" // ledger legs in flight
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
)

// Terminal reports whether no further mutation is accepted.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Party is the role a wallet plays in an escrow.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
)

// Escrow is one custodial agreement.
type Escrow struct {
	ID                  string       `json:"id"`
	Type                Type         `json:"escrowType"`
	BuyerWallet         string       `json:"buyerWallet"`
	SellerWallet        string       `json:"sellerWallet"`
	BuyerAmount         amount.Units `json:"buyerAmount"`
	SellerAmount        amount.Units `json:"sellerAmount"` // zero when the seller posts nothing
	Token               string       `json:"token"`
	SellerToken         string       `json:"sellerToken,omitempty"` // atomic swap only
	Status              Status       `json:"status"`
	Description         string       `json:"description,omitempty"`
	CustodyAddress      string       `json:"custodyAddress"`
	CustodySecret       string       `json:"-"`
	BuyerDeposited      bool         `json:"buyerDeposited"`
	SellerDeposited     bool         `json:"sellerDeposited"`
	BuyerDepositAmount  amount.Units `json:"buyerDepositAmount"`
	SellerDepositAmount amount.Units `json:"sellerDepositAmount"`
	BuyerConfirmed      bool         `json:"buyerConfirmed"`
	SellerConfirmed     bool         `json:"sellerConfirmed"`
	PendingAction       string       `json:"pendingAction,omitempty"`
	PriorStatus         Status       `json:"priorStatus,omitempty"`
	Resolution          string       `json:"resolution,omitempty"`
	Version             int64        `json:"version"`
	CreatedAt           time.Time    `json:"createdAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	ExpiresAt           time.Time    `json:"expiresAt"`
	FundedAt            *time.Time   `json:"fundedAt,omitempty"`
	CompletedAt         *time.Time   `json:"completedAt,omitempty"`
}

// PartyOf returns the role wallet plays, or false if it is neither party.
func (e *Escrow) PartyOf(wallet string) (Party, bool) {
	switch wallet {
	case e.BuyerWallet:
		return PartyBuyer, true
	case e.SellerWallet:
		return PartySeller, true
	}
	return "", false
}

// Counterparty returns the wallet on the other side of p.
func (e *Escrow) Counterparty(p Party) string {
	if p == PartyBuyer {
		return e.SellerWallet
	}
	return e.BuyerWallet
}

// SellerDepositToken is the token the seller deposits in.
func (e *Escrow) SellerDepositToken() string {
	if e.Type == TypeAtomicSwap && e.SellerToken != "" {
		return e.SellerToken
	}
	return e.Token
}

// RequiresSellerDeposit reports whether funding needs a seller deposit.
func (e *Escrow) RequiresSellerDeposit() bool {
	switch e.Type {
	case TypeAtomicSwap:
		return true
	case TypeTraditional:
		return e.SellerAmount.IsPositive()
	}
	return false
}

// Funded reports whether every required deposit has been recorded.
func (e *Escrow) Funded() bool {
	return e.BuyerDeposited && (e.SellerDeposited || !e.RequiresSellerDeposit())
}

// HasDeposits reports whether anything has been deposited.
func (e *Escrow) HasDeposits() bool {
	return e.BuyerDeposited || e.SellerDeposited
}

// Deposited reports whether p has deposited.
func (e *Escrow) Deposited(p Party) bool {
	if p == PartyBuyer {
		return e.BuyerDeposited
	}
	return e.SellerDeposited
}

// Expected is the amount p must deposit.
func (e *Escrow) Expected(p Party) amount.Units {
	if p == PartySeller {
		return e.SellerAmount
	}
	return e.BuyerAmount
}

// Attribution credits part of a custody balance to a party that has not
// deposited.
type Attribution struct {
	Party  Party
	Amount amount.Units
}

// Attribute splits available, the custody balance in token that recorded
// deposits do not account for, across the parties still owing a deposit in
// token. The buyer is credited first up to its amount and the last open
// party keeps the rest. A balance equal to the seller's security but not to
// the buyer's amount belongs to the seller.
func (e *Escrow) Attribute(token string, available amount.Units) []Attribution {
	var open []Party
	if !e.BuyerDeposited && e.Token == token {
		open = append(open, PartyBuyer)
	}
	if e.RequiresSellerDeposit() && !e.SellerDeposited && e.SellerDepositToken() == token {
		open = append(open, PartySeller)
	}
	if available.Sign() < 0 {
		available = amount.Zero
	}
	if len(open) == 2 && available.Equal(e.SellerAmount) && !available.Equal(e.BuyerAmount) {
		open[0], open[1] = PartySeller, PartyBuyer
	}

	out := make([]Attribution, 0, len(open))
	for i, p := range open {
		share := e.Expected(p)
		if i == len(open)-1 || available.LessThan(share) {
			share = available
		}
		available = available.Sub(share)
		out = append(out, Attribution{Party: p, Amount: share})
	}
	return out
}

func (e *Escrow) clone() *Escrow {
	cp := *e
	if e.FundedAt != nil {
		t := *e.FundedAt
		cp.FundedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// MilestoneStatus represents the state of a milestone.
type MilestoneStatus string

const (
	MilestonePending       MilestoneStatus = "pending"
	MilestoneWorkSubmitted MilestoneStatus = "work_submitted"
	MilestoneApproved      MilestoneStatus = "approved"
	MilestoneDisputed      MilestoneStatus = "disputed"
	MilestoneReleased      MilestoneStatus = "released"
	MilestoneCancelled     MilestoneStatus = "cancelled"
)

// Terminal reports whether the milestone is settled.
func (s MilestoneStatus) Terminal() bool {
	return s == MilestoneReleased || s == MilestoneCancelled
}

// Milestone is one tranche of a simple_buyer escrow.
type Milestone struct {
	ID                 string          `json:"id"`
	EscrowID           string          `json:"escrowId"`
	Description        string          `json:"description"`
	Percentage         string          `json:"percentage"`
	BasisPoints        int64           `json:"basisPoints"`
	Amount             amount.Units    `json:"amount"`
	Status             MilestoneStatus `json:"status"`
	Order              int             `json:"milestoneOrder"`
	SellerNotes        string          `json:"sellerNotes,omitempty"`
	SellerEvidenceURLs []string        `json:"sellerEvidenceUrls,omitempty"`
	SellerSubmittedAt  *time.Time      `json:"sellerSubmittedAt,omitempty"`
	ReleasedAt         *time.Time      `json:"releasedAt,omitempty"`
	SettledBy          string          `json:"settledBy,omitempty"` // action that released or cancelled it
	Version            int64           `json:"version"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

func (m *Milestone) clone() *Milestone {
	cp := *m
	cp.SellerEvidenceURLs = append([]string(nil), m.SellerEvidenceURLs...)
	if m.SellerSubmittedAt != nil {
		t := *m.SellerSubmittedAt
		cp.SellerSubmittedAt = &t
	}
	if m.ReleasedAt != nil {
		t := *m.ReleasedAt
		cp.ReleasedAt = &t
	}
	return &cp
}

// DisputeStatus represents the state of a dispute.
type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeClosed      DisputeStatus = "closed"
)

// Active reports whether the dispute still blocks the escrow.
func (s DisputeStatus) Active() bool {
	return s == DisputeOpen || s == DisputeUnderReview
}

// Priority is the triage priority of a dispute.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Dispute is a party's challenge to an escrow or one of its milestones.
type Dispute struct {
	ID                   string          `json:"id"`
	EscrowID             string          `json:"escrowId"`
	MilestoneID          string          `json:"milestoneId,omitempty"`
	RaisedBy             string          `json:"raisedBy"`
	PartyRole            Party           `json:"partyRole"`
	Reason               string          `json:"reason"`
	Description          string          `json:"description"`
	Status               DisputeStatus   `json:"status"`
	Priority             Priority        `json:"priority"`
	EscrowPriorStatus    Status          `json:"escrowPriorStatus"`
	MilestonePriorStatus MilestoneStatus `json:"milestonePriorStatus,omitempty"`
	Resolution           string          `json:"resolution,omitempty"`
	ResolvedBy           string          `json:"resolvedBy,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
	ResolvedAt           *time.Time      `json:"resolvedAt,omitempty"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// EvidenceType classifies submitted evidence.
type EvidenceType string

const (
	EvidenceText       EvidenceType = "text"
	EvidenceImage      EvidenceType = "image"
	EvidenceDocument   EvidenceType = "document"
	EvidenceLink       EvidenceType = "link"
	EvidenceScreenshot EvidenceType = "screenshot"
)

// NeedsFile reports whether the type carries a file reference rather than
// inline content.
func (t EvidenceType) NeedsFile() bool {
	return t == EvidenceImage || t == EvidenceDocument || t == EvidenceScreenshot
}

// Valid reports whether t is a known evidence type.
func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceText, EvidenceImage, EvidenceDocument, EvidenceLink, EvidenceScreenshot:
		return true
	}
	return false
}

// Evidence is an append-only submission by a party.
type Evidence struct {
	ID           string       `json:"id"`
	EscrowID     string       `json:"escrowId"`
	DisputeID    string       `json:"disputeId,omitempty"`
	MilestoneID  string       `json:"milestoneId,omitempty"`
	SubmittedBy  string       `json:"submittedBy"`
	PartyRole    Party        `json:"partyRole"`
	EvidenceType EvidenceType `json:"evidenceType"`
	Content      string       `json:"content,omitempty"`
	FileURL      string       `json:"fileUrl,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Decision is an admin's ruling on a dispute.
type Decision string

const (
	DecisionRelease Decision = "release_to_seller"
	DecisionRefund  Decision = "refund_to_buyer"
	DecisionSplit   Decision = "split"
	DecisionClose   Decision = "close"
)

// AdminAction is the write-once audit record of a privileged decision.
type AdminAction struct {
	ID          string       `json:"id"`
	EscrowID    string       `json:"escrowId"`
	DisputeID   string       `json:"disputeId,omitempty"`
	MilestoneID string       `json:"milestoneId,omitempty"`
	AdminWallet string       `json:"adminWallet"`
	Action      string       `json:"action"`
	Decision    Decision     `json:"decision,omitempty"`
	Notes       string       `json:"notes"`
	SplitSeller amount.Units `json:"splitSellerAmount"`
	SplitBuyer  amount.Units `json:"splitBuyerAmount"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// CancellationStatus represents the state of a cancellation request.
type CancellationStatus string

const (
	CancellationPending  CancellationStatus = "pending"
	CancellationApproved CancellationStatus = "approved"
	CancellationExecuted CancellationStatus = "executed"
	CancellationRejected CancellationStatus = "rejected"
)

// CancellationRequest is one party's proposal to abandon an escrow.
type CancellationRequest struct {
	ID              string             `json:"id"`
	EscrowID        string             `json:"escrowId"`
	RequestorWallet string             `json:"requestorWallet"`
	Reason          string             `json:"reason"`
	Status          CancellationStatus `json:"status"`
	Approvals       []string           `json:"approvals"`
	Version         int64              `json:"version"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
	ExecutedAt      *time.Time         `json:"executedAt,omitempty"`
}

func (c *CancellationRequest) clone() *CancellationRequest {
	cp := *c
	cp.Approvals = append([]string(nil), c.Approvals...)
	if c.ExecutedAt != nil {
		t := *c.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// TransferKind labels a settlement leg.
type TransferKind string

const (
	TransferRelease     TransferKind = "release"
	TransferRefund      TransferKind = "refund"
	TransferFee         TransferKind = "fee"
	TransferExcess      TransferKind = "excess"
	TransferSwapBuyer   TransferKind = "swap_buyer"
	TransferSwapSeller  TransferKind = "swap_seller"
	TransferSplitSeller TransferKind = "split_seller"
	TransferSplitBuyer  TransferKind = "split_buyer"
)

// TransferStatus tracks one leg through the ledger.
type TransferStatus string

const (
	TransferPlanned   TransferStatus = "planned"
	TransferSubmitted TransferStatus = "submitted"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Transfer is one ledger leg of a settlement. Reference is unique and makes
// repeated settlement attempts idempotent.
type Transfer struct {
	ID          string         `json:"id"`
	EscrowID    string         `json:"escrowId"`
	MilestoneID string         `json:"milestoneId,omitempty"`
	Reference   string         `json:"reference"`
	Leg         int            `json:"leg"`
	Kind        TransferKind   `json:"kind"`
	ToWallet    string         `json:"toWallet"`
	Token       string         `json:"token"`
	Amount      amount.Units   `json:"amount"`
	Signature   string         `json:"signature,omitempty"`
	RawTx       []byte         `json:"-"` // signed payload, resent until it lands
	Status      TransferStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (t *Transfer) clone() *Transfer {
	cp := *t
	cp.RawTx = append([]byte(nil), t.RawTx...)
	return &cp
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Type         Type               `json:"escrowType"`
	BuyerWallet  string             `json:"buyerWallet"`
	SellerWallet string             `json:"sellerWallet"`
	BuyerAmount  string             `json:"buyerAmount"`  // decimal, in token units
	SellerAmount string             `json:"sellerAmount"` // decimal, optional
	Token        string             `json:"token"`
	SellerToken  string             `json:"sellerToken"`
	Description  string             `json:"description"`
	TimeoutHours int                `json:"timeoutHours"`
	Milestones   []MilestoneRequest `json:"milestones"`
}

// MilestoneRequest describes one milestone at creation.
type MilestoneRequest struct {
	Description string `json:"description"`
	Percentage  string `json:"percentage"`
}

// SubmitWorkRequest carries the seller's delivery notes.
type SubmitWorkRequest struct {
	Notes        string   `json:"notes"`
	EvidenceURLs []string `json:"evidenceUrls"`
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	MilestoneID string `json:"milestoneId"`
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

// EvidenceRequest contains one evidence submission.
type EvidenceRequest struct {
	DisputeID    string       `json:"disputeId"`
	MilestoneID  string       `json:"milestoneId"`
	EvidenceType EvidenceType `json:"evidenceType"`
	Content      string       `json:"content"`
	FileURL      string       `json:"fileUrl"`
}

// ResolveRequest is an admin's dispute ruling.
type ResolveRequest struct {
	Decision     Decision `json:"decision"`
	Notes        string   `json:"notes"`
	SellerAmount string   `json:"sellerAmount"` // split only, smallest units
	BuyerAmount  string   `json:"buyerAmount"`  // split only, smallest units
}

// Outcome is the result of an action a multi-sig party may have to co-sign.
// When MultiSig is set the action is pending signatures and Escrow is
// unchanged.
type Outcome struct {
	Escrow    *Escrow               `json:"escrow"`
	Milestone *Milestone            `json:"milestone,omitempty"`
	MultiSig  *multisig.Transaction `json:"multisig,omitempty"`
}
