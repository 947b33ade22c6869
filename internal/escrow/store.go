package escrow

import (
	"context"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// Store persists escrows and their child records. Every Update* is a
// compare-and-swap: it writes only if the stored version still equals the
// argument's Version, then advances the argument's Version. A lost race
// returns the entity's conflict error.
type Store interface {
	// CreateEscrow persists an escrow together with its milestones.
	CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	// ListByWallet returns escrows where wallet is buyer or seller, newest
	// first, strictly after cursor.
	ListByWallet(ctx context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error)
	// ListAwaitingDeposits returns escrows still collecting deposits, plus
	// funded atomic swaps whose exchange has not run.
	ListAwaitingDeposits(ctx context.Context, limit int) ([]*Escrow, error)
	// ListExpired returns non-terminal escrows past expiry that are neither
	// disputed nor releasing.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	// ListStaleReleasing returns escrows marked releasing since before.
	ListStaleReleasing(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	UpdateMilestone(ctx context.Context, m *Milestone) error

	// CreateDispute fails with ErrActiveDispute when the escrow already has
	// an open or under_review dispute.
	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
	ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error)
	ActiveDispute(ctx context.Context, escrowID string) (*Dispute, error)

	CreateEvidence(ctx context.Context, ev *Evidence) error
	ListEvidence(ctx context.Context, escrowID string) ([]*Evidence, error)

	CreateAdminAction(ctx context.Context, a *AdminAction) error
	GetAdminAction(ctx context.Context, id string) (*AdminAction, error)
	ListAdminActions(ctx context.Context, escrowID string) ([]*AdminAction, error)

	// CreateCancellation fails with ErrPendingCancellation when the escrow
	// already has a pending or approved request.
	CreateCancellation(ctx context.Context, c *CancellationRequest) error
	GetCancellation(ctx context.Context, id string) (*CancellationRequest, error)
	UpdateCancellation(ctx context.Context, c *CancellationRequest) error

	// CreateTransfer fails with ErrDuplicateReference when the reference
	// is already recorded.
	CreateTransfer(ctx context.Context, t *Transfer) error
	// ListTransfers returns the escrow's transfers whose reference starts
	// with prefix, in leg order.
	ListTransfers(ctx context.Context, escrowID, prefix string) ([]*Transfer, error)
	// UpdateTransfer writes t only if the stored status still equals from,
	// so two settlement drivers can never both claim a leg.
	UpdateTransfer(ctx context.Context, t *Transfer, from TransferStatus) error
}

func awaitingDeposits(e *Escrow) bool {
	switch e.Status {
	case StatusCreated, StatusBuyerDeposited, StatusSellerDeposited:
		return true
	case StatusFullyFunded:
		return e.Type == TypeAtomicSwap
	}
	return false
}
