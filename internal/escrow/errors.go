package escrow

import (
	"github.com/mbd888/escrowd/internal/errs"
)

var (
	ErrEscrowNotFound       = errs.NotFound("escrow_not_found", "escrow not found")
	ErrMilestoneNotFound    = errs.NotFound("milestone_not_found", "milestone not found")
	ErrDisputeNotFound      = errs.NotFound("dispute_not_found", "dispute not found")
	ErrCancellationNotFound = errs.NotFound("cancellation_not_found", "cancellation request not found")
	ErrAdminActionNotFound  = errs.NotFound("admin_action_not_found", "admin action not found")
	ErrTransferNotFound     = errs.NotFound("transfer_not_found", "transfer not found")

	ErrVersionConflict      = errs.Conflict("version_changed", "escrow was modified concurrently, retry")
	ErrMilestoneConflict    = errs.Conflict("milestone_version_changed", "milestone was modified concurrently, retry")
	ErrDisputeConflict      = errs.Conflict("dispute_version_changed", "dispute was modified concurrently, retry")
	ErrCancellationConflict = errs.Conflict("cancellation_version_changed", "cancellation request was modified concurrently, retry")
	ErrTransferConflict     = errs.Conflict("transfer_claimed", "transfer leg was claimed by another settlement attempt")

	ErrTerminal            = errs.State("escrow_terminal", "escrow is already settled")
	ErrDisputed            = errs.State("escrow_disputed", "escrow is frozen by an active dispute")
	ErrReleasing           = errs.State("escrow_releasing", "a settlement is already in progress")
	ErrNotParty            = errs.Unauthorized("not_a_party", "wallet is neither buyer nor seller of this escrow")
	ErrAdminRequired       = errs.Unauthorized("admin_required", "admin privileges required")
	ErrActiveDispute       = errs.State("dispute_already_active", "an open dispute already exists for this escrow")
	ErrPendingCancellation = errs.State("cancellation_already_pending", "a cancellation request is already pending")
	ErrDuplicateReference  = errs.Conflict("transfer_reference_exists", "transfer already recorded")
)
