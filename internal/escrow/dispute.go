package escrow

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// MinDisputeDescription is the minimum dispute description length in
// characters.
const MinDisputeDescription = 20

// RaiseDispute freezes an escrow, or one of its milestones, pending an
// admin ruling.
func (s *Service) RaiseDispute(ctx context.Context, id, wallet string, req DisputeRequest) (_ *Dispute, err error) {
	ctx = logging.With(ctx, "escrowId", id)
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.EscrowID(id), traces.Wallet(wallet))
	defer func() { traces.End(span, err) }()

	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	party, ok := e.PartyOf(wallet)
	if !ok {
		return nil, ErrNotParty
	}

	reason := strings.TrimSpace(req.Reason)
	desc := strings.TrimSpace(req.Description)
	if verrs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, 200),
		validation.MaxLength("description", desc, 5000),
	); len(verrs) > 0 {
		return nil, verrs.Err()
	}
	if utf8.RuneCountInString(desc) < MinDisputeDescription {
		return nil, errs.Validation("description_too_short", "dispute description must be at least 20 characters")
	}

	switch {
	case e.Status == StatusDisputed:
		return nil, ErrActiveDispute
	case e.Status == StatusReleasing:
		return nil, ErrReleasing
	case e.Status.Terminal():
		return nil, ErrTerminal
	}

	var m *Milestone
	if req.MilestoneID != "" {
		if e.Type != TypeSimpleBuyer {
			return nil, errs.State("milestones_not_applicable", "only simple_buyer escrows have milestones")
		}
		if m, err = s.store.GetMilestone(ctx, req.MilestoneID); err != nil {
			return nil, err
		}
		if m.EscrowID != e.ID {
			return nil, ErrMilestoneNotFound
		}
		if m.Status.Terminal() {
			return nil, errs.State("milestone_settled", "a settled milestone cannot be disputed")
		}
	}

	now := s.now()
	d := &Dispute{
		ID:                idgen.WithPrefix(idgen.PrefixDispute),
		EscrowID:          e.ID,
		MilestoneID:       req.MilestoneID,
		RaisedBy:          wallet,
		PartyRole:         party,
		Reason:            validation.SanitizeString(reason, 200),
		Description:       validation.SanitizeString(desc, 5000),
		Status:            DisputeOpen,
		Priority:          PriorityNormal,
		EscrowPriorStatus: e.Status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if m != nil {
		d.MilestonePriorStatus = m.Status
	}
	// The store rejects a second active dispute, which fences two parties
	// disputing at once.
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	next := e.clone()
	next.Status = StatusDisputed
	next.UpdatedAt = now
	if err := s.store.UpdateEscrow(ctx, next); err != nil {
		s.abandonDispute(ctx, d)
		return nil, err
	}
	if m != nil {
		if err := s.freezeMilestone(ctx, d, now); err != nil {
			logging.L(ctx).Warn("failed to mark milestone disputed, dispute withdrawn", "milestoneId", m.ID, "error", err)
			s.unfreeze(ctx, next, e.Status)
			s.abandonDispute(ctx, d)
			return nil, err
		}
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	logging.L(ctx).Info("dispute raised", "disputeId", d.ID, "party", party, "milestoneId", d.MilestoneID)
	s.notify(next, notify.EventDisputeOpened, map[string]any{
		"disputeId": d.ID, "raisedBy": wallet, "counterparty": e.Counterparty(party), "milestoneId": d.MilestoneID,
	})
	return d, nil
}

// freezeMilestone marks d's milestone disputed. A concurrent change to the
// milestone is re-read and the update retried.
func (s *Service) freezeMilestone(ctx context.Context, d *Dispute, now time.Time) error {
	for attempt := 1; ; attempt++ {
		m, err := s.store.GetMilestone(ctx, d.MilestoneID)
		if err != nil {
			return err
		}
		if m.Status.Terminal() {
			return errs.State("milestone_settled", "a settled milestone cannot be disputed")
		}
		prior := m.Status
		m.Status = MilestoneDisputed
		m.UpdatedAt = now
		err = s.store.UpdateMilestone(ctx, m)
		if errors.Is(err, ErrMilestoneConflict) && attempt < 3 {
			continue
		}
		if err != nil {
			return err
		}
		if prior != d.MilestonePriorStatus {
			d.MilestonePriorStatus = prior
			d.UpdatedAt = now
			if err := s.store.UpdateDispute(ctx, d); err != nil {
				logging.L(ctx).Error("failed to record milestone prior status", "disputeId", d.ID, "error", err)
			}
		}
		return nil
	}
}

// unfreeze returns an escrow frozen by a dispute that could not be opened
// to its prior status.
func (s *Service) unfreeze(ctx context.Context, frozen *Escrow, prior Status) {
	back := frozen.clone()
	back.Status = prior
	back.UpdatedAt = s.now()
	if err := s.store.UpdateEscrow(ctx, back); err != nil {
		logging.L(ctx).Error("failed to unfreeze escrow", "status", prior, "error", err)
	}
}

// abandonDispute closes a dispute whose escrow could not be frozen.
func (s *Service) abandonDispute(ctx context.Context, d *Dispute) {
	now := s.now()
	d.Status = DisputeClosed
	d.Resolution = "escrow_changed"
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		logging.L(ctx).Error("failed to close orphaned dispute", "disputeId", d.ID, "error", err)
	}
}

// GetDispute returns a dispute if wallet is a party or an admin.
func (s *Service) GetDispute(ctx context.Context, disputeID, wallet string) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorizeViewer(ctx, d.EscrowID, wallet); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDisputes returns an escrow's disputes, oldest first.
func (s *Service) ListDisputes(ctx context.Context, id, wallet string) ([]*Dispute, error) {
	if _, err := s.authorizeViewer(ctx, id, wallet); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, id)
}

// authorizeViewer admits the escrow's parties and admins.
func (s *Service) authorizeViewer(ctx context.Context, id, wallet string) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	if _, ok := e.PartyOf(wallet); !ok && !s.isAdmin(wallet) {
		return nil, ErrNotParty
	}
	return e, nil
}
