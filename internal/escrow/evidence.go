package escrow

import (
	"context"
	"strings"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/validation"
)

// SubmitEvidence appends evidence from a party. Evidence is never edited
// or removed.
func (s *Service) SubmitEvidence(ctx context.Context, id, wallet string, req EvidenceRequest) (*Evidence, error) {
	ctx = logging.With(ctx, "escrowId", id)
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	wallet = validation.NormalizeAddress(wallet)
	party, ok := e.PartyOf(wallet)
	if !ok {
		return nil, ErrNotParty
	}
	if !req.EvidenceType.Valid() {
		return nil, errs.Validation("invalid_evidence_type", "evidenceType must be text, image, document, link or screenshot")
	}

	content := strings.TrimSpace(req.Content)
	if req.EvidenceType.NeedsFile() {
		if verrs := validation.Validate(
			validation.Required("file_url", req.FileURL),
			validation.ValidURL("file_url", req.FileURL),
		); len(verrs) > 0 {
			return nil, verrs.Err()
		}
	} else if verrs := validation.Validate(
		validation.Required("content", content),
		validation.MaxLength("content", content, 10000),
	); len(verrs) > 0 {
		return nil, verrs.Err()
	}
	if req.EvidenceType == EvidenceLink {
		if verr := validation.ValidURL("content", content)(); verr != nil {
			return nil, validation.ValidationErrors{*verr}.Err()
		}
	}

	if req.DisputeID != "" {
		d, err := s.store.GetDispute(ctx, req.DisputeID)
		if err != nil {
			return nil, err
		}
		if d.EscrowID != e.ID {
			return nil, ErrDisputeNotFound
		}
	}
	if req.MilestoneID != "" {
		m, err := s.store.GetMilestone(ctx, req.MilestoneID)
		if err != nil {
			return nil, err
		}
		if m.EscrowID != e.ID {
			return nil, ErrMilestoneNotFound
		}
	}

	ev := &Evidence{
		ID:           idgen.WithPrefix(idgen.PrefixEvidence),
		EscrowID:     e.ID,
		DisputeID:    req.DisputeID,
		MilestoneID:  req.MilestoneID,
		SubmittedBy:  wallet,
		PartyRole:    party,
		EvidenceType: req.EvidenceType,
		Content:      validation.SanitizeString(content, 10000),
		FileURL:      req.FileURL,
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateEvidence(ctx, ev); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("evidence submitted", "evidenceId", ev.ID, "type", ev.EvidenceType, "disputeId", ev.DisputeID)
	s.notify(e, notify.EventEvidenceSubmitted, map[string]any{
		"evidenceId": ev.ID, "disputeId": ev.DisputeID, "submittedBy": wallet,
	})
	return ev, nil
}

// ListEvidence returns an escrow's evidence to its parties and admins.
func (s *Service) ListEvidence(ctx context.Context, id, wallet string) ([]*Evidence, error) {
	if _, err := s.authorizeViewer(ctx, id, wallet); err != nil {
		return nil, err
	}
	return s.store.ListEvidence(ctx, id)
}
