package multisig

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// DefaultWindow is how long a transaction collects signatures when the
// request has no expiry of its own.
const DefaultWindow = 72 * time.Hour

// Service gates escrow actions by multi-sig party wallets.
type Service struct {
	store    Store
	detector *Detector
	executor Executor
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a multi-sig service.
func NewService(store Store, detector *Detector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, detector: detector, logger: logger, now: time.Now}
}

// SetExecutor installs the executor applied at threshold. It is set after
// construction because the escrow service depends on this one.
func (s *Service) SetExecutor(e Executor) {
	s.executor = e
}

// Detect implements detect(wallet).
func (s *Service) Detect(ctx context.Context, wallet string) (Info, error) {
	return s.detector.Detect(ctx, wallet)
}

// Get returns a transaction.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// Gate returns the pending transaction req must wait on, or nil when the
// wallet is not a multi-sig and the action may proceed directly. Repeating
// a request returns the already pending transaction.
func (s *Service) Gate(ctx context.Context, req Request) (*Transaction, error) {
	wallet := strings.ToLower(req.Wallet)
	info, err := s.detector.Detect(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if !info.IsMultiSig {
		return nil, nil
	}

	existing, err := s.store.FindPending(ctx, req.EscrowID, req.MilestoneID, wallet, req.Intent)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	expires := req.ExpiresAt
	if expires.IsZero() || !expires.After(now) {
		expires = now.Add(DefaultWindow)
	}
	tx := &Transaction{
		ID:          idgen.WithPrefix(idgen.PrefixMultiSig),
		EscrowID:    req.EscrowID,
		MilestoneID: req.MilestoneID,
		Wallet:      wallet,
		Provider:    info.Provider,
		Intent:      req.Intent,
		Threshold:   info.Threshold,
		Signers:     info.Owners,
		Signatures:  []string{},
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expires,
	}
	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	metrics.MultiSigTotal.WithLabelValues("created").Inc()
	logging.L(ctx).Info("multi-sig approval pending",
		"txId", tx.ID, "escrowId", tx.EscrowID, "wallet", wallet, "threshold", tx.Threshold)
	return tx, nil
}

// CanSign implements canSign(txId, wallet).
func (s *Service) CanSign(ctx context.Context, txID, wallet string) (bool, error) {
	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return false, err
	}
	wallet = strings.ToLower(wallet)
	return tx.Status == StatusPending && s.now().Before(tx.ExpiresAt) &&
		tx.IsSigner(wallet) && !tx.HasSigned(wallet), nil
}

// RecordSignature implements recordSignature(txId, signer). The signature
// that reaches the threshold executes the intent.
func (s *Service) RecordSignature(ctx context.Context, txID, signer string) (_ *Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "multisig.RecordSignature", traces.Wallet(signer))
	defer func() { traces.End(span, err) }()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	signer = strings.ToLower(signer)

	switch {
	case tx.Status != StatusPending:
		return nil, ErrNotPending
	case !s.now().Before(tx.ExpiresAt):
		return nil, ErrExpired
	case !tx.IsSigner(signer):
		return nil, ErrNotOwner
	case tx.HasSigned(signer):
		return nil, ErrDuplicate
	}

	tx.Signatures = append(tx.Signatures, signer)
	if err := s.store.Update(ctx, tx); err != nil {
		return nil, err
	}
	metrics.MultiSigTotal.WithLabelValues("signed").Inc()

	if !tx.Ready() {
		return tx, nil
	}
	if err := s.execute(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

func (s *Service) execute(ctx context.Context, tx *Transaction) error {
	if s.executor == nil {
		return errs.New(errs.KindInternal, "multisig_executor_missing", "no multi-sig executor configured")
	}
	if err := s.executor.ExecuteMultiSig(ctx, tx); err != nil {
		logging.L(ctx).Warn("multi-sig execution failed, will retry",
			"txId", tx.ID, "escrowId", tx.EscrowID, "error", err)
		return err
	}

	now := s.now()
	tx.Status = StatusExecuted
	tx.ExecutedAt = &now
	if err := s.store.Update(ctx, tx); err != nil {
		return err
	}
	metrics.MultiSigTotal.WithLabelValues("executed").Inc()
	logging.L(ctx).Info("multi-sig executed", "txId", tx.ID, "escrowId", tx.EscrowID, "intent", tx.Intent)
	return nil
}

// Sweep abandons expired transactions and retries execution of those
// whose threshold was reached but whose intent failed to apply.
func (s *Service) Sweep(ctx context.Context) (abandoned, executed int, err error) {
	pending, err := s.store.ListPending(ctx, 100)
	if err != nil {
		return 0, 0, err
	}
	now := s.now()
	for _, tx := range pending {
		switch {
		case tx.Ready():
			if err := s.execute(ctx, tx); err == nil {
				executed++
			}
		case !now.Before(tx.ExpiresAt):
			tx.Status = StatusAbandoned
			if err := s.store.Update(ctx, tx); err != nil {
				s.logger.Warn("failed to abandon multi-sig transaction", "txId", tx.ID, "error", err)
				continue
			}
			metrics.MultiSigTotal.WithLabelValues("abandoned").Inc()
			s.logger.Info("multi-sig transaction abandoned", "txId", tx.ID, "escrowId", tx.EscrowID)
			abandoned++
		}
	}
	return abandoned, executed, nil
}
