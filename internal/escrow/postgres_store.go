package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/escrowd/internal/pagination"
)

// Unique indexes the store relies on as concurrency fences.
const (
	constraintActiveDispute    = "disputes_one_active_per_escrow"
	constraintOpenCancellation = "cancellations_one_open_per_escrow"
	constraintTransferRef      = "transfers_reference_key"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// uniqueViolation reports whether err is a unique violation of constraint.
func uniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == constraint
}

const escrowColumns = `id, escrow_type, buyer_wallet, seller_wallet, buyer_amount, seller_amount,
	token, seller_token, status, description, custody_address, custody_secret,
	buyer_deposited, seller_deposited, buyer_deposit_amount, seller_deposit_amount,
	buyer_confirmed, seller_confirmed, pending_action, prior_status, resolution,
	version, created_at, updated_at, expires_at, funded_at, completed_at`

const milestoneColumns = `id, escrow_id, description, percentage, basis_points, amount, status,
	milestone_order, seller_notes, seller_evidence_urls, seller_submitted_at, released_at,
	settled_by, version, created_at, updated_at`

func (p *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		e.ID, string(e.Type), e.BuyerWallet, e.SellerWallet, e.BuyerAmount, e.SellerAmount,
		e.Token, e.SellerToken, string(e.Status), e.Description, e.CustodyAddress, e.CustodySecret,
		e.BuyerDeposited, e.SellerDeposited, e.BuyerDepositAmount, e.SellerDepositAmount,
		e.BuyerConfirmed, e.SellerConfirmed, e.PendingAction, string(e.PriorStatus), e.Resolution,
		e.Version, e.CreatedAt, e.UpdatedAt, e.ExpiresAt, e.FundedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO milestones (`+milestoneColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			m.ID, m.EscrowID, m.Description, m.Percentage, m.BasisPoints, m.Amount, string(m.Status),
			m.Order, m.SellerNotes, pq.Array(m.SellerEvidenceURLs), m.SellerSubmittedAt, m.ReleasedAt,
			m.SettledBy, m.Version, m.CreatedAt, m.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEscrow(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, buyer_deposited = $2, seller_deposited = $3,
			buyer_deposit_amount = $4, seller_deposit_amount = $5,
			buyer_confirmed = $6, seller_confirmed = $7,
			pending_action = $8, prior_status = $9, resolution = $10,
			updated_at = $11, funded_at = $12, completed_at = $13,
			version = version + 1
		WHERE id = $14 AND version = $15`,
		string(e.Status), e.BuyerDeposited, e.SellerDeposited,
		e.BuyerDepositAmount, e.SellerDepositAmount,
		e.BuyerConfirmed, e.SellerConfirmed,
		e.PendingAction, string(e.PriorStatus), e.Resolution,
		e.UpdatedAt, e.FundedAt, e.CompletedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return err
	}
	if err := p.checkCAS(ctx, result, "escrows", e.ID, ErrEscrowNotFound, ErrVersionConflict); err != nil {
		return err
	}
	e.Version++
	return nil
}

// checkCAS turns a zero-row conditional update into notFound or conflict.
func (p *PostgresStore) checkCAS(ctx context.Context, result sql.Result, table, id string, notFound, conflict error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return conflict
}

func (p *PostgresStore) ListByWallet(ctx context.Context, wallet string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+` FROM escrows
			WHERE buyer_wallet = $1 OR seller_wallet = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, wallet, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+escrowColumns+` FROM escrows
			WHERE (buyer_wallet = $1 OR seller_wallet = $1)
			  AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, wallet, cursor.CreatedAt, cursor.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListAwaitingDeposits(ctx context.Context, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('created', 'buyer_deposited', 'seller_deposited')
		   OR (status = 'fully_funded' AND escrow_type = 'atomic_swap')
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status IN ('created', 'buyer_deposited', 'seller_deposited', 'fully_funded', 'active')
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

func (p *PostgresStore) ListStaleReleasing(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'releasing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEscrows(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		typ, status, prior string
		fundedAt           sql.NullTime
		completedAt        sql.NullTime
	)
	err := s.Scan(
		&e.ID, &typ, &e.BuyerWallet, &e.SellerWallet, &e.BuyerAmount, &e.SellerAmount,
		&e.Token, &e.SellerToken, &status, &e.Description, &e.CustodyAddress, &e.CustodySecret,
		&e.BuyerDeposited, &e.SellerDeposited, &e.BuyerDepositAmount, &e.SellerDepositAmount,
		&e.BuyerConfirmed, &e.SellerConfirmed, &e.PendingAction, &prior, &e.Resolution,
		&e.Version, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt, &fundedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = Type(typ)
	e.Status = Status(status)
	e.PriorStatus = Status(prior)
	if fundedAt.Valid {
		e.FundedAt = &fundedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE escrow_id = $1
		ORDER BY milestone_order ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE milestones SET
			status = $1, seller_notes = $2, seller_evidence_urls = $3,
			seller_submitted_at = $4, released_at = $5, settled_by = $6,
			updated_at = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		string(m.Status), m.SellerNotes, pq.Array(m.SellerEvidenceURLs),
		m.SellerSubmittedAt, m.ReleasedAt, m.SettledBy,
		m.UpdatedAt, m.ID, m.Version,
	)
	if err != nil {
		return err
	}
	if err := p.checkCAS(ctx, result, "milestones", m.ID, ErrMilestoneNotFound, ErrMilestoneConflict); err != nil {
		return err
	}
	m.Version++
	return nil
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status      string
		urls        []string
		submittedAt sql.NullTime
		releasedAt  sql.NullTime
	)
	err := s.Scan(
		&m.ID, &m.EscrowID, &m.Description, &m.Percentage, &m.BasisPoints, &m.Amount, &status,
		&m.Order, &m.SellerNotes, pq.Array(&urls), &submittedAt, &releasedAt,
		&m.SettledBy, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.SellerEvidenceURLs = urls
	if submittedAt.Valid {
		m.SellerSubmittedAt = &submittedAt.Time
	}
	if releasedAt.Valid {
		m.ReleasedAt = &releasedAt.Time
	}
	return m, nil
}

const disputeColumns = `id, escrow_id, milestone_id, raised_by, party_role, reason, description,
	status, priority, escrow_prior_status, milestone_prior_status, resolution, resolved_by,
	version, created_at, updated_at, resolved_at`

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.EscrowID, d.MilestoneID, d.RaisedBy, string(d.PartyRole), d.Reason, d.Description,
		string(d.Status), string(d.Priority), string(d.EscrowPriorStatus), string(d.MilestonePriorStatus),
		d.Resolution, d.ResolvedBy, d.Version, d.CreatedAt, d.UpdatedAt, d.ResolvedAt,
	)
	if uniqueViolation(err, constraintActiveDispute) {
		return ErrActiveDispute
	}
	return err
}

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, priority = $2, resolution = $3, resolved_by = $4,
			updated_at = $5, resolved_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`,
		string(d.Status), string(d.Priority), d.Resolution, d.ResolvedBy,
		d.UpdatedAt, d.ResolvedAt, d.ID, d.Version,
	)
	if err != nil {
		return err
	}
	if err := p.checkCAS(ctx, result, "disputes", d.ID, ErrDisputeNotFound, ErrDisputeConflict); err != nil {
		return err
	}
	d.Version++
	return nil
}

func (p *PostgresStore) ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status IN ('open', 'under_review')`, escrowID)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		role, status, priority string
		escrowPrior, msPrior   string
		resolvedAt             sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &d.MilestoneID, &d.RaisedBy, &role, &d.Reason, &d.Description,
		&status, &priority, &escrowPrior, &msPrior, &d.Resolution, &d.ResolvedBy,
		&d.Version, &d.CreatedAt, &d.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	d.PartyRole = Party(role)
	d.Status = DisputeStatus(status)
	d.Priority = Priority(priority)
	d.EscrowPriorStatus = Status(escrowPrior)
	d.MilestonePriorStatus = MilestoneStatus(msPrior)
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func (p *PostgresStore) CreateEvidence(ctx context.Context, ev *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO evidence (id, escrow_id, dispute_id, milestone_id, submitted_by, party_role,
			evidence_type, content, file_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.EscrowID, ev.DisputeID, ev.MilestoneID, ev.SubmittedBy, string(ev.PartyRole),
		string(ev.EvidenceType), ev.Content, ev.FileURL, ev.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, escrowID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, dispute_id, milestone_id, submitted_by, party_role,
		       evidence_type, content, file_url, created_at
		FROM evidence
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Evidence
	for rows.Next() {
		ev := &Evidence{}
		var role, typ string
		if err := rows.Scan(&ev.ID, &ev.EscrowID, &ev.DisputeID, &ev.MilestoneID, &ev.SubmittedBy, &role,
			&typ, &ev.Content, &ev.FileURL, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.PartyRole = Party(role)
		ev.EvidenceType = EvidenceType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

const adminActionColumns = `id, escrow_id, dispute_id, milestone_id, admin_wallet, action, decision,
	notes, split_seller_amount, split_buyer_amount, created_at`

func (p *PostgresStore) CreateAdminAction(ctx context.Context, a *AdminAction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_actions (`+adminActionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.EscrowID, a.DisputeID, a.MilestoneID, a.AdminWallet, a.Action, string(a.Decision),
		a.Notes, a.SplitSeller, a.SplitBuyer, a.CreatedAt,
	)
	return err
}

func (p *PostgresStore) GetAdminAction(ctx context.Context, id string) (*AdminAction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+adminActionColumns+` FROM admin_actions WHERE id = $1`, id)
	a, err := scanAdminAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdminActionNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAdminActions(ctx context.Context, escrowID string) ([]*AdminAction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+adminActionColumns+` FROM admin_actions
		WHERE escrow_id = $1
		ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AdminAction
	for rows.Next() {
		a, err := scanAdminAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdminAction(s scanner) (*AdminAction, error) {
	a := &AdminAction{}
	var decision string
	if err := s.Scan(&a.ID, &a.EscrowID, &a.DisputeID, &a.MilestoneID, &a.AdminWallet, &a.Action, &decision,
		&a.Notes, &a.SplitSeller, &a.SplitBuyer, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Decision = Decision(decision)
	return a, nil
}

const cancellationColumns = `id, escrow_id, requestor_wallet, reason, status, approvals,
	version, created_at, updated_at, executed_at`

func (p *PostgresStore) CreateCancellation(ctx context.Context, c *CancellationRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cancellation_requests (`+cancellationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.EscrowID, c.RequestorWallet, c.Reason, string(c.Status), pq.Array(c.Approvals),
		c.Version, c.CreatedAt, c.UpdatedAt, c.ExecutedAt,
	)
	if uniqueViolation(err, constraintOpenCancellation) {
		return ErrPendingCancellation
	}
	return err
}

func (p *PostgresStore) GetCancellation(ctx context.Context, id string) (*CancellationRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+cancellationColumns+` FROM cancellation_requests WHERE id = $1`, id)
	c := &CancellationRequest{}
	var (
		status     string
		approvals  []string
		executedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.EscrowID, &c.RequestorWallet, &c.Reason, &status, pq.Array(&approvals),
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &executedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCancellationNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Status = CancellationStatus(status)
	c.Approvals = approvals
	if executedAt.Valid {
		c.ExecutedAt = &executedAt.Time
	}
	return c, nil
}

func (p *PostgresStore) UpdateCancellation(ctx context.Context, c *CancellationRequest) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cancellation_requests SET
			status = $1, approvals = $2, updated_at = $3, executed_at = $4,
			version = version + 1
		WHERE id = $5 AND version = $6`,
		string(c.Status), pq.Array(c.Approvals), c.UpdatedAt, c.ExecutedAt, c.ID, c.Version,
	)
	if err != nil {
		return err
	}
	if err := p.checkCAS(ctx, result, "cancellation_requests", c.ID, ErrCancellationNotFound, ErrCancellationConflict); err != nil {
		return err
	}
	c.Version++
	return nil
}

const transferColumns = `id, escrow_id, milestone_id, reference, leg, kind, to_wallet, token,
	amount, signature, raw_tx, status, created_at, updated_at`

func (p *PostgresStore) CreateTransfer(ctx context.Context, t *Transfer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfers (`+transferColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.EscrowID, t.MilestoneID, t.Reference, t.Leg, string(t.Kind), t.ToWallet, t.Token,
		t.Amount, t.Signature, t.RawTx, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if uniqueViolation(err, constraintTransferRef) {
		return ErrDuplicateReference
	}
	return err
}

func (p *PostgresStore) ListTransfers(ctx context.Context, escrowID, prefix string) ([]*Transfer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE escrow_id = $1 AND starts_with(reference, $2)
		ORDER BY created_at ASC, leg ASC`, escrowID, prefix)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transfer
	for rows.Next() {
		t := &Transfer{}
		var kind, status string
		if err := rows.Scan(&t.ID, &t.EscrowID, &t.MilestoneID, &t.Reference, &t.Leg, &kind, &t.ToWallet, &t.Token,
			&t.Amount, &t.Signature, &t.RawTx, &status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Kind = TransferKind(kind)
		t.Status = TransferStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateTransfer(ctx context.Context, t *Transfer, from TransferStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transfers SET
			kind = $1, to_wallet = $2, token = $3, amount = $4,
			signature = $5, raw_tx = $6, status = $7, updated_at = $8
		WHERE reference = $9 AND status = $10`,
		string(t.Kind), t.ToWallet, t.Token, t.Amount,
		t.Signature, t.RawTx, string(t.Status), t.UpdatedAt,
		t.Reference, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE reference = $1)`, t.Reference).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrTransferNotFound
	}
	return ErrTransferConflict
}
