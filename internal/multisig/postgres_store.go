package multisig

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists multi-sig transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txColumns = `id, escrow_id, milestone_id, wallet, provider, intent, threshold,
	signers, signatures, status, version, created_at, updated_at, expires_at, executed_at`

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO multisig_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		tx.ID, tx.EscrowID, tx.MilestoneID, tx.Wallet, tx.Provider, string(tx.Intent), tx.Threshold,
		pq.Array(tx.Signers), pq.Array(tx.Signatures), string(tx.Status), tx.Version,
		tx.CreatedAt, tx.UpdatedAt, tx.ExpiresAt, tx.ExecutedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM multisig_transactions WHERE id = $1`, id)
	return scanTx(row)
}

func (p *PostgresStore) FindPending(ctx context.Context, escrowID, milestoneID, wallet string, intent Intent) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+txColumns+` FROM multisig_transactions
		WHERE escrow_id = $1 AND milestone_id = $2 AND wallet = $3 AND intent = $4 AND status = 'pending'
		ORDER BY created_at DESC LIMIT 1`,
		escrowID, milestoneID, wallet, string(intent),
	)
	return scanTx(row)
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE multisig_transactions SET
			signatures = $1, status = $2, executed_at = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5`,
		pq.Array(tx.Signatures), string(tx.Status), tx.ExecutedAt, tx.ID, tx.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, tx.ID); err != nil {
			return err
		}
		return ErrVersionChanged
	}
	tx.Version++
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM multisig_transactions
		WHERE status = 'pending'
		ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTx(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var intent, status string
	var executedAt sql.NullTime
	err := s.Scan(
		&tx.ID, &tx.EscrowID, &tx.MilestoneID, &tx.Wallet, &tx.Provider, &intent, &tx.Threshold,
		pq.Array(&tx.Signers), pq.Array(&tx.Signatures), &status, &tx.Version,
		&tx.CreatedAt, &tx.UpdatedAt, &tx.ExpiresAt, &executedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	tx.Intent = Intent(intent)
	tx.Status = Status(status)
	if executedAt.Valid {
		tx.ExecutedAt = &executedAt.Time
	}
	return tx, nil
}
