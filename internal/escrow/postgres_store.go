package escrow

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escrow data in PostgreSQL.
//
// The single-active-escrow invariant is enforced by a partial unique
// index on (contract_id) WHERE status = 'funded'; Create surfaces the
// violation as ErrActiveEscrow.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, contract_id, job_id, client_id, freelancer_id,
	       amount_cents, platform_fee_cents, freelancer_earning_cents,
	       status, transaction_type, resolved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, contract_id, job_id, client_id, freelancer_id,
			amount_cents, platform_fee_cents, freelancer_earning_cents,
			status, transaction_type, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11, $12, $13
		)`,
		e.ID, e.ContractID, e.JobID, e.ClientID, e.FreelancerID,
		e.AmountCents, e.PlatformFeeCents, e.FreelancerEarningCents,
		string(e.Status), string(e.TransactionType), nullTime(e.ResolvedAt), e.CreatedAt, e.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrActiveEscrow
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) GetByContract(ctx context.Context, contractID string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE contract_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, contractID)
	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			amount_cents = $1, status = $2, transaction_type = $3,
			resolved_at = $4, updated_at = $5
		WHERE id = $6`,
		e.AmountCents, string(e.Status), string(e.TransactionType),
		nullTime(e.ResolvedAt), e.UpdatedAt,
		e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE client_id = $1 OR freelancer_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SumHeld(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_cents), 0) FROM escrows WHERE status = 'funded'
	`).Scan(&total)
	return total, err
}

func (p *PostgresStore) SumPlatformRevenue(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(platform_fee_cents), 0)
		FROM escrows WHERE status IN ('released', 'refunded')
	`).Scan(&total)
	return total, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status     string
		txType     string
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.ContractID, &e.JobID, &e.ClientID, &e.FreelancerID,
		&e.AmountCents, &e.PlatformFeeCents, &e.FreelancerEarningCents,
		&status, &txType, &resolvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.TransactionType = TransactionType(txType)
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
