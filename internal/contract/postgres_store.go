package contract

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists contract data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const contractColumns = `id, code, job_id, client_id, freelancer_id, amount_cents,
	       is_approved, status, escrow_paid, release_fund_status,
	       canceled_by, cancel_reason, cancel_reason_description,
	       is_deleted, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Contract) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO contracts (
			id, code, job_id, client_id, freelancer_id, amount_cents,
			is_approved, status, escrow_paid, release_fund_status,
			canceled_by, cancel_reason, cancel_reason_description,
			is_deleted, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)`,
		c.ID, c.Code, c.JobID, c.ClientID, c.FreelancerID, c.AmountCents,
		c.IsApproved, string(c.Status), c.EscrowPaid, string(c.ReleaseFundStatus),
		nullString(string(c.CanceledBy)), nullString(c.CancelReason), nullString(c.CancelReasonDescription),
		c.IsDeleted, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}

	for _, h := range c.StatusHistory {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contract_status_history (contract_id, status, changed_at)
			VALUES ($1, $2, $3)`,
			c.ID, string(h.Status), h.ChangedAt,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadHistory(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) GetByCode(ctx context.Context, code string) (*Contract, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE code = $1`, code)
	c, err := scanContract(row)
	if err == sql.ErrNoRows {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadHistory(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (p *PostgresStore) Update(ctx context.Context, c *Contract) error {
	// release_fund_status only advances; the CASE keeps the stored value
	// when the caller's copy predates a concurrent settlement commit.
	result, err := p.db.ExecContext(ctx, `
		UPDATE contracts SET
			is_approved = $1, escrow_paid = $2,
			release_fund_status = (CASE
				WHEN release_fund_status = 'approved' THEN release_fund_status
				WHEN release_fund_status = 'requested' AND $3 = 'not_requested' THEN release_fund_status
				ELSE $3
			END),
			canceled_by = $4, cancel_reason = $5, cancel_reason_description = $6,
			is_deleted = $7, updated_at = $8
		WHERE id = $9`,
		c.IsApproved, c.EscrowPaid, string(c.ReleaseFundStatus),
		nullString(string(c.CanceledBy)), nullString(c.CancelReason), nullString(c.CancelReasonDescription),
		c.IsDeleted, c.UpdatedAt,
		c.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrContractNotFound
	}
	return nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Conditional update doubles as the optimistic guard: zero rows means
	// either a missing contract or a concurrent status change.
	result, err := tx.ExecContext(ctx, `
		UPDATE contracts SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(to), at, id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM contracts WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrContractNotFound
		}
		return ErrStatusConflict
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO contract_status_history (contract_id, status, changed_at)
		VALUES ($1, $2, $3)`,
		id, string(to), at,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	query := `SELECT ` + contractColumns + `
		FROM contracts
		WHERE (client_id = $1 OR freelancer_id = $1) AND NOT is_deleted`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = $2 ORDER BY created_at DESC LIMIT $3`
		args = append(args, string(status), limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (p *PostgresStore) loadHistory(ctx context.Context, c *Contract) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT status, changed_at FROM contract_status_history
		WHERE contract_id = $1 ORDER BY changed_at, seq`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var h StatusChange
		var status string
		if err := rows.Scan(&status, &h.ChangedAt); err != nil {
			return err
		}
		h.Status = Status(status)
		c.StatusHistory = append(c.StatusHistory, h)
	}
	return rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanContract(s scanner) (*Contract, error) {
	c := &Contract{}
	var (
		status            string
		releaseFundStatus string
		canceledBy        sql.NullString
		cancelReason      sql.NullString
		cancelDescription sql.NullString
	)

	err := s.Scan(
		&c.ID, &c.Code, &c.JobID, &c.ClientID, &c.FreelancerID, &c.AmountCents,
		&c.IsApproved, &status, &c.EscrowPaid, &releaseFundStatus,
		&canceledBy, &cancelReason, &cancelDescription,
		&c.IsDeleted, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.ReleaseFundStatus = ReleaseFundStatus(releaseFundStatus)
	c.CanceledBy = CanceledBy(canceledBy.String)
	c.CancelReason = cancelReason.String
	c.CancelReasonDescription = cancelDescription.String
	return c, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
