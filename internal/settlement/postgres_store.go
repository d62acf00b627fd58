package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/wallet"
)

// PostgresStore performs each settlement as one SERIALIZABLE
// transaction spanning the contracts, escrows, wallets and settlements
// tables. The unique index on settlements (contract_id, operation)
// turns a raced duplicate into ErrAlreadySettled at commit time.
type PostgresStore struct {
	db        *sql.DB
	contracts contract.Store
	escrows   escrow.Store
}

// NewPostgresStore creates a Postgres-backed settlement store. The
// contract and escrow stores serve the read side; all writes go through
// this store's own transactions.
func NewPostgresStore(db *sql.DB, contracts contract.Store, escrows escrow.Store) *PostgresStore {
	return &PostgresStore{db: db, contracts: contracts, escrows: escrows}
}

func (p *PostgresStore) GetContract(ctx context.Context, id string) (*contract.Contract, error) {
	return p.contracts.Get(ctx, id)
}

func (p *PostgresStore) GetEscrowForContract(ctx context.Context, contractID string) (*escrow.Escrow, error) {
	return p.escrows.GetByContract(ctx, contractID)
}

func (p *PostgresStore) ApplyRelease(ctx context.Context, w *ReleaseWrite) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertSettlement(ctx, tx, w.Record); err != nil {
			return err
		}
		if _, err := wallet.ApplyTx(ctx, tx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
			return err
		}
		if err := resolveEscrowTx(ctx, tx, w.Escrow.ID, escrow.StatusReleased); err != nil {
			return err
		}
		return execOne(ctx, tx, `
			UPDATE contracts SET release_fund_status = $1, updated_at = NOW()
			WHERE id = $2`,
			string(contract.ReleaseApproved), w.Contract.ID)
	})
}

func (p *PostgresStore) ApplyRefund(ctx context.Context, w *RefundWrite) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertSettlement(ctx, tx, w.Record); err != nil {
			return err
		}
		if _, err := wallet.ApplyTx(ctx, tx, w.ClientTxn.UserID, w.ClientTxn); err != nil {
			return err
		}
		if w.FreelancerTxn != nil {
			if _, err := wallet.ApplyTx(ctx, tx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
				return err
			}
		}
		if err := resolveEscrowTx(ctx, tx, w.Escrow.ID, escrow.StatusRefunded); err != nil {
			return err
		}

		// Status guard plus cancel metadata in one statement. Zero rows
		// means the contract moved under us.
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE contracts SET
				status = $1, canceled_by = $2, cancel_reason = $3,
				cancel_reason_description = $4, release_fund_status = $5,
				updated_at = $6
			WHERE id = $7 AND status = $8`,
			string(contract.StatusCanceled), string(contract.CanceledByClient),
			nullString(w.CancelReason), nullString(w.CancelReasonDescription),
			string(contract.ReleaseApproved), now,
			w.Contract.ID, string(w.FromStatus),
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return contract.ErrStatusConflict
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO contract_status_history (contract_id, status, changed_at)
			VALUES ($1, $2, $3)`,
			w.Contract.ID, string(contract.StatusCanceled), now,
		)
		return err
	})
}

func (p *PostgresStore) ApplyPartialPayment(ctx context.Context, w *PartialPaymentWrite) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := insertSettlement(ctx, tx, w.Record); err != nil {
			return err
		}
		if _, err := wallet.ApplyTx(ctx, tx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
			return err
		}
		if err := resolveEscrowTx(ctx, tx, w.Escrow.ID, escrow.StatusReleased); err != nil {
			return err
		}
		return execOne(ctx, tx, `
			UPDATE contracts SET release_fund_status = $1, updated_at = NOW()
			WHERE id = $2`,
			string(contract.ReleaseApproved), w.Contract.ID)
	})
}

func (p *PostgresStore) MarkReleaseRequested(ctx context.Context, contractID string) error {
	return execOneDB(ctx, p.db, `
		UPDATE contracts SET release_fund_status = $1, updated_at = NOW()
		WHERE id = $2`,
		string(contract.ReleaseRequested), contractID)
}

func (p *PostgresStore) ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, escrow_id, operation,
		       freelancer_credit_cents, client_refund_cents, created_at
		FROM settlements
		WHERE contract_id = $1
		ORDER BY created_at`,
		contractID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Settlement
	for rows.Next() {
		rec := &Settlement{}
		var op string
		if err := rows.Scan(&rec.ID, &rec.ContractID, &rec.EscrowID, &op,
			&rec.FreelancerCreditCents, &rec.ClientRefundCents, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Operation = Operation(op)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ListMismatches finds settlements whose escrow is still funded. With
// every apply running in one transaction this should stay empty; a
// non-empty result means manual writes or a partially restored backup.
func (p *PostgresStore) ListMismatches(ctx context.Context, limit int) ([]*Mismatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.id, s.contract_id, s.escrow_id, s.operation
		FROM settlements s
		JOIN escrows e ON e.id = s.escrow_id
		WHERE e.status = 'funded'
		ORDER BY s.created_at
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Mismatch
	for rows.Next() {
		m := &Mismatch{}
		var op string
		if err := rows.Scan(&m.SettlementID, &m.ContractID, &m.EscrowID, &op); err != nil {
			return nil, err
		}
		m.Operation = Operation(op)
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) CompleteSettlement(ctx context.Context, m *Mismatch) error {
	target := escrow.StatusReleased
	if m.Operation == OpRefund {
		target = escrow.StatusRefunded
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		// Guard on funded so a concurrent completion is a no-op.
		res, err := tx.ExecContext(ctx, `
			UPDATE escrows SET
				amount_cents = 0, status = $1, transaction_type = $2,
				resolved_at = NOW(), updated_at = NOW()
			WHERE id = $3 AND status = 'funded'`,
			string(target), string(escrow.TypeDebit), m.EscrowID,
		)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}
		return execOne(ctx, tx, `
			UPDATE contracts SET release_fund_status = $1, updated_at = NOW()
			WHERE id = $2`,
			string(contract.ReleaseApproved), m.ContractID)
	})
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadySettled
		}
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

func insertSettlement(ctx context.Context, tx *sql.Tx, rec *Settlement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO settlements (
			id, contract_id, escrow_id, operation,
			freelancer_credit_cents, client_refund_cents, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ContractID, rec.EscrowID, string(rec.Operation),
		rec.FreelancerCreditCents, rec.ClientRefundCents, rec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadySettled
	}
	return err
}

func resolveEscrowTx(ctx context.Context, tx *sql.Tx, escrowID string, status escrow.Status) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			amount_cents = 0, status = $1, transaction_type = $2,
			resolved_at = NOW(), updated_at = NOW()
		WHERE id = $3 AND status = 'funded'`,
		string(status), string(escrow.TypeDebit), escrowID,
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return escrow.ErrNotFunded
	}
	return nil
}

func execOne(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return contract.ErrContractNotFound
	}
	return nil
}

func execOneDB(ctx context.Context, db *sql.DB, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return contract.ErrContractNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
