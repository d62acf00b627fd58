package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hirewire/hirewire/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balance and transaction are written in one SERIALIZABLE transaction;
// the CHECK constraint on balance_cents >= 0 backstops overdrafts at
// the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Apply(ctx context.Context, userID string, txn *Transaction) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	w, err := ApplyTx(ctx, tx, userID, txn)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// ApplyTx performs the balance upsert plus entry insert inside an
// existing transaction. The settlement store reuses it so wallet writes
// join the contract/escrow writes in one atomic unit.
func ApplyTx(ctx context.Context, tx *sql.Tx, userID string, txn *Transaction) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, balance_cents, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance_cents = wallets.balance_cents + $3,
			updated_at    = NOW()
		RETURNING id, balance_cents, created_at, updated_at
	`, idgen.WithPrefix("wal_"), userID, txn.SignedAmount()).Scan(
		&w.ID, &w.BalanceCents, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		// The CHECK constraint rejects an overdrawing debit.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, user_id, amount_cents, description, type, contract_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, w.ID, userID, txn.AmountCents, txn.Description, string(txn.Type), nullString(txn.ContractID), txn.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	return w, nil
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, balance_cents, is_deleted, created_at, updated_at
		FROM wallets WHERE user_id = $1
	`, userID).Scan(&w.ID, &w.UserID, &w.BalanceCents, &w.IsDeleted, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

const txnColumns = `id, wallet_id, user_id, amount_cents, description, type, contract_id, created_at`

func (p *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) AllTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM wallet_transactions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) MonthlySales(ctx context.Context, userID string) ([]MonthlySales, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('month', created_at), 'YYYY-MM') AS month,
		       SUM(amount_cents), COUNT(*)
		FROM wallet_transactions
		WHERE user_id = $1 AND type = 'credit' AND contract_id IS NOT NULL
		GROUP BY date_trunc('month', created_at)
		ORDER BY date_trunc('month', created_at) DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []MonthlySales
	for rows.Next() {
		var row MonthlySales
		if err := rows.Scan(&row.Month, &row.TotalCents, &row.Count); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var txType string
		var contractID sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&t.ID, &t.WalletID, &t.UserID, &t.AmountCents, &t.Description, &txType, &contractID, &createdAt); err != nil {
			return nil, err
		}
		t.Type = TransactionType(txType)
		t.ContractID = contractID.String
		t.CreatedAt = createdAt
		result = append(result, t)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
