// Package wallet tracks per-user balances on the platform.
//
// A wallet is an append-only transaction log plus a derived balance,
// persisted together for fast reads. AddFunds is the only mutator:
// every call appends exactly one transaction and moves the balance by
// its signed amount, as one unit. The balance always equals the signed
// sum of the transaction history, and settlement never drives it
// negative: platform fees are withheld from credits, never debited.
package wallet

import (
	"context"
	"errors"
	"time"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// TransactionType marks the direction of a wallet transaction.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// Transaction is one immutable entry in a wallet's history.
type Transaction struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"walletId"`
	UserID      string          `json:"userId"`
	AmountCents int64           `json:"amountCents"` // always positive; sign comes from Type
	Description string          `json:"description"`
	Type        TransactionType `json:"type"`
	ContractID  string          `json:"contractId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// SignedAmount returns the amount with its direction applied.
func (t *Transaction) SignedAmount() int64 {
	if t.Type == TypeDebit {
		return -t.AmountCents
	}
	return t.AmountCents
}

// Wallet is a user's balance record. Created lazily on first credit.
type Wallet struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	BalanceCents int64     `json:"balanceCents"`
	IsDeleted    bool      `json:"isDeleted"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MonthlySales is one row of the monthly revenue report.
type MonthlySales struct {
	Month      string `json:"month"` // "2026-01"
	TotalCents int64  `json:"totalCents"`
	Count      int    `json:"count"`
}

// Store persists wallet data. Apply must write the balance change and
// the transaction record as one unit.
type Store interface {
	// Apply finds-or-creates the user's wallet, moves the balance by the
	// transaction's signed amount, and appends the transaction. A debit
	// that would overdraw the wallet fails with ErrInsufficientBalance.
	Apply(ctx context.Context, userID string, txn *Transaction) (*Wallet, error)
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	// AllTransactions returns recent transactions across all wallets for
	// the admin dashboard.
	AllTransactions(ctx context.Context, limit int) ([]*Transaction, error)
	// MonthlySales aggregates credit transactions that reference a
	// contract, grouped by calendar month, newest first.
	MonthlySales(ctx context.Context, userID string) ([]MonthlySales, error)
}

// Service implements wallet business logic.
type Service struct {
	store Store
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// AddFunds appends a transaction to the user's wallet. It is the single
// mutator for wallet state. contractID may be empty for movements not
// tied to a contract (e.g. manual adjustments).
func (s *Service) AddFunds(ctx context.Context, userID string, amountCents int64, description string, txType TransactionType, contractID string) (*Wallet, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if txType != TypeCredit && txType != TypeDebit {
		return nil, errors.New("transaction type must be credit or debit")
	}

	txn := NewTransaction(userID, amountCents, description, txType, contractID)
	return s.store.Apply(ctx, userID, txn)
}

// NewTransaction builds a wallet transaction record. Exposed so the
// settlement store can append entries inside its own transaction.
func NewTransaction(userID string, amountCents int64, description string, txType TransactionType, contractID string) *Transaction {
	return &Transaction{
		ID:          newTransactionID(),
		UserID:      userID,
		AmountCents: amountCents,
		Description: description,
		Type:        txType,
		ContractID:  contractID,
		CreatedAt:   time.Now(),
	}
}

// Get returns the user's wallet.
func (s *Service) Get(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetByUser(ctx, userID)
}

// Transactions returns the user's transaction history, newest first.
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.Transactions(ctx, userID, limit)
}

// AdminTransactions returns recent transactions across all wallets.
func (s *Service) AdminTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.AllTransactions(ctx, limit)
}

// MonthlySalesReport aggregates contract-tagged credits by month for
// revenue dashboards.
func (s *Service) MonthlySalesReport(ctx context.Context, userID string) ([]MonthlySales, error) {
	return s.store.MonthlySales(ctx, userID)
}
