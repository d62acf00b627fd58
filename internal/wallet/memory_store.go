package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hirewire/hirewire/internal/idgen"
)

func newTransactionID() string {
	return idgen.WithPrefix("wt_")
}

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet // userID -> wallet
	txns    []*Transaction
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
	}
}

func (m *MemoryStore) Apply(ctx context.Context, userID string, txn *Transaction) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyLocked(userID, txn)
}

// applyLocked moves the balance and appends the transaction. Callers
// must hold m.mu.
func (m *MemoryStore) applyLocked(userID string, txn *Transaction) (*Wallet, error) {
	now := time.Now()
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{
			ID:        idgen.WithPrefix("wal_"),
			UserID:    userID,
			CreatedAt: now,
		}
		m.wallets[userID] = w
	}

	newBalance := w.BalanceCents + txn.SignedAmount()
	if newBalance < 0 {
		return nil, ErrInsufficientBalance
	}

	cp := *txn
	cp.WalletID = w.ID
	w.BalanceCents = newBalance
	w.UpdatedAt = now
	m.txns = append(m.txns, &cp)

	out := *w
	return &out, nil
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		if m.txns[i].UserID == userID {
			cp := *m.txns[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) AllTransactions(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *m.txns[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) MonthlySales(ctx context.Context, userID string) ([]MonthlySales, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byMonth := make(map[string]*MonthlySales)
	for _, t := range m.txns {
		if t.UserID != userID || t.Type != TypeCredit || t.ContractID == "" {
			continue
		}
		month := t.CreatedAt.Format("2006-01")
		row, ok := byMonth[month]
		if !ok {
			row = &MonthlySales{Month: month}
			byMonth[month] = row
		}
		row.TotalCents += t.AmountCents
		row.Count++
	}

	result := make([]MonthlySales, 0, len(byMonth))
	for _, row := range byMonth {
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Month > result[j].Month })
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
