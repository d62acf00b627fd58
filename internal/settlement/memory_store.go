package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/wallet"
)

// MemoryStore composes the in-memory contract, escrow and wallet stores
// for demo/development mode. The service's per-contract lock serializes
// settlements, so the sequential writes below are never observed
// half-applied; the settlements map provides the same (contract,
// operation) idempotency guard the Postgres store gets from its unique
// index.
type MemoryStore struct {
	contracts contract.Store
	escrows   escrow.Store
	wallets   wallet.Store

	mu          sync.Mutex
	settlements map[string]*Settlement // contractID + "/" + operation
}

// NewMemoryStore creates an in-memory settlement store over the given
// entity stores.
func NewMemoryStore(contracts contract.Store, escrows escrow.Store, wallets wallet.Store) *MemoryStore {
	return &MemoryStore{
		contracts:   contracts,
		escrows:     escrows,
		wallets:     wallets,
		settlements: make(map[string]*Settlement),
	}
}

func settlementKey(contractID string, op Operation) string {
	return contractID + "/" + string(op)
}

func (m *MemoryStore) GetContract(ctx context.Context, id string) (*contract.Contract, error) {
	return m.contracts.Get(ctx, id)
}

func (m *MemoryStore) GetEscrowForContract(ctx context.Context, contractID string) (*escrow.Escrow, error) {
	return m.escrows.GetByContract(ctx, contractID)
}

// record claims the (contract, operation) slot or fails with
// ErrAlreadySettled.
func (m *MemoryStore) record(rec *Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := settlementKey(rec.ContractID, rec.Operation)
	if _, exists := m.settlements[key]; exists {
		return ErrAlreadySettled
	}
	cp := *rec
	m.settlements[key] = &cp
	return nil
}

func (m *MemoryStore) resolveEscrow(ctx context.Context, e *escrow.Escrow, status escrow.Status) error {
	now := time.Now()
	e.Status = status
	e.AmountCents = 0
	e.TransactionType = escrow.TypeDebit
	e.ResolvedAt = &now
	e.UpdatedAt = now
	return m.escrows.Update(ctx, e)
}

func (m *MemoryStore) ApplyRelease(ctx context.Context, w *ReleaseWrite) error {
	if err := m.record(w.Record); err != nil {
		return err
	}
	if _, err := m.wallets.Apply(ctx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
		return err
	}
	if err := m.resolveEscrow(ctx, w.Escrow, escrow.StatusReleased); err != nil {
		return err
	}

	c := w.Contract
	c.ReleaseFundStatus = contract.ReleaseApproved
	c.UpdatedAt = time.Now()
	return m.contracts.Update(ctx, c)
}

func (m *MemoryStore) ApplyRefund(ctx context.Context, w *RefundWrite) error {
	if err := m.record(w.Record); err != nil {
		return err
	}
	if _, err := m.wallets.Apply(ctx, w.ClientTxn.UserID, w.ClientTxn); err != nil {
		return err
	}
	if w.FreelancerTxn != nil {
		if _, err := m.wallets.Apply(ctx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
			return err
		}
	}
	if err := m.resolveEscrow(ctx, w.Escrow, escrow.StatusRefunded); err != nil {
		return err
	}

	now := time.Now()
	if err := m.contracts.TransitionStatus(ctx, w.Contract.ID, w.FromStatus, contract.StatusCanceled, now); err != nil {
		return err
	}

	c := w.Contract
	c.Status = contract.StatusCanceled
	c.CanceledBy = contract.CanceledByClient
	c.CancelReason = w.CancelReason
	c.CancelReasonDescription = w.CancelReasonDescription
	c.ReleaseFundStatus = contract.ReleaseApproved
	c.UpdatedAt = now
	return m.contracts.Update(ctx, c)
}

func (m *MemoryStore) ApplyPartialPayment(ctx context.Context, w *PartialPaymentWrite) error {
	if err := m.record(w.Record); err != nil {
		return err
	}
	if _, err := m.wallets.Apply(ctx, w.FreelancerTxn.UserID, w.FreelancerTxn); err != nil {
		return err
	}
	if err := m.resolveEscrow(ctx, w.Escrow, escrow.StatusReleased); err != nil {
		return err
	}

	c := w.Contract
	c.ReleaseFundStatus = contract.ReleaseApproved
	c.UpdatedAt = time.Now()
	return m.contracts.Update(ctx, c)
}

func (m *MemoryStore) MarkReleaseRequested(ctx context.Context, contractID string) error {
	c, err := m.contracts.Get(ctx, contractID)
	if err != nil {
		return err
	}
	c.ReleaseFundStatus = contract.ReleaseRequested
	c.UpdatedAt = time.Now()
	return m.contracts.Update(ctx, c)
}

func (m *MemoryStore) ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Settlement
	for _, rec := range m.settlements {
		if rec.ContractID == contractID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListMismatches(ctx context.Context, limit int) ([]*Mismatch, error) {
	m.mu.Lock()
	recs := make([]*Settlement, 0, len(m.settlements))
	for _, rec := range m.settlements {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	var result []*Mismatch
	for _, rec := range recs {
		if len(result) >= limit {
			break
		}
		e, err := m.escrows.Get(ctx, rec.EscrowID)
		if err != nil {
			continue
		}
		if e.Status == escrow.StatusFunded {
			result = append(result, &Mismatch{
				SettlementID: rec.ID,
				ContractID:   rec.ContractID,
				EscrowID:     rec.EscrowID,
				Operation:    rec.Operation,
			})
		}
	}
	return result, nil
}

func (m *MemoryStore) CompleteSettlement(ctx context.Context, mis *Mismatch) error {
	e, err := m.escrows.Get(ctx, mis.EscrowID)
	if err != nil {
		return err
	}
	if e.Status != escrow.StatusFunded {
		return nil
	}

	target := escrow.StatusReleased
	if mis.Operation == OpRefund {
		target = escrow.StatusRefunded
	}
	if err := m.resolveEscrow(ctx, e, target); err != nil {
		return err
	}

	c, err := m.contracts.Get(ctx, mis.ContractID)
	if err != nil {
		return err
	}
	c.ReleaseFundStatus = contract.ReleaseApproved
	c.UpdatedAt = time.Now()
	return m.contracts.Update(ctx, c)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
