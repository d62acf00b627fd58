// Package escrow holds client funds earmarked for a contract until they
// are released to the freelancer or refunded to the client.
//
// An escrow record is created once at funding time with the contract
// amount split into platform fee and freelancer earning. Its amount only
// ever decreases, and reaches exactly zero when the record leaves the
// funded state. Records are never deleted; they are the platform's
// historical money ledger.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/hirewire/internal/idgen"
)

var (
	ErrEscrowNotFound  = errors.New("escrow not found")
	ErrActiveEscrow    = errors.New("an active escrow already exists for this contract")
	ErrAlreadyReleased = errors.New("escrow already released")
	ErrAlreadyRefunded = errors.New("escrow already refunded")
	ErrNotFunded       = errors.New("escrow is not in funded state")
	ErrInvalidAmount   = errors.New("invalid escrow amount")
)

// Status represents the state of an escrow. funded is the only
// non-terminal state.
type Status string

const (
	StatusFunded   Status = "funded"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
	StatusCanceled Status = "canceled"
)

// TransactionType marks the direction of the funding money movement.
type TransactionType string

const (
	TypeCredit TransactionType = "credit"
	TypeDebit  TransactionType = "debit"
)

// Escrow represents a per-contract holding of client funds.
type Escrow struct {
	ID           string `json:"id"`
	ContractID   string `json:"contractId"`
	JobID        string `json:"jobId"`
	ClientID     string `json:"clientId"`
	FreelancerID string `json:"freelancerId"`

	AmountCents            int64 `json:"amountCents"` // currently held
	PlatformFeeCents       int64 `json:"platformFeeCents"`
	FreelancerEarningCents int64 `json:"freelancerEarningCents"`

	Status          Status          `json:"status"`
	TransactionType TransactionType `json:"transactionType"`

	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the escrow has left the funded state.
func (e *Escrow) IsTerminal() bool {
	return e.Status != StatusFunded
}

// FeePolicy splits an escrowed amount into platform fee and freelancer
// earning. It is a pure function; the concrete ratio is configuration,
// not ledger logic.
type FeePolicy func(amountCents int64) (platformFeeCents, freelancerEarningCents int64)

// FixedBps returns a FeePolicy that retains feeBps basis points of the
// amount as platform fee.
func FixedBps(feeBps int64) FeePolicy {
	return func(amountCents int64) (int64, int64) {
		fee := amountCents * feeBps / 10000
		return fee, amountCents - fee
	}
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// GetByContract returns the most recent escrow for a contract, or
	// ErrEscrowNotFound if the contract was never funded.
	GetByContract(ctx context.Context, contractID string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	// SumHeld returns the total amount across funded escrows.
	SumHeld(ctx context.Context) (int64, error)
	// SumPlatformRevenue returns the total platform fee across released
	// and refunded escrows.
	SumPlatformRevenue(ctx context.Context) (int64, error)
}

// FundRequest contains the parameters for funding an escrow.
type FundRequest struct {
	ContractID   string
	JobID        string
	ClientID     string
	FreelancerID string
	AmountCents  int64
}

// Ledger implements escrow business logic over a Store.
type Ledger struct {
	store Store
	fees  FeePolicy
}

// NewLedger creates an escrow ledger with the given fee policy.
func NewLedger(store Store, fees FeePolicy) *Ledger {
	return &Ledger{store: store, fees: fees}
}

// Fund creates a funded escrow for a contract. At most one non-terminal
// escrow may exist per contract; a second funding attempt conflicts.
func (l *Ledger) Fund(ctx context.Context, req FundRequest) (*Escrow, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	existing, err := l.store.GetByContract(ctx, req.ContractID)
	if err != nil && !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}
	if existing != nil && !existing.IsTerminal() {
		return nil, ErrActiveEscrow
	}

	fee, earning := l.fees(req.AmountCents)
	now := time.Now()
	e := &Escrow{
		ID:                     idgen.WithPrefix("esc_"),
		ContractID:             req.ContractID,
		JobID:                  req.JobID,
		ClientID:               req.ClientID,
		FreelancerID:           req.FreelancerID,
		AmountCents:            req.AmountCents,
		PlatformFeeCents:       fee,
		FreelancerEarningCents: earning,
		Status:                 StatusFunded,
		TransactionType:        TypeCredit,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err := l.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	return e, nil
}

// Release moves an escrow to released and drives its amount to zero.
func (l *Ledger) Release(ctx context.Context, id string) (*Escrow, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusReleased || e.AmountCents <= 0 {
		return nil, ErrAlreadyReleased
	}
	if e.Status != StatusFunded {
		return nil, ErrNotFunded
	}

	now := time.Now()
	e.Status = StatusReleased
	e.AmountCents = 0
	e.TransactionType = TypeDebit
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := l.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Refund moves an escrow to refunded and drives its amount to zero.
func (l *Ledger) Refund(ctx context.Context, id string) (*Escrow, error) {
	e, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusRefunded {
		return nil, ErrAlreadyRefunded
	}
	if e.Status != StatusFunded {
		return nil, ErrNotFunded
	}

	now := time.Now()
	e.Status = StatusRefunded
	e.AmountCents = 0
	e.TransactionType = TypeDebit
	e.ResolvedAt = &now
	e.UpdatedAt = now

	if err := l.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns an escrow by ID.
func (l *Ledger) Get(ctx context.Context, id string) (*Escrow, error) {
	return l.store.Get(ctx, id)
}

// GetByContract returns the most recent escrow for a contract.
func (l *Ledger) GetByContract(ctx context.Context, contractID string) (*Escrow, error) {
	return l.store.GetByContract(ctx, contractID)
}

// ListByUser returns escrows involving a user (as client or freelancer).
func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByUser(ctx, userID, limit)
}

// TotalHeld returns the platform liability: the sum of amounts across
// all funded escrows.
func (l *Ledger) TotalHeld(ctx context.Context) (int64, error) {
	return l.store.SumHeld(ctx)
}

// TotalPlatformRevenue returns realized revenue: the sum of platform
// fees across released and refunded escrows.
func (l *Ledger) TotalPlatformRevenue(ctx context.Context) (int64, error) {
	return l.store.SumPlatformRevenue(ctx)
}
