// Package contract manages the lifecycle of a hire agreement between a
// client and a freelancer.
//
// Flow:
//  1. Client hires an applicant → contract created, status: pending
//  2. Freelancer approves → client may fund escrow
//  3. Funding confirmed → escrowPaid set, work begins (started → ongoing)
//  4. Work delivered → completed, freelancer requests fund release
//  5. Either side cancels → canceled, refund policy applies
//
// Status changes go through Transition, the single authority for the
// state machine. Every change appends exactly one status history entry.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/hirewire/internal/idgen"
)

var (
	ErrContractNotFound  = errors.New("contract not found")
	ErrInvalidTransition = errors.New("invalid contract status transition")
	ErrStatusConflict    = errors.New("contract status changed concurrently")
	ErrAlreadyApproved   = errors.New("contract already approved")
	ErrNotFreelancer     = errors.New("caller is not the contract freelancer")
	ErrNotClient         = errors.New("caller is not the contract client")
	ErrInvalidAmount     = errors.New("invalid contract amount")
)

// Status represents the lifecycle state of a contract.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarted   Status = "started"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
)

// ReleaseFundStatus tracks the freelancer's payout request lifecycle.
// It only ever advances: not_requested → requested → approved.
type ReleaseFundStatus string

const (
	ReleaseNotRequested ReleaseFundStatus = "not_requested"
	ReleaseRequested    ReleaseFundStatus = "requested"
	ReleaseApproved     ReleaseFundStatus = "approved"
)

// releaseFundRank orders release fund statuses for the only-advances
// rule the stores enforce on Update.
func releaseFundRank(s ReleaseFundStatus) int {
	switch s {
	case ReleaseRequested:
		return 1
	case ReleaseApproved:
		return 2
	default:
		return 0
	}
}

// CanceledBy identifies which party canceled a contract.
type CanceledBy string

const (
	CanceledByClient     CanceledBy = "client"
	CanceledByFreelancer CanceledBy = "freelancer"
)

// legalTransitions is the full state machine. Completed and canceled are
// terminal.
var legalTransitions = map[Status][]Status{
	StatusPending:   {StatusStarted, StatusCanceled},
	StatusStarted:   {StatusOngoing, StatusCanceled},
	StatusOngoing:   {StatusCompleted, StatusCanceled},
	StatusCompleted: {},
	StatusCanceled:  {},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry in a contract's status history.
type StatusChange struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changedAt"`
}

// Contract represents a hire agreement.
type Contract struct {
	ID           string `json:"id"`
	Code         string `json:"code"` // human-readable, e.g. "HW-7KQ2M9XF"
	JobID        string `json:"jobId"`
	ClientID     string `json:"clientId"`
	FreelancerID string `json:"freelancerId"`
	AmountCents  int64  `json:"amountCents"`

	IsApproved        bool              `json:"isApproved"`
	Status            Status            `json:"status"`
	EscrowPaid        bool              `json:"escrowPaid"`
	ReleaseFundStatus ReleaseFundStatus `json:"releaseFundStatus"`

	CanceledBy              CanceledBy `json:"canceledBy,omitempty"`
	CancelReason            string     `json:"cancelReason,omitempty"`
	CancelReasonDescription string     `json:"cancelReasonDescription,omitempty"`

	StatusHistory []StatusChange `json:"statusHistory"`
	IsDeleted     bool           `json:"isDeleted"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	return c.Status == StatusCompleted || c.Status == StatusCanceled
}

// Store persists contract data.
type Store interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	GetByCode(ctx context.Context, code string) (*Contract, error)
	// Update persists mutable fields (approval, escrowPaid, release fund
	// status, cancel metadata, soft delete). Status is NOT written here;
	// use TransitionStatus.
	Update(ctx context.Context, contract *Contract) error
	// TransitionStatus atomically moves a contract from one status to
	// another and appends the history entry. Returns ErrStatusConflict
	// if the contract is no longer in the expected status.
	TransitionStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error)
}

// CreateRequest contains the parameters for creating a contract.
type CreateRequest struct {
	JobID        string `json:"jobId" binding:"required"`
	ClientID     string `json:"clientId" binding:"required"`
	FreelancerID string `json:"freelancerId" binding:"required"`
	AmountCents  int64  `json:"amountCents" binding:"required"`
}

// Service implements contract business logic.
type Service struct {
	store Store
}

// NewService creates a new contract service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Create records a new contract in pending status. The agreed amount
// comes from the accepted application; ownership of job and applicant
// is verified by the calling service.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Contract, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.ClientID == req.FreelancerID {
		return nil, errors.New("client and freelancer cannot be the same user")
	}

	now := time.Now()
	c := &Contract{
		ID:                idgen.WithPrefix("ct_"),
		Code:              idgen.ContractCode(),
		JobID:             req.JobID,
		ClientID:          req.ClientID,
		FreelancerID:      req.FreelancerID,
		AmountCents:       req.AmountCents,
		Status:            StatusPending,
		ReleaseFundStatus: ReleaseNotRequested,
		StatusHistory:     []StatusChange{{Status: StatusPending, ChangedAt: now}},
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create contract: %w", err)
	}
	return c, nil
}

// Approve records the freelancer's acceptance. The flag is one-way and
// gates whether the client may initiate funding.
func (s *Service) Approve(ctx context.Context, id, freelancerID string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.FreelancerID != freelancerID {
		return nil, ErrNotFreelancer
	}
	if c.IsApproved {
		return nil, ErrAlreadyApproved
	}

	c.IsApproved = true
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Transition moves a contract to the target status, validating the move
// against the state machine. Used for non-financial status updates
// (started → ongoing during normal work progress); settlements drive
// their own transitions through the same store primitive.
func (s *Service) Transition(ctx context.Context, id string, target Status) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !CanTransition(c.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, target)
	}

	now := time.Now()
	if err := s.store.TransitionStatus(ctx, id, c.Status, target, now); err != nil {
		return nil, err
	}

	c.Status = target
	c.StatusHistory = append(c.StatusHistory, StatusChange{Status: target, ChangedAt: now})
	c.UpdatedAt = now
	return c, nil
}

// MarkEscrowPaid flips the escrowPaid flag after a confirmed funding
// event. The flag only ever becomes true once.
func (s *Service) MarkEscrowPaid(ctx context.Context, id string) (*Contract, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.EscrowPaid {
		return c, nil
	}

	c.EscrowPaid = true
	c.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// GetByCode returns a contract by its human-readable code.
func (s *Service) GetByCode(ctx context.Context, code string) (*Contract, error) {
	return s.store.GetByCode(ctx, code)
}

// ListByParticipant returns contracts where the user is client or
// freelancer, optionally filtered by status.
func (s *Service) ListByParticipant(ctx context.Context, userID string, status Status, limit int) ([]*Contract, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParticipant(ctx, userID, status, limit)
}

// SoftDelete hides a contract from listings. Contracts are never hard
// deleted; canceled contracts remain for audit.
func (s *Service) SoftDelete(ctx context.Context, id string) error {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	c.IsDeleted = true
	c.UpdatedAt = time.Now()
	return s.store.Update(ctx, c)
}
