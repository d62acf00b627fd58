// Package settlement orchestrates the money movements that close out a
// contract: releasing escrowed funds to the freelancer, refunding the
// client on cancellation, and the post-cancel partial payout.
//
// Every settlement touches three entities at once (contract, escrow,
// wallet). The Store contract requires those writes to land as one
// atomic unit, and each completed settlement is recorded in an audit
// table keyed by (contract, operation) so a duplicated request becomes
// a conflict instead of a double payout. On top of that, a per-contract
// lock serializes settlements within this process so concurrent
// requests fail their guard checks deterministically.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/idgen"
	"github.com/hirewire/hirewire/internal/logging"
	"github.com/hirewire/hirewire/internal/metrics"
	"github.com/hirewire/hirewire/internal/syncutil"
	"github.com/hirewire/hirewire/internal/traces"
	"github.com/hirewire/hirewire/internal/wallet"
)

var (
	ErrAlreadySettled    = errors.New("contract already settled")
	ErrRefundUnavailable = errors.New("refund not available for contract in terminal status")
	ErrNotCanceled       = errors.New("contract is not canceled")
	ErrNotCompleted      = errors.New("contract is not completed")
)

// Operation identifies a kind of settlement. One settlement record
// exists per (contract, operation) pair.
type Operation string

const (
	OpRelease        Operation = "release"
	OpRefund         Operation = "refund"
	OpPartialPayment Operation = "partial_payment"
)

// Settlement is the audit record written alongside every money
// movement. Its uniqueness on (contract, operation) is the idempotency
// backstop for retried or raced requests.
type Settlement struct {
	ID                    string    `json:"id"`
	ContractID            string    `json:"contractId"`
	EscrowID              string    `json:"escrowId"`
	Operation             Operation `json:"operation"`
	FreelancerCreditCents int64     `json:"freelancerCreditCents"`
	ClientRefundCents     int64     `json:"clientRefundCents"`
	CreatedAt             time.Time `json:"createdAt"`
}

// RefundPolicy holds the basis-point splits applied when money leaves
// escrow early. Values come from configuration.
type RefundPolicy struct {
	// StartedBps and OngoingBps are the freelancer's share of the
	// earning when the client cancels a contract in that status.
	StartedBps int64
	OngoingBps int64
	// CanceledPayoutBps is the freelancer's share of the earning when
	// they request payment after a cancellation.
	CanceledPayoutBps int64
}

// DefaultRefundPolicy returns the standard splits: 15% on started, 40%
// on ongoing, 50% post-cancel.
func DefaultRefundPolicy() RefundPolicy {
	return RefundPolicy{StartedBps: 1500, OngoingBps: 4000, CanceledPayoutBps: 5000}
}

// FreelancerCut returns the freelancer's portion of the earning when a
// contract in the given status is canceled. ok is false when the status
// does not permit a refund at all.
func (p RefundPolicy) FreelancerCut(status contract.Status, earningCents int64) (int64, bool) {
	switch status {
	case contract.StatusPending:
		return 0, true
	case contract.StatusStarted:
		return earningCents * p.StartedBps / 10000, true
	case contract.StatusOngoing:
		return earningCents * p.OngoingBps / 10000, true
	default:
		return 0, false
	}
}

// CanceledPayout returns the freelancer's payout when they request
// payment on an already-canceled contract.
func (p RefundPolicy) CanceledPayout(earningCents int64) int64 {
	return earningCents * p.CanceledPayoutBps / 10000
}

// ReleaseWrite carries everything ApplyRelease must persist atomically.
type ReleaseWrite struct {
	Record        *Settlement
	Contract      *contract.Contract
	Escrow        *escrow.Escrow
	FreelancerTxn *wallet.Transaction
}

// RefundWrite carries everything ApplyRefund must persist atomically.
// FreelancerTxn is nil when the policy grants no partial credit.
type RefundWrite struct {
	Record                  *Settlement
	Contract                *contract.Contract
	FromStatus              contract.Status
	CancelReason            string
	CancelReasonDescription string
	Escrow                  *escrow.Escrow
	ClientTxn               *wallet.Transaction
	FreelancerTxn           *wallet.Transaction
}

// PartialPaymentWrite carries everything ApplyPartialPayment must
// persist atomically.
type PartialPaymentWrite struct {
	Record        *Settlement
	Contract      *contract.Contract
	Escrow        *escrow.Escrow
	FreelancerTxn *wallet.Transaction
}

// Mismatch is a settlement record whose escrow never left the funded
// state: the wallet credit is durable but the escrow/contract writes
// are not. The reconciler completes these without touching wallets.
type Mismatch struct {
	SettlementID string
	ContractID   string
	EscrowID     string
	Operation    Operation
}

// Store persists settlements together with their contract, escrow and
// wallet side effects. Apply methods must perform all writes as one
// atomic unit and return ErrAlreadySettled when a settlement for the
// same (contract, operation) already exists.
type Store interface {
	GetContract(ctx context.Context, id string) (*contract.Contract, error)
	// GetEscrowForContract returns the most recent escrow for the
	// contract, or escrow.ErrEscrowNotFound.
	GetEscrowForContract(ctx context.Context, contractID string) (*escrow.Escrow, error)

	ApplyRelease(ctx context.Context, w *ReleaseWrite) error
	ApplyRefund(ctx context.Context, w *RefundWrite) error
	ApplyPartialPayment(ctx context.Context, w *PartialPaymentWrite) error

	// MarkReleaseRequested advances the contract's release fund status
	// to requested. No money moves.
	MarkReleaseRequested(ctx context.Context, contractID string) error

	// ListSettlements returns the audit records for a contract.
	ListSettlements(ctx context.Context, contractID string) ([]*Settlement, error)

	// ListMismatches returns settlements whose escrow is still funded.
	ListMismatches(ctx context.Context, limit int) ([]*Mismatch, error)
	// CompleteSettlement finishes the escrow and contract writes for a
	// mismatched settlement. It must not write to any wallet.
	CompleteSettlement(ctx context.Context, m *Mismatch) error
}

// Event is pushed to connected users when a settlement lands.
type Event struct {
	Kind        string `json:"kind"`
	ContractID  string `json:"contractId"`
	AmountCents int64  `json:"amountCents"`
}

// Notifier delivers settlement events to a user's open connections.
// The realtime hub implements it. A nil Notifier disables delivery.
type Notifier interface {
	Notify(userID string, event Event)
}

// Service implements the settlement operations.
type Service struct {
	store    Store
	policy   RefundPolicy
	locks    *syncutil.KeyMutex
	notifier Notifier
}

// NewService creates a settlement service. notifier may be nil.
func NewService(store Store, policy RefundPolicy, notifier Notifier) *Service {
	return &Service{
		store:    store,
		policy:   policy,
		locks:    syncutil.NewKeyMutex(),
		notifier: notifier,
	}
}

// ReleaseToFreelancer pays the freelancer their earning from the
// contract's funded escrow. Only the client may trigger it. The second
// call for a contract conflicts.
func (s *Service) ReleaseToFreelancer(ctx context.Context, contractID, callerID string) (*Settlement, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithContractID(ctx, contractID)
	ctx, span := traces.StartSpan(ctx, "settlement.release",
		traces.ContractID(contractID), traces.UserID(callerID), traces.Operation(string(OpRelease)))
	defer span.End()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != callerID {
		return nil, contract.ErrNotClient
	}
	if c.ReleaseFundStatus == contract.ReleaseApproved {
		return nil, ErrAlreadySettled
	}

	e, err := s.store.GetEscrowForContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusFunded || e.AmountCents <= 0 {
		return nil, ErrAlreadySettled
	}
	span.SetAttributes(traces.EscrowID(e.ID), traces.AmountCents(e.FreelancerEarningCents))

	rec := newSettlement(c.ID, e.ID, OpRelease)
	rec.FreelancerCreditCents = e.FreelancerEarningCents

	write := &ReleaseWrite{
		Record:   rec,
		Contract: c,
		Escrow:   e,
		FreelancerTxn: wallet.NewTransaction(c.FreelancerID, e.FreelancerEarningCents,
			fmt.Sprintf("Payment for contract %s", c.Code), wallet.TypeCredit, c.ID),
	}
	if err := s.store.ApplyRelease(ctx, write); err != nil {
		metrics.SettlementsTotal.WithLabelValues(string(OpRelease), "error").Inc()
		return nil, err
	}

	s.recordSuccess(ctx, rec, e)
	s.notify(c.FreelancerID, Event{Kind: "escrow.released", ContractID: c.ID, AmountCents: e.FreelancerEarningCents})
	return rec, nil
}

// RefundToClient cancels the contract and returns the client's money,
// minus the platform fee and the freelancer's status-dependent share.
// Valid only while the contract is in a non-terminal status.
func (s *Service) RefundToClient(ctx context.Context, contractID, clientID, reason, description string) (*Settlement, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithContractID(ctx, contractID)
	ctx, span := traces.StartSpan(ctx, "settlement.refund",
		traces.ContractID(contractID), traces.UserID(clientID), traces.Operation(string(OpRefund)))
	defer span.End()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != clientID {
		return nil, contract.ErrNotClient
	}

	e, err := s.store.GetEscrowForContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if e.Status == escrow.StatusRefunded {
		return nil, escrow.ErrAlreadyRefunded
	}
	if e.Status != escrow.StatusFunded {
		return nil, escrow.ErrNotFunded
	}

	freelancerCut, ok := s.policy.FreelancerCut(c.Status, e.FreelancerEarningCents)
	if !ok {
		return nil, ErrRefundUnavailable
	}
	clientRefund := e.AmountCents - e.PlatformFeeCents - freelancerCut
	span.SetAttributes(traces.EscrowID(e.ID), traces.AmountCents(clientRefund))

	rec := newSettlement(c.ID, e.ID, OpRefund)
	rec.ClientRefundCents = clientRefund
	rec.FreelancerCreditCents = freelancerCut

	write := &RefundWrite{
		Record:                  rec,
		Contract:                c,
		FromStatus:              c.Status,
		CancelReason:            reason,
		CancelReasonDescription: description,
		Escrow:                  e,
		ClientTxn: wallet.NewTransaction(c.ClientID, clientRefund,
			fmt.Sprintf("Refund for canceled contract %s", c.Code), wallet.TypeCredit, c.ID),
	}
	if freelancerCut > 0 {
		write.FreelancerTxn = wallet.NewTransaction(c.FreelancerID, freelancerCut,
			fmt.Sprintf("Partial payment for canceled contract %s", c.Code), wallet.TypeCredit, c.ID)
	}

	if err := s.store.ApplyRefund(ctx, write); err != nil {
		metrics.SettlementsTotal.WithLabelValues(string(OpRefund), "error").Inc()
		return nil, err
	}

	s.recordSuccess(ctx, rec, e)
	s.notify(c.ClientID, Event{Kind: "escrow.refunded", ContractID: c.ID, AmountCents: clientRefund})
	if freelancerCut > 0 {
		s.notify(c.FreelancerID, Event{Kind: "escrow.partial_payment", ContractID: c.ID, AmountCents: freelancerCut})
	}
	return rec, nil
}

// ProcessFreelancerPaymentRequest pays the freelancer half of their
// earning after the contract was canceled. Only the freelancer may
// request it, and only once.
func (s *Service) ProcessFreelancerPaymentRequest(ctx context.Context, contractID, freelancerID string) (*Settlement, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithContractID(ctx, contractID)
	ctx, span := traces.StartSpan(ctx, "settlement.partial_payment",
		traces.ContractID(contractID), traces.UserID(freelancerID), traces.Operation(string(OpPartialPayment)))
	defer span.End()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.FreelancerID != freelancerID {
		return nil, contract.ErrNotFreelancer
	}
	if c.Status != contract.StatusCanceled {
		return nil, ErrNotCanceled
	}

	e, err := s.store.GetEscrowForContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if e.Status != escrow.StatusFunded || e.AmountCents <= 0 {
		return nil, ErrAlreadySettled
	}

	payout := s.policy.CanceledPayout(e.FreelancerEarningCents)
	span.SetAttributes(traces.EscrowID(e.ID), traces.AmountCents(payout))
	rec := newSettlement(c.ID, e.ID, OpPartialPayment)
	rec.FreelancerCreditCents = payout

	write := &PartialPaymentWrite{
		Record:   rec,
		Contract: c,
		Escrow:   e,
		FreelancerTxn: wallet.NewTransaction(c.FreelancerID, payout,
			fmt.Sprintf("Partial payment for canceled contract %s", c.Code), wallet.TypeCredit, c.ID),
	}
	if err := s.store.ApplyPartialPayment(ctx, write); err != nil {
		metrics.SettlementsTotal.WithLabelValues(string(OpPartialPayment), "error").Inc()
		return nil, err
	}

	s.recordSuccess(ctx, rec, e)
	s.notify(c.FreelancerID, Event{Kind: "escrow.partial_payment", ContractID: c.ID, AmountCents: payout})
	return rec, nil
}

// RequestFundRelease records the freelancer's payout request on a
// completed contract. It moves no money; the payout still requires
// ReleaseToFreelancer. Repeating the request is a no-op.
func (s *Service) RequestFundRelease(ctx context.Context, contractID, freelancerID string) (*contract.Contract, error) {
	unlock, err := s.locks.Lock(ctx, contractID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx = logging.WithContractID(ctx, contractID)
	ctx, span := traces.StartSpan(ctx, "settlement.release_request",
		traces.ContractID(contractID), traces.UserID(freelancerID))
	defer span.End()

	c, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.FreelancerID != freelancerID {
		return nil, contract.ErrNotFreelancer
	}
	if c.Status != contract.StatusCompleted {
		return nil, ErrNotCompleted
	}
	if c.ReleaseFundStatus == contract.ReleaseApproved {
		return nil, ErrAlreadySettled
	}
	if c.ReleaseFundStatus == contract.ReleaseRequested {
		return c, nil
	}

	if err := s.store.MarkReleaseRequested(ctx, contractID); err != nil {
		return nil, err
	}
	c.ReleaseFundStatus = contract.ReleaseRequested
	return c, nil
}

// History returns the settlement audit records for a contract.
func (s *Service) History(ctx context.Context, contractID string) ([]*Settlement, error) {
	return s.store.ListSettlements(ctx, contractID)
}

func (s *Service) recordSuccess(ctx context.Context, rec *Settlement, e *escrow.Escrow) {
	metrics.SettlementsTotal.WithLabelValues(string(rec.Operation), "ok").Inc()
	if rec.FreelancerCreditCents > 0 {
		metrics.WalletCreditsTotal.WithLabelValues("freelancer").Inc()
	}
	if rec.ClientRefundCents > 0 {
		metrics.WalletCreditsTotal.WithLabelValues("client_refund").Inc()
	}
	// The contract ID rides on the context.
	logging.L(ctx).Info("settlement applied",
		"operation", string(rec.Operation),
		"escrowId", e.ID,
		"freelancerCreditCents", rec.FreelancerCreditCents,
		"clientRefundCents", rec.ClientRefundCents,
	)
}

func (s *Service) notify(userID string, event Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(userID, event)
}

func newSettlement(contractID, escrowID string, op Operation) *Settlement {
	return &Settlement{
		ID:         idgen.WithPrefix("stl_"),
		ContractID: contractID,
		EscrowID:   escrowID,
		Operation:  op,
		CreatedAt:  time.Now(),
	}
}
