// Package payments is the Stripe edge of the platform: it creates
// checkout sessions for approved contracts and consumes the checkout
// webhook that funds the escrow.
//
// The webhook is the only path that creates escrows. The paid amount is
// checked against the contract's agreed amount before any funding
// happens, and a redelivered event lands on the active-escrow guard and
// becomes a no-op.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/logging"
	"github.com/hirewire/hirewire/internal/metrics"
	"github.com/hirewire/hirewire/internal/settlement"
	"github.com/hirewire/hirewire/internal/traces"
)

var (
	ErrNotApproved    = errors.New("contract is not approved by the freelancer")
	ErrAlreadyFunded  = errors.New("contract escrow is already funded")
	ErrAmountMismatch = errors.New("paid amount does not match contract amount")
)

// Config holds the Stripe keys and redirect URLs.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is the client-facing result of starting a checkout.
type CheckoutSession struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// Service creates checkout sessions and processes funding events.
type Service struct {
	contracts *contract.Service
	ledger    *escrow.Ledger
	cfg       Config
	notifier  settlement.Notifier
}

// NewService creates a payments service. notifier may be nil.
func NewService(contracts *contract.Service, ledger *escrow.Ledger, cfg Config, notifier settlement.Notifier) *Service {
	stripe.Key = cfg.SecretKey
	return &Service{contracts: contracts, ledger: ledger, cfg: cfg, notifier: notifier}
}

// CreateCheckoutSession starts a Stripe checkout for the contract
// amount. Only the client may fund, and only after the freelancer has
// approved.
func (s *Service) CreateCheckoutSession(ctx context.Context, contractID, callerID string) (*CheckoutSession, error) {
	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.ClientID != callerID {
		return nil, contract.ErrNotClient
	}
	if !c.IsApproved {
		return nil, ErrNotApproved
	}
	if c.EscrowPaid {
		return nil, ErrAlreadyFunded
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.SuccessURL),
		CancelURL:  stripe.String(s.cfg.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(string(stripe.CurrencyUSD)),
					UnitAmount: stripe.Int64(c.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("Contract %s", c.Code)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.AddMetadata("contract_id", c.ID)

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &CheckoutSession{SessionID: sess.ID, URL: sess.URL}, nil
}

// HandleCheckoutCompleted funds the contract's escrow from a completed
// checkout session. A redelivered event is a no-op.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, sess *stripe.CheckoutSession) error {
	contractID := sess.Metadata["contract_id"]
	if contractID == "" {
		return errors.New("checkout session has no contract_id metadata")
	}

	ctx = logging.WithContractID(ctx, contractID)
	ctx, span := traces.StartSpan(ctx, "payments.checkout_completed",
		traces.ContractID(contractID), traces.AmountCents(sess.AmountTotal))
	defer span.End()

	c, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return err
	}
	if sess.AmountTotal != c.AmountCents {
		return fmt.Errorf("%w: paid %d, contract %d", ErrAmountMismatch, sess.AmountTotal, c.AmountCents)
	}

	_, err = s.ledger.Fund(ctx, escrow.FundRequest{
		ContractID:   c.ID,
		JobID:        c.JobID,
		ClientID:     c.ClientID,
		FreelancerID: c.FreelancerID,
		AmountCents:  sess.AmountTotal,
	})
	if errors.Is(err, escrow.ErrActiveEscrow) {
		// Duplicate webhook delivery; the first one already funded.
		logging.L(ctx).Info("duplicate funding event ignored")
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.contracts.MarkEscrowPaid(ctx, c.ID); err != nil {
		return err
	}

	metrics.EscrowFundedTotal.Inc()
	logging.L(ctx).Info("escrow funded", "amountCents", sess.AmountTotal)
	if s.notifier != nil {
		s.notifier.Notify(c.FreelancerID, settlement.Event{
			Kind: "escrow.funded", ContractID: c.ID, AmountCents: sess.AmountTotal,
		})
	}
	return nil
}

// parseCheckoutSession extracts the session object from a webhook event
// payload.
func parseCheckoutSession(data json.RawMessage) (*stripe.CheckoutSession, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse checkout session: %w", err)
	}
	return &sess, nil
}
