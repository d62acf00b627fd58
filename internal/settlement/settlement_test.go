package settlement

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hirewire/hirewire/internal/contract"
	"github.com/hirewire/hirewire/internal/escrow"
	"github.com/hirewire/hirewire/internal/wallet"
)

const (
	clientID     = "client-1"
	freelancerID = "free-1"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	contracts   *contract.MemoryStore
	contractSvc *contract.Service
	escrows     *escrow.MemoryStore
	ledger      *escrow.Ledger
	wallets     *wallet.MemoryStore
	walletSvc   *wallet.Service
	svc         *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		contracts: contract.NewMemoryStore(),
		escrows:   escrow.NewMemoryStore(),
		wallets:   wallet.NewMemoryStore(),
	}
	f.contractSvc = contract.NewService(f.contracts)
	f.ledger = escrow.NewLedger(f.escrows, escrow.FixedBps(1000))
	f.walletSvc = wallet.NewService(f.wallets)

	store := NewMemoryStore(f.contracts, f.escrows, f.wallets)
	f.svc = NewService(store, DefaultRefundPolicy(), nil)
	return f
}

// newFundedContract creates an approved, escrow-funded contract and
// walks it to the given status. Amount 1000 with a 10% fee gives the
// canonical split: fee 100, earning 900.
func (f *fixture) newFundedContract(t *testing.T, status contract.Status) *contract.Contract {
	t.Helper()
	ctx := context.Background()

	c, err := f.contractSvc.Create(ctx, contract.CreateRequest{
		JobID:        "job-1",
		ClientID:     clientID,
		FreelancerID: freelancerID,
		AmountCents:  1000,
	})
	require.NoError(t, err)

	_, err = f.contractSvc.Approve(ctx, c.ID, freelancerID)
	require.NoError(t, err)

	_, err = f.ledger.Fund(ctx, escrow.FundRequest{
		ContractID:   c.ID,
		JobID:        c.JobID,
		ClientID:     clientID,
		FreelancerID: freelancerID,
		AmountCents:  1000,
	})
	require.NoError(t, err)
	_, err = f.contractSvc.MarkEscrowPaid(ctx, c.ID)
	require.NoError(t, err)

	var path []contract.Status
	switch status {
	case contract.StatusPending:
	case contract.StatusStarted:
		path = []contract.Status{contract.StatusStarted}
	case contract.StatusOngoing:
		path = []contract.Status{contract.StatusStarted, contract.StatusOngoing}
	case contract.StatusCompleted:
		path = []contract.Status{contract.StatusStarted, contract.StatusOngoing, contract.StatusCompleted}
	case contract.StatusCanceled:
		path = []contract.Status{contract.StatusCanceled}
	}
	for _, s := range path {
		_, err = f.contractSvc.Transition(ctx, c.ID, s)
		require.NoError(t, err)
	}

	c, err = f.contractSvc.Get(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.walletSvc.Get(context.Background(), userID)
	if err != nil {
		require.ErrorIs(t, err, wallet.ErrWalletNotFound)
		return 0
	}
	return w.BalanceCents
}

func (f *fixture) assertBalanceIntegrity(t *testing.T, userID string) {
	t.Helper()
	txns, err := f.walletSvc.Transactions(context.Background(), userID, 1000)
	require.NoError(t, err)
	var sum int64
	for _, txn := range txns {
		sum += txn.SignedAmount()
	}
	assert.Equal(t, sum, f.balance(t, userID))
}

func TestReleaseToFreelancer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusCompleted)

	rec, err := f.svc.ReleaseToFreelancer(ctx, c.ID, clientID)
	require.NoError(t, err)
	assert.Equal(t, OpRelease, rec.Operation)
	assert.Equal(t, int64(900), rec.FreelancerCreditCents)

	assert.Equal(t, int64(900), f.balance(t, freelancerID))

	e, err := f.ledger.GetByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)
	assert.Equal(t, int64(0), e.AmountCents)

	c, err = f.contractSvc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ReleaseApproved, c.ReleaseFundStatus)
}

func TestReleaseTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusCompleted)

	_, err := f.svc.ReleaseToFreelancer(ctx, c.ID, clientID)
	require.NoError(t, err)

	_, err = f.svc.ReleaseToFreelancer(ctx, c.ID, clientID)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	// Exactly one credit landed.
	assert.Equal(t, int64(900), f.balance(t, freelancerID))
	f.assertBalanceIntegrity(t, freelancerID)
}

func TestReleaseRequiresClient(t *testing.T) {
	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusCompleted)

	_, err := f.svc.ReleaseToFreelancer(context.Background(), c.ID, freelancerID)
	assert.ErrorIs(t, err, contract.ErrNotClient)
	assert.Equal(t, int64(0), f.balance(t, freelancerID))
}

func TestRefundPendingContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusPending)

	rec, err := f.svc.RefundToClient(ctx, c.ID, clientID, "changed_mind", "")
	require.NoError(t, err)
	assert.Equal(t, int64(900), rec.ClientRefundCents)
	assert.Equal(t, int64(0), rec.FreelancerCreditCents)

	assert.Equal(t, int64(900), f.balance(t, clientID))
	assert.Equal(t, int64(0), f.balance(t, freelancerID))

	c, err = f.contractSvc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.StatusCanceled, c.Status)
	assert.Equal(t, contract.CanceledByClient, c.CanceledBy)
	assert.Equal(t, "changed_mind", c.CancelReason)
	assert.Equal(t, contract.ReleaseApproved, c.ReleaseFundStatus)

	e, err := f.ledger.GetByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, e.Status)
	assert.Equal(t, int64(0), e.AmountCents)
}

func TestRefundStartedContract(t *testing.T) {
	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusStarted)

	rec, err := f.svc.RefundToClient(context.Background(), c.ID, clientID, "scope_change", "project descoped")
	require.NoError(t, err)

	// 15% of the 900 earning goes to the freelancer.
	assert.Equal(t, int64(135), rec.FreelancerCreditCents)
	assert.Equal(t, int64(765), rec.ClientRefundCents)
	assert.Equal(t, int64(765), f.balance(t, clientID))
	assert.Equal(t, int64(135), f.balance(t, freelancerID))
	f.assertBalanceIntegrity(t, clientID)
	f.assertBalanceIntegrity(t, freelancerID)
}

func TestRefundOngoingContract(t *testing.T) {
	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusOngoing)

	rec, err := f.svc.RefundToClient(context.Background(), c.ID, clientID, "", "")
	require.NoError(t, err)

	// 40% of the 900 earning goes to the freelancer.
	assert.Equal(t, int64(360), rec.FreelancerCreditCents)
	assert.Equal(t, int64(540), rec.ClientRefundCents)
	assert.Equal(t, int64(540), f.balance(t, clientID))
	assert.Equal(t, int64(360), f.balance(t, freelancerID))
}

func TestRefundCompletedContractRejected(t *testing.T) {
	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusCompleted)

	_, err := f.svc.RefundToClient(context.Background(), c.ID, clientID, "", "")
	assert.ErrorIs(t, err, ErrRefundUnavailable)

	// No wallet was touched.
	assert.Equal(t, int64(0), f.balance(t, clientID))
	assert.Equal(t, int64(0), f.balance(t, freelancerID))
}

func TestRefundRequiresClient(t *testing.T) {
	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusStarted)

	_, err := f.svc.RefundToClient(context.Background(), c.ID, freelancerID, "", "")
	assert.ErrorIs(t, err, contract.ErrNotClient)
}

func TestRefundTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusStarted)

	_, err := f.svc.RefundToClient(ctx, c.ID, clientID, "", "")
	require.NoError(t, err)

	_, err = f.svc.RefundToClient(ctx, c.ID, clientID, "", "")
	assert.ErrorIs(t, err, escrow.ErrAlreadyRefunded)
	assert.Equal(t, int64(765), f.balance(t, clientID))
}

func TestReleaseAfterRefundConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusOngoing)

	_, err := f.svc.RefundToClient(ctx, c.ID, clientID, "", "")
	require.NoError(t, err)

	_, err = f.svc.ReleaseToFreelancer(ctx, c.ID, clientID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
	assert.Equal(t, int64(360), f.balance(t, freelancerID))
}

func TestFreelancerPaymentRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Canceled without a refund: the freelancer may still claim half
	// the earning from the funded escrow.
	c := f.newFundedContract(t, contract.StatusCanceled)

	rec, err := f.svc.ProcessFreelancerPaymentRequest(ctx, c.ID, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, OpPartialPayment, rec.Operation)
	assert.Equal(t, int64(450), rec.FreelancerCreditCents)
	assert.Equal(t, int64(450), f.balance(t, freelancerID))

	e, err := f.ledger.GetByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)
}

func TestFreelancerPaymentRequestGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	active := f.newFundedContract(t, contract.StatusOngoing)
	_, err := f.svc.ProcessFreelancerPaymentRequest(ctx, active.ID, freelancerID)
	assert.ErrorIs(t, err, ErrNotCanceled)

	canceled := f.newFundedContract(t, contract.StatusCanceled)
	_, err = f.svc.ProcessFreelancerPaymentRequest(ctx, canceled.ID, clientID)
	assert.ErrorIs(t, err, contract.ErrNotFreelancer)

	_, err = f.svc.ProcessFreelancerPaymentRequest(ctx, canceled.ID, freelancerID)
	require.NoError(t, err)
	_, err = f.svc.ProcessFreelancerPaymentRequest(ctx, canceled.ID, freelancerID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRequestFundRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusCompleted)

	got, err := f.svc.RequestFundRelease(ctx, c.ID, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, contract.ReleaseRequested, got.ReleaseFundStatus)

	// Repeating the request is a no-op, not an error.
	got, err = f.svc.RequestFundRelease(ctx, c.ID, freelancerID)
	require.NoError(t, err)
	assert.Equal(t, contract.ReleaseRequested, got.ReleaseFundStatus)

	// No money moved.
	assert.Equal(t, int64(0), f.balance(t, freelancerID))
}

func TestRequestFundReleaseGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ongoing := f.newFundedContract(t, contract.StatusOngoing)
	_, err := f.svc.RequestFundRelease(ctx, ongoing.ID, freelancerID)
	assert.ErrorIs(t, err, ErrNotCompleted)

	done := f.newFundedContract(t, contract.StatusCompleted)
	_, err = f.svc.RequestFundRelease(ctx, done.ID, clientID)
	assert.ErrorIs(t, err, contract.ErrNotFreelancer)

	_, err = f.svc.ReleaseToFreelancer(ctx, done.ID, clientID)
	require.NoError(t, err)
	_, err = f.svc.RequestFundRelease(ctx, done.ID, freelancerID)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestHistoryRecordsSettlements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusCompleted)

	_, err := f.svc.ReleaseToFreelancer(ctx, c.ID, clientID)
	require.NoError(t, err)

	recs, err := f.svc.History(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, OpRelease, recs[0].Operation)
	assert.Equal(t, c.ID, recs[0].ContractID)
}

func TestRefundPolicyTable(t *testing.T) {
	p := DefaultRefundPolicy()

	tests := []struct {
		status  contract.Status
		earning int64
		want    int64
		ok      bool
	}{
		{contract.StatusPending, 900, 0, true},
		{contract.StatusStarted, 900, 135, true},
		{contract.StatusOngoing, 900, 360, true},
		{contract.StatusCompleted, 900, 0, false},
		{contract.StatusCanceled, 900, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.FreelancerCut(tt.status, tt.earning)
		assert.Equal(t, tt.ok, ok, "status %s", tt.status)
		assert.Equal(t, tt.want, got, "status %s", tt.status)
	}

	assert.Equal(t, int64(450), p.CanceledPayout(900))
}

func TestReconcilerCompletesDanglingSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.newFundedContract(t, contract.StatusCompleted)

	e, err := f.ledger.GetByContract(ctx, c.ID)
	require.NoError(t, err)

	// Simulate a settlement whose escrow write never landed: the audit
	// record exists but the escrow is still funded.
	store := f.svc.store.(*MemoryStore)
	rec := newSettlement(c.ID, e.ID, OpRelease)
	rec.FreelancerCreditCents = e.FreelancerEarningCents
	require.NoError(t, store.record(rec))

	mismatches, err := store.ListMismatches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)

	r := NewReconciler(store, discardLogger())
	r.Run(ctx)

	e, err = f.ledger.GetByContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, e.Status)
	assert.Equal(t, int64(0), e.AmountCents)

	c, err = f.contractSvc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, contract.ReleaseApproved, c.ReleaseFundStatus)

	// Completion never credits a wallet.
	assert.Equal(t, int64(0), f.balance(t, freelancerID))

	mismatches, err = store.ListMismatches(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestReleaseRecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	c := f.newFundedContract(t, contract.StatusCompleted)

	_, err := f.svc.ReleaseToFreelancer(context.Background(), c.ID, clientID)
	require.NoError(t, err)

	var span sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "settlement.release" {
			span = s
		}
	}
	require.NotNil(t, span, "expected a settlement.release span")

	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, c.ID, attrs["contract.id"].AsString())
	assert.Equal(t, int64(900), attrs["amount_cents"].AsInt64())
	assert.Equal(t, "release", attrs["settlement.operation"].AsString())
}
