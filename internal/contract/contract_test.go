package contract

import (
	"context"
	"errors"
	"testing"
)

func newTestService() *Service {
	return NewService(NewMemoryStore())
}

func createTestContract(t *testing.T, s *Service) *Contract {
	t.Helper()
	c, err := s.Create(context.Background(), CreateRequest{
		JobID:        "job-1",
		ClientID:     "client-1",
		FreelancerID: "freelancer-1",
		AmountCents:  100000,
	})
	if err != nil {
		t.Fatalf("create contract: %v", err)
	}
	return c
}

func TestCreateContract(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)

	if c.Status != StatusPending {
		t.Errorf("expected pending, got %s", c.Status)
	}
	if c.ReleaseFundStatus != ReleaseNotRequested {
		t.Errorf("expected not_requested, got %s", c.ReleaseFundStatus)
	}
	if len(c.StatusHistory) != 1 || c.StatusHistory[0].Status != StatusPending {
		t.Errorf("expected one pending history entry, got %v", c.StatusHistory)
	}
	if c.Code[:3] != "HW-" {
		t.Errorf("expected HW- contract code, got %s", c.Code)
	}
}

func TestCreateContractValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateRequest{
		JobID: "j", ClientID: "a", FreelancerID: "b", AmountCents: 0,
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	if _, err := s.Create(ctx, CreateRequest{
		JobID: "j", ClientID: "a", FreelancerID: "a", AmountCents: 100,
	}); err == nil {
		t.Error("expected error for client == freelancer")
	}
}

func TestTransitionLegality(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusStarted, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusOngoing, false},
		{StatusStarted, StatusOngoing, true},
		{StatusStarted, StatusCanceled, true},
		{StatusStarted, StatusCompleted, false},
		{StatusOngoing, StatusCompleted, true},
		{StatusOngoing, StatusCanceled, true},
		{StatusOngoing, StatusStarted, false},
		{StatusCompleted, StatusCanceled, false},
		{StatusCompleted, StatusPending, false},
		{StatusCanceled, StatusStarted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTransitionSequence(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)
	ctx := context.Background()

	c, err := s.Transition(ctx, c.ID, StatusStarted)
	if err != nil {
		t.Fatalf("pending -> started: %v", err)
	}
	c, err = s.Transition(ctx, c.ID, StatusOngoing)
	if err != nil {
		t.Fatalf("started -> ongoing: %v", err)
	}
	if c.Status != StatusOngoing {
		t.Errorf("expected ongoing, got %s", c.Status)
	}
	if len(c.StatusHistory) != 3 {
		t.Errorf("expected 3 history entries, got %d", len(c.StatusHistory))
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)

	_, err := s.Transition(context.Background(), c.ID, StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	// The failed transition must not have touched stored state.
	stored, err := s.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusPending {
		t.Errorf("status mutated by illegal transition: %s", stored.Status)
	}
	if len(stored.StatusHistory) != 1 {
		t.Errorf("history mutated by illegal transition: %v", stored.StatusHistory)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	c := createTestContract(t, s)
	mustTransition(t, s, c.ID, StatusStarted, StatusOngoing, StatusCompleted)

	for _, target := range []Status{StatusPending, StatusStarted, StatusOngoing, StatusCanceled} {
		if _, err := s.Transition(ctx, c.ID, target); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("completed -> %s: expected ErrInvalidTransition, got %v", target, err)
		}
	}
}

func mustTransition(t *testing.T, s *Service, id string, targets ...Status) {
	t.Helper()
	for _, target := range targets {
		if _, err := s.Transition(context.Background(), id, target); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
}

func TestApprove(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)
	ctx := context.Background()

	if _, err := s.Approve(ctx, c.ID, "not-the-freelancer"); !errors.Is(err, ErrNotFreelancer) {
		t.Errorf("expected ErrNotFreelancer, got %v", err)
	}

	c, err := s.Approve(ctx, c.ID, "freelancer-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !c.IsApproved {
		t.Error("expected isApproved true")
	}

	// One-way flag: second approval conflicts.
	if _, err := s.Approve(ctx, c.ID, "freelancer-1"); !errors.Is(err, ErrAlreadyApproved) {
		t.Errorf("expected ErrAlreadyApproved, got %v", err)
	}
}

func TestMarkEscrowPaidIdempotent(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)
	ctx := context.Background()

	c, err := s.MarkEscrowPaid(ctx, c.ID)
	if err != nil {
		t.Fatalf("mark escrow paid: %v", err)
	}
	if !c.EscrowPaid {
		t.Error("expected escrowPaid true")
	}

	c2, err := s.MarkEscrowPaid(ctx, c.ID)
	if err != nil {
		t.Fatalf("second mark escrow paid: %v", err)
	}
	if !c2.EscrowPaid {
		t.Error("expected escrowPaid to remain true")
	}
}

func TestListByParticipant(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	c := createTestContract(t, s)

	for _, userID := range []string{"client-1", "freelancer-1"} {
		list, err := s.ListByParticipant(ctx, userID, "", 10)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("expected 1 contract for %s, got %d", userID, len(list))
		}
	}

	list, err := s.ListByParticipant(ctx, "client-1", StatusCompleted, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no completed contracts, got %d", len(list))
	}

	if err := s.SoftDelete(ctx, c.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	list, err = s.ListByParticipant(ctx, "client-1", "", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("soft-deleted contract still listed: %d", len(list))
	}
}

func TestGetByCode(t *testing.T) {
	s := newTestService()
	c := createTestContract(t, s)

	got, err := s.GetByCode(context.Background(), c.Code)
	if err != nil {
		t.Fatalf("get by code: %v", err)
	}
	if got.ID != c.ID {
		t.Errorf("expected %s, got %s", c.ID, got.ID)
	}

	if _, err := s.GetByCode(context.Background(), "HW-NOPE1234"); !errors.Is(err, ErrContractNotFound) {
		t.Errorf("expected ErrContractNotFound, got %v", err)
	}
}

func TestUpdateNeverRegressesReleaseFundStatus(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()
	c := createTestContract(t, s)

	// A caller reads the contract, then a settlement approves the
	// release before that caller writes back.
	stale, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}

	current, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	current.ReleaseFundStatus = ReleaseApproved
	if err := store.Update(ctx, current); err != nil {
		t.Fatalf("update contract: %v", err)
	}

	// The stale write still carries not_requested; its other fields
	// must land while the release status stays approved.
	stale.IsApproved = true
	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.ReleaseFundStatus != ReleaseApproved {
		t.Errorf("expected approved, got %s", got.ReleaseFundStatus)
	}
	if !got.IsApproved {
		t.Error("expected stale update's approval flag to land")
	}
}

func TestUpdateKeepsRequestedOverNotRequested(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()
	c := createTestContract(t, s)

	stale, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}

	current, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	current.ReleaseFundStatus = ReleaseRequested
	if err := store.Update(ctx, current); err != nil {
		t.Fatalf("update contract: %v", err)
	}

	if err := store.Update(ctx, stale); err != nil {
		t.Fatalf("stale update: %v", err)
	}

	got, err := store.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	if got.ReleaseFundStatus != ReleaseRequested {
		t.Errorf("expected requested, got %s", got.ReleaseFundStatus)
	}
}
