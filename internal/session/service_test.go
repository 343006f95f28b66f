package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockLedger records calls for verification.
type mockLedger struct {
	mu      sync.Mutex
	locked  map[string]string // reference -> amount
	settles []settleCall
	refunds []refundCall
}

type settleCall struct {
	payer, counterparty, release, fee, reference string
}

type refundCall struct {
	payer, amount, reference string
}

func newMockLedger() *mockLedger {
	return &mockLedger{locked: make(map[string]string)}
}

func (m *mockLedger) EscrowLock(ctx context.Context, payerAddr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked[reference] = amount
	return nil
}

func (m *mockLedger) SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, releaseAmount, feeAmount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settles = append(m.settles, settleCall{payerAddr, counterpartyAddr, releaseAmount, feeAmount, reference})
	return nil
}

func (m *mockLedger) RefundEscrow(ctx context.Context, payerAddr, amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, refundCall{payerAddr, amount, reference})
	return nil
}

func (m *mockLedger) settleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.settles)
}

func (m *mockLedger) refundCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refunds)
}

// failingLedger returns errors on specific operations.
type failingLedger struct {
	lockErr   error
	settleErr error
	refundErr error
	calls     []string
}

func (f *failingLedger) EscrowLock(ctx context.Context, payerAddr, amount, reference string) error {
	f.calls = append(f.calls, "lock")
	return f.lockErr
}

func (f *failingLedger) SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, releaseAmount, feeAmount, reference string) error {
	f.calls = append(f.calls, "settle")
	return f.settleErr
}

func (f *failingLedger) RefundEscrow(ctx context.Context, payerAddr, amount, reference string) error {
	f.calls = append(f.calls, "refund")
	return f.refundErr
}

// recordingEmitter captures transition events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []TransitionEvent
}

func (r *recordingEmitter) EmitTransition(ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// fakeClock is a controllable time source shared by a test and its service.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() Config {
	return Config{
		Settlement: SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10},
		Timeouts: Timeouts{
			StartTimeout:     10 * time.Minute,
			HeartbeatTimeout: 2 * time.Minute,
			MaxPauseDuration: 30 * time.Minute,
			DisputeTimeout:   72 * time.Hour,
		},
		Guards:             Guards{MaxTransitions: 50},
		Recovery:           RecoveryConfig{MaxAttempts: 3, Cooldown: 5 * time.Minute},
		MinPlannedDuration: time.Minute,
		MaxPlannedDuration: 24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *mockLedger, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	ledger := newMockLedger()
	clock := newFakeClock()
	svc := NewService(store, ledger, testConfig())
	svc.now = clock.Now
	return svc, store, ledger, clock
}

const (
	payer        = "0xpayer"
	counterparty = "0xcounterparty"
)

func mustCreate(t *testing.T, svc *Service, amount string, durationSec int64) *Session {
	t.Helper()
	s, err := svc.Create(context.Background(), payer, CreateRequest{
		CounterpartyAddr:   counterparty,
		Amount:             amount,
		PlannedDurationSec: durationSec,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return s
}

func TestService_HappyPath(t *testing.T) {
	svc, _, ledger, clock := newTestService(t)
	emitter := &recordingEmitter{}
	svc.WithEmitter(emitter)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if s.Status != StatusCreated {
		t.Fatalf("status = %s, want created", s.Status)
	}
	if s.TotalAmount != "100.000000" {
		t.Errorf("total = %q, want 100.000000", s.TotalAmount)
	}
	if s.ReleasedAmount != "0.000000" || s.RefundedAmount != "0.000000" {
		t.Errorf("released/refunded = %q/%q, want zero", s.ReleasedAmount, s.RefundedAmount)
	}
	if got := ledger.locked[s.ID]; got != "100.000000" {
		t.Errorf("escrow locked %q, want 100.000000", got)
	}

	s, err := svc.Start(ctx, s.ID, counterparty)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if s.Status != StatusActive || s.StartedAt == nil {
		t.Fatalf("after start: status=%s startedAt=%v", s.Status, s.StartedAt)
	}

	// Half the planned duration consumed: 50% releases, minus the 2.5% fee.
	clock.Advance(30 * time.Minute)
	s, err = svc.Heartbeat(ctx, s.ID, counterparty)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if s.ReleasedAmount != "50.000000" {
		t.Errorf("released = %q, want 50.000000", s.ReleasedAmount)
	}
	if ledger.settleCount() != 1 {
		t.Fatalf("settle calls = %d, want 1", ledger.settleCount())
	}
	got := ledger.settles[0]
	if got.release != "48.750000" || got.fee != "1.250000" {
		t.Errorf("settle = %s + %s fee, want 48.750000 + 1.250000", got.release, got.fee)
	}

	// Explicit completion drains the remainder at exactly 100%.
	clock.Advance(10 * time.Minute)
	s, err = svc.Complete(ctx, s.ID, payer)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.ReleasedAmount != "100.000000" {
		t.Errorf("final released = %q, want 100.000000", s.ReleasedAmount)
	}
	if ledger.refundCount() != 0 {
		t.Errorf("refunds = %d, want 0", ledger.refundCount())
	}

	// Terminal sessions reject further mutation.
	if _, err := svc.Complete(ctx, s.ID, payer); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("second Complete err = %v, want ErrTerminalStatus", err)
	}
	if _, err := svc.Heartbeat(ctx, s.ID, counterparty); !errors.Is(err, ErrTerminalStatus) {
		t.Errorf("heartbeat after completion err = %v, want ErrTerminalStatus", err)
	}

	events := waitForEvents(t, emitter, 4)
	if len(events) != 4 {
		t.Fatalf("emitted %d events, want 4", len(events))
	}
	last := events[len(events)-1]
	if last.NewStatus != StatusCompleted || last.ReleasedAmount == "" {
		t.Errorf("final event = %+v, want completed with release amounts", last)
	}
}

// waitForEvents blocks until the emitter has received at least n events.
// Delivery is asynchronous, so tests poll instead of reading directly.
func waitForEvents(t *testing.T, r *recordingEmitter, n int) []TransitionEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			events := append([]TransitionEvent(nil), r.events...)
			r.mu.Unlock()
			return events
		}
		r.mu.Unlock()
		if time.Now().After(deadline) {
			r.mu.Lock()
			defer r.mu.Unlock()
			t.Fatalf("timed out with %d events, want %d", len(r.events), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_TransitionEventsDeliveredInOrder(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	emitter := &recordingEmitter{}
	svc.WithEmitter(emitter)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(ctx, s.ID, payer); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Rapid-fire transitions with no settling time in between; consumers
	// must still see them in commit order.
	for i := 0; i < 2; i++ {
		if _, err := svc.Pause(ctx, s.ID, payer, "break"); err != nil {
			t.Fatalf("Pause failed: %v", err)
		}
		if _, err := svc.Heartbeat(ctx, s.ID, payer); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}
	clock.Advance(time.Hour)
	if _, err := svc.Complete(ctx, s.ID, payer); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	events := waitForEvents(t, emitter, 7)
	want := []Status{StatusCreated, StatusActive, StatusPaused, StatusActive, StatusPaused, StatusActive, StatusCompleted}
	if len(events) != len(want) {
		t.Fatalf("emitted %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.NewStatus != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.NewStatus, want[i])
		}
	}
}

func TestService_CreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"same party", CreateRequest{CounterpartyAddr: "0xPAYER", Amount: "10", PlannedDurationSec: 3600}, ErrSameParty},
		{"zero amount", CreateRequest{CounterpartyAddr: counterparty, Amount: "0", PlannedDurationSec: 3600}, ErrInvalidAmount},
		{"negative amount", CreateRequest{CounterpartyAddr: counterparty, Amount: "-5", PlannedDurationSec: 3600}, ErrInvalidAmount},
		{"garbage amount", CreateRequest{CounterpartyAddr: counterparty, Amount: "abc", PlannedDurationSec: 3600}, ErrInvalidAmount},
		{"too short", CreateRequest{CounterpartyAddr: counterparty, Amount: "10", PlannedDurationSec: 30}, ErrInvalidDuration},
		{"too long", CreateRequest{CounterpartyAddr: counterparty, Amount: "10", PlannedDurationSec: 100 * 3600}, ErrInvalidDuration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, "0xpayer", tc.req); !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestService_CreateLowercasesAddresses(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	s, err := svc.Create(context.Background(), "0xPayER", CreateRequest{
		CounterpartyAddr:   "0xCounterPARTY",
		Amount:             "10",
		PlannedDurationSec: 3600,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.PayerAddr != "0xpayer" || s.CounterpartyAddr != "0xcounterparty" {
		t.Errorf("addresses = %s / %s, want lowercased", s.PayerAddr, s.CounterpartyAddr)
	}
}

// failingStore rejects creation so the escrow compensation path can be observed.
type failingStore struct {
	Store
	createErr error
}

func (f *failingStore) Create(ctx context.Context, s *Session) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.Store.Create(ctx, s)
}

func TestService_CreateStoreFailureRefundsEscrow(t *testing.T) {
	ledger := newMockLedger()
	store := &failingStore{Store: NewMemoryStore(), createErr: errors.New("db down")}
	svc := NewService(store, ledger, testConfig())

	_, err := svc.Create(context.Background(), payer, CreateRequest{
		CounterpartyAddr:   counterparty,
		Amount:             "25",
		PlannedDurationSec: 3600,
	})
	if err == nil {
		t.Fatal("expected error when store fails")
	}
	if ledger.refundCount() != 1 {
		t.Fatalf("refunds = %d, want compensating refund", ledger.refundCount())
	}
	if ledger.refunds[0].amount != "25.000000" {
		t.Errorf("refund amount = %q, want 25.000000", ledger.refunds[0].amount)
	}
}

func TestService_CreateEscrowLockFailure(t *testing.T) {
	store := NewMemoryStore()
	ledger := &failingLedger{lockErr: errors.New("insufficient funds")}
	svc := NewService(store, ledger, testConfig())

	_, err := svc.Create(context.Background(), payer, CreateRequest{
		CounterpartyAddr:   counterparty,
		Amount:             "25",
		PlannedDurationSec: 3600,
	})
	if err == nil {
		t.Fatal("expected error when escrow lock fails")
	}
	if len(ledger.calls) != 1 || ledger.calls[0] != "lock" {
		t.Errorf("calls = %v, want only the lock attempt", ledger.calls)
	}
}

func TestService_StartWindowElapsed(t *testing.T) {
	svc, _, ledger, clock := newTestService(t)
	s := mustCreate(t, svc, "10", 3600)

	clock.Advance(11 * time.Minute)
	if _, err := svc.Start(context.Background(), s.ID, counterparty); !errors.Is(err, ErrStartWindowElapsed) {
		t.Fatalf("err = %v, want ErrStartWindowElapsed", err)
	}
	if ledger.settleCount() != 0 || ledger.refundCount() != 0 {
		t.Error("no funds should move on a rejected start")
	}
}

func TestService_StartUnauthorized(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	s := mustCreate(t, svc, "10", 3600)

	if _, err := svc.Start(context.Background(), s.ID, "0xstranger"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestService_HeartbeatBeforeStart(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	s := mustCreate(t, svc, "10", 3600)

	if _, err := svc.Heartbeat(context.Background(), s.ID, counterparty); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestService_PauseResumeExcludesPausedTime(t *testing.T) {
	svc, _, ledger, clock := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// 10 minutes active, then a 20 minute pause that must not count.
	clock.Advance(10 * time.Minute)
	s, err := svc.Pause(ctx, s.ID, payer, "lunch break")
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if s.Status != StatusPaused || s.PausedAt == nil || s.PauseReason != "lunch break" {
		t.Fatalf("after pause: %+v", s)
	}

	clock.Advance(20 * time.Minute)
	s, err = svc.Heartbeat(ctx, s.ID, counterparty)
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if s.Status != StatusActive {
		t.Fatalf("status = %s, want active after auto-resume", s.Status)
	}
	if s.PausedAt != nil || s.PauseReason != "" {
		t.Error("pause marker not cleared on resume")
	}
	if s.EffectivePausedSec != 1200 {
		t.Errorf("effectivePausedSecs = %d, want 1200", s.EffectivePausedSec)
	}

	// Only the 10 active minutes earn: 1666 bps of 100.
	if s.ReleasedAmount != "16.660000" {
		t.Errorf("released = %q, want 16.660000", s.ReleasedAmount)
	}
	if ledger.settleCount() != 1 {
		t.Fatalf("settle calls = %d, want 1", ledger.settleCount())
	}
	if got := ledger.settles[0]; got.release != "16.243500" || got.fee != "0.416500" {
		t.Errorf("settle = %s + %s fee, want 16.243500 + 0.416500", got.release, got.fee)
	}
}

func TestService_PauseRequiresReason(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "10", 3600)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := svc.Pause(ctx, s.ID, payer, "   "); !errors.Is(err, ErrReasonRequired) {
		t.Errorf("err = %v, want ErrReasonRequired", err)
	}
}

func TestService_HeartbeatClockRegression(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "10", 3600)
	clock.Advance(time.Minute)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(-30 * time.Second)
	if _, err := svc.Heartbeat(ctx, s.ID, counterparty); !errors.Is(err, ErrTimestampRegression) {
		t.Errorf("err = %v, want ErrTimestampRegression", err)
	}
}

func TestService_SettleFailureLeavesRecordUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ledger := &failingLedger{settleErr: errors.New("ledger unavailable")}
	clock := newFakeClock()
	svc := NewService(store, ledger, testConfig())
	svc.now = clock.Now
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	clock.Advance(30 * time.Minute)
	if _, err := svc.Heartbeat(ctx, s.ID, counterparty); err == nil {
		t.Fatal("expected heartbeat to fail when settlement fails")
	}

	stored, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.ReleasedAmount != "0.000000" {
		t.Errorf("released = %q, want 0.000000 after failed settle", stored.ReleasedAmount)
	}
	if stored.Status != StatusActive {
		t.Errorf("status = %s, want active", stored.Status)
	}
}

func TestService_GetAvailablePayment(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)

	// Not started: nothing to draw on.
	rel, err := svc.GetAvailablePayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetAvailablePayment failed: %v", err)
	}
	if rel.Amount.Sign() != 0 {
		t.Errorf("available before start = %s, want 0", rel.Amount)
	}

	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(18 * time.Minute) // 3000 bps

	rel, err = svc.GetAvailablePayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetAvailablePayment failed: %v", err)
	}
	if rel.FractionBps != 3000 {
		t.Errorf("fraction = %d bps, want 3000", rel.FractionBps)
	}
	if got := rel.Amount.String(); got != "30000000" {
		t.Errorf("available = %s units, want 30000000", got)
	}

	// Reads never mutate: asking twice returns the same answer.
	again, err := svc.GetAvailablePayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetAvailablePayment failed: %v", err)
	}
	if again.Amount.Cmp(rel.Amount) != 0 {
		t.Error("repeated read changed the available amount")
	}
}

func TestService_GetAvailablePaymentFrozenInDispute(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(30 * time.Minute)
	if _, err := svc.RaiseDispute(ctx, s.ID, payer, DisputeRequest{Reason: "not as agreed"}); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}

	rel, err := svc.GetAvailablePayment(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetAvailablePayment failed: %v", err)
	}
	if rel.Amount.Sign() != 0 {
		t.Errorf("available during dispute = %s, want 0", rel.Amount)
	}
}

func TestService_CompleteFromPausedFoldsPause(t *testing.T) {
	svc, _, _, clock := newTestService(t)
	ctx := context.Background()

	s := mustCreate(t, svc, "100", 3600)
	if _, err := svc.Start(ctx, s.ID, counterparty); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if _, err := svc.Pause(ctx, s.ID, payer, "break"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	clock.Advance(5 * time.Minute)

	s, err := svc.Complete(ctx, s.ID, payer)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", s.Status)
	}
	if s.EffectivePausedSec != 300 {
		t.Errorf("effectivePausedSecs = %d, want 300", s.EffectivePausedSec)
	}
	// Completion always drains the full escrow regardless of elapsed time.
	if s.ReleasedAmount != "100.000000" {
		t.Errorf("released = %q, want 100.000000", s.ReleasedAmount)
	}
}

func TestService_ListByParticipant(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	a := mustCreate(t, svc, "10", 3600)
	if _, err := svc.Create(ctx, "0xother", CreateRequest{
		CounterpartyAddr:   "0xsomebody",
		Amount:             "10",
		PlannedDurationSec: 3600,
	}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := svc.ListByParticipant(ctx, "0xPAYER", 0)
	if err != nil {
		t.Fatalf("ListByParticipant failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Errorf("got %d sessions, want exactly the payer's one", len(got))
	}
}
