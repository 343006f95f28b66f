package session

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSweeper_RecoversNoShow(t *testing.T) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	svc := NewService(store, ledger, testConfig())
	ctx := context.Background()

	now := time.Now()
	s := &Session{
		ID: "ses_noshow", PayerAddr: payer, CounterpartyAddr: counterparty,
		TotalAmount: "50.000000", ReleasedAmount: "0.000000", RefundedAmount: "0.000000",
		PlannedDurationSec: 3600, Status: StatusCreated,
		CreatedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-time.Hour),
		AutoRecoveryEnabled: true,
	}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := NewSweeper(svc, store, testConfig().Timeouts, time.Second, testLogger())
	w.sweep(ctx)

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want expired", got.Status)
	}
	if ledger.refundCount() != 1 || ledger.refunds[0].amount != "50.000000" {
		t.Errorf("refunds = %+v, want the full escrow", ledger.refunds)
	}
}

func TestSweeper_AutoCompletesConsumedSession(t *testing.T) {
	store := NewMemoryStore()
	ledger := newMockLedger()
	svc := NewService(store, ledger, testConfig())
	ctx := context.Background()

	// Healthy and heartbeating, but the planned minute ran out long ago.
	now := time.Now()
	s := &Session{
		ID: "ses_done", PayerAddr: payer, CounterpartyAddr: counterparty,
		TotalAmount: "50.000000", ReleasedAmount: "0.000000", RefundedAmount: "0.000000",
		PlannedDurationSec: 60, Status: StatusActive,
		CreatedAt: now.Add(-10 * time.Minute), StartedAt: tp(now.Add(-10 * time.Minute)),
		LastHeartbeatAt: tp(now.Add(-10 * time.Second)), LastActivityAt: now.Add(-10 * time.Second),
		AutoRecoveryEnabled: true,
	}
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	w := NewSweeper(svc, store, testConfig().Timeouts, time.Second, testLogger())
	w.sweep(ctx)

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.ReleasedAmount != "50.000000" {
		t.Errorf("released = %q, want full drain", got.ReleasedAmount)
	}
	// Auto-completion spends no recovery budget.
	if got.RecoveryAttempts != 0 {
		t.Errorf("recoveryAttempts = %d, want 0", got.RecoveryAttempts)
	}
}

func TestSweeper_StartAndStop(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, newMockLedger(), testConfig())
	w := NewSweeper(svc, store, testConfig().Timeouts, 10*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !w.Running() {
		select {
		case <-deadline:
			t.Fatal("sweeper never reported running")
		case <-time.After(time.Millisecond):
		}
	}

	w.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
	if w.Running() {
		t.Error("still reports running after stop")
	}
}
