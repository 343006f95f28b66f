package session

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/sessionpay/internal/token"
)

func activeSession(total string, plannedSec int64, startedAgo time.Duration, now time.Time) *Session {
	started := now.Add(-startedAgo)
	return &Session{
		ID:                 "ses_test",
		TotalAmount:        total,
		ReleasedAmount:     "0.000000",
		RefundedAmount:     "0.000000",
		PlannedDurationSec: plannedSec,
		Status:             StatusActive,
		CreatedAt:          started,
		StartedAt:          &started,
		LastActivityAt:     started,
	}
}

func TestComputeRelease_Progressive(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10}

	cases := []struct {
		name        string
		elapsed     time.Duration
		wantBps     int64
		wantAmount  string
		wantFee     string
		wantCounter string
	}{
		{"quarter", 15 * time.Minute, 2500, "25.000000", "0.625000", "24.375000"},
		{"half", 30 * time.Minute, 5000, "50.000000", "1.250000", "48.750000"},
		{"five sixths", 50 * time.Minute, 8333, "83.330000", "2.083250", "81.246750"},
		{"capped at ninety percent", 60 * time.Minute, 9000, "90.000000", "2.250000", "87.750000"},
		{"still capped past full", 90 * time.Minute, 9000, "90.000000", "2.250000", "87.750000"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := activeSession("100", 3600, tc.elapsed, now)
			rel, err := ComputeRelease(s, now, cfg)
			if err != nil {
				t.Fatalf("ComputeRelease failed: %v", err)
			}
			if rel.FractionBps != tc.wantBps {
				t.Errorf("fraction = %d bps, want %d", rel.FractionBps, tc.wantBps)
			}
			if got := token.Format(rel.Amount); got != tc.wantAmount {
				t.Errorf("amount = %s, want %s", got, tc.wantAmount)
			}
			if got := token.Format(rel.Fee); got != tc.wantFee {
				t.Errorf("fee = %s, want %s", got, tc.wantFee)
			}
			if got := token.Format(rel.Counterparty); got != tc.wantCounter {
				t.Errorf("counterparty = %s, want %s", got, tc.wantCounter)
			}
		})
	}
}

func TestComputeRelease_IncrementalOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10}

	// Half consumed but 30 already released: only the 20 delta is due.
	s := activeSession("100", 3600, 30*time.Minute, now)
	s.ReleasedAmount = "30.000000"

	rel, err := ComputeRelease(s, now, cfg)
	if err != nil {
		t.Fatalf("ComputeRelease failed: %v", err)
	}
	if got := token.Format(rel.Amount); got != "20.000000" {
		t.Errorf("amount = %s, want 20.000000", got)
	}
}

func TestComputeRelease_CompletedDrainsWithoutCap(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10}

	s := activeSession("100", 3600, 45*time.Minute, now)
	s.Status = StatusCompleted
	s.ReleasedAmount = "90.000000"

	rel, err := ComputeRelease(s, now, cfg)
	if err != nil {
		t.Fatalf("ComputeRelease failed: %v", err)
	}
	if rel.FractionBps != 10000 {
		t.Errorf("fraction = %d bps, want 10000", rel.FractionBps)
	}
	if got := token.Format(rel.Amount); got != "10.000000" {
		t.Errorf("amount = %s, want the 10.000000 tail", got)
	}
}

func TestComputeRelease_DustSuppressed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10}

	// 1 second of 10000 planned earns 1 bp, below the 10 bp floor.
	s := activeSession("100", 10000, time.Second, now)
	rel, err := ComputeRelease(s, now, cfg)
	if err != nil {
		t.Fatalf("ComputeRelease failed: %v", err)
	}
	if rel.Amount.Sign() != 0 {
		t.Errorf("amount = %s, want 0 for a sub-threshold release", token.Format(rel.Amount))
	}

	// The completion step never suppresses dust.
	s.Status = StatusCompleted
	rel, err = ComputeRelease(s, now, cfg)
	if err != nil {
		t.Fatalf("ComputeRelease failed: %v", err)
	}
	if got := token.Format(rel.Amount); got != "100.000000" {
		t.Errorf("completion amount = %s, want 100.000000", got)
	}
}

func TestComputeRelease_RefundsShrinkTheGross(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 0, MinReleaseBps: 0}

	// 40 already refunded: even at 90% consumed only 60 remains in escrow.
	s := activeSession("100", 3600, time.Hour, now)
	s.RefundedAmount = "40.000000"

	rel, err := ComputeRelease(s, now, cfg)
	if err != nil {
		t.Fatalf("ComputeRelease failed: %v", err)
	}
	if got := token.Format(rel.Amount); got != "60.000000" {
		t.Errorf("amount = %s, want 60.000000", got)
	}
}

func TestComputeRelease_BadAmounts(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := SettlementConfig{ReleaseCapBps: 9000, FeeBps: 250, MinReleaseBps: 10}

	s := activeSession("not-a-number", 3600, time.Minute, now)
	if _, err := ComputeRelease(s, now, cfg); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestEffectiveElapsed(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("not started", func(t *testing.T) {
		s := &Session{LastActivityAt: now.Add(-time.Hour), Status: StatusCreated}
		elapsed, err := EffectiveElapsed(s, now)
		if err != nil || elapsed != 0 {
			t.Errorf("elapsed = %v err = %v, want 0 nil", elapsed, err)
		}
	})

	t.Run("pause in progress excluded", func(t *testing.T) {
		s := activeSession("100", 3600, 30*time.Minute, now)
		paused := now.Add(-10 * time.Minute)
		s.PausedAt = &paused
		s.EffectivePausedSec = 300 // a prior 5 minute pause

		elapsed, err := EffectiveElapsed(s, now)
		if err != nil {
			t.Fatalf("EffectiveElapsed failed: %v", err)
		}
		if elapsed != 15*time.Minute {
			t.Errorf("elapsed = %v, want 15m", elapsed)
		}
	})

	t.Run("clock regression rejected", func(t *testing.T) {
		s := activeSession("100", 3600, 30*time.Minute, now)
		s.LastActivityAt = now.Add(time.Minute)
		if _, err := EffectiveElapsed(s, now); !errors.Is(err, ErrTimestampRegression) {
			t.Errorf("err = %v, want ErrTimestampRegression", err)
		}
	})

	t.Run("floored at zero", func(t *testing.T) {
		s := activeSession("100", 3600, time.Minute, now)
		s.EffectivePausedSec = 600 // more pause than wall time
		elapsed, err := EffectiveElapsed(s, now)
		if err != nil || elapsed != 0 {
			t.Errorf("elapsed = %v err = %v, want 0 nil", elapsed, err)
		}
	})
}

func TestCompletionBps_ClampedAtFull(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := activeSession("100", 3600, 3*time.Hour, now)

	bps, err := CompletionBps(s, now)
	if err != nil {
		t.Fatalf("CompletionBps failed: %v", err)
	}
	if bps != 10000 {
		t.Errorf("bps = %d, want 10000", bps)
	}
}

func TestRemainingEscrow(t *testing.T) {
	s := &Session{TotalAmount: "100.000000", ReleasedAmount: "62.500000", RefundedAmount: "10.000000"}
	remaining, err := RemainingEscrow(s)
	if err != nil {
		t.Fatalf("RemainingEscrow failed: %v", err)
	}
	if got := token.Format(remaining); got != "27.500000" {
		t.Errorf("remaining = %s, want 27.500000", got)
	}
}

func TestSplitFee(t *testing.T) {
	amount := big.NewInt(50_000000)
	counterparty, fee := SplitFee(amount, 250)
	if fee.Int64() != 1_250000 {
		t.Errorf("fee = %d, want 1250000", fee.Int64())
	}
	if counterparty.Int64() != 48_750000 {
		t.Errorf("counterparty = %d, want 48750000", counterparty.Int64())
	}
	if new(big.Int).Add(counterparty, fee).Cmp(amount) != 0 {
		t.Error("split legs do not sum to the amount")
	}
}
