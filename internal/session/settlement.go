package session

import (
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/sessionpay/internal/token"
)

// SettlementConfig holds the progressive-release parameters. A single cap
// and a single fee percentage apply uniformly on every settlement path.
type SettlementConfig struct {
	ReleaseCapBps int64 // Ceiling while non-terminal, strictly below 10000
	FeeBps        int64 // Platform fee taken from each released increment
	MinReleaseBps int64 // Releases under this fraction of total are suppressed
}

// Release is the outcome of a settlement computation. Amount is always
// Counterparty + Fee; advancing ReleasedAmount by Amount keeps the ledger
// and the session record in agreement.
type Release struct {
	Amount       *big.Int
	Counterparty *big.Int
	Fee          *big.Int
	FractionBps  int64 // Completion fraction the computation used
}

// EffectiveElapsed returns the active (non-paused) time consumed so far,
// floored at zero. It rejects timestamp regression: now must not precede
// the last observed activity on the session.
func EffectiveElapsed(s *Session, now time.Time) (time.Duration, error) {
	if now.Before(s.LastActivityAt) {
		return 0, fmt.Errorf("%w: now=%s lastActivity=%s",
			ErrTimestampRegression, now.Format(time.RFC3339Nano), s.LastActivityAt.Format(time.RFC3339Nano))
	}
	if s.StartedAt == nil {
		return 0, nil
	}
	elapsed := now.Sub(*s.StartedAt)
	elapsed -= time.Duration(s.EffectivePausedSec) * time.Second
	if s.PausedAt != nil {
		elapsed -= now.Sub(*s.PausedAt)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed, nil
}

// CompletionBps returns the uncapped completion fraction in basis points
// (10000 = the full planned duration consumed).
func CompletionBps(s *Session, now time.Time) (int64, error) {
	elapsed, err := EffectiveElapsed(s, now)
	if err != nil {
		return 0, err
	}
	if s.PlannedDurationSec <= 0 {
		return 0, nil
	}
	bps := int64(elapsed/time.Second) * token.BasisPointsDenom / s.PlannedDurationSec
	if bps > token.BasisPointsDenom {
		bps = token.BasisPointsDenom
	}
	return bps, nil
}

// ComputeRelease converts elapsed active time into the amount releasable
// right now. Pure given its inputs: it never reads the clock and never
// mutates the session.
//
// While non-terminal the fraction is capped at ReleaseCapBps, reserving the
// remainder for the explicit completion step. Once Completed the fraction is
// exactly 100% and whatever escrow remains (total − released − refunded) is
// drained without dust suppression.
func ComputeRelease(s *Session, now time.Time, cfg SettlementConfig) (*Release, error) {
	total, ok := token.Parse(s.TotalAmount)
	if !ok {
		return nil, fmt.Errorf("%w: total %q", ErrInvalidAmount, s.TotalAmount)
	}
	released, ok := token.Parse(s.ReleasedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: released %q", ErrInvalidAmount, s.ReleasedAmount)
	}
	refunded, ok := token.Parse(s.RefundedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: refunded %q", ErrInvalidAmount, s.RefundedAmount)
	}

	var fracBps int64
	if s.Status == StatusCompleted {
		fracBps = token.BasisPointsDenom
	} else {
		bps, err := CompletionBps(s, now)
		if err != nil {
			return nil, err
		}
		fracBps = bps
		if fracBps > cfg.ReleaseCapBps {
			fracBps = cfg.ReleaseCapBps
		}
	}

	gross := token.ApplyBasisPoints(total, fracBps)

	// Never release past what remains in escrow after refunds.
	remaining := new(big.Int).Sub(total, refunded)
	if gross.Cmp(remaining) > 0 {
		gross = remaining
	}

	releasable := new(big.Int).Sub(gross, released)
	if releasable.Sign() < 0 {
		releasable = big.NewInt(0)
	}

	// Suppress dust while the session is still running; the completion step
	// always drains.
	if s.Status != StatusCompleted && releasable.Sign() > 0 {
		threshold := token.ApplyBasisPoints(total, cfg.MinReleaseBps)
		if releasable.Cmp(threshold) < 0 {
			releasable = big.NewInt(0)
		}
	}

	fee := token.ApplyBasisPoints(releasable, cfg.FeeBps)
	counterparty := new(big.Int).Sub(releasable, fee)

	return &Release{
		Amount:       releasable,
		Counterparty: counterparty,
		Fee:          fee,
		FractionBps:  fracBps,
	}, nil
}

// RemainingEscrow returns total − released − refunded, floored at zero.
func RemainingEscrow(s *Session) (*big.Int, error) {
	total, ok := token.Parse(s.TotalAmount)
	if !ok {
		return nil, fmt.Errorf("%w: total %q", ErrInvalidAmount, s.TotalAmount)
	}
	released, ok := token.Parse(s.ReleasedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: released %q", ErrInvalidAmount, s.ReleasedAmount)
	}
	refunded, ok := token.Parse(s.RefundedAmount)
	if !ok {
		return nil, fmt.Errorf("%w: refunded %q", ErrInvalidAmount, s.RefundedAmount)
	}
	remaining := new(big.Int).Sub(total, released)
	remaining.Sub(remaining, refunded)
	if remaining.Sign() < 0 {
		remaining = big.NewInt(0)
	}
	return remaining, nil
}

// SplitFee divides amount into counterparty share and platform fee.
func SplitFee(amount *big.Int, feeBps int64) (counterparty, fee *big.Int) {
	fee = token.ApplyBasisPoints(amount, feeBps)
	counterparty = new(big.Int).Sub(amount, fee)
	return counterparty, fee
}
