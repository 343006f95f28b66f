package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/sessionpay/internal/token"
	"github.com/mbd888/sessionpay/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Completion fraction at or above which an expired dispute auto-resolves in
// the counterparty's favor.
const disputeAutoResolveBps = 5000

// RaiseDispute freezes settlement on a running session. The completion
// fraction at the moment of the freeze is captured so later resolution can
// reason about how much work had been delivered, uncapped: the frozen value
// records reality, the cap applies only when money moves.
func (svc *Service) RaiseDispute(ctx context.Context, id, callerAddr string, req DisputeRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.RaiseDispute",
		traces.SessionID(id),
		traces.Caller(callerAddr),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrReasonRequired
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	caller := strings.ToLower(callerAddr)
	if !s.IsParticipant(caller) {
		return nil, ErrUnauthorized
	}

	now := svc.now()
	if err := validateTransition(s, StatusDisputed, now, svc.cfg.Guards, false); err != nil {
		return nil, err
	}

	frozen, err := CompletionBps(s, now)
	if err != nil {
		return nil, err
	}

	// Disputed time never counts as consumed. An open pause folds here and
	// the dispute span itself is added back on resume.
	if s.Status == StatusPaused {
		svc.foldPause(s, now)
	}

	from := applyTransition(s, StatusDisputed, now)
	t := now
	s.DisputeReason = req.Reason
	s.DisputeOpenedAt = &t
	s.DisputeInitiator = caller
	s.ArbitrationRequired = req.ArbitrationRequired
	s.DisputeFrozenBps = frozen

	if err := svc.store.UpdateIf(ctx, s, from); err != nil {
		return nil, err
	}

	disputesOpened.Inc()
	svc.recordTransition(s, from, now, nil)
	return s, nil
}

// ResolveDispute applies an administrator's explicit resolution. The two
// amounts are bounded by the remaining escrow, no platform fee is taken on
// an adjudicated split, and any leftover under the bound returns to the
// payer. Outcome "resumed" reactivates the session with the dispute span
// excluded from consumed time.
func (svc *Service) ResolveDispute(ctx context.Context, id string, req ResolveRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.ResolveDispute", traces.SessionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusDisputed {
		if s.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, s.Status)
		}
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, s.Status)
	}

	now := svc.now()

	switch req.Outcome {
	case "resumed":
		// A resumed resolution moves no funds; a split amount here would
		// be silently discarded, so reject anything but zero.
		for _, amt := range []string{req.PayerAmount, req.CounterpartyAmount} {
			if amt == "" {
				continue
			}
			v, ok := token.Parse(amt)
			if !ok || v.Sign() != 0 {
				return nil, fmt.Errorf("%w: resumed resolution cannot carry split amount %q", ErrInvalidAmount, amt)
			}
		}
		return svc.resumeFromDispute(ctx, s, now, req.Reason)
	case "completed", "cancelled":
	default:
		return nil, fmt.Errorf("%w: outcome %q", ErrInvalidTransition, req.Outcome)
	}

	payerAmt := big.NewInt(0)
	if req.PayerAmount != "" {
		v, ok := token.Parse(req.PayerAmount)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: payer amount %q", ErrInvalidAmount, req.PayerAmount)
		}
		payerAmt = v
	}
	cpAmt := big.NewInt(0)
	if req.CounterpartyAmount != "" {
		v, ok := token.Parse(req.CounterpartyAmount)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: counterparty amount %q", ErrInvalidAmount, req.CounterpartyAmount)
		}
		cpAmt = v
	}

	remaining, err := RemainingEscrow(s)
	if err != nil {
		return nil, err
	}
	sum := new(big.Int).Add(payerAmt, cpAmt)
	if sum.Cmp(remaining) > 0 {
		return nil, fmt.Errorf("%w: split %s exceeds remaining %s",
			ErrInsufficientEscrow, token.Format(sum), token.Format(remaining))
	}
	// Undirected leftover goes back to the payer.
	leftover := new(big.Int).Sub(remaining, sum)
	payerAmt.Add(payerAmt, leftover)

	target := StatusCompleted
	if req.Outcome == "cancelled" {
		target = StatusCancelled
	}
	if err := validateTransition(s, target, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}

	from := applyTransition(s, target, now)
	s.Resolution = "dispute_" + req.Outcome
	if req.Reason != "" {
		s.Resolution += ": " + req.Reason
	}

	if err := svc.refundEscrow(ctx, s, payerAmt); err != nil {
		return nil, err
	}
	moved := payerAmt.Sign() > 0
	var rel *Release
	if cpAmt.Sign() > 0 {
		rel = &Release{Amount: cpAmt, Counterparty: cpAmt, Fee: big.NewInt(0)}
		if err := svc.settleRelease(ctx, s, rel); err != nil {
			if cerr := svc.commitMoved(ctx, s, from, moved, unlock); cerr != nil {
				return nil, cerr
			}
			return nil, err
		}
		moved = true
	}

	if err := svc.commitMoved(ctx, s, from, moved, unlock); err != nil {
		return nil, err
	}

	disputesResolved.WithLabelValues(req.Outcome).Inc()
	svc.recordTransition(s, from, now, rel)
	return s, nil
}

// resumeFromDispute reactivates a disputed session. The whole dispute span
// is added to paused time so it never counts toward completion.
func (svc *Service) resumeFromDispute(ctx context.Context, s *Session, now time.Time, reason string) (*Session, error) {
	if err := validateTransition(s, StatusActive, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}

	if s.DisputeOpenedAt != nil {
		span := now.Sub(*s.DisputeOpenedAt)
		if span > 0 {
			s.EffectivePausedSec += int64(span / time.Second)
		}
	}

	from := applyTransition(s, StatusActive, now)
	t := now
	s.LastHeartbeatAt = &t
	s.DisputeReason = ""
	s.DisputeOpenedAt = nil
	s.DisputeInitiator = ""
	s.ArbitrationRequired = false
	s.DisputeFrozenBps = 0
	if reason != "" {
		s.Resolution = "dispute_resumed: " + reason
	}

	if err := svc.store.UpdateIf(ctx, s, from); err != nil {
		return nil, err
	}

	disputesResolved.WithLabelValues("resumed").Inc()
	svc.recordTransition(s, from, now, nil)
	return s, nil
}

// autoResolveDisputeLocked settles a dispute whose timeout has elapsed.
// At or above half completion the counterparty takes the remaining escrow
// minus the platform fee and the session completes; below it the payer is
// refunded in full and the session cancels. Disputes marked for arbitration
// never auto-resolve.
func (svc *Service) autoResolveDisputeLocked(ctx context.Context, s *Session, now time.Time, unlock func()) (*Session, error) {
	if s.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: auto-resolve from %s", ErrInvalidTransition, s.Status)
	}
	if s.ArbitrationRequired {
		return nil, ErrManualIntervention
	}
	if s.DisputeOpenedAt == nil || now.Sub(*s.DisputeOpenedAt) <= svc.cfg.Timeouts.DisputeTimeout {
		return nil, ErrDisputeWindowRunning
	}

	remaining, err := RemainingEscrow(s)
	if err != nil {
		return nil, err
	}

	if s.DisputeFrozenBps >= disputeAutoResolveBps {
		if err := validateTransition(s, StatusCompleted, now, svc.cfg.Guards, true); err != nil {
			return nil, err
		}
		from := applyTransition(s, StatusCompleted, now)
		s.Resolution = string(RemedyDisputeAutoResolve)

		counterparty, fee := SplitFee(remaining, svc.cfg.Settlement.FeeBps)
		var rel *Release
		if remaining.Sign() > 0 {
			rel = &Release{Amount: remaining, Counterparty: counterparty, Fee: fee, FractionBps: s.DisputeFrozenBps}
			if err := svc.settleRelease(ctx, s, rel); err != nil {
				return nil, err
			}
		}
		if err := svc.commitMoved(ctx, s, from, remaining.Sign() > 0, unlock); err != nil {
			return nil, err
		}
		disputesResolved.WithLabelValues("auto_completed").Inc()
		svc.recordTransition(s, from, now, rel)
		return s, nil
	}

	if err := validateTransition(s, StatusCancelled, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}
	from := applyTransition(s, StatusCancelled, now)
	s.Resolution = string(RemedyDisputeAutoResolve)

	if err := svc.refundEscrow(ctx, s, remaining); err != nil {
		return nil, err
	}
	if err := svc.commitMoved(ctx, s, from, remaining.Sign() > 0, unlock); err != nil {
		return nil, err
	}
	disputesResolved.WithLabelValues("auto_cancelled").Inc()
	svc.recordRefund(s, from, now, remaining, ReasonDisputeExpired)
	return s, nil
}
