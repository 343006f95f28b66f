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

// ProcessNoShowRefund expires a session that was never started and returns
// the full escrow to the payer. Before the start window elapses the session
// might still start, so the call is rejected as not yet eligible.
func (svc *Service) ProcessNoShowRefund(ctx context.Context, id string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.ProcessNoShowRefund", traces.SessionID(id))
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
	return svc.noShowRefundLocked(ctx, s, svc.now(), unlock)
}

func (svc *Service) noShowRefundLocked(ctx context.Context, s *Session, now time.Time, unlock func()) (*Session, error) {
	if s.Status != StatusCreated {
		if s.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, s.Status)
		}
		return nil, fmt.Errorf("%w: no-show refund from %s", ErrInvalidTransition, s.Status)
	}
	if now.Sub(s.CreatedAt) <= svc.cfg.Timeouts.StartTimeout {
		return nil, ErrNotYetEligible
	}
	if err := validateTransition(s, StatusExpired, now, svc.cfg.Guards, false); err != nil {
		return nil, err
	}

	refund, err := RemainingEscrow(s)
	if err != nil {
		return nil, err
	}

	from := applyTransition(s, StatusExpired, now)
	s.Resolution = string(RemedyNoShowRefund)

	if err := svc.refundEscrow(ctx, s, refund); err != nil {
		return nil, err
	}
	if err := svc.commitMoved(ctx, s, from, refund.Sign() > 0, unlock); err != nil {
		return nil, err
	}

	svc.recordRefund(s, from, now, refund, ReasonNoShow)
	return s, nil
}

// ProcessPartialRefund is the administrator's split: the remaining escrow is
// divided at completedBps, the counterparty's share pays the platform fee,
// and the session completes with the remainder refunded to the payer. The
// refund leg moves first so a mid-operation failure leaves funds with the
// payer rather than paid out.
func (svc *Service) ProcessPartialRefund(ctx context.Context, id string, req PartialRefundRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.ProcessPartialRefund", traces.SessionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if req.CompletedBps < 0 || req.CompletedBps > token.BasisPointsDenom {
		return nil, fmt.Errorf("%w: completedBps %d out of [0, %d]",
			ErrInvalidAmount, req.CompletedBps, token.BasisPointsDenom)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrReasonRequired
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := svc.now()
	if err := validateTransition(s, StatusCompleted, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}

	remaining, err := RemainingEscrow(s)
	if err != nil {
		return nil, err
	}
	settleGross := token.ApplyBasisPoints(remaining, req.CompletedBps)
	refund := new(big.Int).Sub(remaining, settleGross)
	counterparty, fee := SplitFee(settleGross, svc.cfg.Settlement.FeeBps)

	if s.Status == StatusPaused {
		svc.foldPause(s, now)
	}
	from := applyTransition(s, StatusCompleted, now)
	s.Resolution = "partial_refund: " + req.Reason

	if err := svc.refundEscrow(ctx, s, refund); err != nil {
		return nil, err
	}
	moved := refund.Sign() > 0
	if settleGross.Sign() > 0 {
		rel := &Release{Amount: settleGross, Counterparty: counterparty, Fee: fee, FractionBps: req.CompletedBps}
		if err := svc.settleRelease(ctx, s, rel); err != nil {
			// The refund leg already moved; the record must still commit.
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

	svc.recordTransition(s, from, now, &Release{Amount: settleGross, Counterparty: counterparty, Fee: fee})
	return s, nil
}

// ProcessEmergencyRefund moves a session to Emergency, locks it against all
// non-administrator mutation, and returns the remaining escrow to the payer.
func (svc *Service) ProcessEmergencyRefund(ctx context.Context, id, reason string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.ProcessEmergencyRefund", traces.SessionID(id))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := svc.now()
	if err := validateTransition(s, StatusEmergency, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}

	refund, err := RemainingEscrow(s)
	if err != nil {
		return nil, err
	}

	if s.Status == StatusPaused {
		svc.foldPause(s, now)
	}
	from := applyTransition(s, StatusEmergency, now)
	s.EmergencyLocked = true
	s.Resolution = "emergency_refund: " + reason

	if err := svc.refundEscrow(ctx, s, refund); err != nil {
		return nil, err
	}
	if err := svc.commitMoved(ctx, s, from, refund.Sign() > 0, unlock); err != nil {
		return nil, err
	}

	svc.recordRefund(s, from, now, refund, reason)
	return s, nil
}

// AdminUnlock releases an emergency-locked session to a target status chosen
// by the administrator. No funds move: the emergency refund already drained
// the escrow, so the unlock only settles the record's final disposition.
func (svc *Service) AdminUnlock(ctx context.Context, id string, req UnlockRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.AdminUnlock",
		traces.SessionID(id),
		traces.SessionStatus(string(req.Target)),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	switch req.Target {
	case StatusActive, StatusCancelled, StatusCompleted:
	default:
		return nil, fmt.Errorf("%w: unlock target %q", ErrInvalidTransition, req.Target)
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusEmergency {
		return nil, fmt.Errorf("%w: unlock from %s", ErrInvalidTransition, s.Status)
	}

	now := svc.now()
	if err := validateTransition(s, req.Target, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}

	from := applyTransition(s, req.Target, now)
	s.EmergencyLocked = false
	if req.Reason != "" {
		s.Resolution = "admin_unlock: " + req.Reason
	}
	if req.Target == StatusActive {
		// Resuming: refresh the heartbeat so the monitor doesn't immediately
		// flag the session for the time spent locked.
		t := now
		s.LastHeartbeatAt = &t
	}

	if err := svc.store.UpdateIf(ctx, s, from); err != nil {
		return nil, err
	}

	svc.recordTransition(s, from, now, nil)
	return s, nil
}

// recordRefund updates metrics and emits a transition event carrying the
// refund amount.
func (svc *Service) recordRefund(s *Session, from Status, now time.Time, refund *big.Int, reason string) {
	sessionTransitions.WithLabelValues(string(from), string(s.Status)).Inc()
	if s.IsTerminal() {
		sessionsFinished.WithLabelValues(string(s.Status)).Inc()
		sessionDuration.Observe(now.Sub(s.CreatedAt).Seconds())
	}
	ev := TransitionEvent{
		SessionID:        s.ID,
		OldStatus:        from,
		NewStatus:        s.Status,
		Timestamp:        now,
		PayerAddr:        s.PayerAddr,
		CounterpartyAddr: s.CounterpartyAddr,
		Reason:           reason,
	}
	if refund.Sign() > 0 {
		ev.RefundedAmount = token.Format(refund)
	}
	svc.emit(ev)
}
