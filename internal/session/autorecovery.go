package session

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/sessionpay/internal/logging"
	"github.com/mbd888/sessionpay/internal/token"
	"github.com/mbd888/sessionpay/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// AutoComplete settles a fully consumed session without waiting for the
// participants' explicit completion call. Unlike recovery it costs no
// attempt budget; nothing went wrong, the clock simply ran out.
func (svc *Service) AutoComplete(ctx context.Context, id string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.AutoComplete", traces.SessionID(id))
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

	now := svc.now()
	bps, err := CompletionBps(s, now)
	if err != nil {
		return nil, err
	}
	if bps < 10000 {
		return nil, ErrNotYetEligible
	}
	return svc.completeLocked(ctx, s, now, string(RemedyStandardCompletion), unlock)
}

// ExecuteAutoRecovery plans and executes recovery for one session, walking
// the remedy chain until one succeeds. Administrator-only remedies are
// skipped: they appear in plans for operators, not for the executor.
//
// The attempt is spent whether or not a remedy lands, so a session that
// keeps failing runs out of budget and surfaces for manual intervention
// instead of being retried forever.
func (svc *Service) ExecuteAutoRecovery(ctx context.Context, id string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.ExecuteAutoRecovery", traces.SessionID(id))
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

	now := svc.now()
	if s.IsTerminal() {
		return s, nil
	}
	if err := svc.cfg.Recovery.CheckBudget(s, now); err != nil {
		return nil, err
	}

	health := CheckHealth(s, now, svc.cfg.Timeouts, svc.cfg.Guards.MaxTransitions)
	plan := PlanRecovery(s, health, now)
	if !plan.IsActionable() {
		return s, nil
	}

	t := now

	var lastErr error
	for _, remedy := range plan.Remedies() {
		if remedy.AdminOnly {
			continue
		}
		// Each attempt works on a fresh record: a failed remedy may have
		// mutated its copy in memory before the ledger rejected it.
		attempt, err := svc.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		attempt.RecoveryAttempts++
		attempt.LastRecoveryAt = &t

		out, err := svc.executeRemedyLocked(ctx, attempt, remedy, now, unlock)
		if err == nil {
			recoveriesExecuted.WithLabelValues(string(remedy.Method), "success").Inc()
			logging.L(ctx).Info("recovery remedy applied",
				"session", attempt.ID, "method", string(remedy.Method), "reason", remedy.Reason)
			return out, nil
		}
		recoveriesExecuted.WithLabelValues(string(remedy.Method), "failure").Inc()
		logging.L(ctx).Warn("recovery remedy failed",
			"session", attempt.ID, "method", string(remedy.Method), "error", err)
		lastErr = err
	}

	// No remedy landed. Persist the spent attempt so the budget still counts
	// down and the session eventually surfaces for manual intervention.
	s, err = svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.RecoveryAttempts++
	s.LastRecoveryAt = &t
	s.UpdatedAt = now
	if err := svc.store.UpdateIf(ctx, s, s.Status); err != nil {
		return nil, err
	}
	if lastErr == nil {
		// Only administrator-only remedies were available.
		return nil, ErrManualIntervention
	}
	return nil, fmt.Errorf("all recovery remedies failed: %w", lastErr)
}

func (svc *Service) executeRemedyLocked(ctx context.Context, s *Session, remedy Remedy, now time.Time, unlock func()) (*Session, error) {
	switch remedy.Method {
	case RemedyNoShowRefund:
		return svc.noShowRefundLocked(ctx, s, now, unlock)
	case RemedyDisputeAutoResolve:
		return svc.autoResolveDisputeLocked(ctx, s, now, unlock)
	case RemedyTimeoutCompletion:
		return svc.timeoutCompletionLocked(ctx, s, now, unlock)
	case RemedyPauseCompletion:
		return svc.pauseCompletionLocked(ctx, s, now, unlock)
	case RemedyStandardCompletion:
		return svc.completeLocked(ctx, s, now, string(RemedyStandardCompletion), unlock)
	}
	return nil, fmt.Errorf("remedy %q is not executable automatically", remedy.Method)
}

// timeoutCompletionLocked settles a silent Active session at its accrued
// capped fraction, refunds the remainder to the payer, and completes. The
// cap holds: silence is not the explicit completion step, so the payer
// keeps the reserved tail.
func (svc *Service) timeoutCompletionLocked(ctx context.Context, s *Session, now time.Time, unlock func()) (*Session, error) {
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: timeout completion from %s", ErrInvalidTransition, s.Status)
	}

	// Compute at the capped fraction before the status flips to Completed.
	rel, err := ComputeRelease(s, now, svc.cfg.Settlement)
	if err != nil {
		return nil, err
	}

	if err := validateTransition(s, StatusCompleted, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}
	from := applyTransition(s, StatusCompleted, now)
	s.Resolution = string(RemedyTimeoutCompletion)

	return svc.settleAndRefundRemainder(ctx, s, from, now, rel, ReasonHeartbeatTimeout, unlock)
}

// pauseCompletionLocked unwinds a session whose pause exceeded the ceiling:
// the accrued capped fraction settles, the remainder refunds, and the
// session passes through Abandoned to Cancelled in a single commit.
func (svc *Service) pauseCompletionLocked(ctx context.Context, s *Session, now time.Time, unlock func()) (*Session, error) {
	if s.Status != StatusPaused {
		return nil, fmt.Errorf("%w: pause completion from %s", ErrInvalidTransition, s.Status)
	}

	rel, err := ComputeRelease(s, now, svc.cfg.Settlement)
	if err != nil {
		return nil, err
	}

	if err := validateTransition(s, StatusAbandoned, now, svc.cfg.Guards, true); err != nil {
		return nil, err
	}
	svc.foldPause(s, now)
	from := applyTransition(s, StatusAbandoned, now)
	mid := applyTransition(s, StatusCancelled, now)
	s.Resolution = string(RemedyPauseCompletion)

	out, err := svc.settleAndRefundRemainder(ctx, s, from, now, rel, ReasonPauseExceeded, unlock)
	if err != nil {
		return nil, err
	}
	sessionTransitions.WithLabelValues(string(mid), string(s.Status)).Inc()
	return out, nil
}

// settleAndRefundRemainder runs the two fund legs of an automatic unwind:
// settle the accrued release, refund whatever escrow is left, then commit.
func (svc *Service) settleAndRefundRemainder(ctx context.Context, s *Session, from Status, now time.Time, rel *Release, reason string, unlock func()) (*Session, error) {
	moved := false
	if rel.Amount.Sign() > 0 {
		if err := svc.settleRelease(ctx, s, rel); err != nil {
			return nil, err
		}
		moved = true
	}

	refund, err := RemainingEscrow(s)
	if err != nil {
		if moved {
			if cerr := svc.commitMoved(ctx, s, from, true, unlock); cerr != nil {
				return nil, cerr
			}
		}
		return nil, err
	}
	if refund.Sign() > 0 {
		if err := svc.refundEscrow(ctx, s, refund); err != nil {
			if moved {
				if cerr := svc.commitMoved(ctx, s, from, true, unlock); cerr != nil {
					return nil, cerr
				}
			}
			return nil, err
		}
		moved = true
	}

	if err := svc.commitMoved(ctx, s, from, moved, unlock); err != nil {
		return nil, err
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
	if rel.Amount.Sign() > 0 {
		ev.ReleasedAmount = token.Format(rel.Counterparty)
		ev.FeeAmount = token.Format(rel.Fee)
	}
	if refund.Sign() > 0 {
		ev.RefundedAmount = token.Format(refund)
	}
	sessionTransitions.WithLabelValues(string(from), string(s.Status)).Inc()
	if s.IsTerminal() {
		sessionsFinished.WithLabelValues(string(s.Status)).Inc()
		sessionDuration.Observe(now.Sub(s.CreatedAt).Seconds())
	}
	svc.emit(ev)
	return s, nil
}
