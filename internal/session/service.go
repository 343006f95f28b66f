package session

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/sessionpay/internal/logging"
	"github.com/mbd888/sessionpay/internal/retry"
	"github.com/mbd888/sessionpay/internal/syncutil"
	"github.com/mbd888/sessionpay/internal/token"
	"github.com/mbd888/sessionpay/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Config bundles every tunable the engine consults.
type Config struct {
	Settlement SettlementConfig
	Timeouts   Timeouts
	Guards     Guards
	Recovery   RecoveryConfig

	MinPlannedDuration time.Duration
	MaxPlannedDuration time.Duration
}

// Service implements the session lifecycle and progressive settlement engine.
//
// The engine is reactive: it has no internal scheduler, every operation is a
// single atomic step driven by a caller, and waiting is the caller's job.
// Mutations to one session are serialized by a sharded per-session mutex and
// committed through the store's compare-and-set on status, so of any callers
// racing on the same session only the first commit wins; the rest observe
// the post-mutation status and fail with a stale-status condition.
type Service struct {
	store  Store
	ledger LedgerService
	cfg    Config
	queues []*emitterQueue
	locks  syncutil.ShardedMutex
	now    func() time.Time
}

// NewService creates a new session service.
func NewService(store Store, ledger LedgerService, cfg Config) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithEmitter registers a transition event consumer.
func (svc *Service) WithEmitter(e TransitionEmitter) *Service {
	svc.queues = append(svc.queues, newEmitterQueue(e))
	return svc
}

// Create escrows funds and opens a session in Created status.
// The authenticated caller is the payer; funds move from the payer's
// available balance into escrow atomically with record creation.
func (svc *Service) Create(ctx context.Context, payerAddr string, req CreateRequest) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Create",
		traces.Caller(payerAddr),
		traces.Amount(req.Amount),
	)
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
		}
		span.End()
	}()

	payer := strings.ToLower(payerAddr)
	counterparty := strings.ToLower(req.CounterpartyAddr)
	if payer == counterparty {
		return nil, ErrSameParty
	}

	amount, ok := token.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	planned := time.Duration(req.PlannedDurationSec) * time.Second
	if planned < svc.cfg.MinPlannedDuration || planned > svc.cfg.MaxPlannedDuration {
		return nil, fmt.Errorf("%w: %s not in [%s, %s]",
			ErrInvalidDuration, planned, svc.cfg.MinPlannedDuration, svc.cfg.MaxPlannedDuration)
	}

	id := req.ID
	if id == "" {
		id = generateSessionID()
	}

	autoRecovery := true
	if req.AutoRecoveryEnabled != nil {
		autoRecovery = *req.AutoRecoveryEnabled
	}

	now := svc.now()
	s := &Session{
		ID:                  id,
		PayerAddr:           payer,
		CounterpartyAddr:    counterparty,
		Asset:               req.Asset,
		TotalAmount:         token.Format(amount),
		ReleasedAmount:      "0.000000",
		RefundedAmount:      "0.000000",
		PlannedDurationSec:  req.PlannedDurationSec,
		Status:              StatusCreated,
		CreatedAt:           now,
		LastActivityAt:      now,
		AutoRecoveryEnabled: autoRecovery,
		UpdatedAt:           now,
	}

	// Lock payer funds in escrow
	if err := svc.ledger.EscrowLock(ctx, s.PayerAddr, s.TotalAmount, s.ID); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := svc.store.Create(ctx, s); err != nil {
		// Best-effort refund if store fails
		_ = svc.ledger.RefundEscrow(ctx, s.PayerAddr, s.TotalAmount, s.ID)
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	sessionsCreated.Inc()
	svc.emit(TransitionEvent{
		SessionID:        s.ID,
		OldStatus:        "",
		NewStatus:        StatusCreated,
		Timestamp:        now,
		PayerAddr:        s.PayerAddr,
		CounterpartyAddr: s.CounterpartyAddr,
	})

	return s, nil
}

// Start moves a Created session to Active and initializes its timers.
// Legal only within the start window; a session past it belongs to the
// no-show remedy instead.
func (svc *Service) Start(ctx context.Context, id, callerAddr string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Start",
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

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(strings.ToLower(callerAddr)) {
		return nil, ErrUnauthorized
	}
	if s.Status != StatusCreated {
		if s.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, s.Status)
		}
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, StatusActive)
	}

	now := svc.now()
	if now.Sub(s.CreatedAt) > svc.cfg.Timeouts.StartTimeout {
		return nil, ErrStartWindowElapsed
	}

	if err := validateTransition(s, StatusActive, now, svc.cfg.Guards, false); err != nil {
		return nil, err
	}

	from := applyTransition(s, StatusActive, now)
	t := now
	s.StartedAt = &t
	s.LastHeartbeatAt = &t

	if err := svc.store.UpdateIf(ctx, s, from); err != nil {
		return nil, err
	}

	svc.recordTransition(s, from, now, nil)
	return s, nil
}

// Heartbeat refreshes liveness, auto-resumes a paused session, and settles
// whatever fraction of the escrow the elapsed active time has earned.
func (svc *Service) Heartbeat(ctx context.Context, id, callerAddr string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Heartbeat",
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

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(strings.ToLower(callerAddr)) {
		return nil, ErrUnauthorized
	}
	if s.Status != StatusActive && s.Status != StatusPaused {
		if s.IsTerminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, s.Status)
		}
		return nil, fmt.Errorf("%w: heartbeat from %s", ErrInvalidTransition, s.Status)
	}

	now := svc.now()
	from := s.Status

	if s.Status == StatusPaused {
		if err := validateTransition(s, StatusActive, now, svc.cfg.Guards, false); err != nil {
			return nil, err
		}
		svc.foldPause(s, now)
		applyTransition(s, StatusActive, now)
	}

	// Settlement check happens before the heartbeat refresh so a backwards
	// clock is rejected against the previous observation, not the new one.
	rel, err := ComputeRelease(s, now, svc.cfg.Settlement)
	if err != nil {
		return nil, err
	}

	if rel.Amount.Sign() > 0 {
		if err := svc.settleRelease(ctx, s, rel); err != nil {
			return nil, err
		}
	}

	t := now
	s.LastHeartbeatAt = &t
	s.LastActivityAt = now
	s.UpdatedAt = now

	if err := svc.commitMoved(ctx, s, from, rel.Amount.Sign() > 0, unlock); err != nil {
		return nil, err
	}

	svc.recordTransition(s, from, now, rel)
	return s, nil
}

// Pause stops the active clock. Paused time accrues toward the pause
// ceiling and never counts as consumed.
func (svc *Service) Pause(ctx context.Context, id, callerAddr, reason string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Pause",
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

	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(strings.ToLower(callerAddr)) {
		return nil, ErrUnauthorized
	}

	now := svc.now()
	if err := validateTransition(s, StatusPaused, now, svc.cfg.Guards, false); err != nil {
		return nil, err
	}

	from := applyTransition(s, StatusPaused, now)
	t := now
	s.PausedAt = &t
	s.PauseReason = reason

	if err := svc.store.UpdateIf(ctx, s, from); err != nil {
		return nil, err
	}

	svc.recordTransition(s, from, now, nil)
	return s, nil
}

// Complete finishes the session at the participants' request and drains the
// full escrow: the fraction becomes exactly 100% and the remaining balance
// is paid out split by the fee percentage.
func (svc *Service) Complete(ctx context.Context, id, callerAddr string) (_ *Session, retErr error) {
	ctx, span := traces.StartSpan(ctx, "session.Complete",
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

	unlock := svc.locks.Lock(id)
	defer unlock()

	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(strings.ToLower(callerAddr)) {
		return nil, ErrUnauthorized
	}

	now := svc.now()
	return svc.completeLocked(ctx, s, now, "completed", unlock)
}

// completeLocked finishes a session from Active or Paused. Caller holds the
// shard lock and has authorized the operation.
func (svc *Service) completeLocked(ctx context.Context, s *Session, now time.Time, resolution string, unlock func()) (*Session, error) {
	if err := validateTransition(s, StatusCompleted, now, svc.cfg.Guards, false); err != nil {
		return nil, err
	}
	if s.Status == StatusPaused {
		svc.foldPause(s, now)
	}

	from := applyTransition(s, StatusCompleted, now)
	s.Resolution = resolution

	rel, err := ComputeRelease(s, now, svc.cfg.Settlement)
	if err != nil {
		return nil, err
	}
	if rel.Amount.Sign() > 0 {
		if err := svc.settleRelease(ctx, s, rel); err != nil {
			return nil, err
		}
	}

	if err := svc.commitMoved(ctx, s, from, rel.Amount.Sign() > 0, unlock); err != nil {
		return nil, err
	}

	svc.recordTransition(s, from, now, rel)
	return s, nil
}

// Get returns a session by ID.
func (svc *Service) Get(ctx context.Context, id string) (*Session, error) {
	return svc.store.Get(ctx, id)
}

// ListByParticipant returns sessions involving an address (payer or counterparty).
func (svc *Service) ListByParticipant(ctx context.Context, addr string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return svc.store.ListByParticipant(ctx, strings.ToLower(addr), limit)
}

// GetAvailablePayment computes the amount releasable right now without
// mutating anything. Disputed and not-yet-started sessions report zero;
// settlement is frozen or has nothing to draw on.
func (svc *Service) GetAvailablePayment(ctx context.Context, id string) (*Release, error) {
	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch s.Status {
	case StatusActive, StatusPaused, StatusCompleted:
		return ComputeRelease(s, svc.now(), svc.cfg.Settlement)
	}
	return &Release{Amount: big.NewInt(0), Counterparty: big.NewInt(0), Fee: big.NewInt(0)}, nil
}

// CheckHealth returns the liveness verdict for a session.
func (svc *Service) CheckHealth(ctx context.Context, id string) (Health, error) {
	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return Health{}, err
	}
	return CheckHealth(s, svc.now(), svc.cfg.Timeouts, svc.cfg.Guards.MaxTransitions), nil
}

// GetRecoveryPlan returns the remedy chain the coordinator would apply.
func (svc *Service) GetRecoveryPlan(ctx context.Context, id string) (Plan, error) {
	s, err := svc.store.Get(ctx, id)
	if err != nil {
		return Plan{}, err
	}
	now := svc.now()
	health := CheckHealth(s, now, svc.cfg.Timeouts, svc.cfg.Guards.MaxTransitions)
	return PlanRecovery(s, health, now), nil
}

// ListManualIntervention returns non-terminal sessions whose recovery budget
// is exhausted.
func (svc *Service) ListManualIntervention(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return svc.store.ListExhausted(ctx, svc.cfg.Recovery.MaxAttempts, limit)
}

// --- internals ---

// foldPause accumulates the in-progress pause span and clears the marker.
func (svc *Service) foldPause(s *Session, now time.Time) {
	if s.PausedAt == nil {
		return
	}
	span := now.Sub(*s.PausedAt)
	if span > 0 {
		s.EffectivePausedSec += int64(span / time.Second)
	}
	s.PausedAt = nil
	s.PauseReason = ""
}

// settleRelease moves a release through the ledger and advances the
// session's released amount by the full release (counterparty + fee).
func (svc *Service) settleRelease(ctx context.Context, s *Session, rel *Release) error {
	if err := svc.ledger.SettleSplit(ctx, s.PayerAddr, s.CounterpartyAddr,
		token.Format(rel.Counterparty), token.Format(rel.Fee), s.ID); err != nil {
		return fmt.Errorf("failed to settle release: %w", err)
	}
	released, _ := token.Parse(s.ReleasedAmount)
	released.Add(released, rel.Amount)
	s.ReleasedAmount = token.Format(released)
	return nil
}

// refundEscrow moves a refund through the ledger and advances the session's
// refunded amount.
func (svc *Service) refundEscrow(ctx context.Context, s *Session, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return nil
	}
	if err := svc.ledger.RefundEscrow(ctx, s.PayerAddr, token.Format(amount), s.ID); err != nil {
		return fmt.Errorf("failed to refund escrow: %w", err)
	}
	refunded, _ := token.Parse(s.RefundedAmount)
	refunded.Add(refunded, amount)
	s.RefundedAmount = token.Format(refunded)
	return nil
}

// commitMoved persists a mutation. When funds already moved the status
// update must not be lost: a stale record would let a later caller settle
// again, so the commit is retried with the shard lock released during
// backoff, and total failure is surfaced as a manual-resolution condition.
func (svc *Service) commitMoved(ctx context.Context, s *Session, expected Status, fundsMoved bool, unlock func()) error {
	if !fundsMoved {
		return svc.store.UpdateIf(ctx, s, expected)
	}

	relock := func() { _ = svc.locks.Lock(s.ID) }
	err := retry.DoWithUnlock(ctx, 3, 50*time.Millisecond, unlock, relock, func() error {
		if err := svc.store.UpdateIf(ctx, s, expected); err != nil {
			logging.L(ctx).Warn("session status update failed after fund movement, retrying",
				"session", s.ID, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("CRITICAL: session funds moved but status update failed",
			"session", s.ID, "target_status", string(s.Status), "error", err)
		return fmt.Errorf("%w: funds moved but record update failed: %v", ErrManualIntervention, err)
	}
	return nil
}

// recordTransition updates metrics and emits the transition event.
func (svc *Service) recordTransition(s *Session, from Status, now time.Time, rel *Release) {
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
	}
	if rel != nil && rel.Amount.Sign() > 0 {
		ev.ReleasedAmount = token.Format(rel.Counterparty)
		ev.FeeAmount = token.Format(rel.Fee)
		if amt, err := strconv.ParseFloat(token.Format(rel.Amount), 64); err == nil && amt > 0 {
			settlementAmount.Observe(amt)
		}
	}
	svc.emit(ev)
}
