// Package session escrows funds for time-boxed two-party engagements and
// releases them progressively as active time is consumed.
//
// Flow:
//  1. Payer creates session → funds moved: available → escrowed
//  2. Counterparty engagement starts → heartbeats keep the session alive
//  3. Each heartbeat settles the newly accrued fraction (capped below 100%)
//  4. Explicit completion → remaining balance paid out minus platform fee
//  5. No-show, overlong pause, or silence → recovery remedies unwind the escrow
//  6. Dispute → settlement frozen until resolution or timeout
package session

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/sessionpay/internal/idgen"
)

// Validation errors: rejected immediately, no state change.
var (
	ErrSessionNotFound = errors.New("session: not found")
	ErrSessionExists   = errors.New("session: id already in use")
	ErrUnauthorized    = errors.New("session: not authorized for this operation")
	ErrInvalidAmount   = errors.New("session: invalid amount")
	ErrInvalidDuration = errors.New("session: planned duration out of bounds")
	ErrSameParty       = errors.New("session: payer and counterparty cannot be the same address")
	ErrReasonRequired  = errors.New("session: a reason code is required")
)

// Timing errors: the action's window has not opened yet; retry later.
var (
	ErrNotYetEligible       = errors.New("session: not yet eligible, retry later")
	ErrTimestampRegression  = errors.New("session: observed clock went backwards")
	ErrStartWindowElapsed   = errors.New("session: start window elapsed")
	ErrDisputeWindowRunning = errors.New("session: dispute timeout has not elapsed")
)

// State errors: the caller's view of the session is stale.
var (
	ErrInvalidTransition = errors.New("session: transition not legal from current status")
	ErrTerminalStatus    = errors.New("session: already in a terminal status")
	ErrStaleStatus       = errors.New("session: status changed concurrently, no longer eligible")
	ErrEmergencyLocked   = errors.New("session: emergency locked, administrator unlock required")
)

// Capacity errors: the session needs administrator attention.
var (
	ErrTransitionBudget = errors.New("session: transition count ceiling reached")
	ErrTransitionDelay  = errors.New("session: minimum delay between transitions not elapsed")
	ErrRecoveryCooldown = errors.New("session: recovery cooldown not elapsed")
	// ErrManualIntervention marks sessions whose automated remedies are
	// exhausted. Operators must distinguish this from transient failures.
	ErrManualIntervention = errors.New("session: recovery attempts exhausted, manual intervention required")
)

// Financial errors: no partial transfer ever occurs.
var ErrInsufficientEscrow = errors.New("session: requested amount exceeds remaining escrow")

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusCreated   Status = "created"   // Funded, waiting for start
	StatusActive    Status = "active"    // Running, heartbeats expected
	StatusPaused    Status = "paused"    // Clock stopped, pause time accruing
	StatusCompleted Status = "completed" // Terminal: settled
	StatusCancelled Status = "cancelled" // Terminal: unwound
	StatusExpired   Status = "expired"   // Terminal: never started (no-show)
	StatusDisputed  Status = "disputed"  // Settlement frozen pending resolution
	StatusAbandoned Status = "abandoned" // Pause exceeded ceiling, awaiting unwind
	StatusEmergency Status = "emergency" // Administrator intervention state
)

// Session is the escrow record governing one payer/counterparty engagement.
type Session struct {
	ID                 string `json:"id"`
	PayerAddr          string `json:"payerAddr"`
	CounterpartyAddr   string `json:"counterpartyAddr"`
	Asset              string `json:"asset"`
	TotalAmount        string `json:"totalAmount"`
	ReleasedAmount     string `json:"releasedAmount"` // Monotonically non-decreasing
	RefundedAmount     string `json:"refundedAmount"` // Monotonically non-decreasing
	PlannedDurationSec int64  `json:"plannedDurationSecs"`

	Status Status `json:"status"`

	CreatedAt         time.Time  `json:"createdAt"`
	StartedAt         *time.Time `json:"startedAt,omitempty"`
	LastHeartbeatAt   *time.Time `json:"lastHeartbeatAt,omitempty"`
	LastActivityAt    time.Time  `json:"lastActivityAt"`
	PausedAt          *time.Time `json:"pausedAt,omitempty"`
	EffectivePausedSec int64     `json:"effectivePausedSecs"` // Accumulated, only increases
	PauseReason        string    `json:"pauseReason,omitempty"`

	TransitionCount  int        `json:"transitionCount"`
	LastTransitionAt *time.Time `json:"lastTransitionAt,omitempty"`
	EmergencyLocked  bool       `json:"emergencyLocked"`

	DisputeReason       string     `json:"disputeReason,omitempty"`
	DisputeOpenedAt     *time.Time `json:"disputeOpenedAt,omitempty"`
	DisputeInitiator    string     `json:"disputeInitiator,omitempty"`
	ArbitrationRequired bool       `json:"arbitrationRequired"`
	DisputeFrozenBps    int64      `json:"disputeFrozenBps"` // Completion bps captured at freeze

	RecoveryAttempts    int        `json:"recoveryAttempts"`
	LastRecoveryAt      *time.Time `json:"lastRecoveryAt,omitempty"`
	AutoRecoveryEnabled bool       `json:"autoRecoveryEnabled"`

	Resolution string    `json:"resolution,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the session is in a final state.
// Terminal sessions are retained as an immutable settlement record.
func (s *Session) IsTerminal() bool {
	switch s.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// PlannedDuration returns the target active duration.
func (s *Session) PlannedDuration() time.Duration {
	return time.Duration(s.PlannedDurationSec) * time.Second
}

// IsParticipant reports whether addr is the payer or the counterparty.
func (s *Session) IsParticipant(addr string) bool {
	return addr == s.PayerAddr || addr == s.CounterpartyAddr
}

// Store persists session records. UpdateIf is the engine's only write path
// after creation: it commits the record only if the stored status still
// equals expected, so concurrent mutators race on a compare-and-set rather
// than a lock spanning all sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	UpdateIf(ctx context.Context, s *Session, expected Status) error
	ListByParticipant(ctx context.Context, addr string, limit int) ([]*Session, error)
	// ListStuck returns sessions whose timers have expired: never started
	// past the start timeout, silent past the heartbeat timeout, paused past
	// the pause ceiling, or disputed past the dispute timeout.
	ListStuck(ctx context.Context, now time.Time, timeouts Timeouts, limit int) ([]*Session, error)
	// ListExhausted returns non-terminal sessions whose recovery budget is
	// spent; these need operator attention.
	ListExhausted(ctx context.Context, maxAttempts int, limit int) ([]*Session, error)
}

// Timeouts carries the liveness thresholds shared by the monitor, the
// recovery coordinator, and the stores.
type Timeouts struct {
	StartTimeout     time.Duration
	HeartbeatTimeout time.Duration
	MaxPauseDuration time.Duration
	DisputeTimeout   time.Duration
}

// LedgerService abstracts fund movements so session doesn't import ledger.
// Every call is all-or-nothing: either the full movement happens or nothing.
type LedgerService interface {
	EscrowLock(ctx context.Context, payerAddr, amount, reference string) error
	SettleSplit(ctx context.Context, payerAddr, counterpartyAddr, releaseAmount, feeAmount, reference string) error
	RefundEscrow(ctx context.Context, payerAddr, amount, reference string) error
}

// CreateRequest contains the parameters for creating a session.
type CreateRequest struct {
	ID                  string `json:"id"` // Optional, generated when empty
	CounterpartyAddr    string `json:"counterpartyAddr" binding:"required"`
	Asset               string `json:"asset"`
	Amount              string `json:"amount" binding:"required"`
	PlannedDurationSec  int64  `json:"plannedDurationSecs" binding:"required"`
	AutoRecoveryEnabled *bool  `json:"autoRecoveryEnabled"` // Default true
}

// PauseRequest contains the parameters for pausing a session.
type PauseRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// DisputeRequest contains the parameters for raising a dispute.
type DisputeRequest struct {
	Reason              string `json:"reason" binding:"required"`
	ArbitrationRequired bool   `json:"arbitrationRequired"`
}

// ResolveRequest contains an administrator's explicit dispute resolution.
// PayerAmount + CounterpartyAmount must not exceed the remaining escrow;
// any remainder below that bound is refunded to the payer. Outcome
// "resumed" requires both amounts to be zero.
type ResolveRequest struct {
	Outcome            string `json:"outcome" binding:"required"` // completed, cancelled, resumed
	PayerAmount        string `json:"payerAmount"`
	CounterpartyAmount string `json:"counterpartyAmount"`
	Reason             string `json:"reason"`
}

// PartialRefundRequest splits the remaining escrow at a percentage.
type PartialRefundRequest struct {
	CompletedBps int64  `json:"completedBps" binding:"required"` // Counterparty share in basis points
	Reason       string `json:"reason"`
}

// EmergencyRequest contains the parameters for an emergency refund.
type EmergencyRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// UnlockRequest moves an emergency-locked session to a target status.
type UnlockRequest struct {
	Target Status `json:"target" binding:"required"`
	Reason string `json:"reason"`
}

func generateSessionID() string {
	return idgen.WithPrefix("ses_")
}
