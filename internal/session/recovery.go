package session

import "time"

// RemedyMethod identifies one member of the closed set of remedies.
type RemedyMethod string

const (
	RemedyNone               RemedyMethod = "none"
	RemedyNoShowRefund       RemedyMethod = "no_show_refund"       // Full refund to payer, session expires
	RemedyDisputeAutoResolve RemedyMethod = "dispute_auto_resolve" // Settle by completion fraction frozen at dispute
	RemedyTimeoutCompletion  RemedyMethod = "timeout_completion"   // Settle accrued fraction, refund remainder
	RemedyPauseCompletion    RemedyMethod = "pause_completion"     // Abandon overlong pause, settle accrued fraction
	RemedyStandardCompletion RemedyMethod = "standard_completion"  // Normal completion with progressive settlement
	RemedyEmergencyRefund    RemedyMethod = "emergency_refund"     // Administrator refunds remaining escrow
	RemedyManualResolution   RemedyMethod = "manual_resolution"    // Administrator-mediated dispute resolution
)

// Remedy is one recovery action with its typed parameters. AdminOnly
// remedies appear in plans so operators can see the fallback, but the
// automatic executor skips them.
type Remedy struct {
	Method        RemedyMethod `json:"method"`
	RefundTo      string       `json:"refundTo,omitempty"`      // Address receiving the refund leg, if any
	SettleTo      string       `json:"settleTo,omitempty"`      // Address receiving the settlement leg, if any
	CompletionBps int64        `json:"completionBps,omitempty"` // Fraction the remedy settles at, where meaningful
	Reason        string       `json:"reason,omitempty"`
	AdminOnly     bool         `json:"adminOnly"`
	Likelihood    float64      `json:"likelihood"` // Estimated success probability, 0..1
}

// Plan is an ordered remedy chain: primary first, then fallbacks.
type Plan struct {
	SessionID string   `json:"sessionId"`
	Primary   Remedy   `json:"primary"`
	Fallbacks []Remedy `json:"fallbacks,omitempty"`
}

// IsActionable reports whether the plan contains anything to execute.
func (p Plan) IsActionable() bool {
	return p.Primary.Method != RemedyNone
}

// Remedies returns the full ordered chain.
func (p Plan) Remedies() []Remedy {
	if !p.IsActionable() {
		return nil
	}
	return append([]Remedy{p.Primary}, p.Fallbacks...)
}

// RecoveryConfig bounds retry storms from independent callers racing to
// recover the same session.
type RecoveryConfig struct {
	MaxAttempts int
	Cooldown    time.Duration
}

// CheckBudget enforces the attempt ceiling and cooldown. A spent ceiling is
// the distinct manual-intervention outcome, not a generic failure.
func (c RecoveryConfig) CheckBudget(s *Session, now time.Time) error {
	if s.RecoveryAttempts >= c.MaxAttempts {
		return ErrManualIntervention
	}
	if s.LastRecoveryAt != nil && now.Sub(*s.LastRecoveryAt) < c.Cooldown {
		return ErrRecoveryCooldown
	}
	return nil
}

// PlanRecovery selects a primary remedy and ordered fallback chain from the
// session's status and health verdict. It never executes anything: the plan
// is applied through the state machine as normal transitions, so a session
// already recovered by a racing caller rejects the duplicate at commit time.
//
// Terminal and raced-away statuses yield a no-action plan rather than an
// error, keeping independent pollers quiet.
func PlanRecovery(s *Session, health Health, now time.Time) Plan {
	plan := Plan{SessionID: s.ID, Primary: Remedy{Method: RemedyNone}}

	if s.IsTerminal() {
		return plan
	}

	if s.EmergencyLocked {
		plan.Primary = Remedy{
			Method:     RemedyEmergencyRefund,
			RefundTo:   s.PayerAddr,
			Reason:     ReasonEmergencyLocked,
			AdminOnly:  true,
			Likelihood: 0.95,
		}
		return plan
	}

	// 1. Never started past the start window: full refund, no fallback needed.
	if s.Status == StatusCreated && health.Reason == ReasonNoShow {
		plan.Primary = Remedy{
			Method:     RemedyNoShowRefund,
			RefundTo:   s.PayerAddr,
			Reason:     ReasonNoShow,
			Likelihood: 0.99,
		}
		return plan
	}

	// 2. Dispute past its timeout: auto-resolve by the frozen completion
	// fraction, with administrator mediation as the fallback.
	if s.Status == StatusDisputed && health.Reason == ReasonDisputeExpired {
		plan.Primary = Remedy{
			Method:        RemedyDisputeAutoResolve,
			RefundTo:      s.PayerAddr,
			SettleTo:      s.CounterpartyAddr,
			CompletionBps: s.DisputeFrozenBps,
			Reason:        ReasonDisputeExpired,
			Likelihood:    0.9,
		}
		plan.Fallbacks = []Remedy{{
			Method:     RemedyManualResolution,
			Reason:     ReasonDisputeExpired,
			AdminOnly:  true,
			Likelihood: 0.95,
		}}
		return plan
	}

	// 3. Unhealthy with auto-recovery enabled: remedy matching the failure,
	// emergency refund as the administrator fallback.
	if !health.Healthy && s.AutoRecoveryEnabled {
		fallback := Remedy{
			Method:     RemedyEmergencyRefund,
			RefundTo:   s.PayerAddr,
			Reason:     health.Reason,
			AdminOnly:  true,
			Likelihood: 0.95,
		}
		switch health.Reason {
		case ReasonHeartbeatTimeout:
			plan.Primary = Remedy{
				Method:     RemedyTimeoutCompletion,
				RefundTo:   s.PayerAddr,
				SettleTo:   s.CounterpartyAddr,
				Reason:     health.Reason,
				Likelihood: 0.85,
			}
			plan.Fallbacks = []Remedy{fallback}
			return plan
		case ReasonPauseExceeded:
			plan.Primary = Remedy{
				Method:     RemedyPauseCompletion,
				RefundTo:   s.PayerAddr,
				SettleTo:   s.CounterpartyAddr,
				Reason:     health.Reason,
				Likelihood: 0.85,
			}
			plan.Fallbacks = []Remedy{fallback}
			return plan
		case ReasonTransitionChurn:
			plan.Primary = fallback
			return plan
		}
	}

	// 4. Healthy, running, and fully consumed: standard completion.
	if (s.Status == StatusActive || s.Status == StatusPaused) && health.Healthy {
		if bps, err := CompletionBps(s, now); err == nil && bps >= 10000 {
			plan.Primary = Remedy{
				Method:     RemedyStandardCompletion,
				SettleTo:   s.CounterpartyAddr,
				Likelihood: 0.99,
			}
			return plan
		}
	}

	// 5. Otherwise: nothing to do.
	return plan
}
