package session

import "time"

// Health is a liveness verdict. Read-only diagnostic: checking health never
// mutates the session.
type Health struct {
	Healthy bool   `json:"healthy"`
	Reason  string `json:"reason,omitempty"`
}

// Health reason codes.
const (
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonPauseExceeded    = "pause_exceeded"
	ReasonNoShow           = "no_show"
	ReasonTransitionChurn  = "transition_churn"
	ReasonEmergencyLocked  = "emergency_locked"
	ReasonDisputeExpired   = "dispute_expired"
)

// CheckHealth evaluates a session's liveness from heartbeat recency, pause
// duration, and transition-count pressure. The churn check fires at 80% of
// the ceiling as an early warning, before the state machine starts
// rejecting transitions outright.
func CheckHealth(s *Session, now time.Time, timeouts Timeouts, maxTransitions int) Health {
	if s.EmergencyLocked {
		return Health{Healthy: false, Reason: ReasonEmergencyLocked}
	}

	switch s.Status {
	case StatusCreated:
		if now.Sub(s.CreatedAt) > timeouts.StartTimeout {
			return Health{Healthy: false, Reason: ReasonNoShow}
		}
	case StatusActive:
		last := s.CreatedAt
		if s.LastHeartbeatAt != nil {
			last = *s.LastHeartbeatAt
		}
		if now.Sub(last) > timeouts.HeartbeatTimeout {
			return Health{Healthy: false, Reason: ReasonHeartbeatTimeout}
		}
	case StatusPaused:
		if accumulatedPause(s, now) > timeouts.MaxPauseDuration {
			return Health{Healthy: false, Reason: ReasonPauseExceeded}
		}
	case StatusDisputed:
		if s.DisputeOpenedAt != nil && now.Sub(*s.DisputeOpenedAt) > timeouts.DisputeTimeout {
			return Health{Healthy: false, Reason: ReasonDisputeExpired}
		}
	}

	if maxTransitions > 0 && s.TransitionCount*5 > maxTransitions*4 {
		return Health{Healthy: false, Reason: ReasonTransitionChurn}
	}

	return Health{Healthy: true}
}

// accumulatedPause is the total paused time including the span of a pause
// still in progress.
func accumulatedPause(s *Session, now time.Time) time.Duration {
	total := time.Duration(s.EffectivePausedSec) * time.Second
	if s.PausedAt != nil && now.After(*s.PausedAt) {
		total += now.Sub(*s.PausedAt)
	}
	return total
}
