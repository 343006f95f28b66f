package session

import (
	"fmt"
	"time"
)

// transitionGraph holds the only legal outbound edges per status.
// Terminal statuses have no outbound edges; Emergency is handled separately
// because it may move to any non-terminal-origin target under administrator
// override.
var transitionGraph = map[Status][]Status{
	StatusCreated:   {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:    {StatusPaused, StatusCompleted, StatusDisputed, StatusEmergency},
	StatusPaused:    {StatusActive, StatusCompleted, StatusAbandoned, StatusDisputed},
	StatusDisputed:  {StatusActive, StatusCompleted, StatusCancelled},
	StatusAbandoned: {StatusCancelled},
	StatusCompleted: nil,
	StatusCancelled: nil,
	StatusExpired:   nil,
}

// CanTransition reports whether the graph permits old → new.
func CanTransition(old, new Status) bool {
	if old == StatusEmergency {
		// Administrator override: Emergency may move anywhere.
		return true
	}
	for _, s := range transitionGraph[old] {
		if s == new {
			return true
		}
	}
	return false
}

// Guards holds the anti-churn limits applied to every transition.
type Guards struct {
	MaxTransitions     int
	MinTransitionDelay time.Duration
}

// validateTransition checks graph legality plus the churn guards. adminOverride
// relaxes the graph, the churn guards, and the emergency lock (but never the
// terminal rule: nothing leaves Completed, Cancelled, or Expired).
func validateTransition(s *Session, to Status, now time.Time, g Guards, adminOverride bool) error {
	if s.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminalStatus, s.Status)
	}
	if s.EmergencyLocked && !adminOverride {
		return ErrEmergencyLocked
	}
	if adminOverride {
		// Administrators bypass the graph and the churn guards; emergency
		// entry must work from any non-terminal status.
		return nil
	}
	if s.Status == StatusEmergency || to == StatusEmergency {
		return fmt.Errorf("%w: %s → %s requires administrator", ErrInvalidTransition, s.Status, to)
	}
	if s.TransitionCount >= g.MaxTransitions {
		return fmt.Errorf("%w (%d)", ErrTransitionBudget, g.MaxTransitions)
	}
	if s.LastTransitionAt != nil && now.Sub(*s.LastTransitionAt) < g.MinTransitionDelay {
		return ErrTransitionDelay
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.Status, to)
	}
	return nil
}

// applyTransition mutates the in-memory record for a validated transition.
// The caller is responsible for committing via Store.UpdateIf and for
// emitting the transition event after the commit succeeds.
func applyTransition(s *Session, to Status, now time.Time) (from Status) {
	from = s.Status
	s.Status = to
	s.TransitionCount++
	t := now
	s.LastTransitionAt = &t
	s.LastActivityAt = now
	s.UpdatedAt = now
	return from
}
