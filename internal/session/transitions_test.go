package session

import (
	"errors"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusCreated, StatusActive},
		{StatusCreated, StatusCancelled},
		{StatusCreated, StatusExpired},
		{StatusActive, StatusPaused},
		{StatusActive, StatusCompleted},
		{StatusActive, StatusDisputed},
		{StatusActive, StatusEmergency},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusCompleted},
		{StatusPaused, StatusAbandoned},
		{StatusPaused, StatusDisputed},
		{StatusDisputed, StatusActive},
		{StatusDisputed, StatusCompleted},
		{StatusDisputed, StatusCancelled},
		{StatusAbandoned, StatusCancelled},
		{StatusEmergency, StatusActive},
		{StatusEmergency, StatusCancelled},
	}
	for _, e := range legal {
		if !CanTransition(e.from, e.to) {
			t.Errorf("%s → %s should be legal", e.from, e.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusCreated, StatusPaused},
		{StatusCreated, StatusCompleted},
		{StatusActive, StatusExpired},
		{StatusActive, StatusAbandoned},
		{StatusPaused, StatusExpired},
		{StatusAbandoned, StatusActive},
		{StatusCompleted, StatusActive},
		{StatusCancelled, StatusActive},
		{StatusExpired, StatusCreated},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Errorf("%s → %s should be illegal", e.from, e.to)
		}
	}
}

func TestValidateTransition_TerminalIsFinal(t *testing.T) {
	now := time.Now()
	g := Guards{MaxTransitions: 50}

	for _, status := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		s := &Session{Status: status}
		if err := validateTransition(s, StatusActive, now, g, false); !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("%s: err = %v, want ErrTerminalStatus", status, err)
		}
		// Not even an administrator reopens a settled record.
		if err := validateTransition(s, StatusActive, now, g, true); !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("%s admin: err = %v, want ErrTerminalStatus", status, err)
		}
	}
}

func TestValidateTransition_EmergencyLock(t *testing.T) {
	now := time.Now()
	g := Guards{MaxTransitions: 50}
	s := &Session{Status: StatusEmergency, EmergencyLocked: true}

	if err := validateTransition(s, StatusCancelled, now, g, false); !errors.Is(err, ErrEmergencyLocked) {
		t.Errorf("err = %v, want ErrEmergencyLocked", err)
	}
	if err := validateTransition(s, StatusCancelled, now, g, true); err != nil {
		t.Errorf("admin override err = %v, want nil", err)
	}
}

func TestValidateTransition_EmergencyRequiresAdmin(t *testing.T) {
	now := time.Now()
	g := Guards{MaxTransitions: 50}

	s := &Session{Status: StatusActive}
	if err := validateTransition(s, StatusEmergency, now, g, false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("entering emergency: err = %v, want ErrInvalidTransition", err)
	}
	if err := validateTransition(s, StatusEmergency, now, g, true); err != nil {
		t.Errorf("admin entering emergency: err = %v, want nil", err)
	}

	s = &Session{Status: StatusEmergency}
	if err := validateTransition(s, StatusActive, now, g, false); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("leaving emergency: err = %v, want ErrInvalidTransition", err)
	}
}

func TestValidateTransition_TransitionBudget(t *testing.T) {
	now := time.Now()
	g := Guards{MaxTransitions: 10}

	s := &Session{Status: StatusActive, TransitionCount: 10}
	if err := validateTransition(s, StatusPaused, now, g, false); !errors.Is(err, ErrTransitionBudget) {
		t.Errorf("err = %v, want ErrTransitionBudget", err)
	}
	// Administrators are exempt from churn limits.
	if err := validateTransition(s, StatusCompleted, now, g, true); err != nil {
		t.Errorf("admin err = %v, want nil", err)
	}

	s.TransitionCount = 9
	if err := validateTransition(s, StatusPaused, now, g, false); err != nil {
		t.Errorf("one below ceiling: err = %v, want nil", err)
	}
}

func TestValidateTransition_MinimumDelay(t *testing.T) {
	now := time.Now()
	g := Guards{MaxTransitions: 50, MinTransitionDelay: 10 * time.Second}

	last := now.Add(-3 * time.Second)
	s := &Session{Status: StatusActive, LastTransitionAt: &last}
	if err := validateTransition(s, StatusPaused, now, g, false); !errors.Is(err, ErrTransitionDelay) {
		t.Errorf("err = %v, want ErrTransitionDelay", err)
	}

	last = now.Add(-11 * time.Second)
	s.LastTransitionAt = &last
	if err := validateTransition(s, StatusPaused, now, g, false); err != nil {
		t.Errorf("after delay: err = %v, want nil", err)
	}
}

func TestApplyTransition(t *testing.T) {
	now := time.Now()
	s := &Session{Status: StatusActive, TransitionCount: 3}

	from := applyTransition(s, StatusPaused, now)
	if from != StatusActive {
		t.Errorf("from = %s, want active", from)
	}
	if s.Status != StatusPaused {
		t.Errorf("status = %s, want paused", s.Status)
	}
	if s.TransitionCount != 4 {
		t.Errorf("transitionCount = %d, want 4", s.TransitionCount)
	}
	if s.LastTransitionAt == nil || !s.LastTransitionAt.Equal(now) {
		t.Error("lastTransitionAt not stamped")
	}
	if !s.LastActivityAt.Equal(now) || !s.UpdatedAt.Equal(now) {
		t.Error("activity timestamps not refreshed")
	}
}
