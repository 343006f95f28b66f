package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sweeper periodically scans for stuck sessions and drives them through
// auto-recovery. It is a convenience for operators: every remedy it applies
// is also reachable through the administrator recovery endpoint, and a
// second sweeper pointed at the same store is harmless because the store's
// compare-and-set rejects the loser of any race.
type Sweeper struct {
	service  *Service
	store    Store
	timeouts Timeouts
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new session recovery sweeper.
func NewSweeper(service *Service, store Store, timeouts Timeouts, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		service:  service,
		store:    store,
		timeouts: timeouts,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in session sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.sweep(ctx)
}

func (w *Sweeper) sweep(ctx context.Context) {
	stuck, err := w.store.ListStuck(ctx, time.Now(), w.timeouts, 100)
	if err != nil {
		w.logger.Warn("failed to list stuck sessions", "error", err)
		return
	}

	for _, s := range stuck {
		// Fully consumed healthy sessions complete for free; everything else
		// goes through recovery and spends attempt budget.
		if s.Status == StatusActive {
			if bps, err := CompletionBps(s, time.Now()); err == nil && bps >= 10000 {
				if _, err := w.service.AutoComplete(ctx, s.ID); err == nil {
					w.logger.Info("auto-completed session",
						"sessionId", s.ID, "counterparty", s.CounterpartyAddr, "amount", s.TotalAmount)
					continue
				} else if !errors.Is(err, ErrNotYetEligible) && !errors.Is(err, ErrStaleStatus) {
					w.logger.Warn("failed to auto-complete session", "sessionId", s.ID, "error", err)
				}
			}
		}

		_, err := w.service.ExecuteAutoRecovery(ctx, s.ID)
		switch {
		case err == nil:
			w.logger.Info("recovered session", "sessionId", s.ID)
		case errors.Is(err, ErrRecoveryCooldown), errors.Is(err, ErrStaleStatus):
			// Another mutator is ahead of us; next sweep will re-evaluate.
		case errors.Is(err, ErrManualIntervention):
			w.logger.Warn("session needs manual intervention", "sessionId", s.ID)
		default:
			w.logger.Warn("failed to recover session", "sessionId", s.ID, "error", err)
		}
	}
}
