package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/sessionpay/internal/idgen"
	"github.com/mbd888/sessionpay/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sessionpay",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter translates session transition events into webhook deliveries for
// both participants. All methods are fire-and-forget: errors are logged but
// never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// EmitTransition implements session.TransitionEmitter.
func (e *Emitter) EmitTransition(ev session.TransitionEvent) {
	if e == nil || e.d == nil {
		return
	}

	eventType := classify(ev)
	data := map[string]interface{}{
		"sessionId":        ev.SessionID,
		"oldStatus":        string(ev.OldStatus),
		"newStatus":        string(ev.NewStatus),
		"payerAddr":        ev.PayerAddr,
		"counterpartyAddr": ev.CounterpartyAddr,
	}
	if ev.ReleasedAmount != "" {
		data["releasedAmount"] = ev.ReleasedAmount
	}
	if ev.FeeAmount != "" {
		data["feeAmount"] = ev.FeeAmount
	}
	if ev.RefundedAmount != "" {
		data["refundedAmount"] = ev.RefundedAmount
	}
	if ev.Reason != "" {
		data["reason"] = ev.Reason
	}

	e.emit(ev.PayerAddr, eventType, data)
	e.emit(ev.CounterpartyAddr, eventType, data)
}

// classify maps a transition onto the event taxonomy subscribers know.
func classify(ev session.TransitionEvent) EventType {
	switch ev.NewStatus {
	case session.StatusCreated:
		return EventSessionCreated
	case session.StatusActive:
		if ev.OldStatus == session.StatusCreated {
			return EventSessionStarted
		}
		if ev.OldStatus == session.StatusDisputed {
			return EventSessionRecovered
		}
		return EventSessionSettled
	case session.StatusPaused:
		return EventSessionPaused
	case session.StatusCompleted:
		return EventSessionCompleted
	case session.StatusDisputed:
		return EventSessionDisputed
	case session.StatusCancelled, session.StatusExpired, session.StatusAbandoned, session.StatusEmergency:
		return EventSessionRefunded
	}
	return EventSessionSettled
}

func (e *Emitter) emit(addr string, eventType EventType, data map[string]interface{}) {
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToParticipant(ctx, addr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "participant", addr, "error", err)
	}
}

// EmitDeposit emits a balance.deposit event.
func (e *Emitter) EmitDeposit(addr, amount, txHash string) {
	if e == nil || e.d == nil {
		return
	}
	e.emit(addr, EventBalanceDeposit, map[string]interface{}{
		"addr":   addr,
		"amount": amount,
		"txHash": txHash,
	})
}

// Compile-time assertion that Emitter implements session.TransitionEmitter.
var _ session.TransitionEmitter = (*Emitter)(nil)
