package session

import "time"

// TransitionEvent is emitted after every committed mutation so external
// monitors can drive their own tracking stores, notification delivery, and
// scheduling. Amounts are zero-valued strings when no funds moved.
type TransitionEvent struct {
	SessionID string    `json:"sessionId"`
	OldStatus Status    `json:"oldStatus"`
	NewStatus Status    `json:"newStatus"`
	Timestamp time.Time `json:"timestamp"`

	PayerAddr        string `json:"payerAddr"`
	CounterpartyAddr string `json:"counterpartyAddr"`
	ReleasedAmount   string `json:"releasedAmount,omitempty"` // Paid to counterparty this mutation
	FeeAmount        string `json:"feeAmount,omitempty"`      // Platform fee this mutation
	RefundedAmount   string `json:"refundedAmount,omitempty"` // Returned to payer this mutation
	Reason           string `json:"reason,omitempty"`
}

// TransitionEmitter receives transition events. Delivery is asynchronous
// but ordered: each registered consumer is drained by a single goroutine,
// so two transitions of the same session arrive in commit order.
type TransitionEmitter interface {
	EmitTransition(ev TransitionEvent)
}

const emitterQueueSize = 256

// emitterQueue decouples delivery from the mutating call without losing
// per-consumer ordering.
type emitterQueue struct {
	ch chan TransitionEvent
}

func newEmitterQueue(e TransitionEmitter) *emitterQueue {
	q := &emitterQueue{ch: make(chan TransitionEvent, emitterQueueSize)}
	go func() {
		for ev := range q.ch {
			e.EmitTransition(ev)
		}
	}()
	return q
}

func (svc *Service) emit(ev TransitionEvent) {
	for _, q := range svc.queues {
		select {
		case q.ch <- ev:
		default:
			// A consumer this far behind loses the event rather than
			// stalling settlement.
		}
	}
}
