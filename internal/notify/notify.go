package notify

import (
	"github.com/rs/zerolog/log"
)

// Event is a structured lifecycle notification. Delivery is strictly
// fire-and-forget: a failing channel must never affect lifecycle state.
type Event struct {
	Type     string         `json:"type"`
	SignalID string         `json:"signal_id,omitempty"`
	Symbol   string         `json:"symbol,omitempty"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Lifecycle event types.
const (
	SignalCreated  = "SIGNAL_CREATED"
	SignalApproved = "SIGNAL_APPROVED"
	SignalRejected = "SIGNAL_REJECTED"
	SignalExecuted = "SIGNAL_EXECUTED"
	SignalExpired  = "SIGNAL_EXPIRED"
	SignalFailed   = "SIGNAL_FAILED"
	HaltTriggered  = "HALT_TRIGGERED"
	HaltCleared    = "HALT_CLEARED"
)

// Notifier receives lifecycle events. Implementations must not block the
// caller for long and may drop events on failure.
type Notifier interface {
	Notify(event Event) error
}

// LogNotifier writes events to the structured log. The default in-process
// channel; external channels (chat, webhooks) plug in behind the same
// interface.
type LogNotifier struct{}

func (LogNotifier) Notify(event Event) error {
	log.Info().
		Str("component", "notifier").
		Str("event", event.Type).
		Str("signal_id", event.SignalID).
		Str("symbol", event.Symbol).
		Interface("fields", event.Fields).
		Msg(event.Message)
	return nil
}
