package types

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotPending is returned when a state transition is attempted on a
	// signal that already left PENDING. It is a non-fatal result: callers
	// treat it as an idempotent no-op, not a failure.
	ErrNotPending = errors.New("signal is not pending")

	// ErrHalted is returned while the process-wide trading halt is active.
	ErrHalted = errors.New("trading is halted")

	// ErrBrokerUnavailable marks transient broker failures. Hit during
	// read-only estimation the candidate stays PENDING; hit during the
	// execution call itself the signal is marked FAILED, because the order
	// state at the broker is then unknown.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// ValidationError marks a malformed candidate, rejected before anything is
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid candidate: %s: %s", e.Field, e.Reason)
}

// RiskRejection carries the accumulated reasons a candidate failed risk
// evaluation. The candidate is recorded as REJECTED and never promoted.
type RiskRejection struct {
	Reasons []string
}

func (e *RiskRejection) Error() string {
	return "risk rejected: " + strings.Join(e.Reasons, "; ")
}

// StaleDataError marks a reference price that drifted too far between signal
// creation and approval. The signal is rejected, not retried.
type StaleDataError struct {
	Symbol    string
	Reference float64
	Current   float64
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("stale reference price for %s: signal at %.2f, market at %.2f", e.Symbol, e.Reference, e.Current)
}
