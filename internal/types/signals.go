package types

import (
	"time"

	"gorm.io/gorm"
)

// Signal statuses. PENDING is the only non-terminal state besides APPROVED;
// EXECUTED, REJECTED, EXPIRED and FAILED are terminal and never re-entered.
const (
	StatusPending  = "PENDING"
	StatusApproved = "APPROVED"
	StatusExecuted = "EXECUTED"
	StatusRejected = "REJECTED"
	StatusExpired  = "EXPIRED"
	StatusFailed   = "FAILED"
)

// Trade directions.
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
	DirectionExit = "EXIT"
)

// IsTerminalStatus reports whether a signal in the given status can never
// transition again.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusExecuted, StatusRejected, StatusExpired, StatusFailed:
		return true
	}
	return false
}

type Signal struct {
	gorm.Model     `json:"-"`
	SignalID       string     `gorm:"uniqueIndex" json:"signal_id"`
	Symbol         string     `json:"symbol"`
	Direction      string     `json:"direction"` // BUY, SELL or EXIT
	EntryPrice     float64    `json:"entry_price"`
	StopLoss       float64    `json:"stop_loss"`
	TargetPrice    float64    `json:"target_price"`
	Quantity       int        `json:"quantity"`
	RequiredMargin float64    `json:"required_margin"`
	Status         string     `json:"status"`
	Strategy       string     `json:"strategy"`
	Confidence     float64    `json:"confidence"`
	Metadata       string     `json:"metadata,omitempty"` // JSON object, free-form
	BrokerOrderID  string     `json:"broker_order_id,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ExecutedAt     *time.Time `json:"executed_at,omitempty"`
}

// Candidate returns the signal's original candidate shape, used for risk
// re-validation at approval time.
func (s *Signal) Candidate() *Candidate {
	return &Candidate{
		Symbol:      s.Symbol,
		Direction:   s.Direction,
		EntryPrice:  s.EntryPrice,
		StopLoss:    s.StopLoss,
		TargetPrice: s.TargetPrice,
		Confidence:  s.Confidence,
		Strategy:    s.Strategy,
		Metadata:    s.Metadata,
	}
}

// Candidate is a proposed trade as produced by the strategy engine, already
// normalized to a single canonical shape at the ingestion boundary. Downstream
// components never see alternate field names or stringly-typed variants.
type Candidate struct {
	Symbol      string  `json:"symbol" validate:"required"`
	Direction   string  `json:"direction" validate:"required,oneof=BUY SELL EXIT"`
	EntryPrice  float64 `json:"entry_price" validate:"required,gt=0"`
	StopLoss    float64 `json:"stop_loss" validate:"required,gt=0"`
	TargetPrice float64 `json:"target_price" validate:"required,gt=0"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	Strategy    string  `json:"strategy" validate:"required"`
	Metadata    string  `json:"metadata,omitempty"`
}

// RiskEvent is an append-only audit record. Rows are never mutated after
// creation except to flip the resolved flag.
type RiskEvent struct {
	gorm.Model `json:"-"`
	EventType  string     `json:"event_type"` // e.g. HALT_TRIGGERED, DAILY_LOSS_BREACH
	Severity   string     `json:"severity"`   // INFO, WARNING, CRITICAL
	Message    string     `json:"message"`
	Context    string     `json:"context,omitempty"` // JSON object
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Risk event types.
const (
	EventHaltTriggered     = "HALT_TRIGGERED"
	EventHaltCleared       = "HALT_CLEARED"
	EventDailyLossBreach   = "DAILY_LOSS_BREACH"
	EventDrawdownBreach    = "DRAWDOWN_BREACH"
	EventSignalRejected    = "SIGNAL_REJECTED"
	EventMarginUnavailable = "MARGIN_UNAVAILABLE"
	EventAuthFallback      = "AUTH_SIM_FALLBACK"
)

// Risk event severities.
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)
