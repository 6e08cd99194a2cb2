package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// State is the process-wide mutable risk state, owned by exactly one Engine
// per process and passed by handle rather than read from globals.
type State struct {
	Halted         bool
	HaltReason     string
	DayStartEquity float64
	PeakEquity     float64
}

// Assessment is the outcome of evaluating one candidate. Reasons accumulate
// across all checks; Approved is true only when every check passed.
type Assessment struct {
	Approved       bool     `json:"approved"`
	Reasons        []string `json:"reasons,omitempty"`
	RiskScore      float64  `json:"risk_score"`
	RequiredMargin float64  `json:"required_margin"`
}

// Summary is the operator-facing view of the engine.
type Summary struct {
	Halted         bool    `json:"halted"`
	HaltReason     string  `json:"halt_reason,omitempty"`
	DayStartEquity float64 `json:"day_start_equity"`
	PeakEquity     float64 `json:"peak_equity"`
	CurrentEquity  float64 `json:"current_equity"`
	DailyPnL       float64 `json:"daily_pnl"`
	OpenPositions  int     `json:"open_positions"`
	Degraded       bool    `json:"degraded,omitempty"`
}

// Engine evaluates candidates against the rule set and owns the halt flag.
// Loss and drawdown breaches latch the halt; margin or position-count
// failures reject only the current candidate. The checks are deliberately
// conservative: stale account data produces false rejections, never unsafe
// approvals.
type Engine struct {
	mu         sync.Mutex
	state      State
	db         *Database
	market     *marketdata.Service
	client     broker.Client
	settings   *settings.Store
	notifier   notify.Notifier
	production bool
}

func NewEngine(gormDB *gorm.DB, market *marketdata.Service, client broker.Client, store *settings.Store, notifier notify.Notifier, production bool) *Engine {
	return &Engine{
		db:         NewDatabase(gormDB),
		market:     market,
		client:     client,
		settings:   store,
		notifier:   notifier,
		production: production,
	}
}

// InitializeDailyBaseline records the day-start and peak equity from a fresh
// account snapshot. Call once at start of the trading day.
func (e *Engine) InitializeDailyBaseline(ctx context.Context) error {
	logger := log.With().Str("component", "risk_engine").Logger()

	if err := e.market.ForceRefreshAccount(ctx); err != nil && e.production {
		return fmt.Errorf("baseline refresh: %w", err)
	}
	snap, err := e.market.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("baseline snapshot: %w", err)
	}
	if snap.Degraded && e.production {
		return fmt.Errorf("baseline snapshot degraded: %w", types.ErrBrokerUnavailable)
	}

	e.mu.Lock()
	e.state.DayStartEquity = snap.TotalEquity
	e.state.PeakEquity = snap.TotalEquity
	e.mu.Unlock()

	logger.Info().
		Float64("day_start_equity", snap.TotalEquity).
		Msg("daily risk baseline initialized")
	return nil
}

// Evaluate runs every check against the candidate and accumulates reasons.
// It never short-circuits: a halted engine still reports the other reasons
// the candidate would have failed.
func (e *Engine) Evaluate(ctx context.Context, candidate *types.Candidate, quantity int) (*Assessment, error) {
	logger := log.With().
		Str("component", "risk_engine").
		Str("symbol", candidate.Symbol).
		Str("strategy", candidate.Strategy).
		Logger()

	assessment := &Assessment{}
	snap, err := e.market.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if snap.Degraded && e.production {
		// Unknown account state: fail closed rather than guess.
		assessment.Reasons = append(assessment.Reasons, "account data unavailable, failing closed")
	}

	maxDailyLoss := e.settings.MaxDailyLoss()
	maxDrawdown := e.settings.MaxDrawdown()
	maxPositions := e.settings.MaxPositions()

	e.mu.Lock()
	if e.state.Halted {
		assessment.Reasons = append(assessment.Reasons, "trading halted: "+e.state.HaltReason)
	}

	equity := snap.TotalEquity
	if !snap.Degraded && equity > e.state.PeakEquity {
		e.state.PeakEquity = equity
	}

	var lossFraction, drawdownFraction float64
	if !snap.Degraded && e.state.DayStartEquity > 0 {
		dailyLoss := e.state.DayStartEquity - equity
		lossFraction = dailyLoss / e.state.DayStartEquity
		if lossFraction >= maxDailyLoss {
			reason := fmt.Sprintf("daily loss limit breached: %.2f%% of day-start equity (limit %.2f%%)",
				lossFraction*100, maxDailyLoss*100)
			assessment.Reasons = append(assessment.Reasons, reason)
			e.latchHalt(reason, types.EventDailyLossBreach)
		}
	}
	if !snap.Degraded && e.state.PeakEquity > 0 {
		drawdownFraction = (e.state.PeakEquity - equity) / e.state.PeakEquity
		if drawdownFraction >= maxDrawdown {
			reason := fmt.Sprintf("drawdown limit breached: %.2f%% from peak (limit %.2f%%)",
				drawdownFraction*100, maxDrawdown*100)
			assessment.Reasons = append(assessment.Reasons, reason)
			e.latchHalt(reason, types.EventDrawdownBreach)
		}
	}
	e.mu.Unlock()

	openPositions := len(snap.Positions)
	if openPositions >= maxPositions {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("position limit reached: %d open (limit %d)", openPositions, maxPositions))
	}

	marginUtilization := e.checkMargin(ctx, candidate, quantity, snap, assessment)

	assessment.Approved = len(assessment.Reasons) == 0
	assessment.RiskScore = riskScore(lossFraction/maxDailyLoss, drawdownFraction/maxDrawdown,
		float64(openPositions)/float64(maxPositions), marginUtilization)

	if !assessment.Approved {
		logger.Warn().
			Strs("reasons", assessment.Reasons).
			Float64("risk_score", assessment.RiskScore).
			Msg("candidate rejected by risk checks")
		if err := e.db.RecordEvent(types.EventSignalRejected, types.SeverityWarning,
			"candidate rejected: "+candidate.Symbol,
			map[string]any{"symbol": candidate.Symbol, "strategy": candidate.Strategy, "reasons": assessment.Reasons}); err != nil {
			logger.Error().Err(err).Msg("failed to record rejection event")
		}
	} else {
		logger.Info().
			Float64("risk_score", assessment.RiskScore).
			Float64("required_margin", assessment.RequiredMargin).
			Msg("candidate approved by risk checks")
	}
	return assessment, nil
}

// checkMargin runs the margin-sufficiency check. Skipped outside production:
// required margin defaults to zero so the rest of the pipeline can be
// exercised without a live broker. An unreachable margin lookup in
// production rejects the candidate.
func (e *Engine) checkMargin(ctx context.Context, candidate *types.Candidate, quantity int, snap *types.AccountSnapshot, assessment *Assessment) float64 {
	if !e.production {
		return 0
	}

	required, err := e.client.PreOrderMargin(ctx, &types.OrderRequest{
		Symbol:   candidate.Symbol,
		Side:     candidate.Direction,
		Quantity: quantity,
		Price:    candidate.EntryPrice,
		Product:  types.ProductIntraday,
	})
	if err != nil {
		assessment.Reasons = append(assessment.Reasons, "margin requirement lookup failed, failing closed")
		if recErr := e.db.RecordEvent(types.EventMarginUnavailable, types.SeverityWarning,
			"pre-order margin unreachable for "+candidate.Symbol,
			map[string]any{"symbol": candidate.Symbol, "error": err.Error()}); recErr != nil {
			log.Error().Err(recErr).Msg("failed to record margin event")
		}
		return 1
	}

	assessment.RequiredMargin = required
	if snap.Degraded {
		assessment.Reasons = append(assessment.Reasons, "available margin unknown, failing closed")
		return 1
	}
	if required > snap.AvailableMargin {
		assessment.Reasons = append(assessment.Reasons,
			fmt.Sprintf("insufficient margin: need %.2f, available %.2f", required, snap.AvailableMargin))
	}
	if snap.AvailableMargin <= 0 {
		return 1
	}
	return required / snap.AvailableMargin
}

// latchHalt sets the halt flag from inside Evaluate. Caller holds the mutex.
func (e *Engine) latchHalt(reason, eventType string) {
	if e.state.Halted {
		return
	}
	e.state.Halted = true
	e.state.HaltReason = reason
	log.Error().Str("reason", reason).Msg("TRADING HALTED")
	if err := e.db.RecordEvent(eventType, types.SeverityCritical, reason, nil); err != nil {
		log.Error().Err(err).Msg("failed to record halt event")
	}
	if eventType != types.EventHaltTriggered {
		if err := e.db.RecordEvent(types.EventHaltTriggered, types.SeverityCritical, reason, nil); err != nil {
			log.Error().Err(err).Msg("failed to record halt event")
		}
	}
	e.publish(notify.HaltTriggered, reason)
}

// publish fans the event out to the notification channel. Delivery failures
// are logged, never propagated: notifications must not block risk decisions.
func (e *Engine) publish(eventType, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(notify.Event{Type: eventType, Message: message}); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("notification delivery failed")
	}
}

// TriggerHalt sets the halt flag manually. Every candidate is rejected until
// an explicit Resume.
func (e *Engine) TriggerHalt(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latchHalt(reason, types.EventHaltTriggered)
}

// Resume clears the halt flag. Manual, audited.
func (e *Engine) Resume(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Halted {
		return
	}
	e.state.Halted = false
	e.state.HaltReason = ""
	log.Info().Str("reason", reason).Msg("trading halt cleared")
	if err := e.db.RecordEvent(types.EventHaltCleared, types.SeverityInfo, reason, nil); err != nil {
		log.Error().Err(err).Msg("failed to record resume event")
	}
	e.publish(notify.HaltCleared, reason)
}

// Halted reports the halt flag.
func (e *Engine) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Halted
}

// Summary returns the operator-facing risk view.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	snap, err := e.market.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &Summary{
		Halted:         e.state.Halted,
		HaltReason:     e.state.HaltReason,
		DayStartEquity: e.state.DayStartEquity,
		PeakEquity:     e.state.PeakEquity,
		CurrentEquity:  snap.TotalEquity,
		DailyPnL:       snap.TotalEquity - e.state.DayStartEquity,
		OpenPositions:  len(snap.Positions),
		Degraded:       snap.Degraded,
	}, nil
}

// Events exposes the audit log store.
func (e *Engine) Events() *Database {
	return e.db
}

// riskScore folds the utilization of each limit into a 0-100 composite.
func riskScore(utils ...float64) float64 {
	var sum float64
	for _, u := range utils {
		if u < 0 {
			u = 0
		}
		if u > 1 {
			u = 1
		}
		sum += u
	}
	return 100 * sum / float64(len(utils))
}
