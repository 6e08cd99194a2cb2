package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ksred/trade-engine/internal/execution"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/risk"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// maxPriceDrift is how far the market may move from the signal's entry price
// before approval rejects it as stale.
const maxPriceDrift = 0.05

// Service drives a signal through its lifecycle: ingestion, risk gating,
// approval or rejection, execution, expiry. Per-candidate failures are
// converted into terminal statuses and structured events at this boundary;
// they never abort batch screening or the sweeps.
type Service struct {
	db         *Database
	engine     *risk.Engine
	sizer      *risk.Sizer
	gateway    *execution.Gateway
	market     *marketdata.Service
	settings   *settings.Store
	notifier   notify.Notifier
	validate   *validator.Validate
	production bool
}

func NewService(gormDB *gorm.DB, engine *risk.Engine, sizer *risk.Sizer, gateway *execution.Gateway, market *marketdata.Service, store *settings.Store, notifier notify.Notifier, production bool) *Service {
	return &Service{
		db:         NewDatabase(gormDB),
		engine:     engine,
		sizer:      sizer,
		gateway:    gateway,
		market:     market,
		settings:   store,
		notifier:   notifier,
		validate:   validator.New(),
		production: production,
	}
}

// DB exposes the signal store for collaborators that only transition rows.
func (s *Service) DB() *Database {
	return s.db
}

// Ingest normalizes and validates a candidate, sizes it, runs risk
// evaluation and persists the resulting signal. Risk-rejected candidates are
// persisted as REJECTED with their reasons; nothing malformed is persisted
// at all. In auto-trade mode an approved signal executes immediately.
func (s *Service) Ingest(ctx context.Context, candidate *types.Candidate) (*types.Signal, error) {
	normalize(candidate)

	logger := log.With().
		Str("component", "lifecycle").
		Str("symbol", candidate.Symbol).
		Str("strategy", candidate.Strategy).
		Logger()

	if err := s.validateCandidate(candidate); err != nil {
		logger.Warn().Err(err).Msg("candidate rejected before persistence")
		return nil, err
	}

	snap, err := s.market.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	quantity, requiredMargin, sizeErr := s.sizer.Size(ctx, candidate, snap.AvailableMargin)
	if sizeErr != nil && !errors.Is(sizeErr, types.ErrBrokerUnavailable) {
		return nil, sizeErr
	}

	assessment, err := s.engine.Evaluate(ctx, candidate, quantity)
	if err != nil {
		return nil, err
	}

	signal := &types.Signal{
		SignalID:       "SIG-" + uuid.New().String(),
		Symbol:         candidate.Symbol,
		Direction:      candidate.Direction,
		EntryPrice:     candidate.EntryPrice,
		StopLoss:       candidate.StopLoss,
		TargetPrice:    candidate.TargetPrice,
		Quantity:       quantity,
		RequiredMargin: requiredMargin,
		Strategy:       candidate.Strategy,
		Confidence:     candidate.Confidence,
		Metadata:       candidate.Metadata,
		Status:         types.StatusPending,
		ExpiresAt:      time.Now().Add(s.settings.SignalTimeout()),
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if !assessment.Approved {
		signal.Status = types.StatusRejected
		signal.Metadata = types.MergeMetadata(signal.Metadata, "rejection_reasons", assessment.Reasons)
		if err := s.db.Create(signal); err != nil {
			return nil, err
		}
		logger.Warn().
			Str("signal_id", signal.SignalID).
			Strs("reasons", assessment.Reasons).
			Msg("signal recorded as risk-rejected")
		s.publish(notify.SignalRejected, signal, "risk rejected: "+strings.Join(assessment.Reasons, "; "), nil)
		return signal, nil
	}

	if err := s.db.Create(signal); err != nil {
		return nil, err
	}
	logger.Info().
		Str("signal_id", signal.SignalID).
		Int("quantity", quantity).
		Float64("risk_score", assessment.RiskScore).
		Msg("signal created")
	s.publish(notify.SignalCreated, signal, "signal created", map[string]any{
		"quantity":   quantity,
		"risk_score": assessment.RiskScore,
	})

	if sizeErr != nil {
		// Margin estimation was unreachable: the signal stays PENDING and
		// is picked up again on approval once the broker is back.
		logger.Warn().Str("signal_id", signal.SignalID).Msg("margin estimate unavailable, awaiting approval retry")
		return signal, nil
	}

	if s.settings.AutoTrade() {
		if err := s.executePending(ctx, signal); err != nil {
			logger.Warn().Err(err).Str("signal_id", signal.SignalID).Msg("auto-trade execution did not complete")
		}
		return s.refresh(signal)
	}
	return signal, nil
}

// Approve moves a non-expired PENDING signal to execution after mandatory
// risk re-validation: the market and account may have moved arbitrarily
// since creation. Terminal signals return ErrNotPending with no side
// effects.
func (s *Service) Approve(ctx context.Context, signalID string) (*types.Signal, error) {
	logger := log.With().
		Str("component", "lifecycle").
		Str("signal_id", signalID).
		Logger()

	signal, err := s.db.Get(signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("signal %s not found: %w", signalID, gorm.ErrRecordNotFound)
	}
	if signal.Status != types.StatusPending {
		return signal, types.ErrNotPending
	}

	if time.Now().After(signal.ExpiresAt) {
		if moved, err := s.db.Transition(signalID, types.StatusPending, types.StatusExpired, nil); err == nil && moved {
			logger.Info().Msg("signal expired at approval time")
			s.publish(notify.SignalExpired, signal, "signal expired before approval", nil)
		}
		return s.refresh(signal)
	}

	// Stale-price guard: if the market drifted too far from the signal's
	// reference entry, the setup no longer exists. Rejected, not retried.
	quote, err := s.market.Quote(ctx, signal.Symbol)
	if err != nil {
		return nil, err
	}
	if quote.Degraded {
		if s.production {
			return signal, fmt.Errorf("quote unavailable for %s: %w", signal.Symbol, types.ErrBrokerUnavailable)
		}
	} else if drift(quote.LastPrice, signal.EntryPrice) > maxPriceDrift {
		staleErr := &types.StaleDataError{Symbol: signal.Symbol, Reference: signal.EntryPrice, Current: quote.LastPrice}
		if moved, terr := s.db.Transition(signalID, types.StatusPending, types.StatusRejected, map[string]any{
			"metadata": types.MergeMetadata(signal.Metadata, "rejection_reasons", []string{staleErr.Error()}),
		}); terr == nil && moved {
			logger.Warn().Err(staleErr).Msg("signal rejected on stale reference price")
			s.publish(notify.SignalRejected, signal, staleErr.Error(), nil)
		}
		refreshed, _ := s.refresh(signal)
		return refreshed, staleErr
	}

	// Sizing can be deferred when margin estimation was unreachable at
	// creation. Resolve it before execution; if the broker is still down
	// the signal stays PENDING for the next attempt.
	if signal.Quantity <= 0 {
		snap, serr := s.market.Snapshot(ctx)
		if serr != nil {
			return nil, serr
		}
		quantity, requiredMargin, serr := s.sizer.Size(ctx, signal.Candidate(), snap.AvailableMargin)
		if serr != nil {
			logger.Warn().Err(serr).Msg("margin estimate still unavailable, signal left pending")
			return signal, serr
		}
		moved, terr := s.db.Transition(signalID, types.StatusPending, types.StatusPending, map[string]any{
			"quantity":        quantity,
			"required_margin": requiredMargin,
		})
		if terr != nil {
			return nil, terr
		}
		if !moved {
			refreshed, _ := s.refresh(signal)
			return refreshed, types.ErrNotPending
		}
		signal.Quantity = quantity
		signal.RequiredMargin = requiredMargin
		logger.Info().Int("quantity", quantity).Msg("deferred sizing resolved at approval")
	}

	assessment, err := s.engine.Evaluate(ctx, signal.Candidate(), signal.Quantity)
	if err != nil {
		return nil, err
	}
	if !assessment.Approved {
		if moved, terr := s.db.Transition(signalID, types.StatusPending, types.StatusRejected, map[string]any{
			"metadata": types.MergeMetadata(signal.Metadata, "rejection_reasons", assessment.Reasons),
		}); terr == nil && moved {
			logger.Warn().Strs("reasons", assessment.Reasons).Msg("signal rejected on re-validation")
			s.publish(notify.SignalRejected, signal, "risk rejected on approval: "+strings.Join(assessment.Reasons, "; "), nil)
		}
		refreshed, _ := s.refresh(signal)
		return refreshed, &types.RiskRejection{Reasons: assessment.Reasons}
	}

	if err := s.executePending(ctx, signal); err != nil {
		logger.Warn().Err(err).Msg("execution did not complete")
	}
	return s.refresh(signal)
}

// Reject moves a PENDING signal to REJECTED with the operator's reason.
func (s *Service) Reject(ctx context.Context, signalID, reason string) (*types.Signal, error) {
	signal, err := s.db.Get(signalID)
	if err != nil {
		return nil, err
	}
	if signal == nil {
		return nil, fmt.Errorf("signal %s not found: %w", signalID, gorm.ErrRecordNotFound)
	}

	moved, err := s.db.Transition(signalID, types.StatusPending, types.StatusRejected, map[string]any{
		"metadata": types.MergeMetadata(signal.Metadata, "rejection_reasons", []string{reason}),
	})
	if err != nil {
		return nil, err
	}
	if !moved {
		return signal, types.ErrNotPending
	}
	log.Info().
		Str("component", "lifecycle").
		Str("signal_id", signalID).
		Str("reason", reason).
		Msg("signal rejected")
	s.publish(notify.SignalRejected, signal, reason, nil)
	return s.refresh(signal)
}

// Cancel is operator-initiated and only applies pre-execution.
func (s *Service) Cancel(ctx context.Context, signalID string) (*types.Signal, error) {
	return s.Reject(ctx, signalID, "cancelled by operator")
}

// ExpireDue moves every PENDING signal past its expiry to EXPIRED. Called by
// the sweeper; a failure on one signal never aborts the rest. Returns the
// number of signals expired.
func (s *Service) ExpireDue(ctx context.Context) int {
	logger := log.With().Str("component", "lifecycle").Logger()

	due, err := s.db.PendingExpired(time.Now())
	if err != nil {
		logger.Error().Err(err).Msg("expiry query failed")
		return 0
	}

	expired := 0
	for i := range due {
		signal := &due[i]
		moved, err := s.db.Transition(signal.SignalID, types.StatusPending, types.StatusExpired, nil)
		if err != nil {
			logger.Error().Err(err).Str("signal_id", signal.SignalID).Msg("failed to expire signal")
			continue
		}
		if !moved {
			continue
		}
		expired++
		logger.Info().Str("signal_id", signal.SignalID).Str("symbol", signal.Symbol).Msg("signal expired")
		s.publish(notify.SignalExpired, signal, "signal expired", nil)
	}
	return expired
}

// Get returns one signal by id.
func (s *Service) Get(signalID string) (*types.Signal, error) {
	return s.db.Get(signalID)
}

// List returns recent signals, optionally filtered by status.
func (s *Service) List(status string, limit int) ([]types.Signal, error) {
	if status != "" {
		return s.db.ListByStatus(status)
	}
	return s.db.ListRecent(limit)
}

// executePending performs the PENDING -> APPROVED -> EXECUTED|FAILED leg.
// The guarded transition into APPROVED is what makes concurrent approvals
// place at most one broker order.
func (s *Service) executePending(ctx context.Context, signal *types.Signal) error {
	now := time.Now()
	moved, err := s.db.Transition(signal.SignalID, types.StatusPending, types.StatusApproved, map[string]any{
		"approved_at": &now,
	})
	if err != nil {
		return err
	}
	if !moved {
		return types.ErrNotPending
	}
	s.publish(notify.SignalApproved, signal, "signal approved for execution", nil)
	return s.gateway.Execute(ctx, signal)
}

func (s *Service) refresh(signal *types.Signal) (*types.Signal, error) {
	refreshed, err := s.db.Get(signal.SignalID)
	if err != nil || refreshed == nil {
		return signal, err
	}
	return refreshed, nil
}

func (s *Service) validateCandidate(candidate *types.Candidate) error {
	if err := s.validate.Struct(candidate); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &types.ValidationError{
				Field:  strings.ToLower(verrs[0].Field()),
				Reason: "failed '" + verrs[0].Tag() + "' constraint",
			}
		}
		return err
	}

	// Price ordering must hold at creation: a buy risks down to the stop
	// and targets above entry, a sell the mirror image.
	switch candidate.Direction {
	case types.DirectionBuy:
		if !(candidate.StopLoss < candidate.EntryPrice && candidate.EntryPrice < candidate.TargetPrice) {
			return &types.ValidationError{Field: "prices", Reason: "buy requires stop < entry < target"}
		}
	case types.DirectionSell:
		if !(candidate.TargetPrice < candidate.EntryPrice && candidate.EntryPrice < candidate.StopLoss) {
			return &types.ValidationError{Field: "prices", Reason: "sell requires target < entry < stop"}
		}
	}
	return nil
}

func (s *Service) publish(eventType string, signal *types.Signal, message string, fields map[string]any) {
	if err := s.notifier.Notify(notify.Event{
		Type:     eventType,
		SignalID: signal.SignalID,
		Symbol:   signal.Symbol,
		Message:  message,
		Fields:   fields,
	}); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("notification delivery failed")
	}
}

// drift is the relative move of the market away from the signal's reference
// entry price.
func drift(current, reference float64) float64 {
	if reference == 0 {
		return 0
	}
	return math.Abs(current-reference) / reference
}

// normalize folds the candidate into canonical form so nothing downstream
// ever handles alternate shapes.
func normalize(candidate *types.Candidate) {
	candidate.Symbol = strings.ToUpper(strings.TrimSpace(candidate.Symbol))
	candidate.Direction = strings.ToUpper(strings.TrimSpace(candidate.Direction))
	candidate.Strategy = strings.TrimSpace(candidate.Strategy)
	switch {
	case candidate.Confidence < 0:
		candidate.Confidence = 0
	case candidate.Confidence > 10:
		// Percentage-style input, e.g. 80 meaning 0.8.
		candidate.Confidence = math.Min(candidate.Confidence/100, 1)
	case candidate.Confidence > 1:
		// Slightly out of range, not a percentage. Clamp.
		candidate.Confidence = 1
	}
}
