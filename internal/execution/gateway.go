package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SignalStore is the slice of the signal store the gateway needs: guarded
// status transitions and lookups.
type SignalStore interface {
	Get(signalID string) (*types.Signal, error)
	Transition(signalID, from, to string, updates map[string]any) (bool, error)
}

// Gateway submits approved signals to the broker and records the outcome.
// Once a signal reaches the gateway it always ends in a terminal status:
// a broker error during submission means the true order state is unknown,
// so the signal is marked FAILED and left to reconciliation, never retried
// blindly and never left dangling.
type Gateway struct {
	store       SignalStore
	client      broker.Client
	market      *marketdata.Service
	notifier    notify.Notifier
	tracker     *Tracker
	production  bool
	callTimeout time.Duration
}

func NewGateway(store SignalStore, client broker.Client, market *marketdata.Service, notifier notify.Notifier, production bool, callTimeout time.Duration) *Gateway {
	return &Gateway{
		store:       store,
		client:      client,
		market:      market,
		notifier:    notifier,
		tracker:     NewTracker(),
		production:  production,
		callTimeout: callTimeout,
	}
}

// Tracker exposes the order tracker shared with the monitor loop.
func (g *Gateway) Tracker() *Tracker {
	return g.tracker
}

// Execute submits an APPROVED signal. On a broker-acknowledged order id the
// signal becomes EXECUTED; on any submission error or missing id it becomes
// FAILED with the error recorded in metadata.
func (g *Gateway) Execute(ctx context.Context, signal *types.Signal) error {
	logger := log.With().
		Str("component", "execution_gateway").
		Str("signal_id", signal.SignalID).
		Str("symbol", signal.Symbol).
		Logger()

	if signal.Quantity <= 0 {
		err := fmt.Errorf("refusing order with non-positive quantity %d", signal.Quantity)
		logger.Error().Err(err).Msg("order submission refused")
		g.markFailed(signal, err.Error(), logger)
		return err
	}

	if !g.production {
		return g.simulate(signal, logger)
	}

	product := g.selectProduct(ctx, signal)

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	ack, err := g.client.PlaceOrder(callCtx, &types.OrderRequest{
		Symbol:    signal.Symbol,
		Side:      orderSide(signal.Direction),
		Quantity:  signal.Quantity,
		Price:     signal.EntryPrice,
		OrderType: types.OrderTypeLimit,
		Product:   product,
	})
	if err != nil || ack == nil || ack.OrderID == "" {
		if err == nil {
			err = fmt.Errorf("broker returned no order id")
		}
		logger.Error().Err(err).Msg("order submission failed")
		g.markFailed(signal, err.Error(), logger)
		return fmt.Errorf("place order: %w", err)
	}

	// The order is live from this point whatever the store does next.
	// Track it first so reconciliation can always observe the fill.
	g.tracker.Track(ack.OrderID, signal.SignalID)

	now := time.Now()
	moved, terr := g.store.Transition(signal.SignalID, types.StatusApproved, types.StatusExecuted, map[string]any{
		"broker_order_id": ack.OrderID,
		"executed_at":     &now,
	})
	if terr != nil {
		logger.Error().Err(terr).Str("broker_order_id", ack.OrderID).Msg("failed to record execution")
		return terr
	}
	if !moved {
		logger.Error().Str("broker_order_id", ack.OrderID).Msg("signal left APPROVED before execution was recorded")
	}

	// Invalidate account caches once after a live order. Best-effort: a
	// failed refresh does not fail the execution.
	if err := g.market.ForceRefreshAccount(ctx); err != nil {
		logger.Warn().Err(err).Msg("post-execution cache refresh failed")
	}

	logger.Info().
		Str("broker_order_id", ack.OrderID).
		Str("product", product).
		Int("quantity", signal.Quantity).
		Msg("order submitted")
	g.publish(notify.SignalExecuted, signal, "order submitted to broker", map[string]any{
		"broker_order_id": ack.OrderID,
	})
	return nil
}

// simulate completes the signal without contacting the broker, with a
// synthetic order id, so the rest of the pipeline can be exercised
// deterministically.
func (g *Gateway) simulate(signal *types.Signal, logger zerolog.Logger) error {
	orderID := "SIM-" + uuid.New().String()
	now := time.Now()
	moved, err := g.store.Transition(signal.SignalID, types.StatusApproved, types.StatusExecuted, map[string]any{
		"broker_order_id": orderID,
		"executed_at":     &now,
	})
	if err != nil {
		return err
	}
	if !moved {
		return types.ErrNotPending
	}
	logger.Info().Str("broker_order_id", orderID).Msg("dry-run execution simulated")
	g.publish(notify.SignalExecuted, signal, "dry-run execution simulated", map[string]any{
		"broker_order_id": orderID,
	})
	return nil
}

// selectProduct picks intraday vs delivery based on whether the account
// currently holds the underlying. Uses the possibly-cached position lookup
// on purpose: a force refresh per order would hammer the broker.
func (g *Gateway) selectProduct(ctx context.Context, signal *types.Signal) string {
	if signal.Direction == types.DirectionBuy {
		return types.ProductIntraday
	}

	portfolio, err := g.market.Portfolio(ctx)
	if err != nil || portfolio.Degraded {
		// Unknown holdings: an intraday short is the conservative choice,
		// it cannot oversell a settled holding.
		return types.ProductIntraday
	}
	for _, pos := range portfolio.Positions {
		if pos.Symbol == signal.Symbol && pos.Quantity > 0 {
			return types.ProductDelivery
		}
	}
	for _, pos := range portfolio.Holdings {
		if pos.Symbol == signal.Symbol && pos.Quantity > 0 {
			return types.ProductDelivery
		}
	}
	return types.ProductIntraday
}

func (g *Gateway) markFailed(signal *types.Signal, reason string, logger zerolog.Logger) {
	moved, err := g.store.Transition(signal.SignalID, types.StatusApproved, types.StatusFailed, map[string]any{
		"metadata": types.MergeMetadata(signal.Metadata, "execution_error", reason),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark signal FAILED")
		return
	}
	if moved {
		g.publish(notify.SignalFailed, signal, "execution failed: "+reason, nil)
	}
}

func (g *Gateway) publish(eventType string, signal *types.Signal, message string, fields map[string]any) {
	if err := g.notifier.Notify(notify.Event{
		Type:     eventType,
		SignalID: signal.SignalID,
		Symbol:   signal.Symbol,
		Message:  message,
		Fields:   fields,
	}); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("notification delivery failed")
	}
}

// orderSide maps a signal direction to a broker order side. EXIT closes the
// position, which at the wire is a plain SELL.
func orderSide(direction string) string {
	if direction == types.DirectionExit {
		return types.DirectionSell
	}
	return direction
}
