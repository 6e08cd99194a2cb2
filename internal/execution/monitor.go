package execution

import (
	"context"
	"sync"
	"time"

	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Tracker holds the live orders awaiting reconciliation, keyed by broker
// order id.
type Tracker struct {
	mu sync.Mutex
	m  map[string]string // broker order id -> signal id
}

func NewTracker() *Tracker {
	return &Tracker{m: make(map[string]string)}
}

func (t *Tracker) Track(orderID, signalID string) {
	t.mu.Lock()
	t.m[orderID] = signalID
	t.mu.Unlock()
}

func (t *Tracker) Untrack(orderID string) {
	t.mu.Lock()
	delete(t.m, orderID)
	t.mu.Unlock()
}

// Snapshot returns a copy of the tracked set so the sweep can iterate
// without holding the lock across broker calls.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

// Monitor periodically reconciles broker-reported order status against the
// locally tracked set. A failure on one order never aborts the sweep.
type Monitor struct {
	gateway  *Gateway
	interval time.Duration
}

func NewMonitor(gateway *Gateway, interval time.Duration) *Monitor {
	return &Monitor{gateway: gateway, interval: interval}
}

// Start runs the reconciliation loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_monitor").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting order monitor")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order monitor")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep reconciles every tracked order once.
func (m *Monitor) Sweep(ctx context.Context) {
	logger := log.With().Str("component", "order_monitor").Logger()

	tracked := m.gateway.tracker.Snapshot()
	if len(tracked) == 0 {
		return
	}
	logger.Debug().Int("tracked", len(tracked)).Msg("reconciling tracked orders")

	for orderID, signalID := range tracked {
		if err := m.reconcile(ctx, orderID, signalID); err != nil {
			logger.Error().
				Err(err).
				Str("broker_order_id", orderID).
				Str("signal_id", signalID).
				Msg("reconciliation failed for order, will retry next sweep")
		}
	}
}

func (m *Monitor) reconcile(ctx context.Context, orderID, signalID string) error {
	g := m.gateway

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	status, err := g.client.GetOrderStatus(callCtx, orderID)
	if err != nil {
		return err
	}

	logger := log.With().
		Str("component", "order_monitor").
		Str("broker_order_id", orderID).
		Str("signal_id", signalID).
		Str("broker_status", status).
		Logger()

	switch status {
	case types.OrderStatusFilled, types.OrderStatusComplete:
		g.tracker.Untrack(orderID)
		if err := g.market.ForceRefreshAccount(ctx); err != nil {
			logger.Warn().Err(err).Msg("post-fill cache refresh failed")
		}
		logger.Info().Msg("order filled, tracking cleared")

	case types.OrderStatusCancelled, types.OrderStatusRejected:
		g.tracker.Untrack(orderID)
		signal, err := g.store.Get(signalID)
		if err != nil {
			return err
		}
		if signal == nil {
			logger.Error().Msg("tracked order references unknown signal")
			return nil
		}
		// Reconciliation is the one writer allowed to correct EXECUTED:
		// the broker walked the order back after we recorded the ack.
		moved, err := g.store.Transition(signalID, types.StatusExecuted, types.StatusFailed, map[string]any{
			"metadata": types.MergeMetadata(signal.Metadata, "broker_status", status),
		})
		if err != nil {
			return err
		}
		if moved {
			logger.Warn().Msg("broker walked back order, signal marked FAILED")
			g.publish(notify.SignalFailed, signal, "broker reported "+status, map[string]any{
				"broker_order_id": orderID,
			})
		}

	default:
		// Still working at the broker; look again next sweep.
		logger.Debug().Msg("order still open")
	}
	return nil
}
