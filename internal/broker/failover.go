package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// ErrAllEndpointsFailed is returned when no configured broker endpoint could
// authenticate and simulation fallback is not enabled.
var ErrAllEndpointsFailed = errors.New("all broker endpoints failed to authenticate")

// Failover tries an ordered list of broker clients until one authenticates,
// then pins all traffic to it. It never falls back to a simulated session
// silently: the fallback client must be provided explicitly, the switch is
// logged at error level, and SimFallbackActive reports it so the risk layer
// can surface the degraded session to operators.
type Failover struct {
	candidates []Client
	fallback   Client // nil unless simulation fallback was opted in

	mu     sync.Mutex
	active Client
	onSim  bool
}

// NewFailover builds a failover client over candidates in priority order.
// fallback may be nil; passing a non-nil fallback is the explicit opt-in for
// a simulated session when every real endpoint is down.
func NewFailover(candidates []Client, fallback Client) *Failover {
	return &Failover{candidates: candidates, fallback: fallback}
}

// Authenticate tries each candidate in order until the first success.
func (f *Failover) Authenticate(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var lastErr error
	for i, c := range f.candidates {
		if err := c.Authenticate(ctx); err != nil {
			lastErr = err
			log.Warn().Err(err).Int("endpoint", i).Msg("broker endpoint authentication failed")
			continue
		}
		f.active = c
		f.onSim = false
		log.Info().Int("endpoint", i).Msg("broker session established")
		return nil
	}

	if f.fallback != nil {
		if err := f.fallback.Authenticate(ctx); err == nil {
			f.active = f.fallback
			f.onSim = true
			log.Error().
				Err(lastErr).
				Msg("every broker endpoint failed, running on SIMULATED session by explicit opt-in")
			return nil
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAllEndpointsFailed, lastErr)
	}
	return ErrAllEndpointsFailed
}

// SimFallbackActive reports whether the current session is the opt-in
// simulated fallback rather than a real broker endpoint.
func (f *Failover) SimFallbackActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onSim
}

func (f *Failover) client() (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil, types.ErrBrokerUnavailable
	}
	return f.active, nil
}

func (f *Failover) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	return c.GetQuote(ctx, symbol)
}

func (f *Failover) GetPortfolio(ctx context.Context) (*types.Portfolio, error) {
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	return c.GetPortfolio(ctx)
}

func (f *Failover) GetMargin(ctx context.Context) (*types.MarginInfo, error) {
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	return c.GetMargin(ctx)
}

func (f *Failover) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	c, err := f.client()
	if err != nil {
		return nil, err
	}
	return c.PlaceOrder(ctx, req)
}

func (f *Failover) CancelOrder(ctx context.Context, orderID string) error {
	c, err := f.client()
	if err != nil {
		return err
	}
	return c.CancelOrder(ctx, orderID)
}

func (f *Failover) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	c, err := f.client()
	if err != nil {
		return "", err
	}
	return c.GetOrderStatus(ctx, orderID)
}

func (f *Failover) PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error) {
	c, err := f.client()
	if err != nil {
		return 0, err
	}
	return c.PreOrderMargin(ctx, req)
}
