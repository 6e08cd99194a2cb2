package marketdata

import (
	"context"
	"time"

	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Cache keys for account-level reads.
const (
	keyMargin    = "margin"
	keyPortfolio = "portfolio"
	keyQuote     = "quote:" // + symbol
)

// TTLConfig tiers expiry by data volatility: quotes and margin move fastest,
// portfolio composition slowest.
type TTLConfig struct {
	Quote     time.Duration
	Margin    time.Duration
	Portfolio time.Duration
}

// DefaultTTLs returns the standard tiering.
func DefaultTTLs() TTLConfig {
	return TTLConfig{
		Quote:     15 * time.Second,
		Margin:    30 * time.Second,
		Portfolio: 45 * time.Second,
	}
}

// Service fronts broker reads with the TTL cache. On upstream failure it
// serves a degraded placeholder instead of raising, so dashboards stay
// available; consumers making trade-approval decisions must check the
// Degraded flag and fail closed.
type Service struct {
	client broker.Client
	cache  *TTLCache
	ttls   TTLConfig
}

func NewService(client broker.Client, ttls TTLConfig) *Service {
	return &Service{
		client: client,
		cache:  NewTTLCache(),
		ttls:   ttls,
	}
}

// Quote returns the cached quote for a symbol, fetching on miss.
func (s *Service) Quote(ctx context.Context, symbol string) (*types.Quote, error) {
	if v, ok := s.cache.Get(keyQuote + symbol); ok {
		return v.(*types.Quote), nil
	}
	return s.fetchQuote(ctx, symbol)
}

func (s *Service) fetchQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	quote, err := s.client.GetQuote(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("quote fetch failed, serving degraded placeholder")
		degraded := &types.Quote{Symbol: symbol, AsOf: time.Now(), Degraded: true}
		s.cache.Set(keyQuote+symbol, degraded, s.ttls.Quote/2)
		return degraded, nil
	}
	s.cache.Set(keyQuote+symbol, quote, s.ttls.Quote)
	return quote, nil
}

// Margin returns the cached account margin, fetching on miss.
func (s *Service) Margin(ctx context.Context) (*types.MarginInfo, error) {
	if v, ok := s.cache.Get(keyMargin); ok {
		return v.(*types.MarginInfo), nil
	}
	return s.fetchMargin(ctx)
}

func (s *Service) fetchMargin(ctx context.Context) (*types.MarginInfo, error) {
	margin, err := s.client.GetMargin(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("margin fetch failed, serving degraded placeholder")
		degraded := &types.MarginInfo{AsOf: time.Now(), Degraded: true}
		s.cache.Set(keyMargin, degraded, s.ttls.Margin/2)
		return degraded, nil
	}
	s.cache.Set(keyMargin, margin, s.ttls.Margin)
	return margin, nil
}

// Portfolio returns the cached portfolio, fetching on miss.
func (s *Service) Portfolio(ctx context.Context) (*types.Portfolio, error) {
	if v, ok := s.cache.Get(keyPortfolio); ok {
		return v.(*types.Portfolio), nil
	}
	return s.fetchPortfolio(ctx)
}

func (s *Service) fetchPortfolio(ctx context.Context) (*types.Portfolio, error) {
	portfolio, err := s.client.GetPortfolio(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("portfolio fetch failed, serving degraded placeholder")
		degraded := &types.Portfolio{AsOf: time.Now(), Degraded: true}
		s.cache.Set(keyPortfolio, degraded, s.ttls.Portfolio/2)
		return degraded, nil
	}
	s.cache.Set(keyPortfolio, portfolio, s.ttls.Portfolio)
	return portfolio, nil
}

// Snapshot combines margin and portfolio into an account view. The snapshot
// is degraded if either input was.
func (s *Service) Snapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	margin, err := s.Margin(ctx)
	if err != nil {
		return nil, err
	}
	portfolio, err := s.Portfolio(ctx)
	if err != nil {
		return nil, err
	}

	snap := &types.AccountSnapshot{
		TotalEquity:     margin.Total,
		AvailableMargin: margin.Available,
		UsedMargin:      margin.Used,
		Positions:       portfolio.Positions,
		AsOf:            time.Now(),
		Degraded:        margin.Degraded || portfolio.Degraded,
	}
	for _, pos := range portfolio.Positions {
		snap.TotalEquity += pos.PnL
	}
	return snap, nil
}

// ForceRefreshAccount bypasses the cache and repopulates margin and
// portfolio. Best-effort: the first upstream error is returned but the
// degraded placeholders are still cached.
func (s *Service) ForceRefreshAccount(ctx context.Context) error {
	s.cache.Delete(keyMargin)
	s.cache.Delete(keyPortfolio)

	margin, err := s.fetchMargin(ctx)
	if err != nil {
		return err
	}
	portfolio, err := s.fetchPortfolio(ctx)
	if err != nil {
		return err
	}
	if margin.Degraded || portfolio.Degraded {
		return types.ErrBrokerUnavailable
	}
	return nil
}

// ForceRefreshQuote bypasses the cache for one symbol.
func (s *Service) ForceRefreshQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	s.cache.Delete(keyQuote + symbol)
	return s.fetchQuote(ctx, symbol)
}
