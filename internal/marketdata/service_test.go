package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/trade-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBroker counts upstream fetches and can be flipped into failure.
type countingBroker struct {
	mu             sync.Mutex
	quoteCalls     int
	marginCalls    int
	portfolioCalls int
	failing        bool
	price          float64
}

func (c *countingBroker) setFailing(failing bool) {
	c.mu.Lock()
	c.failing = failing
	c.mu.Unlock()
}

func (c *countingBroker) Authenticate(ctx context.Context) error { return nil }

func (c *countingBroker) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quoteCalls++
	if c.failing {
		return nil, errors.New("connection refused")
	}
	return &types.Quote{Symbol: symbol, LastPrice: c.price, AsOf: time.Now()}, nil
}

func (c *countingBroker) GetPortfolio(ctx context.Context) (*types.Portfolio, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.portfolioCalls++
	if c.failing {
		return nil, errors.New("connection refused")
	}
	return &types.Portfolio{AsOf: time.Now()}, nil
}

func (c *countingBroker) GetMargin(ctx context.Context) (*types.MarginInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marginCalls++
	if c.failing {
		return nil, errors.New("connection refused")
	}
	return &types.MarginInfo{Available: 50000, Used: 10000, Total: 60000, AsOf: time.Now()}, nil
}

func (c *countingBroker) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	return nil, errors.New("not supported")
}

func (c *countingBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (c *countingBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	return "", errors.New("not supported")
}

func (c *countingBroker) PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error) {
	return 0, errors.New("not supported")
}

func TestQuoteCachedWithinTTL(t *testing.T) {
	client := &countingBroker{price: 250}
	svc := NewService(client, TTLConfig{Quote: time.Minute, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	first, err := svc.Quote(ctx, "AAPL")
	require.NoError(t, err)
	second, err := svc.Quote(ctx, "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 250.0, first.LastPrice)
	assert.Equal(t, first.LastPrice, second.LastPrice)
	assert.Equal(t, 1, client.quoteCalls, "two reads within the TTL window must hit upstream once")
}

func TestQuoteRefetchedAfterExpiry(t *testing.T) {
	client := &countingBroker{price: 250}
	svc := NewService(client, TTLConfig{Quote: 10 * time.Millisecond, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	_, err := svc.Quote(ctx, "AAPL")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = svc.Quote(ctx, "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 2, client.quoteCalls)
}

func TestForceRefreshBypassesTTL(t *testing.T) {
	client := &countingBroker{price: 250}
	svc := NewService(client, TTLConfig{Quote: time.Minute, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	_, err := svc.Quote(ctx, "AAPL")
	require.NoError(t, err)
	_, err = svc.ForceRefreshQuote(ctx, "AAPL")
	require.NoError(t, err)

	assert.Equal(t, 2, client.quoteCalls, "force refresh always fetches regardless of TTL state")
}

func TestForceRefreshAccountRepopulates(t *testing.T) {
	client := &countingBroker{price: 250}
	svc := NewService(client, TTLConfig{Quote: time.Minute, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	_, err := svc.Margin(ctx)
	require.NoError(t, err)
	_, err = svc.Portfolio(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.ForceRefreshAccount(ctx))
	assert.Equal(t, 2, client.marginCalls)
	assert.Equal(t, 2, client.portfolioCalls)
}

func TestDegradedPlaceholderOnUpstreamFailure(t *testing.T) {
	client := &countingBroker{price: 250}
	client.setFailing(true)
	svc := NewService(client, TTLConfig{Quote: time.Minute, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	margin, err := svc.Margin(ctx)
	require.NoError(t, err, "reads fall back to a degraded placeholder instead of raising")
	assert.True(t, margin.Degraded)
	assert.Zero(t, margin.Available)

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Degraded, "snapshot is degraded when any input was")
}

func TestDegradedRecoversAfterUpstreamReturns(t *testing.T) {
	client := &countingBroker{price: 250}
	client.setFailing(true)
	svc := NewService(client, TTLConfig{Quote: time.Minute, Margin: time.Minute, Portfolio: time.Minute})
	ctx := context.Background()

	_, err := svc.Margin(ctx)
	require.NoError(t, err)

	client.setFailing(false)
	require.NoError(t, svc.ForceRefreshAccount(ctx))
	margin, err := svc.Margin(ctx)
	require.NoError(t, err)
	assert.False(t, margin.Degraded)
	assert.Equal(t, 50000.0, margin.Available)
}

func TestTTLCacheZeroTTLNeverExpires(t *testing.T) {
	cache := NewTTLCache()
	cache.Set("k", 1, 0)
	v, ok := cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}
