package signals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ksred/trade-engine/internal/execution"
	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/risk"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// fakeBroker serves deterministic quotes and account data for lifecycle tests.
// PreOrderMargin can be scripted to fail a fixed number of times to exercise
// degraded sizing paths.
type fakeBroker struct {
	mu                sync.Mutex
	price             float64
	equity            float64
	available         float64
	preMarginFailures int
	placed            []types.OrderRequest
	nextOrderID       int
}

func (b *fakeBroker) setPrice(price float64) {
	b.mu.Lock()
	b.price = price
	b.mu.Unlock()
}

func (b *fakeBroker) setPreMarginFailures(n int) {
	b.mu.Lock()
	b.preMarginFailures = n
	b.mu.Unlock()
}

func (b *fakeBroker) placedOrders() []types.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *fakeBroker) Authenticate(ctx context.Context) error { return nil }

func (b *fakeBroker) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Quote{Symbol: symbol, LastPrice: b.price, AsOf: time.Now()}, nil
}

func (b *fakeBroker) GetPortfolio(ctx context.Context) (*types.Portfolio, error) {
	return &types.Portfolio{AsOf: time.Now()}, nil
}

func (b *fakeBroker) GetMargin(ctx context.Context) (*types.MarginInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.MarginInfo{Available: b.available, Used: b.equity - b.available, Total: b.equity, AsOf: time.Now()}, nil
}

func (b *fakeBroker) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.placed = append(b.placed, *req)
	b.nextOrderID++
	return &types.OrderAck{OrderID: fmt.Sprintf("ORD-%d", b.nextOrderID), PlacedAt: time.Now()}, nil
}

func (b *fakeBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *fakeBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	return types.OrderStatusOpen, nil
}

func (b *fakeBroker) PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.preMarginFailures > 0 {
		b.preMarginFailures--
		return 0, errors.New("margin service timeout")
	}
	return float64(req.Quantity) * req.Price * 0.2, nil
}

type fixture struct {
	svc    *Service
	gormDB *gorm.DB
	client *fakeBroker
	store  *settings.Store
	engine *risk.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureMode(t, false)
}

func newFixtureMode(t *testing.T, production bool) *fixture {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&types.Signal{}, &types.RiskEvent{}, &settings.Setting{}))

	store := settings.NewStore(gormDB)
	require.NoError(t, store.Seed())

	client := &fakeBroker{price: 100, equity: 100000, available: 80000}
	market := marketdata.NewService(client, marketdata.TTLConfig{
		Quote:     time.Nanosecond,
		Margin:    time.Nanosecond,
		Portfolio: time.Nanosecond,
	})
	notifier := notify.LogNotifier{}
	engine := risk.NewEngine(gormDB, market, client, store, notifier, production)
	require.NoError(t, engine.InitializeDailyBaseline(context.Background()))
	sizer := risk.NewSizer(client, store, production)
	gateway := execution.NewGateway(NewDatabase(gormDB), client, market, notifier, production, time.Second)
	svc := NewService(gormDB, engine, sizer, gateway, market, store, notifier, production)

	return &fixture{svc: svc, gormDB: gormDB, client: client, store: store, engine: engine}
}

func buyCandidate() *types.Candidate {
	return &types.Candidate{
		Symbol:      "RELIANCE",
		Direction:   types.DirectionBuy,
		EntryPrice:  100,
		StopLoss:    95,
		TargetPrice: 110,
		Confidence:  0.8,
		Strategy:    "momentum",
	}
}

func (f *fixture) forceExpire(t *testing.T, signalID string) {
	t.Helper()
	err := f.gormDB.Model(&types.Signal{}).
		Where("signal_id = ?", signalID).
		Update("expires_at", time.Now().Add(-time.Minute)).Error
	require.NoError(t, err)
}

func TestIngestCreatesPendingSignal(t *testing.T) {
	f := newFixture(t)

	signal, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, signal.Status)
	assert.True(t, strings.HasPrefix(signal.SignalID, "SIG-"))
	// 2% of the 80000 available margin risked over a 5 point stop.
	assert.Equal(t, 320, signal.Quantity)
	assert.Zero(t, signal.RequiredMargin)
	assert.WithinDuration(t, time.Now().Add(f.store.SignalTimeout()), signal.ExpiresAt, 5*time.Second)
}

func TestIngestNormalizesCandidate(t *testing.T) {
	f := newFixture(t)

	candidate := buyCandidate()
	candidate.Symbol = "  reliance "
	candidate.Direction = "buy"
	candidate.Confidence = 80

	signal, err := f.svc.Ingest(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE", signal.Symbol)
	assert.Equal(t, types.DirectionBuy, signal.Direction)
	assert.Equal(t, 0.8, signal.Confidence)
}

func TestIngestRejectsMalformedBeforePersistence(t *testing.T) {
	f := newFixture(t)

	candidate := buyCandidate()
	candidate.StopLoss = 105 // above entry on a buy
	_, err := f.svc.Ingest(context.Background(), candidate)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prices", verr.Field)

	var count int64
	require.NoError(t, f.gormDB.Model(&types.Signal{}).Count(&count).Error)
	assert.Zero(t, count, "malformed candidates are never persisted")
}

func TestIngestRejectsMissingFields(t *testing.T) {
	f := newFixture(t)

	candidate := buyCandidate()
	candidate.Strategy = ""
	_, err := f.svc.Ingest(context.Background(), candidate)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "strategy", verr.Field)
}

func TestIngestPersistsRiskRejection(t *testing.T) {
	f := newFixture(t)
	f.engine.TriggerHalt("manual halt for test")

	signal, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err, "risk rejection is an outcome, not an error")
	assert.Equal(t, types.StatusRejected, signal.Status)
	assert.Contains(t, signal.Metadata, "rejection_reasons")
	assert.Contains(t, signal.Metadata, "manual halt for test")
}

func TestAutoTradeExecutesImmediately(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(settings.KeyAutoTrade, "true"))

	signal, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, signal.Status)
	assert.True(t, strings.HasPrefix(signal.BrokerOrderID, "SIM-"))
	require.NotNil(t, signal.ApprovedAt)
	require.NotNil(t, signal.ExecutedAt)
}

func TestApproveExecutesExactlyOnce(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, created.Status)

	executed, err := f.svc.Approve(context.Background(), created.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, executed.Status)
	assert.True(t, strings.HasPrefix(executed.BrokerOrderID, "SIM-"))

	// A second approval is an idempotent no-op: same order, no new side
	// effects.
	again, err := f.svc.Approve(context.Background(), created.SignalID)
	require.ErrorIs(t, err, types.ErrNotPending)
	assert.Equal(t, executed.BrokerOrderID, again.BrokerOrderID)
}

func TestApproveUnknownSignal(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Approve(context.Background(), "SIG-does-not-exist")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestApproveExpiredSignal(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	f.forceExpire(t, created.SignalID)

	signal, err := f.svc.Approve(context.Background(), created.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, signal.Status)
	assert.Empty(t, signal.BrokerOrderID, "expired signals never reach the broker")

	_, err = f.svc.Approve(context.Background(), created.SignalID)
	require.ErrorIs(t, err, types.ErrNotPending)
}

func TestApproveRejectsOnStalePrice(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)

	// Market ran 10% past the signal's entry before anyone approved it.
	f.client.setPrice(110)
	signal, err := f.svc.Approve(context.Background(), created.SignalID)
	var stale *types.StaleDataError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, 100.0, stale.Reference)
	assert.Equal(t, 110.0, stale.Current)
	assert.Equal(t, types.StatusRejected, signal.Status)
	assert.Contains(t, signal.Metadata, "stale reference price")
}

func TestApproveRevalidatesRisk(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)

	// Conditions changed between creation and approval.
	f.engine.TriggerHalt("limit breach after creation")
	signal, err := f.svc.Approve(context.Background(), created.SignalID)
	var rejection *types.RiskRejection
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, types.StatusRejected, signal.Status)
	assert.Empty(t, signal.BrokerOrderID)
}

func TestRejectOnlyFromPending(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)

	rejected, err := f.svc.Reject(context.Background(), created.SignalID, "setup invalidated")
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, rejected.Status)
	assert.Contains(t, rejected.Metadata, "setup invalidated")

	_, err = f.svc.Reject(context.Background(), created.SignalID, "again")
	require.ErrorIs(t, err, types.ErrNotPending)
}

func TestCancelExecutedSignalIsNoOp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Set(settings.KeyAutoTrade, "true"))

	signal, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	require.Equal(t, types.StatusExecuted, signal.Status)

	_, err = f.svc.Cancel(context.Background(), signal.SignalID)
	require.ErrorIs(t, err, types.ErrNotPending)

	refreshed, err := f.svc.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, refreshed.Status, "terminal statuses are never re-entered")
}

func TestExpireDueSweep(t *testing.T) {
	f := newFixture(t)

	first, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	second, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	f.forceExpire(t, first.SignalID)

	expired := f.svc.ExpireDue(context.Background())
	assert.Equal(t, 1, expired)

	got, err := f.svc.Get(first.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExpired, got.Status)
	got, err = f.svc.Get(second.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)

	// Idempotent: a second sweep finds nothing.
	assert.Zero(t, f.svc.ExpireDue(context.Background()))
}

func TestListFiltersByStatus(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	_, err = f.svc.Ingest(context.Background(), buyCandidate())
	require.NoError(t, err)
	_, err = f.svc.Reject(context.Background(), created.SignalID, "test")
	require.NoError(t, err)

	pending, err := f.svc.List(types.StatusPending, 50)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := f.svc.List("", 50)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSellPriceOrdering(t *testing.T) {
	f := newFixture(t)

	candidate := &types.Candidate{
		Symbol:      "TCS",
		Direction:   types.DirectionSell,
		EntryPrice:  100,
		StopLoss:    105,
		TargetPrice: 90,
		Confidence:  0.6,
		Strategy:    "mean_reversion",
	}
	signal, err := f.svc.Ingest(context.Background(), candidate)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, signal.Status)

	candidate.StopLoss = 90
	candidate.TargetPrice = 105
	_, err = f.svc.Ingest(context.Background(), candidate)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prices", verr.Field)
}

func TestApproveResolvesDeferredSizing(t *testing.T) {
	f := newFixtureMode(t, true)
	ctx := context.Background()

	// Margin estimation is down at creation: the signal is accepted but
	// carries no resolved quantity yet.
	f.client.setPreMarginFailures(1)
	created, err := f.svc.Ingest(ctx, buyCandidate())
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, created.Status)
	assert.Zero(t, created.Quantity)

	// The broker is back by approval time: sizing resolves before any
	// order leaves the gateway.
	executed, err := f.svc.Approve(ctx, created.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, executed.Status)
	assert.Greater(t, executed.Quantity, 0)
	assert.Greater(t, executed.RequiredMargin, 0.0)

	placed := f.client.placedOrders()
	require.Len(t, placed, 1)
	assert.Greater(t, placed[0].Quantity, 0)
	assert.Equal(t, executed.Quantity, placed[0].Quantity)
}

func TestApproveKeepsPendingWhileSizingUnavailable(t *testing.T) {
	f := newFixtureMode(t, true)
	ctx := context.Background()

	f.client.setPreMarginFailures(1)
	created, err := f.svc.Ingest(ctx, buyCandidate())
	require.NoError(t, err)
	require.Equal(t, types.StatusPending, created.Status)
	require.Zero(t, created.Quantity)

	// Still down at approval: no order, no status change.
	f.client.setPreMarginFailures(1)
	_, err = f.svc.Approve(ctx, created.SignalID)
	require.ErrorIs(t, err, types.ErrBrokerUnavailable)

	current, err := f.svc.Get(created.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, current.Status)
	assert.Empty(t, f.client.placedOrders())

	// A later attempt with a healthy broker completes normally.
	executed, err := f.svc.Approve(ctx, created.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, executed.Status)
	assert.Greater(t, executed.Quantity, 0)
}

func TestNormalizeConfidence(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{0.8, 0.8},
		{80, 0.8},
		{150, 1},
		{1.5, 1},
		{-2, 0},
	}
	for _, tc := range cases {
		candidate := buyCandidate()
		candidate.Confidence = tc.in
		normalize(candidate)
		assert.InDelta(t, tc.want, candidate.Confidence, 1e-9, "confidence %v", tc.in)
	}
}
