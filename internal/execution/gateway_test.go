package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ksred/trade-engine/internal/marketdata"
	"github.com/ksred/trade-engine/internal/notify"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory SignalStore with the same guarded transition
// semantics as the persistent one.
type memStore struct {
	mu            sync.Mutex
	signals       map[string]*types.Signal
	transitionErr error
}

func newMemStore(signals ...*types.Signal) *memStore {
	s := &memStore{signals: make(map[string]*types.Signal)}
	for _, sig := range signals {
		s.signals[sig.SignalID] = sig
	}
	return s
}

func (s *memStore) Get(signalID string) (*types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok {
		return nil, nil
	}
	copied := *sig
	return &copied, nil
}

func (s *memStore) Transition(signalID, from, to string, updates map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return false, s.transitionErr
	}
	sig, ok := s.signals[signalID]
	if !ok || sig.Status != from {
		return false, nil
	}
	sig.Status = to
	for key, value := range updates {
		switch key {
		case "broker_order_id":
			sig.BrokerOrderID = value.(string)
		case "executed_at":
			sig.ExecutedAt = value.(*time.Time)
		case "approved_at":
			sig.ApprovedAt = value.(*time.Time)
		case "metadata":
			sig.Metadata = value.(string)
		}
	}
	return true, nil
}

// orderBroker is a scriptable broker for execution tests.
type orderBroker struct {
	mu        sync.Mutex
	placed    []types.OrderRequest
	placeErr  error
	emptyAck  bool
	status    map[string]string
	positions []types.Position
	nextID    int
}

func (b *orderBroker) setStatus(orderID, status string) {
	b.mu.Lock()
	if b.status == nil {
		b.status = make(map[string]string)
	}
	b.status[orderID] = status
	b.mu.Unlock()
}

func (b *orderBroker) placedOrders() []types.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

func (b *orderBroker) Authenticate(ctx context.Context) error { return nil }

func (b *orderBroker) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	return &types.Quote{Symbol: symbol, LastPrice: 100, AsOf: time.Now()}, nil
}

func (b *orderBroker) GetPortfolio(ctx context.Context) (*types.Portfolio, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Portfolio{Positions: b.positions, AsOf: time.Now()}, nil
}

func (b *orderBroker) GetMargin(ctx context.Context) (*types.MarginInfo, error) {
	return &types.MarginInfo{Available: 80000, Used: 20000, Total: 100000, AsOf: time.Now()}, nil
}

func (b *orderBroker) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	if b.emptyAck {
		return &types.OrderAck{}, nil
	}
	b.placed = append(b.placed, *req)
	b.nextID++
	return &types.OrderAck{OrderID: fmt.Sprintf("ORD-%d", b.nextID), PlacedAt: time.Now()}, nil
}

func (b *orderBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (b *orderBroker) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if status, ok := b.status[orderID]; ok {
		return status, nil
	}
	return types.OrderStatusOpen, nil
}

func (b *orderBroker) PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error) {
	return float64(req.Quantity) * req.Price * 0.2, nil
}

func approvedSignal(direction string) *types.Signal {
	return &types.Signal{
		SignalID:    "SIG-test-1",
		Symbol:      "RELIANCE",
		Direction:   direction,
		EntryPrice:  100,
		StopLoss:    95,
		TargetPrice: 110,
		Quantity:    50,
		Status:      types.StatusApproved,
		Strategy:    "momentum",
	}
}

func newTestGateway(store SignalStore, client *orderBroker, production bool) *Gateway {
	market := marketdata.NewService(client, marketdata.TTLConfig{
		Quote:     time.Nanosecond,
		Margin:    time.Nanosecond,
		Portfolio: time.Nanosecond,
	})
	return NewGateway(store, client, market, notify.LogNotifier{}, production, time.Second)
}

func TestDryRunExecutionSynthesizesOrder(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, false)

	require.NoError(t, gateway.Execute(context.Background(), signal))

	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)
	assert.True(t, strings.HasPrefix(got.BrokerOrderID, "SIM-"))
	require.NotNil(t, got.ExecutedAt)
	assert.Empty(t, client.placedOrders(), "dry-run never contacts the broker")
}

func TestExecuteSubmitsLiveOrder(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)

	require.NoError(t, gateway.Execute(context.Background(), signal))

	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status)
	assert.Equal(t, "ORD-1", got.BrokerOrderID)

	placed := client.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, types.DirectionBuy, placed[0].Side)
	assert.Equal(t, 50, placed[0].Quantity)
	assert.Equal(t, types.OrderTypeLimit, placed[0].OrderType)
	assert.Equal(t, types.ProductIntraday, placed[0].Product)

	assert.Equal(t, map[string]string{"ORD-1": signal.SignalID}, gateway.Tracker().Snapshot())
}

func TestExecuteFailureMarksFailed(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{placeErr: errors.New("gateway timeout")}
	gateway := newTestGateway(store, client, true)

	err := gateway.Execute(context.Background(), signal)
	require.Error(t, err)

	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata, "execution_error")
	assert.Contains(t, got.Metadata, "gateway timeout")
	assert.Empty(t, gateway.Tracker().Snapshot())
}

func TestExecuteRefusesNonPositiveQuantity(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	signal.Quantity = 0
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)

	err := gateway.Execute(context.Background(), signal)
	require.Error(t, err)

	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata, "non-positive quantity")
	assert.Empty(t, client.placedOrders(), "no order may reach the broker without a resolved quantity")
}

func TestExecuteTracksOrderDespiteStoreError(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	store.transitionErr = errors.New("disk I/O error")
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)

	err := gateway.Execute(context.Background(), signal)
	require.Error(t, err)

	// The order went live before the store failed: reconciliation must
	// still be able to observe it.
	require.Len(t, client.placedOrders(), 1)
	assert.Equal(t, map[string]string{"ORD-1": signal.SignalID}, gateway.Tracker().Snapshot())
}

func TestExecuteMissingOrderIDMarksFailed(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{emptyAck: true}
	gateway := newTestGateway(store, client, true)

	err := gateway.Execute(context.Background(), signal)
	require.Error(t, err)

	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
}

func TestExitSellsAtTheWire(t *testing.T) {
	signal := approvedSignal(types.DirectionExit)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)

	require.NoError(t, gateway.Execute(context.Background(), signal))

	placed := client.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, types.DirectionSell, placed[0].Side)
}

func TestSellOfHeldSymbolUsesDelivery(t *testing.T) {
	signal := approvedSignal(types.DirectionSell)
	store := newMemStore(signal)
	client := &orderBroker{positions: []types.Position{{Symbol: "RELIANCE", Quantity: 100}}}
	gateway := newTestGateway(store, client, true)

	require.NoError(t, gateway.Execute(context.Background(), signal))

	placed := client.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, types.ProductDelivery, placed[0].Product)
}

func TestSellWithoutHoldingStaysIntraday(t *testing.T) {
	signal := approvedSignal(types.DirectionSell)
	store := newMemStore(signal)
	client := &orderBroker{positions: []types.Position{{Symbol: "OTHER", Quantity: 100}}}
	gateway := newTestGateway(store, client, true)

	require.NoError(t, gateway.Execute(context.Background(), signal))

	placed := client.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, types.ProductIntraday, placed[0].Product)
}

func TestMonitorClearsFilledOrders(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)
	monitor := NewMonitor(gateway, time.Minute)

	require.NoError(t, gateway.Execute(context.Background(), signal))
	client.setStatus("ORD-1", types.OrderStatusFilled)

	monitor.Sweep(context.Background())

	assert.Empty(t, gateway.Tracker().Snapshot())
	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusExecuted, got.Status, "a fill confirms the recorded outcome")
}

func TestMonitorMarksWalkedBackOrders(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)
	monitor := NewMonitor(gateway, time.Minute)

	require.NoError(t, gateway.Execute(context.Background(), signal))
	client.setStatus("ORD-1", types.OrderStatusCancelled)

	monitor.Sweep(context.Background())

	assert.Empty(t, gateway.Tracker().Snapshot())
	got, err := store.Get(signal.SignalID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata, "broker_status")
	assert.Contains(t, got.Metadata, types.OrderStatusCancelled)
}

func TestMonitorKeepsOpenOrdersTracked(t *testing.T) {
	signal := approvedSignal(types.DirectionBuy)
	store := newMemStore(signal)
	client := &orderBroker{}
	gateway := newTestGateway(store, client, true)
	monitor := NewMonitor(gateway, time.Minute)

	require.NoError(t, gateway.Execute(context.Background(), signal))
	monitor.Sweep(context.Background())

	assert.Len(t, gateway.Tracker().Snapshot(), 1, "open orders stay tracked for the next sweep")
}
