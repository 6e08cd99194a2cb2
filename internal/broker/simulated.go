package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// Simulated is an in-process broker used by dry-run mode, the simulation
// binary and tests. It models latency, a configurable failure rate and
// price variance around a per-symbol random walk, and fills accepted orders
// after a short delay so the reconciliation loop has something to observe.
type Simulated struct {
	MinLatency  time.Duration
	MaxLatency  time.Duration
	SuccessRate float64 // 0-1, probability PlaceOrder is accepted
	FillDelay   time.Duration

	mu        sync.Mutex
	rng       *rand.Rand
	cash      float64
	prices    map[string]float64
	positions map[string]*types.Position
	orders    map[string]*simOrder
}

type simOrder struct {
	req      *types.OrderRequest
	placedAt time.Time
	status   string
}

// NewSimulated creates a simulated broker seeded with starting cash.
func NewSimulated(startingCash float64) *Simulated {
	return &Simulated{
		MinLatency:  5 * time.Millisecond,
		MaxLatency:  30 * time.Millisecond,
		SuccessRate: 0.95,
		FillDelay:   2 * time.Second,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		cash:        startingCash,
		prices:      make(map[string]float64),
		positions:   make(map[string]*types.Position),
		orders:      make(map[string]*simOrder),
	}
}

// SeedPrice fixes the current simulated price for a symbol.
func (s *Simulated) SeedPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *Simulated) sleep(ctx context.Context) error {
	s.mu.Lock()
	latency := s.MinLatency
	if s.MaxLatency > s.MinLatency {
		latency += time.Duration(s.rng.Int63n(int64(s.MaxLatency - s.MinLatency)))
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(latency):
		return nil
	}
}

func (s *Simulated) Authenticate(ctx context.Context) error {
	return s.sleep(ctx)
}

func (s *Simulated) GetQuote(ctx context.Context, symbol string) (*types.Quote, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	price, ok := s.prices[symbol]
	if !ok {
		price = 100 + s.rng.Float64()*900
	}
	// random walk, ±0.5% per read
	price *= 1 + (s.rng.Float64()*0.01 - 0.005)
	s.prices[symbol] = price

	return &types.Quote{
		Symbol:    symbol,
		LastPrice: price,
		Bid:       price * 0.9995,
		Ask:       price * 1.0005,
		AsOf:      time.Now(),
	}, nil
}

func (s *Simulated) GetPortfolio(ctx context.Context) (*types.Portfolio, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	portfolio := &types.Portfolio{AsOf: time.Now()}
	for _, pos := range s.positions {
		p := *pos
		p.LastPrice = s.prices[p.Symbol]
		p.PnL = float64(p.Quantity) * (p.LastPrice - p.AveragePrice)
		portfolio.Positions = append(portfolio.Positions, p)
	}
	return portfolio, nil
}

func (s *Simulated) GetMargin(ctx context.Context) (*types.MarginInfo, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used := 0.0
	for _, pos := range s.positions {
		used += float64(pos.Quantity) * pos.AveragePrice * 0.2
	}
	return &types.MarginInfo{
		Available: s.cash - used,
		Used:      used,
		Total:     s.cash,
		AsOf:      time.Now(),
	}, nil
}

func (s *Simulated) PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error) {
	if err := s.sleep(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() > s.SuccessRate {
		log.Warn().
			Str("symbol", req.Symbol).
			Float64("success_rate", s.SuccessRate).
			Msg("simulated broker rejected order")
		return nil, fmt.Errorf("order rejected by simulated broker")
	}

	orderID := "ORD-" + uuid.New().String()
	s.orders[orderID] = &simOrder{
		req:      req,
		placedAt: time.Now(),
		status:   types.OrderStatusOpen,
	}

	log.Info().
		Str("order_id", orderID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Int("quantity", req.Quantity).
		Msg("simulated order accepted")

	return &types.OrderAck{OrderID: orderID, PlacedAt: time.Now()}, nil
}

func (s *Simulated) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.sleep(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("unknown order %s", orderID)
	}
	if order.status == types.OrderStatusOpen {
		order.status = types.OrderStatusCancelled
	}
	return nil
}

func (s *Simulated) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	if err := s.sleep(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[orderID]
	if !ok {
		return "", fmt.Errorf("unknown order %s", orderID)
	}

	// Open orders fill once the fill delay elapses.
	if order.status == types.OrderStatusOpen && time.Since(order.placedAt) >= s.FillDelay {
		order.status = types.OrderStatusFilled
		s.applyFill(order)
	}
	return order.status, nil
}

func (s *Simulated) PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error) {
	if err := s.sleep(ctx); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	price := req.Price
	if price == 0 {
		price = s.prices[req.Symbol]
	}
	// Intraday gets leverage, delivery blocks full value.
	notional := float64(req.Quantity) * price
	if req.Product == types.ProductIntraday {
		return notional * 0.2, nil
	}
	return notional, nil
}

// applyFill books the executed quantity into the simulated account. Caller
// holds the mutex.
func (s *Simulated) applyFill(order *simOrder) {
	req := order.req
	price := req.Price
	if price == 0 {
		price = s.prices[req.Symbol]
	}
	// Executed price varies ±0.2% from the requested one.
	price *= 1 + (s.rng.Float64()*0.004 - 0.002)

	qty := req.Quantity
	if req.Side == types.DirectionSell {
		qty = -qty
	}

	pos, ok := s.positions[req.Symbol]
	if !ok {
		s.positions[req.Symbol] = &types.Position{
			Symbol:       req.Symbol,
			Quantity:     qty,
			AveragePrice: price,
			Product:      req.Product,
		}
		return
	}

	total := pos.Quantity + qty
	if total == 0 {
		delete(s.positions, req.Symbol)
		return
	}
	if (pos.Quantity > 0) == (qty > 0) {
		pos.AveragePrice = (pos.AveragePrice*float64(pos.Quantity) + price*float64(qty)) / float64(total)
	}
	pos.Quantity = total
}
