package broker

import (
	"context"

	"github.com/ksred/trade-engine/internal/types"
)

// Factory builds a client for one broker endpoint. The wire-protocol
// integration is deployment-specific and lives outside this module; it
// installs itself here. When nil, only the simulated broker is available.
var Factory func(endpoint, apiKey string) Client

// Client is the operational contract consumed from the broker. The wire
// protocol and authentication handshake live behind this interface; the
// engine only ever sees these calls. Implementations translate whatever the
// wire returns into the canonical shapes in internal/types.
type Client interface {
	// Authenticate establishes a session. It must be called before any
	// other method and may be retried.
	Authenticate(ctx context.Context) error

	GetQuote(ctx context.Context, symbol string) (*types.Quote, error)
	GetPortfolio(ctx context.Context) (*types.Portfolio, error)
	GetMargin(ctx context.Context) (*types.MarginInfo, error)

	// PlaceOrder submits an order. A nil error guarantees a broker-assigned
	// order id in the ack.
	PlaceOrder(ctx context.Context, req *types.OrderRequest) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrderStatus(ctx context.Context, orderID string) (string, error)

	// PreOrderMargin estimates the margin the broker would block for the
	// order without placing it.
	PreOrderMargin(ctx context.Context, req *types.OrderRequest) (float64, error)
}
