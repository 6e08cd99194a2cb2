package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/ksred/trade-engine/internal/broker"
	"github.com/ksred/trade-engine/internal/settings"
	"github.com/ksred/trade-engine/internal/types"
	"github.com/rs/zerolog/log"
)

// marginCapFraction caps how much of available capital a single trade may
// block as margin.
const marginCapFraction = 0.8

// Sizer computes trade quantity from the risk budget and stop distance. Pure
// aside from a single pre-order margin lookup.
type Sizer struct {
	client     broker.Client
	settings   *settings.Store
	production bool
}

func NewSizer(client broker.Client, store *settings.Store, production bool) *Sizer {
	return &Sizer{client: client, settings: store, production: production}
}

// Size returns the quantity for the candidate and the margin the broker
// would block for it. quantity = max(1, floor(capital*riskFraction/|entry-stop|)),
// scaled down proportionally when the blocked margin would exceed 80% of
// available capital. Outside production the margin lookup is skipped and the
// required margin is zero.
func (s *Sizer) Size(ctx context.Context, candidate *types.Candidate, availableCapital float64) (int, float64, error) {
	stopDistance := math.Abs(candidate.EntryPrice - candidate.StopLoss)
	if stopDistance == 0 {
		return 0, 0, &types.ValidationError{Field: "stop_loss", Reason: "stop must differ from entry"}
	}

	riskAmount := availableCapital * s.settings.RiskPerTrade()
	quantity := int(math.Floor(riskAmount / stopDistance))
	if quantity < 1 {
		quantity = 1
	}

	if !s.production {
		return quantity, 0, nil
	}

	required, err := s.client.PreOrderMargin(ctx, &types.OrderRequest{
		Symbol:   candidate.Symbol,
		Side:     candidate.Direction,
		Quantity: quantity,
		Price:    candidate.EntryPrice,
		Product:  types.ProductIntraday,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("sizing margin lookup: %w", types.ErrBrokerUnavailable)
	}

	cap := availableCapital * marginCapFraction
	if required > cap && required > 0 {
		scaled := int(math.Floor(float64(quantity) * cap / required))
		if scaled < 1 {
			scaled = 1
		}
		log.Debug().
			Str("symbol", candidate.Symbol).
			Int("quantity", quantity).
			Int("scaled", scaled).
			Float64("required_margin", required).
			Msg("quantity scaled down to fit margin cap")
		required = required * float64(scaled) / float64(quantity)
		quantity = scaled
	}
	return quantity, required, nil
}
