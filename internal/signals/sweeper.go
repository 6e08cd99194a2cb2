package signals

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically expires PENDING signals past their deadline.
type Sweeper struct {
	service  *Service
	interval time.Duration
}

func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	return &Sweeper{service: service, interval: interval}
}

// Start begins the expiry loop and runs until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_sweeper").Logger()
	logger.Info().Dur("interval", s.interval).Msg("starting expiry sweeper")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry sweeper")
			return
		case <-ticker.C:
			if n := s.service.ExpireDue(ctx); n > 0 {
				logger.Info().Int("expired", n).Msg("expiry sweep completed")
			}
		}
	}
}
