package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically removes aged signals, so a queue nobody polls does
// not keep growing.
type Sweeper struct {
	queue    *SignalQueue
	interval time.Duration
	logger   zerolog.Logger
}

// NewSweeper creates a sweeper for q.
func NewSweeper(q *SignalQueue, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		queue:    q,
		interval: interval,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("signal sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("signal sweeper stopped")
			return
		case <-ticker.C:
			deleted, err := s.queue.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				s.logger.Error().Err(err).Msg("failed to sweep signals")
			} else if deleted > 0 {
				s.logger.Info().Int64("count", deleted).Msg("swept aged signals")
			}
		}
	}
}
