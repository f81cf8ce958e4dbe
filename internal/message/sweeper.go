package message

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically reclaims expired messages. Readers never depend on
// it: a message past its expiry is already invisible.
type Sweeper struct {
	store    Store
	interval time.Duration
	// OnSweep, if set, receives the number of messages removed per pass.
	OnSweep func(removed int)
}

func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{store: store, interval: interval}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single pass.
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed, err := s.store.Expire(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("expire messages")
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("expired messages swept")
	}
	if s.OnSweep != nil {
		s.OnSweep(removed)
	}
	return removed
}
