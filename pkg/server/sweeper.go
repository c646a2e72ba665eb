package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/opencall-labs/opencall/pkg/instance"
)

// Sweeper reclaims instance rows past their expiry. Expired rows are already
// invisible to poll and chunk reads; sweeping only bounds storage growth.
type Sweeper struct {
	store    instance.Store
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store instance.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.DeleteExpired(ctx, time.Now())
			if err != nil {
				s.logger.Error("expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("swept expired instances", "count", n)
			}
		}
	}
}
