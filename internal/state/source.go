package state

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Source feeds readings into a MemoryStore
type Source interface {
	// Name identifies the source in logs and status responses
	Name() string

	// Start begins feeding the store. Polling sources run until ctx is cancelled.
	Start(ctx context.Context) error
}

// Refresher is implemented by polling sources
type Refresher interface {
	Refresh(ctx context.Context) error
}

// startPolling refreshes once before returning, so the store is filled when
// Start returns, then refreshes on every tick until ctx is done. A failed
// first refresh is logged, not returned.
func startPolling(ctx context.Context, interval time.Duration, logger *log.Logger, r Refresher) {
	refresh := func() {
		if err := r.Refresh(ctx); err != nil && logger != nil {
			logger.Warnf("Refresh failed: %v", err)
		}
	}

	refresh()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				if logger != nil {
					logger.Debug("Polling stopped")
				}
				return
			case <-ticker.C:
				refresh()
			}
		}
	}()
}
