package feedsync

import (
	"context"
	"errors"
	"time"
)

// Run keeps the store up to date until ctx is done. It starts with a full
// refresh, then refreshes station status every statusInterval. A full
// refresh runs again once fullInterval has elapsed since the last
// successful one, or on the next tick after a failed full refresh.
// A fullInterval of zero disables periodic full refreshes.
func (s *Syncer) Run(ctx context.Context, statusInterval, fullInterval time.Duration) error {
	if statusInterval <= 0 {
		return errors.New("status interval must be positive")
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var lastFull time.Time
	for {
		full := lastFull.IsZero() || (fullInterval > 0 && time.Since(lastFull) >= fullInterval)

		var err error
		if full {
			_, err = s.RefreshAll(ctx)
			if err == nil {
				lastFull = time.Now()
			}
		} else {
			_, err = s.RefreshStatusOnly(ctx)
		}
		if err != nil && ctx.Err() == nil {
			s.log.Warn("Sync cycle failed, retrying on next tick", "full", full, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
