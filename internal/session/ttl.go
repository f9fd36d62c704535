package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often StartSweeper checks for idle sessions.
const DefaultSweepInterval = time.Minute

// ExpireCallback is called for each session the sweeper removes.
type ExpireCallback func(id string)

// StartSweeper runs a background goroutine that periodically removes
// sessions idle for longer than ttl. It stops when ctx is cancelled; the
// returned channel is closed once the goroutine has exited.
func StartSweeper(ctx context.Context, r *Registry, interval, ttl time.Duration, onExpire ExpireCallback) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				sweepExpired(r, ttl, onExpire)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweepExpired(r *Registry, ttl time.Duration, onExpire ExpireCallback) int {
	expired := r.IdleSince(r.now().Add(-ttl))
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Session sweeper found expired sessions", "count", len(expired))

	removed := 0
	for _, id := range expired {
		if !r.Remove(id) {
			continue
		}
		removed++
		if onExpire != nil {
			onExpire(id)
		}
	}

	slog.Info("Session sweeper cleanup completed", "cleaned", removed)
	return removed
}
