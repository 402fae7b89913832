package store

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = time.Minute

// EvictCallback is called for every session removed by the reaper.
type EvictCallback func(sessionID string)

// RunReaper periodically evicts sessions idle for longer than ttl until ctx
// is done. A ttl <= 0 disables eviction and RunReaper returns immediately.
func RunReaper(ctx context.Context, m *Memory, ttl, interval time.Duration, onEvict EvictCallback) error {
	if ttl <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = reaperInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Session reaper started", "interval", interval, "ttl", ttl)

	for {
		select {
		case <-ticker.C:
			evictIdleSessions(m, ttl, onEvict)
		case <-ctx.Done():
			slog.Info("Session reaper shutting down", "reason", ctx.Err())
			return nil
		}
	}
}

func evictIdleSessions(m *Memory, ttl time.Duration, onEvict EvictCallback) {
	evicted := m.EvictIdle(ttl)
	if len(evicted) == 0 {
		return
	}
	for _, id := range evicted {
		slog.Info("Session reaper evicted idle session", "session_id", id)
		if onEvict != nil {
			onEvict(id)
		}
	}
	slog.Info("Session reaper cleanup completed", "evicted", len(evicted), "remaining", m.Len())
}
