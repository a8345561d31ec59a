package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/holyanswers/holyanswers/internal/domain"
)

// DefaultSweepInterval is how often the idle worker runs.
const DefaultSweepInterval = 5 * time.Minute

// IdleSource reports users whose durable last-seen time is older than ttl.
type IdleSource interface {
	GetIdleUsers(ctx context.Context, ttl time.Duration) ([]*domain.User, error)
}

// CleanupCallback is called after a user's store has been signed out by the idle worker.
type CleanupCallback func(userID string)

// StartIdleWorker runs a background goroutine that periodically signs out
// stores idle for longer than ttl. When users is non-nil a store is only
// closed if the durable record agrees the user is idle.
func StartIdleWorker(ctx context.Context, reg *Registry, users IdleSource, interval, ttl time.Duration, onCleanup CleanupCallback) {
	if ttl <= 0 {
		slog.Info("idle worker disabled", "ttl", ttl)
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("idle worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				SweepIdle(ctx, reg, users, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("idle worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// SweepIdle performs one idle pass and returns the users signed out.
func SweepIdle(ctx context.Context, reg *Registry, users IdleSource, ttl time.Duration, onCleanup CleanupCallback) []string {
	candidates := reg.IdleUsers(ttl)
	if len(candidates) == 0 {
		return nil
	}

	if users != nil {
		idle, err := users.GetIdleUsers(ctx, ttl)
		if err != nil {
			slog.Error("idle worker failed to get idle users", "error", err)
			return nil
		}
		durable := make(map[string]bool, len(idle))
		for _, u := range idle {
			durable[u.UserID] = true
		}
		filtered := candidates[:0]
		for _, id := range candidates {
			if durable[id] {
				filtered = append(filtered, id)
			}
		}
		candidates = filtered
	}

	var closed []string
	for _, userID := range candidates {
		if !reg.SignOut(userID) {
			continue
		}
		if onCleanup != nil {
			onCleanup(userID)
		}
		closed = append(closed, userID)
	}
	if len(closed) > 0 {
		slog.Info("idle worker cleanup completed", "cleaned", len(closed))
	}
	return closed
}
