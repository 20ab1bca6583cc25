// Package retention sweeps expired conversations and idle chat sessions.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/barambur26/aidock/internal/store"
)

// SessionPruner removes idle in-memory chat sessions. Implemented by
// api.SessionManager.
type SessionPruner interface {
	Prune(maxIdle time.Duration) int
}

// Start runs a background goroutine that periodically deletes conversations
// past their retention window and prunes idle in-memory sessions. A zero
// retention disables conversation deletion; sessions are still pruned.
func Start(ctx context.Context, repo store.Repository, sessions SessionPruner, retention, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("retention worker started", "interval", interval, "retention", retention)

		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, sessions, retention)
			case <-ctx.Done():
				slog.Info("retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweep(ctx context.Context, repo store.Repository, sessions SessionPruner, retention time.Duration) {
	if sessions != nil {
		// Sessions idle for a full sweep interval have no reconnecting
		// client left; an hour of slack covers slow tab restores.
		if pruned := sessions.Prune(time.Hour); pruned > 0 {
			slog.Info("retention worker pruned idle sessions", "count", pruned)
		}
	}

	if retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-retention)
	deleted, err := repo.DeleteConversationsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention worker failed to delete expired conversations", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("retention worker deleted expired conversations",
			"count", deleted, "cutoff", cutoff)
	}
}
