package jobs

import (
	"context"
	"log"
	"time"

	"ludilearn/auth-identity/internal/config"
	"ludilearn/auth-identity/internal/repository"
)

// StartTokenCleanupJob periodically purges expired or consumed one-time
// tokens and dead refresh sessions. Tokens stay valid until the next sweep
// at worst; nothing depends on this job for correctness.
func StartTokenCleanupJob(ctx context.Context, cfg config.Config, store *repository.Store) {
	if !cfg.TokenCleanupEnabled {
		return
	}
	interval := cfg.TokenCleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				tokens, err := store.DeleteExpiredTokens(tickCtx, now)
				if err != nil {
					log.Printf("token cleanup error: %v", err)
				}
				sessions, err := store.DeleteDeadSessions(tickCtx, now)
				if err != nil {
					log.Printf("session cleanup error: %v", err)
				}
				cancel()
				if tokens > 0 || sessions > 0 {
					log.Printf("cleanup removed %d tokens, %d sessions", tokens, sessions)
				}
			}
		}
	}()
}
