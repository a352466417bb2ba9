// Package oauth schedules background refreshes for tokens persisted in the
// oauth_tokens table. It wakes with jitter and refreshes when the remaining
// lifetime falls inside the configured window, keeping pipeline uploads from
// paying the refresh latency (or racing each other on an expired token).
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"time"

	"github.com/codetalk/imgrelay/db"
)

// RefreshFunc performs the provider-specific refresh and returns
// (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks the provider's
// token row and refreshes it when expiry falls within window.
func StartRefresher(ctx context.Context, dbx *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is fine for scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// +-20% per-iteration jitter keeps instances from aligning.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			sleep := interval + jitter
			if sleep < interval/2 {
				sleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}

			_, refresh, expiry, _, err := db.GetOAuthToken(ctx, dbx, provider)
			if err != nil || refresh == "" {
				continue
			}
			if time.Until(expiry) > window {
				continue
			}

			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			newAccess, newRefresh, newExpiry, newScope, err := fn(ctx2, refresh)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			if newRefresh == "" {
				newRefresh = refresh
			}
			if err := db.UpsertOAuthToken(ctx, dbx, provider, newAccess, newRefresh, newExpiry, newScope); err != nil {
				slog.Warn("token refresh persist failed", slog.String("provider", provider), slog.Any("err", err))
				continue
			}
			slog.Info("token refreshed", slog.String("provider", provider), slog.Time("expires_at", newExpiry))
		}
	}()
}
