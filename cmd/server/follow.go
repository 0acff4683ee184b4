package main

import (
	"context"
	"errors"
	"log/slog"

	"chatlink/internal/config"
	"chatlink/internal/redis"
)

// follow logs the status another chatlink server publishes for the session
// until ctx is cancelled. It needs REDIS_URL and never starts a client.
func follow(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.RedisURL == "" {
		return errors.New("--follow requires REDIS_URL")
	}
	rc, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := rc.Ping(ctx); err != nil {
		return err
	}

	p := redis.NewPublisher(rc, cfg.RedisStatusTTL, nil, logger)

	// Subscribe before reading the stored value so no change falls between.
	sub := p.Follow(ctx, cfg.SessionKey)
	defer sub.Close()

	latest, err := p.Latest(ctx, cfg.SessionKey)
	switch {
	case errors.Is(err, redis.ErrNoStatus):
		logger.Info("no status published yet", "session_key", cfg.SessionKey)
	case err != nil:
		return err
	default:
		logStatus(logger, latest)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.Ch:
			if !ok {
				return nil
			}
			logStatus(logger, u)
		}
	}
}

func logStatus(logger *slog.Logger, u redis.StatusUpdate) {
	logger.Info("session status",
		"session_key", u.Status.SessionKey,
		"state", u.Status.State,
		"ready", u.Status.Ready,
		"degraded", u.Status.Degraded,
		"attempts", u.Status.Attempts,
		"reason", u.Reason)
}
