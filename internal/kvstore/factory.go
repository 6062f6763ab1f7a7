package kvstore

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// NewStore picks Redis, then Postgres, then the in-memory fallback, depending
// on which connection strings are configured.
func NewStore(ctx context.Context, redisURL, databaseURL string, logger *zap.Logger) (Store, error) {
	if strings.TrimSpace(redisURL) != "" {
		return NewRedisStore(ctx, redisURL, logger)
	}
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewInMemoryStore(), nil
}
