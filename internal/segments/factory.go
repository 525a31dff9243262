package segments

import (
	"context"
	"strings"
	"time"
)

// NewIndex picks the index backend: postgres when databaseURL is set, then
// redis when redisURL is set, otherwise in-memory.
func NewIndex(ctx context.Context, databaseURL, redisURL string, ttl time.Duration) (Index, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresIndex(ctx, databaseURL, ttl)
	}
	if strings.TrimSpace(redisURL) != "" {
		return DialRedisIndex(ctx, redisURL, ttl)
	}
	return NewMemoryIndex(ttl), nil
}
