package segments

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pairbooth:segments:"

// RedisIndex stores one hash per capture, field = shot number.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisIndex{client: client, ttl: ttl}
}

// DialRedisIndex connects using a redis:// URL and checks the connection.
func DialRedisIndex(ctx context.Context, url string, ttl time.Duration) (*RedisIndex, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisIndex(client, ttl), nil
}

func (r *RedisIndex) key(roomID, captureID string) string {
	return redisKeyPrefix + captureKey(roomID, captureID)
}

func (r *RedisIndex) Put(ctx context.Context, seg Segment) error {
	if err := validSegment(seg); err != nil {
		return err
	}
	raw, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("marshal segment: %w", err)
	}
	key := r.key(seg.RoomID, seg.CaptureID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, strconv.Itoa(seg.Shot), raw)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index segment: %w", err)
	}
	return nil
}

func (r *RedisIndex) List(ctx context.Context, roomID, captureID string) ([]Segment, error) {
	fields, err := r.client.HGetAll(ctx, r.key(roomID, captureID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	out := make([]Segment, 0, len(fields))
	for field, raw := range fields {
		var seg Segment
		if err := json.Unmarshal([]byte(raw), &seg); err != nil {
			return nil, fmt.Errorf("decode segment %s/%s: %w", roomID, field, err)
		}
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shot < out[j].Shot })
	return out, nil
}

func (r *RedisIndex) Close() error {
	return r.client.Close()
}
