package segments

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseIndex(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()

	require.ErrorIs(t, idx.Put(ctx, Segment{RoomID: "room-1"}), ErrInvalidSegment)

	for _, shot := range []int{3, 1, 2} {
		require.NoError(t, idx.Put(ctx, Segment{
			RoomID:   "room-1",
			UserID:   "host",
			Shot:     shot,
			Path:     "room-1/old.mjpeg",
			Duration: time.Second,
		}))
	}
	require.NoError(t, idx.Put(ctx, Segment{RoomID: "room-1", UserID: "guest", Shot: 2, Path: "room-1/new.mjpeg"}))
	require.NoError(t, idx.Put(ctx, Segment{RoomID: "room-2", UserID: "host", Shot: 1, Path: "room-2/a.mjpeg"}))
	require.NoError(t, idx.Put(ctx, Segment{RoomID: "room-1", CaptureID: "cap2", UserID: "host", Shot: 2, Path: "room-1/cap2/shot-2.mjpeg", Frames: 45}))

	got, err := idx.List(ctx, "room-1", "")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Shot, got[1].Shot, got[2].Shot})
	assert.Equal(t, "room-1/new.mjpeg", got[1].Path)
	assert.Equal(t, time.Second, got[0].Duration)

	scoped, err := idx.List(ctx, "room-1", "cap2")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "room-1/cap2/shot-2.mjpeg", scoped[0].Path)
	assert.Equal(t, 45, scoped[0].Frames)

	empty, err := idx.List(ctx, "missing", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
	empty, err = idx.List(ctx, "room-1", "cap3")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex(time.Minute)
	defer idx.Close()
	exerciseIndex(t, idx)
}

func TestMemoryIndexExpiresRooms(t *testing.T) {
	idx := NewMemoryIndex(20 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, idx.Put(ctx, Segment{RoomID: "room-1", Shot: 1, Path: "p"}))
	time.Sleep(40 * time.Millisecond)
	got, err := idx.List(ctx, "room-1", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	idx := NewRedisIndex(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer idx.Close()
	exerciseIndex(t, idx)

	assert.Greater(t, mr.TTL(redisKeyPrefix+"room-1#"), time.Duration(0))
	assert.Greater(t, mr.TTL(redisKeyPrefix+"room-1#cap2"), time.Duration(0))
	mr.FastForward(2 * time.Minute)
	got, err := idx.List(context.Background(), "room-1", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewIndexDefaultsToMemory(t *testing.T) {
	idx, err := NewIndex(context.Background(), "", "", time.Minute)
	require.NoError(t, err)
	assert.IsType(t, &MemoryIndex{}, idx)
}

func TestNewIndexUsesRedisURL(t *testing.T) {
	mr := miniredis.RunT(t)
	idx, err := NewIndex(context.Background(), "", "redis://"+mr.Addr(), time.Minute)
	require.NoError(t, err)
	defer idx.Close()
	assert.IsType(t, &RedisIndex{}, idx)
}
