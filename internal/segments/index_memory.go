package segments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryIndex keeps segments in process; captures expire ttl after their last upload.
type MemoryIndex struct {
	mu    sync.Mutex
	cache *cache.Cache
}

func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryIndex{cache: cache.New(ttl, ttl/2)}
}

func (m *MemoryIndex) Put(_ context.Context, seg Segment) error {
	if err := validSegment(seg); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := captureKey(seg.RoomID, seg.CaptureID)
	shots := make(map[int]Segment)
	if v, ok := m.cache.Get(key); ok {
		for k, s := range v.(map[int]Segment) {
			shots[k] = s
		}
	}
	shots[seg.Shot] = seg
	m.cache.Set(key, shots, cache.DefaultExpiration)
	return nil
}

func (m *MemoryIndex) List(_ context.Context, roomID, captureID string) ([]Segment, error) {
	v, ok := m.cache.Get(captureKey(roomID, captureID))
	if !ok {
		return nil, nil
	}
	shots := v.(map[int]Segment)
	out := make([]Segment, 0, len(shots))
	for _, s := range shots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Shot < out[j].Shot })
	return out, nil
}

func (m *MemoryIndex) Close() error {
	m.cache.Flush()
	return nil
}
