// Package upload sends recorded segments to the compose service and tracks
// which shots have finished uploading.
package upload

import (
	"context"
	"sort"
	"sync"
)

type Status int

const (
	StatusUnknown Status = iota
	StatusPending
	StatusUploaded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusUploaded:
		return "uploaded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Tracker records per-shot upload state for the current capture generation.
// Results reported for an older generation are dropped.
type Tracker struct {
	mu      sync.Mutex
	gen     uint64
	status  map[int]Status
	changed chan struct{}
}

func NewTracker() *Tracker {
	return &Tracker{gen: 1, status: make(map[int]Status), changed: make(chan struct{})}
}

// Reset starts a new generation and forgets every shot.
func (t *Tracker) Reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.status = make(map[int]Status)
	t.notifyLocked()
	return t.gen
}

func (t *Tracker) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// Mark sets shot's status if gen is current and reports whether it did.
func (t *Tracker) Mark(gen uint64, shot int, s Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return false
	}
	t.status[shot] = s
	t.notifyLocked()
	return true
}

func (t *Tracker) Status(shot int) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status[shot]
}

// Missing lists the shots among want that have not finished uploading.
func (t *Tracker) Missing(want []int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.missingLocked(want)
}

// Failed lists the shots among want whose upload gave up.
func (t *Tracker) Failed(want []int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for _, shot := range want {
		if t.status[shot] == StatusFailed {
			out = append(out, shot)
		}
	}
	sort.Ints(out)
	return out
}

// Await blocks until every shot in want is uploaded, one of them fails, or
// ctx is done, and returns the shots still missing.
func (t *Tracker) Await(ctx context.Context, want []int) []int {
	for {
		t.mu.Lock()
		missing := t.missingLocked(want)
		failed := false
		for _, shot := range missing {
			if t.status[shot] == StatusFailed {
				failed = true
				break
			}
		}
		changed := t.changed
		t.mu.Unlock()

		if len(missing) == 0 || failed {
			return missing
		}
		select {
		case <-ctx.Done():
			return missing
		case <-changed:
		}
	}
}

func (t *Tracker) missingLocked(want []int) []int {
	var out []int
	for _, shot := range want {
		if t.status[shot] != StatusUploaded {
			out = append(out, shot)
		}
	}
	sort.Ints(out)
	return out
}

func (t *Tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}
