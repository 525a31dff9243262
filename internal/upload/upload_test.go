package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/reliability"
)

type fakeClient struct {
	mu       sync.Mutex
	failures map[int]int
	calls    atomic.Int32
	gate     chan struct{}
	got      []SegmentUpload
}

func (c *fakeClient) UploadSegment(ctx context.Context, seg SegmentUpload) error {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures[seg.Shot] > 0 {
		c.failures[seg.Shot]--
		return errors.New("boom")
	}
	c.got = append(c.got, seg)
	return nil
}

var fastPolicy = reliability.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}

func seg(shot int) recorder.Segment {
	return recorder.Segment{Shot: shot, Data: []byte{1, 2, 3}, ContentType: "video/mp4", Extension: ".mp4"}
}

func TestUploaderRetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{failures: map[int]int{1: 2}}
	tr := NewTracker()
	var results []string
	var mu sync.Mutex
	u := NewUploader(context.Background(), client, tr, Options{
		RoomID: "r", UserID: "host", Policy: fastPolicy,
		Observer: func(_ int, result string, _ int) {
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		},
	})

	u.Submit(tr.Generation(), seg(1))
	u.Submit(tr.Generation(), seg(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Empty(t, tr.Await(ctx, []int{1, 2}))
	u.Wait()

	assert.EqualValues(t, 4, client.calls.Load())
	assert.Equal(t, StatusUploaded, tr.Status(1))
	assert.Equal(t, "r", client.got[0].RoomID)
	assert.ElementsMatch(t, []string{"uploaded", "uploaded"}, results)
}

func TestUploaderExhaustionMarksFailedAndRetryRecovers(t *testing.T) {
	client := &fakeClient{failures: map[int]int{3: 3}}
	tr := NewTracker()
	u := NewUploader(context.Background(), client, tr, Options{Policy: fastPolicy})
	gen := tr.Generation()

	u.Submit(gen, seg(3))
	missing := tr.Await(context.Background(), []int{3})
	assert.Equal(t, []int{3}, missing)
	u.Wait()
	assert.Equal(t, StatusFailed, tr.Status(3))

	assert.Equal(t, []int{3}, u.RetryFailed([]int{1, 3}))
	assert.Empty(t, tr.Await(context.Background(), []int{3}))
	u.Wait()
}

func TestUploaderDropsResultsFromCancelledCapture(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	tr := NewTracker()
	u := NewUploader(context.Background(), client, tr, Options{Policy: fastPolicy})

	old := tr.Generation()
	u.Submit(old, seg(1))
	tr.Reset()
	close(client.gate)
	u.Wait()

	assert.Equal(t, StatusUnknown, tr.Status(1), "stale generation must not mark the new one")

	u.Submit(old, seg(2))
	u.Wait()
	assert.EqualValues(t, 1, client.calls.Load(), "stale submit is not sent")
}

// recordingClient fails the first attempt of every payload listed in flaky.
type recordingClient struct {
	mu    sync.Mutex
	flaky map[string]bool
	sent  []SegmentUpload
}

func (c *recordingClient) UploadSegment(_ context.Context, seg SegmentUpload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, seg)
	if c.flaky[string(seg.Data)] {
		delete(c.flaky, string(seg.Data))
		return errors.New("connection reset")
	}
	return nil
}

func (c *recordingClient) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, seg := range c.sent {
		out[i] = seg.CaptureID + ":" + string(seg.Data)
	}
	return out
}

func TestBeginCancelsRetriesOfPreviousCapture(t *testing.T) {
	client := &recordingClient{flaky: map[string]bool{"OLD": true}}
	tr := NewTracker()
	slow := reliability.Policy{MaxAttempts: 3, Base: 200 * time.Millisecond, Cap: 200 * time.Millisecond}
	u := NewUploader(context.Background(), client, tr, Options{RoomID: "r", UserID: "host", Policy: slow})

	first := u.Begin("capture-1")
	u.Submit(first, recorder.Segment{Shot: 1, Data: []byte("OLD"), Frames: 30, Duration: time.Second})
	require.Eventually(t, func() bool { return len(client.payloads()) == 1 }, time.Second, time.Millisecond)

	second := u.Begin("capture-2")
	u.Submit(second, recorder.Segment{Shot: 1, Data: []byte("NEW"), Frames: 30, Duration: time.Second})
	assert.Empty(t, tr.Await(context.Background(), []int{1}))
	u.Wait()

	assert.Equal(t, []string{"capture-1:OLD", "capture-2:NEW"}, client.payloads(), "the old capture must not be retried")
	assert.Equal(t, StatusUploaded, tr.Status(1))
	assert.Equal(t, 30, client.sent[1].Frames)
}

func TestDiscardCancelsInFlightUploads(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	tr := NewTracker()
	var results []string
	var mu sync.Mutex
	u := NewUploader(context.Background(), client, tr, Options{Policy: fastPolicy, Observer: func(_ int, result string, _ int) {
		mu.Lock()
		results = append(results, result)
		mu.Unlock()
	}})

	u.Submit(u.Begin("capture-1"), seg(1))
	require.Eventually(t, func() bool { return client.calls.Load() == 1 }, time.Second, time.Millisecond)
	u.Discard()
	u.Wait()

	assert.Empty(t, client.got)
	assert.Equal(t, StatusUnknown, tr.Status(1))
	assert.Equal(t, []string{"discarded"}, results)
	assert.Empty(t, u.RetryFailed([]int{1}))
}

func TestTrackerAwaitWakesOnUpload(t *testing.T) {
	tr := NewTracker()
	gen := tr.Generation()
	tr.Mark(gen, 1, StatusPending)

	done := make(chan []int, 1)
	go func() { done <- tr.Await(context.Background(), []int{1}) }()

	time.Sleep(10 * time.Millisecond)
	require.True(t, tr.Mark(gen, 1, StatusUploaded))
	select {
	case missing := <-done:
		assert.Empty(t, missing)
	case <-time.After(time.Second):
		t.Fatal("Await did not wake")
	}
}

func TestTrackerAwaitTimesOutWithMissingShots(t *testing.T) {
	tr := NewTracker()
	gen := tr.Generation()
	tr.Mark(gen, 2, StatusUploaded)
	tr.Mark(gen, 4, StatusPending)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, []int{1, 4}, tr.Await(ctx, []int{4, 2, 1}))
	assert.Equal(t, []int{1, 4}, tr.Missing([]int{1, 2, 4}))
}
