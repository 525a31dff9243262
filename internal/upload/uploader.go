package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/recorder"
	"github.com/ent0n29/pairbooth/internal/reliability"
)

var ErrUploadFailed = errors.New("segment upload failed")

// SegmentUpload is one POST /segments request. CaptureID scopes the shot to
// one capture run; Frames lets the server time streams without timestamps.
type SegmentUpload struct {
	RoomID      string
	UserID      string
	CaptureID   string
	Shot        int
	Data        []byte
	ContentType string
	Extension   string
	Duration    time.Duration
	Frames      int
}

// Client performs a single upload attempt.
type Client interface {
	UploadSegment(ctx context.Context, seg SegmentUpload) error
}

// Observer receives upload outcomes, e.g. for metrics.
type Observer func(shot int, result string, attempts int)

// Uploader submits segments in the background. Submit never blocks the
// caller on the network. Uploads belong to a capture generation and are
// cancelled when the generation ends.
type Uploader struct {
	client  Client
	tracker *Tracker
	policy  reliability.Policy
	logger  *zap.Logger
	observe Observer
	ctx     context.Context

	mu        sync.Mutex
	roomID    string
	userID    string
	gen       uint64
	captureID string
	genCtx    context.Context
	genCancel context.CancelFunc
	kept      map[int]keptSegment
	wg        sync.WaitGroup
}

type keptSegment struct {
	gen uint64
	seg recorder.Segment
}

type Options struct {
	RoomID   string
	UserID   string
	Policy   reliability.Policy
	Logger   *zap.Logger
	Observer Observer
}

// NewUploader binds uploads to ctx: in-flight uploads stop when it is done or
// when their generation ends.
func NewUploader(ctx context.Context, client Client, tracker *Tracker, opts Options) *Uploader {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy.MaxAttempts == 0 {
		opts.Policy = reliability.DefaultPolicy
	}
	return &Uploader{
		client:  client,
		tracker: tracker,
		policy:  opts.Policy,
		logger:  opts.Logger,
		observe: opts.Observer,
		roomID:  opts.RoomID,
		userID:  opts.UserID,
		ctx:     ctx,
		kept:    make(map[int]keptSegment),
	}
}

func (u *Uploader) Tracker() *Tracker { return u.tracker }

// SetIdentity changes the room/user stamped on later uploads.
func (u *Uploader) SetIdentity(roomID, userID string) {
	u.mu.Lock()
	u.roomID, u.userID = roomID, userID
	u.mu.Unlock()
}

// Begin starts the generation for capture captureID. Uploads of the previous
// generation are cancelled and their results ignored.
func (u *Uploader) Begin(captureID string) uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	gen := u.tracker.Reset()
	u.switchLocked(gen, captureID)
	return gen
}

// Discard ends the current generation without starting a capture.
func (u *Uploader) Discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tracker.Reset()
	u.cancelLocked()
	u.gen = 0
	u.captureID = ""
	u.kept = make(map[int]keptSegment)
}

// Submit uploads seg for capture generation gen. A stale gen is dropped.
func (u *Uploader) Submit(gen uint64, seg recorder.Segment) {
	u.mu.Lock()
	if !u.tracker.Mark(gen, seg.Shot, StatusPending) {
		u.mu.Unlock()
		u.logger.Debug("dropping segment from cancelled capture", zap.Int("shot", seg.Shot))
		return
	}
	if gen != u.gen {
		// The tracker was reset without Begin.
		u.switchLocked(gen, "")
	}
	u.kept[seg.Shot] = keptSegment{gen: gen, seg: seg}
	ctx := u.genCtx
	up := SegmentUpload{
		RoomID:      u.roomID,
		UserID:      u.userID,
		CaptureID:   u.captureID,
		Shot:        seg.Shot,
		Data:        seg.Data,
		ContentType: seg.ContentType,
		Extension:   seg.Extension,
		Duration:    seg.Duration,
		Frames:      seg.Frames,
	}
	u.wg.Add(1)
	u.mu.Unlock()

	go u.send(ctx, gen, up)
}

func (u *Uploader) switchLocked(gen uint64, captureID string) {
	u.cancelLocked()
	u.gen = gen
	u.captureID = captureID
	u.genCtx, u.genCancel = context.WithCancel(u.ctx)
	u.kept = make(map[int]keptSegment)
}

func (u *Uploader) cancelLocked() {
	if u.genCancel != nil {
		u.genCancel()
		u.genCancel = nil
	}
}

// RetryFailed resubmits kept segments whose upload gave up. It returns the
// shots that were resubmitted.
func (u *Uploader) RetryFailed(shots []int) []int {
	failed := u.tracker.Failed(shots)
	var resent []int
	for _, shot := range failed {
		u.mu.Lock()
		k, ok := u.kept[shot]
		u.mu.Unlock()
		if !ok || k.gen != u.tracker.Generation() {
			continue
		}
		u.Submit(k.gen, k.seg)
		resent = append(resent, shot)
	}
	return resent
}

// Wait blocks until all in-flight uploads have returned.
func (u *Uploader) Wait() {
	u.wg.Wait()
}

func (u *Uploader) send(ctx context.Context, gen uint64, up SegmentUpload) {
	defer u.wg.Done()
	log := u.logger.With(zap.String("room_id", up.RoomID), zap.String("capture_id", up.CaptureID), zap.Int("shot", up.Shot))

	attempts := 0
	err := reliability.Retry(ctx, u.policy, func(attempt int) error {
		attempts = attempt + 1
		err := u.client.UploadSegment(ctx, up)
		if err != nil {
			log.Warn("segment upload attempt failed", zap.Int("attempt", attempts), zap.Error(err))
		}
		return err
	})

	if err != nil && ctx.Err() != nil {
		log.Debug("segment upload cancelled with its capture", zap.Int("attempts", attempts))
		u.report(up.Shot, "discarded", attempts)
		return
	}
	if err != nil {
		if u.tracker.Mark(gen, up.Shot, StatusFailed) {
			log.Error("segment upload gave up", zap.Int("attempts", attempts), zap.Error(fmt.Errorf("%w: %v", ErrUploadFailed, err)))
		}
		u.report(up.Shot, "failed", attempts)
		return
	}
	if !u.tracker.Mark(gen, up.Shot, StatusUploaded) {
		log.Debug("discarding upload result from cancelled capture")
		u.report(up.Shot, "discarded", attempts)
		return
	}
	log.Info("segment uploaded", zap.Int("attempts", attempts), zap.Int("bytes", len(up.Data)))
	u.report(up.Shot, "uploaded", attempts)
}

func (u *Uploader) report(shot int, result string, attempts int) {
	if u.observe != nil {
		u.observe(shot, result, attempts)
	}
}
