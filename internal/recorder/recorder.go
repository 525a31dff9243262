// Package recorder records one video segment per shot from the record
// surface and hands each finished segment on without waiting for it.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyRecording = errors.New("shot is already recording")

// FrameSource is satisfied by composite.Surface.
type FrameSource interface {
	Snapshot() (*image.RGBA, bool)
}

// Segment is one encoded shot.
type Segment struct {
	Shot        int
	Data        []byte
	ContentType string
	Extension   string
	Duration    time.Duration
	Frames      int
}

type Config struct {
	FPS int
	// StopDelay is how long recording continues after capture-now, and also
	// the slack added to the nominal duration when no stop arrives.
	StopDelay  time.Duration
	NewEncoder func() Encoder
}

func (c Config) withDefaults() Config {
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.StopDelay <= 0 {
		c.StopDelay = 300 * time.Millisecond
	}
	if c.NewEncoder == nil {
		c.NewEncoder = NewMJPEGEncoder
	}
	return c
}

// Recorder can run several shots at once; a shot's trailing frames may
// overlap the next shot's countdown.
type Recorder struct {
	src       FrameSource
	cfg       Config
	logger    *zap.Logger
	onSegment func(Segment)

	mu     sync.Mutex
	active map[int]*recording
	wg     sync.WaitGroup
}

type recording struct {
	cancel context.CancelFunc
	stop   chan time.Duration
	abort  bool
}

func New(src FrameSource, cfg Config, onSegment func(Segment), logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		src:       src,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		onSegment: onSegment,
		active:    make(map[int]*recording),
	}
}

// Start begins recording shot. Recording ends nominal+StopDelay later unless
// StopAfter shortens it.
func (r *Recorder) Start(ctx context.Context, shot int, nominal time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[shot]; ok {
		return fmt.Errorf("%w: %d", ErrAlreadyRecording, shot)
	}
	ctx, cancel := context.WithCancel(ctx)
	rec := &recording{cancel: cancel, stop: make(chan time.Duration, 1)}
	r.active[shot] = rec
	r.wg.Add(1)
	go r.run(ctx, shot, nominal+r.cfg.StopDelay, rec)
	return nil
}

// StopAfter ends shot's recording d from now, if that is sooner than its
// current deadline.
func (r *Recorder) StopAfter(shot int, d time.Duration) {
	r.mu.Lock()
	rec, ok := r.active[shot]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rec.stop <- d:
	default:
	}
}

// StopDelay is the configured trailing window after capture-now.
func (r *Recorder) StopDelay() time.Duration { return r.cfg.StopDelay }

// Abort stops every recording and discards the frames.
func (r *Recorder) Abort() {
	r.mu.Lock()
	for shot, rec := range r.active {
		rec.abort = true
		rec.cancel()
		delete(r.active, shot)
	}
	r.mu.Unlock()
}

// Active counts shots currently recording.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Wait blocks until every recording goroutine has returned.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) run(ctx context.Context, shot int, limit time.Duration, rec *recording) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		if r.active[shot] == rec {
			delete(r.active, shot)
		}
		r.mu.Unlock()
		rec.cancel()
	}()

	log := r.logger.With(zap.Int("shot", shot))
	enc := r.cfg.NewEncoder()
	started := time.Now()
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Second / time.Duration(r.cfg.FPS))
	defer ticker.Stop()

	begun := false
	frames := 0
	capture := func() error {
		img, ok := r.src.Snapshot()
		if !ok {
			return nil
		}
		if !begun {
			b := img.Bounds()
			if err := enc.Begin(b.Dx(), b.Dy(), r.cfg.FPS); err != nil {
				return err
			}
			begun = true
		}
		frames++
		return enc.EncodeFrame(img, time.Since(started).Milliseconds())
	}

	if err := capture(); err != nil {
		log.Error("segment encoder failed", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			aborted := rec.abort
			r.mu.Unlock()
			if begun {
				_, _ = enc.End()
			}
			if aborted {
				log.Info("segment recording aborted")
			}
			return
		case d := <-rec.stop:
			if time.Since(started)+d < limit {
				limit = time.Since(started) + d
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(d)
			}
		case <-ticker.C:
			if err := capture(); err != nil {
				log.Error("segment encoder failed", zap.Error(err))
				if begun {
					_, _ = enc.End()
				}
				return
			}
		case <-deadline.C:
			r.finish(log, shot, enc, begun, frames, time.Since(started))
			return
		}
	}
}

func (r *Recorder) finish(log *zap.Logger, shot int, enc Encoder, begun bool, frames int, elapsed time.Duration) {
	if !begun || frames == 0 {
		log.Warn("segment has no frames")
		return
	}
	data, err := enc.End()
	if err != nil {
		log.Error("segment encode failed", zap.Error(err))
		return
	}
	seg := Segment{
		Shot:        shot,
		Data:        data,
		ContentType: enc.ContentType(),
		Extension:   enc.Extension(),
		Duration:    elapsed,
		Frames:      frames,
	}
	log.Debug("segment recorded", zap.Int("frames", frames), zap.Int("bytes", len(data)), zap.Duration("duration", elapsed))
	if r.onSegment != nil {
		r.onSegment(seg)
	}
}
