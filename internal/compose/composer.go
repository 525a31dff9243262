// Package compose builds the final framed photo and requests the framed
// video from the segments uploaded for a selection.
package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/pairbooth/internal/capture"
	"github.com/ent0n29/pairbooth/internal/composite"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/reliability"
	"github.com/ent0n29/pairbooth/internal/upload"
)

// VideoService composes uploaded segments into one video.
type VideoService interface {
	ComposeFromUploaded(ctx context.Context, r Request) (string, error)
}

// ArtifactStore keeps composed photos and returns a URL for them.
type ArtifactStore interface {
	PutArtifact(ctx context.Context, roomID, name, contentType string, data []byte) (string, error)
}

// Target names the capture whose segments are composed.
type Target struct {
	RoomID    string
	CaptureID string
}

// Artifact is the immutable result of one composition.
type Artifact struct {
	Photo    *image.RGBA
	PhotoURL string
	VideoURL string
}

type Config struct {
	// MergeTimeout bounds the wait for selected segments to finish uploading.
	MergeTimeout time.Duration
	Policy       reliability.Policy
	JPEGQuality  int
	Background   color.Color
}

// Composer is the MediaComposer. The photo path is local; the video path
// goes through VideoService once every selected segment is uploaded.
type Composer struct {
	video     VideoService
	artifacts ArtifactStore
	tracker   *upload.Tracker
	cfg       Config
	logger    *zap.Logger
	observe   func(kind string, d time.Duration, err error)
}

func NewComposer(video VideoService, artifacts ArtifactStore, tracker *upload.Tracker, cfg Config, logger *zap.Logger) *Composer {
	if cfg.MergeTimeout <= 0 {
		cfg.MergeTimeout = 30 * time.Second
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = reliability.DefaultPolicy
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 92
	}
	if cfg.Background == nil {
		cfg.Background = color.White
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{video: video, artifacts: artifacts, tracker: tracker, cfg: cfg, logger: logger}
}

// Observe registers a hook receiving every composition outcome.
func (c *Composer) Observe(hook func(kind string, d time.Duration, err error)) {
	c.observe = hook
}

// ComposePhoto places each selected photo into its slot (cover scaled),
// paints slots in zIndex order and draws overlay last, stretched to the
// canvas. Position i of sel fills slot i.
func (c *Composer) ComposePhoto(l layout.FrameLayout, sel []int, photos map[int]image.Image, overlay image.Image) (*image.RGBA, error) {
	valid, err := capture.NewSelection(sel, l.SlotCount, l.TotalShots())
	if err != nil {
		return nil, err
	}
	var missing []int
	for _, shot := range valid {
		if photos[shot] == nil {
			missing = append(missing, shot)
		}
	}
	if len(missing) > 0 {
		return nil, &MissingPhotosError{Shots: missing}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, l.CanvasWidth, l.CanvasHeight))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c.cfg.Background), image.Point{}, draw.Src)
	for _, r := range layout.DrawOrder(layout.Resolve(l, l.CanvasWidth, l.CanvasHeight)) {
		dst := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
		composite.Cover(canvas, dst, photos[valid[r.Index]], draw.CatmullRom, draw.Over)
	}
	if overlay != nil {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), overlay, overlay.Bounds(), draw.Over, nil)
	}
	return canvas, nil
}

// ComposeVideo waits up to MergeTimeout for the selected segments, then asks
// the service to compose them. It fails with *MissingSegmentsError instead of
// composing a partial selection.
func (c *Composer) ComposeVideo(ctx context.Context, target Target, l layout.FrameLayout, sel []int) (string, error) {
	valid, err := capture.NewSelection(sel, l.SlotCount, l.TotalShots())
	if err != nil {
		return "", err
	}
	shots := valid.Shots()
	if c.tracker != nil {
		waitCtx, cancel := context.WithTimeout(ctx, c.cfg.MergeTimeout)
		missing := c.tracker.Await(waitCtx, shots)
		cancel()
		if len(missing) > 0 {
			return "", &MissingSegmentsError{Shots: missing}
		}
	}
	if c.video == nil {
		return "", fmt.Errorf("%w: no video service", ErrComposeFailed)
	}

	var url string
	req := Request{RoomID: target.RoomID, CaptureID: target.CaptureID, LayoutID: l.ID, SelectedShotNumbers: shots}
	err = reliability.Retry(ctx, c.cfg.Policy, func(attempt int) error {
		u, err := c.video.ComposeFromUploaded(ctx, req)
		if err != nil {
			c.logger.Warn("compose request failed", zap.String("room_id", target.RoomID), zap.String("capture_id", target.CaptureID), zap.Int("attempt", attempt+1), zap.Error(err))
			return err
		}
		url = u
		return nil
	})
	if err != nil {
		var svcErr *ServiceError
		if errors.As(err, &svcErr) && svcErr.Reason == ReasonMissingSegments {
			return "", &MissingSegmentsError{Shots: svcErr.MissingShots}
		}
		return "", fmt.Errorf("%w: %w", ErrComposeFailed, err)
	}
	return url, nil
}

// Compose produces the photo and the video concurrently.
func (c *Composer) Compose(ctx context.Context, target Target, l layout.FrameLayout, sel []int, photos map[int]image.Image, overlay image.Image) (Artifact, error) {
	start := time.Now()
	var art Artifact
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		photo, err := c.ComposePhoto(l, sel, photos, overlay)
		if err != nil {
			return err
		}
		art.Photo = photo
		if c.artifacts == nil {
			return nil
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, photo, &jpeg.Options{Quality: c.cfg.JPEGQuality}); err != nil {
			return fmt.Errorf("%w: encode photo: %v", ErrComposeFailed, err)
		}
		name := "photo-" + uuid.NewString() + ".jpg"
		return reliability.Retry(gctx, c.cfg.Policy, func(int) error {
			u, err := c.artifacts.PutArtifact(gctx, target.RoomID, name, "image/jpeg", buf.Bytes())
			if err != nil {
				return err
			}
			art.PhotoURL = u
			return nil
		})
	})
	g.Go(func() error {
		u, err := c.ComposeVideo(gctx, target, l, sel)
		if err != nil {
			return err
		}
		art.VideoURL = u
		return nil
	})
	err := g.Wait()
	if c.observe != nil {
		c.observe("artifact", time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("composition failed", zap.String("room_id", target.RoomID), zap.String("capture_id", target.CaptureID), zap.Ints("shots", sel), zap.Error(err))
		return Artifact{}, err
	}
	c.logger.Info("composition finished", zap.String("room_id", target.RoomID), zap.String("capture_id", target.CaptureID), zap.Ints("shots", sel), zap.String("video_url", art.VideoURL))
	return art, nil
}
