package segments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/pairbooth/internal/compose"
	"github.com/ent0n29/pairbooth/internal/events"
	"github.com/ent0n29/pairbooth/internal/layout"
	"github.com/ent0n29/pairbooth/internal/observability"
)

// Upload is one received segment. Frames is the number of encoded frames,
// zero when unknown.
type Upload struct {
	RoomID      string `validate:"required,max=128"`
	CaptureID   string `validate:"omitempty,max=64,uuid|alphanum"`
	UserID      string `validate:"required,max=128"`
	Shot        int    `validate:"gte=1,lte=64"`
	Duration    time.Duration
	Frames      int `validate:"gte=0"`
	ContentType string
	Filename    string
	Body        io.Reader `validate:"required"`
}

// ComposeRequest mirrors the compose-from-uploaded body. Only segments
// uploaded under CaptureID are composed.
type ComposeRequest struct {
	RoomID              string `json:"roomId" validate:"required,max=128"`
	CaptureID           string `json:"captureId,omitempty" validate:"omitempty,max=64,uuid|alphanum"`
	LayoutID            string `json:"layoutId" validate:"required"`
	SelectedShotNumbers []int  `json:"selectedShotNumbers" validate:"required,min=1,dive,gte=1"`
}

// ComposeError carries the machine-readable failure reason of a composition.
type ComposeError struct {
	Reason  string
	Missing []int
	Err     error
}

func (e *ComposeError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("%s: shots %v", e.Reason, e.Missing)
	}
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ComposeError) Unwrap() error { return e.Err }

type Config struct {
	FFmpegPath      string
	MaxSegmentBytes int64
	ComposeTimeout  time.Duration
	// ArtifactsURL is the public prefix artifacts are served under.
	ArtifactsURL string
}

type Deps struct {
	Index     Index
	Segments  *BlobStore
	Artifacts *BlobStore
	Layouts   *layout.Catalog
	Runner    Runner
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *zap.Logger
}

// Service accepts segment uploads and composes selections of them.
type Service struct {
	cfg       Config
	index     Index
	segments  *BlobStore
	artifacts *BlobStore
	layouts   *layout.Catalog
	runner    Runner
	publisher events.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	validate  *validator.Validate
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if deps.Index == nil || deps.Segments == nil || deps.Artifacts == nil || deps.Layouts == nil {
		return nil, errors.New("segments: index, blob stores and layouts are required")
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.ComposeTimeout <= 0 {
		cfg.ComposeTimeout = 2 * time.Minute
	}
	if cfg.ArtifactsURL == "" {
		cfg.ArtifactsURL = "/artifacts"
	}
	cfg.ArtifactsURL = strings.TrimRight(cfg.ArtifactsURL, "/")
	if deps.Runner == nil {
		deps.Runner = ExecRunner{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		cfg:       cfg,
		index:     deps.Index,
		segments:  deps.Segments,
		artifacts: deps.Artifacts,
		layouts:   deps.Layouts,
		runner:    deps.Runner,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("segments"),
		validate:  validator.New(),
	}, nil
}

// Accept stores an uploaded segment and indexes it under its capture.
func (s *Service) Accept(ctx context.Context, up Upload) (Segment, error) {
	started := time.Now()
	if err := s.validate.Struct(up); err != nil {
		s.countUpload("invalid")
		return Segment{}, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}
	ext := safeExt(path.Ext(up.Filename))
	if ext == "" {
		ext = ".bin"
	}
	rel := path.Join(safeName(up.RoomID), up.CaptureID, "shot-"+strconv.Itoa(up.Shot)+ext)
	n, err := s.segments.Write(rel, up.Body, s.cfg.MaxSegmentBytes)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			s.countUpload("too_large")
		} else {
			s.countUpload("error")
		}
		return Segment{}, err
	}
	seg := Segment{
		RoomID:      up.RoomID,
		CaptureID:   up.CaptureID,
		UserID:      up.UserID,
		Shot:        up.Shot,
		ContentType: up.ContentType,
		Path:        rel,
		Size:        n,
		Duration:    up.Duration,
		Frames:      up.Frames,
		UploadedAt:  time.Now().UTC(),
	}
	if err := s.index.Put(ctx, seg); err != nil {
		s.countUpload("error")
		return Segment{}, err
	}
	s.countUpload("accepted")
	if s.metrics != nil {
		s.metrics.ObserveSegment(time.Since(started), n)
	}
	s.logger.Info("segment accepted",
		zap.String("room_id", seg.RoomID),
		zap.String("capture_id", seg.CaptureID),
		zap.String("user_id", seg.UserID),
		zap.Int("shot", seg.Shot),
		zap.Int64("bytes", n),
	)
	s.publish(ctx, events.New(events.SegmentUploaded, seg.RoomID, map[string]any{
		"userId":     seg.UserID,
		"captureId":  seg.CaptureID,
		"shotNumber": seg.Shot,
		"bytes":      n,
		"durationMs": seg.Duration.Milliseconds(),
	}))
	return seg, nil
}

// ComposeFromUploaded renders the selected shots of one capture into the
// layout and returns the public URL of the video. It fails fast, listing every
// selected shot with no segment uploaded for that capture.
func (s *Service) ComposeFromUploaded(ctx context.Context, req ComposeRequest) (string, error) {
	started := time.Now()
	url, err := s.composeFromUploaded(ctx, req)
	reason := ""
	if err != nil {
		reason = compose.ReasonEncodeError
		var ce *ComposeError
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		s.logger.Warn("compose failed", zap.String("room_id", req.RoomID), zap.String("reason", reason), zap.Error(err))
		s.publish(ctx, events.New(events.ComposeFailed, req.RoomID, map[string]any{
			"layoutId":  req.LayoutID,
			"captureId": req.CaptureID,
			"reason":    reason,
			"shots":    req.SelectedShotNumbers,
		}))
	} else {
		s.logger.Info("video composed", zap.String("room_id", req.RoomID), zap.String("url", url), zap.Duration("took", time.Since(started)))
		s.publish(ctx, events.New(events.VideoComposed, req.RoomID, map[string]any{
			"layoutId":  req.LayoutID,
			"captureId": req.CaptureID,
			"shots":     req.SelectedShotNumbers,
			"videoUrl":  url,
		}))
	}
	if s.metrics != nil {
		s.metrics.ObserveCompose("video", time.Since(started), reason)
	}
	return url, err
}

func (s *Service) composeFromUploaded(ctx context.Context, req ComposeRequest) (string, error) {
	if err := s.validate.Struct(req); err != nil {
		return "", &ComposeError{Reason: compose.ReasonInvalidRequest, Err: err}
	}
	l, err := s.layouts.Get(req.LayoutID)
	if err != nil {
		return "", &ComposeError{Reason: compose.ReasonInvalidLayout, Err: err}
	}
	shots := req.SelectedShotNumbers
	if len(shots) != l.SlotCount {
		return "", &ComposeError{
			Reason: compose.ReasonInvalidRequest,
			Err:    fmt.Errorf("layout %s needs %d shots, got %d", l.ID, l.SlotCount, len(shots)),
		}
	}
	if dup := firstDuplicate(shots); dup > 0 {
		return "", &ComposeError{Reason: compose.ReasonInvalidRequest, Err: fmt.Errorf("shot %d selected twice", dup)}
	}

	uploaded, err := s.index.List(ctx, req.RoomID, req.CaptureID)
	if err != nil {
		return "", fmt.Errorf("list segments: %w", err)
	}
	byShot := make(map[int]Segment, len(uploaded))
	for _, seg := range uploaded {
		byShot[seg.Shot] = seg
	}
	var missing []int
	for _, shot := range shots {
		seg, ok := byShot[shot]
		if !ok {
			missing = append(missing, shot)
			continue
		}
		if _, err := os.Stat(s.segments.Path(seg.Path)); err != nil {
			missing = append(missing, shot)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return "", &ComposeError{Reason: compose.ReasonMissingSegments, Missing: missing}
	}

	rects := layout.Resolve(l, l.CanvasWidth, l.CanvasHeight)
	inputs := make([]slotInput, len(shots))
	for i, shot := range shots {
		seg := byShot[shot]
		inputs[i] = slotInput{
			Path:        s.segments.Path(seg.Path),
			ContentType: seg.ContentType,
			Duration:    seg.Duration,
			Frames:      seg.Frames,
			Rect:        rects[i],
		}
	}

	rel := path.Join(safeName(req.RoomID), "video-"+uuid.NewString()+".mp4")
	out := s.artifacts.Path(rel)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ComposeTimeout)
	defer cancel()
	args := composeArgs(l, inputs, s.overlayPath(l), out)
	if output, err := s.runner.Run(ctx, s.cfg.FFmpegPath, args...); err != nil {
		_ = os.Remove(out)
		return "", &ComposeError{
			Reason: compose.ReasonEncodeError,
			Err:    fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output))),
		}
	}
	return s.ArtifactURL(rel), nil
}

// SaveArtifact stores a client-composed artifact (e.g. the photo) and returns
// its public URL.
func (s *Service) SaveArtifact(roomID, filename string, r io.Reader) (string, error) {
	if strings.TrimSpace(roomID) == "" {
		return "", fmt.Errorf("%w: roomId is required", ErrInvalidSegment)
	}
	ext := safeExt(path.Ext(filename))
	if ext == "" {
		ext = ".jpg"
	}
	rel := path.Join(safeName(roomID), "photo-"+uuid.NewString()+ext)
	if _, err := s.artifacts.Write(rel, r, s.cfg.MaxSegmentBytes); err != nil {
		return "", err
	}
	return s.ArtifactURL(rel), nil
}

func (s *Service) ArtifactURL(rel string) string {
	return s.cfg.ArtifactsURL + "/" + rel
}

// overlayPath returns the layout overlay when it is a local file.
func (s *Service) overlayPath(l layout.FrameLayout) string {
	p := strings.TrimPrefix(l.OverlayURL, "file://")
	if p == "" || strings.Contains(p, "://") {
		return ""
	}
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("publish event", zap.String("type", e.Type), zap.Error(err))
	}
}

func (s *Service) countUpload(result string) {
	if s.metrics != nil {
		s.metrics.SegmentUploads.WithLabelValues(result).Inc()
	}
}

func firstDuplicate(shots []int) int {
	seen := make(map[int]struct{}, len(shots))
	for _, n := range shots {
		if _, ok := seen[n]; ok {
			return n
		}
		seen[n] = struct{}{}
	}
	return 0
}

func safeExt(ext string) string {
	ext = strings.ToLower(ext)
	for _, r := range strings.TrimPrefix(ext, ".") {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	if len(ext) > 8 {
		return ""
	}
	return ext
}
