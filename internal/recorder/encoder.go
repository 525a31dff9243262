package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
)

var (
	ErrEncoderNotStarted = errors.New("encoder not started")
	ErrFFmpegNotFound    = errors.New("ffmpeg not found")
	ErrFFmpegFailed      = errors.New("ffmpeg failed")
)

// Encoder turns a sequence of frames into one segment blob.
type Encoder interface {
	Begin(width, height, fps int) error
	EncodeFrame(img image.Image, timestampMs int64) error
	End() ([]byte, error)
	ContentType() string
	// Extension is the file suffix the segment store should use.
	Extension() string
}

// MJPEGEncoder concatenates JPEG frames. ffmpeg reads the result with
// "-f mjpeg -framerate N".
type MJPEGEncoder struct {
	Quality int

	buf     bytes.Buffer
	started bool
}

func NewMJPEGEncoder() Encoder {
	return &MJPEGEncoder{Quality: 85}
}

func (e *MJPEGEncoder) Begin(width, height, fps int) error {
	e.buf.Reset()
	e.started = true
	return nil
}

func (e *MJPEGEncoder) EncodeFrame(img image.Image, _ int64) error {
	if !e.started {
		return ErrEncoderNotStarted
	}
	return jpeg.Encode(&e.buf, img, &jpeg.Options{Quality: e.Quality})
}

func (e *MJPEGEncoder) End() ([]byte, error) {
	if !e.started {
		return nil, ErrEncoderNotStarted
	}
	e.started = false
	return bytes.Clone(e.buf.Bytes()), nil
}

func (e *MJPEGEncoder) ContentType() string { return "video/x-motion-jpeg" }
func (e *MJPEGEncoder) Extension() string   { return ".mjpeg" }

// FFmpegEncoder pipes raw RGBA frames into ffmpeg and collects a fragmented
// MP4 from stdout.
type FFmpegEncoder struct {
	Path string
	// Ctx bounds the ffmpeg process; nil means context.Background().
	Ctx context.Context

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	out    bytes.Buffer
	stderr bytes.Buffer
	width  int
	height int
	frame  *image.RGBA
}

func NewFFmpegEncoder(ctx context.Context, path string) func() Encoder {
	return func() Encoder {
		if path == "" {
			path = "ffmpeg"
		}
		return &FFmpegEncoder{Path: path, Ctx: ctx}
	}
}

func (e *FFmpegEncoder) Begin(width, height, fps int) error {
	ctx := e.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", strconv.Itoa(width) + "x" + strconv.Itoa(height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-movflags", "frag_keyframe+empty_moov",
		"-f", "mp4", "pipe:1",
	}
	//nolint:gosec // the binary path comes from configuration
	cmd := exec.CommandContext(ctx, e.Path, args...)
	e.out.Reset()
	e.stderr.Reset()
	cmd.Stdout = &e.out
	cmd.Stderr = &e.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
			return ErrFFmpegNotFound
		}
		return fmt.Errorf("%w: %v", ErrFFmpegFailed, err)
	}
	e.cmd = cmd
	e.stdin = stdin
	e.width, e.height = width, height
	e.frame = image.NewRGBA(image.Rect(0, 0, width, height))
	return nil
}

func (e *FFmpegEncoder) EncodeFrame(img image.Image, _ int64) error {
	if e.cmd == nil {
		return ErrEncoderNotStarted
	}
	src, ok := img.(*image.RGBA)
	if !ok || src.Rect.Dx() != e.width || src.Rect.Dy() != e.height || src.Stride != e.width*4 {
		draw.Draw(e.frame, e.frame.Rect, img, img.Bounds().Min, draw.Src)
		src = e.frame
	}
	if _, err := e.stdin.Write(src.Pix[:e.width*e.height*4]); err != nil {
		return fmt.Errorf("%w: write frame: %v: %s", ErrFFmpegFailed, err, e.stderr.String())
	}
	return nil
}

func (e *FFmpegEncoder) End() ([]byte, error) {
	if e.cmd == nil {
		return nil, ErrEncoderNotStarted
	}
	cmd := e.cmd
	e.cmd = nil
	_ = e.stdin.Close()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrFFmpegFailed, err, e.stderr.String())
	}
	return bytes.Clone(e.out.Bytes()), nil
}

func (e *FFmpegEncoder) ContentType() string { return "video/mp4" }
func (e *FFmpegEncoder) Extension() string   { return ".mp4" }
