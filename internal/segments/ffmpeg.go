package segments

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/pairbooth/internal/layout"
)

const (
	// defaultMJPEGRate is assumed for MJPEG segments uploaded without a
	// frame count; raw MJPEG carries no timing of its own.
	defaultMJPEGRate = 15
	defaultDuration  = 3 * time.Second
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	//nolint:gosec // the binary path comes from configuration
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// slotInput is one selected segment bound to the slot it fills.
type slotInput struct {
	Path        string
	ContentType string
	Duration    time.Duration
	Frames      int
	Rect        layout.Rect
}

// inputRate is the frame rate a segment was recorded at, so that it plays for
// its own duration.
func (in slotInput) inputRate() string {
	if in.Frames <= 0 || in.Duration <= 0 {
		return strconv.Itoa(defaultMJPEGRate)
	}
	return strconv.FormatFloat(float64(in.Frames)/in.Duration.Seconds(), 'f', 3, 64)
}

// composeArgs builds an ffmpeg invocation that plays each input inside its
// slot rectangle on a black canvas, stacking slots in z order, with an
// optional still overlay on top. Inputs are indexed by slot position.
func composeArgs(l layout.FrameLayout, inputs []slotInput, overlayPath, out string) []string {
	duration := time.Duration(0)
	for _, in := range inputs {
		duration = max(duration, in.Duration)
	}
	if duration <= 0 {
		duration = defaultDuration
	}
	secs := strconv.FormatFloat(duration.Seconds(), 'f', 3, 64)

	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	for _, in := range inputs {
		if isMJPEG(in.ContentType, in.Path) {
			args = append(args, "-f", "mjpeg", "-framerate", in.inputRate())
		}
		args = append(args, "-i", in.Path)
	}
	if overlayPath != "" {
		args = append(args, "-i", overlayPath)
	}

	var filters []string
	filters = append(filters, fmt.Sprintf("color=c=black:s=%dx%d:d=%s[bg0]", l.CanvasWidth, l.CanvasHeight, secs))
	rects := make([]layout.Rect, len(inputs))
	for i, in := range inputs {
		rects[i] = in.Rect
		filters = append(filters, fmt.Sprintf(
			"[%d:v]setpts=PTS-STARTPTS,scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d[s%d]",
			i, in.Rect.Width, in.Rect.Height, in.Rect.Width, in.Rect.Height, i,
		))
	}
	step := 0
	for _, r := range layout.DrawOrder(rects) {
		filters = append(filters, fmt.Sprintf("[bg%d][s%d]overlay=%d:%d:eof_action=repeat[bg%d]", step, r.Index, r.X, r.Y, step+1))
		step++
	}
	final := fmt.Sprintf("bg%d", step)
	if overlayPath != "" {
		filters = append(filters,
			fmt.Sprintf("[%d:v]scale=%d:%d[ov]", len(inputs), l.CanvasWidth, l.CanvasHeight),
			fmt.Sprintf("[%s][ov]overlay=0:0[vout]", final),
		)
		final = "vout"
	}

	return append(args,
		"-filter_complex", strings.Join(filters, ";"),
		"-map", "["+final+"]",
		"-t", secs,
		"-c:v", "libx264", "-preset", "veryfast", "-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		out,
	)
}

func isMJPEG(contentType, path string) bool {
	return strings.Contains(contentType, "motion-jpeg") || strings.HasSuffix(path, ".mjpeg")
}
